package task

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "AgentCredit-Chain/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 记录任务状态。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}
	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS tasks (
        id VARCHAR(64) PRIMARY KEY,
        agent_id VARCHAR(64) NOT NULL,
        client_ref VARCHAR(255) DEFAULT '',
        description TEXT,
        amount BIGINT NOT NULL,
        status VARCHAR(32) NOT NULL,
        requires_loan TINYINT(1) NOT NULL DEFAULT 0,
        proof_hash VARCHAR(80) DEFAULT '',
        loan_id VARCHAR(64) DEFAULT '',
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_task_agent (agent_id),
        INDEX idx_task_status (status),
        INDEX idx_task_updated (updated_at)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 tasks 表失败")
	}
	return nil
}

const taskColumns = `id, agent_id, client_ref, description, amount, status, requires_loan,
        proof_hash, loan_id, last_error, error_code, created_at, updated_at`

func scanTask(row interface{ Scan(dest ...any) error }) (*Task, error) {
	var task Task
	if err := row.Scan(
		&task.ID,
		&task.AgentID,
		&task.ClientRef,
		&task.Description,
		&task.Amount,
		&task.Status,
		&task.RequiresLoan,
		&task.ProofHash,
		&task.LoanID,
		&task.LastError,
		&task.ErrorCode,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &task, nil
}

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil || strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	now := time.Now().Unix()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = StatusPending
	}

	const stmt = `INSERT INTO tasks
        (id, agent_id, client_ref, description, amount, status, requires_loan,
         proof_hash, loan_id, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, '', '', '', '', ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		task.ID, task.AgentID, task.ClientRef, task.Description,
		task.Amount, task.Status, task.RequiresLoan,
		task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// List 返回最近更新的任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query := `SELECT ` + taskColumns + ` FROM tasks`
	var conditions []string
	var args []any
	if opts.AgentID != "" {
		conditions = append(conditions, "agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, status)
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY updated_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// SetProofHash 记录承诺哈希，只允许写一次。
func (s *MySQLStore) SetProofHash(ctx context.Context, id, proofHash string) error {
	const stmt = `UPDATE tasks SET proof_hash = ?, updated_at = ? WHERE id = ? AND proof_hash = ''`
	res, err := s.db.ExecContext(ctx, stmt, proofHash, time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录承诺哈希失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrTaskConflict
	}
	return nil
}

// LinkLoan 绑定贷款 ID，只允许写一次。
func (s *MySQLStore) LinkLoan(ctx context.Context, id, loanID string) error {
	const stmt = `UPDATE tasks SET loan_id = ?, updated_at = ? WHERE id = ? AND loan_id = ''`
	res, err := s.db.ExecContext(ctx, stmt, loanID, time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "绑定贷款失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrTaskConflict
	}
	return nil
}

// Advance 执行一次 CAS 状态迁移。
func (s *MySQLStore) Advance(ctx context.Context, id string, from, to Status) error {
	if !CanTransition(from, to) {
		return ErrInvalidTransition
	}
	const stmt = `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt, to, time.Now().Unix(), id, from)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrTaskConflict
	}
	return nil
}

// MarkFailed 从任意非终态迁入 failed。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string) error {
	const stmt = `UPDATE tasks SET status = ?, error_code = ?, last_error = ?, updated_at = ?
        WHERE id = ? AND status NOT IN (?, ?, ?)`
	res, err := s.db.ExecContext(ctx, stmt, StatusFailed, string(code), lastError, time.Now().Unix(),
		id, StatusPaid, StatusFailed, StatusCancelled)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务失败状态出错")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrTaskConflict
	}
	return nil
}

// Cancel 取消任务，只允许在资金到位前。
func (s *MySQLStore) Cancel(ctx context.Context, id string) error {
	const stmt = `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`
	res, err := s.db.ExecContext(ctx, stmt, StatusCancelled, time.Now().Unix(),
		id, StatusPending, StatusAwaitingFunds)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "取消任务失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrNotCancellable
	}
	return nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)

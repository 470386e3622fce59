package admission

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

// MySQLStore 使用 MySQL 记录智能体状态。
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
	const schema = `CREATE TABLE IF NOT EXISTS agents (
        id VARCHAR(64) PRIMARY KEY,
        name VARCHAR(255) NOT NULL,
        bundle_ref VARCHAR(255) NOT NULL,
        status VARCHAR(32) NOT NULL,
        identity_id VARCHAR(128) DEFAULT '',
        escrow_account VARCHAR(128) DEFAULT '',
        credit_score INT NOT NULL DEFAULT 500,
        total_loans INT NOT NULL DEFAULT 0,
        successful_repayments INT NOT NULL DEFAULT 0,
        failed_repayments INT NOT NULL DEFAULT 0,
        redirected_addresses INT NOT NULL DEFAULT 0,
        original_pay_target VARCHAR(255) DEFAULT '',
        unit_handle VARCHAR(255) DEFAULT '',
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_agent_status (status),
        INDEX idx_agent_updated (updated_at)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 agents 表失败")
	}
	return nil
}

const agentColumns = `id, name, bundle_ref, status, identity_id, escrow_account, credit_score,
        total_loans, successful_repayments, failed_repayments, redirected_addresses,
        original_pay_target, unit_handle, last_error, error_code, created_at, updated_at`

// Create 插入新的智能体记录。
func (s *MySQLStore) Create(ctx context.Context, agent *Agent) error {
	if agent == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 不能为空")
	}
	if strings.TrimSpace(agent.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 不能为空")
	}

	now := time.Now().Unix()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	if agent.Status == "" {
		agent.Status = StatusPending
	}

	const stmt = `INSERT INTO agents
        (id, name, bundle_ref, status, identity_id, escrow_account, credit_score,
         total_loans, successful_repayments, failed_repayments, redirected_addresses,
         original_pay_target, unit_handle, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, '', '', ?, 0, 0, 0, 0, '', '', '', '', ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		agent.ID,
		agent.Name,
		agent.BundleRef,
		agent.Status,
		agent.CreditScore,
		agent.CreatedAt,
		agent.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrAgentConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入智能体失败")
	}
	return nil
}

func scanAgent(row interface{ Scan(dest ...any) error }) (*Agent, error) {
	var agent Agent
	if err := row.Scan(
		&agent.ID,
		&agent.Name,
		&agent.BundleRef,
		&agent.Status,
		&agent.IdentityID,
		&agent.EscrowAccount,
		&agent.CreditScore,
		&agent.TotalLoans,
		&agent.SuccessfulRepayments,
		&agent.FailedRepayments,
		&agent.RedirectedAddresses,
		&agent.OriginalPayTarget,
		&agent.UnitHandle,
		&agent.LastError,
		&agent.ErrorCode,
		&agent.CreatedAt,
		&agent.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &agent, nil
}

// Get 查询指定智能体。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	agent, err := scanAgent(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体失败")
	}
	return agent, nil
}

// List 返回最近更新的智能体。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Agent, error) {
	opts.applyDefaults()

	query := `SELECT ` + agentColumns + ` FROM agents`
	args := make([]any, 0, len(opts.Statuses)+2)
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, status)
		}
		query += fmt.Sprintf(" WHERE status IN (%s)", strings.Join(placeholders, ","))
	}
	query += " ORDER BY updated_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体列表失败")
	}
	defer rows.Close()

	agents := make([]*Agent, 0, opts.Limit)
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析智能体记录失败")
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历智能体失败")
	}
	return agents, nil
}

// Claim 将 pending 智能体领取为 scanning 并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Agent, error) {
	const stmt = `UPDATE agents SET status = ?, last_error = '', error_code = '', updated_at = ?
        WHERE id = ? AND status = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt, StatusScanning, now, id, StatusPending)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取智能体失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		agent, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		switch agent.Status {
		case StatusScanning, StatusModifying, StatusDeploying:
			return agent, ErrRunInFlight
		case StatusScanFailed, StatusFailed:
			return agent, ErrAgentTerminal
		case StatusActive, StatusPaused:
			return agent, ErrAgentAdmitted
		default:
			return agent, ErrAgentConflict
		}
	}
	return s.Get(ctx, id)
}

// Advance 执行一次 CAS 状态迁移。
func (s *MySQLStore) Advance(ctx context.Context, id string, from, to Status) error {
	if !CanTransition(from, to) {
		return ErrInvalidTransition
	}
	const stmt = `UPDATE agents SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt, to, time.Now().Unix(), id, from)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新智能体状态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrAgentConflict
	}
	return nil
}

// RecordRegistration 持久化身份引用与托管账户，只允许写一次。
func (s *MySQLStore) RecordRegistration(ctx context.Context, id, identityID, escrowAccount string) error {
	const stmt = `UPDATE agents SET identity_id = ?, escrow_account = ?, updated_at = ?
        WHERE id = ? AND identity_id = '' AND escrow_account = ''`
	res, err := s.db.ExecContext(ctx, stmt, identityID, escrowAccount, time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录注册信息失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrAgentConflict
	}
	return nil
}

// RecordTransform 记录改写阶段的审计信息。
func (s *MySQLStore) RecordTransform(ctx context.Context, id string, redirected int, originalTarget string) error {
	const stmt = `UPDATE agents SET redirected_addresses = ?, original_pay_target = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, redirected, originalTarget, time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录改写信息失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// Activate 记录运行单元句柄并迁移到 active。
func (s *MySQLStore) Activate(ctx context.Context, id, unitHandle string) error {
	const stmt = `UPDATE agents SET status = ?, unit_handle = ?, last_error = '', error_code = '', updated_at = ?
        WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt, StatusActive, unitHandle, time.Now().Unix(), id, StatusDeploying)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "激活智能体失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrAgentConflict
	}
	return nil
}

// MarkFailed 将智能体置为失败终态。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, status Status, code xerrors.Code, lastError string) error {
	if status != StatusScanFailed && status != StatusFailed {
		return ErrInvalidTransition
	}
	const stmt = `UPDATE agents SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, status, lastError, string(code), time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记智能体失败状态出错")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// ApplyOutcome 原子地更新信誉计数器与信用分，边界在 SQL 内收紧。
func (s *MySQLStore) ApplyOutcome(ctx context.Context, id string, successful bool, reward, penalty int) (*Agent, error) {
	var stmt string
	var delta int
	if successful {
		stmt = `UPDATE agents SET total_loans = total_loans + 1,
            successful_repayments = successful_repayments + 1,
            credit_score = LEAST(1000, credit_score + ?), updated_at = ? WHERE id = ?`
		delta = reward
	} else {
		stmt = `UPDATE agents SET total_loans = total_loans + 1,
            failed_repayments = failed_repayments + 1,
            credit_score = GREATEST(0, credit_score - ?), updated_at = ? WHERE id = ?`
		delta = penalty
	}
	res, err := s.db.ExecContext(ctx, stmt, delta, time.Now().Unix(), id)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新信誉信息失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return nil, ErrAgentNotFound
	}
	return s.Get(ctx, id)
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)

package reputation

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"sync"
	"time"

	xerrors "AgentCredit-Chain/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MemoryOutcomeStore 以内存方式记录已处理的结清信号。
type MemoryOutcomeStore struct {
	mu       sync.Mutex
	resolved map[string]bool
}

// NewMemoryOutcomeStore 创建 MemoryOutcomeStore。
func NewMemoryOutcomeStore() *MemoryOutcomeStore {
	return &MemoryOutcomeStore{resolved: make(map[string]bool)}
}

// MarkResolved 实现 OutcomeStore 接口。
func (m *MemoryOutcomeStore) MarkResolved(_ context.Context, loanID string, successful bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.resolved[loanID]; ok {
		return false, nil
	}
	m.resolved[loanID] = successful
	return true, nil
}

// Close 对内存存储无需操作。
func (m *MemoryOutcomeStore) Close() error {
	return nil
}

var _ OutcomeStore = (*MemoryOutcomeStore)(nil)

// MySQLOutcomeStore 使用唯一键落盘结清信号，重复插入即重复信号。
type MySQLOutcomeStore struct {
	db *sql.DB
}

// NewMySQLOutcomeStore 创建一个新的 MySQLOutcomeStore。
func NewMySQLOutcomeStore(dsn string) (*MySQLOutcomeStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}
	store := &MySQLOutcomeStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLOutcomeStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS loan_outcomes (
        loan_id VARCHAR(64) PRIMARY KEY,
        successful TINYINT(1) NOT NULL,
        resolved_at BIGINT NOT NULL
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 loan_outcomes 表失败")
	}
	return nil
}

// MarkResolved 实现 OutcomeStore 接口。
func (s *MySQLOutcomeStore) MarkResolved(ctx context.Context, loanID string, successful bool) (bool, error) {
	const stmt = `INSERT INTO loan_outcomes (loan_id, successful, resolved_at) VALUES (?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, loanID, successful, time.Now().Unix())
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return false, nil
		}
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录贷款结清信号失败")
	}
	return true, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLOutcomeStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ OutcomeStore = (*MySQLOutcomeStore)(nil)

package settlement

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "AgentCredit-Chain/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 记录托管账户状态。
// 在贷镜像内联在账户行上，结算提交在单条事务内完成。
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
	const schema = `CREATE TABLE IF NOT EXISTS escrow_accounts (
        address VARCHAR(128) PRIMARY KEY,
        agent_id VARCHAR(64) NOT NULL,
        agent_address VARCHAR(128) DEFAULT '',
        denomination VARCHAR(16) NOT NULL DEFAULT 'USDC',
        balance BIGINT NOT NULL DEFAULT 0,
        loan_id VARCHAR(64) DEFAULT '',
        lender_ref VARCHAR(128) DEFAULT '',
        loan_principal BIGINT NOT NULL DEFAULT 0,
        loan_expected BIGINT NOT NULL DEFAULT 0,
        loan_repaid BIGINT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        UNIQUE KEY uq_escrow_agent (agent_id)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 escrow_accounts 表失败")
	}
	return nil
}

const escrowColumns = `address, agent_id, agent_address, denomination, balance,
        loan_id, lender_ref, loan_principal, loan_expected, loan_repaid, created_at, updated_at`

func scanEscrow(row interface{ Scan(dest ...any) error }) (*Account, error) {
	var account Account
	var record ActiveLoanRecord
	if err := row.Scan(
		&account.Address,
		&account.AgentID,
		&account.AgentAddress,
		&account.Denomination,
		&account.Balance,
		&record.LoanID,
		&record.LenderRef,
		&record.Principal,
		&record.ExpectedRepayment,
		&record.RepaidAmount,
		&account.CreatedAt,
		&account.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if record.LoanID != "" {
		record.Denomination = account.Denomination
		account.ActiveLoan = &record
	}
	return &account, nil
}

// Create 登记新的托管账户。
func (s *MySQLStore) Create(ctx context.Context, account *Account) error {
	if account == nil || strings.TrimSpace(account.Address) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "托管账户地址不能为空")
	}
	now := time.Now().Unix()
	account.CreatedAt = now
	account.UpdatedAt = now
	if account.Denomination == "" {
		account.Denomination = DefaultDenomination
	}

	const stmt = `INSERT INTO escrow_accounts
        (address, agent_id, agent_address, denomination, balance,
         loan_id, lender_ref, loan_principal, loan_expected, loan_repaid, created_at, updated_at)
        VALUES (?, ?, ?, ?, 0, '', '', 0, 0, 0, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		account.Address, account.AgentID, account.AgentAddress, account.Denomination,
		account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrEscrowConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入托管账户失败")
	}
	return nil
}

// Get 返回托管账户。
func (s *MySQLStore) Get(ctx context.Context, address string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrow_accounts WHERE address = ?`, address)
	account, err := scanEscrow(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrEscrowNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询托管账户失败")
	}
	return account, nil
}

// GetByAgent 按智能体返回托管账户。
func (s *MySQLStore) GetByAgent(ctx context.Context, agentID string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrow_accounts WHERE agent_id = ?`, agentID)
	account, err := scanEscrow(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrEscrowNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询托管账户失败")
	}
	return account, nil
}

// RegisterLoan 登记在贷记录，条件更新保证同一账户同时只有一条。
func (s *MySQLStore) RegisterLoan(ctx context.Context, address, loanID, lenderRef string, principal, expectedRepayment int64) error {
	const stmt = `UPDATE escrow_accounts
        SET loan_id = ?, lender_ref = ?, loan_principal = ?, loan_expected = ?, loan_repaid = 0, updated_at = ?
        WHERE address = ? AND loan_id = ''`
	res, err := s.db.ExecContext(ctx, stmt, loanID, lenderRef, principal, expectedRepayment, time.Now().Unix(), address)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "登记在贷记录失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, address); getErr != nil {
			return getErr
		}
		return ErrActiveLoanExists
	}
	return nil
}

// ReleaseLoan 释放指定贷款的在贷记录，不匹配时无操作。
func (s *MySQLStore) ReleaseLoan(ctx context.Context, address, loanID string) error {
	const stmt = `UPDATE escrow_accounts
        SET loan_id = '', lender_ref = '', loan_principal = 0, loan_expected = 0, loan_repaid = 0, updated_at = ?
        WHERE address = ? AND loan_id = ?`
	if _, err := s.db.ExecContext(ctx, stmt, time.Now().Unix(), address, loanID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "释放在贷记录失败")
	}
	return nil
}

// Deposit 入账一笔客户支付。
func (s *MySQLStore) Deposit(ctx context.Context, address string, amount int64) (*Account, error) {
	if amount <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "入账金额必须为正数")
	}
	const stmt = `UPDATE escrow_accounts SET balance = balance + ?, updated_at = ? WHERE address = ?`
	res, err := s.db.ExecContext(ctx, stmt, amount, time.Now().Unix(), address)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "托管入账失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return nil, ErrEscrowNotFound
	}
	return s.Get(ctx, address)
}

// CommitSettlement 在单条事务内扣减余额并推进在贷镜像。
func (s *MySQLStore) CommitSettlement(ctx context.Context, address string, amount, lenderAmount int64) (*Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启结算事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrow_accounts WHERE address = ? FOR UPDATE`, address)
	account, err := scanEscrow(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrEscrowNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "锁定托管账户失败")
	}
	if amount < 0 || account.Balance < amount {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "结算金额超出托管余额")
	}

	now := time.Now().Unix()
	if lenderAmount > 0 {
		if account.ActiveLoan == nil {
			return nil, ErrEscrowConflict
		}
		if account.ActiveLoan.RepaidAmount+lenderAmount > account.ActiveLoan.ExpectedRepayment {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "还款金额超出应还总额")
		}
		repaid := account.ActiveLoan.RepaidAmount + lenderAmount
		if repaid >= account.ActiveLoan.ExpectedRepayment {
			const clear = `UPDATE escrow_accounts SET balance = balance - ?,
                loan_id = '', lender_ref = '', loan_principal = 0, loan_expected = 0, loan_repaid = 0,
                updated_at = ? WHERE address = ?`
			if _, err := tx.ExecContext(ctx, clear, amount, now, address); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交结算失败")
			}
		} else {
			const advance = `UPDATE escrow_accounts SET balance = balance - ?,
                loan_repaid = loan_repaid + ?, updated_at = ? WHERE address = ?`
			if _, err := tx.ExecContext(ctx, advance, amount, lenderAmount, now, address); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交结算失败")
			}
		}
	} else {
		const debit = `UPDATE escrow_accounts SET balance = balance - ?, updated_at = ? WHERE address = ?`
		if _, err := tx.ExecContext(ctx, debit, amount, now, address); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交结算失败")
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "结算事务提交失败")
	}
	return s.Get(ctx, address)
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)

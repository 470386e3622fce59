package loan

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

// MySQLStore 使用 MySQL 记录贷款状态。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := openMySQL(dsn)
	if err != nil {
		return nil, err
	}
	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func openMySQL(dsn string) (*sql.DB, error) {
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
	return db, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS loans (
        id VARCHAR(64) PRIMARY KEY,
        borrower_agent_id VARCHAR(64) NOT NULL,
        task_id VARCHAR(64) DEFAULT '',
        lender_id VARCHAR(64) DEFAULT '',
        principal BIGINT NOT NULL,
        interest_rate_bp INT NOT NULL DEFAULT 0,
        expected_repayment BIGINT NOT NULL DEFAULT 0,
        repaid_amount BIGINT NOT NULL DEFAULT 0,
        status VARCHAR(32) NOT NULL,
        proof_hash VARCHAR(80) DEFAULT '',
        ledger_tx VARCHAR(80) DEFAULT '',
        reason TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_loan_status (status),
        INDEX idx_loan_borrower (borrower_agent_id),
        INDEX idx_loan_updated (updated_at)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 loans 表失败")
	}
	return nil
}

const loanColumns = `id, borrower_agent_id, task_id, lender_id, principal, interest_rate_bp,
        expected_repayment, repaid_amount, status, proof_hash, ledger_tx, reason, created_at, updated_at`

func scanLoan(row interface{ Scan(dest ...any) error }) (*Loan, error) {
	var loan Loan
	if err := row.Scan(
		&loan.ID,
		&loan.BorrowerAgentID,
		&loan.TaskID,
		&loan.LenderID,
		&loan.Principal,
		&loan.InterestRateBp,
		&loan.ExpectedRepayment,
		&loan.RepaidAmount,
		&loan.Status,
		&loan.ProofHash,
		&loan.LedgerTx,
		&loan.Reason,
		&loan.CreatedAt,
		&loan.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &loan, nil
}

// Create 插入新的贷款记录。
func (s *MySQLStore) Create(ctx context.Context, loan *Loan) error {
	if loan == nil || strings.TrimSpace(loan.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "贷款 ID 不能为空")
	}
	now := time.Now().Unix()
	loan.CreatedAt = now
	loan.UpdatedAt = now
	if loan.Status == "" {
		loan.Status = StatusPending
	}

	const stmt = `INSERT INTO loans
        (id, borrower_agent_id, task_id, lender_id, principal, interest_rate_bp,
         expected_repayment, repaid_amount, status, proof_hash, ledger_tx, reason, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, '', '', ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		loan.ID, loan.BorrowerAgentID, loan.TaskID, loan.LenderID,
		loan.Principal, loan.InterestRateBp, loan.ExpectedRepayment,
		loan.Status, loan.ProofHash, loan.CreatedAt, loan.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrLoanConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入贷款失败")
	}
	return nil
}

// Get 查询指定贷款。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Loan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id)
	loan, err := scanLoan(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrLoanNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询贷款失败")
	}
	return loan, nil
}

// List 返回最近更新的贷款。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Loan, error) {
	opts.applyDefaults()

	query := `SELECT ` + loanColumns + ` FROM loans`
	var conditions []string
	var args []any
	if opts.BorrowerAgentID != "" {
		conditions = append(conditions, "borrower_agent_id = ?")
		args = append(args, opts.BorrowerAgentID)
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
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询贷款列表失败")
	}
	defer rows.Close()

	loans := make([]*Loan, 0, opts.Limit)
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析贷款记录失败")
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历贷款失败")
	}
	return loans, nil
}

// RecordMatch 将 pending 贷款绑定出借方并迁移到 requested。
func (s *MySQLStore) RecordMatch(ctx context.Context, id, lenderID string, rateBp int, expectedRepayment int64) error {
	const stmt = `UPDATE loans SET lender_id = ?, interest_rate_bp = ?, expected_repayment = ?,
        status = ?, updated_at = ? WHERE id = ? AND status = ? AND lender_id = ''`
	res, err := s.db.ExecContext(ctx, stmt, lenderID, rateBp, expectedRepayment,
		StatusRequested, time.Now().Unix(), id, StatusPending)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录贷款匹配失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrLoanConflict
	}
	return nil
}

// RecordLedgerTx 记录链上提交的交易哈希。
func (s *MySQLStore) RecordLedgerTx(ctx context.Context, id, txHash string) error {
	const stmt = `UPDATE loans SET ledger_tx = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, txHash, time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录链上交易失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrLoanNotFound
	}
	return nil
}

// Advance 执行一次 CAS 状态迁移。
func (s *MySQLStore) Advance(ctx context.Context, id string, from, to Status) error {
	if !CanTransition(from, to) {
		return ErrInvalidTransition
	}
	const stmt = `UPDATE loans SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt, to, time.Now().Unix(), id, from)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新贷款状态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrLoanConflict
	}
	return nil
}

// Resolve 将贷款迁入终态并记录原因。
func (s *MySQLStore) Resolve(ctx context.Context, id string, status Status, reason string) error {
	if !IsTerminal(status) {
		return ErrInvalidTransition
	}
	loan, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(loan.Status, status) {
		if IsTerminal(loan.Status) {
			return ErrLoanConflict
		}
		return ErrInvalidTransition
	}
	const stmt = `UPDATE loans SET status = ?, reason = ?, updated_at = ? WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt, status, reason, time.Now().Unix(), id, loan.Status)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录贷款终态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrLoanConflict
	}
	return nil
}

// ApplyRepayment 在 disbursed 状态下累加已还金额，应还达成时同一条
// 语句内翻转 repaid，保证翻转恰好发生一次。
func (s *MySQLStore) ApplyRepayment(ctx context.Context, id string, amount int64) (*Loan, bool, error) {
	if amount < 0 {
		return nil, false, xerrors.New(xerrors.CodeInvalidArgument, "还款金额不能为负")
	}
	const stmt = `UPDATE loans SET repaid_amount = repaid_amount + ?,
        status = IF(repaid_amount + ? >= expected_repayment, ?, status),
        updated_at = ?
        WHERE id = ? AND status = ? AND repaid_amount + ? <= expected_repayment`
	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt, amount, amount, StatusRepaid, now, id, StatusDisbursed, amount)
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录还款失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		loan, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, false, getErr
		}
		if loan.Status != StatusDisbursed {
			return nil, false, ErrLoanConflict
		}
		return nil, false, xerrors.New(xerrors.CodeInvalidArgument, "还款金额超出应还总额")
	}
	loan, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return loan, loan.Status == StatusRepaid, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)

// MySQLLenderStore 使用 MySQL 记录出借方状态。
type MySQLLenderStore struct {
	db *sql.DB
}

// NewMySQLLenderStore 创建一个新的 MySQLLenderStore。
func NewMySQLLenderStore(dsn string) (*MySQLLenderStore, error) {
	db, err := openMySQL(dsn)
	if err != nil {
		return nil, err
	}
	store := &MySQLLenderStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLLenderStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS lenders (
        id VARCHAR(64) PRIMARY KEY,
        name VARCHAR(255) NOT NULL,
        max_loan_amount BIGINT NOT NULL,
        min_credit_score INT NOT NULL DEFAULT 500,
        interest_rate_bp INT NOT NULL,
        available_funds BIGINT NOT NULL,
        risk_tolerance VARCHAR(16) NOT NULL DEFAULT 'medium',
        is_active TINYINT(1) NOT NULL DEFAULT 1,
        total_loans_issued INT NOT NULL DEFAULT 0,
        total_amount_lent BIGINT NOT NULL DEFAULT 0,
        total_earnings BIGINT NOT NULL DEFAULT 0,
        active_loans INT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_lender_rate (interest_rate_bp)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 lenders 表失败")
	}
	return nil
}

const lenderColumns = `id, name, max_loan_amount, min_credit_score, interest_rate_bp, available_funds,
        risk_tolerance, is_active, total_loans_issued, total_amount_lent, total_earnings, active_loans,
        created_at, updated_at`

func scanLender(row interface{ Scan(dest ...any) error }) (*Lender, error) {
	var lender Lender
	if err := row.Scan(
		&lender.ID,
		&lender.Name,
		&lender.MaxLoanAmount,
		&lender.MinCreditScore,
		&lender.InterestRateBp,
		&lender.AvailableFunds,
		&lender.RiskTolerance,
		&lender.IsActive,
		&lender.TotalLoansIssued,
		&lender.TotalAmountLent,
		&lender.TotalEarnings,
		&lender.ActiveLoans,
		&lender.CreatedAt,
		&lender.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &lender, nil
}

// Create 插入出借方记录。
func (s *MySQLLenderStore) Create(ctx context.Context, lender *Lender) error {
	if lender == nil || strings.TrimSpace(lender.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "出借方 ID 不能为空")
	}
	now := time.Now().Unix()
	lender.CreatedAt = now
	lender.UpdatedAt = now
	if lender.RiskTolerance == "" {
		lender.RiskTolerance = RiskToleranceMedium
	}

	const stmt = `INSERT INTO lenders
        (id, name, max_loan_amount, min_credit_score, interest_rate_bp, available_funds,
         risk_tolerance, is_active, total_loans_issued, total_amount_lent, total_earnings, active_loans,
         created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, 0, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		lender.ID, lender.Name, lender.MaxLoanAmount, lender.MinCreditScore,
		lender.InterestRateBp, lender.AvailableFunds, lender.RiskTolerance, lender.IsActive,
		lender.CreatedAt, lender.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrLenderConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入出借方失败")
	}
	return nil
}

// Get 查询指定出借方。
func (s *MySQLLenderStore) Get(ctx context.Context, id string) (*Lender, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+lenderColumns+` FROM lenders WHERE id = ?`, id)
	lender, err := scanLender(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrLenderNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询出借方失败")
	}
	return lender, nil
}

// List 返回全部出借方。
func (s *MySQLLenderStore) List(ctx context.Context) ([]*Lender, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+lenderColumns+` FROM lenders ORDER BY id ASC`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询出借方列表失败")
	}
	defer rows.Close()
	return collectLenders(rows)
}

// Candidates 返回满足硬性条件的出借方，利率升序、ID 升序。
func (s *MySQLLenderStore) Candidates(ctx context.Context, amount int64, creditScore int) ([]*Lender, error) {
	const query = `SELECT ` + lenderColumns + ` FROM lenders
        WHERE is_active = 1 AND min_credit_score <= ? AND max_loan_amount >= ? AND available_funds >= ?
        ORDER BY interest_rate_bp ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, creditScore, amount, amount)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询候选出借方失败")
	}
	defer rows.Close()
	return collectLenders(rows)
}

func collectLenders(rows *sql.Rows) ([]*Lender, error) {
	lenders := make([]*Lender, 0)
	for rows.Next() {
		lender, err := scanLender(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析出借方记录失败")
		}
		lenders = append(lenders, lender)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历出借方失败")
	}
	return lenders, nil
}

// RecordDisbursement 在放款时更新组合计数器并扣减可用资金。
func (s *MySQLLenderStore) RecordDisbursement(ctx context.Context, id string, amount int64) error {
	const stmt = `UPDATE lenders SET available_funds = available_funds - ?,
        total_loans_issued = total_loans_issued + 1,
        total_amount_lent = total_amount_lent + ?,
        active_loans = active_loans + 1,
        updated_at = ?
        WHERE id = ? AND available_funds >= ?`
	res, err := s.db.ExecContext(ctx, stmt, amount, amount, time.Now().Unix(), id, amount)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录放款失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrLenderConflict
	}
	return nil
}

// RecordResolution 在贷款结清或违约时回写组合计数器。
func (s *MySQLLenderStore) RecordResolution(ctx context.Context, id string, repayment, earnings int64) error {
	const stmt = `UPDATE lenders SET available_funds = available_funds + ?,
        total_earnings = total_earnings + ?,
        active_loans = GREATEST(0, active_loans - 1),
        updated_at = ?
        WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, repayment, earnings, time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录贷款结清失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrLenderNotFound
	}
	return nil
}

// Close 关闭底层数据库连接。
func (s *MySQLLenderStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ LenderStore = (*MySQLLenderStore)(nil)

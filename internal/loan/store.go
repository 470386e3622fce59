package loan

import (
	"context"
)

// ListOptions 控制查询贷款时的过滤与分页。
type ListOptions struct {
	Limit           int
	Offset          int
	Statuses        []Status
	BorrowerAgentID string
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
}

// Store 抽象贷款记录的持久化接口。
type Store interface {
	Create(ctx context.Context, loan *Loan) error
	Get(ctx context.Context, id string) (*Loan, error)
	List(ctx context.Context, opts ListOptions) ([]*Loan, error)
	// RecordMatch 将 pending 贷款绑定出借方并迁移到 requested。
	RecordMatch(ctx context.Context, id, lenderID string, rateBp int, expectedRepayment int64) error
	// RecordLedgerTx 记录链上提交的交易哈希。
	RecordLedgerTx(ctx context.Context, id, txHash string) error
	// Advance 按迁移表执行一次 CAS 状态迁移。
	Advance(ctx context.Context, id string, from, to Status) error
	// Resolve 将贷款迁入终态并记录原因。
	Resolve(ctx context.Context, id string, status Status, reason string) error
	// ApplyRepayment 在 disbursed 状态下累加已还金额，返回最新记录与
	// 本次调用是否恰好触发 repaid 翻转。累加后不得超过应还总额。
	ApplyRepayment(ctx context.Context, id string, amount int64) (*Loan, bool, error)
	Close() error
}

// LenderStore 抽象出借方记录的持久化接口。
type LenderStore interface {
	Create(ctx context.Context, lender *Lender) error
	Get(ctx context.Context, id string) (*Lender, error)
	List(ctx context.Context) ([]*Lender, error)
	// Candidates 返回满足硬性条件的出借方，按利率升序、ID 升序排列。
	Candidates(ctx context.Context, amount int64, creditScore int) ([]*Lender, error)
	// RecordDisbursement 在放款时更新组合计数器并扣减可用资金。
	RecordDisbursement(ctx context.Context, id string, amount int64) error
	// RecordResolution 在贷款结清或违约时回写组合计数器。
	// repayment 为实际收回金额，earnings 为超出本金的利息部分。
	RecordResolution(ctx context.Context, id string, repayment, earnings int64) error
	Close() error
}

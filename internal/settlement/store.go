package settlement

import (
	"context"
)

// Store 抽象托管账户的持久化接口。
//
// RegisterLoan 保证同一账户同时至多一条在贷记录；CommitSettlement
// 将余额扣减与还款镜像推进作为一个原子单元落盘。
type Store interface {
	Create(ctx context.Context, account *Account) error
	Get(ctx context.Context, address string) (*Account, error)
	GetByAgent(ctx context.Context, agentID string) (*Account, error)
	// RegisterLoan 登记在贷记录，已有在贷记录时返回 ErrActiveLoanExists。
	RegisterLoan(ctx context.Context, address, loanID, lenderRef string, principal, expectedRepayment int64) error
	// ReleaseLoan 释放指定贷款的在贷记录，不匹配时无操作。
	ReleaseLoan(ctx context.Context, address, loanID string) error
	// Deposit 入账一笔客户支付。
	Deposit(ctx context.Context, address string, amount int64) (*Account, error)
	// CommitSettlement 扣减余额 amount 并将在贷镜像推进 lenderAmount，
	// 镜像达到应还总额时清除在贷记录。
	CommitSettlement(ctx context.Context, address string, amount, lenderAmount int64) (*Account, error)
	Close() error
}

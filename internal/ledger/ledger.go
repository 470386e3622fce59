package ledger

import (
	"context"

	xerrors "AgentCredit-Chain/internal/errors"
)

// EscrowSpec 描述部署托管账户所需的参数。
type EscrowSpec struct {
	AgentRef        string
	IdentityID      string
	PlatformAddress string
	FeeRateBp       int64
	FastPathRouter  string
}

// LoanSubmission 是提交到链上的借款请求，用于保持链上可见性。
type LoanSubmission struct {
	LoanID          string
	BorrowerAgent   string
	EscrowAccount   string
	Amount          int64
	ProofHash       string
	ExpectedRevenue int64
}

// Client 抽象了核心消费的账本原语。不同网络的实现需要满足同一契约，
// 上层组件不感知具体链。
type Client interface {
	// RegisterIdentity 注册智能体身份并返回身份引用。调用方不可重试：
	// 重复调用会产生重复身份。
	RegisterIdentity(ctx context.Context, agentRef string) (string, error)
	// DeployEscrow 为指定身份部署专属托管账户。
	DeployEscrow(ctx context.Context, spec EscrowSpec) (string, error)
	// SubmitLoanRequest 将借款请求提交到链上。失败不回滚库内借款。
	SubmitLoanRequest(ctx context.Context, submission LoanSubmission) (string, error)
	// RecordOutcome 将借款结局写入身份记录，仅限白名单调用方。
	RecordOutcome(ctx context.Context, identityID string, successful bool) error
	// GetCreditScore 查询身份的信用分，取值范围 [0,1000]。
	GetCreditScore(ctx context.Context, identityID string) (int, error)
	Close()
}

var (
	// ErrChainCall 表示链上调用失败，当前流水线阶段应视为致命错误。
	ErrChainCall = xerrors.New(xerrors.CodeChainCallFailed, "链上调用失败")
)

package task

import (
	"context"

	xerrors "AgentCredit-Chain/internal/errors"
)

// ListOptions 控制查询任务时的过滤与分页。
type ListOptions struct {
	Limit    int
	Offset   int
	AgentID  string
	Statuses []Status
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

// Store 抽象任务记录的持久化接口。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	// SetProofHash 记录承诺哈希，只允许写一次。
	SetProofHash(ctx context.Context, id, proofHash string) error
	// LinkLoan 绑定贷款 ID，只允许写一次。
	LinkLoan(ctx context.Context, id, loanID string) error
	// Advance 按迁移表执行一次 CAS 状态迁移。
	Advance(ctx context.Context, id string, from, to Status) error
	// MarkFailed 从任意非终态迁入 failed 并记录原因。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string) error
	// Cancel 取消任务，只允许在 pending/awaiting_funds 窗口内。
	Cancel(ctx context.Context, id string) error
	Close() error
}

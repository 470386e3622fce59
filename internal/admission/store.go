package admission

import (
	"context"

	xerrors "AgentCredit-Chain/internal/errors"
)

// ListOptions 控制查询智能体时的过滤与分页。
type ListOptions struct {
	Limit    int
	Offset   int
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

// Store 抽象了智能体状态的持久化接口。
//
// Claim 是流水线的准入闸门：只有 pending 状态可以被领取并进入
// scanning，保证同一智能体至多一次在途执行。
type Store interface {
	Create(ctx context.Context, agent *Agent) error
	Get(ctx context.Context, id string) (*Agent, error)
	List(ctx context.Context, opts ListOptions) ([]*Agent, error)
	// Claim 将 pending 状态迁移为 scanning 并返回最新状态。
	Claim(ctx context.Context, id string) (*Agent, error)
	// Advance 按迁移表执行一次 CAS 状态迁移。
	Advance(ctx context.Context, id string, from, to Status) error
	// RecordRegistration 持久化身份引用与托管账户，只允许写一次。
	RecordRegistration(ctx context.Context, id, identityID, escrowAccount string) error
	// RecordTransform 记录改写阶段的审计信息。
	RecordTransform(ctx context.Context, id string, redirected int, originalTarget string) error
	// Activate 记录运行单元句柄并迁移到 active。
	Activate(ctx context.Context, id, unitHandle string) error
	// MarkFailed 将智能体置为给定的失败终态并记录原因。
	MarkFailed(ctx context.Context, id string, status Status, code xerrors.Code, lastError string) error
	// ApplyOutcome 原子地更新信誉计数器与信用分，并保持 [0,1000] 边界。
	ApplyOutcome(ctx context.Context, id string, successful bool, reward, penalty int) (*Agent, error)
	Close() error
}

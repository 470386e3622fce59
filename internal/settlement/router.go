package settlement

import (
	"context"
	"log/slog"
	"sync"

	xerrors "AgentCredit-Chain/internal/errors"
	"AgentCredit-Chain/pkg/logger"
)

// TransferPath 是一条资金转账路径。
type TransferPath interface {
	Name() string
	Transfer(ctx context.Context, from, to, denomination string, amount int64) error
}

// Router 将转账先走快速路径，失败后强制回退到标准路径。
// 快速路径失败只记录，绝不向调用方暴露。
type Router struct {
	fast     TransferPath
	standard TransferPath
}

// NewRouter 构造支付路由。standard 不能为空，fast 可以为空。
func NewRouter(fast, standard TransferPath) *Router {
	return &Router{fast: fast, standard: standard}
}

// Transfer 执行一次转账。
func (r *Router) Transfer(ctx context.Context, from, to, denomination string, amount int64) error {
	if r == nil || r.standard == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置标准支付路径")
	}
	if amount <= 0 {
		return nil
	}
	if r.fast != nil {
		if err := r.fast.Transfer(ctx, from, to, denomination, amount); err == nil {
			return nil
		} else {
			logger.L().Warn("快速支付路径失败，回退标准路径",
				slog.String("path", r.fast.Name()),
				slog.String("from", from),
				slog.String("to", to),
				slog.Int64("amount", amount),
				slog.String("code", string(CodePaymentPathFailure)),
				slog.Any("error", err),
			)
		}
	}
	return r.standard.Transfer(ctx, from, to, denomination, amount)
}

// MemoryPath 在内存中记录转账，用于测试与单机部署。
type MemoryPath struct {
	name string
	fail bool

	mu        sync.Mutex
	transfers []Transfer
}

// Transfer 是 MemoryPath 记录的一笔转账。
type Transfer struct {
	From         string
	To           string
	Denomination string
	Amount       int64
}

// NewMemoryPath 创建 MemoryPath。
func NewMemoryPath(name string) *MemoryPath {
	return &MemoryPath{name: name}
}

// Name 返回路径名称。
func (p *MemoryPath) Name() string { return p.name }

// SetFailing 控制该路径是否失败，用于演练回退逻辑。
func (p *MemoryPath) SetFailing(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = fail
}

// Transfer 记录一笔转账。
func (p *MemoryPath) Transfer(_ context.Context, from, to, denomination string, amount int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return xerrors.New(CodePaymentPathFailure, "payment path unavailable")
	}
	p.transfers = append(p.transfers, Transfer{From: from, To: to, Denomination: denomination, Amount: amount})
	return nil
}

// Transfers 返回已记录的转账快照。
func (p *MemoryPath) Transfers() []Transfer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Transfer, len(p.transfers))
	copy(out, p.transfers)
	return out
}

var _ TransferPath = (*MemoryPath)(nil)

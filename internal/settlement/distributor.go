package settlement

import (
	"context"
	"log/slog"
	"sync"
	"time"

	xerrors "AgentCredit-Chain/internal/errors"
	"AgentCredit-Chain/internal/observability/alerting"
	"AgentCredit-Chain/pkg/logger"
)

// LoanLedger 是清算结果向贷款引擎的回写入口。
// becameRepaid 表示本次还款恰好触发了 repaid 翻转。
type LoanLedger interface {
	ApplyRepayment(ctx context.Context, loanID string, amount int64) (becameRepaid bool, err error)
}

// Policy 是瀑布分配的平台参数。
type Policy struct {
	FeeRateBp       int
	PlatformAddress string
}

// Result 是一次结算的完整结论。
type Result struct {
	Waterfall
	LoanID     string `json:"loan_id,omitempty"`
	LoanRepaid bool   `json:"loan_repaid,omitempty"`
}

// Distributor 接收客户支付并执行瀑布分配。
// 同一托管账户的结算串行执行：还款镜像推进与剩余债务读取
// 是一个原子单元，并发支付不会重复计息或越过 repaid 阈值。
type Distributor struct {
	escrows Store
	router  *Router
	loans   LoanLedger
	policy  Policy
	alerter alerting.Dispatcher

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// DistributorOption 定义可选配置。
type DistributorOption func(*Distributor)

// WithLoanLedger 注入贷款回写入口。
func WithLoanLedger(loans LoanLedger) DistributorOption {
	return func(d *Distributor) {
		d.loans = loans
	}
}

// WithDistributorAlertDispatcher 配置告警派发器。
func WithDistributorAlertDispatcher(dispatcher alerting.Dispatcher) DistributorOption {
	return func(d *Distributor) {
		d.alerter = dispatcher
	}
}

// NewDistributor 构造清算分配器。
func NewDistributor(escrows Store, router *Router, policy Policy, opts ...DistributorOption) *Distributor {
	d := &Distributor{
		escrows: escrows,
		router:  router,
		policy:  policy,
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

func (d *Distributor) lockFor(address string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	lock, ok := d.locks[address]
	if !ok {
		lock = &sync.Mutex{}
		d.locks[address] = lock
	}
	return lock
}

// Settle 处理一笔到达托管账户的客户支付。
// 任何分配失败都把资金留在托管账户内，绝不部分分发。
func (d *Distributor) Settle(ctx context.Context, address, denomination string, amount int64) (*Result, error) {
	if amount <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "支付金额必须为正数")
	}
	if d.escrows == nil || d.router == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "清算服务未初始化")
	}
	if denomination == "" {
		denomination = DefaultDenomination
	}

	lock := d.lockFor(address)
	lock.Lock()
	defer lock.Unlock()

	account, err := d.escrows.Deposit(ctx, address, amount)
	if err != nil {
		return nil, err
	}

	var remainingDebt int64
	var loanID string
	if account.ActiveLoan != nil && account.ActiveLoan.Denomination == denomination {
		remainingDebt = account.ActiveLoan.RemainingDebt()
		loanID = account.ActiveLoan.LoanID
	}

	split := ComputeWaterfall(amount, d.policy.FeeRateBp, remainingDebt)

	if err := d.transfer(ctx, account, denomination, split); err != nil {
		wrapped := xerrors.Wrap(CodeSettlementFailed, err, "瀑布分配失败，资金保留在托管账户")
		logger.L().Error("瀑布分配失败",
			slog.Any("error", wrapped),
			slog.String("escrow", address),
			slog.Int64("amount", amount),
		)
		d.emitAlert(ctx, account, loanID, wrapped)
		return nil, wrapped
	}

	if _, err := d.escrows.CommitSettlement(ctx, address, amount, split.LenderAmount); err != nil {
		return nil, err
	}

	result := &Result{Waterfall: split, LoanID: loanID}
	if split.LenderAmount > 0 && d.loans != nil && loanID != "" {
		becameRepaid, err := d.loans.ApplyRepayment(ctx, loanID, split.LenderAmount)
		if err != nil {
			logger.L().Error("贷款还款回写失败",
				slog.Any("error", err),
				slog.String("loan_id", loanID),
				slog.Int64("lender_amount", split.LenderAmount),
			)
		}
		result.LoanRepaid = becameRepaid
	}

	logger.Audit().Info("客户支付已清算",
		slog.String("escrow", address),
		slog.String("denomination", denomination),
		slog.Int64("amount", amount),
		slog.Int64("platform_fee", split.PlatformFee),
		slog.Int64("lender_amount", split.LenderAmount),
		slog.Int64("agent_amount", split.AgentAmount),
		slog.Bool("loan_repaid", result.LoanRepaid),
	)
	return result, nil
}

// transfer 依次执行三路转账，任一失败立即终止。
func (d *Distributor) transfer(ctx context.Context, account *Account, denomination string, split Waterfall) error {
	if split.PlatformFee > 0 {
		if err := d.router.Transfer(ctx, account.Address, d.policy.PlatformAddress, denomination, split.PlatformFee); err != nil {
			return err
		}
	}
	if split.LenderAmount > 0 && account.ActiveLoan != nil {
		if err := d.router.Transfer(ctx, account.Address, account.ActiveLoan.LenderRef, denomination, split.LenderAmount); err != nil {
			return err
		}
	}
	if split.AgentAmount > 0 {
		if err := d.router.Transfer(ctx, account.Address, account.AgentAddress, denomination, split.AgentAmount); err != nil {
			return err
		}
	}
	return nil
}

func (d *Distributor) emitAlert(ctx context.Context, account *Account, loanID string, cause error) {
	if d == nil || d.alerter == nil || account == nil {
		return
	}
	attrs := xerrors.AttributesOf(CodeSettlementFailed)
	event := alerting.Event{
		Code:       CodeSettlementFailed,
		Message:    cause.Error(),
		Severity:   attrs.Severity,
		AgentID:    account.AgentID,
		LoanID:     loanID,
		OccurredAt: time.Now(),
	}
	if err := d.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败", slog.Any("error", err), slog.String("escrow", account.Address))
	}
}

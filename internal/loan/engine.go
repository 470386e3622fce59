package loan

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AgentCredit-Chain/internal/errors"
	"AgentCredit-Chain/internal/ledger"
	"AgentCredit-Chain/internal/observability/alerting"
	"AgentCredit-Chain/pkg/logger"
)

// Borrower 是匹配时需要的借款方画像。
type Borrower struct {
	AgentID       string
	IdentityID    string
	EscrowAccount string
	CreditScore   int
}

// BorrowerDirectory 提供借款方画像查询，由准入存储适配。
type BorrowerDirectory interface {
	Borrower(ctx context.Context, agentID string) (Borrower, error)
}

// TaskNotifier 将贷款生命周期事件回传给任务服务。
// 实现方需要容忍任务已处于终态的情况。
type TaskNotifier interface {
	MarkFunded(ctx context.Context, taskID string) error
	MarkFailed(ctx context.Context, taskID string, code xerrors.Code, reason string) error
}

// EscrowRegistry 负责在托管账户上登记与释放在贷记录。
// 同一托管账户同时只允许一条在贷记录。
type EscrowRegistry interface {
	RegisterLoan(ctx context.Context, escrowAccount, loanID, lenderRef string, principal, expectedRepayment int64) error
	ReleaseLoan(ctx context.Context, escrowAccount, loanID string) error
}

// OutcomeRecorder 是贷款结清或违约时的信誉回写入口。
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, agentID, loanID string, successful bool) error
}

// Engine 负责贷款的匹配与生命周期管理。
type Engine struct {
	loans     Store
	lenders   LenderStore
	borrowers BorrowerDirectory
	ledger    ledger.Client
	risk      *RiskEngine
	escrows   EscrowRegistry
	tasks     TaskNotifier
	outcomes  OutcomeRecorder
	alerter   alerting.Dispatcher
}

// EngineOption 定义可选配置。
type EngineOption func(*Engine)

// WithEscrowRegistry 注入托管账户登记器。
func WithEscrowRegistry(registry EscrowRegistry) EngineOption {
	return func(e *Engine) {
		e.escrows = registry
	}
}

// WithTaskNotifier 注入任务回调。
func WithTaskNotifier(notifier TaskNotifier) EngineOption {
	return func(e *Engine) {
		e.tasks = notifier
	}
}

// WithOutcomeRecorder 注入信誉回写入口。
func WithOutcomeRecorder(recorder OutcomeRecorder) EngineOption {
	return func(e *Engine) {
		e.outcomes = recorder
	}
}

// WithRiskEngine 替换默认风险引擎。
func WithRiskEngine(risk *RiskEngine) EngineOption {
	return func(e *Engine) {
		if risk != nil {
			e.risk = risk
		}
	}
}

// WithEngineAlertDispatcher 配置告警派发器。
func WithEngineAlertDispatcher(dispatcher alerting.Dispatcher) EngineOption {
	return func(e *Engine) {
		e.alerter = dispatcher
	}
}

// NewEngine 构造贷款引擎。
func NewEngine(loans Store, lenders LenderStore, borrowers BorrowerDirectory,
	ledgerClient ledger.Client, opts ...EngineOption) *Engine {
	e := &Engine{
		loans:     loans,
		lenders:   lenders,
		borrowers: borrowers,
		ledger:    ledgerClient,
		risk:      NewRiskEngine(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Request 描述一次贷款请求。
type Request struct {
	BorrowerAgentID string
	TaskID          string
	Amount          int64
	ProofHash       string
	ExpectedRevenue int64
}

// RequestLoan 创建贷款并尝试匹配出借方。
// 匹配不到出借方不是错误：贷款停在 pending 等待流动性。
func (e *Engine) RequestLoan(ctx context.Context, req Request) (*Loan, error) {
	if strings.TrimSpace(req.BorrowerAgentID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "借款方不能为空")
	}
	if req.Amount <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "贷款金额必须为正数")
	}
	if e.loans == nil || e.lenders == nil || e.borrowers == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "贷款引擎未初始化")
	}

	borrower, err := e.borrowers.Borrower(ctx, req.BorrowerAgentID)
	if err != nil {
		return nil, err
	}

	loan := &Loan{
		ID:              uuid.NewString(),
		BorrowerAgentID: req.BorrowerAgentID,
		TaskID:          req.TaskID,
		Principal:       req.Amount,
		Status:          StatusPending,
		ProofHash:       req.ProofHash,
	}
	if err := e.loans.Create(ctx, loan); err != nil {
		return nil, err
	}

	if err := e.match(ctx, loan, borrower, req.ExpectedRevenue); err != nil {
		return nil, err
	}
	return e.loans.Get(ctx, loan.ID)
}

// match 选取最优出借方并提交链上请求。选不到时保持 pending。
func (e *Engine) match(ctx context.Context, loan *Loan, borrower Borrower, expectedRevenue int64) error {
	candidates, err := e.lenders.Candidates(ctx, loan.Principal, borrower.CreditScore)
	if err != nil {
		return err
	}

	var chosen *Lender
	for _, candidate := range candidates {
		evaluation := e.risk.Evaluate(Assessment{
			CreditScore:    borrower.CreditScore,
			Amount:         loan.Principal,
			InterestRateBp: candidate.InterestRateBp,
			ProofHash:      loan.ProofHash,
		}, candidate)
		if evaluation.Recommendation == RecommendReject {
			logger.L().Debug("风险评估拒绝候选出借方",
				slog.String("loan_id", loan.ID),
				slog.String("lender_id", candidate.ID),
				slog.Float64("risk_score", evaluation.RiskScore),
			)
			continue
		}
		chosen = candidate
		break
	}

	if chosen == nil {
		logger.Audit().Info("暂无可用出借方，贷款等待流动性",
			slog.String("loan_id", loan.ID),
			slog.String("borrower", loan.BorrowerAgentID),
			slog.Int64("amount", loan.Principal),
			slog.String("code", string(CodeNoLenderAvailable)),
		)
		return nil
	}

	expectedRepayment := ExpectedRepaymentFor(loan.Principal, chosen.InterestRateBp)
	if err := e.loans.RecordMatch(ctx, loan.ID, chosen.ID, chosen.InterestRateBp, expectedRepayment); err != nil {
		return err
	}
	logger.Audit().Info("贷款匹配成功",
		slog.String("loan_id", loan.ID),
		slog.String("lender_id", chosen.ID),
		slog.Int("interest_rate_bp", chosen.InterestRateBp),
		slog.Int64("expected_repayment", expectedRepayment),
	)

	e.submitToLedger(ctx, loan, borrower, expectedRevenue)
	return nil
}

// submitToLedger 将请求提交到链上。失败只记录与告警，贷款保持
// requested 等待人工对账，不回滚数据库状态。
func (e *Engine) submitToLedger(ctx context.Context, loan *Loan, borrower Borrower, expectedRevenue int64) {
	if e.ledger == nil {
		return
	}
	txHash, err := e.ledger.SubmitLoanRequest(ctx, ledger.LoanSubmission{
		LoanID:          loan.ID,
		BorrowerAgent:   borrower.IdentityID,
		EscrowAccount:   borrower.EscrowAccount,
		Amount:          loan.Principal,
		ProofHash:       loan.ProofHash,
		ExpectedRevenue: expectedRevenue,
	})
	if err != nil {
		wrapped := xerrors.Wrap(CodeLoanSubmitFailed, err, "链上提交贷款请求失败")
		logger.L().Error("链上提交贷款请求失败",
			slog.Any("error", wrapped),
			slog.String("loan_id", loan.ID),
		)
		e.emitAlert(ctx, loan, CodeLoanSubmitFailed, wrapped)
		return
	}
	if err := e.loans.RecordLedgerTx(ctx, loan.ID, txHash); err != nil {
		logger.L().Error("记录链上交易哈希失败", slog.Any("error", err), slog.String("loan_id", loan.ID))
	}
}

// Rematch 对 pending 贷款再执行一轮匹配，返回成功晋升的数量。
// 由外部调度器周期性触发。
func (e *Engine) Rematch(ctx context.Context) (int, error) {
	pending, err := e.loans.List(ctx, ListOptions{Statuses: []Status{StatusPending}, Limit: 100})
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, loan := range pending {
		borrower, err := e.borrowers.Borrower(ctx, loan.BorrowerAgentID)
		if err != nil {
			logger.L().Warn("重匹配时查询借款方失败",
				slog.Any("error", err), slog.String("loan_id", loan.ID))
			continue
		}
		if err := e.match(ctx, loan, borrower, 0); err != nil {
			logger.L().Warn("重匹配失败", slog.Any("error", err), slog.String("loan_id", loan.ID))
			continue
		}
		refreshed, err := e.loans.Get(ctx, loan.ID)
		if err == nil && refreshed.Status == StatusRequested {
			promoted++
		}
	}
	return promoted, nil
}

// Get 返回贷款记录。
func (e *Engine) Get(ctx context.Context, id string) (*Loan, error) {
	return e.loans.Get(ctx, id)
}

// List 返回符合过滤条件的贷款列表。
func (e *Engine) List(ctx context.Context, opts ListOptions) ([]*Loan, error) {
	return e.loans.List(ctx, opts)
}

// ListLenders 返回全部出借方。
func (e *Engine) ListLenders(ctx context.Context) ([]*Lender, error) {
	return e.lenders.List(ctx)
}

// RegisterLender 登记一个新的出借方。
func (e *Engine) RegisterLender(ctx context.Context, lender *Lender) error {
	if lender == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "lender 不能为空")
	}
	if lender.ID == "" {
		lender.ID = uuid.NewString()
	}
	return e.lenders.Create(ctx, lender)
}

// Approve 是出借方批准的外部信号。
func (e *Engine) Approve(ctx context.Context, id string) (*Loan, error) {
	if err := e.loans.Advance(ctx, id, StatusRequested, StatusApproved); err != nil {
		return nil, err
	}
	logger.Audit().Info("贷款已批准", slog.String("loan_id", id))
	return e.loans.Get(ctx, id)
}

// Disburse 是出借方放款的外部信号：在托管账户登记在贷记录、
// 扣减出借方资金，并将关联任务标记为已到账。
func (e *Engine) Disburse(ctx context.Context, id string) (*Loan, error) {
	loan, err := e.loans.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if loan.Status != StatusApproved {
		return nil, ErrLoanConflict
	}

	borrower, err := e.borrowers.Borrower(ctx, loan.BorrowerAgentID)
	if err != nil {
		return nil, err
	}
	if e.escrows != nil {
		if err := e.escrows.RegisterLoan(ctx, borrower.EscrowAccount, loan.ID, loan.LenderID, loan.Principal, loan.ExpectedRepayment); err != nil {
			return nil, err
		}
	}
	if err := e.loans.Advance(ctx, id, StatusApproved, StatusDisbursed); err != nil {
		if e.escrows != nil {
			_ = e.escrows.ReleaseLoan(ctx, borrower.EscrowAccount, loan.ID)
		}
		return nil, err
	}
	if err := e.lenders.RecordDisbursement(ctx, loan.LenderID, loan.Principal); err != nil {
		logger.L().Error("扣减出借方资金失败",
			slog.Any("error", err),
			slog.String("loan_id", id),
			slog.String("lender_id", loan.LenderID),
		)
	}
	if e.tasks != nil && loan.TaskID != "" {
		if err := e.tasks.MarkFunded(ctx, loan.TaskID); err != nil {
			logger.L().Warn("标记任务到账失败", slog.Any("error", err), slog.String("task_id", loan.TaskID))
		}
	}
	logger.Audit().Info("贷款已放款",
		slog.String("loan_id", id),
		slog.String("lender_id", loan.LenderID),
		slog.Int64("principal", loan.Principal),
	)
	return e.loans.Get(ctx, id)
}

// Reject 是出借方拒绝的外部信号：贷款进入 rejected，
// 关联任务被强制失败，同一任务内不会静默重试。
func (e *Engine) Reject(ctx context.Context, id, reason string) (*Loan, error) {
	loan, err := e.loans.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	wasDisbursed := loan.Status == StatusDisbursed
	if err := e.loans.Resolve(ctx, id, StatusRejected, reason); err != nil {
		return nil, err
	}
	e.releaseAfterResolution(ctx, loan, wasDisbursed)

	if e.tasks != nil && loan.TaskID != "" {
		if err := e.tasks.MarkFailed(ctx, loan.TaskID, CodeLoanRejected, reason); err != nil {
			logger.L().Warn("标记任务失败出错", slog.Any("error", err), slog.String("task_id", loan.TaskID))
		}
	}
	logger.Audit().Warn("贷款被拒绝",
		slog.String("loan_id", id),
		slog.String("reason", reason),
	)
	return e.loans.Get(ctx, id)
}

// Default 是贷款违约的外部信号：信誉记失败一次，仍未关闭的
// 关联任务被强制失败。
func (e *Engine) Default(ctx context.Context, id, reason string) (*Loan, error) {
	loan, err := e.loans.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	wasDisbursed := loan.Status == StatusDisbursed
	if err := e.loans.Resolve(ctx, id, StatusDefaulted, reason); err != nil {
		return nil, err
	}
	e.releaseAfterResolution(ctx, loan, wasDisbursed)

	if e.outcomes != nil {
		if err := e.outcomes.RecordOutcome(ctx, loan.BorrowerAgentID, loan.ID, false); err != nil {
			logger.L().Error("违约信誉回写失败", slog.Any("error", err), slog.String("loan_id", id))
		}
	}
	if e.tasks != nil && loan.TaskID != "" {
		if err := e.tasks.MarkFailed(ctx, loan.TaskID, CodeLoanDefaulted, reason); err != nil {
			logger.L().Warn("标记任务失败出错", slog.Any("error", err), slog.String("task_id", loan.TaskID))
		}
	}
	e.emitAlert(ctx, loan, CodeLoanDefaulted, xerrors.New(CodeLoanDefaulted, reason))
	logger.Audit().Warn("贷款违约",
		slog.String("loan_id", id),
		slog.String("borrower", loan.BorrowerAgentID),
		slog.String("reason", reason),
	)
	return e.loans.Get(ctx, id)
}

// ApplyRepayment 由清算服务调用，推进已还金额。恰好触发 repaid
// 翻转时执行一次性结清副作用：信誉记成功、出借方组合回写。
func (e *Engine) ApplyRepayment(ctx context.Context, id string, amount int64) (*Loan, bool, error) {
	loan, becameRepaid, err := e.loans.ApplyRepayment(ctx, id, amount)
	if err != nil {
		return nil, false, err
	}
	if !becameRepaid {
		return loan, false, nil
	}

	if loan.LenderID != "" {
		earnings := loan.RepaidAmount - loan.Principal
		if earnings < 0 {
			earnings = 0
		}
		if err := e.lenders.RecordResolution(ctx, loan.LenderID, loan.RepaidAmount, earnings); err != nil {
			logger.L().Error("回写出借方组合失败",
				slog.Any("error", err),
				slog.String("loan_id", id),
				slog.String("lender_id", loan.LenderID),
			)
		}
	}
	if e.outcomes != nil {
		if err := e.outcomes.RecordOutcome(ctx, loan.BorrowerAgentID, loan.ID, true); err != nil {
			logger.L().Error("结清信誉回写失败", slog.Any("error", err), slog.String("loan_id", id))
		}
	}
	logger.Audit().Info("贷款已结清",
		slog.String("loan_id", id),
		slog.String("borrower", loan.BorrowerAgentID),
		slog.Int64("repaid_amount", loan.RepaidAmount),
	)
	return loan, true, nil
}

// releaseAfterResolution 在贷款终止后释放托管账户的在贷记录
// 并归还出借方已收回的部分资金。
func (e *Engine) releaseAfterResolution(ctx context.Context, loan *Loan, wasDisbursed bool) {
	if !wasDisbursed {
		return
	}
	if e.escrows != nil {
		borrower, err := e.borrowers.Borrower(ctx, loan.BorrowerAgentID)
		if err == nil {
			if err := e.escrows.ReleaseLoan(ctx, borrower.EscrowAccount, loan.ID); err != nil {
				logger.L().Warn("释放托管在贷记录失败",
					slog.Any("error", err), slog.String("loan_id", loan.ID))
			}
		}
	}
	if loan.LenderID != "" {
		if err := e.lenders.RecordResolution(ctx, loan.LenderID, loan.RepaidAmount, 0); err != nil {
			logger.L().Warn("终止后回写出借方组合失败",
				slog.Any("error", err), slog.String("loan_id", loan.ID))
		}
	}
}

func (e *Engine) emitAlert(ctx context.Context, loan *Loan, code xerrors.Code, cause error) {
	if e == nil || e.alerter == nil || loan == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	if !attrs.Alert {
		return
	}
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		AgentID:    loan.BorrowerAgentID,
		LoanID:     loan.ID,
		OccurredAt: time.Now(),
	}
	if err := e.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败", slog.Any("error", err), slog.String("loan_id", loan.ID))
	}
}

// Close 释放资源。
func (e *Engine) Close() error {
	if e.loans != nil {
		if err := e.loans.Close(); err != nil {
			return err
		}
	}
	if e.lenders != nil {
		return e.lenders.Close()
	}
	return nil
}

package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"AgentCredit-Chain/internal/admission"
	xerrors "AgentCredit-Chain/internal/errors"
	"AgentCredit-Chain/internal/loan"
	"AgentCredit-Chain/internal/observability/alerting"
	"AgentCredit-Chain/internal/proof"
	"AgentCredit-Chain/internal/queue"
	"AgentCredit-Chain/pkg/logger"
)

// LoanFunder 发起贷款匹配。匹配不到出借方不是错误，贷款停留在 pending。
type LoanFunder interface {
	RequestLoan(ctx context.Context, req loan.Request) (*loan.Loan, error)
}

// FundingWorker 从队列消费任务 ID 并执行资金流水线：
// 生成收入承诺，按策略走直接到账或贷款匹配。
type FundingWorker struct {
	store       Store
	agents      admission.Store
	proofs      proof.Generator
	funder      LoanFunder
	consumer    queue.Consumer
	policy      Policy
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// FundingOption 定义可选配置。
type FundingOption func(*FundingWorker)

// WithFundingLogger 指定日志输出。
func WithFundingLogger(logger *slog.Logger) FundingOption {
	return func(w *FundingWorker) {
		w.logger = logger
	}
}

// WithFundingWorkerCount 设置消费协程数量。
func WithFundingWorkerCount(workers int) FundingOption {
	return func(w *FundingWorker) {
		if workers > 0 {
			w.workerCount = workers
		}
	}
}

// WithFundingAlertDispatcher 配置告警派发器。
func WithFundingAlertDispatcher(dispatcher alerting.Dispatcher) FundingOption {
	return func(w *FundingWorker) {
		w.alerter = dispatcher
	}
}

// NewFundingWorker 构造资金流水线工作器。
func NewFundingWorker(store Store, agents admission.Store, proofs proof.Generator,
	funder LoanFunder, consumer queue.Consumer, policy Policy, opts ...FundingOption) *FundingWorker {
	policy.applyDefaults()
	w := &FundingWorker{
		store:       store,
		agents:      agents,
		proofs:      proofs,
		funder:      funder,
		consumer:    consumer,
		policy:      policy,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	if w.workerCount <= 0 {
		w.workerCount = 1
	}
	return w
}

// Start 启动资金处理循环。
func (w *FundingWorker) Start(ctx context.Context) error {
	if w.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return w.consumer.Consume(ctx, w.workerCount, w.handle)
}

func (w *FundingWorker) handle(ctx context.Context, taskID string) error {
	if w.store == nil || w.agents == nil || w.proofs == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "资金流水线未初始化")
	}
	task, err := w.store.Get(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) {
			w.logDebug("跳过未知任务", slog.String("task_id", taskID))
			return nil
		}
		logger.L().Error("查询任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		return err
	}
	// 声明与消费之间可能已经取消或失败，幂等跳过。
	if task.Status != StatusPending {
		w.logDebug("任务已离开待处理态",
			slog.String("task_id", taskID),
			slog.String("status", string(task.Status)),
		)
		return nil
	}

	agent, err := w.agents.Get(ctx, task.AgentID)
	if err != nil {
		return w.fail(ctx, task, xerrors.CodeStorageFailure,
			xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询归属智能体失败"), "agent_lookup")
	}

	loanAmount := w.policy.LoanAmount(task.Amount)
	commitment, err := w.proofs.Generate(ctx, proof.Inputs{
		ClientRef:      task.ClientRef,
		Description:    task.Description,
		PaymentTarget:  agent.EscrowAccount,
		ExpectedAmount: task.Amount,
		MinAmount:      loanAmount,
	})
	if err != nil {
		// 承诺生成失败必须失败关闭，任务不进入资金路径。
		return w.fail(ctx, task, proof.CodeGenerationFailed,
			xerrors.Wrap(proof.CodeGenerationFailed, err, "收入承诺生成失败"), "proof")
	}
	if err := w.store.SetProofHash(ctx, task.ID, commitment.Hash); err != nil {
		if !stdErrors.Is(err, ErrTaskConflict) {
			logger.L().Error("记录承诺哈希失败", slog.Any("error", err), slog.String("task_id", task.ID))
			return err
		}
	}

	if !task.RequiresLoan {
		if err := w.advancePending(ctx, task.ID, StatusFunded); err != nil {
			return err
		}
		logger.Audit().Info("任务直接到账",
			slog.String("task_id", task.ID),
			slog.String("agent_id", task.AgentID),
			slog.Int64("amount", task.Amount),
		)
		return nil
	}

	if err := w.advancePending(ctx, task.ID, StatusAwaitingFunds); err != nil {
		return err
	}
	if w.funder == nil {
		return w.fail(ctx, task, CodeFundingFailed,
			xerrors.New(CodeFundingFailed, "未配置贷款引擎"), "loan")
	}
	requested, err := w.funder.RequestLoan(ctx, loan.Request{
		BorrowerAgentID: task.AgentID,
		TaskID:          task.ID,
		Amount:          loanAmount,
		ProofHash:       commitment.Hash,
		ExpectedRevenue: task.Amount,
	})
	if err != nil {
		return w.fail(ctx, task, CodeFundingFailed,
			xerrors.Wrap(CodeFundingFailed, err, "发起贷款失败"), "loan")
	}
	if err := w.store.LinkLoan(ctx, task.ID, requested.ID); err != nil {
		if !stdErrors.Is(err, ErrTaskConflict) {
			logger.L().Error("绑定贷款失败", slog.Any("error", err),
				slog.String("task_id", task.ID), slog.String("loan_id", requested.ID))
			return err
		}
	}
	logger.Audit().Info("任务进入贷款匹配",
		slog.String("task_id", task.ID),
		slog.String("agent_id", task.AgentID),
		slog.String("loan_id", requested.ID),
		slog.Int64("loan_amount", loanAmount),
		slog.String("loan_status", string(requested.Status)),
	)
	return nil
}

// advancePending 将任务迁出 pending，任务已被取消时幂等返回。
func (w *FundingWorker) advancePending(ctx context.Context, taskID string, to Status) error {
	err := w.store.Advance(ctx, taskID, StatusPending, to)
	if err == nil {
		return nil
	}
	if stdErrors.Is(err, ErrTaskConflict) {
		task, getErr := w.store.Get(ctx, taskID)
		if getErr == nil && IsTerminal(task.Status) {
			w.logDebug("任务在资金处理期间已终止",
				slog.String("task_id", taskID),
				slog.String("status", string(task.Status)),
			)
			return nil
		}
	}
	logger.L().Error("推进任务状态失败", slog.Any("error", err), slog.String("task_id", taskID))
	return err
}

func (w *FundingWorker) fail(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) error {
	if storeErr := w.store.MarkFailed(ctx, task.ID, code, cause.Error()); storeErr != nil {
		if stdErrors.Is(storeErr, ErrTaskConflict) {
			return nil
		}
		logger.L().Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return storeErr
	}
	logger.Audit().Warn("任务资金流水线失败",
		slog.String("task_id", task.ID),
		slog.String("agent_id", task.AgentID),
		slog.String("stage", stage),
		slog.String("error_code", string(code)),
		slog.String("error", cause.Error()),
	)
	w.emitAlert(ctx, task, code, cause, stage)
	return nil
}

func (w *FundingWorker) logDebug(msg string, attrs ...slog.Attr) {
	if w.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		w.logger.Debug(msg, args...)
	}
}

func (w *FundingWorker) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if w == nil || w.alerter == nil || task == nil {
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
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		AgentID:    task.AgentID,
		TaskID:     task.ID,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := w.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}

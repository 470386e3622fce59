package admission

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "AgentCredit-Chain/internal/errors"
	"AgentCredit-Chain/internal/ledger"
	"AgentCredit-Chain/internal/observability/alerting"
	"AgentCredit-Chain/internal/queue"
	"AgentCredit-Chain/pkg/logger"
)

// EscrowPolicy 描述准入时部署托管账户使用的平台参数。
type EscrowPolicy struct {
	PlatformAddress string
	FeeRateBp       int
	FastPathRouter  string
}

// Pipeline 从队列消费智能体 ID 并依次执行准入阶段：
// 扫描、链上注册、收款改写、部署、镜像扫描、激活。
type Pipeline struct {
	store       Store
	ledger      ledger.Client
	scanner     Scanner
	transformer Transformer
	deployer    Deployer
	consumer    queue.Consumer
	policy      EscrowPolicy
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// PipelineOption 定义可选配置。
type PipelineOption func(*Pipeline)

// WithPipelineLogger 指定日志输出。
func WithPipelineLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) PipelineOption {
	return func(p *Pipeline) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) PipelineOption {
	return func(p *Pipeline) {
		p.alerter = dispatcher
	}
}

// NewPipeline 构造准入流水线。
func NewPipeline(store Store, ledgerClient ledger.Client, scanner Scanner, transformer Transformer,
	deployer Deployer, consumer queue.Consumer, policy EscrowPolicy, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		store:       store,
		ledger:      ledgerClient,
		scanner:     scanner,
		transformer: transformer,
		deployer:    deployer,
		consumer:    consumer,
		policy:      policy,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动准入处理循环。
func (p *Pipeline) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置准入消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Pipeline) handle(ctx context.Context, agentID string) error {
	if p.store == nil || p.ledger == nil || p.scanner == nil || p.transformer == nil || p.deployer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "流水线未初始化")
	}
	agent, err := p.store.Claim(ctx, agentID)
	if err != nil {
		if stdErrors.Is(err, ErrAgentNotFound) || stdErrors.Is(err, ErrRunInFlight) ||
			stdErrors.Is(err, ErrAgentTerminal) || stdErrors.Is(err, ErrAgentAdmitted) {
			p.logDebug("跳过智能体", slog.String("agent_id", agentID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取智能体失败", slog.Any("error", err), slog.String("agent_id", agentID))
		return err
	}

	if err := p.runStages(ctx, agent); err != nil {
		return err
	}

	logger.Audit().Info("智能体准入完成",
		slog.String("agent_id", agent.ID),
		slog.String("name", agent.Name),
	)
	return nil
}

// runStages 按顺序执行准入各阶段。任何阶段失败都会将智能体置入
// 对应终态，不向队列返回错误以避免对非重试性失败做无意义重投。
func (p *Pipeline) runStages(ctx context.Context, agent *Agent) error {
	report, err := p.scanner.ScanSource(ctx, agent.BundleRef)
	if err != nil {
		return p.fail(ctx, agent, StatusScanFailed, CodeScanRejected,
			xerrors.Wrap(CodeScanRejected, err, "源码扫描执行失败"), "scan")
	}
	if !report.Passed || report.HasHighSeverity() {
		return p.fail(ctx, agent, StatusScanFailed, CodeScanRejected,
			xerrors.New(CodeScanRejected, fmt.Sprintf("源码扫描未通过，发现 %d 条问题", len(report.Findings))), "scan")
	}

	identityID, escrowAccount, err := p.register(ctx, agent)
	if err != nil {
		return p.fail(ctx, agent, StatusFailed, xerrors.CodeChainCallFailed, err, "register")
	}
	agent.IdentityID = identityID
	agent.EscrowAccount = escrowAccount

	if err := p.store.Advance(ctx, agent.ID, StatusScanning, StatusModifying); err != nil {
		logger.L().Error("推进到改写阶段失败", slog.Any("error", err), slog.String("agent_id", agent.ID))
		return err
	}

	transformed, err := p.transformer.Rewrite(ctx, agent.BundleRef, escrowAccount)
	if err != nil {
		return p.fail(ctx, agent, StatusFailed, CodePipelineFailed,
			xerrors.Wrap(CodePipelineFailed, err, "收款目标改写失败"), "transform")
	}
	if err := p.store.RecordTransform(ctx, agent.ID, len(transformed.ReplacedAddresses), transformed.OriginalTarget); err != nil {
		logger.L().Error("记录改写结果失败", slog.Any("error", err), slog.String("agent_id", agent.ID))
		return err
	}

	if err := p.store.Advance(ctx, agent.ID, StatusModifying, StatusDeploying); err != nil {
		logger.L().Error("推进到部署阶段失败", slog.Any("error", err), slog.String("agent_id", agent.ID))
		return err
	}

	unitHandle, err := p.deployer.Launch(ctx, transformed.BundleRef)
	if err != nil {
		return p.fail(ctx, agent, StatusFailed, CodePipelineFailed,
			xerrors.Wrap(CodePipelineFailed, err, "运行单元启动失败"), "deploy")
	}

	imageReport, err := p.scanner.ScanImage(ctx, unitHandle)
	if err != nil {
		return p.fail(ctx, agent, StatusFailed, CodeContainerScanFailed,
			xerrors.Wrap(CodeContainerScanFailed, err, "容器镜像扫描执行失败"), "image_scan")
	}
	if !imageReport.Passed || imageReport.HasHighSeverity() {
		return p.fail(ctx, agent, StatusFailed, CodeContainerScanFailed,
			xerrors.New(CodeContainerScanFailed, fmt.Sprintf("容器镜像扫描未通过，发现 %d 条问题", len(imageReport.Findings))), "image_scan")
	}

	if err := p.store.Activate(ctx, agent.ID, unitHandle); err != nil {
		logger.L().Error("激活智能体失败", slog.Any("error", err), slog.String("agent_id", agent.ID))
		return err
	}
	return nil
}

// register 在链上登记身份并部署托管账户，随后将结果落库。
// 链上调用失败不可重试，调用方会将智能体置为 failed。
func (p *Pipeline) register(ctx context.Context, agent *Agent) (string, string, error) {
	identityID, err := p.ledger.RegisterIdentity(ctx, agent.ID)
	if err != nil {
		return "", "", xerrors.Wrap(xerrors.CodeChainCallFailed, err, "链上身份注册失败")
	}
	escrowAccount, err := p.ledger.DeployEscrow(ctx, ledger.EscrowSpec{
		AgentRef:        agent.ID,
		IdentityID:      identityID,
		PlatformAddress: p.policy.PlatformAddress,
		FeeRateBp:       int64(p.policy.FeeRateBp),
		FastPathRouter:  p.policy.FastPathRouter,
	})
	if err != nil {
		return "", "", xerrors.Wrap(xerrors.CodeChainCallFailed, err, "托管账户部署失败")
	}
	if err := p.store.RecordRegistration(ctx, agent.ID, identityID, escrowAccount); err != nil {
		return "", "", err
	}
	return identityID, escrowAccount, nil
}

func (p *Pipeline) fail(ctx context.Context, agent *Agent, status Status, code xerrors.Code, cause error, stage string) error {
	if storeErr := p.store.MarkFailed(ctx, agent.ID, status, code, cause.Error()); storeErr != nil {
		logger.L().Error("标记智能体失败状态出错", slog.Any("error", storeErr), slog.String("agent_id", agent.ID))
		return storeErr
	}
	logger.Audit().Warn("智能体准入失败",
		slog.String("agent_id", agent.ID),
		slog.String("name", agent.Name),
		slog.String("stage", stage),
		slog.String("error_code", string(code)),
		slog.String("error", cause.Error()),
	)
	p.emitAlert(ctx, agent, code, cause, stage)
	return nil
}

func (p *Pipeline) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Pipeline) emitAlert(ctx context.Context, agent *Agent, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || agent == nil {
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
		AgentID:    agent.ID,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("agent_id", agent.ID),
			slog.String("stage", stage),
		)
	}
}

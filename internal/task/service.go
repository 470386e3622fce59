package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"AgentCredit-Chain/internal/admission"
	xerrors "AgentCredit-Chain/internal/errors"
	"AgentCredit-Chain/internal/loan"
	"AgentCredit-Chain/internal/queue"
	"AgentCredit-Chain/pkg/logger"
)

// Policy 是任务资金策略参数。
type Policy struct {
	// LoanThreshold 是需要贷款的任务金额阈值，默认 10。
	LoanThreshold int64
	// LoanRatioBp 是贷款占预期收入的比例（基点），默认 8000 即 80%。
	LoanRatioBp int
}

func (p *Policy) applyDefaults() {
	if p.LoanThreshold <= 0 {
		p.LoanThreshold = 10
	}
	if p.LoanRatioBp <= 0 || p.LoanRatioBp > 10000 {
		p.LoanRatioBp = 8000
	}
}

// LoanAmount 按策略比例计算任务的贷款额度。
func (p Policy) LoanAmount(amount int64) int64 {
	return amount * int64(p.LoanRatioBp) / 10000
}

// LoanReader 提供贷款查询，用于返回内嵌贷款的任务视图。
type LoanReader interface {
	Get(ctx context.Context, id string) (*loan.Loan, error)
}

// Service 负责任务的声明、查询与生命周期操作。
// 声明立即返回，承诺生成与贷款匹配在异步路径上进行。
type Service struct {
	store    Store
	producer queue.Producer
	agents   admission.Store
	loans    LoanReader
	policy   Policy
}

// NewService 构造任务服务。
func NewService(store Store, producer queue.Producer, agents admission.Store, loans LoanReader, policy Policy) *Service {
	policy.applyDefaults()
	return &Service{
		store:    store,
		producer: producer,
		agents:   agents,
		loans:    loans,
		policy:   policy,
	}
}

// DeclareRequest 描述一次任务声明。
type DeclareRequest struct {
	ID          string `json:"id,omitempty"`
	AgentID     string `json:"agent_id"`
	ClientRef   string `json:"client_ref"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	// LoanThreshold 为 0 时使用部署级默认值。
	LoanThreshold int64 `json:"loan_threshold,omitempty"`
}

// Declare 声明任务并推送资金流水线。要求归属智能体处于 active。
func (s *Service) Declare(ctx context.Context, req DeclareRequest) (*Task, error) {
	if strings.TrimSpace(req.AgentID) == "" {
		return nil, xerrors.New(CodeTaskValidation, "agentId 不能为空")
	}
	if req.Amount <= 0 {
		return nil, xerrors.New(CodeTaskValidation, "任务金额必须为正数")
	}
	if s.store == nil || s.producer == nil || s.agents == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	agent, err := s.agents.Get(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	if agent.Status != admission.StatusActive {
		return nil, ErrAgentNotActive
	}

	taskID := strings.TrimSpace(req.ID)
	if taskID != "" {
		existing, err := s.store.Get(ctx, taskID)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
	} else {
		taskID = uuid.NewString()
	}

	threshold := req.LoanThreshold
	if threshold <= 0 {
		threshold = s.policy.LoanThreshold
	}

	task := &Task{
		ID:           taskID,
		AgentID:      req.AgentID,
		ClientRef:    req.ClientRef,
		Description:  req.Description,
		Amount:       req.Amount,
		Status:       StatusPending,
		RequiresLoan: req.Amount > threshold,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			existing, getErr := s.store.Get(ctx, taskID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrTaskNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, taskID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", taskID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到资金队列失败")
		_ = s.store.MarkFailed(ctx, taskID, CodeTaskPublish, wrapped.Error())
		return nil, wrapped
	}
	logger.Audit().Info("任务已声明",
		slog.String("task_id", taskID),
		slog.String("agent_id", req.AgentID),
		slog.Int64("amount", req.Amount),
		slog.Bool("requires_loan", task.RequiresLoan),
	)
	return task, nil
}

// View 是带内嵌贷款的任务视图。
type View struct {
	*Task
	Loan *loan.Loan `json:"loan,omitempty"`
}

// Get 返回任务及其关联贷款。
func (s *Service) Get(ctx context.Context, id string) (*View, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &View{Task: task}
	if task.LoanID != "" && s.loans != nil {
		linked, err := s.loans.Get(ctx, task.LoanID)
		if err != nil {
			logger.L().Warn("查询关联贷款失败", slog.Any("error", err), slog.String("loan_id", task.LoanID))
		} else {
			view.Loan = linked
		}
	}
	return view, nil
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, opts)
}

// Cancel 取消任务。资金到位后需要显式补偿流程，这里直接拒绝。
func (s *Service) Cancel(ctx context.Context, id string) (*Task, error) {
	if err := s.store.Cancel(ctx, id); err != nil {
		return nil, err
	}
	logger.Audit().Info("任务已取消", slog.String("task_id", id))
	return s.store.Get(ctx, id)
}

// Start 将已到账任务标记为进行中。
func (s *Service) Start(ctx context.Context, id string) (*Task, error) {
	if err := s.store.Advance(ctx, id, StatusFunded, StatusInProgress); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}

// Complete 将进行中的任务标记为已完成。
func (s *Service) Complete(ctx context.Context, id string) (*Task, error) {
	if err := s.store.Advance(ctx, id, StatusInProgress, StatusCompleted); err != nil {
		return nil, err
	}
	logger.Audit().Info("任务已完成", slog.String("task_id", id))
	return s.store.Get(ctx, id)
}

// MarkPaid 在清算完成后将任务标记为已支付。
func (s *Service) MarkPaid(ctx context.Context, id string) (*Task, error) {
	if err := s.store.Advance(ctx, id, StatusCompleted, StatusPaid); err != nil {
		return nil, err
	}
	logger.Audit().Info("任务已支付", slog.String("task_id", id))
	return s.store.Get(ctx, id)
}

// UpdateStatus 处理显式的状态迁移请求。
func (s *Service) UpdateStatus(ctx context.Context, id string, to Status) (*Task, error) {
	if !IsValidStatus(to) {
		return nil, xerrors.New(CodeTaskValidation, "不支持的任务状态: "+string(to))
	}
	switch to {
	case StatusCancelled:
		return s.Cancel(ctx, id)
	case StatusFailed:
		if err := s.store.MarkFailed(ctx, id, xerrors.CodeUnknown, "operator requested failure"); err != nil {
			return nil, err
		}
		return s.store.Get(ctx, id)
	default:
		task, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := s.store.Advance(ctx, task.ID, task.Status, to); err != nil {
			return nil, err
		}
		return s.store.Get(ctx, id)
	}
}

// MarkFunded 是贷款放款后的回调。任务已到账或已终止时为无操作。
func (s *Service) MarkFunded(ctx context.Context, taskID string) error {
	err := s.store.Advance(ctx, taskID, StatusAwaitingFunds, StatusFunded)
	if err == nil {
		logger.Audit().Info("任务资金到位", slog.String("task_id", taskID))
		return nil
	}
	if stdErrors.Is(err, ErrTaskConflict) {
		task, getErr := s.store.Get(ctx, taskID)
		if getErr == nil && (task.Status == StatusFunded || IsTerminal(task.Status)) {
			return nil
		}
	}
	return err
}

// MarkFailed 是贷款被拒绝或违约后的回调。已终止的任务保持不变。
func (s *Service) MarkFailed(ctx context.Context, taskID string, code xerrors.Code, reason string) error {
	err := s.store.MarkFailed(ctx, taskID, code, reason)
	if stdErrors.Is(err, ErrTaskConflict) {
		return nil
	}
	return err
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

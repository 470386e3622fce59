package admission

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AgentCredit-Chain/internal/errors"
	"AgentCredit-Chain/internal/queue"
	"AgentCredit-Chain/pkg/logger"
)

// Service 负责智能体的注册、准入提交与查询。
type Service struct {
	store    Store
	producer queue.Producer
}

// NewService 构造准入服务。
func NewService(store Store, producer queue.Producer) *Service {
	return &Service{store: store, producer: producer}
}

// RegisterRequest 描述一次智能体上传。
type RegisterRequest struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	BundleRef string `json:"bundle_ref"`
}

// Register 创建智能体记录并推送准入流水线。重复提交相同 ID 返回已有记录。
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Agent, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "智能体名称不能为空")
	}
	if strings.TrimSpace(req.BundleRef) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "代码包引用不能为空")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "准入服务未初始化")
	}

	agentID := strings.TrimSpace(req.ID)
	if agentID != "" {
		agent, err := s.store.Get(ctx, agentID)
		if err == nil {
			return agent, nil
		}
		if !stdErrors.Is(err, ErrAgentNotFound) {
			return nil, err
		}
	} else {
		agentID = uuid.NewString()
	}

	agent := &Agent{
		ID:          agentID,
		Name:        req.Name,
		BundleRef:   req.BundleRef,
		Status:      StatusPending,
		CreditScore: DefaultCreditScore,
	}
	if err := s.store.Create(ctx, agent); err != nil {
		if stdErrors.Is(err, ErrAgentConflict) {
			existing, getErr := s.store.Get(ctx, agentID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrAgentNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, agentID); err != nil {
		logger.L().Error("智能体入队失败", slog.Any("error", err), slog.String("agent_id", agentID))
		wrapped := xerrors.Wrap(CodeAgentPublish, err, "发布智能体到准入队列失败")
		_ = s.store.MarkFailed(ctx, agentID, StatusFailed, CodeAgentPublish, wrapped.Error())
		return nil, wrapped
	}
	logger.Audit().Info("智能体提交准入",
		slog.String("agent_id", agentID),
		slog.String("name", agent.Name),
		slog.String("bundle_ref", agent.BundleRef),
	)
	agent2, err := s.store.Get(ctx, agentID)
	if err != nil {
		return agent, nil
	}
	return agent2, nil
}

// Get 返回指定智能体。
func (s *Service) Get(ctx context.Context, id string) (*Agent, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "智能体存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的智能体列表。
func (s *Service) List(ctx context.Context, opts ListOptions) ([]*Agent, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "智能体存储未初始化")
	}
	return s.store.List(ctx, opts)
}

// Pause 暂停一个已准入的智能体，使其不再接受新任务。
func (s *Service) Pause(ctx context.Context, id string) (*Agent, error) {
	if err := s.store.Advance(ctx, id, StatusActive, StatusPaused); err != nil {
		return nil, err
	}
	logger.Audit().Info("智能体已暂停", slog.String("agent_id", id))
	return s.store.Get(ctx, id)
}

// Resume 恢复一个暂停中的智能体。
func (s *Service) Resume(ctx context.Context, id string) (*Agent, error) {
	if err := s.store.Advance(ctx, id, StatusPaused, StatusActive); err != nil {
		return nil, err
	}
	logger.Audit().Info("智能体已恢复", slog.String("agent_id", id))
	return s.store.Get(ctx, id)
}

// WaitUntilSettled 在指定间隔内轮询，直到智能体离开流水线中间态。
func (s *Service) WaitUntilSettled(ctx context.Context, id string, interval time.Duration) (*Agent, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		agent, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if agent.Status == StatusActive || IsTerminal(agent.Status) {
			return agent, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
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

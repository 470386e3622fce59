package reputation

import (
	"context"
	"log/slog"
	"strings"

	"AgentCredit-Chain/internal/admission"
	xerrors "AgentCredit-Chain/internal/errors"
	"AgentCredit-Chain/internal/ledger"
	"AgentCredit-Chain/pkg/logger"
)

// 默认的信誉调整步长，结果始终收敛在 [0, 1000]。
const (
	DefaultReward  = 20
	DefaultPenalty = 50
)

// Policy 是信誉调整参数。
type Policy struct {
	Reward  int
	Penalty int
}

func (p *Policy) applyDefaults() {
	if p.Reward <= 0 {
		p.Reward = DefaultReward
	}
	if p.Penalty <= 0 {
		p.Penalty = DefaultPenalty
	}
}

// OutcomeStore 以贷款 ID 为幂等键记录已处理的结清信号。
type OutcomeStore interface {
	// MarkResolved 记录一次贷款结清。首次记录返回 true，
	// 重复信号返回 false。
	MarkResolved(ctx context.Context, loanID string, successful bool) (bool, error)
	Close() error
}

// Service 是信用分与信誉计数器的唯一写入方。
// 每笔贷款的结清信号只生效一次，重复信号是无操作。
type Service struct {
	agents   admission.Store
	outcomes OutcomeStore
	ledger   ledger.Client
	policy   Policy
}

// NewService 构造信誉回写服务。
func NewService(agents admission.Store, outcomes OutcomeStore, ledgerClient ledger.Client, policy Policy) *Service {
	policy.applyDefaults()
	return &Service{
		agents:   agents,
		outcomes: outcomes,
		ledger:   ledgerClient,
		policy:   policy,
	}
}

// RecordOutcome 按贷款结清结果调整借款方信誉。
// 成功加 Reward 封顶 1000，失败减 Penalty 下限 0。
func (s *Service) RecordOutcome(ctx context.Context, agentID, loanID string, successful bool) error {
	if strings.TrimSpace(agentID) == "" || strings.TrimSpace(loanID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agentID 与 loanID 不能为空")
	}
	if s.agents == nil || s.outcomes == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "信誉服务未初始化")
	}

	first, err := s.outcomes.MarkResolved(ctx, loanID, successful)
	if err != nil {
		return err
	}
	if !first {
		logger.L().Debug("重复的贷款结清信号，忽略",
			slog.String("loan_id", loanID),
			slog.String("agent_id", agentID),
		)
		return nil
	}

	agent, err := s.agents.ApplyOutcome(ctx, agentID, successful, s.policy.Reward, s.policy.Penalty)
	if err != nil {
		return err
	}

	// 链上镜像是尽力而为：失败记录后由人工对账，不回滚本地信誉。
	if s.ledger != nil && agent.IdentityID != "" {
		if err := s.ledger.RecordOutcome(ctx, agent.IdentityID, successful); err != nil {
			logger.L().Error("链上信誉镜像失败",
				slog.Any("error", err),
				slog.String("agent_id", agentID),
				slog.String("loan_id", loanID),
			)
		}
	}

	logger.Audit().Info("信誉已更新",
		slog.String("agent_id", agentID),
		slog.String("loan_id", loanID),
		slog.Bool("successful", successful),
		slog.Int("credit_score", agent.CreditScore),
		slog.Int("total_loans", agent.TotalLoans),
	)
	return nil
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.outcomes != nil {
		return s.outcomes.Close()
	}
	return nil
}

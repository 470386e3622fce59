package admission

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "AgentCredit-Chain/internal/errors"
)

// MemoryStore 以内存方式保存智能体状态，主要用于测试。
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[string]*Agent)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if agent == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 不能为空")
	}
	if agent.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 不能为空")
	}
	if _, ok := m.agents[agent.ID]; ok {
		return ErrAgentConflict
	}
	now := time.Now().Unix()
	if agent.CreatedAt == 0 {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	if agent.Status == "" {
		agent.Status = StatusPending
	}
	clone := *agent
	m.agents[agent.ID] = &clone
	return nil
}

// Get 返回智能体。
func (m *MemoryStore) Get(_ context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	clone := *agent
	return &clone, nil
}

// List 返回最近更新的智能体。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Agent, 0, len(m.agents))
	for _, agent := range m.agents {
		if !matchesStatuses(agent.Status, opts.Statuses) {
			continue
		}
		clone := *agent
		results = append(results, &clone)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].UpdatedAt == results[j].UpdatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset >= len(results) {
		return []*Agent{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Claim 将 pending 智能体领取为 scanning。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	switch agent.Status {
	case StatusScanning, StatusModifying, StatusDeploying:
		clone := *agent
		return &clone, ErrRunInFlight
	case StatusScanFailed, StatusFailed:
		clone := *agent
		return &clone, ErrAgentTerminal
	case StatusActive, StatusPaused:
		clone := *agent
		return &clone, ErrAgentAdmitted
	}
	agent.Status = StatusScanning
	agent.LastError = ""
	agent.ErrorCode = ""
	agent.UpdatedAt = time.Now().Unix()
	clone := *agent
	return &clone, nil
}

// Advance 按迁移表执行状态迁移。
func (m *MemoryStore) Advance(_ context.Context, id string, from, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	if agent.Status != from {
		return ErrAgentConflict
	}
	if !CanTransition(from, to) {
		return ErrInvalidTransition
	}
	agent.Status = to
	agent.UpdatedAt = time.Now().Unix()
	return nil
}

// RecordRegistration 持久化身份引用与托管账户。
func (m *MemoryStore) RecordRegistration(_ context.Context, id, identityID, escrowAccount string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	if agent.IdentityID != "" || agent.EscrowAccount != "" {
		return ErrAgentConflict
	}
	agent.IdentityID = identityID
	agent.EscrowAccount = escrowAccount
	agent.UpdatedAt = time.Now().Unix()
	return nil
}

// RecordTransform 记录改写阶段的审计信息。
func (m *MemoryStore) RecordTransform(_ context.Context, id string, redirected int, originalTarget string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	agent.RedirectedAddresses = redirected
	agent.OriginalPayTarget = originalTarget
	agent.UpdatedAt = time.Now().Unix()
	return nil
}

// Activate 记录运行单元句柄并迁移到 active。
func (m *MemoryStore) Activate(_ context.Context, id, unitHandle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	if agent.Status != StatusDeploying {
		return ErrAgentConflict
	}
	agent.Status = StatusActive
	agent.UnitHandle = unitHandle
	agent.LastError = ""
	agent.ErrorCode = ""
	agent.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 将智能体置为失败终态。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, status Status, code xerrors.Code, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	if status != StatusScanFailed && status != StatusFailed {
		return ErrInvalidTransition
	}
	agent.Status = status
	agent.LastError = lastError
	agent.ErrorCode = string(code)
	agent.UpdatedAt = time.Now().Unix()
	return nil
}

// ApplyOutcome 原子地更新信誉计数器与信用分。
func (m *MemoryStore) ApplyOutcome(_ context.Context, id string, successful bool, reward, penalty int) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	agent.TotalLoans++
	if successful {
		agent.SuccessfulRepayments++
		agent.CreditScore += reward
		if agent.CreditScore > 1000 {
			agent.CreditScore = 1000
		}
	} else {
		agent.FailedRepayments++
		agent.CreditScore -= penalty
		if agent.CreditScore < 0 {
			agent.CreditScore = 0
		}
	}
	agent.UpdatedAt = time.Now().Unix()
	clone := *agent
	return &clone, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesStatuses(status Status, statuses []Status) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, candidate := range statuses {
		if status == candidate {
			return true
		}
	}
	return false
}

var _ Store = (*MemoryStore)(nil)

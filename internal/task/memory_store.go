package task

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "AgentCredit-Chain/internal/errors"
)

// MemoryStore 以内存方式保存任务记录，主要用于测试。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task == nil || task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	if _, ok := m.tasks[task.ID]; ok {
		return ErrTaskConflict
	}
	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = StatusPending
	}
	clone := *task
	m.tasks[task.ID] = &clone
	return nil
}

// Get 返回任务记录。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	clone := *task
	return &clone, nil
}

// List 返回最近更新的任务。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if opts.AgentID != "" && task.AgentID != opts.AgentID {
			continue
		}
		if !matchesStatuses(task.Status, opts.Statuses) {
			continue
		}
		clone := *task
		results = append(results, &clone)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].UpdatedAt == results[j].UpdatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset >= len(results) {
		return []*Task{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// SetProofHash 记录承诺哈希，只允许写一次。
func (m *MemoryStore) SetProofHash(_ context.Context, id, proofHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.ProofHash != "" {
		return ErrTaskConflict
	}
	task.ProofHash = proofHash
	task.UpdatedAt = time.Now().Unix()
	return nil
}

// LinkLoan 绑定贷款 ID，只允许写一次。
func (m *MemoryStore) LinkLoan(_ context.Context, id, loanID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.LoanID != "" {
		return ErrTaskConflict
	}
	task.LoanID = loanID
	task.UpdatedAt = time.Now().Unix()
	return nil
}

// Advance 按迁移表执行状态迁移。
func (m *MemoryStore) Advance(_ context.Context, id string, from, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status != from {
		return ErrTaskConflict
	}
	if !CanTransition(from, to) {
		return ErrInvalidTransition
	}
	task.Status = to
	task.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 从任意非终态迁入 failed。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if IsTerminal(task.Status) {
		return ErrTaskConflict
	}
	task.Status = StatusFailed
	task.ErrorCode = string(code)
	task.LastError = lastError
	task.UpdatedAt = time.Now().Unix()
	return nil
}

// Cancel 取消任务，只允许在资金到位前。
func (m *MemoryStore) Cancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status != StatusPending && task.Status != StatusAwaitingFunds {
		return ErrNotCancellable
	}
	task.Status = StatusCancelled
	task.UpdatedAt = time.Now().Unix()
	return nil
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

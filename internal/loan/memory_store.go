package loan

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "AgentCredit-Chain/internal/errors"
)

// MemoryStore 以内存方式保存贷款记录，主要用于测试。
type MemoryStore struct {
	mu    sync.RWMutex
	loans map[string]*Loan
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{loans: make(map[string]*Loan)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, loan *Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if loan == nil || loan.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "贷款 ID 不能为空")
	}
	if _, ok := m.loans[loan.ID]; ok {
		return ErrLoanConflict
	}
	now := time.Now().Unix()
	if loan.CreatedAt == 0 {
		loan.CreatedAt = now
	}
	loan.UpdatedAt = now
	if loan.Status == "" {
		loan.Status = StatusPending
	}
	clone := *loan
	m.loans[loan.ID] = &clone
	return nil
}

// Get 返回贷款记录。
func (m *MemoryStore) Get(_ context.Context, id string) (*Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loan, ok := m.loans[id]
	if !ok {
		return nil, ErrLoanNotFound
	}
	clone := *loan
	return &clone, nil
}

// List 返回最近更新的贷款。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Loan, 0, len(m.loans))
	for _, loan := range m.loans {
		if opts.BorrowerAgentID != "" && loan.BorrowerAgentID != opts.BorrowerAgentID {
			continue
		}
		if !matchesStatuses(loan.Status, opts.Statuses) {
			continue
		}
		clone := *loan
		results = append(results, &clone)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].UpdatedAt == results[j].UpdatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset >= len(results) {
		return []*Loan{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// RecordMatch 将 pending 贷款绑定出借方并迁移到 requested。
func (m *MemoryStore) RecordMatch(_ context.Context, id, lenderID string, rateBp int, expectedRepayment int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	loan, ok := m.loans[id]
	if !ok {
		return ErrLoanNotFound
	}
	if loan.Status != StatusPending || loan.LenderID != "" {
		return ErrLoanConflict
	}
	loan.LenderID = lenderID
	loan.InterestRateBp = rateBp
	loan.ExpectedRepayment = expectedRepayment
	loan.Status = StatusRequested
	loan.UpdatedAt = time.Now().Unix()
	return nil
}

// RecordLedgerTx 记录链上提交的交易哈希。
func (m *MemoryStore) RecordLedgerTx(_ context.Context, id, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	loan, ok := m.loans[id]
	if !ok {
		return ErrLoanNotFound
	}
	loan.LedgerTx = txHash
	loan.UpdatedAt = time.Now().Unix()
	return nil
}

// Advance 按迁移表执行状态迁移。
func (m *MemoryStore) Advance(_ context.Context, id string, from, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	loan, ok := m.loans[id]
	if !ok {
		return ErrLoanNotFound
	}
	if loan.Status != from {
		return ErrLoanConflict
	}
	if !CanTransition(from, to) {
		return ErrInvalidTransition
	}
	loan.Status = to
	loan.UpdatedAt = time.Now().Unix()
	return nil
}

// Resolve 将贷款迁入终态并记录原因。
func (m *MemoryStore) Resolve(_ context.Context, id string, status Status, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	loan, ok := m.loans[id]
	if !ok {
		return ErrLoanNotFound
	}
	if !IsTerminal(status) {
		return ErrInvalidTransition
	}
	if !CanTransition(loan.Status, status) {
		if IsTerminal(loan.Status) {
			return ErrLoanConflict
		}
		return ErrInvalidTransition
	}
	loan.Status = status
	loan.Reason = reason
	loan.UpdatedAt = time.Now().Unix()
	return nil
}

// ApplyRepayment 在 disbursed 状态下累加已还金额。
func (m *MemoryStore) ApplyRepayment(_ context.Context, id string, amount int64) (*Loan, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loan, ok := m.loans[id]
	if !ok {
		return nil, false, ErrLoanNotFound
	}
	if loan.Status != StatusDisbursed {
		return nil, false, ErrLoanConflict
	}
	if amount < 0 || loan.RepaidAmount+amount > loan.ExpectedRepayment {
		return nil, false, xerrors.New(xerrors.CodeInvalidArgument, "还款金额超出应还总额")
	}
	loan.RepaidAmount += amount
	became := false
	if loan.RepaidAmount >= loan.ExpectedRepayment {
		loan.Status = StatusRepaid
		became = true
	}
	loan.UpdatedAt = time.Now().Unix()
	clone := *loan
	return &clone, became, nil
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

// MemoryLenderStore 以内存方式保存出借方记录。
type MemoryLenderStore struct {
	mu      sync.RWMutex
	lenders map[string]*Lender
}

// NewMemoryLenderStore 创建 MemoryLenderStore。
func NewMemoryLenderStore() *MemoryLenderStore {
	return &MemoryLenderStore{lenders: make(map[string]*Lender)}
}

// Create 插入出借方记录。
func (m *MemoryLenderStore) Create(_ context.Context, lender *Lender) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lender == nil || lender.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "出借方 ID 不能为空")
	}
	if _, ok := m.lenders[lender.ID]; ok {
		return ErrLenderConflict
	}
	now := time.Now().Unix()
	if lender.CreatedAt == 0 {
		lender.CreatedAt = now
	}
	lender.UpdatedAt = now
	clone := *lender
	m.lenders[lender.ID] = &clone
	return nil
}

// Get 返回出借方记录。
func (m *MemoryLenderStore) Get(_ context.Context, id string) (*Lender, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lender, ok := m.lenders[id]
	if !ok {
		return nil, ErrLenderNotFound
	}
	clone := *lender
	return &clone, nil
}

// List 返回全部出借方，按 ID 升序。
func (m *MemoryLenderStore) List(_ context.Context) ([]*Lender, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*Lender, 0, len(m.lenders))
	for _, lender := range m.lenders {
		clone := *lender
		results = append(results, &clone)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results, nil
}

// Candidates 返回满足硬性条件的出借方，利率升序、ID 升序。
func (m *MemoryLenderStore) Candidates(_ context.Context, amount int64, creditScore int) ([]*Lender, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*Lender, 0)
	for _, lender := range m.lenders {
		if !lender.Eligible(amount, creditScore) {
			continue
		}
		clone := *lender
		results = append(results, &clone)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].InterestRateBp == results[j].InterestRateBp {
			return results[i].ID < results[j].ID
		}
		return results[i].InterestRateBp < results[j].InterestRateBp
	})
	return results, nil
}

// RecordDisbursement 在放款时更新组合计数器并扣减可用资金。
func (m *MemoryLenderStore) RecordDisbursement(_ context.Context, id string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lender, ok := m.lenders[id]
	if !ok {
		return ErrLenderNotFound
	}
	if lender.AvailableFunds < amount {
		return ErrLenderConflict
	}
	lender.AvailableFunds -= amount
	lender.TotalLoansIssued++
	lender.TotalAmountLent += amount
	lender.ActiveLoans++
	lender.UpdatedAt = time.Now().Unix()
	return nil
}

// RecordResolution 在贷款结清或违约时回写组合计数器。
func (m *MemoryLenderStore) RecordResolution(_ context.Context, id string, repayment, earnings int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lender, ok := m.lenders[id]
	if !ok {
		return ErrLenderNotFound
	}
	lender.AvailableFunds += repayment
	lender.TotalEarnings += earnings
	if lender.ActiveLoans > 0 {
		lender.ActiveLoans--
	}
	lender.UpdatedAt = time.Now().Unix()
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryLenderStore) Close() error {
	return nil
}

var _ LenderStore = (*MemoryLenderStore)(nil)

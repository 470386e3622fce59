package settlement

import (
	"context"
	"sync"
	"time"

	xerrors "AgentCredit-Chain/internal/errors"
)

// MemoryStore 以内存方式保存托管账户，主要用于测试。
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	byAgent  map[string]string
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		byAgent:  make(map[string]string),
	}
}

func cloneAccount(account *Account) *Account {
	clone := *account
	if account.ActiveLoan != nil {
		record := *account.ActiveLoan
		clone.ActiveLoan = &record
	}
	return &clone
}

// Create 登记新的托管账户。
func (m *MemoryStore) Create(_ context.Context, account *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if account == nil || account.Address == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "托管账户地址不能为空")
	}
	if _, ok := m.accounts[account.Address]; ok {
		return ErrEscrowConflict
	}
	if account.AgentID != "" {
		if _, ok := m.byAgent[account.AgentID]; ok {
			return ErrEscrowConflict
		}
	}
	now := time.Now().Unix()
	if account.CreatedAt == 0 {
		account.CreatedAt = now
	}
	account.UpdatedAt = now
	if account.Denomination == "" {
		account.Denomination = DefaultDenomination
	}
	m.accounts[account.Address] = cloneAccount(account)
	if account.AgentID != "" {
		m.byAgent[account.AgentID] = account.Address
	}
	return nil
}

// Get 返回托管账户。
func (m *MemoryStore) Get(_ context.Context, address string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	account, ok := m.accounts[address]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return cloneAccount(account), nil
}

// GetByAgent 按智能体返回托管账户。
func (m *MemoryStore) GetByAgent(_ context.Context, agentID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	address, ok := m.byAgent[agentID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return cloneAccount(m.accounts[address]), nil
}

// RegisterLoan 登记在贷记录，同一账户同时只允许一条。
func (m *MemoryStore) RegisterLoan(_ context.Context, address, loanID, lenderRef string, principal, expectedRepayment int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[address]
	if !ok {
		return ErrEscrowNotFound
	}
	if account.ActiveLoan != nil {
		return ErrActiveLoanExists
	}
	account.ActiveLoan = &ActiveLoanRecord{
		LoanID:            loanID,
		LenderRef:         lenderRef,
		Principal:         principal,
		ExpectedRepayment: expectedRepayment,
		Denomination:      account.Denomination,
	}
	account.UpdatedAt = time.Now().Unix()
	return nil
}

// ReleaseLoan 释放指定贷款的在贷记录。
func (m *MemoryStore) ReleaseLoan(_ context.Context, address, loanID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[address]
	if !ok {
		return ErrEscrowNotFound
	}
	if account.ActiveLoan != nil && account.ActiveLoan.LoanID == loanID {
		account.ActiveLoan = nil
		account.UpdatedAt = time.Now().Unix()
	}
	return nil
}

// Deposit 入账一笔客户支付。
func (m *MemoryStore) Deposit(_ context.Context, address string, amount int64) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[address]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	if amount <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "入账金额必须为正数")
	}
	account.Balance += amount
	account.UpdatedAt = time.Now().Unix()
	return cloneAccount(account), nil
}

// CommitSettlement 扣减余额并推进在贷镜像。
func (m *MemoryStore) CommitSettlement(_ context.Context, address string, amount, lenderAmount int64) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[address]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	if amount < 0 || account.Balance < amount {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "结算金额超出托管余额")
	}
	if lenderAmount > 0 {
		if account.ActiveLoan == nil {
			return nil, ErrEscrowConflict
		}
		if account.ActiveLoan.RepaidAmount+lenderAmount > account.ActiveLoan.ExpectedRepayment {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "还款金额超出应还总额")
		}
		account.ActiveLoan.RepaidAmount += lenderAmount
		if account.ActiveLoan.RepaidAmount >= account.ActiveLoan.ExpectedRepayment {
			account.ActiveLoan = nil
		}
	}
	account.Balance -= amount
	account.UpdatedAt = time.Now().Unix()
	return cloneAccount(account), nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)

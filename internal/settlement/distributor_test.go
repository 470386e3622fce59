package settlement

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

type fakeLoanLedger struct {
	mu      sync.Mutex
	repaid  map[string]int64
	flipped map[string]int
	expect  map[string]int64
}

func newFakeLoanLedger() *fakeLoanLedger {
	return &fakeLoanLedger{
		repaid:  make(map[string]int64),
		flipped: make(map[string]int),
		expect:  make(map[string]int64),
	}
}

func (f *fakeLoanLedger) ApplyRepayment(_ context.Context, loanID string, amount int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repaid[loanID] += amount
	if expected, ok := f.expect[loanID]; ok && f.repaid[loanID] >= expected {
		f.flipped[loanID]++
		delete(f.expect, loanID)
		return true, nil
	}
	return false, nil
}

func newTestDistributor(t *testing.T, feeRateBp int) (*Distributor, *MemoryStore, *MemoryPath, *fakeLoanLedger) {
	t.Helper()
	store := NewMemoryStore()
	standard := NewMemoryPath("standard")
	router := NewRouter(nil, standard)
	loans := newFakeLoanLedger()
	distributor := NewDistributor(store, router, Policy{
		FeeRateBp:       feeRateBp,
		PlatformAddress: "0xplatform",
	}, WithLoanLedger(loans))
	return distributor, store, standard, loans
}

func createEscrow(t *testing.T, store *MemoryStore, address, agentID string) {
	t.Helper()
	err := store.Create(context.Background(), &Account{
		Address:      address,
		AgentID:      agentID,
		AgentAddress: "0xwallet-" + agentID,
	})
	if err != nil {
		t.Fatalf("创建托管账户失败: %v", err)
	}
}

func TestSettleWaterfallWithActiveLoan(t *testing.T) {
	ctx := context.Background()
	distributor, store, standard, loans := newTestDistributor(t, 500)
	createEscrow(t, store, "0xescrow", "agent-1")

	if err := store.RegisterLoan(ctx, "0xescrow", "loan-1", "lender-1", 100, 103); err != nil {
		t.Fatalf("登记在贷记录失败: %v", err)
	}
	loans.expect["loan-1"] = 103

	result, err := distributor.Settle(ctx, "0xescrow", DefaultDenomination, 150)
	if err != nil {
		t.Fatalf("清算失败: %v", err)
	}
	if result.PlatformFee != 7 || result.LenderAmount != 103 || result.AgentAmount != 40 {
		t.Fatalf("瀑布拆分不正确: %+v", result)
	}
	if result.PlatformFee+result.LenderAmount+result.AgentAmount != 150 {
		t.Fatalf("瀑布恒等式被破坏: %+v", result)
	}
	if !result.LoanRepaid {
		t.Fatalf("应还债务清零应翻转 repaid")
	}

	account, _ := store.Get(ctx, "0xescrow")
	if account.Balance != 0 {
		t.Fatalf("成功结算后余额应为 0，实际 %d", account.Balance)
	}
	if account.ActiveLoan != nil {
		t.Fatalf("结清后在贷记录应被清除")
	}

	transfers := standard.Transfers()
	if len(transfers) != 3 {
		t.Fatalf("期望 3 笔转账，实际 %d", len(transfers))
	}
	if transfers[0].To != "0xplatform" || transfers[0].Amount != 7 {
		t.Fatalf("平台费转账不正确: %+v", transfers[0])
	}
	if transfers[1].To != "lender-1" || transfers[1].Amount != 103 {
		t.Fatalf("出借方转账不正确: %+v", transfers[1])
	}
	if transfers[2].To != "0xwallet-agent-1" || transfers[2].Amount != 40 {
		t.Fatalf("智能体转账不正确: %+v", transfers[2])
	}
}

func TestSettleWithoutActiveLoan(t *testing.T) {
	ctx := context.Background()
	distributor, store, _, _ := newTestDistributor(t, 500)
	createEscrow(t, store, "0xescrow", "agent-1")

	result, err := distributor.Settle(ctx, "0xescrow", DefaultDenomination, 100)
	if err != nil {
		t.Fatalf("清算失败: %v", err)
	}
	if result.PlatformFee != 5 || result.LenderAmount != 0 || result.AgentAmount != 95 {
		t.Fatalf("无在贷时全部剩余应归智能体: %+v", result)
	}
}

func TestSettleDenominationMismatchSkipsLoan(t *testing.T) {
	ctx := context.Background()
	distributor, store, _, _ := newTestDistributor(t, 500)
	createEscrow(t, store, "0xescrow", "agent-1")
	if err := store.RegisterLoan(ctx, "0xescrow", "loan-1", "lender-1", 100, 103); err != nil {
		t.Fatalf("登记在贷记录失败: %v", err)
	}

	result, err := distributor.Settle(ctx, "0xescrow", "DAI", 100)
	if err != nil {
		t.Fatalf("清算失败: %v", err)
	}
	if result.LenderAmount != 0 || result.AgentAmount != 95 {
		t.Fatalf("币种不匹配不应偿还贷款: %+v", result)
	}

	account, _ := store.Get(ctx, "0xescrow")
	if account.ActiveLoan == nil || account.ActiveLoan.RepaidAmount != 0 {
		t.Fatalf("币种不匹配不应推进还款镜像: %+v", account.ActiveLoan)
	}
}

func TestSettleFailureLeavesFundsInEscrow(t *testing.T) {
	ctx := context.Background()
	distributor, store, standard, _ := newTestDistributor(t, 500)
	createEscrow(t, store, "0xescrow", "agent-1")
	if err := store.RegisterLoan(ctx, "0xescrow", "loan-1", "lender-1", 100, 103); err != nil {
		t.Fatalf("登记在贷记录失败: %v", err)
	}
	standard.SetFailing(true)

	if _, err := distributor.Settle(ctx, "0xescrow", DefaultDenomination, 150); err == nil {
		t.Fatalf("转账失败时结算应报错")
	}

	account, _ := store.Get(ctx, "0xescrow")
	if account.Balance != 150 {
		t.Fatalf("失败后资金应留在托管账户，余额 %d", account.Balance)
	}
	if account.ActiveLoan == nil || account.ActiveLoan.RepaidAmount != 0 {
		t.Fatalf("失败后不应推进还款镜像: %+v", account.ActiveLoan)
	}
}

func TestRouterFallsBackToStandardPath(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	fast := NewMemoryPath("fast")
	fast.SetFailing(true)
	standard := NewMemoryPath("standard")
	distributor := NewDistributor(store, NewRouter(fast, standard), Policy{
		FeeRateBp:       500,
		PlatformAddress: "0xplatform",
	})
	createEscrow(t, store, "0xescrow", "agent-1")

	if _, err := distributor.Settle(ctx, "0xescrow", DefaultDenomination, 100); err != nil {
		t.Fatalf("快速路径失败必须回退而不是报错: %v", err)
	}
	if len(fast.Transfers()) != 0 {
		t.Fatalf("快速路径不应记录成功转账")
	}
	if len(standard.Transfers()) == 0 {
		t.Fatalf("标准路径必须被执行")
	}
}

func TestSettleConcurrentPaymentsDoNotOverRepay(t *testing.T) {
	ctx := context.Background()
	distributor, store, _, loans := newTestDistributor(t, 0)
	createEscrow(t, store, "0xescrow", "agent-1")
	if err := store.RegisterLoan(ctx, "0xescrow", "loan-1", "lender-1", 100, 103); err != nil {
		t.Fatalf("登记在贷记录失败: %v", err)
	}
	loans.expect["loan-1"] = 103

	var flips atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := distributor.Settle(ctx, "0xescrow", DefaultDenomination, 10)
			if err != nil {
				t.Errorf("清算失败: %v", err)
				return
			}
			if result.LoanRepaid {
				flips.Add(1)
			}
		}()
	}
	wg.Wait()

	if flips.Load() != 1 {
		t.Fatalf("repaid 翻转应恰好一次，实际 %d", flips.Load())
	}
	if loans.repaid["loan-1"] != 103 {
		t.Fatalf("累计还款应为 103，实际 %d", loans.repaid["loan-1"])
	}

	account, _ := store.Get(ctx, "0xescrow")
	if account.ActiveLoan != nil {
		t.Fatalf("结清后在贷记录应被清除")
	}
}

func TestComputeWaterfallTruncatesFee(t *testing.T) {
	cases := []struct {
		amount        int64
		feeRateBp     int
		remainingDebt int64
		want          Waterfall
	}{
		{150, 500, 103, Waterfall{PlatformFee: 7, LenderAmount: 103, AgentAmount: 40}},
		{150, 50, 103, Waterfall{PlatformFee: 0, LenderAmount: 103, AgentAmount: 47}},
		{100, 500, 0, Waterfall{PlatformFee: 5, LenderAmount: 0, AgentAmount: 95}},
		{10, 500, 1000, Waterfall{PlatformFee: 0, LenderAmount: 10, AgentAmount: 0}},
		{1, 9999, 0, Waterfall{PlatformFee: 0, LenderAmount: 0, AgentAmount: 1}},
	}
	for _, tc := range cases {
		got := ComputeWaterfall(tc.amount, tc.feeRateBp, tc.remainingDebt)
		if got != tc.want {
			t.Fatalf("ComputeWaterfall(%d, %d, %d) = %+v，期望 %+v",
				tc.amount, tc.feeRateBp, tc.remainingDebt, got, tc.want)
		}
		if got.PlatformFee+got.LenderAmount+got.AgentAmount != tc.amount {
			t.Fatalf("恒等式被破坏: %+v", got)
		}
	}
}

func TestRegisterLoanRejectsSecondActive(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	createEscrow(t, store, "0xescrow", "agent-1")

	if err := store.RegisterLoan(ctx, "0xescrow", "loan-1", "lender-1", 100, 103); err != nil {
		t.Fatalf("登记在贷记录失败: %v", err)
	}
	if err := store.RegisterLoan(ctx, "0xescrow", "loan-2", "lender-2", 50, 52); err == nil {
		t.Fatalf("同一托管账户不应同时持有两条在贷记录")
	}

	if err := store.ReleaseLoan(ctx, "0xescrow", "loan-1"); err != nil {
		t.Fatalf("释放在贷记录失败: %v", err)
	}
	if err := store.RegisterLoan(ctx, "0xescrow", "loan-2", "lender-2", 50, 52); err != nil {
		t.Fatalf("释放后应允许登记新的在贷记录: %v", err)
	}
}

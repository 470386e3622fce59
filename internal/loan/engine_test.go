package loan

import (
	"context"
	"errors"
	"sync"
	"testing"

	xerrors "AgentCredit-Chain/internal/errors"
	"AgentCredit-Chain/internal/ledger"
)

type fakeDirectory struct {
	borrowers map[string]Borrower
}

func (f *fakeDirectory) Borrower(_ context.Context, agentID string) (Borrower, error) {
	borrower, ok := f.borrowers[agentID]
	if !ok {
		return Borrower{}, errors.New("borrower not found")
	}
	return borrower, nil
}

type fakeLedgerClient struct {
	submissions []ledger.LoanSubmission
	failSubmit  bool
}

func (f *fakeLedgerClient) RegisterIdentity(context.Context, string) (string, error) {
	return "identity", nil
}

func (f *fakeLedgerClient) DeployEscrow(context.Context, ledger.EscrowSpec) (string, error) {
	return "0xescrow", nil
}

func (f *fakeLedgerClient) SubmitLoanRequest(_ context.Context, sub ledger.LoanSubmission) (string, error) {
	if f.failSubmit {
		return "", errors.New("rpc unavailable")
	}
	f.submissions = append(f.submissions, sub)
	return "0xtx", nil
}

func (f *fakeLedgerClient) RecordOutcome(context.Context, string, bool) error { return nil }

func (f *fakeLedgerClient) GetCreditScore(context.Context, string) (int, error) { return 500, nil }

func (f *fakeLedgerClient) Close() {}

type fakeNotifier struct {
	mu     sync.Mutex
	funded []string
	failed map[string]xerrors.Code
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{failed: make(map[string]xerrors.Code)}
}

func (f *fakeNotifier) MarkFunded(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funded = append(f.funded, taskID)
	return nil
}

func (f *fakeNotifier) MarkFailed(_ context.Context, taskID string, code xerrors.Code, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[taskID] = code
	return nil
}

type fakeEscrows struct {
	mu       sync.Mutex
	active   map[string]string
	released []string
}

func newFakeEscrows() *fakeEscrows {
	return &fakeEscrows{active: make(map[string]string)}
}

func (f *fakeEscrows) RegisterLoan(_ context.Context, escrowAccount, loanID, _ string, _, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.active[escrowAccount]; ok {
		return errors.New("active loan already registered")
	}
	f.active[escrowAccount] = loanID
	return nil
}

func (f *fakeEscrows) ReleaseLoan(_ context.Context, escrowAccount, loanID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active[escrowAccount] == loanID {
		delete(f.active, escrowAccount)
		f.released = append(f.released, loanID)
	}
	return nil
}

type fakeOutcomes struct {
	mu      sync.Mutex
	results map[string]bool
}

func newFakeOutcomes() *fakeOutcomes {
	return &fakeOutcomes{results: make(map[string]bool)}
}

func (f *fakeOutcomes) RecordOutcome(_ context.Context, _ string, loanID string, successful bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[loanID] = successful
	return nil
}

const proofHash = "0x4f2d9c1a8b3e5d7f0a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f6071"

func newTestEngine(t *testing.T, lenders []*Lender) (*Engine, *fakeNotifier, *fakeEscrows, *fakeOutcomes, *fakeLedgerClient) {
	t.Helper()
	lenderStore := NewMemoryLenderStore()
	for _, lender := range lenders {
		if err := lenderStore.Create(context.Background(), lender); err != nil {
			t.Fatalf("创建出借方失败: %v", err)
		}
	}
	directory := &fakeDirectory{borrowers: map[string]Borrower{
		"agent-1": {AgentID: "agent-1", IdentityID: "identity-1", EscrowAccount: "0xescrow-1", CreditScore: 700},
	}}
	chain := &fakeLedgerClient{}
	notifier := newFakeNotifier()
	escrows := newFakeEscrows()
	outcomes := newFakeOutcomes()
	engine := NewEngine(NewMemoryStore(), lenderStore, directory, chain,
		WithTaskNotifier(notifier),
		WithEscrowRegistry(escrows),
		WithOutcomeRecorder(outcomes),
	)
	return engine, notifier, escrows, outcomes, chain
}

func activeLender(id string, rateBp int) *Lender {
	return &Lender{
		ID:             id,
		Name:           "lender " + id,
		MaxLoanAmount:  1000,
		MinCreditScore: 500,
		InterestRateBp: rateBp,
		AvailableFunds: 5000,
		RiskTolerance:  RiskToleranceMedium,
		IsActive:       true,
	}
}

func TestRequestLoanPicksCheapestLender(t *testing.T) {
	ctx := context.Background()
	engine, _, _, _, chain := newTestEngine(t, []*Lender{
		activeLender("lender-b", 800),
		activeLender("lender-a", 300),
		activeLender("lender-c", 300),
	})

	loan, err := engine.RequestLoan(ctx, Request{
		BorrowerAgentID: "agent-1",
		TaskID:          "task-1",
		Amount:          100,
		ProofHash:       proofHash,
		ExpectedRevenue: 125,
	})
	if err != nil {
		t.Fatalf("贷款请求失败: %v", err)
	}
	if loan.Status != StatusRequested {
		t.Fatalf("期望 requested，实际 %s", loan.Status)
	}
	if loan.LenderID != "lender-a" {
		t.Fatalf("应选择利率最低且 ID 最小的出借方，实际 %s", loan.LenderID)
	}
	if loan.ExpectedRepayment != 103 {
		t.Fatalf("期望应还 103，实际 %d", loan.ExpectedRepayment)
	}
	if len(chain.submissions) != 1 || chain.submissions[0].LoanID != loan.ID {
		t.Fatalf("匹配成功应提交链上请求: %+v", chain.submissions)
	}
	if loan.LedgerTx == "" {
		t.Fatalf("应记录链上交易哈希")
	}
}

func TestRequestLoanAwaitsLiquidity(t *testing.T) {
	ctx := context.Background()
	small := activeLender("lender-small", 300)
	small.MaxLoanAmount = 50
	engine, _, _, _, chain := newTestEngine(t, []*Lender{small})

	loan, err := engine.RequestLoan(ctx, Request{
		BorrowerAgentID: "agent-1",
		Amount:          100,
		ProofHash:       proofHash,
	})
	if err != nil {
		t.Fatalf("等待流动性不应是错误: %v", err)
	}
	if loan.Status != StatusPending {
		t.Fatalf("期望 pending，实际 %s", loan.Status)
	}
	if loan.LenderID != "" {
		t.Fatalf("未匹配时不应有出借方: %s", loan.LenderID)
	}
	if len(chain.submissions) != 0 {
		t.Fatalf("未匹配时不应提交链上请求")
	}
}

func TestRequestLoanLedgerFailureKeepsRequested(t *testing.T) {
	ctx := context.Background()
	engine, _, _, _, chain := newTestEngine(t, []*Lender{activeLender("lender-a", 300)})
	chain.failSubmit = true

	loan, err := engine.RequestLoan(ctx, Request{
		BorrowerAgentID: "agent-1",
		Amount:          100,
		ProofHash:       proofHash,
	})
	if err != nil {
		t.Fatalf("链上提交失败不应回滚贷款: %v", err)
	}
	if loan.Status != StatusRequested {
		t.Fatalf("期望 requested，实际 %s", loan.Status)
	}
	if loan.LedgerTx != "" {
		t.Fatalf("提交失败不应记录交易哈希")
	}
}

func TestRematchPromotesPendingLoan(t *testing.T) {
	ctx := context.Background()
	engine, _, _, _, _ := newTestEngine(t, nil)

	loan, err := engine.RequestLoan(ctx, Request{
		BorrowerAgentID: "agent-1",
		Amount:          100,
		ProofHash:       proofHash,
	})
	if err != nil {
		t.Fatalf("贷款请求失败: %v", err)
	}
	if loan.Status != StatusPending {
		t.Fatalf("期望 pending，实际 %s", loan.Status)
	}

	if err := engine.RegisterLender(ctx, activeLender("lender-late", 400)); err != nil {
		t.Fatalf("登记出借方失败: %v", err)
	}
	promoted, err := engine.Rematch(ctx)
	if err != nil {
		t.Fatalf("重匹配失败: %v", err)
	}
	if promoted != 1 {
		t.Fatalf("期望晋升 1 笔贷款，实际 %d", promoted)
	}

	refreshed, _ := engine.Get(ctx, loan.ID)
	if refreshed.Status != StatusRequested || refreshed.LenderID != "lender-late" {
		t.Fatalf("重匹配结果不正确: %+v", refreshed)
	}
}

func TestDisburseRegistersEscrowAndFundsTask(t *testing.T) {
	ctx := context.Background()
	engine, notifier, escrows, _, _ := newTestEngine(t, []*Lender{activeLender("lender-a", 300)})

	loan, err := engine.RequestLoan(ctx, Request{
		BorrowerAgentID: "agent-1",
		TaskID:          "task-1",
		Amount:          100,
		ProofHash:       proofHash,
	})
	if err != nil {
		t.Fatalf("贷款请求失败: %v", err)
	}
	if _, err := engine.Approve(ctx, loan.ID); err != nil {
		t.Fatalf("批准失败: %v", err)
	}
	disbursed, err := engine.Disburse(ctx, loan.ID)
	if err != nil {
		t.Fatalf("放款失败: %v", err)
	}
	if disbursed.Status != StatusDisbursed {
		t.Fatalf("期望 disbursed，实际 %s", disbursed.Status)
	}
	if escrows.active["0xescrow-1"] != loan.ID {
		t.Fatalf("放款应在托管账户登记在贷记录")
	}
	if len(notifier.funded) != 1 || notifier.funded[0] != "task-1" {
		t.Fatalf("放款应标记任务到账: %+v", notifier.funded)
	}

	lender, _ := engine.lenders.Get(ctx, "lender-a")
	if lender.AvailableFunds != 4900 || lender.ActiveLoans != 1 || lender.TotalLoansIssued != 1 {
		t.Fatalf("出借方组合计数不正确: %+v", lender)
	}
}

func TestRejectForcesTaskFailed(t *testing.T) {
	ctx := context.Background()
	engine, notifier, _, _, _ := newTestEngine(t, []*Lender{activeLender("lender-a", 300)})

	loan, err := engine.RequestLoan(ctx, Request{
		BorrowerAgentID: "agent-1",
		TaskID:          "task-1",
		Amount:          100,
		ProofHash:       proofHash,
	})
	if err != nil {
		t.Fatalf("贷款请求失败: %v", err)
	}
	rejected, err := engine.Reject(ctx, loan.ID, "insufficient collateral")
	if err != nil {
		t.Fatalf("拒绝失败: %v", err)
	}
	if rejected.Status != StatusRejected {
		t.Fatalf("期望 rejected，实际 %s", rejected.Status)
	}
	if notifier.failed["task-1"] != CodeLoanRejected {
		t.Fatalf("拒绝应强制任务失败: %+v", notifier.failed)
	}
}

func TestDefaultRecordsFailureOutcome(t *testing.T) {
	ctx := context.Background()
	engine, notifier, escrows, outcomes, _ := newTestEngine(t, []*Lender{activeLender("lender-a", 300)})

	loan, err := engine.RequestLoan(ctx, Request{
		BorrowerAgentID: "agent-1",
		TaskID:          "task-1",
		Amount:          100,
		ProofHash:       proofHash,
	})
	if err != nil {
		t.Fatalf("贷款请求失败: %v", err)
	}
	if _, err := engine.Approve(ctx, loan.ID); err != nil {
		t.Fatalf("批准失败: %v", err)
	}
	if _, err := engine.Disburse(ctx, loan.ID); err != nil {
		t.Fatalf("放款失败: %v", err)
	}
	defaulted, err := engine.Default(ctx, loan.ID, "borrower unresponsive")
	if err != nil {
		t.Fatalf("违约处理失败: %v", err)
	}
	if defaulted.Status != StatusDefaulted {
		t.Fatalf("期望 defaulted，实际 %s", defaulted.Status)
	}
	if successful, ok := outcomes.results[loan.ID]; !ok || successful {
		t.Fatalf("违约应回写失败信誉: %+v", outcomes.results)
	}
	if notifier.failed["task-1"] != CodeLoanDefaulted {
		t.Fatalf("违约应强制开放任务失败: %+v", notifier.failed)
	}
	if len(escrows.released) != 1 {
		t.Fatalf("违约应释放托管在贷记录")
	}
}

func TestApplyRepaymentFlipsRepaidOnce(t *testing.T) {
	ctx := context.Background()
	engine, _, _, outcomes, _ := newTestEngine(t, []*Lender{activeLender("lender-a", 300)})

	loan, err := engine.RequestLoan(ctx, Request{
		BorrowerAgentID: "agent-1",
		Amount:          100,
		ProofHash:       proofHash,
	})
	if err != nil {
		t.Fatalf("贷款请求失败: %v", err)
	}
	if _, err := engine.Approve(ctx, loan.ID); err != nil {
		t.Fatalf("批准失败: %v", err)
	}
	if _, err := engine.Disburse(ctx, loan.ID); err != nil {
		t.Fatalf("放款失败: %v", err)
	}

	partial, became, err := engine.ApplyRepayment(ctx, loan.ID, 50)
	if err != nil || became {
		t.Fatalf("部分还款不应翻转: became=%v err=%v", became, err)
	}
	if partial.RepaidAmount != 50 {
		t.Fatalf("已还金额应为 50，实际 %d", partial.RepaidAmount)
	}

	full, became, err := engine.ApplyRepayment(ctx, loan.ID, 53)
	if err != nil || !became {
		t.Fatalf("结清应翻转 repaid: became=%v err=%v", became, err)
	}
	if full.Status != StatusRepaid || full.RepaidAmount != 103 {
		t.Fatalf("结清状态不正确: %+v", full)
	}
	if successful, ok := outcomes.results[loan.ID]; !ok || !successful {
		t.Fatalf("结清应回写成功信誉: %+v", outcomes.results)
	}

	if _, _, err := engine.ApplyRepayment(ctx, loan.ID, 1); !errors.Is(err, ErrLoanConflict) {
		t.Fatalf("结清后继续还款应冲突，实际 %v", err)
	}

	lender, _ := engine.lenders.Get(ctx, "lender-a")
	if lender.TotalEarnings != 3 || lender.ActiveLoans != 0 || lender.AvailableFunds != 5003 {
		t.Fatalf("结清后出借方组合不正确: %+v", lender)
	}
}

func TestRiskEngineRejectsInvalidProof(t *testing.T) {
	engine := NewRiskEngine()
	lender := activeLender("lender-a", 300)

	good := engine.Evaluate(Assessment{CreditScore: 700, Amount: 100, InterestRateBp: 300, ProofHash: proofHash}, lender)
	if good.Recommendation != RecommendApprove {
		t.Fatalf("低风险请求应建议批准: %+v", good)
	}

	bad := engine.Evaluate(Assessment{CreditScore: 400, Amount: 1000, InterestRateBp: 2500, ProofHash: "garbage"}, lender)
	if bad.Recommendation != RecommendReject {
		t.Fatalf("高风险请求应建议拒绝: %+v", bad)
	}
	if bad.Confidence >= good.Confidence {
		t.Fatalf("无效凭证的置信度应更低: %v >= %v", bad.Confidence, good.Confidence)
	}
}

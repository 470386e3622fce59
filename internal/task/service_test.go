package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"AgentCredit-Chain/internal/admission"
	"AgentCredit-Chain/internal/loan"
	"AgentCredit-Chain/internal/proof"
	"AgentCredit-Chain/internal/queue"
)

const fakeProofHash = "0x4f2d8a1c9b3e5f7a2d4c6b8e1f3a5c7d9b2e4f6a8c1d3e5f7b9a2c4e6d8f1a3b"

type fakeProofGen struct {
	mu       sync.Mutex
	failNext bool
	inputs   []proof.Inputs
}

func (f *fakeProofGen) Generate(_ context.Context, inputs proof.Inputs) (*proof.Commitment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, inputs)
	if f.failNext {
		return nil, proof.ErrGenerationFailed
	}
	return &proof.Commitment{
		Hash:           fakeProofHash,
		PaymentTarget:  inputs.PaymentTarget,
		ExpectedAmount: inputs.ExpectedAmount,
		MinAmount:      inputs.MinAmount,
		GeneratedAt:    time.Now().Unix(),
	}, nil
}

func (f *fakeProofGen) lastInputs(t *testing.T) proof.Inputs {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inputs) == 0 {
		t.Fatalf("未生成任何承诺")
	}
	return f.inputs[len(f.inputs)-1]
}

type fakeFunder struct {
	mu       sync.Mutex
	requests []loan.Request
	calls    atomic.Int32
}

func (f *fakeFunder) RequestLoan(_ context.Context, req loan.Request) (*loan.Loan, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return &loan.Loan{
		ID:              "loan-" + req.TaskID,
		BorrowerAgentID: req.BorrowerAgentID,
		TaskID:          req.TaskID,
		Principal:       req.Amount,
		Status:          loan.StatusRequested,
	}, nil
}

func seedActiveAgent(t *testing.T, agents admission.Store, id string) {
	t.Helper()
	err := agents.Create(context.Background(), &admission.Agent{
		ID:            id,
		Name:          "agent " + id,
		Status:        admission.StatusActive,
		IdentityID:    "identity-" + id,
		EscrowAccount: "0xescrow-" + id,
		CreditScore:   700,
	})
	if err != nil {
		t.Fatalf("预置智能体失败: %v", err)
	}
}

func startFunding(t *testing.T, ctx context.Context, store Store, agents admission.Store,
	gen proof.Generator, funder LoanFunder, q queue.Queue) {
	t.Helper()
	worker := NewFundingWorker(store, agents, gen, funder, q, Policy{}, WithFundingWorkerCount(2))
	go func() {
		if err := worker.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("funding worker exited: %v", err)
		}
	}()
}

func waitForTaskStatus(t *testing.T, store Store, id string, want Status) *Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("查询任务失败: %v", err)
		}
		if task.Status == want {
			return task
		}
		if IsTerminal(task.Status) && task.Status != want {
			t.Fatalf("任务到达意外终态 %s (last_error=%s)", task.Status, task.LastError)
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := store.Get(context.Background(), id)
	t.Fatalf("等待任务 %s 到达 %s 超时，当前 %s", id, want, task.Status)
	return nil
}

func TestSmallTaskFundsWithoutLoan(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	agents := admission.NewMemoryStore()
	seedActiveAgent(t, agents, "agent-1")
	q := queue.NewMemoryQueue(16)
	gen := &fakeProofGen{}
	funder := &fakeFunder{}
	svc := NewService(store, q, agents, nil, Policy{LoanThreshold: 10})
	startFunding(t, ctx, store, agents, gen, funder, q)

	created, err := svc.Declare(ctx, DeclareRequest{AgentID: "agent-1", ClientRef: "client-7", Amount: 8})
	if err != nil {
		t.Fatalf("声明任务失败: %v", err)
	}
	if created.RequiresLoan {
		t.Fatalf("金额低于阈值的任务不应需要贷款")
	}

	funded := waitForTaskStatus(t, store, created.ID, StatusFunded)
	if funded.ProofHash != fakeProofHash {
		t.Fatalf("承诺哈希缺失: %+v", funded)
	}
	if funded.LoanID != "" {
		t.Fatalf("直接到账的任务不应关联贷款: %s", funded.LoanID)
	}
	if funder.calls.Load() != 0 {
		t.Fatalf("不应发起贷款请求")
	}
}

func TestLargeTaskEntersLoanMatching(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	agents := admission.NewMemoryStore()
	seedActiveAgent(t, agents, "agent-1")
	q := queue.NewMemoryQueue(16)
	gen := &fakeProofGen{}
	funder := &fakeFunder{}
	svc := NewService(store, q, agents, nil, Policy{LoanThreshold: 10})
	startFunding(t, ctx, store, agents, gen, funder, q)

	created, err := svc.Declare(ctx, DeclareRequest{
		AgentID:     "agent-1",
		ClientRef:   "client-9",
		Description: "translate contract",
		Amount:      100,
	})
	if err != nil {
		t.Fatalf("声明任务失败: %v", err)
	}
	if !created.RequiresLoan {
		t.Fatalf("金额高于阈值的任务应需要贷款")
	}

	awaiting := waitForTaskStatus(t, store, created.ID, StatusAwaitingFunds)
	if awaiting.LoanID != "loan-"+created.ID {
		t.Fatalf("贷款未绑定: %+v", awaiting)
	}

	inputs := gen.lastInputs(t)
	if inputs.PaymentTarget != "0xescrow-agent-1" {
		t.Fatalf("承诺收款目标应为托管账户: %s", inputs.PaymentTarget)
	}
	if inputs.ExpectedAmount != 100 || inputs.MinAmount != 80 {
		t.Fatalf("承诺金额参数错误: expected=%d min=%d", inputs.ExpectedAmount, inputs.MinAmount)
	}

	funder.mu.Lock()
	defer funder.mu.Unlock()
	if len(funder.requests) != 1 {
		t.Fatalf("应恰好发起一次贷款请求，实际 %d", len(funder.requests))
	}
	req := funder.requests[0]
	if req.Amount != 80 || req.ExpectedRevenue != 100 {
		t.Fatalf("贷款额度应为任务金额的 80%%: %+v", req)
	}
	if req.ProofHash != fakeProofHash {
		t.Fatalf("贷款请求缺少承诺哈希: %+v", req)
	}
}

func TestProofFailureFailsClosed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	agents := admission.NewMemoryStore()
	seedActiveAgent(t, agents, "agent-1")
	q := queue.NewMemoryQueue(16)
	gen := &fakeProofGen{failNext: true}
	funder := &fakeFunder{}
	svc := NewService(store, q, agents, nil, Policy{})
	startFunding(t, ctx, store, agents, gen, funder, q)

	created, err := svc.Declare(ctx, DeclareRequest{AgentID: "agent-1", Amount: 100})
	if err != nil {
		t.Fatalf("声明任务失败: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var failed *Task
	for time.Now().Before(deadline) {
		task, getErr := store.Get(ctx, created.ID)
		if getErr != nil {
			t.Fatalf("查询任务失败: %v", getErr)
		}
		if task.Status == StatusFailed {
			failed = task
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if failed == nil {
		t.Fatalf("承诺生成失败的任务应进入 failed")
	}
	if failed.ErrorCode != string(proof.CodeGenerationFailed) {
		t.Fatalf("期望错误码 %s，实际 %s", proof.CodeGenerationFailed, failed.ErrorCode)
	}
	if funder.calls.Load() != 0 {
		t.Fatalf("承诺失败后不应发起贷款")
	}
}

func TestCancelledTaskIsSkippedByWorker(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	agents := admission.NewMemoryStore()
	seedActiveAgent(t, agents, "agent-1")
	gen := &fakeProofGen{}
	funder := &fakeFunder{}
	worker := NewFundingWorker(store, agents, gen, funder, queue.NewMemoryQueue(1), Policy{})

	task := &Task{ID: "task-1", AgentID: "agent-1", Amount: 100, RequiresLoan: true}
	if err := store.Create(ctx, task); err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}
	if err := store.Cancel(ctx, task.ID); err != nil {
		t.Fatalf("取消任务失败: %v", err)
	}

	if err := worker.handle(ctx, task.ID); err != nil {
		t.Fatalf("已取消的任务应被幂等跳过: %v", err)
	}
	got, _ := store.Get(ctx, task.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("取消状态被破坏: %s", got.Status)
	}
	if funder.calls.Load() != 0 {
		t.Fatalf("已取消的任务不应发起贷款")
	}
}

func TestDeclareRequiresActiveAgent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	agents := admission.NewMemoryStore()
	if err := agents.Create(ctx, &admission.Agent{ID: "agent-paused", Status: admission.StatusPaused}); err != nil {
		t.Fatalf("预置智能体失败: %v", err)
	}
	svc := NewService(store, queue.NewMemoryQueue(4), agents, nil, Policy{})

	if _, err := svc.Declare(ctx, DeclareRequest{AgentID: "agent-paused", Amount: 5}); !errors.Is(err, ErrAgentNotActive) {
		t.Fatalf("暂停中的智能体不应接单: %v", err)
	}
	if _, err := svc.Declare(ctx, DeclareRequest{AgentID: "missing", Amount: 5}); !errors.Is(err, admission.ErrAgentNotFound) {
		t.Fatalf("未知智能体应返回 not found: %v", err)
	}
}

func TestLifecycleRequiresFundingBeforePaid(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	agents := admission.NewMemoryStore()
	seedActiveAgent(t, agents, "agent-1")
	svc := NewService(store, queue.NewMemoryQueue(4), agents, nil, Policy{})

	task := &Task{ID: "task-life", AgentID: "agent-1", Amount: 5}
	if err := store.Create(ctx, task); err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}

	// 资金未到位前不允许进入执行与支付。
	if _, err := svc.Start(ctx, task.ID); err == nil {
		t.Fatalf("pending 任务不应进入 in_progress")
	}
	if _, err := svc.MarkPaid(ctx, task.ID); err == nil {
		t.Fatalf("未完成的任务不应标记为已支付")
	}

	if err := store.Advance(ctx, task.ID, StatusPending, StatusFunded); err != nil {
		t.Fatalf("推进失败: %v", err)
	}
	if _, err := svc.Start(ctx, task.ID); err != nil {
		t.Fatalf("开始任务失败: %v", err)
	}
	if _, err := svc.Complete(ctx, task.ID); err != nil {
		t.Fatalf("完成任务失败: %v", err)
	}
	paid, err := svc.MarkPaid(ctx, task.ID)
	if err != nil {
		t.Fatalf("标记支付失败: %v", err)
	}
	if paid.Status != StatusPaid {
		t.Fatalf("期望 paid，实际 %s", paid.Status)
	}
	// 终态后取消与失败回调都应保持状态不变。
	if _, err := svc.Cancel(ctx, task.ID); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("已支付任务不应可取消: %v", err)
	}
	if err := svc.MarkFailed(ctx, task.ID, CodeFundingFailed, "late failure"); err != nil {
		t.Fatalf("终态任务的失败回调应为无操作: %v", err)
	}
	got, _ := store.Get(ctx, task.ID)
	if got.Status != StatusPaid {
		t.Fatalf("终态被破坏: %s", got.Status)
	}
}

func TestMarkFundedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	agents := admission.NewMemoryStore()
	seedActiveAgent(t, agents, "agent-1")
	svc := NewService(store, queue.NewMemoryQueue(4), agents, nil, Policy{})

	task := &Task{ID: "task-funded", AgentID: "agent-1", Amount: 100, RequiresLoan: true}
	if err := store.Create(ctx, task); err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}
	if err := store.Advance(ctx, task.ID, StatusPending, StatusAwaitingFunds); err != nil {
		t.Fatalf("推进失败: %v", err)
	}

	if err := svc.MarkFunded(ctx, task.ID); err != nil {
		t.Fatalf("放款回调失败: %v", err)
	}
	if err := svc.MarkFunded(ctx, task.ID); err != nil {
		t.Fatalf("重复放款回调应幂等: %v", err)
	}
	got, _ := store.Get(ctx, task.ID)
	if got.Status != StatusFunded {
		t.Fatalf("期望 funded，实际 %s", got.Status)
	}
}

func TestDeclareIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	agents := admission.NewMemoryStore()
	seedActiveAgent(t, agents, "agent-1")
	svc := NewService(store, queue.NewMemoryQueue(8), agents, nil, Policy{})

	first, err := svc.Declare(ctx, DeclareRequest{ID: "fixed-task", AgentID: "agent-1", Amount: 50})
	if err != nil {
		t.Fatalf("声明任务失败: %v", err)
	}
	second, err := svc.Declare(ctx, DeclareRequest{ID: "fixed-task", AgentID: "agent-1", Amount: 50})
	if err != nil {
		t.Fatalf("重复声明应幂等: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("重复声明返回了不同记录: %s vs %s", first.ID, second.ID)
	}
}

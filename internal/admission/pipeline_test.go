package admission

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"AgentCredit-Chain/internal/ledger"
	"AgentCredit-Chain/internal/queue"
)

type fakeLedger struct {
	registered atomic.Int32
	failOnce   atomic.Bool
}

func (f *fakeLedger) RegisterIdentity(_ context.Context, agentRef string) (string, error) {
	if f.failOnce.CompareAndSwap(true, false) {
		return "", errors.New("rpc timeout")
	}
	f.registered.Add(1)
	return "identity-" + agentRef, nil
}

func (f *fakeLedger) DeployEscrow(_ context.Context, spec ledger.EscrowSpec) (string, error) {
	return "0xescrow-" + spec.AgentRef, nil
}

func (f *fakeLedger) SubmitLoanRequest(context.Context, ledger.LoanSubmission) (string, error) {
	return "0xtx", nil
}

func (f *fakeLedger) RecordOutcome(context.Context, string, bool) error { return nil }

func (f *fakeLedger) GetCreditScore(context.Context, string) (int, error) { return 500, nil }

func (f *fakeLedger) Close() {}

type fakeScanner struct {
	rejectSource bool
	rejectImage  bool
}

func (f *fakeScanner) ScanSource(context.Context, string) (ScanReport, error) {
	if f.rejectSource {
		return ScanReport{Passed: false, Findings: []Finding{{ID: "G101", Severity: SeverityHigh, Title: "hardcoded key"}}}, nil
	}
	return ScanReport{Passed: true}, nil
}

func (f *fakeScanner) ScanImage(context.Context, string) (ScanReport, error) {
	if f.rejectImage {
		return ScanReport{Passed: false, Findings: []Finding{{ID: "CVE-2025-0001", Severity: SeverityHigh, Title: "vulnerable base image"}}}, nil
	}
	return ScanReport{Passed: true}, nil
}

type fakeTransformer struct{}

func (fakeTransformer) Rewrite(_ context.Context, bundleRef, escrowAccount string) (TransformResult, error) {
	return TransformResult{
		BundleRef:         bundleRef + "-rewritten",
		ReplacedAddresses: []string{"0xoriginal"},
		OriginalTarget:    "0xoriginal",
	}, nil
}

type fakeDeployer struct {
	launched atomic.Int32
}

func (f *fakeDeployer) Launch(_ context.Context, bundleRef string) (string, error) {
	f.launched.Add(1)
	return "unit-" + bundleRef, nil
}

func startPipeline(t *testing.T, ctx context.Context, store Store, q queue.Queue,
	chain ledger.Client, scanner Scanner, workers int) *fakeDeployer {
	t.Helper()
	deployer := &fakeDeployer{}
	pipeline := NewPipeline(store, chain, scanner, fakeTransformer{}, deployer, q,
		EscrowPolicy{PlatformAddress: "0xplatform", FeeRateBp: 500}, WithWorkerCount(workers))
	go func() {
		if err := pipeline.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("pipeline exited: %v", err)
		}
	}()
	return deployer
}

func waitForStatus(t *testing.T, svc *Service, id string, want Status) *Agent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	agent, err := svc.WaitUntilSettled(ctx, id, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("等待智能体 %s 超时: %v", id, err)
	}
	if agent.Status != want {
		t.Fatalf("期望状态 %s，实际 %s (last_error=%s)", want, agent.Status, agent.LastError)
	}
	return agent
}

func TestPipelineAdmitsAgent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	q := queue.NewMemoryQueue(64)
	svc := NewService(store, q)
	chain := &fakeLedger{}
	startPipeline(t, ctx, store, q, chain, &fakeScanner{}, 2)

	created, err := svc.Register(ctx, RegisterRequest{Name: "translator", BundleRef: "bundle://translator"})
	if err != nil {
		t.Fatalf("注册失败: %v", err)
	}

	agent := waitForStatus(t, svc, created.ID, StatusActive)
	if agent.IdentityID == "" || agent.EscrowAccount == "" {
		t.Fatalf("准入后缺少链上引用: %+v", agent)
	}
	if agent.UnitHandle == "" {
		t.Fatalf("准入后缺少运行单元句柄: %+v", agent)
	}
	if agent.RedirectedAddresses != 1 || agent.OriginalPayTarget != "0xoriginal" {
		t.Fatalf("改写信息缺失: %+v", agent)
	}
	if agent.CreditScore != DefaultCreditScore {
		t.Fatalf("新智能体应为中性信用分: %d", agent.CreditScore)
	}
}

func TestPipelineRejectsHighSeveritySource(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	q := queue.NewMemoryQueue(64)
	svc := NewService(store, q)
	chain := &fakeLedger{}
	deployer := startPipeline(t, ctx, store, q, chain, &fakeScanner{rejectSource: true}, 1)

	created, err := svc.Register(ctx, RegisterRequest{Name: "bad-agent", BundleRef: "bundle://bad"})
	if err != nil {
		t.Fatalf("注册失败: %v", err)
	}

	agent := waitForStatus(t, svc, created.ID, StatusScanFailed)
	if agent.ErrorCode != string(CodeScanRejected) {
		t.Fatalf("期望错误码 %s，实际 %s", CodeScanRejected, agent.ErrorCode)
	}
	if chain.registered.Load() != 0 {
		t.Fatalf("扫描失败不应触发链上注册")
	}
	if deployer.launched.Load() != 0 {
		t.Fatalf("扫描失败不应触发部署")
	}
}

func TestPipelineChainFailureIsTerminal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	q := queue.NewMemoryQueue(64)
	svc := NewService(store, q)
	chain := &fakeLedger{}
	chain.failOnce.Store(true)
	startPipeline(t, ctx, store, q, chain, &fakeScanner{}, 1)

	created, err := svc.Register(ctx, RegisterRequest{Name: "unlucky", BundleRef: "bundle://unlucky"})
	if err != nil {
		t.Fatalf("注册失败: %v", err)
	}

	agent := waitForStatus(t, svc, created.ID, StatusFailed)
	if agent.ErrorCode != "CHAIN_CALL_FAILED" {
		t.Fatalf("期望错误码 CHAIN_CALL_FAILED，实际 %s", agent.ErrorCode)
	}
}

func TestPipelineContainerScanFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	q := queue.NewMemoryQueue(64)
	svc := NewService(store, q)
	startPipeline(t, ctx, store, q, &fakeLedger{}, &fakeScanner{rejectImage: true}, 1)

	created, err := svc.Register(ctx, RegisterRequest{Name: "image-bad", BundleRef: "bundle://image-bad"})
	if err != nil {
		t.Fatalf("注册失败: %v", err)
	}

	agent := waitForStatus(t, svc, created.ID, StatusFailed)
	if agent.ErrorCode != string(CodeContainerScanFailed) {
		t.Fatalf("期望错误码 %s，实际 %s", CodeContainerScanFailed, agent.ErrorCode)
	}
}

func TestPipelineHandlesConcurrentAgents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	q := queue.NewMemoryQueue(256)
	svc := NewService(store, q)
	deployer := startPipeline(t, ctx, store, q, &fakeLedger{}, &fakeScanner{}, 8)

	total := 50
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		created, err := svc.Register(ctx, RegisterRequest{
			Name:      fmt.Sprintf("agent-%d", i),
			BundleRef: fmt.Sprintf("bundle://agent-%d", i),
		})
		if err != nil {
			t.Fatalf("注册失败: %v", err)
		}
		ids = append(ids, created.ID)
	}

	for _, id := range ids {
		waitForStatus(t, svc, id, StatusActive)
	}
	if int(deployer.launched.Load()) != total {
		t.Fatalf("每个智能体应只部署一次，实际 %d", deployer.launched.Load())
	}
}

func TestServiceRegisterIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	q := queue.NewMemoryQueue(8)
	svc := NewService(store, q)

	first, err := svc.Register(ctx, RegisterRequest{ID: "fixed-id", Name: "demo", BundleRef: "bundle://demo"})
	if err != nil {
		t.Fatalf("注册失败: %v", err)
	}
	second, err := svc.Register(ctx, RegisterRequest{ID: "fixed-id", Name: "demo", BundleRef: "bundle://demo"})
	if err != nil {
		t.Fatalf("重复注册应幂等: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("重复注册返回了不同记录: %s vs %s", first.ID, second.ID)
	}
}

func TestServicePauseResume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	q := queue.NewMemoryQueue(8)
	svc := NewService(store, q)
	startPipeline(t, ctx, store, q, &fakeLedger{}, &fakeScanner{}, 1)

	created, err := svc.Register(ctx, RegisterRequest{Name: "pausable", BundleRef: "bundle://pausable"})
	if err != nil {
		t.Fatalf("注册失败: %v", err)
	}
	waitForStatus(t, svc, created.ID, StatusActive)

	paused, err := svc.Pause(ctx, created.ID)
	if err != nil {
		t.Fatalf("暂停失败: %v", err)
	}
	if paused.Status != StatusPaused {
		t.Fatalf("期望 paused，实际 %s", paused.Status)
	}
	if _, err := svc.Pause(ctx, created.ID); err == nil {
		t.Fatalf("重复暂停应报错")
	}

	resumed, err := svc.Resume(ctx, created.ID)
	if err != nil {
		t.Fatalf("恢复失败: %v", err)
	}
	if resumed.Status != StatusActive {
		t.Fatalf("期望 active，实际 %s", resumed.Status)
	}
}

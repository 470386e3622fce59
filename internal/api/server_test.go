package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"AgentCredit-Chain/internal/admission"
	"AgentCredit-Chain/internal/auth"
	"AgentCredit-Chain/internal/ledger"
	"AgentCredit-Chain/internal/loan"
	"AgentCredit-Chain/internal/proof"
	"AgentCredit-Chain/internal/queue"
	"AgentCredit-Chain/internal/reputation"
	"AgentCredit-Chain/internal/settlement"
	"AgentCredit-Chain/internal/task"
)

const (
	operatorKey = "test-operator-key"
	borrowerKey = "test-borrower-key"
)

type testDirectory struct {
	agents admission.Store
}

func (d *testDirectory) Borrower(ctx context.Context, agentID string) (loan.Borrower, error) {
	agent, err := d.agents.Get(ctx, agentID)
	if err != nil {
		return loan.Borrower{}, err
	}
	return loan.Borrower{
		AgentID:       agent.ID,
		IdentityID:    agent.IdentityID,
		EscrowAccount: agent.EscrowAccount,
		CreditScore:   agent.CreditScore,
	}, nil
}

type testLoanLedger struct {
	engine *loan.Engine
}

func (a *testLoanLedger) ApplyRepayment(ctx context.Context, loanID string, amount int64) (bool, error) {
	_, settled, err := a.engine.ApplyRepayment(ctx, loanID, amount)
	return settled, err
}

// provisioningLedger 在部署托管账户时同步创建本地账户记录。
type provisioningLedger struct {
	ledger.Client
	escrows settlement.Store
}

func (p *provisioningLedger) DeployEscrow(ctx context.Context, spec ledger.EscrowSpec) (string, error) {
	address, err := p.Client.DeployEscrow(ctx, spec)
	if err != nil {
		return "", err
	}
	err = p.escrows.Create(ctx, &settlement.Account{
		Address:      address,
		AgentID:      spec.AgentRef,
		Denomination: settlement.DefaultDenomination,
	})
	if err != nil && !errors.Is(err, settlement.ErrEscrowConflict) {
		return "", err
	}
	return address, nil
}

type testEnv struct {
	server *httptest.Server
	agents admission.Store
	tasks  task.Store
}

func newTestEnv(t *testing.T, ctx context.Context) *testEnv {
	t.Helper()

	agentStore := admission.NewMemoryStore()
	taskStore := task.NewMemoryStore()
	loanStore := loan.NewMemoryStore()
	lenderStore := loan.NewMemoryLenderStore()
	escrowStore := settlement.NewMemoryStore()

	chain := ledger.NewSimulated()
	provisioned := &provisioningLedger{Client: chain, escrows: escrowStore}

	admissionQueue := queue.NewMemoryQueue(64)
	fundingQueue := queue.NewMemoryQueue(64)

	agentService := admission.NewService(agentStore, admissionQueue)
	pipeline := admission.NewPipeline(agentStore, provisioned,
		admission.LocalScanner{}, admission.TagTransformer{}, admission.HandleDeployer{},
		admissionQueue,
		admission.EscrowPolicy{PlatformAddress: "0xplatform", FeeRateBp: 500},
		admission.WithWorkerCount(2),
	)

	reputationService := reputation.NewService(agentStore,
		reputation.NewMemoryOutcomeStore(), chain, reputation.Policy{})

	loanEngine := loan.NewEngine(loanStore, lenderStore,
		&testDirectory{agents: agentStore}, chain,
		loan.WithEscrowRegistry(escrowStore),
		loan.WithOutcomeRecorder(reputationService),
	)
	taskPolicy := task.Policy{LoanThreshold: 10, LoanRatioBp: 8000}
	taskService := task.NewService(taskStore, fundingQueue, agentStore, loanEngine, taskPolicy)
	loan.WithTaskNotifier(taskService)(loanEngine)

	fundingWorker := task.NewFundingWorker(taskStore, agentStore,
		proof.NewHashCommitter(), loanEngine, fundingQueue, taskPolicy,
		task.WithFundingWorkerCount(2),
	)

	go func() {
		if err := pipeline.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("pipeline exited: %v", err)
		}
	}()
	go func() {
		if err := fundingWorker.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("funding worker exited: %v", err)
		}
	}()

	distributor := settlement.NewDistributor(escrowStore,
		settlement.NewRouter(nil, settlement.NewMemoryPath("standard")),
		settlement.Policy{FeeRateBp: 500, PlatformAddress: "0xplatform"},
		settlement.WithLoanLedger(&testLoanLedger{engine: loanEngine}),
	)

	authSvc := auth.NewService([]auth.Key{
		{Key: operatorKey, Name: "ops", Roles: []string{auth.RoleOperator}},
		{Key: borrowerKey, Name: "borrower", Roles: []string{auth.RoleBorrower}},
	})

	apiServer := NewServer("", agentService, taskService, loanEngine, distributor, escrowStore, authSvc)
	ts := httptest.NewServer(apiServer.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{server: ts, agents: agentStore, tasks: taskStore}
}

func (e *testEnv) do(t *testing.T, method, path, key string, payload any) (*http.Response, []byte) {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("编码请求失败: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, body)
	if err != nil {
		t.Fatalf("构造请求失败: %v", err)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("解析响应失败: %v (%s)", err, data)
	}
	return out
}

func waitAgentActive(t *testing.T, e *testEnv, id string) *admission.Agent {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		agent, err := e.agents.Get(context.Background(), id)
		if err == nil && agent.Status == admission.StatusActive {
			return agent
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("智能体 %s 未在限期内激活", id)
	return nil
}

func waitTaskStatus(t *testing.T, e *testEnv, id string, want task.Status) *task.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := e.tasks.Get(context.Background(), id)
		if err == nil && got.Status == want {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, _ := e.tasks.Get(context.Background(), id)
	t.Fatalf("任务 %s 未达到 %s，当前 %+v", id, want, got)
	return nil
}

func TestAgentAdmissionOverHTTP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newTestEnv(t, ctx)

	resp, body := env.do(t, http.MethodPost, "/api/v1/agents", borrowerKey,
		admission.RegisterRequest{Name: "translator", BundleRef: "bundle://translator"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("期望 202，实际 %d: %s", resp.StatusCode, body)
	}
	created := decode[admission.Agent](t, body)
	agent := waitAgentActive(t, env, created.ID)
	if agent.EscrowAccount == "" {
		t.Fatalf("激活后缺少托管账户: %+v", agent)
	}

	// 暂停属于运营操作，借款方密钥应被拒绝。
	resp, _ = env.do(t, http.MethodPost, "/api/v1/agents/"+created.ID+"/pause", borrowerKey, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("非运营方暂停应 403，实际 %d", resp.StatusCode)
	}
	resp, body = env.do(t, http.MethodPost, "/api/v1/agents/"+created.ID+"/pause", operatorKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("暂停失败: %d %s", resp.StatusCode, body)
	}
	resp, body = env.do(t, http.MethodPost, "/api/v1/agents/"+created.ID+"/resume", operatorKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("恢复失败: %d %s", resp.StatusCode, body)
	}

	resp, _ = env.do(t, http.MethodGet, "/api/v1/agents/missing", borrowerKey, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("未知智能体应 404，实际 %d", resp.StatusCode)
	}
}

func TestTaskLoanSettlementFlowOverHTTP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newTestEnv(t, ctx)

	resp, body := env.do(t, http.MethodPost, "/api/v1/agents", borrowerKey,
		admission.RegisterRequest{Name: "researcher", BundleRef: "bundle://researcher"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("注册失败: %d %s", resp.StatusCode, body)
	}
	created := decode[admission.Agent](t, body)
	agent := waitAgentActive(t, env, created.ID)

	resp, body = env.do(t, http.MethodPost, "/api/v1/lenders", operatorKey, loan.Lender{
		Name:           "liquidity-one",
		MaxLoanAmount:  1000,
		MinCreditScore: 400,
		InterestRateBp: 300,
		AvailableFunds: 5000,
		RiskTolerance:  loan.RiskToleranceMedium,
		IsActive:       true,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("登记出借方失败: %d %s", resp.StatusCode, body)
	}

	resp, body = env.do(t, http.MethodPost, "/api/v1/tasks", borrowerKey, task.DeclareRequest{
		AgentID:   agent.ID,
		ClientRef: "client-42",
		Amount:    100,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("申报任务失败: %d %s", resp.StatusCode, body)
	}
	declared := decode[task.Task](t, body)
	waitTaskStatus(t, env, declared.ID, task.StatusAwaitingFunds)

	resp, body = env.do(t, http.MethodGet, "/api/v1/tasks/"+declared.ID, borrowerKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("查询任务失败: %d %s", resp.StatusCode, body)
	}
	view := decode[task.View](t, body)
	if view.Loan == nil || view.Loan.Status != loan.StatusRequested {
		t.Fatalf("任务应内嵌已匹配贷款: %s", body)
	}
	loanID := view.Loan.ID
	if view.Loan.Principal != 80 || view.Loan.ExpectedRepayment != 82 {
		t.Fatalf("贷款金额错误: %+v", view.Loan)
	}

	resp, body = env.do(t, http.MethodPost, "/api/v1/loans/"+loanID+"/approve", operatorKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("批准失败: %d %s", resp.StatusCode, body)
	}
	resp, body = env.do(t, http.MethodPost, "/api/v1/loans/"+loanID+"/disburse", operatorKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("放款失败: %d %s", resp.StatusCode, body)
	}
	waitTaskStatus(t, env, declared.ID, task.StatusFunded)

	resp, body = env.do(t, http.MethodPatch, "/api/v1/tasks/"+declared.ID+"/status", borrowerKey,
		map[string]string{"status": "in_progress"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("状态推进失败: %d %s", resp.StatusCode, body)
	}
	resp, body = env.do(t, http.MethodPost, "/api/v1/tasks/"+declared.ID+"/complete", borrowerKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("完成任务失败: %d %s", resp.StatusCode, body)
	}

	// 客户支付 100 到托管账户：手续费 5，出借方 82，智能体 13。
	resp, body = env.do(t, http.MethodPost,
		fmt.Sprintf("/api/v1/escrows/%s/payments", agent.EscrowAccount), operatorKey,
		map[string]any{"amount": 100})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("清算失败: %d %s", resp.StatusCode, body)
	}
	result := decode[settlement.Result](t, body)
	if result.PlatformFee != 5 || result.LenderAmount != 82 || result.AgentAmount != 13 {
		t.Fatalf("分账结果错误: %+v", result)
	}
	if !result.LoanRepaid {
		t.Fatalf("贷款应已结清: %+v", result)
	}

	resp, body = env.do(t, http.MethodGet, "/api/v1/loans/"+loanID, borrowerKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("查询贷款失败: %d %s", resp.StatusCode, body)
	}
	settled := decode[loan.Loan](t, body)
	if settled.Status != loan.StatusRepaid {
		t.Fatalf("期望 repaid，实际 %s", settled.Status)
	}

	resp, body = env.do(t, http.MethodPost, "/api/v1/tasks/"+declared.ID+"/paid", operatorKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("标记支付失败: %d %s", resp.StatusCode, body)
	}

	// 成功还款后信用分应上调。
	refreshed, err := env.agents.Get(context.Background(), agent.ID)
	if err != nil {
		t.Fatalf("查询智能体失败: %v", err)
	}
	if refreshed.CreditScore != admission.DefaultCreditScore+20 {
		t.Fatalf("信用分应为 %d，实际 %d", admission.DefaultCreditScore+20, refreshed.CreditScore)
	}
}

func TestSmallTaskSkipsLoanOverHTTP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newTestEnv(t, ctx)

	resp, body := env.do(t, http.MethodPost, "/api/v1/agents", borrowerKey,
		admission.RegisterRequest{Name: "tiny", BundleRef: "bundle://tiny"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("注册失败: %d %s", resp.StatusCode, body)
	}
	created := decode[admission.Agent](t, body)
	agent := waitAgentActive(t, env, created.ID)

	resp, body = env.do(t, http.MethodPost, "/api/v1/tasks", borrowerKey, task.DeclareRequest{
		AgentID: agent.ID,
		Amount:  8,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("申报任务失败: %d %s", resp.StatusCode, body)
	}
	declared := decode[task.Task](t, body)
	funded := waitTaskStatus(t, env, declared.ID, task.StatusFunded)
	if funded.LoanID != "" {
		t.Fatalf("小额任务不应产生贷款: %+v", funded)
	}
}

package reputation

import (
	"context"
	"sync"
	"testing"

	"AgentCredit-Chain/internal/admission"
	"AgentCredit-Chain/internal/ledger"
)

type mirrorLedger struct {
	mu       sync.Mutex
	outcomes []bool
}

func (m *mirrorLedger) RegisterIdentity(context.Context, string) (string, error) {
	return "identity", nil
}

func (m *mirrorLedger) DeployEscrow(context.Context, ledger.EscrowSpec) (string, error) {
	return "0xescrow", nil
}

func (m *mirrorLedger) SubmitLoanRequest(context.Context, ledger.LoanSubmission) (string, error) {
	return "0xtx", nil
}

func (m *mirrorLedger) RecordOutcome(_ context.Context, _ string, successful bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, successful)
	return nil
}

func (m *mirrorLedger) GetCreditScore(context.Context, string) (int, error) { return 500, nil }

func (m *mirrorLedger) Close() {}

func newTestService(t *testing.T, score int) (*Service, admission.Store, *mirrorLedger) {
	t.Helper()
	agents := admission.NewMemoryStore()
	agent := &admission.Agent{
		ID:          "agent-1",
		Name:        "demo",
		BundleRef:   "bundle://demo",
		CreditScore: score,
		IdentityID:  "identity-1",
	}
	if err := agents.Create(context.Background(), agent); err != nil {
		t.Fatalf("创建智能体失败: %v", err)
	}
	chain := &mirrorLedger{}
	svc := NewService(agents, NewMemoryOutcomeStore(), chain, Policy{})
	return svc, agents, chain
}

func TestRecordOutcomeDefaultPenalty(t *testing.T) {
	ctx := context.Background()
	svc, agents, chain := newTestService(t, 500)

	if err := svc.RecordOutcome(ctx, "agent-1", "loan-1", false); err != nil {
		t.Fatalf("记录违约失败: %v", err)
	}

	agent, _ := agents.Get(ctx, "agent-1")
	if agent.CreditScore != 450 {
		t.Fatalf("违约后信用分应为 450，实际 %d", agent.CreditScore)
	}
	if agent.FailedRepayments != 1 || agent.TotalLoans != 1 {
		t.Fatalf("计数器不正确: %+v", agent)
	}
	if len(chain.outcomes) != 1 || chain.outcomes[0] {
		t.Fatalf("链上镜像应记录一次失败: %+v", chain.outcomes)
	}
}

func TestRecordOutcomeRewardClampsAtCeiling(t *testing.T) {
	ctx := context.Background()
	svc, agents, _ := newTestService(t, 980)

	if err := svc.RecordOutcome(ctx, "agent-1", "loan-1", true); err != nil {
		t.Fatalf("记录结清失败: %v", err)
	}

	agent, _ := agents.Get(ctx, "agent-1")
	if agent.CreditScore != 1000 {
		t.Fatalf("信用分应封顶 1000，实际 %d", agent.CreditScore)
	}
	if agent.SuccessfulRepayments != 1 || agent.TotalLoans != 1 {
		t.Fatalf("计数器不正确: %+v", agent)
	}
}

func TestRecordOutcomeIdempotentPerLoan(t *testing.T) {
	ctx := context.Background()
	svc, agents, chain := newTestService(t, 500)

	for i := 0; i < 5; i++ {
		if err := svc.RecordOutcome(ctx, "agent-1", "loan-1", true); err != nil {
			t.Fatalf("第 %d 次信号失败: %v", i, err)
		}
	}

	agent, _ := agents.Get(ctx, "agent-1")
	if agent.CreditScore != 520 {
		t.Fatalf("重复信号只应生效一次，信用分 %d", agent.CreditScore)
	}
	if agent.TotalLoans != 1 {
		t.Fatalf("重复信号只应计数一次: %+v", agent)
	}
	if len(chain.outcomes) != 1 {
		t.Fatalf("链上镜像只应调用一次: %+v", chain.outcomes)
	}
}

func TestRecordOutcomeDifferentLoansAccumulate(t *testing.T) {
	ctx := context.Background()
	svc, agents, _ := newTestService(t, 500)

	if err := svc.RecordOutcome(ctx, "agent-1", "loan-1", true); err != nil {
		t.Fatalf("记录结清失败: %v", err)
	}
	if err := svc.RecordOutcome(ctx, "agent-1", "loan-2", false); err != nil {
		t.Fatalf("记录违约失败: %v", err)
	}

	agent, _ := agents.Get(ctx, "agent-1")
	if agent.CreditScore != 470 {
		t.Fatalf("500 +20 -50 应为 470，实际 %d", agent.CreditScore)
	}
	if agent.TotalLoans != 2 || agent.SuccessfulRepayments != 1 || agent.FailedRepayments != 1 {
		t.Fatalf("计数器不正确: %+v", agent)
	}
}

package admission

import (
	"context"
	"errors"
	"testing"

	xerrors "AgentCredit-Chain/internal/errors"
)

func newStoredAgent(t *testing.T, store Store, id string) *Agent {
	t.Helper()
	agent := &Agent{ID: id, Name: "demo", BundleRef: "bundle://" + id, CreditScore: DefaultCreditScore}
	if err := store.Create(context.Background(), agent); err != nil {
		t.Fatalf("创建智能体失败: %v", err)
	}
	return agent
}

func TestMemoryStoreClaimGatesSingleRun(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	newStoredAgent(t, store, "agent-1")

	claimed, err := store.Claim(ctx, "agent-1")
	if err != nil {
		t.Fatalf("首次领取失败: %v", err)
	}
	if claimed.Status != StatusScanning {
		t.Fatalf("期望状态 scanning，实际 %s", claimed.Status)
	}

	if _, err := store.Claim(ctx, "agent-1"); !errors.Is(err, ErrRunInFlight) {
		t.Fatalf("期望 ErrRunInFlight，实际 %v", err)
	}
}

func TestMemoryStoreClaimAfterTerminal(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	newStoredAgent(t, store, "agent-1")

	if _, err := store.Claim(ctx, "agent-1"); err != nil {
		t.Fatalf("领取失败: %v", err)
	}
	if err := store.MarkFailed(ctx, "agent-1", StatusScanFailed, CodeScanRejected, "high severity finding"); err != nil {
		t.Fatalf("标记失败状态出错: %v", err)
	}
	if _, err := store.Claim(ctx, "agent-1"); !errors.Is(err, ErrAgentTerminal) {
		t.Fatalf("期望 ErrAgentTerminal，实际 %v", err)
	}
}

func TestMemoryStoreAdvanceRejectsIllegalTransition(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	newStoredAgent(t, store, "agent-1")

	if err := store.Advance(ctx, "agent-1", StatusPending, StatusActive); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("期望 ErrInvalidTransition，实际 %v", err)
	}
	if err := store.Advance(ctx, "agent-1", StatusScanning, StatusModifying); !errors.Is(err, ErrAgentConflict) {
		t.Fatalf("期望 ErrAgentConflict，实际 %v", err)
	}
}

func TestMemoryStoreRecordRegistrationWriteOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	newStoredAgent(t, store, "agent-1")

	if err := store.RecordRegistration(ctx, "agent-1", "id-1", "0xescrow"); err != nil {
		t.Fatalf("首次记录注册信息失败: %v", err)
	}
	if err := store.RecordRegistration(ctx, "agent-1", "id-2", "0xother"); !errors.Is(err, ErrAgentConflict) {
		t.Fatalf("期望 ErrAgentConflict，实际 %v", err)
	}

	agent, err := store.Get(ctx, "agent-1")
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if agent.IdentityID != "id-1" || agent.EscrowAccount != "0xescrow" {
		t.Fatalf("注册信息被覆盖: %+v", agent)
	}
}

func TestMemoryStoreApplyOutcomeClampsScore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	newStoredAgent(t, store, "agent-1")

	for i := 0; i < 30; i++ {
		if _, err := store.ApplyOutcome(ctx, "agent-1", true, 20, 50); err != nil {
			t.Fatalf("更新信誉失败: %v", err)
		}
	}
	agent, _ := store.Get(ctx, "agent-1")
	if agent.CreditScore != 1000 {
		t.Fatalf("信用分应封顶在 1000，实际 %d", agent.CreditScore)
	}

	for i := 0; i < 30; i++ {
		if _, err := store.ApplyOutcome(ctx, "agent-1", false, 20, 50); err != nil {
			t.Fatalf("更新信誉失败: %v", err)
		}
	}
	agent, _ = store.Get(ctx, "agent-1")
	if agent.CreditScore != 0 {
		t.Fatalf("信用分下限应为 0，实际 %d", agent.CreditScore)
	}
	if agent.TotalLoans != 60 || agent.SuccessfulRepayments != 30 || agent.FailedRepayments != 30 {
		t.Fatalf("计数器不一致: %+v", agent)
	}
}

func TestMemoryStoreListFiltersByStatus(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	newStoredAgent(t, store, "agent-1")
	newStoredAgent(t, store, "agent-2")

	if _, err := store.Claim(ctx, "agent-2"); err != nil {
		t.Fatalf("领取失败: %v", err)
	}

	pending, err := store.List(ctx, ListOptions{Statuses: []Status{StatusPending}})
	if err != nil {
		t.Fatalf("查询列表失败: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "agent-1" {
		t.Fatalf("状态过滤结果不正确: %+v", pending)
	}
}

func TestMemoryStoreMarkFailedRejectsNonTerminal(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	newStoredAgent(t, store, "agent-1")

	err := store.MarkFailed(ctx, "agent-1", StatusActive, xerrors.CodeUnknown, "boom")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("期望 ErrInvalidTransition，实际 %v", err)
	}
}

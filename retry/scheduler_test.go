package retry

import (
	"context"
	"testing"
	"time"

	"github.com/anchorledger/custody-core/core"
)

func testRetryConfig() core.RetryConfig {
	policy := core.RetryPolicyConfig{
		MaxRetries:        3,
		BaseDelayMS:       1000,
		MaxDelayMS:        30_000,
		BackoffMultiplier: 2,
	}
	return core.RetryConfig{Deposit: policy, Withdrawal: policy, Exchange: policy}
}

func newTestScheduler(t *testing.T, at *time.Time) *Scheduler {
	t.Helper()
	return NewScheduler(testRetryConfig(), WithClock(func() time.Time { return *at }))
}

func TestDelayGrowsAndCaps(t *testing.T) {
	policy := core.RetryPolicyConfig{BaseDelayMS: 1000, MaxDelayMS: 30_000, BackoffMultiplier: 2}
	if got := Delay(policy, "op", 1); got != time.Second {
		t.Fatalf("attempt 1: expected 1s, got %s", got)
	}
	if got := Delay(policy, "op", 3); got != 4*time.Second {
		t.Fatalf("attempt 3: expected 4s, got %s", got)
	}
	if got := Delay(policy, "op", 10); got != 30*time.Second {
		t.Fatalf("attempt 10: expected cap 30s, got %s", got)
	}
}

func TestDelayJitterDeterministicAndBounded(t *testing.T) {
	policy := core.RetryPolicyConfig{BaseDelayMS: 10_000, MaxDelayMS: 60_000, BackoffMultiplier: 2, JitterEnabled: true}

	first := Delay(policy, "op-123", 1)
	second := Delay(policy, "op-123", 1)
	if first != second {
		t.Fatalf("jitter must be deterministic: %s vs %s", first, second)
	}
	if first < 7500*time.Millisecond || first >= 12_500*time.Millisecond {
		t.Fatalf("jittered delay out of bounds: %s", first)
	}
	if other := Delay(policy, "op-456", 1); other == first {
		// Different ids may collide on a bucket; a second id breaking the
		// tie is enough to show the spread is keyed on the id.
		if third := Delay(policy, "op-789", 1); third == first {
			t.Fatalf("jitter appears constant across operations: %s", first)
		}
	}
}

func TestSchedulerLifecycle(t *testing.T) {
	at := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	s := newTestScheduler(t, &at)
	ctx := context.Background()
	op := core.Operation{ID: "op-1", Kind: core.OperationKindBtcDeposit}

	entry, ok := s.Schedule(ctx, op, "mint_tokens", 1, core.ErrorKindContractTimeout)
	if !ok {
		t.Fatal("expected retryable failure to schedule")
	}
	if entry.Attempt != 2 {
		t.Fatalf("expected attempt 2, got %d", entry.Attempt)
	}
	if entry.DueAt != at.Add(2*time.Second) {
		t.Fatalf("expected due at +2s, got %s", entry.DueAt.Sub(at))
	}

	if due := s.Ready(); len(due) != 0 {
		t.Fatalf("nothing should be due yet, got %d", len(due))
	}
	at = at.Add(3 * time.Second)
	due := s.Ready()
	if len(due) != 1 || due[0].OperationID != "op-1" {
		t.Fatalf("expected op-1 due, got %+v", due)
	}
	if s.PendingCount() != 0 {
		t.Fatal("ready entries must be removed")
	}
}

func TestSchedulerRejectsPermanentKinds(t *testing.T) {
	at := time.Now().UTC()
	s := newTestScheduler(t, &at)
	op := core.Operation{ID: "op-1", Kind: core.OperationKindTokenWithdrawal}

	if _, ok := s.Schedule(context.Background(), op, "check", 1, core.ErrorKindBlacklisted); ok {
		t.Fatal("permanent kinds must not schedule retries")
	}
}

func TestSchedulerExhaustsBudget(t *testing.T) {
	at := time.Now().UTC()
	s := newTestScheduler(t, &at)
	op := core.Operation{ID: "op-1", Kind: core.OperationKindBtcDeposit}

	if _, ok := s.Schedule(context.Background(), op, "mint", 3, core.ErrorKindContractTimeout); ok {
		t.Fatal("expected exhaustion at max retries")
	}
	if _, ok := s.Schedule(context.Background(), op, "mint", 2, core.ErrorKindContractTimeout); !ok {
		t.Fatal("attempt below budget must schedule")
	}
}

func TestSchedulerCancel(t *testing.T) {
	at := time.Now().UTC()
	s := newTestScheduler(t, &at)
	op := core.Operation{ID: "op-1", Kind: core.OperationKindBtcDeposit}

	if _, ok := s.Schedule(context.Background(), op, "mint", 1, core.ErrorKindCallFailed); !ok {
		t.Fatal("schedule failed")
	}
	s.Cancel("op-1")
	if s.PendingCount() != 0 {
		t.Fatal("cancel must drop the pending entry")
	}
	if _, ok := s.NextDue(); ok {
		t.Fatal("no due time expected after cancel")
	}
}

func TestSchedulerNextDue(t *testing.T) {
	at := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	s := newTestScheduler(t, &at)
	ctx := context.Background()

	s.Schedule(ctx, core.Operation{ID: "op-a", Kind: core.OperationKindBtcDeposit}, "mint", 2, core.ErrorKindCallFailed)
	s.Schedule(ctx, core.Operation{ID: "op-b", Kind: core.OperationKindBtcDeposit}, "mint", 1, core.ErrorKindCallFailed)

	due, ok := s.NextDue()
	if !ok {
		t.Fatal("expected a due time")
	}
	if due != at.Add(2*time.Second) {
		t.Fatalf("expected earliest at +2s, got %s", due.Sub(at))
	}
}

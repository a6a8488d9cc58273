package compliance

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/anchorledger/custody-core/chain"
	"github.com/anchorledger/custody-core/core"
	"github.com/anchorledger/custody-core/limits"
)

func scriptAccountStatus(t *testing.T, ledger *chain.FakeLedger, status accountStatus) {
	t.Helper()
	raw, err := json.Marshal(status)
	if err != nil {
		t.Fatalf("marshal status: %v", err)
	}
	ledger.ScriptFunction("get_account_status", chain.Script{
		Result: core.InvokeResult{OK: true, ReturnValue: raw},
	})
}

func newTestGateway(t *testing.T, registry core.TierRegistry, options ...GatewayOption) *Gateway {
	t.Helper()
	tracker, err := limits.NewTracker(core.NewMemoryUsageStore())
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	gateway, err := NewGateway(registry, tracker, options...)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return gateway
}

func TestChainTierRegistryResolvesTier(t *testing.T) {
	ledger := chain.NewFakeLedger()
	scriptAccountStatus(t, ledger, accountStatus{Tier: 2})

	registry, err := NewChainTierRegistry(ledger, "CREG")
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	tier, err := registry.TierFor(context.Background(), "GALICE")
	if err != nil {
		t.Fatalf("tier for: %v", err)
	}
	if tier.Code != 2 || tier.DailyCap != 10_000_000 {
		t.Fatalf("expected tier 2 defaults, got %+v", tier)
	}
}

func TestChainTierRegistryBlacklist(t *testing.T) {
	ledger := chain.NewFakeLedger()
	scriptAccountStatus(t, ledger, accountStatus{Tier: 2, Blacklisted: true})

	registry, _ := NewChainTierRegistry(ledger, "CREG")
	_, err := registry.TierFor(context.Background(), "GMALLORY")
	if core.KindOf(err) != core.ErrorKindBlacklisted {
		t.Fatalf("expected blacklisted, got %v", err)
	}
}

func TestChainTierRegistryUnregisteredPrincipal(t *testing.T) {
	ledger := chain.NewFakeLedger()
	ledger.ScriptFunction("get_account_status", chain.Script{
		Result: core.InvokeResult{OK: false, ErrKind: core.ErrorKindContractNotFound, ErrMessage: "no such account"},
	})

	registry, _ := NewChainTierRegistry(ledger, "CREG")
	_, err := registry.TierFor(context.Background(), "GNOBODY")
	if core.KindOf(err) != core.ErrorKindDeniedByRegistry {
		t.Fatalf("expected denied_by_registry, got %v", err)
	}
}

func TestMinTierLowerWins(t *testing.T) {
	a := core.Tier{Code: 3, DailyCap: 100, MonthlyCap: 1000}
	b := core.Tier{Code: 2, DailyCap: 500, MonthlyCap: 400}
	merged := MinTier(a, b)
	if merged.Code != 2 {
		t.Fatalf("expected lower code 2, got %d", merged.Code)
	}
	if merged.DailyCap != 100 || merged.MonthlyCap != 400 {
		t.Fatalf("expected stricter caps 100/400, got %d/%d", merged.DailyCap, merged.MonthlyCap)
	}
	if got := MinTier(core.Tier{Code: 4}, core.Tier{Code: 2, DailyCap: 50}); got.DailyCap != 50 {
		t.Fatalf("zero cap must yield to a concrete cap, got %d", got.DailyCap)
	}
}

func TestGatewayApproves(t *testing.T) {
	ledger := chain.NewFakeLedger()
	scriptAccountStatus(t, ledger, accountStatus{Tier: 2})
	registry, _ := NewChainTierRegistry(ledger, "CREG")
	gateway := newTestGateway(t, registry)

	decision, err := gateway.Check(context.Background(), "GALICE", core.OperationClassDeposit, 1_000_000)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !decision.Approved || decision.Tier.Code != 2 {
		t.Fatalf("expected approval at tier 2, got %+v", decision)
	}
	if decision.LimitRemaining != 10_000_000 {
		t.Fatalf("expected full daily headroom, got %d", decision.LimitRemaining)
	}
}

func TestGatewayEnhancedVerificationThreshold(t *testing.T) {
	ledger := chain.NewFakeLedger()
	scriptAccountStatus(t, ledger, accountStatus{Tier: 1})
	registry, _ := NewChainTierRegistry(ledger, "CREG")
	gateway := newTestGateway(t, registry)

	decision, err := gateway.Check(context.Background(), "GALICE", core.OperationClassWithdrawal, 600_000)
	if core.KindOf(err) != core.ErrorKindInsufficientTier {
		t.Fatalf("expected insufficient_tier, got %v", err)
	}
	if decision.Approved || decision.Reason != "enhanced_verification_required" {
		t.Fatalf("unexpected decision %+v", decision)
	}
}

func TestGatewayStrictModeRejectsOnOutage(t *testing.T) {
	ledger := chain.NewFakeLedger()
	ledger.ScriptFunction("get_account_status", chain.Script{
		Result: core.InvokeResult{OK: false, ErrKind: core.ErrorKindExternalUnavailable, ErrMessage: "rpc down"},
	})
	registry, _ := NewChainTierRegistry(ledger, "CREG")
	gateway := newTestGateway(t, registry, WithStrictMode(true))

	decision, err := gateway.Check(context.Background(), "GALICE", core.OperationClassDeposit, 100)
	if core.KindOf(err) != core.ErrorKindRegistryUnavailable {
		t.Fatalf("expected registry_unavailable, got %v", err)
	}
	if decision.Approved {
		t.Fatal("strict mode must reject on outage")
	}
}

func TestGatewayFallbackTierOnOutage(t *testing.T) {
	ledger := chain.NewFakeLedger()
	for i := 0; i < 2; i++ {
		ledger.ScriptFunction("get_account_status", chain.Script{
			Result: core.InvokeResult{OK: false, ErrKind: core.ErrorKindExternalUnavailable, ErrMessage: "rpc down"},
		})
	}
	registry, _ := NewChainTierRegistry(ledger, "CREG")
	gateway := newTestGateway(t, registry)

	decision, err := gateway.Check(context.Background(), "GALICE", core.OperationClassDeposit, 100)
	if err != nil {
		t.Fatalf("expected degraded approval: %v", err)
	}
	if !decision.Approved || decision.Tier.Code != 1 {
		t.Fatalf("expected fallback tier 1, got %+v", decision)
	}

	// Fallback caps still bind.
	oversized, err := gateway.Check(context.Background(), "GALICE", core.OperationClassDeposit, 600_000)
	if core.KindOf(err) != core.ErrorKindInsufficientTier {
		t.Fatalf("expected threshold rejection under fallback, got %v", err)
	}
	if oversized.Approved {
		t.Fatal("fallback tier must not approve large amounts")
	}
}

func TestGatewayChargesLimits(t *testing.T) {
	ledger := chain.NewFakeLedger()
	registry, _ := NewChainTierRegistry(ledger, "CREG")
	gateway := newTestGateway(t, registry)

	for i := 0; i < 3; i++ {
		scriptAccountStatus(t, ledger, accountStatus{Tier: 2})
	}
	ctx := context.Background()

	if _, err := gateway.Check(ctx, "GALICE", core.OperationClassDeposit, 4_000_000); err != nil {
		t.Fatalf("check: %v", err)
	}
	if err := gateway.RecordUsage(ctx, "GALICE", core.OperationClassDeposit, 4_000_000); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := gateway.RecordUsage(ctx, "GALICE", core.OperationClassDeposit, 4_000_000); err != nil {
		t.Fatalf("record: %v", err)
	}

	_, err := gateway.Check(ctx, "GALICE", core.OperationClassDeposit, 4_000_000)
	if core.KindOf(err) != core.ErrorKindLimitExceeded {
		t.Fatalf("expected limit_exceeded after 8M of 10M cap, got %v", err)
	}
	if _, err := gateway.Check(ctx, "GALICE", core.OperationClassDeposit, 2_000_000); err != nil {
		t.Fatalf("expected remaining 2M to pass: %v", err)
	}
}

func TestGatewaySecondaryRegistryLowerTierWins(t *testing.T) {
	primary := chain.NewFakeLedger()
	scriptAccountStatus(t, primary, accountStatus{Tier: 3})
	secondary := chain.NewFakeLedger()
	scriptAccountStatus(t, secondary, accountStatus{Tier: 1})

	primaryReg, _ := NewChainTierRegistry(primary, "CREG")
	secondaryReg, _ := NewChainTierRegistry(secondary, "CDOCS")
	gateway := newTestGateway(t, primaryReg, WithSecondaryRegistry(secondaryReg))

	decision, err := gateway.Check(context.Background(), "GALICE", core.OperationClassDeposit, 100)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if decision.Tier.Code != 1 {
		t.Fatalf("expected lower tier 1 to win, got %d", decision.Tier.Code)
	}
}

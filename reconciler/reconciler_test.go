package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/anchorledger/custody-core/chain"
	"github.com/anchorledger/custody-core/core"
)

func testReconcilerConfig() core.ReconcilerConfig {
	return core.ReconcilerConfig{
		ToleranceBP:      10,
		MaxDiscrepancyBP: 100,
		HaltOnBreach:     true,
		ExpectedRatioBP:  10_000,
	}
}

func testChainConfig() core.ChainConfig {
	return core.ChainConfig{ReserveContract: "CRES", TokenContract: "CTOKEN"}
}

func newTestReconciler(t *testing.T, ledger *chain.FakeLedger, options ...Option) (*Reconciler, *core.MemoryReconciliationStore, *core.EmergencySwitch, *core.MemoryAlertSink) {
	t.Helper()
	store := core.NewMemoryReconciliationStore()
	halt := core.NewEmergencySwitch()
	alerts := core.NewMemoryAlertSink()
	options = append([]Option{WithAlerts(alerts)}, options...)
	reconciler, err := New(testReconcilerConfig(), testChainConfig(), ledger, store, halt, options...)
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	return reconciler, store, halt, alerts
}

func TestRunBalanced(t *testing.T) {
	ledger := chain.NewFakeLedger()
	ledger.SetReserves(1_000_000)
	ledger.SetSupply(1_000_000)
	reconciler, store, halt, alerts := newTestReconciler(t, ledger)

	result, err := reconciler.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Status != core.ReconciliationStatusBalanced {
		t.Fatalf("expected balanced, got %q", result.Status)
	}
	if result.ActualRatioBP != 10_000 || result.DiscrepancyBP != 0 {
		t.Fatalf("expected ratio 10000/0, got %d/%d", result.ActualRatioBP, result.DiscrepancyBP)
	}
	if halt.Engaged() {
		t.Fatalf("expected no halt for a balanced book")
	}
	if len(alerts.Alerts()) != 0 {
		t.Fatalf("expected no alerts, got %+v", alerts.Alerts())
	}

	latest, err := store.Latest(context.Background())
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID == "" || latest.Status != core.ReconciliationStatusBalanced {
		t.Fatalf("expected stored result, got %+v", latest)
	}
}

func TestRunWithinTolerance(t *testing.T) {
	ledger := chain.NewFakeLedger()
	ledger.SetReserves(1_000_500)
	ledger.SetSupply(1_000_000)
	reconciler, _, halt, alerts := newTestReconciler(t, ledger)

	result, err := reconciler.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Status != core.ReconciliationStatusWithinTolerance {
		t.Fatalf("expected within_tolerance, got %q", result.Status)
	}
	if result.DiscrepancyBP != 5 {
		t.Fatalf("expected +5 bp, got %d", result.DiscrepancyBP)
	}
	if halt.Engaged() || len(alerts.Alerts()) != 0 {
		t.Fatalf("tolerated drift must not alert or halt")
	}
}

func TestRunDiscrepancyRaisesAlert(t *testing.T) {
	ledger := chain.NewFakeLedger()
	ledger.SetReserves(995_000)
	ledger.SetSupply(1_000_000)
	reconciler, _, halt, alerts := newTestReconciler(t, ledger)

	result, err := reconciler.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Status != core.ReconciliationStatusDiscrepancy {
		t.Fatalf("expected discrepancy_detected, got %q", result.Status)
	}
	if result.DiscrepancyBP != -50 {
		t.Fatalf("expected -50 bp, got %d", result.DiscrepancyBP)
	}
	if halt.Engaged() {
		t.Fatalf("expected no halt below the breach threshold")
	}
	raised := alerts.Alerts()
	if len(raised) != 1 || raised[0].Severity != core.AlertSeverityWarning {
		t.Fatalf("expected one warning alert, got %+v", raised)
	}
}

func TestRunBreachEngagesHalt(t *testing.T) {
	ledger := chain.NewFakeLedger()
	ledger.SetReserves(900_000)
	ledger.SetSupply(1_000_000)
	reconciler, _, halt, alerts := newTestReconciler(t, ledger)

	result, err := reconciler.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Status != core.ReconciliationStatusEmergencyHalt {
		t.Fatalf("expected emergency_halt, got %q", result.Status)
	}
	if !halt.Engaged() {
		t.Fatalf("expected emergency switch engaged")
	}
	if reason, _ := halt.Reason(); reason == "" {
		t.Fatalf("expected halt reason recorded")
	}
	raised := alerts.Alerts()
	if len(raised) != 1 || raised[0].Severity != core.AlertSeverityCritical {
		t.Fatalf("expected one critical alert, got %+v", raised)
	}
}

func TestRunBreachWithoutHaltOnBreach(t *testing.T) {
	ledger := chain.NewFakeLedger()
	ledger.SetReserves(900_000)
	ledger.SetSupply(1_000_000)

	store := core.NewMemoryReconciliationStore()
	halt := core.NewEmergencySwitch()
	cfg := testReconcilerConfig()
	cfg.HaltOnBreach = false
	reconciler, err := New(cfg, testChainConfig(), ledger, store, halt)
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}

	result, err := reconciler.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Status != core.ReconciliationStatusEmergencyHalt {
		t.Fatalf("expected emergency_halt classification, got %q", result.Status)
	}
	if halt.Engaged() {
		t.Fatalf("halt_on_breach disabled must leave the switch released")
	}
}

func TestRunZeroSupply(t *testing.T) {
	ledger := chain.NewFakeLedger()
	reconciler, _, halt, _ := newTestReconciler(t, ledger)

	result, err := reconciler.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Status != core.ReconciliationStatusBalanced {
		t.Fatalf("expected an empty book to be balanced, got %q", result.Status)
	}
	if halt.Engaged() {
		t.Fatalf("expected no halt for an empty book")
	}

	// Reserves with no issued supply saturate the ratio and halt.
	ledger.SetReserves(10_000)
	result, err = reconciler.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Status != core.ReconciliationStatusEmergencyHalt {
		t.Fatalf("expected emergency_halt for unbacked reserves, got %q", result.Status)
	}
}

func TestRunProofDigestIsDeterministic(t *testing.T) {
	ledger := chain.NewFakeLedger()
	ledger.SetReserves(1_000_000)
	ledger.SetSupply(1_000_000)
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	reconciler, store, _, _ := newTestReconciler(t, ledger, WithClock(func() time.Time { return at }))

	result, err := reconciler.RunProof(context.Background())
	if err != nil {
		t.Fatalf("run proof: %v", err)
	}
	want := ProofDigest(1_000_000, 1_000_000, 10_000, at)
	if result.ProofDigest != want {
		t.Fatalf("expected digest %s, got %s", want, result.ProofDigest)
	}
	if len(result.ProofDigest) != 64 {
		t.Fatalf("expected a hex sha-256, got %q", result.ProofDigest)
	}

	// Plain runs carry no proof.
	plain, err := reconciler.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if plain.ProofDigest != "" {
		t.Fatalf("expected no digest on a plain run, got %q", plain.ProofDigest)
	}
	latest, err := store.Latest(context.Background())
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ProofDigest != "" {
		t.Fatalf("expected latest to be the plain run, got %+v", latest)
	}
}

func TestAcknowledge(t *testing.T) {
	ledger := chain.NewFakeLedger()
	ledger.SetReserves(995_000)
	ledger.SetSupply(1_000_000)
	reconciler, store, _, _ := newTestReconciler(t, ledger)

	result, err := reconciler.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := reconciler.Acknowledge(context.Background(), result.ID, "compliance:amara"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	latest, err := store.Latest(context.Background())
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.AcknowledgedBy != "compliance:amara" || latest.AcknowledgedAt == nil {
		t.Fatalf("expected acknowledgement recorded, got %+v", latest)
	}
}

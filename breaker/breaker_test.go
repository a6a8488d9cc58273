package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/anchorledger/custody-core/core"
)

func testConfig() core.BreakerConfig {
	return core.BreakerConfig{
		FailureThreshold:   3,
		SuccessThreshold:   2,
		MonitoringWindowMS: 60_000,
		OpenTimeoutMS:      120_000,
	}
}

type fakeClock struct {
	at time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{at: time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time { return c.at }

func (c *fakeClock) advance(d time.Duration) { c.at = c.at.Add(d) }

func TestBreakerTripsAtThreshold(t *testing.T) {
	clock := newFakeClock()
	b := New("reserve", testConfig(), clock.now)

	for i := 0; i < 2; i++ {
		if tripped := b.RecordFailure(core.ErrorKindContractTimeout, "timeout"); tripped {
			t.Fatalf("tripped early at failure %d", i+1)
		}
	}
	if !b.RecordFailure(core.ErrorKindContractTimeout, "timeout") {
		t.Fatal("expected third failure to trip")
	}
	if err := b.Allow(); core.KindOf(err) != core.ErrorKindCircuitOpen {
		t.Fatalf("expected circuit_open, got %v", err)
	}
}

func TestBreakerIgnoresNonHealthFailures(t *testing.T) {
	b := New("compliance", testConfig(), newFakeClock().now)
	for i := 0; i < 10; i++ {
		if b.RecordFailure(core.ErrorKindBlacklisted, "blacklisted") {
			t.Fatal("blacklist rejections must not trip the breaker")
		}
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("expected closed breaker: %v", err)
	}
}

func TestBreakerWindowExpiry(t *testing.T) {
	clock := newFakeClock()
	b := New("reserve", testConfig(), clock.now)

	b.RecordFailure(core.ErrorKindCallFailed, "x")
	b.RecordFailure(core.ErrorKindCallFailed, "x")
	clock.advance(61 * time.Second)
	if b.RecordFailure(core.ErrorKindCallFailed, "x") {
		t.Fatal("stale failures outside the window must not count")
	}
	if got := b.Snapshot().WindowFailures; got != 1 {
		t.Fatalf("expected 1 windowed failure, got %d", got)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	clock := newFakeClock()
	b := New("reserve", testConfig(), clock.now)

	for i := 0; i < 3; i++ {
		b.RecordFailure(core.ErrorKindContractTimeout, "timeout")
	}
	if err := b.Allow(); err == nil {
		t.Fatal("expected open breaker to reject")
	}

	clock.advance(121 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("expected probe admission after cool-down: %v", err)
	}
	if b.Snapshot().State != StateHalfOpen {
		t.Fatalf("expected half_open, got %q", b.Snapshot().State)
	}

	b.RecordSuccess()
	if b.Snapshot().State != StateHalfOpen {
		t.Fatal("one probe success must not close yet")
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	b.RecordSuccess()
	if b.Snapshot().State != StateClosed {
		t.Fatalf("expected closed after success threshold, got %q", b.Snapshot().State)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := New("reserve", testConfig(), clock.now)

	for i := 0; i < 3; i++ {
		b.RecordFailure(core.ErrorKindContractTimeout, "timeout")
	}
	clock.advance(121 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe admission: %v", err)
	}
	if !b.RecordFailure(core.ErrorKindCallFailed, "still broken") {
		t.Fatal("probe failure must re-open")
	}
	if err := b.Allow(); err == nil {
		t.Fatal("cool-down restarts after a failed probe")
	}
	clock.advance(121 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("expected probe after restarted cool-down: %v", err)
	}
}

func TestBreakerHalfOpenNonHealthFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := New("bitcoin_network", testConfig(), clock.now)

	for i := 0; i < 3; i++ {
		b.RecordFailure(core.ErrorKindContractTimeout, "timeout")
	}
	clock.advance(121 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe admission: %v", err)
	}

	// An auth rejection never counts toward the closed window, but a failed
	// probe is still a failed probe: the breaker must re-open rather than
	// hold the slot and starve every later Allow.
	if !b.RecordFailure(core.ErrorKindUnauthorized, "bad credentials") {
		t.Fatal("half-open failure must re-open regardless of kind")
	}
	if got := b.Snapshot().State; got != StateOpen {
		t.Fatalf("expected open, got %q", got)
	}
	if err := b.Allow(); core.KindOf(err) != core.ErrorKindCircuitOpen {
		t.Fatalf("expected circuit_open during restarted cool-down, got %v", err)
	}

	clock.advance(121 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("expected admission after restarted cool-down: %v", err)
	}
	b.RecordSuccess()
	if err := b.Allow(); err != nil {
		t.Fatalf("second admission: %v", err)
	}
	b.RecordSuccess()
	if got := b.Snapshot().State; got != StateClosed {
		t.Fatalf("expected closed after recovery, got %q", got)
	}
}

func TestBreakerHalfOpenBoundsProbes(t *testing.T) {
	clock := newFakeClock()
	b := New("reserve", testConfig(), clock.now)

	for i := 0; i < 3; i++ {
		b.RecordFailure(core.ErrorKindContractTimeout, "timeout")
	}
	clock.advance(121 * time.Second)

	if err := b.Allow(); err != nil {
		t.Fatalf("first probe: %v", err)
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if err := b.Allow(); err == nil {
		t.Fatal("expected probe limit at success threshold")
	}
}

func TestRegistryForceControls(t *testing.T) {
	registry := NewRegistry(core.BreakersConfig{
		Compliance:     testConfig(),
		Reserve:        testConfig(),
		BitcoinNetwork: testConfig(),
		Oracle:         testConfig(),
	})
	ctx := context.Background()

	if err := registry.ForceOpen(ctx, ServiceBitcoinNetwork, "maintenance window"); err != nil {
		t.Fatalf("force open: %v", err)
	}
	if err := registry.Allow(ctx, ServiceBitcoinNetwork); core.KindOf(err) != core.ErrorKindCircuitOpen {
		t.Fatalf("expected forced rejection, got %v", err)
	}
	if err := registry.ForceClose(ctx, ServiceBitcoinNetwork); err != nil {
		t.Fatalf("force close: %v", err)
	}
	if err := registry.Allow(ctx, ServiceBitcoinNetwork); err != nil {
		t.Fatalf("expected admission after force close: %v", err)
	}
	if err := registry.ForceOpen(ctx, "database", "nope"); err == nil {
		t.Fatal("expected unknown service rejection")
	}
}

func TestRegistryDoRecordsOutcomes(t *testing.T) {
	alerts := core.NewMemoryAlertSink()
	registry := NewRegistry(core.BreakersConfig{
		Compliance:     core.BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, MonitoringWindowMS: 60_000, OpenTimeoutMS: 60_000},
		Reserve:        testConfig(),
		BitcoinNetwork: testConfig(),
		Oracle:         testConfig(),
	}, WithRegistryAlerts(alerts))
	ctx := context.Background()

	boom := core.NewError(core.ErrorKindExternalUnavailable, "registry down")
	for i := 0; i < 2; i++ {
		if err := registry.Do(ctx, ServiceCompliance, func(context.Context) error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("expected downstream error passthrough, got %v", err)
		}
	}
	err := registry.Do(ctx, ServiceCompliance, func(context.Context) error { return nil })
	if core.KindOf(err) != core.ErrorKindCircuitOpen {
		t.Fatalf("expected circuit_open rejection, got %v", err)
	}
	if len(alerts.Alerts()) != 1 || alerts.Alerts()[0].Kind != "circuit_opened" {
		t.Fatalf("expected a trip alert, got %+v", alerts.Alerts())
	}
}

func TestRegistrySnapshotsSorted(t *testing.T) {
	registry := NewRegistry(core.BreakersConfig{})
	snaps := registry.Snapshots()
	if len(snaps) != 4 {
		t.Fatalf("expected 4 breakers, got %d", len(snaps))
	}
	for i := 1; i < len(snaps); i++ {
		if snaps[i-1].Service >= snaps[i].Service {
			t.Fatalf("snapshots not sorted: %q before %q", snaps[i-1].Service, snaps[i].Service)
		}
	}
}

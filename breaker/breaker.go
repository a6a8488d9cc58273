package breaker

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/anchorledger/custody-core/core"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Snapshot is the externally visible view of one breaker, used by admin
// surfaces and tests.
type Snapshot struct {
	Service        string
	State          State
	WindowFailures int
	ProbeSuccesses int
	OpenedAt       time.Time
	RetryAfter     time.Duration
	Forced         bool
	LastError      string
}

// Breaker guards one downstream service. Failures are counted over a
// sliding window; only health-impacting kinds count. Half-open admits a
// bounded number of probe calls.
type Breaker struct {
	service string
	cfg     core.BreakerConfig
	now     func() time.Time

	mu             sync.Mutex
	state          State
	failures       []time.Time
	openedAt       time.Time
	probeSuccesses int
	probesInFlight int
	forced         bool
	lastError      string
}

func New(service string, cfg core.BreakerConfig, now func() time.Time) *Breaker {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Breaker{
		service: strings.TrimSpace(service),
		cfg:     cfg,
		now:     now,
		state:   StateClosed,
	}
}

// Allow reports whether a call may proceed. An open breaker rejects with
// circuit_open carrying the remaining cool-down; an open breaker whose
// cool-down elapsed flips to half-open and admits a probe.
func (b *Breaker) Allow() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.forced {
			return b.rejectLocked(0)
		}
		elapsed := now.Sub(b.openedAt)
		openFor := time.Duration(b.cfg.OpenTimeoutMS) * time.Millisecond
		if elapsed < openFor {
			return b.rejectLocked(openFor - elapsed)
		}
		b.toHalfOpenLocked()
		b.probesInFlight++
		return nil
	case StateHalfOpen:
		if b.probesInFlight >= b.maxProbes() {
			return b.rejectLocked(0)
		}
		b.probesInFlight++
		return nil
	}
	return nil
}

// RecordSuccess reports a completed call. In half-open, enough consecutive
// successes close the breaker and clear the window.
func (b *Breaker) RecordSuccess() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		if b.probesInFlight > 0 {
			b.probesInFlight--
		}
		b.probeSuccesses++
		if b.probeSuccesses >= b.cfg.SuccessThreshold {
			b.toClosedLocked()
		}
	case StateClosed:
		b.failures = b.failures[:0]
	}
}

// RecordFailure reports a failed call. Returns true when this failure
// tripped the breaker open.
func (b *Breaker) RecordFailure(kind core.ErrorKind, message string) bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	switch b.state {
	case StateHalfOpen:
		// A single probe failure re-opens and restarts the cool-down. The
		// health filter does not apply here: the downstream has not proven
		// itself, whatever the error kind, and the probe slot must come back.
		b.lastError = strings.TrimSpace(message)
		b.toOpenLocked(now, false)
		return true
	case StateClosed:
		// Only health-impacting kinds count toward the window; a rejected
		// request is not a sick downstream.
		if !kind.HealthImpacting() {
			return false
		}
		b.lastError = strings.TrimSpace(message)
		b.failures = append(b.pruneLocked(now), now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.toOpenLocked(now, false)
			return true
		}
	}
	return false
}

// ForceOpen pins the breaker open until ForceClose; the cool-down timer
// does not apply.
func (b *Breaker) ForceOpen(reason string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastError = strings.TrimSpace(reason)
	b.toOpenLocked(b.now(), true)
}

func (b *Breaker) ForceClose() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toClosedLocked()
}

func (b *Breaker) Snapshot() Snapshot {
	if b == nil {
		return Snapshot{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	snap := Snapshot{
		Service:        b.service,
		State:          b.state,
		WindowFailures: len(b.pruneLocked(now)),
		ProbeSuccesses: b.probeSuccesses,
		OpenedAt:       b.openedAt,
		Forced:         b.forced,
		LastError:      b.lastError,
	}
	if b.state == StateOpen && !b.forced {
		openFor := time.Duration(b.cfg.OpenTimeoutMS) * time.Millisecond
		if remaining := openFor - now.Sub(b.openedAt); remaining > 0 {
			snap.RetryAfter = remaining
		}
	}
	return snap
}

func (b *Breaker) rejectLocked(retryAfter time.Duration) error {
	metadata := map[string]any{"service": b.service}
	if retryAfter > 0 {
		metadata["retry_after_ms"] = retryAfter.Milliseconds()
	}
	return core.NewError(
		core.ErrorKindCircuitOpen,
		fmt.Sprintf("breaker: %s circuit is open", b.service),
	).WithMetadata(metadata)
}

func (b *Breaker) toOpenLocked(now time.Time, forced bool) {
	b.state = StateOpen
	b.openedAt = now
	b.forced = forced
	b.probeSuccesses = 0
	b.probesInFlight = 0
	b.failures = b.failures[:0]
}

func (b *Breaker) toHalfOpenLocked() {
	b.state = StateHalfOpen
	b.forced = false
	b.probeSuccesses = 0
	b.probesInFlight = 0
}

func (b *Breaker) toClosedLocked() {
	b.state = StateClosed
	b.forced = false
	b.openedAt = time.Time{}
	b.probeSuccesses = 0
	b.probesInFlight = 0
	b.failures = b.failures[:0]
	b.lastError = ""
}

func (b *Breaker) pruneLocked(now time.Time) []time.Time {
	window := time.Duration(b.cfg.MonitoringWindowMS) * time.Millisecond
	if window <= 0 {
		return b.failures
	}
	cutoff := now.Add(-window)
	kept := b.failures[:0]
	for _, at := range b.failures {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	b.failures = kept
	return kept
}

func (b *Breaker) maxProbes() int {
	if b.cfg.SuccessThreshold > 0 {
		return b.cfg.SuccessThreshold
	}
	return 1
}

package retry

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/anchorledger/custody-core/core"
	glog "github.com/goliatone/go-logger/glog"
)

// Entry is one pending retry. Attempt counts completed tries, so the first
// scheduled retry carries Attempt == 1.
type Entry struct {
	OperationID string
	Kind        core.OperationKind
	Step        string
	Attempt     int
	ErrorKind   core.ErrorKind
	DueAt       time.Time
}

// Scheduler tracks retry state per operation. Delays follow exponential
// backoff per workflow kind, capped, with deterministic jitter derived from
// the operation id and attempt so reschedules after a crash land on the
// same instants.
type Scheduler struct {
	cfg     core.RetryConfig
	logger  core.Logger
	metrics core.MetricsRecorder
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]Entry
}

type SchedulerOption func(*Scheduler)

func WithLogger(logger core.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(metrics core.MetricsRecorder) SchedulerOption {
	return func(s *Scheduler) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func NewScheduler(cfg core.RetryConfig, options ...SchedulerOption) *Scheduler {
	scheduler := &Scheduler{
		cfg:     cfg,
		logger:  glog.NewLogger(glog.WithName("retry")),
		metrics: core.NopMetricsRecorder{},
		now:     func() time.Time { return time.Now().UTC() },
		pending: map[string]Entry{},
	}
	for _, opt := range options {
		if opt != nil {
			opt(scheduler)
		}
	}
	return scheduler
}

func (s *Scheduler) policy(kind core.OperationKind) core.RetryPolicyConfig {
	switch kind {
	case core.OperationKindBtcDeposit:
		return s.cfg.Deposit
	case core.OperationKindTokenWithdrawal:
		return s.cfg.Withdrawal
	default:
		return s.cfg.Exchange
	}
}

// Schedule registers the next retry for an operation after a retryable
// failure. It returns the entry, or ok=false when the error kind is
// permanent or the attempt budget is spent; the caller then takes the
// rollback path.
func (s *Scheduler) Schedule(ctx context.Context, op core.Operation, step string, attempt int, errKind core.ErrorKind) (Entry, bool) {
	if s == nil {
		return Entry{}, false
	}
	if !errKind.Retryable() {
		return Entry{}, false
	}
	policy := s.policy(op.Kind)
	if attempt >= policy.MaxRetries {
		s.metrics.IncCounter(ctx, "retries_exhausted_total", 1, map[string]string{"kind": string(op.Kind)})
		return Entry{}, false
	}

	next := attempt + 1
	delay := Delay(policy, op.ID, next)
	entry := Entry{
		OperationID: op.ID,
		Kind:        op.Kind,
		Step:        strings.TrimSpace(step),
		Attempt:     next,
		ErrorKind:   errKind,
		DueAt:       s.now().Add(delay),
	}

	s.mu.Lock()
	s.pending[op.ID] = entry
	s.mu.Unlock()

	s.metrics.IncCounter(ctx, "retries_scheduled_total", 1, map[string]string{"kind": string(op.Kind)})
	s.logger.Debug("retry scheduled",
		"operation_id", op.ID,
		"step", entry.Step,
		"attempt", next,
		"delay_ms", delay.Milliseconds(),
		"error_kind", string(errKind),
	)
	return entry, true
}

// Ready removes and returns every entry due at or before now, ordered by
// due time.
func (s *Scheduler) Ready() []Entry {
	if s == nil {
		return nil
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Entry
	for id, entry := range s.pending {
		if !entry.DueAt.After(now) {
			due = append(due, entry)
			delete(s.pending, id)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DueAt.Before(due[j].DueAt) })
	return due
}

// Cancel drops any pending retry for the operation; called on success and
// on rollback.
func (s *Scheduler) Cancel(operationID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	delete(s.pending, strings.TrimSpace(operationID))
	s.mu.Unlock()
}

func (s *Scheduler) PendingCount() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// NextDue returns the earliest due time over all pending entries.
func (s *Scheduler) NextDue() (time.Time, bool) {
	if s == nil {
		return time.Time{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var earliest time.Time
	for _, entry := range s.pending {
		if earliest.IsZero() || entry.DueAt.Before(earliest) {
			earliest = entry.DueAt
		}
	}
	return earliest, !earliest.IsZero()
}

// Delay computes the backoff before the given attempt. The jitter is a
// deterministic spread of up to plus or minus 25 percent keyed on the
// operation id and attempt number.
func Delay(policy core.RetryPolicyConfig, operationID string, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(policy.BaseDelayMS)
	if base <= 0 {
		base = 1000
	}
	multiplier := policy.BackoffMultiplier
	if multiplier <= 1 {
		multiplier = 2
	}
	maxDelay := float64(policy.MaxDelayMS)
	if maxDelay <= 0 {
		maxDelay = 60_000
	}

	delay := base * math.Pow(multiplier, float64(attempt-1))
	if delay > maxDelay {
		delay = maxDelay
	}
	if policy.JitterEnabled {
		delay *= jitterFactor(operationID, attempt)
	}
	return time.Duration(delay) * time.Millisecond
}

// jitterFactor maps (operationID, attempt) onto [0.75, 1.25).
func jitterFactor(operationID string, attempt int) float64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s:%d", strings.TrimSpace(operationID), attempt)
	bucket := h.Sum64() % 1000
	return 0.75 + float64(bucket)/2000.0
}

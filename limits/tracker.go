package limits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anchorledger/custody-core/core"
	glog "github.com/goliatone/go-logger/glog"
)

const (
	dailyWindow   = 24 * time.Hour
	monthlyWindow = 30 * 24 * time.Hour
)

// Tracker enforces per-principal daily and monthly caps. Windows reset
// lazily: counters older than their window are zeroed on the next read
// instead of by a background sweeper.
type Tracker struct {
	store   core.UsageStore
	logger  core.Logger
	metrics core.MetricsRecorder
	now     func() time.Time
}

type TrackerOption func(*Tracker)

func WithLogger(logger core.Logger) TrackerOption {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func WithMetrics(metrics core.MetricsRecorder) TrackerOption {
	return func(t *Tracker) {
		if metrics != nil {
			t.metrics = metrics
		}
	}
}

func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

func NewTracker(store core.UsageStore, options ...TrackerOption) (*Tracker, error) {
	if store == nil {
		return nil, core.NewError(core.ErrorKindMisconfigured, "limits: usage store is required")
	}
	tracker := &Tracker{
		store:   store,
		logger:  glog.NewLogger(glog.WithName("limits")),
		metrics: core.NopMetricsRecorder{},
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range options {
		if opt != nil {
			opt(tracker)
		}
	}
	return tracker, nil
}

// Remaining returns how much of the tier's caps is left for the principal
// and class after lazy resets. A zero cap means uncapped.
func (t *Tracker) Remaining(ctx context.Context, principal string, class core.OperationClass, tier core.Tier) (daily uint64, monthly uint64, err error) {
	counters, err := t.load(ctx, principal, class)
	if err != nil {
		return 0, 0, err
	}
	return headroom(tier.DailyCap, counters.DailyUsed), headroom(tier.MonthlyCap, counters.MonthlyUsed), nil
}

// Check rejects the amount if it would push the principal over either cap.
func (t *Tracker) Check(ctx context.Context, principal string, class core.OperationClass, amount uint64, tier core.Tier) error {
	if t == nil {
		return core.NewError(core.ErrorKindMisconfigured, "limits: tracker is not configured")
	}
	counters, err := t.load(ctx, principal, class)
	if err != nil {
		return err
	}

	if exceeds(tier.DailyCap, counters.DailyUsed, amount) {
		t.metrics.IncCounter(ctx, "limit_rejections_total", 1, map[string]string{"class": string(class), "window": "daily"})
		return limitError(principal, class, "daily", tier.DailyCap, counters.DailyUsed, amount)
	}
	if exceeds(tier.MonthlyCap, counters.MonthlyUsed, amount) {
		t.metrics.IncCounter(ctx, "limit_rejections_total", 1, map[string]string{"class": string(class), "window": "monthly"})
		return limitError(principal, class, "monthly", tier.MonthlyCap, counters.MonthlyUsed, amount)
	}
	return nil
}

// Record charges the amount against both windows. Called only after the
// operation completes, so failed operations never consume budget.
func (t *Tracker) Record(ctx context.Context, principal string, class core.OperationClass, amount uint64) error {
	if t == nil {
		return core.NewError(core.ErrorKindMisconfigured, "limits: tracker is not configured")
	}
	counters, err := t.load(ctx, principal, class)
	if err != nil {
		return err
	}
	counters.DailyUsed += amount
	counters.MonthlyUsed += amount
	counters.UpdatedAt = t.now()
	return t.store.Upsert(ctx, counters)
}

// load fetches counters and applies lazy window resets.
func (t *Tracker) load(ctx context.Context, principal string, class core.OperationClass) (core.UsageCounters, error) {
	now := t.now()
	counters, err := t.store.Get(ctx, principal, class)
	if err != nil {
		if errors.Is(err, core.ErrUsageNotFound) {
			return core.UsageCounters{
				Principal:        principal,
				Class:            class,
				LastResetDaily:   now,
				LastResetMonthly: now,
			}, nil
		}
		return core.UsageCounters{}, err
	}

	if now.Sub(counters.LastResetDaily) >= dailyWindow {
		counters.DailyUsed = 0
		counters.LastResetDaily = now
	}
	if now.Sub(counters.LastResetMonthly) >= monthlyWindow {
		counters.MonthlyUsed = 0
		counters.LastResetMonthly = now
	}
	return counters, nil
}

func headroom(limit uint64, used uint64) uint64 {
	if limit == 0 {
		return ^uint64(0)
	}
	if used >= limit {
		return 0
	}
	return limit - used
}

func exceeds(limit uint64, used uint64, amount uint64) bool {
	if limit == 0 {
		return false
	}
	return used+amount > limit
}

func limitError(principal string, class core.OperationClass, window string, limit uint64, used uint64, amount uint64) error {
	return core.NewError(
		core.ErrorKindLimitExceeded,
		fmt.Sprintf("limits: %s %s limit exceeded", window, class),
	).WithMetadata(map[string]any{
		"principal": principal,
		"class":     string(class),
		"window":    window,
		"cap":       limit,
		"used":      used,
		"amount":    amount,
	})
}

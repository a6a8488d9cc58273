package rollback

import (
	"context"
	"fmt"
	"time"

	"github.com/anchorledger/custody-core/core"
	glog "github.com/goliatone/go-logger/glog"
)

// Unwinder executes compensation plans. It drives the operation from
// rolling_back to rolled_back, or to rolled_back_partial when any
// compensation fails; a failed critical compensation additionally raises a
// critical alert because funds are now inconsistent until an operator
// intervenes.
type Unwinder struct {
	planner *Planner
	chain   core.ChainClient
	store   core.OperationStore
	alerts  core.AlertSink
	logger  core.Logger
	metrics core.MetricsRecorder
	now     func() time.Time
}

type UnwinderOption func(*Unwinder)

func WithAlerts(alerts core.AlertSink) UnwinderOption {
	return func(u *Unwinder) {
		if alerts != nil {
			u.alerts = alerts
		}
	}
}

func WithLogger(logger core.Logger) UnwinderOption {
	return func(u *Unwinder) {
		if logger != nil {
			u.logger = logger
		}
	}
}

func WithMetrics(metrics core.MetricsRecorder) UnwinderOption {
	return func(u *Unwinder) {
		if metrics != nil {
			u.metrics = metrics
		}
	}
}

func WithClock(now func() time.Time) UnwinderOption {
	return func(u *Unwinder) {
		if now != nil {
			u.now = now
		}
	}
}

func NewUnwinder(planner *Planner, chain core.ChainClient, store core.OperationStore, options ...UnwinderOption) (*Unwinder, error) {
	if planner == nil {
		return nil, core.NewError(core.ErrorKindMisconfigured, "rollback: planner is required")
	}
	if chain == nil {
		return nil, core.NewError(core.ErrorKindMisconfigured, "rollback: chain client is required")
	}
	if store == nil {
		return nil, core.NewError(core.ErrorKindMisconfigured, "rollback: operation store is required")
	}
	unwinder := &Unwinder{
		planner: planner,
		chain:   chain,
		store:   store,
		logger:  glog.NewLogger(glog.WithName("rollback")),
		metrics: core.NopMetricsRecorder{},
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range options {
		if opt != nil {
			opt(unwinder)
		}
	}
	return unwinder, nil
}

// NeedsUnwind reports whether the operation has committed chain state
// that a rollback would have to compensate. Operations that failed before
// any compensatable step go straight to failed.
func (u *Unwinder) NeedsUnwind(op core.Operation) bool {
	if u == nil || u.planner == nil {
		return false
	}
	return len(u.planner.Plan(op)) > 0
}

// Unwind compensates every succeeded step of the operation in reverse
// order and transitions it to its terminal rollback status. The operation
// must already be in rolling_back.
func (u *Unwinder) Unwind(ctx context.Context, op core.Operation) (core.Operation, error) {
	if u == nil {
		return op, core.NewError(core.ErrorKindMisconfigured, "rollback: unwinder is not configured")
	}
	if op.Status != core.OperationStatusRollingBack {
		return op, core.NewError(
			core.ErrorKindInvalidState,
			fmt.Sprintf("rollback: operation %s is %s, expected rolling_back", op.ID, op.Status),
		)
	}

	plan := u.planner.Plan(op)
	anyFailed := false
	criticalFailed := false

	for _, planned := range plan {
		outcome := u.compensate(ctx, op, planned)
		if outcome != nil {
			anyFailed = true
			if planned.Spec.Critical {
				criticalFailed = true
			}
		}
	}

	final := core.OperationStatusRolledBack
	if anyFailed {
		final = core.OperationStatusRolledBackPartial
	}

	updated, err := u.store.Transition(ctx, op.ID, core.OperationStatusRollingBack, final, nil)
	if err != nil {
		return op, err
	}

	u.metrics.IncCounter(ctx, "rollbacks_total", 1, map[string]string{
		"kind":    string(op.Kind),
		"outcome": string(final),
	})
	if criticalFailed {
		u.raiseCritical(ctx, op)
	}
	u.logger.Info("rollback finished",
		"operation_id", op.ID,
		"kind", string(op.Kind),
		"compensations", len(plan),
		"outcome", string(final),
	)
	return updated, nil
}

// compensate runs one compensation and appends its step record. A non-nil
// return means the compensated state is still on chain.
func (u *Unwinder) compensate(ctx context.Context, op core.Operation, planned Planned) error {
	started := u.now()
	var args []any
	if planned.Spec.BuildArgs != nil {
		args = planned.Spec.BuildArgs(op, planned.Step)
	}

	result, err := u.chain.Invoke(ctx, core.InvokeRequest{
		ContractID: planned.Spec.ContractID,
		Function:   planned.Spec.Function,
		Args:       args,
	})

	record := core.StepRecord{
		Service:   planned.Spec.Service,
		Name:      planned.Spec.Function,
		Outcome:   core.StepOutcomeCompensated,
		StartedAt: started,
		EndedAt:   u.now(),
	}

	var failure error
	switch {
	case err != nil:
		failure = err
		record.Outcome = core.StepOutcomeFailed
		record.ErrorKind = string(core.KindOf(err))
	case !result.OK:
		failure = core.NewError(result.ErrKind, result.ErrMessage)
		record.Outcome = core.StepOutcomeFailed
		record.ErrorKind = string(result.ErrKind)
		record.TxHash = result.TxHash
	default:
		record.TxHash = result.TxHash
		record.GasUsed = result.GasUsed
	}

	if appendErr := u.store.AppendStep(ctx, op.ID, record); appendErr != nil {
		u.logger.Error("record compensation step",
			"operation_id", op.ID,
			"function", planned.Spec.Function,
			"error", appendErr,
		)
	}
	if failure != nil {
		u.logger.Error("compensation failed",
			"operation_id", op.ID,
			"step", planned.Step.Name,
			"function", planned.Spec.Function,
			"critical", planned.Spec.Critical,
			"error", failure,
		)
	}
	return failure
}

func (u *Unwinder) raiseCritical(ctx context.Context, op core.Operation) {
	if u.alerts == nil {
		return
	}
	alert := core.Alert{
		Kind:     "rollback_partial",
		Severity: core.AlertSeverityCritical,
		Message:  fmt.Sprintf("critical compensation failed for operation %s; manual intervention required", op.ID),
		Metadata: map[string]any{
			"operation_id": op.ID,
			"kind":         string(op.Kind),
			"principal":    op.Principal,
		},
		OccurredAt: u.now(),
	}
	if err := u.alerts.Raise(ctx, alert); err != nil {
		u.logger.Error("raise rollback alert", "operation_id", op.ID, "error", err)
	}
}

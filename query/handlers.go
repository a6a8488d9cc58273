package query

import (
	"context"
	"time"

	"github.com/anchorledger/custody-core/breaker"
	"github.com/anchorledger/custody-core/core"
	"github.com/anchorledger/custody-core/monitor"
)

// OperationReader is the read side of core.OperationStore.
type OperationReader interface {
	Get(ctx context.Context, id string) (core.Operation, error)
	LookupByExternalRef(ctx context.Context, kind core.OperationKind, externalRef string) (core.Operation, error)
}

// BreakerReader is satisfied by *breaker.Registry.
type BreakerReader interface {
	Snapshots() []breaker.Snapshot
}

// ReconciliationReader is satisfied by *reconciler.Reconciler and by any
// core.ReconciliationStore.
type ReconciliationReader interface {
	Latest(ctx context.Context) (core.ReconciliationResult, error)
}

// MonitorReader is satisfied by *monitor.Monitor.
type MonitorReader interface {
	Stats() monitor.Stats
	Paused() (bool, string)
}

// HaltReader is satisfied by *core.EmergencySwitch.
type HaltReader interface {
	Engaged() bool
	Reason() (string, time.Time)
}

type GetOperationQuery struct {
	reader OperationReader
}

func NewGetOperationQuery(reader OperationReader) *GetOperationQuery {
	return &GetOperationQuery{reader: reader}
}

func (q *GetOperationQuery) Query(ctx context.Context, msg GetOperationMessage) (core.Operation, error) {
	if q == nil || q.reader == nil {
		return core.Operation{}, queryDependencyError("query: operation reader is required")
	}
	return q.reader.Get(ctx, msg.OperationID)
}

type LookupOperationQuery struct {
	reader OperationReader
}

func NewLookupOperationQuery(reader OperationReader) *LookupOperationQuery {
	return &LookupOperationQuery{reader: reader}
}

func (q *LookupOperationQuery) Query(ctx context.Context, msg LookupOperationMessage) (core.Operation, error) {
	if q == nil || q.reader == nil {
		return core.Operation{}, queryDependencyError("query: operation reader is required")
	}
	return q.reader.LookupByExternalRef(ctx, msg.Kind, msg.ExternalRef)
}

type BreakerSnapshotsQuery struct {
	reader BreakerReader
}

func NewBreakerSnapshotsQuery(reader BreakerReader) *BreakerSnapshotsQuery {
	return &BreakerSnapshotsQuery{reader: reader}
}

func (q *BreakerSnapshotsQuery) Query(_ context.Context, _ BreakerSnapshotsMessage) ([]breaker.Snapshot, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: breaker reader is required")
	}
	return q.reader.Snapshots(), nil
}

type LatestReconciliationQuery struct {
	reader ReconciliationReader
}

func NewLatestReconciliationQuery(reader ReconciliationReader) *LatestReconciliationQuery {
	return &LatestReconciliationQuery{reader: reader}
}

func (q *LatestReconciliationQuery) Query(ctx context.Context, _ LatestReconciliationMessage) (core.ReconciliationResult, error) {
	if q == nil || q.reader == nil {
		return core.ReconciliationResult{}, queryDependencyError("query: reconciliation reader is required")
	}
	return q.reader.Latest(ctx)
}

// MonitorStatus pairs dispatch counters with the pause flag so operators
// see both in one read.
type MonitorStatus struct {
	Stats       monitor.Stats
	Paused      bool
	PauseReason string
}

type MonitorStatsQuery struct {
	reader MonitorReader
}

func NewMonitorStatsQuery(reader MonitorReader) *MonitorStatsQuery {
	return &MonitorStatsQuery{reader: reader}
}

func (q *MonitorStatsQuery) Query(_ context.Context, _ MonitorStatsMessage) (MonitorStatus, error) {
	if q == nil || q.reader == nil {
		return MonitorStatus{}, queryDependencyError("query: monitor reader is required")
	}
	paused, reason := q.reader.Paused()
	return MonitorStatus{
		Stats:       q.reader.Stats(),
		Paused:      paused,
		PauseReason: reason,
	}, nil
}

// HaltStatus reports the emergency switch position.
type HaltStatus struct {
	Engaged bool
	Reason  string
	Since   time.Time
}

type HaltStatusQuery struct {
	reader HaltReader
}

func NewHaltStatusQuery(reader HaltReader) *HaltStatusQuery {
	return &HaltStatusQuery{reader: reader}
}

func (q *HaltStatusQuery) Query(_ context.Context, _ HaltStatusMessage) (HaltStatus, error) {
	if q == nil || q.reader == nil {
		return HaltStatus{}, queryDependencyError("query: halt reader is required")
	}
	status := HaltStatus{Engaged: q.reader.Engaged()}
	if status.Engaged {
		status.Reason, status.Since = q.reader.Reason()
	}
	return status, nil
}

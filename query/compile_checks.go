package query

import (
	"github.com/anchorledger/custody-core/breaker"
	"github.com/anchorledger/custody-core/core"
	gocmd "github.com/goliatone/go-command"
)

var (
	_ gocmd.Querier[GetOperationMessage, core.Operation]                    = (*GetOperationQuery)(nil)
	_ gocmd.Querier[LookupOperationMessage, core.Operation]                 = (*LookupOperationQuery)(nil)
	_ gocmd.Querier[BreakerSnapshotsMessage, []breaker.Snapshot]            = (*BreakerSnapshotsQuery)(nil)
	_ gocmd.Querier[LatestReconciliationMessage, core.ReconciliationResult] = (*LatestReconciliationQuery)(nil)
	_ gocmd.Querier[MonitorStatsMessage, MonitorStatus]                     = (*MonitorStatsQuery)(nil)
	_ gocmd.Querier[HaltStatusMessage, HaltStatus]                          = (*HaltStatusQuery)(nil)
)

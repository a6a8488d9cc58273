package query

import (
	"strings"

	"github.com/anchorledger/custody-core/core"
)

const (
	TypeGetOperation         = "custody.query.operation.get"
	TypeLookupOperation      = "custody.query.operation.lookup"
	TypeBreakerSnapshots     = "custody.query.breaker.snapshots"
	TypeLatestReconciliation = "custody.query.reconciliation.latest"
	TypeMonitorStats         = "custody.query.monitor.stats"
	TypeHaltStatus           = "custody.query.halt.status"
)

type GetOperationMessage struct {
	OperationID string
}

func (GetOperationMessage) Type() string { return TypeGetOperation }

func (m GetOperationMessage) Validate() error {
	if strings.TrimSpace(m.OperationID) == "" {
		return queryValidationError("operation_id", "operation id is required")
	}
	return nil
}

type LookupOperationMessage struct {
	Kind        core.OperationKind
	ExternalRef string
}

func (LookupOperationMessage) Type() string { return TypeLookupOperation }

func (m LookupOperationMessage) Validate() error {
	if err := m.Kind.Validate(); err != nil {
		return queryValidationError("kind", err.Error())
	}
	if strings.TrimSpace(m.ExternalRef) == "" {
		return queryValidationError("external_ref", "external reference is required")
	}
	return nil
}

type BreakerSnapshotsMessage struct{}

func (BreakerSnapshotsMessage) Type() string { return TypeBreakerSnapshots }

func (BreakerSnapshotsMessage) Validate() error { return nil }

type LatestReconciliationMessage struct{}

func (LatestReconciliationMessage) Type() string { return TypeLatestReconciliation }

func (LatestReconciliationMessage) Validate() error { return nil }

type MonitorStatsMessage struct{}

func (MonitorStatsMessage) Type() string { return TypeMonitorStats }

func (MonitorStatsMessage) Validate() error { return nil }

type HaltStatusMessage struct{}

func (HaltStatusMessage) Type() string { return TypeHaltStatus }

func (HaltStatusMessage) Validate() error { return nil }

package sqlstore

import "github.com/anchorledger/custody-core/core"

var (
	_ core.OperationStore      = (*OperationStore)(nil)
	_ core.UsageStore          = (*UsageStore)(nil)
	_ core.ReconciliationStore = (*ReconciliationStore)(nil)
	_ core.EventCursorStore    = (*EventCursorStore)(nil)
)

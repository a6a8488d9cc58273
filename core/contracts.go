package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

// InvokeRequest describes a single contract invocation. Argument encoding is
// owned by the caller; the chain client treats Args as opaque.
type InvokeRequest struct {
	ContractID string
	Function   string
	Args       []any
	Timeout    time.Duration
	Metadata   map[string]any
}

type InvokeResult struct {
	OK          bool
	TxHash      string
	GasUsed     uint64
	ReturnValue []byte
	ErrKind     ErrorKind
	ErrMessage  string
	Ledger      uint64
}

type EventFilter struct {
	ContractIDs []string
	Types       []string
}

// ChainClient is the typed facade over chain RPC. It is intentionally
// single-shot: no internal retries, so retry policy stays with the
// scheduler. On OK=false the caller may assume no state change unless
// ErrKind is ambiguous, which forces the reconciliation path.
type ChainClient interface {
	Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error)
	Simulate(ctx context.Context, req InvokeRequest) (InvokeResult, error)
	FetchEvents(ctx context.Context, filter EventFilter, fromLedger uint64, limit int) ([]ChainEvent, uint64, error)
	FetchScalar(ctx context.Context, contractID string, function string) (uint64, error)
}

type ComplianceDecision struct {
	Approved       bool
	Tier           Tier
	LimitRemaining uint64
	Reason         string
}

type ComplianceGateway interface {
	Check(ctx context.Context, principal string, class OperationClass, amount uint64) (ComplianceDecision, error)
}

// TierRegistry is the external compliance registry view. Lookups may fail
// transiently; the gateway decides whether to fall through to a minimal
// tier or reject based on strict mode.
type TierRegistry interface {
	TierFor(ctx context.Context, principal string) (Tier, error)
}

type CreateOperationInput struct {
	Kind            OperationKind
	Principal       string
	Amount          uint64
	TokenAmount     uint64
	SatoshiPerToken uint64
	ExternalRef     string
	BtcAddress      string
	SourceToken     string
	TargetToken     string
	IdempotencyKey  string
}

// OperationStore is the durable record of every orchestration attempt.
// Transition performs a compare-and-swap on status; losing the race
// surfaces as a concurrent_update error and is safe to retry.
type OperationStore interface {
	Create(ctx context.Context, in CreateOperationInput) (op Operation, created bool, err error)
	Get(ctx context.Context, id string) (Operation, error)
	Transition(ctx context.Context, id string, expected OperationStatus, next OperationStatus, step *StepRecord) (Operation, error)
	AppendStep(ctx context.Context, id string, step StepRecord) error
	SetError(ctx context.Context, id string, kind ErrorKind, message string) error
	LookupByExternalRef(ctx context.Context, kind OperationKind, externalRef string) (Operation, error)
}

type ReconciliationStore interface {
	Append(ctx context.Context, result ReconciliationResult) (ReconciliationResult, error)
	Latest(ctx context.Context) (ReconciliationResult, error)
	Acknowledge(ctx context.Context, id string, acknowledgedBy string) error
}

type UsageStore interface {
	Get(ctx context.Context, principal string, class OperationClass) (UsageCounters, error)
	Upsert(ctx context.Context, counters UsageCounters) error
}

// EventCursorStore persists the monitor's dispatch watermark. Advance is a
// compare-and-swap so a restarted monitor neither replays nor drops ledgers.
type EventCursorStore interface {
	Load(ctx context.Context, streamID string) (uint64, error)
	Advance(ctx context.Context, streamID string, expected uint64, next uint64) error
}

type AlertSink interface {
	Raise(ctx context.Context, alert Alert) error
}

// EventHandler consumes chain events in ledger order. Handlers must be
// idempotent; a handler failure is counted but never stalls the cursor.
type EventHandler interface {
	Name() string
	Handle(ctx context.Context, event ChainEvent) error
}

type EventHandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, event ChainEvent) error
}

func (h EventHandlerFunc) Name() string { return h.HandlerName }

func (h EventHandlerFunc) Handle(ctx context.Context, event ChainEvent) error {
	if h.Fn == nil {
		return nil
	}
	return h.Fn(ctx, event)
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anchorledger/custody-core/core"
)

// AmbiguityResolver is the orchestrator surface the event handlers need:
// closing out operations parked on an ambiguous chain call once the matching
// event proves the call landed.
type AmbiguityResolver interface {
	ResolveAmbiguous(ctx context.Context, opID string, stepName string, confirmed bool) (core.Operation, error)
}

// TierInvalidator drops a principal's cached compliance tier.
type TierInvalidator interface {
	Invalidate(ctx context.Context, principal string) error
}

// settlementStep maps a workflow event tag onto the chain step the event
// proves. Used when confirming ambiguous outcomes from observed events.
var settlementStep = map[string]struct {
	kind core.OperationKind
	step string
}{
	core.EventTypeBtcDeposit:      {kind: core.OperationKindBtcDeposit, step: "mint_tokens"},
	core.EventTypeTokenWithdrawal: {kind: core.OperationKindTokenWithdrawal, step: "create_withdrawal"},
	core.EventTypeCrossExchange:   {kind: core.OperationKindCrossTokenExchange, step: "mint_target"},
}

// NewOperationEventHandler correlates workflow events back to the operation
// that produced them through the external reference. Its one write path is
// confirming an operation parked in reconciling: the observed event is proof
// the ambiguous call landed.
func NewOperationEventHandler(store core.OperationStore, resolver AmbiguityResolver, logger core.Logger) core.EventHandler {
	return core.EventHandlerFunc{
		HandlerName: "operation_correlator",
		Fn: func(ctx context.Context, event core.ChainEvent) error {
			mapping, ok := settlementStep[event.Type]
			if !ok {
				return nil
			}
			ref := eventExternalRef(event)
			if ref == "" {
				return nil
			}
			op, err := store.LookupByExternalRef(ctx, mapping.kind, ref)
			if err != nil {
				if errors.Is(err, core.ErrOperationNotFound) {
					// Event for a transaction this service never originated.
					return nil
				}
				return err
			}
			if op.Status != core.OperationStatusReconciling {
				return nil
			}
			if logger != nil {
				logger.Info("observed event confirms ambiguous step",
					"operation_id", op.ID,
					"step", mapping.step,
					"ledger", event.LedgerSequence,
				)
			}
			_, err = resolver.ResolveAmbiguous(ctx, op.ID, mapping.step, true)
			return err
		},
	}
}

// NewKycStatusHandler invalidates the cached tier for a principal whose
// registry status changed, so the next admission check sees the new tier.
func NewKycStatusHandler(cache TierInvalidator, logger core.Logger) core.EventHandler {
	return core.EventHandlerFunc{
		HandlerName: "kyc_cache_invalidator",
		Fn: func(ctx context.Context, event core.ChainEvent) error {
			if event.Type != core.EventTypeKycStatusChange {
				return nil
			}
			principal := payloadString(event.Payload, "principal")
			if principal == "" {
				principal = firstTopic(event)
			}
			if principal == "" {
				return core.NewError(core.ErrorKindInvalidResponse, "monitor: kyc_status_change event carries no principal")
			}
			if logger != nil {
				logger.Info("invalidating cached tier", "principal", principal)
			}
			return cache.Invalidate(ctx, principal)
		},
	}
}

// NewAlertEventHandler forwards on-chain alert events into the alert sink.
func NewAlertEventHandler(alerts core.AlertSink) core.EventHandler {
	return core.EventHandlerFunc{
		HandlerName: "alert_forwarder",
		Fn: func(ctx context.Context, event core.ChainEvent) error {
			severity := core.AlertSeverityWarning
			switch event.Type {
			case core.EventTypeSystemAlert, core.EventTypeReserveRatio:
				severity = core.AlertSeverityCritical
			case core.EventTypeComplianceViol:
				severity = core.AlertSeverityWarning
			default:
				return nil
			}
			message := payloadString(event.Payload, "message")
			if message == "" {
				message = fmt.Sprintf("chain raised %s at ledger %d", event.Type, event.LedgerSequence)
			}
			return alerts.Raise(ctx, core.Alert{
				Kind:     event.Type,
				Severity: severity,
				Message:  message,
				Metadata: map[string]any{
					"contract": event.ContractAddress,
					"ledger":   event.LedgerSequence,
					"tx_hash":  event.TxHash,
				},
				OccurredAt: event.OccurredAt,
			})
		},
	}
}

func eventExternalRef(event core.ChainEvent) string {
	if ref := payloadString(event.Payload, "tx_hash"); ref != "" {
		return ref
	}
	if ref := payloadString(event.Payload, "external_ref"); ref != "" {
		return ref
	}
	return firstTopic(event)
}

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if value, ok := payload[key].(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func firstTopic(event core.ChainEvent) string {
	if len(event.Topics) == 0 {
		return ""
	}
	return strings.TrimSpace(event.Topics[0])
}

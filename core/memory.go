package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryOperationStore is the in-process reference implementation of
// OperationStore. The SQL store mirrors its semantics.
type MemoryOperationStore struct {
	mu             sync.RWMutex
	operations     map[string]*Operation
	byIdempotency  map[string]string
	byExternalRef  map[string]string
	transitionHook func(op Operation)
	nowFn          func() time.Time
}

func NewMemoryOperationStore() *MemoryOperationStore {
	return &MemoryOperationStore{
		operations:    map[string]*Operation{},
		byIdempotency: map[string]string{},
		byExternalRef: map[string]string{},
		nowFn:         func() time.Time { return time.Now().UTC() },
	}
}

func externalRefKey(kind OperationKind, ref string) string {
	return string(kind) + "|" + strings.TrimSpace(ref)
}

func (s *MemoryOperationStore) Create(_ context.Context, in CreateOperationInput) (Operation, bool, error) {
	if s == nil {
		return Operation{}, false, fmt.Errorf("core: operation store is nil")
	}
	if err := in.Kind.Validate(); err != nil {
		return Operation{}, false, err
	}
	if strings.TrimSpace(in.Principal) == "" {
		return Operation{}, false, NewError(ErrorKindParametersInvalid, "core: principal is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if key := strings.TrimSpace(in.IdempotencyKey); key != "" {
		if id, ok := s.byIdempotency[key]; ok {
			return cloneOperation(s.operations[id]), false, nil
		}
	}
	if ref := strings.TrimSpace(in.ExternalRef); ref != "" {
		if id, ok := s.byExternalRef[externalRefKey(in.Kind, ref)]; ok {
			existing := s.operations[id]
			if existing.Status != OperationStatusRolledBack && existing.Status != OperationStatusRolledBackPartial {
				return cloneOperation(existing), false, nil
			}
		}
	}

	now := s.now()
	op := &Operation{
		ID:              uuid.NewString(),
		Kind:            in.Kind,
		Principal:       strings.TrimSpace(in.Principal),
		Amount:          in.Amount,
		TokenAmount:     in.TokenAmount,
		SatoshiPerToken: in.SatoshiPerToken,
		ExternalRef:     strings.TrimSpace(in.ExternalRef),
		BtcAddress:      strings.TrimSpace(in.BtcAddress),
		SourceToken:     strings.TrimSpace(in.SourceToken),
		TargetToken:     strings.TrimSpace(in.TargetToken),
		IdempotencyKey:  strings.TrimSpace(in.IdempotencyKey),
		Status:          OperationStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.operations[op.ID] = op
	if op.IdempotencyKey != "" {
		s.byIdempotency[op.IdempotencyKey] = op.ID
	}
	if op.ExternalRef != "" {
		s.byExternalRef[externalRefKey(op.Kind, op.ExternalRef)] = op.ID
	}
	return cloneOperation(op), true, nil
}

func (s *MemoryOperationStore) Get(_ context.Context, id string) (Operation, error) {
	if s == nil {
		return Operation{}, fmt.Errorf("core: operation store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.operations[strings.TrimSpace(id)]
	if !ok {
		return Operation{}, ErrOperationNotFound
	}
	return cloneOperation(op), nil
}

func (s *MemoryOperationStore) Transition(
	_ context.Context,
	id string,
	expected OperationStatus,
	next OperationStatus,
	step *StepRecord,
) (Operation, error) {
	if s == nil {
		return Operation{}, fmt.Errorf("core: operation store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operations[strings.TrimSpace(id)]
	if !ok {
		return Operation{}, ErrOperationNotFound
	}
	if op.Status != expected {
		return Operation{}, NewError(
			ErrorKindConcurrentUpdate,
			fmt.Sprintf("core: operation %s is %s, expected %s", id, op.Status, expected),
		)
	}
	if err := op.TransitionTo(next, s.now()); err != nil {
		return Operation{}, WrapError(ErrorKindInvalidState, err, err.Error())
	}
	if step != nil {
		record := *step
		record.Index = len(op.Steps)
		op.Steps = append(op.Steps, record)
	}
	if s.transitionHook != nil {
		s.transitionHook(cloneOperation(op))
	}
	return cloneOperation(op), nil
}

func (s *MemoryOperationStore) AppendStep(_ context.Context, id string, step StepRecord) error {
	if s == nil {
		return fmt.Errorf("core: operation store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operations[strings.TrimSpace(id)]
	if !ok {
		return ErrOperationNotFound
	}
	step.Index = len(op.Steps)
	op.Steps = append(op.Steps, step)
	op.UpdatedAt = s.now()
	return nil
}

func (s *MemoryOperationStore) SetError(_ context.Context, id string, kind ErrorKind, message string) error {
	if s == nil {
		return fmt.Errorf("core: operation store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operations[strings.TrimSpace(id)]
	if !ok {
		return ErrOperationNotFound
	}
	op.LastErrorKind = string(kind)
	op.LastErrorMessage = strings.TrimSpace(message)
	op.UpdatedAt = s.now()
	return nil
}

func (s *MemoryOperationStore) LookupByExternalRef(_ context.Context, kind OperationKind, externalRef string) (Operation, error) {
	if s == nil {
		return Operation{}, fmt.Errorf("core: operation store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byExternalRef[externalRefKey(kind, externalRef)]
	if !ok {
		return Operation{}, ErrOperationNotFound
	}
	return cloneOperation(s.operations[id]), nil
}

func (s *MemoryOperationStore) now() time.Time {
	if s != nil && s.nowFn != nil {
		return s.nowFn()
	}
	return time.Now().UTC()
}

func cloneOperation(op *Operation) Operation {
	if op == nil {
		return Operation{}
	}
	cloned := *op
	cloned.Steps = append([]StepRecord(nil), op.Steps...)
	if op.CompletedAt != nil {
		completed := *op.CompletedAt
		cloned.CompletedAt = &completed
	}
	return cloned
}

type MemoryUsageStore struct {
	mu    sync.RWMutex
	items map[string]UsageCounters
}

func NewMemoryUsageStore() *MemoryUsageStore {
	return &MemoryUsageStore{items: map[string]UsageCounters{}}
}

func usageKey(principal string, class OperationClass) string {
	return strings.TrimSpace(principal) + "|" + string(class)
}

func (s *MemoryUsageStore) Get(_ context.Context, principal string, class OperationClass) (UsageCounters, error) {
	if s == nil {
		return UsageCounters{}, fmt.Errorf("core: usage store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	counters, ok := s.items[usageKey(principal, class)]
	if !ok {
		return UsageCounters{}, ErrUsageNotFound
	}
	return counters, nil
}

func (s *MemoryUsageStore) Upsert(_ context.Context, counters UsageCounters) error {
	if s == nil {
		return fmt.Errorf("core: usage store is nil")
	}
	counters.Principal = strings.TrimSpace(counters.Principal)
	if counters.Principal == "" {
		return NewError(ErrorKindParametersInvalid, "core: principal is required")
	}
	if err := counters.Class.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.items[usageKey(counters.Principal, counters.Class)] = counters
	s.mu.Unlock()
	return nil
}

// MemoryCursorStore keeps a dispatch watermark per stream with CAS
// semantics matching the SQL-backed store.
type MemoryCursorStore struct {
	mu      sync.Mutex
	cursors map[string]uint64
}

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: map[string]uint64{}}
}

func (s *MemoryCursorStore) Load(_ context.Context, streamID string) (uint64, error) {
	if s == nil {
		return 0, fmt.Errorf("core: cursor store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[strings.TrimSpace(streamID)], nil
}

func (s *MemoryCursorStore) Advance(_ context.Context, streamID string, expected uint64, next uint64) error {
	if s == nil {
		return fmt.Errorf("core: cursor store is nil")
	}
	if next < expected {
		return fmt.Errorf("%w: %d -> %d", ErrCursorConflict, expected, next)
	}
	streamID = strings.TrimSpace(streamID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if current := s.cursors[streamID]; current != expected {
		return fmt.Errorf("%w: expected %d, have %d", ErrCursorConflict, expected, current)
	}
	s.cursors[streamID] = next
	return nil
}

type MemoryReconciliationStore struct {
	mu      sync.RWMutex
	results []ReconciliationResult
	nowFn   func() time.Time
}

func NewMemoryReconciliationStore() *MemoryReconciliationStore {
	return &MemoryReconciliationStore{
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryReconciliationStore) Append(_ context.Context, result ReconciliationResult) (ReconciliationResult, error) {
	if s == nil {
		return ReconciliationResult{}, fmt.Errorf("core: reconciliation store is nil")
	}
	if strings.TrimSpace(result.ID) == "" {
		result.ID = uuid.NewString()
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = s.nowFn()
	}
	s.mu.Lock()
	s.results = append(s.results, result)
	s.mu.Unlock()
	return result, nil
}

func (s *MemoryReconciliationStore) Latest(_ context.Context) (ReconciliationResult, error) {
	if s == nil {
		return ReconciliationResult{}, fmt.Errorf("core: reconciliation store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.results) == 0 {
		return ReconciliationResult{}, fmt.Errorf("core: no reconciliation results recorded")
	}
	return s.results[len(s.results)-1], nil
}

func (s *MemoryReconciliationStore) Acknowledge(_ context.Context, id string, acknowledgedBy string) error {
	if s == nil {
		return fmt.Errorf("core: reconciliation store is nil")
	}
	acknowledgedBy = strings.TrimSpace(acknowledgedBy)
	if acknowledgedBy == "" {
		return NewError(ErrorKindParametersInvalid, "core: acknowledging role is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.results {
		if s.results[i].ID == strings.TrimSpace(id) {
			now := s.nowFn()
			s.results[i].AcknowledgedBy = acknowledgedBy
			s.results[i].AcknowledgedAt = &now
			return nil
		}
	}
	return fmt.Errorf("core: reconciliation result %q not found", id)
}

func (s *MemoryReconciliationStore) All() []ReconciliationResult {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ReconciliationResult(nil), s.results...)
}

// MemoryAlertSink records raised alerts; useful in tests and as the
// default sink when no operational channel is wired.
type MemoryAlertSink struct {
	mu     sync.RWMutex
	alerts []Alert
}

func NewMemoryAlertSink() *MemoryAlertSink {
	return &MemoryAlertSink{}
}

func (s *MemoryAlertSink) Raise(_ context.Context, alert Alert) error {
	if s == nil {
		return fmt.Errorf("core: alert sink is nil")
	}
	s.mu.Lock()
	s.alerts = append(s.alerts, alert)
	s.mu.Unlock()
	return nil
}

func (s *MemoryAlertSink) Alerts() []Alert {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Alert(nil), s.alerts...)
}

var (
	_ OperationStore      = (*MemoryOperationStore)(nil)
	_ UsageStore          = (*MemoryUsageStore)(nil)
	_ EventCursorStore    = (*MemoryCursorStore)(nil)
	_ ReconciliationStore = (*MemoryReconciliationStore)(nil)
	_ AlertSink           = (*MemoryAlertSink)(nil)
)

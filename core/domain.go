package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidOperationKind             = errors.New("core: invalid operation kind")
	ErrInvalidOperationStatusTransition = errors.New("core: invalid operation status transition")
	ErrInvalidOperationClass            = errors.New("core: invalid operation class")
	ErrOperationNotFound                = errors.New("core: operation not found")
	ErrDuplicateExternalRef             = errors.New("core: external reference already bound to an operation")
	ErrCursorConflict                   = errors.New("core: event cursor advanced concurrently")
	ErrUsageNotFound                    = errors.New("core: usage counters not found")
)

type OperationKind string

const (
	OperationKindBtcDeposit         OperationKind = "btc_deposit"
	OperationKindTokenWithdrawal    OperationKind = "token_withdrawal"
	OperationKindCrossTokenExchange OperationKind = "cross_token_exchange"
)

func (k OperationKind) Validate() error {
	switch k {
	case OperationKindBtcDeposit, OperationKindTokenWithdrawal, OperationKindCrossTokenExchange:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidOperationKind, string(k))
}

// Class maps a workflow kind to the usage class charged against limits.
func (k OperationKind) Class() OperationClass {
	switch k {
	case OperationKindBtcDeposit:
		return OperationClassDeposit
	case OperationKindTokenWithdrawal:
		return OperationClassWithdrawal
	default:
		return OperationClassExchange
	}
}

type OperationClass string

const (
	OperationClassDeposit    OperationClass = "deposit"
	OperationClassWithdrawal OperationClass = "withdrawal"
	OperationClassExchange   OperationClass = "exchange"
)

func (c OperationClass) Validate() error {
	switch c {
	case OperationClassDeposit, OperationClassWithdrawal, OperationClassExchange:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidOperationClass, string(c))
}

type OperationStatus string

const (
	OperationStatusPending           OperationStatus = "pending"
	OperationStatusKycVerifying      OperationStatus = "kyc_verifying"
	OperationStatusReserveValidating OperationStatus = "reserve_validating"
	OperationStatusRegistering       OperationStatus = "registering"
	OperationStatusMinting           OperationStatus = "minting"
	OperationStatusBurning           OperationStatus = "burning"
	OperationStatusExchanging        OperationStatus = "exchanging"
	OperationStatusReconciling       OperationStatus = "reconciling"
	OperationStatusCompleted         OperationStatus = "completed"
	OperationStatusFailed            OperationStatus = "failed"
	OperationStatusRollingBack       OperationStatus = "rolling_back"
	OperationStatusRolledBack        OperationStatus = "rolled_back"
	OperationStatusRolledBackPartial OperationStatus = "rolled_back_partial"
)

func (s OperationStatus) Terminal() bool {
	switch s {
	case OperationStatusCompleted, OperationStatusFailed, OperationStatusRolledBack, OperationStatusRolledBackPartial:
		return true
	}
	return false
}

type Operation struct {
	ID               string
	Kind             OperationKind
	Principal        string
	Amount           uint64
	TokenAmount      uint64
	SatoshiPerToken  uint64
	ExternalRef      string
	BtcAddress       string
	SourceToken      string
	TargetToken      string
	IdempotencyKey   string
	Status           OperationStatus
	TxHash           string
	GasUsed          uint64
	LastErrorKind    string
	LastErrorMessage string
	Steps            []StepRecord
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
}

func (o *Operation) TransitionTo(status OperationStatus, now time.Time) error {
	if o == nil {
		return nil
	}
	if o.Status == status {
		o.UpdatedAt = now
		return nil
	}
	if !operationTransitionAllowed(o.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidOperationStatusTransition, o.Status, status)
	}
	o.Status = status
	o.UpdatedAt = now
	if status.Terminal() {
		completed := now
		o.CompletedAt = &completed
	}
	return nil
}

func operationTransitionAllowed(current, next OperationStatus) bool {
	// Failure, rollback, and the ambiguous-outcome reconciliation path are
	// reachable from any in-flight status; the forward path is a strict
	// progression per workflow kind.
	if !current.Terminal() {
		switch next {
		case OperationStatusFailed, OperationStatusRollingBack:
			return true
		case OperationStatusReconciling:
			return current != OperationStatusReconciling
		}
	}
	allowed := map[OperationStatus]map[OperationStatus]struct{}{
		OperationStatusPending: {
			OperationStatusKycVerifying: {},
		},
		OperationStatusKycVerifying: {
			OperationStatusReserveValidating: {},
		},
		OperationStatusReserveValidating: {
			OperationStatusRegistering: {},
			OperationStatusBurning:     {},
			OperationStatusExchanging:  {},
		},
		OperationStatusRegistering: {
			OperationStatusMinting: {},
		},
		OperationStatusMinting: {
			OperationStatusCompleted: {},
		},
		OperationStatusBurning: {
			OperationStatusCompleted: {},
		},
		OperationStatusExchanging: {
			OperationStatusCompleted: {},
		},
		OperationStatusReconciling: {
			OperationStatusRegistering: {},
			OperationStatusMinting:     {},
			OperationStatusBurning:     {},
			OperationStatusExchanging:  {},
			OperationStatusCompleted:   {},
		},
		OperationStatusRollingBack: {
			OperationStatusRolledBack:        {},
			OperationStatusRolledBackPartial: {},
		},
	}
	_, ok := allowed[current][next]
	return ok
}

type StepOutcome string

const (
	StepOutcomeSucceeded   StepOutcome = "succeeded"
	StepOutcomeFailed      StepOutcome = "failed"
	StepOutcomeCompensated StepOutcome = "compensated"
	StepOutcomeSkipped     StepOutcome = "skipped"
)

// StepRecord captures one cross-service call made while driving an
// operation. Records are append-only within an operation.
type StepRecord struct {
	Index          int
	Service        string
	Name           string
	Outcome        StepOutcome
	TxHash         string
	GasUsed        uint64
	ErrorKind      string
	Attempts       int
	LatencyMS      int64
	RequestDigest  string
	ResponseDigest string
	StartedAt      time.Time
	EndedAt        time.Time
}

type ReconciliationStatus string

const (
	ReconciliationStatusBalanced        ReconciliationStatus = "balanced"
	ReconciliationStatusWithinTolerance ReconciliationStatus = "within_tolerance"
	ReconciliationStatusDiscrepancy     ReconciliationStatus = "discrepancy_detected"
	ReconciliationStatusEmergencyHalt   ReconciliationStatus = "emergency_halt"
)

type ReconciliationResult struct {
	ID               string
	ObservedReserves uint64
	ObservedSupply   uint64
	ExpectedRatioBP  int64
	ActualRatioBP    int64
	DiscrepancyBP    int64
	Status           ReconciliationStatus
	ProofDigest      string
	AcknowledgedBy   string
	AcknowledgedAt   *time.Time
	CreatedAt        time.Time
}

// UsageCounters tracks rolling spend per principal and operation class.
// Resets are applied lazily on read by the limits tracker.
type UsageCounters struct {
	Principal        string
	Class            OperationClass
	DailyUsed        uint64
	MonthlyUsed      uint64
	LastResetDaily   time.Time
	LastResetMonthly time.Time
	UpdatedAt        time.Time
}

// Tier is the derived compliance view for a principal. Code ranges 1-4;
// higher tiers carry higher caps.
type Tier struct {
	Code                int
	DailyCap            uint64
	MonthlyCap          uint64
	EnhancedVerifyAbove uint64
}

type ChainEvent struct {
	ContractAddress string
	Type            string
	Topics          []string
	Payload         map[string]any
	LedgerSequence  uint64
	TxHash          string
	OccurredAt      time.Time
}

// Recognized chain event type tags; unknown tags are counted and dropped.
const (
	EventTypeBtcDeposit      = "btc_dep"
	EventTypeTokenWithdrawal = "tok_with"
	EventTypeCrossExchange   = "cross_ex"
	EventTypeKycCheck        = "kyc_chk"
	EventTypeSupply          = "supply"
	EventTypeComplianceViol  = "comp_viol"
	EventTypeSystemAlert     = "sys_alert"
	EventTypeReserveRatio    = "reserve_ratio_alert"
	EventTypeKycStatusChange = "kyc_status_change"
)

func KnownEventType(tag string) bool {
	switch strings.TrimSpace(tag) {
	case EventTypeBtcDeposit, EventTypeTokenWithdrawal, EventTypeCrossExchange,
		EventTypeKycCheck, EventTypeSupply, EventTypeComplianceViol,
		EventTypeSystemAlert, EventTypeReserveRatio, EventTypeKycStatusChange:
		return true
	}
	return false
}

type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityCritical AlertSeverity = "critical"
)

type Alert struct {
	Kind       string
	Severity   AlertSeverity
	Message    string
	Metadata   map[string]any
	OccurredAt time.Time
}

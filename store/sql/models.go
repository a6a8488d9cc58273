package sqlstore

import (
	"strings"
	"time"

	"github.com/anchorledger/custody-core/core"
	"github.com/uptrace/bun"
)

type operationRecord struct {
	bun.BaseModel `bun:"table:custody_operations,alias:co"`

	ID               string     `bun:"id,pk"`
	Kind             string     `bun:"kind,notnull"`
	Principal        string     `bun:"principal,notnull"`
	Amount           uint64     `bun:"amount,notnull"`
	TokenAmount      uint64     `bun:"token_amount,notnull"`
	SatoshiPerToken  uint64     `bun:"satoshi_per_token,notnull"`
	ExternalRef      string     `bun:"external_ref"`
	BtcAddress       string     `bun:"btc_address"`
	SourceToken      string     `bun:"source_token"`
	TargetToken      string     `bun:"target_token"`
	IdempotencyKey   string     `bun:"idempotency_key"`
	Status           string     `bun:"status,notnull"`
	TxHash           string     `bun:"tx_hash"`
	GasUsed          uint64     `bun:"gas_used"`
	LastErrorKind    string     `bun:"last_error_kind"`
	LastErrorMessage string     `bun:"last_error_message"`
	CreatedAt        time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt        time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
	CompletedAt      *time.Time `bun:"completed_at,nullzero"`

	Steps []*operationStepRecord `bun:"rel:has-many,join:id=operation_id"`
}

func newOperationRecord(in core.CreateOperationInput, now time.Time) *operationRecord {
	return &operationRecord{
		Kind:            string(in.Kind),
		Principal:       strings.TrimSpace(in.Principal),
		Amount:          in.Amount,
		TokenAmount:     in.TokenAmount,
		SatoshiPerToken: in.SatoshiPerToken,
		ExternalRef:     strings.TrimSpace(in.ExternalRef),
		BtcAddress:      strings.TrimSpace(in.BtcAddress),
		SourceToken:     strings.TrimSpace(in.SourceToken),
		TargetToken:     strings.TrimSpace(in.TargetToken),
		IdempotencyKey:  strings.TrimSpace(in.IdempotencyKey),
		Status:          string(core.OperationStatusPending),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func (r *operationRecord) toDomain() core.Operation {
	if r == nil {
		return core.Operation{}
	}
	op := core.Operation{
		ID:               r.ID,
		Kind:             core.OperationKind(r.Kind),
		Principal:        r.Principal,
		Amount:           r.Amount,
		TokenAmount:      r.TokenAmount,
		SatoshiPerToken:  r.SatoshiPerToken,
		ExternalRef:      r.ExternalRef,
		BtcAddress:       r.BtcAddress,
		SourceToken:      r.SourceToken,
		TargetToken:      r.TargetToken,
		IdempotencyKey:   r.IdempotencyKey,
		Status:           core.OperationStatus(r.Status),
		TxHash:           r.TxHash,
		GasUsed:          r.GasUsed,
		LastErrorKind:    r.LastErrorKind,
		LastErrorMessage: r.LastErrorMessage,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.CompletedAt != nil {
		value := *r.CompletedAt
		op.CompletedAt = &value
	}
	for _, step := range r.Steps {
		op.Steps = append(op.Steps, step.toDomain())
	}
	return op
}

type operationStepRecord struct {
	bun.BaseModel `bun:"table:custody_operation_steps,alias:cos"`

	ID             string    `bun:"id,pk"`
	OperationID    string    `bun:"operation_id,notnull"`
	StepIndex      int       `bun:"step_index,notnull"`
	Service        string    `bun:"service,notnull"`
	Name           string    `bun:"name,notnull"`
	Outcome        string    `bun:"outcome,notnull"`
	TxHash         string    `bun:"tx_hash"`
	GasUsed        uint64    `bun:"gas_used"`
	ErrorKind      string    `bun:"error_kind"`
	Attempts       int       `bun:"attempts"`
	LatencyMS      int64     `bun:"latency_ms"`
	RequestDigest  string    `bun:"request_digest"`
	ResponseDigest string    `bun:"response_digest"`
	StartedAt      time.Time `bun:"started_at,nullzero"`
	EndedAt        time.Time `bun:"ended_at,nullzero"`
	CreatedAt      time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

func newOperationStepRecord(operationID string, step core.StepRecord) *operationStepRecord {
	return &operationStepRecord{
		OperationID:    strings.TrimSpace(operationID),
		StepIndex:      step.Index,
		Service:        step.Service,
		Name:           step.Name,
		Outcome:        string(step.Outcome),
		TxHash:         step.TxHash,
		GasUsed:        step.GasUsed,
		ErrorKind:      step.ErrorKind,
		Attempts:       step.Attempts,
		LatencyMS:      step.LatencyMS,
		RequestDigest:  step.RequestDigest,
		ResponseDigest: step.ResponseDigest,
		StartedAt:      step.StartedAt,
		EndedAt:        step.EndedAt,
	}
}

func (r *operationStepRecord) toDomain() core.StepRecord {
	if r == nil {
		return core.StepRecord{}
	}
	return core.StepRecord{
		Index:          r.StepIndex,
		Service:        r.Service,
		Name:           r.Name,
		Outcome:        core.StepOutcome(r.Outcome),
		TxHash:         r.TxHash,
		GasUsed:        r.GasUsed,
		ErrorKind:      r.ErrorKind,
		Attempts:       r.Attempts,
		LatencyMS:      r.LatencyMS,
		RequestDigest:  r.RequestDigest,
		ResponseDigest: r.ResponseDigest,
		StartedAt:      r.StartedAt,
		EndedAt:        r.EndedAt,
	}
}

type usageCounterRecord struct {
	bun.BaseModel `bun:"table:custody_usage_counters,alias:cuc"`

	ID               string    `bun:"id,pk"`
	Principal        string    `bun:"principal,notnull"`
	Class            string    `bun:"class,notnull"`
	DailyUsed        uint64    `bun:"daily_used,notnull"`
	MonthlyUsed      uint64    `bun:"monthly_used,notnull"`
	LastResetDaily   time.Time `bun:"last_reset_daily,nullzero"`
	LastResetMonthly time.Time `bun:"last_reset_monthly,nullzero"`
	UpdatedAt        time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

func (r *usageCounterRecord) toDomain() core.UsageCounters {
	if r == nil {
		return core.UsageCounters{}
	}
	return core.UsageCounters{
		Principal:        r.Principal,
		Class:            core.OperationClass(r.Class),
		DailyUsed:        r.DailyUsed,
		MonthlyUsed:      r.MonthlyUsed,
		LastResetDaily:   r.LastResetDaily,
		LastResetMonthly: r.LastResetMonthly,
		UpdatedAt:        r.UpdatedAt,
	}
}

type reconciliationRecord struct {
	bun.BaseModel `bun:"table:custody_reconciliations,alias:cr"`

	ID               string     `bun:"id,pk"`
	ObservedReserves uint64     `bun:"observed_reserves,notnull"`
	ObservedSupply   uint64     `bun:"observed_supply,notnull"`
	ExpectedRatioBP  int64      `bun:"expected_ratio_bp,notnull"`
	ActualRatioBP    int64      `bun:"actual_ratio_bp,notnull"`
	DiscrepancyBP    int64      `bun:"discrepancy_bp,notnull"`
	Status           string     `bun:"status,notnull"`
	ProofDigest      string     `bun:"proof_digest"`
	AcknowledgedBy   string     `bun:"acknowledged_by"`
	AcknowledgedAt   *time.Time `bun:"acknowledged_at,nullzero"`
	CreatedAt        time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

func newReconciliationRecord(result core.ReconciliationResult) *reconciliationRecord {
	record := &reconciliationRecord{
		ID:               strings.TrimSpace(result.ID),
		ObservedReserves: result.ObservedReserves,
		ObservedSupply:   result.ObservedSupply,
		ExpectedRatioBP:  result.ExpectedRatioBP,
		ActualRatioBP:    result.ActualRatioBP,
		DiscrepancyBP:    result.DiscrepancyBP,
		Status:           string(result.Status),
		ProofDigest:      result.ProofDigest,
		AcknowledgedBy:   strings.TrimSpace(result.AcknowledgedBy),
		CreatedAt:        result.CreatedAt,
	}
	if result.AcknowledgedAt != nil {
		value := *result.AcknowledgedAt
		record.AcknowledgedAt = &value
	}
	return record
}

func (r *reconciliationRecord) toDomain() core.ReconciliationResult {
	if r == nil {
		return core.ReconciliationResult{}
	}
	result := core.ReconciliationResult{
		ID:               r.ID,
		ObservedReserves: r.ObservedReserves,
		ObservedSupply:   r.ObservedSupply,
		ExpectedRatioBP:  r.ExpectedRatioBP,
		ActualRatioBP:    r.ActualRatioBP,
		DiscrepancyBP:    r.DiscrepancyBP,
		Status:           core.ReconciliationStatus(r.Status),
		ProofDigest:      r.ProofDigest,
		AcknowledgedBy:   r.AcknowledgedBy,
		CreatedAt:        r.CreatedAt,
	}
	if r.AcknowledgedAt != nil {
		value := *r.AcknowledgedAt
		result.AcknowledgedAt = &value
	}
	return result
}

type eventCursorRecord struct {
	bun.BaseModel `bun:"table:custody_event_cursors,alias:cec"`

	ID        string    `bun:"id,pk"`
	StreamID  string    `bun:"stream_id,notnull,unique"`
	Position  uint64    `bun:"position,notnull"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

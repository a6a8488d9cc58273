package core

import (
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

// ErrorKind is the stable classification attached to every failure the core
// surfaces. Kinds drive retry eligibility, circuit-breaker accounting, and
// the user-visible error code; raw downstream messages never leave the core.
type ErrorKind string

const (
	// Authorization
	ErrorKindUnauthorized     ErrorKind = "unauthorized"
	ErrorKindInsufficientRole ErrorKind = "insufficient_role"
	ErrorKindInvalidSignature ErrorKind = "invalid_signature"

	// Contract communication
	ErrorKindContractNotFound ErrorKind = "contract_not_found"
	ErrorKindCallFailed       ErrorKind = "call_failed"
	ErrorKindInvalidResponse  ErrorKind = "invalid_response"
	ErrorKindContractTimeout  ErrorKind = "contract_timeout"
	ErrorKindVersionMismatch  ErrorKind = "version_mismatch"
	ErrorKindAmbiguous        ErrorKind = "ambiguous"

	// Compliance
	ErrorKindDeniedByRegistry    ErrorKind = "denied_by_registry"
	ErrorKindInsufficientTier    ErrorKind = "insufficient_tier"
	ErrorKindBlacklisted         ErrorKind = "blacklisted"
	ErrorKindLimitExceeded       ErrorKind = "limit_exceeded"
	ErrorKindRegistryUnavailable ErrorKind = "registry_unavailable"

	// Reserve
	ErrorKindInsufficientReserves ErrorKind = "insufficient_reserves"
	ErrorKindRatioTooLow          ErrorKind = "ratio_too_low"
	ErrorKindReserveValidation    ErrorKind = "reserve_validation_failed"

	// Operation
	ErrorKindDuplicateExternalRef      ErrorKind = "duplicate_external_ref"
	ErrorKindInvalidState              ErrorKind = "invalid_state"
	ErrorKindParametersInvalid         ErrorKind = "parameters_invalid"
	ErrorKindOperationTimeout          ErrorKind = "operation_timeout"
	ErrorKindConcurrentUpdate          ErrorKind = "concurrent_update"
	ErrorKindInsufficientConfirmations ErrorKind = "insufficient_confirmations"
	ErrorKindInsufficientBalance       ErrorKind = "insufficient_balance"
	ErrorKindSlippageExceeded          ErrorKind = "slippage_exceeded"

	// System
	ErrorKindSystemHalted     ErrorKind = "system_halted"
	ErrorKindCircuitOpen      ErrorKind = "circuit_open"
	ErrorKindOverloaded       ErrorKind = "overloaded"
	ErrorKindConcurrencyLimit ErrorKind = "concurrency_limit"
	ErrorKindMisconfigured    ErrorKind = "misconfigured"

	// Network
	ErrorKindNetworkTimeout      ErrorKind = "network_timeout"
	ErrorKindExternalUnavailable ErrorKind = "external_unavailable"
	ErrorKindOracleStale         ErrorKind = "oracle_stale"
	ErrorKindRateLimited         ErrorKind = "rate_limited"

	// Data
	ErrorKindValidationFailed ErrorKind = "validation_failed"
	ErrorKindCorruptedRecord  ErrorKind = "corrupted_record"

	// Recovery
	ErrorKindRollbackRequired   ErrorKind = "rollback_required"
	ErrorKindRollbackInProgress ErrorKind = "rollback_in_progress"
	ErrorKindRollbackFailed     ErrorKind = "rollback_failed"
)

type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

const (
	errorMetadataKindKey      = "error_kind"
	errorMetadataSeverityKey  = "severity"
	errorMetadataRetryableKey = "retryable"
)

const (
	CustodyErrorBadInput    = "CUSTODY_BAD_INPUT"
	CustodyErrorCompliance  = "CUSTODY_COMPLIANCE_DENIED"
	CustodyErrorReserve     = "CUSTODY_RESERVE_REJECTED"
	CustodyErrorHalted      = "CUSTODY_SYSTEM_HALTED"
	CustodyErrorCircuitOpen = "CUSTODY_CIRCUIT_OPEN"
	CustodyErrorConflict    = "CUSTODY_CONFLICT"
	CustodyErrorLimits      = "CUSTODY_LIMIT_EXCEEDED"
	CustodyErrorChain       = "CUSTODY_CHAIN_FAILURE"
	CustodyErrorAmbiguous   = "CUSTODY_CHAIN_AMBIGUOUS"
	CustodyErrorRollback    = "CUSTODY_ROLLBACK"
	CustodyErrorInternal    = "CUSTODY_INTERNAL_ERROR"
)

// Retryable reports whether the kind is eligible for retry scheduling.
// Permanent kinds short-circuit to rollback.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindContractTimeout, ErrorKindNetworkTimeout, ErrorKindCallFailed,
		ErrorKindExternalUnavailable, ErrorKindRegistryUnavailable,
		ErrorKindRateLimited, ErrorKindOverloaded, ErrorKindConcurrentUpdate,
		ErrorKindCircuitOpen:
		return true
	}
	return false
}

// HealthImpacting reports whether the kind counts against a downstream
// service's circuit breaker. Authorization and validation failures say
// nothing about service health and are excluded.
func (k ErrorKind) HealthImpacting() bool {
	switch k {
	case ErrorKindContractTimeout, ErrorKindNetworkTimeout, ErrorKindCallFailed,
		ErrorKindExternalUnavailable, ErrorKindRegistryUnavailable,
		ErrorKindInvalidResponse:
		return true
	}
	return false
}

func (k ErrorKind) Severity() ErrorSeverity {
	switch k {
	case ErrorKindAmbiguous, ErrorKindRollbackFailed, ErrorKindCorruptedRecord, ErrorKindSystemHalted:
		return SeverityCritical
	case ErrorKindInsufficientReserves, ErrorKindRatioTooLow, ErrorKindRollbackRequired,
		ErrorKindRollbackInProgress, ErrorKindBlacklisted, ErrorKindCircuitOpen:
		return SeverityHigh
	case ErrorKindContractTimeout, ErrorKindNetworkTimeout, ErrorKindCallFailed,
		ErrorKindExternalUnavailable, ErrorKindRegistryUnavailable, ErrorKindOracleStale,
		ErrorKindConcurrentUpdate, ErrorKindOperationTimeout, ErrorKindInvalidResponse:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func (k ErrorKind) category() goerrors.Category {
	switch k {
	case ErrorKindUnauthorized, ErrorKindInvalidSignature:
		return goerrors.CategoryAuth
	case ErrorKindInsufficientRole, ErrorKindDeniedByRegistry, ErrorKindInsufficientTier, ErrorKindBlacklisted:
		return goerrors.CategoryAuthz
	case ErrorKindParametersInvalid, ErrorKindValidationFailed, ErrorKindInsufficientConfirmations,
		ErrorKindInsufficientBalance, ErrorKindSlippageExceeded:
		return goerrors.CategoryBadInput
	case ErrorKindContractNotFound:
		return goerrors.CategoryNotFound
	case ErrorKindDuplicateExternalRef, ErrorKindInvalidState, ErrorKindConcurrentUpdate:
		return goerrors.CategoryConflict
	case ErrorKindLimitExceeded, ErrorKindRateLimited, ErrorKindConcurrencyLimit:
		return goerrors.CategoryRateLimit
	case ErrorKindContractTimeout, ErrorKindNetworkTimeout, ErrorKindExternalUnavailable,
		ErrorKindRegistryUnavailable, ErrorKindOracleStale, ErrorKindCallFailed, ErrorKindInvalidResponse:
		return goerrors.CategoryExternal
	case ErrorKindMisconfigured:
		return goerrors.CategoryInternal
	default:
		return goerrors.CategoryOperation
	}
}

func (k ErrorKind) textCode() string {
	switch k {
	case ErrorKindParametersInvalid, ErrorKindValidationFailed, ErrorKindInsufficientConfirmations,
		ErrorKindInsufficientBalance, ErrorKindSlippageExceeded:
		return CustodyErrorBadInput
	case ErrorKindDeniedByRegistry, ErrorKindInsufficientTier, ErrorKindBlacklisted,
		ErrorKindUnauthorized, ErrorKindInsufficientRole, ErrorKindInvalidSignature:
		return CustodyErrorCompliance
	case ErrorKindInsufficientReserves, ErrorKindRatioTooLow, ErrorKindReserveValidation:
		return CustodyErrorReserve
	case ErrorKindSystemHalted:
		return CustodyErrorHalted
	case ErrorKindCircuitOpen:
		return CustodyErrorCircuitOpen
	case ErrorKindDuplicateExternalRef, ErrorKindInvalidState, ErrorKindConcurrentUpdate:
		return CustodyErrorConflict
	case ErrorKindLimitExceeded, ErrorKindRateLimited, ErrorKindConcurrencyLimit, ErrorKindOverloaded:
		return CustodyErrorLimits
	case ErrorKindAmbiguous:
		return CustodyErrorAmbiguous
	case ErrorKindRollbackRequired, ErrorKindRollbackInProgress, ErrorKindRollbackFailed:
		return CustodyErrorRollback
	case ErrorKindContractNotFound, ErrorKindCallFailed, ErrorKindInvalidResponse,
		ErrorKindContractTimeout, ErrorKindVersionMismatch, ErrorKindNetworkTimeout,
		ErrorKindExternalUnavailable, ErrorKindOracleStale:
		return CustodyErrorChain
	default:
		return CustodyErrorInternal
	}
}

// NewError builds the canonical error envelope for a kind. The kind,
// severity, and retry eligibility ride in metadata so the retry scheduler
// and breaker registry can classify without string matching.
func NewError(kind ErrorKind, message string) *goerrors.Error {
	return goerrors.New(message, kind.category()).
		WithTextCode(kind.textCode()).
		WithMetadata(map[string]any{
			errorMetadataKindKey:      string(kind),
			errorMetadataSeverityKey:  string(kind.Severity()),
			errorMetadataRetryableKey: kind.Retryable(),
		})
}

// WrapError attaches kind classification to an underlying cause.
func WrapError(kind ErrorKind, cause error, message string) *goerrors.Error {
	return goerrors.Wrap(cause, kind.category(), message).
		WithTextCode(kind.textCode()).
		WithMetadata(map[string]any{
			errorMetadataKindKey:      string(kind),
			errorMetadataSeverityKey:  string(kind.Severity()),
			errorMetadataRetryableKey: kind.Retryable(),
		})
}

// KindOf extracts the error kind from any error produced by the core.
// Unclassified errors map by category, defaulting to call_failed.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		if richErr.Metadata != nil {
			if raw, ok := richErr.Metadata[errorMetadataKindKey]; ok {
				if kind := strings.TrimSpace(strings.ToLower(strings.Trim(strings.TrimSpace(toString(raw)), `"`))); kind != "" {
					return ErrorKind(kind)
				}
			}
		}
		switch richErr.Category {
		case goerrors.CategoryAuth, goerrors.CategoryAuthz:
			return ErrorKindUnauthorized
		case goerrors.CategoryBadInput, goerrors.CategoryValidation:
			return ErrorKindParametersInvalid
		case goerrors.CategoryConflict:
			return ErrorKindInvalidState
		case goerrors.CategoryRateLimit:
			return ErrorKindRateLimited
		case goerrors.CategoryExternal:
			return ErrorKindExternalUnavailable
		case goerrors.CategoryNotFound:
			return ErrorKindContractNotFound
		}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return ErrorKindNetworkTimeout
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "unreachable"):
		return ErrorKindExternalUnavailable
	}
	return ErrorKindCallFailed
}

// MapError normalizes any error into the custody envelope with a text code
// and kind metadata. Boundary packages funnel everything through this.
func MapError(err error) *goerrors.Error {
	return custodyErrorMapper(err)
}

func custodyErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureCustodyEnvelope(richErr)
	}
	return ensureCustodyEnvelope(WrapError(KindOf(err), err, err.Error()))
}

func ensureCustodyEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = KindOf(err).textCode()
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func toString(value any) string {
	if value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return s
	}
	if s, ok := value.(ErrorKind); ok {
		return string(s)
	}
	return ""
}

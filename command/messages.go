package command

import (
	"strings"

	"github.com/anchorledger/custody-core/orchestrator"
)

// Messages validate shape only. Semantic checks, address formats,
// confirmation depth, token pair rules, stay with the engine.

const (
	TypeSubmitDeposit     = "custody.command.deposit.submit"
	TypeSubmitWithdrawal  = "custody.command.withdrawal.submit"
	TypeSubmitExchange    = "custody.command.exchange.submit"
	TypeResolveAmbiguous  = "custody.command.operation.resolve_ambiguous"
	TypeRunReconciliation = "custody.command.reconciliation.run"
	TypeAcknowledgeReport = "custody.command.reconciliation.acknowledge"
	TypeForceOpenBreaker  = "custody.command.breaker.force_open"
	TypeForceCloseBreaker = "custody.command.breaker.force_close"
	TypeResumeMonitor     = "custody.command.monitor.resume"
	TypeEngageHalt        = "custody.command.halt.engage"
	TypeReleaseHalt       = "custody.command.halt.release"
)

type SubmitDepositMessage struct {
	Request orchestrator.DepositRequest
}

func (SubmitDepositMessage) Type() string { return TypeSubmitDeposit }

func (m SubmitDepositMessage) Validate() error {
	if strings.TrimSpace(m.Request.Principal) == "" {
		return commandValidationError("principal", "principal is required")
	}
	if strings.TrimSpace(m.Request.BtcTxHash) == "" {
		return commandValidationError("btc_tx_hash", "bitcoin transaction hash is required")
	}
	if m.Request.Amount == 0 {
		return commandValidationError("amount", "amount must be greater than zero")
	}
	return nil
}

type SubmitWithdrawalMessage struct {
	Request orchestrator.WithdrawalRequest
}

func (SubmitWithdrawalMessage) Type() string { return TypeSubmitWithdrawal }

func (m SubmitWithdrawalMessage) Validate() error {
	if strings.TrimSpace(m.Request.Principal) == "" {
		return commandValidationError("principal", "principal is required")
	}
	if strings.TrimSpace(m.Request.BtcAddress) == "" {
		return commandValidationError("btc_address", "destination address is required")
	}
	if m.Request.TokenAmount == 0 {
		return commandValidationError("token_amount", "token amount must be greater than zero")
	}
	return nil
}

type SubmitExchangeMessage struct {
	Request orchestrator.ExchangeRequest
}

func (SubmitExchangeMessage) Type() string { return TypeSubmitExchange }

func (m SubmitExchangeMessage) Validate() error {
	if strings.TrimSpace(m.Request.Principal) == "" {
		return commandValidationError("principal", "principal is required")
	}
	if strings.TrimSpace(m.Request.SourceToken) == "" {
		return commandValidationError("source_token", "source token is required")
	}
	if strings.TrimSpace(m.Request.TargetToken) == "" {
		return commandValidationError("target_token", "target token is required")
	}
	if m.Request.Amount == 0 {
		return commandValidationError("amount", "amount must be greater than zero")
	}
	return nil
}

type ResolveAmbiguousMessage struct {
	OperationID string
	StepName    string
	Confirmed   bool
}

func (ResolveAmbiguousMessage) Type() string { return TypeResolveAmbiguous }

func (m ResolveAmbiguousMessage) Validate() error {
	if strings.TrimSpace(m.OperationID) == "" {
		return commandValidationError("operation_id", "operation id is required")
	}
	if strings.TrimSpace(m.StepName) == "" {
		return commandValidationError("step_name", "step name is required")
	}
	return nil
}

type RunReconciliationMessage struct {
	WithProof bool
}

func (RunReconciliationMessage) Type() string { return TypeRunReconciliation }

func (RunReconciliationMessage) Validate() error { return nil }

type AcknowledgeReportMessage struct {
	ReportID       string
	AcknowledgedBy string
}

func (AcknowledgeReportMessage) Type() string { return TypeAcknowledgeReport }

func (m AcknowledgeReportMessage) Validate() error {
	if strings.TrimSpace(m.ReportID) == "" {
		return commandValidationError("report_id", "report id is required")
	}
	if strings.TrimSpace(m.AcknowledgedBy) == "" {
		return commandValidationError("acknowledged_by", "acknowledging operator is required")
	}
	return nil
}

type ForceOpenBreakerMessage struct {
	Service string
	Reason  string
}

func (ForceOpenBreakerMessage) Type() string { return TypeForceOpenBreaker }

func (m ForceOpenBreakerMessage) Validate() error {
	if strings.TrimSpace(m.Service) == "" {
		return commandValidationError("service", "service name is required")
	}
	if strings.TrimSpace(m.Reason) == "" {
		return commandValidationError("reason", "operator reason is required")
	}
	return nil
}

type ForceCloseBreakerMessage struct {
	Service string
}

func (ForceCloseBreakerMessage) Type() string { return TypeForceCloseBreaker }

func (m ForceCloseBreakerMessage) Validate() error {
	if strings.TrimSpace(m.Service) == "" {
		return commandValidationError("service", "service name is required")
	}
	return nil
}

type ResumeMonitorMessage struct{}

func (ResumeMonitorMessage) Type() string { return TypeResumeMonitor }

func (ResumeMonitorMessage) Validate() error { return nil }

type EngageHaltMessage struct {
	Reason string
}

func (EngageHaltMessage) Type() string { return TypeEngageHalt }

func (m EngageHaltMessage) Validate() error {
	if strings.TrimSpace(m.Reason) == "" {
		return commandValidationError("reason", "halt reason is required")
	}
	return nil
}

type ReleaseHaltMessage struct{}

func (ReleaseHaltMessage) Type() string { return TypeReleaseHalt }

func (ReleaseHaltMessage) Validate() error { return nil }

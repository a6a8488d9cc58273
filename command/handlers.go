package command

import (
	"context"

	"github.com/anchorledger/custody-core/core"
	"github.com/anchorledger/custody-core/orchestrator"
	gocmd "github.com/goliatone/go-command"
)

// OperationService is the mutating surface of the orchestration engine.
// *orchestrator.Engine satisfies it.
type OperationService interface {
	SubmitDeposit(ctx context.Context, req orchestrator.DepositRequest) (core.Operation, error)
	SubmitWithdrawal(ctx context.Context, req orchestrator.WithdrawalRequest) (core.Operation, error)
	SubmitExchange(ctx context.Context, req orchestrator.ExchangeRequest) (core.Operation, error)
	ResolveAmbiguous(ctx context.Context, opID string, stepName string, confirmed bool) (core.Operation, error)
}

// ReconciliationService is satisfied by *reconciler.Reconciler.
type ReconciliationService interface {
	Run(ctx context.Context) (core.ReconciliationResult, error)
	RunProof(ctx context.Context) (core.ReconciliationResult, error)
	Acknowledge(ctx context.Context, id string, acknowledgedBy string) error
}

// BreakerControl is the operator override surface of *breaker.Registry.
type BreakerControl interface {
	ForceOpen(ctx context.Context, service string, reason string) error
	ForceClose(ctx context.Context, service string) error
}

// MonitorControl is satisfied by *monitor.Monitor.
type MonitorControl interface {
	Resume()
}

// HaltControl is satisfied by *core.EmergencySwitch.
type HaltControl interface {
	Engage(reason string)
	Release()
}

type SubmitDepositCommand struct {
	service OperationService
}

func NewSubmitDepositCommand(service OperationService) *SubmitDepositCommand {
	return &SubmitDepositCommand{service: service}
}

func (c *SubmitDepositCommand) Execute(ctx context.Context, msg SubmitDepositMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: operation service is required")
	}
	op, err := c.service.SubmitDeposit(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, op)
	return nil
}

type SubmitWithdrawalCommand struct {
	service OperationService
}

func NewSubmitWithdrawalCommand(service OperationService) *SubmitWithdrawalCommand {
	return &SubmitWithdrawalCommand{service: service}
}

func (c *SubmitWithdrawalCommand) Execute(ctx context.Context, msg SubmitWithdrawalMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: operation service is required")
	}
	op, err := c.service.SubmitWithdrawal(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, op)
	return nil
}

type SubmitExchangeCommand struct {
	service OperationService
}

func NewSubmitExchangeCommand(service OperationService) *SubmitExchangeCommand {
	return &SubmitExchangeCommand{service: service}
}

func (c *SubmitExchangeCommand) Execute(ctx context.Context, msg SubmitExchangeMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: operation service is required")
	}
	op, err := c.service.SubmitExchange(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, op)
	return nil
}

type ResolveAmbiguousCommand struct {
	service OperationService
}

func NewResolveAmbiguousCommand(service OperationService) *ResolveAmbiguousCommand {
	return &ResolveAmbiguousCommand{service: service}
}

func (c *ResolveAmbiguousCommand) Execute(ctx context.Context, msg ResolveAmbiguousMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: operation service is required")
	}
	op, err := c.service.ResolveAmbiguous(ctx, msg.OperationID, msg.StepName, msg.Confirmed)
	if err != nil {
		return err
	}
	storeResult(ctx, op)
	return nil
}

type RunReconciliationCommand struct {
	service ReconciliationService
}

func NewRunReconciliationCommand(service ReconciliationService) *RunReconciliationCommand {
	return &RunReconciliationCommand{service: service}
}

func (c *RunReconciliationCommand) Execute(ctx context.Context, msg RunReconciliationMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: reconciliation service is required")
	}
	run := c.service.Run
	if msg.WithProof {
		run = c.service.RunProof
	}
	result, err := run(ctx)
	if err != nil {
		return err
	}
	storeResult(ctx, result)
	return nil
}

type AcknowledgeReportCommand struct {
	service ReconciliationService
}

func NewAcknowledgeReportCommand(service ReconciliationService) *AcknowledgeReportCommand {
	return &AcknowledgeReportCommand{service: service}
}

func (c *AcknowledgeReportCommand) Execute(ctx context.Context, msg AcknowledgeReportMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: reconciliation service is required")
	}
	return c.service.Acknowledge(ctx, msg.ReportID, msg.AcknowledgedBy)
}

type ForceOpenBreakerCommand struct {
	breakers BreakerControl
}

func NewForceOpenBreakerCommand(breakers BreakerControl) *ForceOpenBreakerCommand {
	return &ForceOpenBreakerCommand{breakers: breakers}
}

func (c *ForceOpenBreakerCommand) Execute(ctx context.Context, msg ForceOpenBreakerMessage) error {
	if c == nil || c.breakers == nil {
		return commandDependencyError("command: breaker registry is required")
	}
	return c.breakers.ForceOpen(ctx, msg.Service, msg.Reason)
}

type ForceCloseBreakerCommand struct {
	breakers BreakerControl
}

func NewForceCloseBreakerCommand(breakers BreakerControl) *ForceCloseBreakerCommand {
	return &ForceCloseBreakerCommand{breakers: breakers}
}

func (c *ForceCloseBreakerCommand) Execute(ctx context.Context, msg ForceCloseBreakerMessage) error {
	if c == nil || c.breakers == nil {
		return commandDependencyError("command: breaker registry is required")
	}
	return c.breakers.ForceClose(ctx, msg.Service)
}

type ResumeMonitorCommand struct {
	monitor MonitorControl
}

func NewResumeMonitorCommand(monitor MonitorControl) *ResumeMonitorCommand {
	return &ResumeMonitorCommand{monitor: monitor}
}

func (c *ResumeMonitorCommand) Execute(_ context.Context, _ ResumeMonitorMessage) error {
	if c == nil || c.monitor == nil {
		return commandDependencyError("command: monitor is required")
	}
	c.monitor.Resume()
	return nil
}

type EngageHaltCommand struct {
	halt HaltControl
}

func NewEngageHaltCommand(halt HaltControl) *EngageHaltCommand {
	return &EngageHaltCommand{halt: halt}
}

func (c *EngageHaltCommand) Execute(_ context.Context, msg EngageHaltMessage) error {
	if c == nil || c.halt == nil {
		return commandDependencyError("command: emergency switch is required")
	}
	c.halt.Engage(msg.Reason)
	return nil
}

type ReleaseHaltCommand struct {
	halt HaltControl
}

func NewReleaseHaltCommand(halt HaltControl) *ReleaseHaltCommand {
	return &ReleaseHaltCommand{halt: halt}
}

func (c *ReleaseHaltCommand) Execute(_ context.Context, _ ReleaseHaltMessage) error {
	if c == nil || c.halt == nil {
		return commandDependencyError("command: emergency switch is required")
	}
	c.halt.Release()
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}

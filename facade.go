package custody

import (
	"github.com/anchorledger/custody-core/adapters/gocommand"
	ccommand "github.com/anchorledger/custody-core/command"
	"github.com/anchorledger/custody-core/core"
	cquery "github.com/anchorledger/custody-core/query"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
)

// Commands bundles the go-command mutation handlers built over a runtime.
type Commands struct {
	SubmitDeposit     *ccommand.SubmitDepositCommand
	SubmitWithdrawal  *ccommand.SubmitWithdrawalCommand
	SubmitExchange    *ccommand.SubmitExchangeCommand
	ResolveAmbiguous  *ccommand.ResolveAmbiguousCommand
	RunReconciliation *ccommand.RunReconciliationCommand
	AcknowledgeReport *ccommand.AcknowledgeReportCommand
	ForceOpenBreaker  *ccommand.ForceOpenBreakerCommand
	ForceCloseBreaker *ccommand.ForceCloseBreakerCommand
	ResumeMonitor     *ccommand.ResumeMonitorCommand
	EngageHalt        *ccommand.EngageHaltCommand
	ReleaseHalt       *ccommand.ReleaseHaltCommand
}

// Queries bundles the read handlers.
type Queries struct {
	GetOperation         *cquery.GetOperationQuery
	LookupOperation      *cquery.LookupOperationQuery
	BreakerSnapshots     *cquery.BreakerSnapshotsQuery
	LatestReconciliation *cquery.LatestReconciliationQuery
	MonitorStats         *cquery.MonitorStatsQuery
	HaltStatus           *cquery.HaltStatusQuery
}

// Facade exposes the runtime through typed command and query handlers so
// embedders can call them directly or mount them on the dispatcher.
type Facade struct {
	runtime  *Runtime
	commands Commands
	queries  Queries
}

func NewFacade(runtime *Runtime) (*Facade, error) {
	if runtime == nil {
		return nil, core.NewError(core.ErrorKindMisconfigured, "custody: runtime is required")
	}

	facade := &Facade{runtime: runtime}
	facade.commands = Commands{
		SubmitDeposit:     ccommand.NewSubmitDepositCommand(runtime.engine),
		SubmitWithdrawal:  ccommand.NewSubmitWithdrawalCommand(runtime.engine),
		SubmitExchange:    ccommand.NewSubmitExchangeCommand(runtime.engine),
		ResolveAmbiguous:  ccommand.NewResolveAmbiguousCommand(runtime.engine),
		RunReconciliation: ccommand.NewRunReconciliationCommand(runtime.reconciler),
		AcknowledgeReport: ccommand.NewAcknowledgeReportCommand(runtime.reconciler),
		ForceOpenBreaker:  ccommand.NewForceOpenBreakerCommand(runtime.breakers),
		ForceCloseBreaker: ccommand.NewForceCloseBreakerCommand(runtime.breakers),
		ResumeMonitor:     ccommand.NewResumeMonitorCommand(runtime.monitor),
		EngageHalt:        ccommand.NewEngageHaltCommand(runtime.halt),
		ReleaseHalt:       ccommand.NewReleaseHaltCommand(runtime.halt),
	}
	facade.queries = Queries{
		GetOperation:         cquery.NewGetOperationQuery(runtime.operations),
		LookupOperation:      cquery.NewLookupOperationQuery(runtime.operations),
		BreakerSnapshots:     cquery.NewBreakerSnapshotsQuery(runtime.breakers),
		LatestReconciliation: cquery.NewLatestReconciliationQuery(runtime.reconciliations),
		MonitorStats:         cquery.NewMonitorStatsQuery(runtime.monitor),
		HaltStatus:           cquery.NewHaltStatusQuery(runtime.halt),
	}

	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Runtime() *Runtime {
	if f == nil {
		return nil
	}
	return f.runtime
}

// BindCommandBus registers the full command and query surface on the
// dispatcher through the given registry adapter. The returned
// subscriptions unsubscribe individually; the adapter still needs
// Initialize before the bus serves traffic.
func (f *Facade) BindCommandBus(adapter *gocommand.RegistryAdapter, runnerOpts ...runner.Option) ([]commanddispatcher.Subscription, error) {
	if f == nil || f.runtime == nil {
		return nil, core.NewError(core.ErrorKindMisconfigured, "custody: facade is not configured")
	}
	return gocommand.Wire(adapter, gocommand.Deps{
		Operations:     f.runtime.engine,
		Reconciliation: f.runtime.reconciler,
		BreakerControl: f.runtime.breakers,
		Monitor:        f.runtime.monitor,
		Halt:           f.runtime.halt,

		OperationReader:      f.runtime.operations,
		BreakerReader:        f.runtime.breakers,
		ReconciliationReader: f.runtime.reconciliations,
		MonitorReader:        f.runtime.monitor,
		HaltReader:           f.runtime.halt,
	}, runnerOpts...)
}

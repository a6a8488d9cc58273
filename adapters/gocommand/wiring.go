package gocommand

import (
	ccommand "github.com/anchorledger/custody-core/command"
	cquery "github.com/anchorledger/custody-core/query"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
)

// Deps carries the custody surfaces the bus exposes. Nil fields skip their
// handlers so a read-only deployment can wire queries alone.
type Deps struct {
	Operations     ccommand.OperationService
	Reconciliation ccommand.ReconciliationService
	BreakerControl ccommand.BreakerControl
	Monitor        ccommand.MonitorControl
	Halt           ccommand.HaltControl

	OperationReader      cquery.OperationReader
	BreakerReader        cquery.BreakerReader
	ReconciliationReader cquery.ReconciliationReader
	MonitorReader        cquery.MonitorReader
	HaltReader           cquery.HaltReader
}

// Wire registers and subscribes every custody command and query the deps
// can serve. On any failure the already-created subscriptions are torn
// down and the error is returned.
func Wire(adapter *RegistryAdapter, deps Deps, runnerOpts ...runner.Option) ([]commanddispatcher.Subscription, error) {
	var subscriptions []commanddispatcher.Subscription

	keep := func(sub commanddispatcher.Subscription, err error) error {
		if err != nil {
			for _, existing := range subscriptions {
				if existing != nil {
					existing.Unsubscribe()
				}
			}
			return err
		}
		subscriptions = append(subscriptions, sub)
		return nil
	}

	if deps.Operations != nil {
		if err := keep(RegisterAndSubscribe(adapter, ccommand.NewSubmitDepositCommand(deps.Operations), runnerOpts...)); err != nil {
			return nil, err
		}
		if err := keep(RegisterAndSubscribe(adapter, ccommand.NewSubmitWithdrawalCommand(deps.Operations), runnerOpts...)); err != nil {
			return nil, err
		}
		if err := keep(RegisterAndSubscribe(adapter, ccommand.NewSubmitExchangeCommand(deps.Operations), runnerOpts...)); err != nil {
			return nil, err
		}
		if err := keep(RegisterAndSubscribe(adapter, ccommand.NewResolveAmbiguousCommand(deps.Operations), runnerOpts...)); err != nil {
			return nil, err
		}
	}
	if deps.Reconciliation != nil {
		if err := keep(RegisterAndSubscribe(adapter, ccommand.NewRunReconciliationCommand(deps.Reconciliation), runnerOpts...)); err != nil {
			return nil, err
		}
		if err := keep(RegisterAndSubscribe(adapter, ccommand.NewAcknowledgeReportCommand(deps.Reconciliation), runnerOpts...)); err != nil {
			return nil, err
		}
	}
	if deps.BreakerControl != nil {
		if err := keep(RegisterAndSubscribe(adapter, ccommand.NewForceOpenBreakerCommand(deps.BreakerControl), runnerOpts...)); err != nil {
			return nil, err
		}
		if err := keep(RegisterAndSubscribe(adapter, ccommand.NewForceCloseBreakerCommand(deps.BreakerControl), runnerOpts...)); err != nil {
			return nil, err
		}
	}
	if deps.Monitor != nil {
		if err := keep(RegisterAndSubscribe(adapter, ccommand.NewResumeMonitorCommand(deps.Monitor), runnerOpts...)); err != nil {
			return nil, err
		}
	}
	if deps.Halt != nil {
		if err := keep(RegisterAndSubscribe(adapter, ccommand.NewEngageHaltCommand(deps.Halt), runnerOpts...)); err != nil {
			return nil, err
		}
		if err := keep(RegisterAndSubscribe(adapter, ccommand.NewReleaseHaltCommand(deps.Halt), runnerOpts...)); err != nil {
			return nil, err
		}
	}

	if deps.OperationReader != nil {
		if err := keep(RegisterAndSubscribeQuery(adapter, cquery.NewGetOperationQuery(deps.OperationReader), runnerOpts...)); err != nil {
			return nil, err
		}
		if err := keep(RegisterAndSubscribeQuery(adapter, cquery.NewLookupOperationQuery(deps.OperationReader), runnerOpts...)); err != nil {
			return nil, err
		}
	}
	if deps.BreakerReader != nil {
		if err := keep(RegisterAndSubscribeQuery(adapter, cquery.NewBreakerSnapshotsQuery(deps.BreakerReader), runnerOpts...)); err != nil {
			return nil, err
		}
	}
	if deps.ReconciliationReader != nil {
		if err := keep(RegisterAndSubscribeQuery(adapter, cquery.NewLatestReconciliationQuery(deps.ReconciliationReader), runnerOpts...)); err != nil {
			return nil, err
		}
	}
	if deps.MonitorReader != nil {
		if err := keep(RegisterAndSubscribeQuery(adapter, cquery.NewMonitorStatsQuery(deps.MonitorReader), runnerOpts...)); err != nil {
			return nil, err
		}
	}
	if deps.HaltReader != nil {
		if err := keep(RegisterAndSubscribeQuery(adapter, cquery.NewHaltStatusQuery(deps.HaltReader), runnerOpts...)); err != nil {
			return nil, err
		}
	}

	return subscriptions, nil
}

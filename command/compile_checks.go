package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[SubmitDepositMessage]     = (*SubmitDepositCommand)(nil)
	_ gocmd.Commander[SubmitWithdrawalMessage]  = (*SubmitWithdrawalCommand)(nil)
	_ gocmd.Commander[SubmitExchangeMessage]    = (*SubmitExchangeCommand)(nil)
	_ gocmd.Commander[ResolveAmbiguousMessage]  = (*ResolveAmbiguousCommand)(nil)
	_ gocmd.Commander[RunReconciliationMessage] = (*RunReconciliationCommand)(nil)
	_ gocmd.Commander[AcknowledgeReportMessage] = (*AcknowledgeReportCommand)(nil)
	_ gocmd.Commander[ForceOpenBreakerMessage]  = (*ForceOpenBreakerCommand)(nil)
	_ gocmd.Commander[ForceCloseBreakerMessage] = (*ForceCloseBreakerCommand)(nil)
	_ gocmd.Commander[ResumeMonitorMessage]     = (*ResumeMonitorCommand)(nil)
	_ gocmd.Commander[EngageHaltMessage]        = (*EngageHaltCommand)(nil)
	_ gocmd.Commander[ReleaseHaltMessage]       = (*ReleaseHaltCommand)(nil)
)

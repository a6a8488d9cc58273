package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/anchorledger/custody-core/breaker"
	"github.com/anchorledger/custody-core/core"
)

// chainCall is one contract interaction inside a workflow status. The step
// name doubles as the idempotency key: a succeeded step record with the same
// name means the call already landed and is skipped on resume.
type chainCall struct {
	step       string
	service    string
	contractID string
	function   string
	args       []any
	simulate   bool
	digest     string
}

// run drives the operation from its current status until it completes,
// parks for a retry or reconciliation, or fails. Retried operations
// re-enter here and resume from wherever they stopped.
func (e *Engine) run(ctx context.Context, op core.Operation) core.Operation {
	for {
		if op.Status.Terminal() {
			return op
		}

		var cont bool
		switch op.Status {
		case core.OperationStatusPending:
			op, cont = e.advance(ctx, op, core.OperationStatusKycVerifying, nil)
		case core.OperationStatusKycVerifying:
			op, cont = e.stepCompliance(ctx, op)
		case core.OperationStatusReserveValidating:
			op, cont = e.stepValidateReserve(ctx, op)
		case core.OperationStatusRegistering:
			op, cont = e.stepRegister(ctx, op)
		case core.OperationStatusMinting:
			op, cont = e.stepMint(ctx, op)
		case core.OperationStatusBurning:
			op, cont = e.stepSettleWithdrawal(ctx, op)
		case core.OperationStatusExchanging:
			op, cont = e.stepSettleExchange(ctx, op)
		case core.OperationStatusRollingBack:
			return e.unwind(ctx, op)
		case core.OperationStatusReconciling:
			// Parked until an operator or the event monitor resolves the
			// ambiguous outcome through ResolveAmbiguous.
			return op
		default:
			e.logger.Error("operation in unknown status", "operation_id", op.ID, "status", string(op.Status))
			return op
		}
		if !cont {
			return op
		}
	}
}

// stepCompliance runs the admission check against the compliance gateway.
// Every workflow kind passes through here exactly once.
func (e *Engine) stepCompliance(ctx context.Context, op core.Operation) (core.Operation, bool) {
	if hasSucceededStep(op, "kyc_check") {
		return e.advance(ctx, op, core.OperationStatusReserveValidating, nil)
	}

	started := e.now()
	var decision core.ComplianceDecision
	err := e.breakers.Do(ctx, breaker.ServiceCompliance, func(ctx context.Context) error {
		var checkErr error
		decision, checkErr = e.compliance.Check(ctx, op.Principal, op.Kind.Class(), op.Amount)
		return checkErr
	})
	step := e.newStep(op, breaker.ServiceCompliance, "kyc_check", started)
	if err != nil {
		return e.routeFailure(ctx, op, step, err)
	}

	step.Outcome = core.StepOutcomeSucceeded
	step.ResponseDigest = strconv.FormatUint(decision.LimitRemaining, 10)
	e.logger.Debug("compliance check passed",
		"operation_id", op.ID,
		"tier", decision.Tier.Code,
		"limit_remaining", decision.LimitRemaining,
	)
	return e.advance(ctx, op, core.OperationStatusReserveValidating, &step)
}

// stepValidateReserve performs the per-kind preflight checks before any
// chain state is mutated. Nothing done here needs compensation.
func (e *Engine) stepValidateReserve(ctx context.Context, op core.Operation) (core.Operation, bool) {
	switch op.Kind {
	case core.OperationKindBtcDeposit:
		return e.validateDeposit(ctx, op)
	case core.OperationKindTokenWithdrawal:
		return e.validateWithdrawal(ctx, op)
	default:
		return e.validateExchange(ctx, op)
	}
}

func (e *Engine) validateDeposit(ctx context.Context, op core.Operation) (core.Operation, bool) {
	if hasSucceededStep(op, "reserve_check") {
		return e.advance(ctx, op, core.OperationStatusRegistering, nil)
	}
	_, step, err := e.fetchScalar(ctx, op, "reserve_check", breaker.ServiceReserve, e.chainCfg.ReserveContract, "get_total_reserves")
	if err != nil {
		return e.routeFailure(ctx, op, step, err)
	}
	return e.advance(ctx, op, core.OperationStatusRegistering, &step)
}

func (e *Engine) validateWithdrawal(ctx context.Context, op core.Operation) (core.Operation, bool) {
	if !hasSucceededStep(op, "balance_check") {
		step, _, err := e.execute(ctx, op, chainCall{
			step:       "balance_check",
			service:    breaker.ServiceBitcoinNetwork,
			contractID: e.chainCfg.TokenContract,
			function:   "burn_tokens",
			args:       []any{op.Principal, op.TokenAmount},
			simulate:   true,
		})
		if err != nil {
			return e.routeFailure(ctx, op, step, err)
		}
		var ok bool
		if op, ok = e.recordStep(ctx, op, step); !ok {
			return op, false
		}
	}

	if hasSucceededStep(op, "reserve_check") {
		return e.advance(ctx, op, core.OperationStatusBurning, nil)
	}
	reserves, step, err := e.fetchScalar(ctx, op, "reserve_check", breaker.ServiceReserve, e.chainCfg.ReserveContract, "get_total_reserves")
	if err != nil {
		return e.routeFailure(ctx, op, step, err)
	}
	if reserves < op.Amount {
		return e.routeFailure(ctx, op, step, core.NewError(
			core.ErrorKindInsufficientReserves,
			fmt.Sprintf("orchestrator: reserve holds %d, withdrawal needs %d", reserves, op.Amount),
		))
	}
	return e.advance(ctx, op, core.OperationStatusBurning, &step)
}

func (e *Engine) validateExchange(ctx context.Context, op core.Operation) (core.Operation, bool) {
	if !hasSucceededStep(op, "balance_check") {
		step, _, err := e.execute(ctx, op, chainCall{
			step:       "balance_check",
			service:    breaker.ServiceBitcoinNetwork,
			contractID: e.chainCfg.TokenContract,
			function:   "burn_tokens",
			args:       []any{op.Principal, op.Amount, op.SourceToken},
			simulate:   true,
		})
		if err != nil {
			return e.routeFailure(ctx, op, step, err)
		}
		var ok bool
		if op, ok = e.recordStep(ctx, op, step); !ok {
			return op, false
		}
	}

	if hasSucceededStep(op, "quote_check") {
		return e.advance(ctx, op, core.OperationStatusExchanging, nil)
	}
	step, result, err := e.execute(ctx, op, chainCall{
		step:       "quote_check",
		service:    breaker.ServiceOracle,
		contractID: e.chainCfg.RegistryContract,
		function:   "quote_exchange",
		args:       []any{op.SourceToken, op.TargetToken, op.Amount},
		simulate:   true,
	})
	if err != nil {
		return e.routeFailure(ctx, op, step, err)
	}
	quote, err := parseQuote(result.ReturnValue, op.Amount)
	if err != nil {
		return e.routeFailure(ctx, op, step, err)
	}
	if err := e.validateRate(quote); err != nil {
		return e.routeFailure(ctx, op, step, err)
	}
	step.ResponseDigest = strconv.FormatUint(quote.ToAmount, 10)
	fee := exchangeFee(quote.ToAmount, e.oracleCfg.ExchangeFeeBP)
	if net := quote.ToAmount - fee; net < op.TokenAmount {
		return e.routeFailure(ctx, op, step, core.NewError(
			core.ErrorKindSlippageExceeded,
			fmt.Sprintf("orchestrator: %d after fees below minimum %d", net, op.TokenAmount),
		))
	}
	return e.advance(ctx, op, core.OperationStatusExchanging, &step)
}

// oracleQuote is the registry's answer to a quote simulation. Legacy
// registries return a bare integer amount; newer ones return a document
// carrying rate provenance for the staleness and deviation gates.
type oracleQuote struct {
	ToAmount       uint64 `json:"to_amount"`
	RateBP         int64  `json:"rate_bp"`
	FallbackRateBP int64  `json:"fallback_rate_bp"`
	UpdatedAt      int64  `json:"updated_at"`
}

// parseQuote decodes the registry's return value. A registry that returns
// nothing trades at par.
func parseQuote(raw []byte, par uint64) (oracleQuote, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return oracleQuote{ToAmount: par}, nil
	}
	if v, ok := parseScalar(raw); ok {
		return oracleQuote{ToAmount: v}, nil
	}
	var quote oracleQuote
	if err := json.Unmarshal([]byte(text), &quote); err != nil {
		return oracleQuote{}, core.WrapError(core.ErrorKindInvalidResponse, err, "orchestrator: malformed exchange quote")
	}
	if quote.ToAmount == 0 {
		quote.ToAmount = par
	}
	return quote, nil
}

// validateRate refuses quotes built on a rate older than two oracle update
// cycles or drifted too far from the fallback price source. Quotes without
// provenance carry no timestamps and pass through.
func (e *Engine) validateRate(quote oracleQuote) error {
	if quote.UpdatedAt > 0 && e.oracleCfg.UpdateFrequencyS > 0 {
		age := e.now().Sub(time.Unix(quote.UpdatedAt, 0))
		maxAge := 2 * time.Duration(e.oracleCfg.UpdateFrequencyS) * time.Second
		if age > maxAge {
			return core.NewError(
				core.ErrorKindOracleStale,
				fmt.Sprintf("orchestrator: exchange rate is %s old, limit %s", age, maxAge),
			)
		}
	}
	if quote.RateBP > 0 && quote.FallbackRateBP > 0 && e.oracleCfg.MaxPriceDeviationBP > 0 {
		diff := quote.RateBP - quote.FallbackRateBP
		if diff < 0 {
			diff = -diff
		}
		deviation := diff * 10_000 / quote.FallbackRateBP
		if deviation > e.oracleCfg.MaxPriceDeviationBP {
			return core.NewError(
				core.ErrorKindOracleStale,
				fmt.Sprintf("orchestrator: rate deviates %dbp from fallback, limit %dbp", deviation, e.oracleCfg.MaxPriceDeviationBP),
			)
		}
	}
	return nil
}

func exchangeFee(gross uint64, feeBP int64) uint64 {
	if feeBP <= 0 {
		return 0
	}
	return gross * uint64(feeBP) / 10_000
}

// quotedAmount recovers the gross quote recorded during validation. An
// operation that lost its quote record settles at the guaranteed minimum.
func quotedAmount(op core.Operation) uint64 {
	for _, step := range op.Steps {
		if step.Name == "quote_check" && step.Outcome == core.StepOutcomeSucceeded {
			if v, ok := parseScalar([]byte(step.ResponseDigest)); ok {
				return v
			}
		}
	}
	return op.TokenAmount
}

// stepRegister registers the deposit on the reserve contract, then marks it
// processed. Confirmations cleared the policy gate at submission, so both
// calls run in the same pass.
func (e *Engine) stepRegister(ctx context.Context, op core.Operation) (core.Operation, bool) {
	if !hasSucceededStep(op, "register_deposit") {
		step, _, err := e.execute(ctx, op, chainCall{
			step:       "register_deposit",
			service:    breaker.ServiceReserve,
			contractID: e.chainCfg.ReserveContract,
			function:   "register_deposit",
			args:       []any{op.ExternalRef, op.Amount},
		})
		if err != nil {
			return e.routeFailure(ctx, op, step, err)
		}
		var ok bool
		if op, ok = e.recordStep(ctx, op, step); !ok {
			return op, false
		}
	}

	if hasSucceededStep(op, "process_deposit") {
		return e.advance(ctx, op, core.OperationStatusMinting, nil)
	}
	step, _, err := e.execute(ctx, op, chainCall{
		step:       "process_deposit",
		service:    breaker.ServiceReserve,
		contractID: e.chainCfg.ReserveContract,
		function:   "process_deposit",
		args:       []any{op.ExternalRef},
	})
	if err != nil {
		return e.routeFailure(ctx, op, step, err)
	}
	return e.advance(ctx, op, core.OperationStatusMinting, &step)
}

// stepMint mints the linked tokens, then refreshes the supply figure on the
// reserve contract. The refresh is idempotent and carries no compensation.
func (e *Engine) stepMint(ctx context.Context, op core.Operation) (core.Operation, bool) {
	calls := []chainCall{
		{
			step:       "mint_tokens",
			service:    breaker.ServiceBitcoinNetwork,
			contractID: e.chainCfg.TokenContract,
			function:   "mint_tokens",
			args:       []any{op.Principal, op.TokenAmount, op.ExternalRef},
		},
		{
			step:       "update_supply",
			service:    breaker.ServiceReserve,
			contractID: e.chainCfg.ReserveContract,
			function:   "update_supply",
		},
	}
	return e.settle(ctx, op, calls)
}

// stepSettleWithdrawal burns the tokens and records the withdrawal request
// on the reserve contract. The bitcoin payout itself belongs to the
// external settlement service: the operation completes once the request is
// recorded, and later chain events update it through the event monitor.
func (e *Engine) stepSettleWithdrawal(ctx context.Context, op core.Operation) (core.Operation, bool) {
	calls := []chainCall{
		{
			step:       "burn_tokens",
			service:    breaker.ServiceBitcoinNetwork,
			contractID: e.chainCfg.TokenContract,
			function:   "burn_tokens",
			args:       []any{op.Principal, op.TokenAmount, op.ExternalRef},
		},
		{
			step:       "create_withdrawal",
			service:    breaker.ServiceReserve,
			contractID: e.chainCfg.ReserveContract,
			function:   "create_withdrawal",
			args:       []any{op.Principal, op.Amount, op.BtcAddress, op.ExternalRef},
		},
		{
			step:       "update_supply",
			service:    breaker.ServiceReserve,
			contractID: e.chainCfg.ReserveContract,
			function:   "update_supply",
		},
	}
	return e.settle(ctx, op, calls)
}

// stepSettleExchange burns the source denomination, mints the quoted target
// amount net of fees, and sweeps the fee to the treasury. The sweep runs
// last and is absorbed on failure; both token legs stay compensatable.
func (e *Engine) stepSettleExchange(ctx context.Context, op core.Operation) (core.Operation, bool) {
	gross := quotedAmount(op)
	fee := exchangeFee(gross, e.oracleCfg.ExchangeFeeBP)
	net := gross - fee
	calls := []chainCall{
		{
			step:       "burn_source",
			service:    breaker.ServiceBitcoinNetwork,
			contractID: e.chainCfg.TokenContract,
			function:   "burn_tokens",
			args:       []any{op.Principal, op.Amount, op.SourceToken, op.ExternalRef},
		},
		{
			step:       "mint_target",
			service:    breaker.ServiceBitcoinNetwork,
			contractID: e.chainCfg.TokenContract,
			function:   "mint_tokens",
			args:       []any{op.Principal, net, op.TargetToken, op.ExternalRef},
			digest:     strconv.FormatUint(net, 10),
		},
	}
	if fee > 0 && strings.TrimSpace(e.chainCfg.TreasuryAccount) != "" {
		calls = append(calls, chainCall{
			step:       "collect_fee",
			service:    breaker.ServiceBitcoinNetwork,
			contractID: e.chainCfg.TokenContract,
			function:   "collect_fee",
			args:       []any{e.chainCfg.TreasuryAccount, fee, op.TargetToken},
		})
	}
	return e.settle(ctx, op, calls)
}

func (e *Engine) settle(ctx context.Context, op core.Operation, calls []chainCall) (core.Operation, bool) {
	for i, call := range calls {
		if hasSucceededStep(op, call.step) {
			continue
		}
		step, _, err := e.execute(ctx, op, call)
		if err != nil {
			return e.routeFailure(ctx, op, step, err)
		}
		if i == len(calls)-1 {
			return e.complete(ctx, op, &step)
		}
		var ok bool
		if op, ok = e.recordStep(ctx, op, step); !ok {
			return op, false
		}
	}
	return e.complete(ctx, op, nil)
}

// execute runs one contract call behind the service's breaker and returns
// the step record describing it. The record has no outcome yet when err is
// non-nil; routeFailure fills it in.
func (e *Engine) execute(ctx context.Context, op core.Operation, call chainCall) (core.StepRecord, core.InvokeResult, error) {
	started := e.now()
	var result core.InvokeResult
	err := e.breakers.Do(ctx, call.service, func(ctx context.Context) error {
		req := core.InvokeRequest{
			ContractID: call.contractID,
			Function:   call.function,
			Args:       call.args,
			Timeout:    e.chainTimeout(),
		}
		var callErr error
		if call.simulate {
			result, callErr = e.chain.Simulate(ctx, req)
		} else {
			result, callErr = e.chain.Invoke(ctx, req)
		}
		if callErr != nil {
			return callErr
		}
		if !result.OK {
			return core.NewError(result.ErrKind, result.ErrMessage)
		}
		return nil
	})

	step := e.newStep(op, call.service, call.step, started)
	step.TxHash = result.TxHash
	step.GasUsed = result.GasUsed
	if err != nil {
		return step, result, err
	}
	step.Outcome = core.StepOutcomeSucceeded
	// The digest carries what the rollback planner needs to undo the call:
	// a withdrawal id, a minted amount. Contract return values fill it in
	// unless the call pinned its own.
	if call.digest != "" {
		step.ResponseDigest = call.digest
	} else if len(result.ReturnValue) > 0 {
		step.ResponseDigest = strings.TrimSpace(string(result.ReturnValue))
	}
	return step, result, nil
}

func (e *Engine) fetchScalar(ctx context.Context, op core.Operation, stepName, service, contractID, function string) (uint64, core.StepRecord, error) {
	started := e.now()
	var value uint64
	err := e.breakers.Do(ctx, service, func(ctx context.Context) error {
		var fetchErr error
		value, fetchErr = e.chain.FetchScalar(ctx, contractID, function)
		return fetchErr
	})
	step := e.newStep(op, service, stepName, started)
	if err != nil {
		return 0, step, err
	}
	step.Outcome = core.StepOutcomeSucceeded
	step.ResponseDigest = strconv.FormatUint(value, 10)
	return value, step, nil
}

func (e *Engine) newStep(op core.Operation, service, name string, started time.Time) core.StepRecord {
	return core.StepRecord{
		Service:   service,
		Name:      name,
		Attempts:  failedAttempts(op, name) + 1,
		LatencyMS: e.now().Sub(started).Milliseconds(),
		StartedAt: started,
		EndedAt:   e.now(),
	}
}

// routeFailure records the failed step and decides what happens to the
// operation: ambiguous outcomes park for reconciliation, retryable kinds go
// to the scheduler, and everything else aborts through the rollback path.
func (e *Engine) routeFailure(ctx context.Context, op core.Operation, step core.StepRecord, cause error) (core.Operation, bool) {
	kind := core.KindOf(cause)
	if kind == "" {
		kind = core.ErrorKindCallFailed
	}
	step.Outcome = core.StepOutcomeFailed
	step.ErrorKind = string(kind)

	if err := e.store.AppendStep(ctx, op.ID, step); err != nil {
		e.logger.Error("append failed step", "operation_id", op.ID, "step", step.Name, "error", err)
	}
	op.Steps = append(op.Steps, step)
	if err := e.store.SetError(ctx, op.ID, kind, cause.Error()); err != nil {
		e.logger.Error("record operation error", "operation_id", op.ID, "error", err)
	}
	op.LastErrorKind = string(kind)
	op.LastErrorMessage = cause.Error()
	e.metrics.IncCounter(ctx, "step_failures_total", 1, map[string]string{
		"step":       step.Name,
		"error_kind": string(kind),
	})

	if kind == core.ErrorKindAmbiguous {
		e.metrics.IncCounter(ctx, "ambiguous_outcomes_total", 1, map[string]string{"step": step.Name})
		updated, err := e.store.Transition(ctx, op.ID, op.Status, core.OperationStatusReconciling, nil)
		if err != nil {
			e.logger.Error("park for reconciliation", "operation_id", op.ID, "error", err)
			return op, false
		}
		e.logger.Warn("ambiguous outcome, operation parked for reconciliation",
			"operation_id", op.ID,
			"step", step.Name,
		)
		return updated, false
	}

	if kind.Retryable() && e.retries != nil {
		if entry, scheduled := e.retries.Schedule(ctx, op, step.Name, step.Attempts, kind); scheduled {
			e.logger.Info("step failed, retry scheduled",
				"operation_id", op.ID,
				"step", step.Name,
				"attempt", entry.Attempt,
				"error_kind", string(kind),
			)
			return op, false
		}
		marker := core.StepRecord{
			Service:   "orchestrator",
			Name:      "retries_exhausted",
			Outcome:   core.StepOutcomeSkipped,
			ErrorKind: string(kind),
			StartedAt: e.now(),
			EndedAt:   e.now(),
		}
		if err := e.store.AppendStep(ctx, op.ID, marker); err != nil {
			e.logger.Error("append exhaustion marker", "operation_id", op.ID, "error", err)
		}
		op.Steps = append(op.Steps, marker)
	}

	return e.abort(ctx, op), false
}

// abort ends a doomed operation: rolling back when any completed step
// mutated chain state, failing outright otherwise.
func (e *Engine) abort(ctx context.Context, op core.Operation) core.Operation {
	if e.retries != nil {
		e.retries.Cancel(op.ID)
	}
	if e.unwinder.NeedsUnwind(op) {
		updated, err := e.store.Transition(ctx, op.ID, op.Status, core.OperationStatusRollingBack, nil)
		if err != nil {
			e.logger.Error("enter rollback", "operation_id", op.ID, "error", err)
			return op
		}
		return e.unwind(ctx, updated)
	}

	updated, err := e.store.Transition(ctx, op.ID, op.Status, core.OperationStatusFailed, nil)
	if err != nil {
		e.logger.Error("mark failed", "operation_id", op.ID, "error", err)
		return op
	}
	e.logger.Warn("operation failed",
		"operation_id", op.ID,
		"kind", string(op.Kind),
		"error_kind", op.LastErrorKind,
	)
	return updated
}

func (e *Engine) unwind(ctx context.Context, op core.Operation) core.Operation {
	final, err := e.unwinder.Unwind(ctx, op)
	if err != nil {
		e.logger.Error("unwind", "operation_id", op.ID, "error", err)
		return final
	}
	e.logger.Warn("operation rolled back",
		"operation_id", op.ID,
		"kind", string(op.Kind),
		"status", string(final.Status),
	)
	return final
}

func (e *Engine) complete(ctx context.Context, op core.Operation, step *core.StepRecord) (core.Operation, bool) {
	updated, err := e.store.Transition(ctx, op.ID, op.Status, core.OperationStatusCompleted, step)
	if err != nil {
		e.logger.Error("mark completed", "operation_id", op.ID, "error", err)
		return op, false
	}
	if e.retries != nil {
		e.retries.Cancel(op.ID)
	}
	// Usage is charged only after the commit; a charge failure never undoes
	// a completed operation.
	if err := e.compliance.RecordUsage(ctx, op.Principal, op.Kind.Class(), op.Amount); err != nil {
		e.logger.Warn("record usage after completion", "operation_id", op.ID, "error", err)
	}
	e.logger.Info("operation completed", "operation_id", op.ID, "kind", string(op.Kind))
	return updated, false
}

func (e *Engine) advance(ctx context.Context, op core.Operation, next core.OperationStatus, step *core.StepRecord) (core.Operation, bool) {
	updated, err := e.store.Transition(ctx, op.ID, op.Status, next, step)
	if err != nil {
		e.logger.Error("transition",
			"operation_id", op.ID,
			"from", string(op.Status),
			"to", string(next),
			"error", err,
		)
		return op, false
	}
	return updated, true
}

func (e *Engine) recordStep(ctx context.Context, op core.Operation, step core.StepRecord) (core.Operation, bool) {
	if err := e.store.AppendStep(ctx, op.ID, step); err != nil {
		e.logger.Error("append step", "operation_id", op.ID, "step", step.Name, "error", err)
		return op, false
	}
	op.Steps = append(op.Steps, step)
	return op, true
}

// ResolveAmbiguous closes out an operation parked in reconciling once the
// true outcome of the named step is known. Confirmed means the call landed
// on chain: the step is recorded as succeeded and the workflow resumes past
// it. Unconfirmed means the call never landed, so the workflow resumes at
// the owning status and replays the step.
func (e *Engine) ResolveAmbiguous(ctx context.Context, opID string, stepName string, confirmed bool) (core.Operation, error) {
	if e == nil {
		return core.Operation{}, fmt.Errorf("orchestrator: engine is nil")
	}
	op, err := e.store.Get(ctx, opID)
	if err != nil {
		return core.Operation{}, err
	}
	if op.Status != core.OperationStatusReconciling {
		return op, core.NewError(
			core.ErrorKindInvalidState,
			fmt.Sprintf("orchestrator: operation is %s, not reconciling", op.Status),
		)
	}
	stepName = strings.TrimSpace(stepName)
	resume, ok := resumeStatusFor(op.Kind, stepName)
	if !ok {
		return op, core.NewError(
			core.ErrorKindParametersInvalid,
			fmt.Sprintf("orchestrator: step %q is not part of the %s workflow", stepName, op.Kind),
		)
	}

	var step *core.StepRecord
	if confirmed {
		now := e.now()
		step = &core.StepRecord{
			Service:   serviceForStep(stepName),
			Name:      stepName,
			Outcome:   core.StepOutcomeSucceeded,
			Attempts:  failedAttempts(op, stepName),
			StartedAt: now,
			EndedAt:   now,
		}
	}
	updated, err := e.store.Transition(ctx, op.ID, core.OperationStatusReconciling, resume, step)
	if err != nil {
		return op, err
	}
	e.metrics.IncCounter(ctx, "ambiguous_resolved_total", 1, map[string]string{
		"confirmed": strconv.FormatBool(confirmed),
	})
	e.logger.Info("ambiguous outcome resolved",
		"operation_id", op.ID,
		"step", stepName,
		"confirmed", confirmed,
		"resume_status", string(resume),
	)
	if err := e.enqueue(ctx, updated.ID); err != nil {
		return updated, err
	}
	return updated, nil
}

// resumeStatusFor maps a workflow step back onto the status that owns it.
func resumeStatusFor(kind core.OperationKind, step string) (core.OperationStatus, bool) {
	switch step {
	case "kyc_check":
		return core.OperationStatusKycVerifying, true
	case "reserve_check", "balance_check", "quote_check":
		return core.OperationStatusReserveValidating, true
	}
	switch kind {
	case core.OperationKindBtcDeposit:
		switch step {
		case "register_deposit", "process_deposit":
			return core.OperationStatusRegistering, true
		case "mint_tokens", "update_supply":
			return core.OperationStatusMinting, true
		}
	case core.OperationKindTokenWithdrawal:
		switch step {
		case "burn_tokens", "create_withdrawal", "update_supply":
			return core.OperationStatusBurning, true
		}
	case core.OperationKindCrossTokenExchange:
		switch step {
		case "burn_source", "mint_target", "collect_fee":
			return core.OperationStatusExchanging, true
		}
	}
	return "", false
}

func serviceForStep(step string) string {
	switch step {
	case "kyc_check":
		return breaker.ServiceCompliance
	case "reserve_check", "register_deposit", "process_deposit", "create_withdrawal", "update_supply":
		return breaker.ServiceReserve
	case "quote_check":
		return breaker.ServiceOracle
	default:
		return breaker.ServiceBitcoinNetwork
	}
}

func hasSucceededStep(op core.Operation, name string) bool {
	for _, step := range op.Steps {
		if step.Name == name && step.Outcome == core.StepOutcomeSucceeded {
			return true
		}
	}
	return false
}

func failedAttempts(op core.Operation, name string) int {
	count := 0
	for _, step := range op.Steps {
		if step.Name == name && step.Outcome == core.StepOutcomeFailed {
			count++
		}
	}
	return count
}

func parseScalar(raw []byte) (uint64, bool) {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return 0, false
	}
	value, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

func (e *Engine) chainTimeout() time.Duration {
	if e.chainCfg.TimeoutS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(e.chainCfg.TimeoutS) * time.Second
}

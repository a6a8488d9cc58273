package rollback

import (
	"strconv"
	"strings"

	"github.com/anchorledger/custody-core/core"
)

// CompensationSpec describes how to undo one workflow step. Steps without a
// spec are structurally non-compensatable: value has left the system once
// they run, so workflows sequence them last.
type CompensationSpec struct {
	ForStep    string
	Service    string
	ContractID string
	Function   string
	Critical   bool
	BuildArgs  func(op core.Operation, step core.StepRecord) []any
}

// Planned is one compensation ready to execute, paired with the step record
// it undoes.
type Planned struct {
	Spec CompensationSpec
	Step core.StepRecord
}

// Planner maps completed steps onto compensations, per workflow kind.
type Planner struct {
	specs map[core.OperationKind]map[string]CompensationSpec
}

func NewPlanner() *Planner {
	return &Planner{specs: map[core.OperationKind]map[string]CompensationSpec{}}
}

func (p *Planner) Register(kind core.OperationKind, spec CompensationSpec) {
	if p == nil || strings.TrimSpace(spec.ForStep) == "" {
		return
	}
	if p.specs[kind] == nil {
		p.specs[kind] = map[string]CompensationSpec{}
	}
	p.specs[kind][strings.TrimSpace(spec.ForStep)] = spec
}

// Plan walks the operation's succeeded steps in reverse order and returns
// the compensations to run. Failed and skipped steps changed nothing and
// are not compensated.
func (p *Planner) Plan(op core.Operation) []Planned {
	if p == nil {
		return nil
	}
	table := p.specs[op.Kind]
	if len(table) == 0 {
		return nil
	}
	var planned []Planned
	for i := len(op.Steps) - 1; i >= 0; i-- {
		step := op.Steps[i]
		if step.Outcome != core.StepOutcomeSucceeded {
			continue
		}
		spec, ok := table[strings.TrimSpace(step.Name)]
		if !ok {
			continue
		}
		planned = append(planned, Planned{Spec: spec, Step: step})
	}
	return planned
}

// DefaultPlanner wires the compensation table for the three custody
// workflows. The final value-release step of each workflow deliberately has
// no entry.
func DefaultPlanner(cfg core.ChainConfig) *Planner {
	planner := NewPlanner()

	// BTC deposit: undo the mint, the processing mark, then the reserve
	// registration. Only the mint is critical; an unburned mint means
	// supply exceeds reserves.
	planner.Register(core.OperationKindBtcDeposit, CompensationSpec{
		ForStep:    "mint_tokens",
		Service:    "bitcoin_network",
		ContractID: cfg.TokenContract,
		Function:   "burn_tokens",
		Critical:   true,
		BuildArgs: func(op core.Operation, _ core.StepRecord) []any {
			return []any{op.Principal, op.TokenAmount}
		},
	})
	planner.Register(core.OperationKindBtcDeposit, CompensationSpec{
		ForStep:    "process_deposit",
		Service:    "reserve",
		ContractID: cfg.ReserveContract,
		Function:   "revert_process",
		BuildArgs: func(op core.Operation, _ core.StepRecord) []any {
			return []any{op.ExternalRef}
		},
	})
	planner.Register(core.OperationKindBtcDeposit, CompensationSpec{
		ForStep:    "register_deposit",
		Service:    "reserve",
		ContractID: cfg.ReserveContract,
		Function:   "remove_deposit",
		Critical:   true,
		BuildArgs: func(op core.Operation, _ core.StepRecord) []any {
			return []any{op.ExternalRef, op.Amount}
		},
	})

	// Token withdrawal: cancel the recorded withdrawal request, re-mint the
	// burned tokens. The cancel is keyed on the id the reserve contract
	// returned to the forward call.
	planner.Register(core.OperationKindTokenWithdrawal, CompensationSpec{
		ForStep:    "burn_tokens",
		Service:    "bitcoin_network",
		ContractID: cfg.TokenContract,
		Function:   "mint_tokens",
		Critical:   true,
		BuildArgs: func(op core.Operation, _ core.StepRecord) []any {
			return []any{op.Principal, op.TokenAmount}
		},
	})
	planner.Register(core.OperationKindTokenWithdrawal, CompensationSpec{
		ForStep:    "create_withdrawal",
		Service:    "reserve",
		ContractID: cfg.ReserveContract,
		Function:   "cancel_withdrawal",
		BuildArgs: func(op core.Operation, step core.StepRecord) []any {
			id := step.ResponseDigest
			if id == "" {
				id = step.TxHash
			}
			return []any{id, op.Amount}
		},
	})

	// Cross-token exchange: burn what was minted, re-mint what was burned.
	// The collected fee has no compensation; it is absorbed.
	planner.Register(core.OperationKindCrossTokenExchange, CompensationSpec{
		ForStep:    "mint_target",
		Service:    "bitcoin_network",
		ContractID: cfg.TokenContract,
		Function:   "burn_tokens",
		Critical:   true,
		BuildArgs: func(op core.Operation, step core.StepRecord) []any {
			return []any{op.Principal, mintedAmount(step, op.TokenAmount)}
		},
	})
	planner.Register(core.OperationKindCrossTokenExchange, CompensationSpec{
		ForStep:    "burn_source",
		Service:    "bitcoin_network",
		ContractID: cfg.TokenContract,
		Function:   "mint_tokens",
		Critical:   true,
		BuildArgs: func(op core.Operation, _ core.StepRecord) []any {
			return []any{op.Principal, op.Amount}
		},
	})

	return planner
}

// mintedAmount reads the amount the forward mint actually minted from its
// step digest, falling back to the guaranteed minimum.
func mintedAmount(step core.StepRecord, fallback uint64) uint64 {
	if v, err := strconv.ParseUint(strings.TrimSpace(step.ResponseDigest), 10, 64); err == nil {
		return v
	}
	return fallback
}

package chain

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/anchorledger/custody-core/core"
)

// Script is one pre-programmed outcome for a contract function on the fake
// ledger. Scripts are consumed in order; once exhausted the fake falls back
// to its default success behavior.
type Script struct {
	Result core.InvokeResult
	Err    error
}

// FakeLedger is an in-memory chain used by tests and local development. It
// tracks reserves, supply, and per-account token balances, records every
// call, and emits events for mutating functions.
type FakeLedger struct {
	mu           sync.Mutex
	reserves     uint64
	supply       uint64
	balances     map[string]uint64
	events       []core.ChainEvent
	latestLedger uint64
	scripts      map[string][]Script
	calls        []core.InvokeRequest
	seq          uint64
	now          func() time.Time
}

func NewFakeLedger() *FakeLedger {
	return &FakeLedger{
		balances: map[string]uint64{},
		scripts:  map[string][]Script{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (f *FakeLedger) SetReserves(v uint64) {
	f.mu.Lock()
	f.reserves = v
	f.mu.Unlock()
}

func (f *FakeLedger) SetSupply(v uint64) {
	f.mu.Lock()
	f.supply = v
	f.mu.Unlock()
}

func (f *FakeLedger) SetLatestLedger(v uint64) {
	f.mu.Lock()
	f.latestLedger = v
	f.mu.Unlock()
}

func (f *FakeLedger) SetBalance(token, account string, v uint64) {
	f.mu.Lock()
	f.balances[balanceKey(token, account)] = v
	f.mu.Unlock()
}

func (f *FakeLedger) Balance(token, account string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[balanceKey(token, account)]
}

func (f *FakeLedger) Reserves() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reserves
}

func (f *FakeLedger) Supply() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.supply
}

// ScriptFunction queues outcomes for a function; they take precedence over
// the default behavior, one call each.
func (f *FakeLedger) ScriptFunction(function string, scripts ...Script) {
	f.mu.Lock()
	f.scripts[strings.TrimSpace(function)] = append(f.scripts[strings.TrimSpace(function)], scripts...)
	f.mu.Unlock()
}

func (f *FakeLedger) Calls() []core.InvokeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.InvokeRequest(nil), f.calls...)
}

func (f *FakeLedger) AppendEvent(event core.ChainEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if event.LedgerSequence == 0 {
		f.latestLedger++
		event.LedgerSequence = f.latestLedger
	} else if event.LedgerSequence > f.latestLedger {
		f.latestLedger = event.LedgerSequence
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = f.now()
	}
	f.events = append(f.events, event)
}

func (f *FakeLedger) Invoke(ctx context.Context, req core.InvokeRequest) (core.InvokeResult, error) {
	if err := validateRequest(req); err != nil {
		return core.InvokeResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return core.InvokeResult{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)

	if result, scripted := f.popScript(req.Function); scripted {
		return result.Result, result.Err
	}
	return f.apply(req), nil
}

func (f *FakeLedger) Simulate(ctx context.Context, req core.InvokeRequest) (core.InvokeResult, error) {
	if err := validateRequest(req); err != nil {
		return core.InvokeResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return core.InvokeResult{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)

	if result, scripted := f.popScript(req.Function); scripted {
		return result.Result, result.Err
	}
	switch strings.TrimSpace(req.Function) {
	case "get_total_reserves", "get_reserves":
		return scalarResult(f.reserves), nil
	case "get_total_supply", "get_supply":
		return scalarResult(f.supply), nil
	}
	return core.InvokeResult{OK: true}, nil
}

func (f *FakeLedger) FetchEvents(ctx context.Context, filter core.EventFilter, fromLedger uint64, limit int) ([]core.ChainEvent, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var matched []core.ChainEvent
	for _, event := range f.events {
		if event.LedgerSequence < fromLedger {
			continue
		}
		if !matchesFilter(event, filter) {
			continue
		}
		matched = append(matched, event)
		if limit > 0 && len(matched) >= limit {
			break
		}
	}
	return matched, f.latestLedger, nil
}

func (f *FakeLedger) FetchScalar(ctx context.Context, contractID string, function string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if result, scripted := f.popScript(function); scripted {
		if result.Err != nil {
			return 0, result.Err
		}
		if !result.Result.OK {
			return 0, core.NewError(result.Result.ErrKind, result.Result.ErrMessage)
		}
	}
	switch strings.TrimSpace(function) {
	case "get_total_reserves", "get_reserves":
		return f.reserves, nil
	case "get_total_supply", "get_supply":
		return f.supply, nil
	}
	return 0, core.NewError(core.ErrorKindContractNotFound, fmt.Sprintf("chain: unknown scalar %q on %q", function, contractID))
}

// apply mutates the fake ledger state for the functions the custody
// workflows call. Callers hold the lock.
func (f *FakeLedger) apply(req core.InvokeRequest) core.InvokeResult {
	function := strings.TrimSpace(req.Function)
	amount := argUint(req.Args, 1)
	account := argString(req.Args, 0)

	switch function {
	case "register_deposit", "lock_reserve":
		f.reserves += amount
	case "release_reserve", "remove_deposit":
		if amount > f.reserves {
			return contractFailure(core.ErrorKindInsufficientReserves, "insufficient reserve for release")
		}
		f.reserves -= amount
	case "create_withdrawal":
		if amount > f.reserves {
			return contractFailure(core.ErrorKindInsufficientReserves, "insufficient reserve for withdrawal")
		}
		f.reserves -= amount
	case "cancel_withdrawal":
		f.reserves += amount
	case "mint_tokens":
		f.supply += amount
		f.balances[balanceKey(req.ContractID, account)] += amount
	case "burn_tokens":
		key := balanceKey(req.ContractID, account)
		if amount > f.balances[key] {
			return contractFailure(core.ErrorKindInsufficientBalance, "insufficient balance to burn")
		}
		f.balances[key] -= amount
		f.supply -= amount
	case "collect_fee":
		f.balances[balanceKey(req.ContractID, account)] += amount
	}

	f.latestLedger++
	f.seq++
	result := core.InvokeResult{
		OK:      true,
		TxHash:  fmt.Sprintf("fake-tx-%06d", f.seq),
		GasUsed: 21_000,
		Ledger:  f.latestLedger,
	}
	if function == "create_withdrawal" {
		result.ReturnValue = []byte(fmt.Sprintf("wd-%06d", f.seq))
	}
	return result
}

func (f *FakeLedger) popScript(function string) (Script, bool) {
	queue := f.scripts[strings.TrimSpace(function)]
	if len(queue) == 0 {
		return Script{}, false
	}
	next := queue[0]
	f.scripts[strings.TrimSpace(function)] = queue[1:]
	return next, true
}

func matchesFilter(event core.ChainEvent, filter core.EventFilter) bool {
	if len(filter.ContractIDs) > 0 {
		found := false
		for _, id := range filter.ContractIDs {
			if strings.TrimSpace(id) == event.ContractAddress {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(filter.Types) > 0 {
		found := false
		for _, t := range filter.Types {
			if strings.TrimSpace(t) == event.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func contractFailure(kind core.ErrorKind, message string) core.InvokeResult {
	return core.InvokeResult{OK: false, ErrKind: kind, ErrMessage: message}
}

func scalarResult(v uint64) core.InvokeResult {
	return core.InvokeResult{OK: true, ReturnValue: []byte(fmt.Sprintf("%d", v))}
}

func balanceKey(token, account string) string {
	return strings.TrimSpace(token) + "|" + strings.TrimSpace(account)
}

func argString(args []any, idx int) string {
	if idx >= len(args) {
		return ""
	}
	if s, ok := args[idx].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func argUint(args []any, idx int) uint64 {
	if idx >= len(args) {
		return 0
	}
	switch v := args[idx].(type) {
	case uint64:
		return v
	case int64:
		if v < 0 {
			return 0
		}
		return uint64(v)
	case int:
		if v < 0 {
			return 0
		}
		return uint64(v)
	case float64:
		if v < 0 {
			return 0
		}
		return uint64(v)
	}
	return 0
}

var _ core.ChainClient = (*FakeLedger)(nil)

package chain

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/anchorledger/custody-core/core"
	glog "github.com/goliatone/go-logger/glog"
)

const defaultTxPollInterval = 500 * time.Millisecond

const (
	txStatusPending  = "PENDING"
	txStatusSuccess  = "SUCCESS"
	txStatusFailed   = "FAILED"
	txStatusNotFound = "NOT_FOUND"
)

// Client is the typed facade over chain RPC. It submits exactly one
// transaction per Invoke and never retries internally; retry policy lives
// with the scheduler. A submission whose confirmation cannot be observed
// before the deadline surfaces as the ambiguous kind with the tx hash set.
type Client struct {
	rpc          RPC
	cfg          core.ChainConfig
	logger       core.Logger
	metrics      core.MetricsRecorder
	pollInterval time.Duration
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
}

type ClientOption func(*Client)

func WithLogger(logger core.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(metrics core.MetricsRecorder) ClientOption {
	return func(c *Client) {
		if metrics != nil {
			c.metrics = metrics
		}
	}
}

func WithPollInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		if interval > 0 {
			c.pollInterval = interval
		}
	}
}

func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

func NewClient(rpc RPC, cfg core.ChainConfig, options ...ClientOption) (*Client, error) {
	if rpc == nil {
		return nil, core.NewError(core.ErrorKindMisconfigured, "chain: rpc transport is required")
	}
	client := &Client{
		rpc:          rpc,
		cfg:          cfg,
		logger:       glog.NewLogger(glog.WithName("chain")),
		metrics:      core.NopMetricsRecorder{},
		pollInterval: defaultTxPollInterval,
		now:          func() time.Time { return time.Now().UTC() },
		sleep:        sleepCtx,
	}
	for _, opt := range options {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

type submitParams struct {
	ContractID string   `json:"contract_id"`
	Function   string   `json:"function"`
	Args       []any    `json:"args,omitempty"`
	GasLimit   uint64   `json:"gas_limit,omitempty"`
	Network    string   `json:"network,omitempty"`
	Source     string   `json:"source,omitempty"`
	Signers    []string `json:"signers,omitempty"`
}

type submitResult struct {
	Hash   string `json:"hash"`
	Status string `json:"status"`
	Ledger uint64 `json:"ledger"`
}

type txResult struct {
	Status      string `json:"status"`
	Ledger      uint64 `json:"ledger"`
	GasUsed     uint64 `json:"gas_used"`
	ReturnValue string `json:"return_value"`
	Error       string `json:"error"`
}

type simulateResult struct {
	Value   string `json:"value"`
	GasUsed uint64 `json:"gas_used"`
	Error   string `json:"error"`
}

func (c *Client) Invoke(ctx context.Context, req core.InvokeRequest) (core.InvokeResult, error) {
	if c == nil || c.rpc == nil {
		return core.InvokeResult{}, core.NewError(core.ErrorKindMisconfigured, "chain: client is not configured")
	}
	if err := validateRequest(req); err != nil {
		return core.InvokeResult{}, err
	}

	ctx, cancel := c.withDeadline(ctx, req.Timeout)
	defer cancel()

	started := c.now()
	var submitted submitResult
	if err := c.rpc.Call(ctx, "sendTransaction", c.submitParams(req), &submitted); err != nil {
		c.observe(ctx, req, "invoke", started, "submit_failed")
		return failedResult(err), nil
	}

	result, err := c.awaitTransaction(ctx, submitted)
	if err != nil {
		// Submission went out; losing sight of it afterwards is ambiguous.
		c.observe(ctx, req, "invoke", started, "ambiguous")
		return core.InvokeResult{
			OK:         false,
			TxHash:     submitted.Hash,
			ErrKind:    core.ErrorKindAmbiguous,
			ErrMessage: fmt.Sprintf("transaction %s submitted but unconfirmed: %v", submitted.Hash, err),
		}, nil
	}

	if result.Status != txStatusSuccess {
		kind := classifyContractError(result.Error)
		c.observe(ctx, req, "invoke", started, string(kind))
		return core.InvokeResult{
			OK:         false,
			TxHash:     submitted.Hash,
			GasUsed:    result.GasUsed,
			Ledger:     result.Ledger,
			ErrKind:    kind,
			ErrMessage: result.Error,
		}, nil
	}

	c.observe(ctx, req, "invoke", started, "ok")
	return core.InvokeResult{
		OK:          true,
		TxHash:      submitted.Hash,
		GasUsed:     result.GasUsed,
		Ledger:      result.Ledger,
		ReturnValue: []byte(result.ReturnValue),
	}, nil
}

func (c *Client) Simulate(ctx context.Context, req core.InvokeRequest) (core.InvokeResult, error) {
	if c == nil || c.rpc == nil {
		return core.InvokeResult{}, core.NewError(core.ErrorKindMisconfigured, "chain: client is not configured")
	}
	if err := validateRequest(req); err != nil {
		return core.InvokeResult{}, err
	}

	ctx, cancel := c.withDeadline(ctx, req.Timeout)
	defer cancel()

	started := c.now()
	var simulated simulateResult
	if err := c.rpc.Call(ctx, "simulateTransaction", c.submitParams(req), &simulated); err != nil {
		c.observe(ctx, req, "simulate", started, "failed")
		return failedResult(err), nil
	}
	if strings.TrimSpace(simulated.Error) != "" {
		kind := classifyContractError(simulated.Error)
		c.observe(ctx, req, "simulate", started, string(kind))
		return core.InvokeResult{
			OK:         false,
			GasUsed:    simulated.GasUsed,
			ErrKind:    kind,
			ErrMessage: simulated.Error,
		}, nil
	}
	c.observe(ctx, req, "simulate", started, "ok")
	return core.InvokeResult{
		OK:          true,
		GasUsed:     simulated.GasUsed,
		ReturnValue: []byte(simulated.Value),
	}, nil
}

type eventsParams struct {
	StartLedger uint64        `json:"start_ledger"`
	Filters     []eventFilter `json:"filters,omitempty"`
	Limit       int           `json:"limit,omitempty"`
}

type eventFilter struct {
	ContractIDs []string `json:"contract_ids,omitempty"`
	Topics      []string `json:"topics,omitempty"`
}

type eventsResult struct {
	Events       []rawEvent `json:"events"`
	LatestLedger uint64     `json:"latest_ledger"`
}

type rawEvent struct {
	ContractID     string         `json:"contract_id"`
	Topic          []string       `json:"topic"`
	Value          map[string]any `json:"value"`
	Ledger         uint64         `json:"ledger"`
	TxHash         string         `json:"tx_hash"`
	LedgerClosedAt time.Time      `json:"ledger_closed_at"`
}

func (c *Client) FetchEvents(ctx context.Context, filter core.EventFilter, fromLedger uint64, limit int) ([]core.ChainEvent, uint64, error) {
	if c == nil || c.rpc == nil {
		return nil, 0, core.NewError(core.ErrorKindMisconfigured, "chain: client is not configured")
	}

	ctx, cancel := c.withDeadline(ctx, 0)
	defer cancel()

	params := eventsParams{StartLedger: fromLedger, Limit: limit}
	if len(filter.ContractIDs) > 0 || len(filter.Types) > 0 {
		params.Filters = []eventFilter{{
			ContractIDs: filter.ContractIDs,
			Topics:      filter.Types,
		}}
	}

	var fetched eventsResult
	if err := c.rpc.Call(ctx, "getEvents", params, &fetched); err != nil {
		return nil, 0, core.MapError(err)
	}

	events := make([]core.ChainEvent, 0, len(fetched.Events))
	for _, raw := range fetched.Events {
		event := core.ChainEvent{
			ContractAddress: raw.ContractID,
			Topics:          raw.Topic,
			Payload:         raw.Value,
			LedgerSequence:  raw.Ledger,
			TxHash:          raw.TxHash,
			OccurredAt:      raw.LedgerClosedAt,
		}
		if len(raw.Topic) > 0 {
			event.Type = strings.TrimSpace(raw.Topic[0])
		}
		events = append(events, event)
	}
	return events, fetched.LatestLedger, nil
}

func (c *Client) FetchScalar(ctx context.Context, contractID string, function string) (uint64, error) {
	result, err := c.Simulate(ctx, core.InvokeRequest{ContractID: contractID, Function: function})
	if err != nil {
		return 0, err
	}
	if !result.OK {
		return 0, core.NewError(result.ErrKind, fmt.Sprintf("chain: %s.%s: %s", contractID, function, result.ErrMessage))
	}
	value, err := strconv.ParseUint(strings.TrimSpace(string(result.ReturnValue)), 10, 64)
	if err != nil {
		return 0, core.WrapError(
			core.ErrorKindInvalidResponse,
			err,
			fmt.Sprintf("chain: %s.%s returned a non-numeric value", contractID, function),
		)
	}
	return value, nil
}

func (c *Client) submitParams(req core.InvokeRequest) submitParams {
	return submitParams{
		ContractID: strings.TrimSpace(req.ContractID),
		Function:   strings.TrimSpace(req.Function),
		Args:       req.Args,
		GasLimit:   c.cfg.GasLimit,
		Network:    c.cfg.Network,
		Source:     c.cfg.TreasuryAccount,
	}
}

func (c *Client) awaitTransaction(ctx context.Context, submitted submitResult) (txResult, error) {
	if submitted.Status == txStatusSuccess || submitted.Status == txStatusFailed {
		return txResult{Status: submitted.Status, Ledger: submitted.Ledger}, nil
	}
	for {
		if err := c.sleep(ctx, c.pollInterval); err != nil {
			return txResult{}, err
		}
		var result txResult
		if err := c.rpc.Call(ctx, "getTransaction", map[string]any{"hash": submitted.Hash}, &result); err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return txResult{}, err
			}
			// Transient poll failure; the deadline bounds how long we keep trying.
			continue
		}
		switch result.Status {
		case txStatusSuccess, txStatusFailed:
			return result, nil
		case txStatusPending, txStatusNotFound, "":
			continue
		default:
			return txResult{}, core.NewError(
				core.ErrorKindInvalidResponse,
				fmt.Sprintf("chain: unknown transaction status %q", result.Status),
			)
		}
	}
}

func (c *Client) withDeadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		timeout = time.Duration(c.cfg.TimeoutS) * time.Second
	}
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

func (c *Client) observe(ctx context.Context, req core.InvokeRequest, op string, started time.Time, outcome string) {
	elapsed := c.now().Sub(started)
	tags := map[string]string{
		"contract": strings.TrimSpace(req.ContractID),
		"function": strings.TrimSpace(req.Function),
		"op":       op,
		"outcome":  outcome,
	}
	c.metrics.IncCounter(ctx, "chain_calls_total", 1, tags)
	c.metrics.ObserveHistogram(ctx, "chain_call_duration_seconds", elapsed.Seconds(), tags)
	if outcome != "ok" {
		c.logger.Warn("chain call failed",
			"contract", tags["contract"],
			"function", tags["function"],
			"op", op,
			"outcome", outcome,
			"duration_ms", elapsed.Milliseconds(),
		)
	}
}

func validateRequest(req core.InvokeRequest) error {
	if strings.TrimSpace(req.ContractID) == "" {
		return core.NewError(core.ErrorKindParametersInvalid, "chain: contract id is required")
	}
	if strings.TrimSpace(req.Function) == "" {
		return core.NewError(core.ErrorKindParametersInvalid, "chain: function is required")
	}
	return nil
}

// failedResult folds a transport error into the result envelope so callers
// branch on ErrKind alone.
func failedResult(err error) core.InvokeResult {
	kind := core.KindOf(err)
	if errors.Is(err, context.DeadlineExceeded) {
		kind = core.ErrorKindContractTimeout
	}
	return core.InvokeResult{OK: false, ErrKind: kind, ErrMessage: err.Error()}
}

// classifyContractError maps the node's failure string onto a stable kind.
// Unrecognized failures default to call_failed, which is retryable.
func classifyContractError(message string) core.ErrorKind {
	msg := strings.ToLower(strings.TrimSpace(message))
	switch {
	case msg == "":
		return core.ErrorKindCallFailed
	case strings.Contains(msg, "insufficient reserve"):
		return core.ErrorKindInsufficientReserves
	case strings.Contains(msg, "ratio"):
		return core.ErrorKindRatioTooLow
	case strings.Contains(msg, "blacklist"):
		return core.ErrorKindBlacklisted
	case strings.Contains(msg, "insufficient balance"), strings.Contains(msg, "underfunded"):
		return core.ErrorKindInsufficientBalance
	case strings.Contains(msg, "slippage"):
		return core.ErrorKindSlippageExceeded
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "not authorized"):
		return core.ErrorKindUnauthorized
	case strings.Contains(msg, "limit exceeded"):
		return core.ErrorKindLimitExceeded
	case strings.Contains(msg, "not found"):
		return core.ErrorKindContractNotFound
	case strings.Contains(msg, "version"):
		return core.ErrorKindVersionMismatch
	case strings.Contains(msg, "timeout"):
		return core.ErrorKindContractTimeout
	default:
		return core.ErrorKindCallFailed
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ core.ChainClient = (*Client)(nil)

package orchestrator

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/anchorledger/custody-core/breaker"
	"github.com/anchorledger/custody-core/core"
	"github.com/anchorledger/custody-core/retry"
	"github.com/anchorledger/custody-core/rollback"
	"github.com/google/uuid"
	glog "github.com/goliatone/go-logger/glog"
)

// ComplianceService is the gateway surface the engine needs: admission
// checks before work, usage charging after a successful commit.
type ComplianceService interface {
	Check(ctx context.Context, principal string, class core.OperationClass, amount uint64) (core.ComplianceDecision, error)
	RecordUsage(ctx context.Context, principal string, class core.OperationClass, amount uint64) error
}

type DepositRequest struct {
	Principal       string
	Amount          uint64
	BtcTxHash       string
	Confirmations   int
	SatoshiPerToken uint64
	IdempotencyKey  string
}

type WithdrawalRequest struct {
	Principal      string
	TokenAmount    uint64
	BtcAddress     string
	IdempotencyKey string
}

type ExchangeRequest struct {
	Principal      string
	SourceToken    string
	TargetToken    string
	Amount         uint64
	MinTargetOut   uint64
	IdempotencyKey string
}

// Engine drives the three custody workflows over a bounded worker pool.
// Work for the same principal is serialized through a stripe lock so the
// check-then-commit window in the limits tracker stays race free.
type Engine struct {
	cfg       core.OrchestratorConfig
	chainCfg  core.ChainConfig
	oracleCfg core.OracleConfig

	store      core.OperationStore
	chain      core.ChainClient
	compliance ComplianceService
	breakers   *breaker.Registry
	retries    *retry.Scheduler
	unwinder   *rollback.Unwinder
	halt       *core.EmergencySwitch
	tiers      core.TierRegistry

	logger  core.Logger
	metrics core.MetricsRecorder
	now     func() time.Time

	queue   chan string
	stripes []sync.Mutex

	startOnce sync.Once
	stopOnce  sync.Once
	stopped   chan struct{}
	wg        sync.WaitGroup
}

type EngineOption func(*Engine)

func WithLogger(logger core.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithMetrics(metrics core.MetricsRecorder) EngineOption {
	return func(e *Engine) {
		if metrics != nil {
			e.metrics = metrics
		}
	}
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

type EngineDeps struct {
	Store      core.OperationStore
	Chain      core.ChainClient
	Compliance ComplianceService
	Breakers   *breaker.Registry
	Retries    *retry.Scheduler
	Unwinder   *rollback.Unwinder
	Halt       *core.EmergencySwitch
	// Tiers keys the deposit confirmation policy on the principal's
	// verification tier. Optional: without it every principal gets the
	// lowest-tier policy.
	Tiers core.TierRegistry
}

func NewEngine(cfg core.Config, deps EngineDeps, options ...EngineOption) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("orchestrator: operation store is required")
	}
	if deps.Chain == nil {
		return nil, fmt.Errorf("orchestrator: chain client is required")
	}
	if deps.Compliance == nil {
		return nil, fmt.Errorf("orchestrator: compliance service is required")
	}
	if deps.Unwinder == nil {
		return nil, fmt.Errorf("orchestrator: rollback unwinder is required")
	}

	ocfg := cfg.Orchestrator
	if ocfg.Workers <= 0 {
		ocfg.Workers = 16
	}
	if ocfg.QueueSize <= 0 {
		ocfg.QueueSize = 256
	}
	if ocfg.PrincipalStripes < ocfg.Workers*64 {
		ocfg.PrincipalStripes = ocfg.Workers * 64
	}

	engine := &Engine{
		cfg:        ocfg,
		chainCfg:   cfg.Chain,
		oracleCfg:  cfg.Oracle,
		tiers:      deps.Tiers,
		store:      deps.Store,
		chain:      deps.Chain,
		compliance: deps.Compliance,
		breakers:   deps.Breakers,
		retries:    deps.Retries,
		unwinder:   deps.Unwinder,
		halt:       deps.Halt,
		logger:     glog.NewLogger(glog.WithName("orchestrator")),
		metrics:    core.NopMetricsRecorder{},
		now:        func() time.Time { return time.Now().UTC() },
		queue:      make(chan string, ocfg.QueueSize),
		stripes:    make([]sync.Mutex, ocfg.PrincipalStripes),
		stopped:    make(chan struct{}),
	}
	for _, opt := range options {
		if opt != nil {
			opt(engine)
		}
	}
	return engine, nil
}

// Start launches the worker pool. Safe to call once; workers exit when
// Stop is called or ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	if e == nil {
		return
	}
	e.startOnce.Do(func() {
		for i := 0; i < e.cfg.Workers; i++ {
			e.wg.Add(1)
			go e.workerLoop(ctx)
		}
	})
}

func (e *Engine) Stop() {
	if e == nil {
		return
	}
	e.stopOnce.Do(func() {
		close(e.stopped)
	})
	e.wg.Wait()
}

func (e *Engine) workerLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopped:
			return
		case opID := <-e.queue:
			e.Process(ctx, opID)
		}
	}
}

// Process drives one operation to its next blocking point, holding the
// principal stripe for the duration.
func (e *Engine) Process(ctx context.Context, opID string) {
	op, err := e.store.Get(ctx, opID)
	if err != nil {
		e.logger.Error("load operation", "operation_id", opID, "error", err)
		return
	}

	stripe := e.stripeFor(op.Principal)
	stripe.Lock()
	defer stripe.Unlock()

	if e.cfg.OperationTimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(e.cfg.OperationTimeoutMS)*time.Millisecond)
		defer cancel()
	}

	started := e.now()
	final := e.run(ctx, op)
	e.metrics.ObserveHistogram(ctx, "operation_duration_seconds",
		e.now().Sub(started).Seconds(),
		map[string]string{"kind": string(final.Kind)},
	)
	if final.Status.Terminal() {
		e.metrics.IncCounter(ctx, "operations_total", 1, map[string]string{
			"kind":   string(final.Kind),
			"status": string(final.Status),
		})
	}
}

func (e *Engine) stripeFor(principal string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.TrimSpace(principal)))
	return &e.stripes[int(h.Sum32())%len(e.stripes)]
}

func (e *Engine) enqueue(ctx context.Context, opID string) error {
	select {
	case e.queue <- opID:
		return nil
	default:
		e.metrics.IncCounter(ctx, "queue_rejections_total", 1, nil)
		return core.NewError(core.ErrorKindOverloaded, "orchestrator: work queue is full")
	}
}

func (e *Engine) admission() error {
	if e.halt != nil && e.halt.Engaged() {
		reason, _ := e.halt.Reason()
		return core.NewError(core.ErrorKindSystemHalted, "orchestrator: system halted").
			WithMetadata(map[string]any{"reason": reason})
	}
	return nil
}

// SubmitDeposit validates, records, and enqueues a BTC deposit workflow.
// Resubmitting the same transaction hash while the original operation is
// live returns that operation.
func (e *Engine) SubmitDeposit(ctx context.Context, req DepositRequest) (core.Operation, error) {
	if e == nil {
		return core.Operation{}, fmt.Errorf("orchestrator: engine is nil")
	}
	if err := e.admission(); err != nil {
		return core.Operation{}, err
	}
	if strings.TrimSpace(req.BtcTxHash) == "" {
		return core.Operation{}, core.NewError(core.ErrorKindParametersInvalid, "orchestrator: btc tx hash is required")
	}
	if req.Amount == 0 {
		return core.Operation{}, core.NewError(core.ErrorKindParametersInvalid, "orchestrator: deposit amount is required")
	}
	tier := e.tierFor(ctx, req.Principal)
	if required := e.requiredConfirmations(tier, req.Amount); req.Confirmations < required {
		return core.Operation{}, core.NewError(
			core.ErrorKindInsufficientConfirmations,
			fmt.Sprintf("orchestrator: %d confirmations, need %d", req.Confirmations, required),
		).WithMetadata(map[string]any{
			"confirmations": req.Confirmations,
			"required":      required,
			"tier":          tier.Code,
		})
	}

	satoshiPerToken := req.SatoshiPerToken
	if satoshiPerToken == 0 {
		satoshiPerToken = 1
	}
	op, created, err := e.store.Create(ctx, core.CreateOperationInput{
		Kind:            core.OperationKindBtcDeposit,
		Principal:       req.Principal,
		Amount:          req.Amount,
		TokenAmount:     req.Amount / satoshiPerToken,
		SatoshiPerToken: satoshiPerToken,
		ExternalRef:     req.BtcTxHash,
		IdempotencyKey:  req.IdempotencyKey,
	})
	if err != nil {
		return core.Operation{}, err
	}
	if created {
		if err := e.enqueue(ctx, op.ID); err != nil {
			return op, err
		}
	}
	return op, nil
}

func (e *Engine) SubmitWithdrawal(ctx context.Context, req WithdrawalRequest) (core.Operation, error) {
	if e == nil {
		return core.Operation{}, fmt.Errorf("orchestrator: engine is nil")
	}
	if err := e.admission(); err != nil {
		return core.Operation{}, err
	}
	if req.TokenAmount == 0 {
		return core.Operation{}, core.NewError(core.ErrorKindParametersInvalid, "orchestrator: withdrawal amount is required")
	}
	if !validBtcAddress(req.BtcAddress) {
		return core.Operation{}, core.NewError(
			core.ErrorKindParametersInvalid,
			fmt.Sprintf("orchestrator: invalid bitcoin address %q", req.BtcAddress),
		)
	}

	op, created, err := e.store.Create(ctx, core.CreateOperationInput{
		Kind:           core.OperationKindTokenWithdrawal,
		Principal:      req.Principal,
		Amount:         req.TokenAmount,
		TokenAmount:    req.TokenAmount,
		BtcAddress:     req.BtcAddress,
		ExternalRef:    externalRef(req.IdempotencyKey),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return core.Operation{}, err
	}
	if created {
		if err := e.enqueue(ctx, op.ID); err != nil {
			return op, err
		}
	}
	return op, nil
}

func (e *Engine) SubmitExchange(ctx context.Context, req ExchangeRequest) (core.Operation, error) {
	if e == nil {
		return core.Operation{}, fmt.Errorf("orchestrator: engine is nil")
	}
	if err := e.admission(); err != nil {
		return core.Operation{}, err
	}
	if req.Amount == 0 {
		return core.Operation{}, core.NewError(core.ErrorKindParametersInvalid, "orchestrator: exchange amount is required")
	}
	source := strings.TrimSpace(req.SourceToken)
	target := strings.TrimSpace(req.TargetToken)
	if source == "" || target == "" || source == target {
		return core.Operation{}, core.NewError(core.ErrorKindParametersInvalid, "orchestrator: distinct source and target tokens are required")
	}

	op, created, err := e.store.Create(ctx, core.CreateOperationInput{
		Kind:           core.OperationKindCrossTokenExchange,
		Principal:      req.Principal,
		Amount:         req.Amount,
		TokenAmount:    req.MinTargetOut,
		SourceToken:    source,
		TargetToken:    target,
		ExternalRef:    externalRef(req.IdempotencyKey),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return core.Operation{}, err
	}
	if created {
		if err := e.enqueue(ctx, op.ID); err != nil {
			return op, err
		}
	}
	return op, nil
}

// DrainRetries enqueues every due retry entry. Intended to run on a short
// timer via the job adapter.
func (e *Engine) DrainRetries(ctx context.Context) int {
	if e == nil || e.retries == nil {
		return 0
	}
	entries := e.retries.Ready()
	drained := 0
	for _, entry := range entries {
		if err := e.enqueue(ctx, entry.OperationID); err != nil {
			e.logger.Warn("retry enqueue rejected", "operation_id", entry.OperationID, "error", err)
			continue
		}
		drained++
	}
	return drained
}

// requiredConfirmations implements the per-tier, per-amount confirmation
// policy. Larger deposits wait longer before the reserve will register
// them; principals on an enhanced verification tier wait half the bracket
// surcharge, never less than the network minimum.
func (e *Engine) requiredConfirmations(tier core.Tier, amount uint64) int {
	base := e.chainCfg.MinConfirmations
	if base <= 0 {
		base = 6
	}
	extra := 0
	switch {
	case amount >= 1_000_000_000: // 10 BTC and above
		extra = 6
	case amount >= 100_000_000: // 1 BTC and above
		extra = 2
	}
	if tier.Code >= 3 {
		extra /= 2
	}
	return base + extra
}

// tierFor resolves the principal's verification tier for policy decisions.
// A missing registry or a failed lookup falls back to the zero tier, the
// most conservative policy.
func (e *Engine) tierFor(ctx context.Context, principal string) core.Tier {
	if e.tiers == nil {
		return core.Tier{}
	}
	tier, err := e.tiers.TierFor(ctx, principal)
	if err != nil {
		e.logger.Warn("tier lookup failed, using lowest tier", "principal", principal, "error", err)
		return core.Tier{}
	}
	return tier
}

// externalRef picks the reference that correlates chain events back to the
// operation. Deposits carry the bitcoin transaction hash; every other kind
// reuses the caller's idempotency key or mints a fresh reference. The ref
// is threaded through the workflow's chain calls so emitted events carry it.
func externalRef(idempotencyKey string) string {
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		return key
	}
	return uuid.NewString()
}

// validBtcAddress is a structural check only: known prefix and plausible
// length. On-chain validity is the settlement service's problem.
func validBtcAddress(address string) bool {
	address = strings.TrimSpace(address)
	if len(address) < 26 || len(address) > 90 {
		return false
	}
	prefixes := []string{"1", "3", "bc1", "tb1", "m", "n", "2"}
	for _, prefix := range prefixes {
		if strings.HasPrefix(address, prefix) {
			return true
		}
	}
	return false
}

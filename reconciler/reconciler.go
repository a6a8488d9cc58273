package reconciler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/anchorledger/custody-core/breaker"
	"github.com/anchorledger/custody-core/core"
	glog "github.com/goliatone/go-logger/glog"
)

// Reconciler compares on-chain reserves against issued token supply on a
// timer. A discrepancy beyond the tolerance raises an alert; beyond the
// halt threshold it engages the emergency switch so the orchestrator stops
// admitting work.
type Reconciler struct {
	cfg      core.ReconcilerConfig
	chainCfg core.ChainConfig

	chain    core.ChainClient
	breakers *breaker.Registry
	store    core.ReconciliationStore
	halt     *core.EmergencySwitch

	logger  core.Logger
	metrics core.MetricsRecorder
	alerts  core.AlertSink
	now     func() time.Time
}

type Option func(*Reconciler)

func WithLogger(logger core.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithMetrics(metrics core.MetricsRecorder) Option {
	return func(r *Reconciler) {
		if metrics != nil {
			r.metrics = metrics
		}
	}
}

func WithAlerts(alerts core.AlertSink) Option {
	return func(r *Reconciler) {
		if alerts != nil {
			r.alerts = alerts
		}
	}
}

func WithBreakers(registry *breaker.Registry) Option {
	return func(r *Reconciler) {
		r.breakers = registry
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

func New(cfg core.ReconcilerConfig, chainCfg core.ChainConfig, chain core.ChainClient, store core.ReconciliationStore, halt *core.EmergencySwitch, options ...Option) (*Reconciler, error) {
	if chain == nil {
		return nil, core.NewError(core.ErrorKindMisconfigured, "reconciler: chain client is required")
	}
	if store == nil {
		return nil, core.NewError(core.ErrorKindMisconfigured, "reconciler: reconciliation store is required")
	}
	if cfg.ExpectedRatioBP <= 0 {
		cfg.ExpectedRatioBP = 10_000
	}

	reconciler := &Reconciler{
		cfg:      cfg,
		chainCfg: chainCfg,
		chain:    chain,
		store:    store,
		halt:     halt,
		logger:   glog.NewLogger(glog.WithName("reconciler")),
		metrics:  core.NopMetricsRecorder{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range options {
		if opt != nil {
			opt(reconciler)
		}
	}
	return reconciler, nil
}

// Run performs one reconciliation pass and records the result.
func (r *Reconciler) Run(ctx context.Context) (core.ReconciliationResult, error) {
	return r.run(ctx, false)
}

// RunProof performs a reconciliation pass and attaches a proof-of-reserves
// digest to the recorded result. Scheduled independently of Run, typically
// daily.
func (r *Reconciler) RunProof(ctx context.Context) (core.ReconciliationResult, error) {
	return r.run(ctx, true)
}

func (r *Reconciler) run(ctx context.Context, withProof bool) (core.ReconciliationResult, error) {
	if r == nil {
		return core.ReconciliationResult{}, fmt.Errorf("reconciler: reconciler is nil")
	}

	reserves, err := r.fetchScalar(ctx, breaker.ServiceReserve, r.chainCfg.ReserveContract, "get_total_reserves")
	if err != nil {
		return core.ReconciliationResult{}, core.WrapError(core.ErrorKindExternalUnavailable, err, "reconciler: read reserves")
	}
	supply, err := r.fetchScalar(ctx, breaker.ServiceBitcoinNetwork, r.chainCfg.TokenContract, "get_total_supply")
	if err != nil {
		return core.ReconciliationResult{}, core.WrapError(core.ErrorKindExternalUnavailable, err, "reconciler: read supply")
	}

	result := r.classify(reserves, supply)
	if withProof {
		result.ProofDigest = ProofDigest(reserves, supply, result.ActualRatioBP, r.now())
	}

	stored, err := r.store.Append(ctx, result)
	if err != nil {
		return core.ReconciliationResult{}, err
	}

	r.metrics.IncCounter(ctx, "reconciliations_total", 1, map[string]string{"status": string(stored.Status)})
	r.metrics.ObserveHistogram(ctx, "reserve_ratio_bp", float64(stored.ActualRatioBP), nil)
	r.logger.Info("reconciliation pass",
		"reserves", reserves,
		"supply", supply,
		"actual_ratio_bp", stored.ActualRatioBP,
		"discrepancy_bp", stored.DiscrepancyBP,
		"status", string(stored.Status),
	)

	switch stored.Status {
	case core.ReconciliationStatusDiscrepancy:
		r.raise(ctx, stored, core.AlertSeverityWarning, "reserve_discrepancy")
	case core.ReconciliationStatusEmergencyHalt:
		if r.cfg.HaltOnBreach && r.halt != nil {
			r.halt.Engage(fmt.Sprintf(
				"reserve discrepancy %d bp exceeds halt threshold %d bp",
				stored.DiscrepancyBP, r.cfg.MaxDiscrepancyBP,
			))
		}
		r.raise(ctx, stored, core.AlertSeverityCritical, "reserve_emergency_halt")
	}
	return stored, nil
}

// classify computes the reserve ratio and buckets it against the configured
// thresholds. The ratio saturates when supply is zero but reserves are not;
// an unbacked reserve position is still a discrepancy worth surfacing.
func (r *Reconciler) classify(reserves, supply uint64) core.ReconciliationResult {
	actual := ratioBP(reserves, supply, r.cfg.ExpectedRatioBP)
	discrepancy := actual - r.cfg.ExpectedRatioBP

	status := core.ReconciliationStatusBalanced
	magnitude := discrepancy
	if magnitude < 0 {
		magnitude = -magnitude
	}
	switch {
	case magnitude == 0:
		status = core.ReconciliationStatusBalanced
	case magnitude <= r.cfg.ToleranceBP:
		status = core.ReconciliationStatusWithinTolerance
	case r.cfg.MaxDiscrepancyBP > 0 && magnitude > r.cfg.MaxDiscrepancyBP:
		status = core.ReconciliationStatusEmergencyHalt
	default:
		status = core.ReconciliationStatusDiscrepancy
	}

	return core.ReconciliationResult{
		ObservedReserves: reserves,
		ObservedSupply:   supply,
		ExpectedRatioBP:  r.cfg.ExpectedRatioBP,
		ActualRatioBP:    actual,
		DiscrepancyBP:    discrepancy,
		Status:           status,
		CreatedAt:        r.now(),
	}
}

// Acknowledge records that a compliance operator reviewed a discrepancy.
func (r *Reconciler) Acknowledge(ctx context.Context, id string, acknowledgedBy string) error {
	if r == nil {
		return fmt.Errorf("reconciler: reconciler is nil")
	}
	if err := r.store.Acknowledge(ctx, id, acknowledgedBy); err != nil {
		return err
	}
	r.logger.Info("reconciliation acknowledged", "reconciliation_id", id, "by", acknowledgedBy)
	return nil
}

func (r *Reconciler) Latest(ctx context.Context) (core.ReconciliationResult, error) {
	if r == nil {
		return core.ReconciliationResult{}, fmt.Errorf("reconciler: reconciler is nil")
	}
	return r.store.Latest(ctx)
}

func (r *Reconciler) fetchScalar(ctx context.Context, service, contractID, function string) (uint64, error) {
	var value uint64
	err := r.breakers.Do(ctx, service, func(ctx context.Context) error {
		var fetchErr error
		value, fetchErr = r.chain.FetchScalar(ctx, contractID, function)
		return fetchErr
	})
	return value, err
}

func (r *Reconciler) raise(ctx context.Context, result core.ReconciliationResult, severity core.AlertSeverity, kind string) {
	if r.alerts == nil {
		return
	}
	alert := core.Alert{
		Kind:     kind,
		Severity: severity,
		Message: fmt.Sprintf(
			"reserve ratio %d bp deviates %d bp from expected %d bp",
			result.ActualRatioBP, result.DiscrepancyBP, result.ExpectedRatioBP,
		),
		Metadata: map[string]any{
			"reconciliation_id": result.ID,
			"reserves":          result.ObservedReserves,
			"supply":            result.ObservedSupply,
			"discrepancy_bp":    result.DiscrepancyBP,
		},
		OccurredAt: r.now(),
	}
	if err := r.alerts.Raise(ctx, alert); err != nil {
		r.logger.Error("raise reconciliation alert", "error", err)
	}
}

// ratioBP computes reserves/supply in basis points with saturation. Zero
// supply with zero reserves is a clean book and reports the expected ratio.
func ratioBP(reserves, supply uint64, expected int64) int64 {
	if supply == 0 {
		if reserves == 0 {
			return expected
		}
		return math.MaxInt64
	}
	if reserves > math.MaxUint64/10_000 {
		return math.MaxInt64
	}
	ratio := reserves * 10_000 / supply
	if ratio > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(ratio)
}

// ProofDigest is the proof-of-reserves commitment: a SHA-256 over the
// canonical reserve snapshot.
func ProofDigest(reserves, supply uint64, ratioBP int64, at time.Time) string {
	payload := fmt.Sprintf("por:v1:%d:%d:%d:%d", reserves, supply, ratioBP, at.UTC().Unix())
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

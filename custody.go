package custody

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/anchorledger/custody-core/adapters/gologger"
	"github.com/anchorledger/custody-core/breaker"
	"github.com/anchorledger/custody-core/chain"
	"github.com/anchorledger/custody-core/compliance"
	"github.com/anchorledger/custody-core/core"
	"github.com/anchorledger/custody-core/limits"
	"github.com/anchorledger/custody-core/monitor"
	"github.com/anchorledger/custody-core/orchestrator"
	"github.com/anchorledger/custody-core/reconciler"
	"github.com/anchorledger/custody-core/retry"
	"github.com/anchorledger/custody-core/rollback"
	glog "github.com/goliatone/go-logger/glog"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

// Re-exported so embedders configure and drive the runtime without
// importing every internal package.
type Config = core.Config

type DepositRequest = orchestrator.DepositRequest
type WithdrawalRequest = orchestrator.WithdrawalRequest
type ExchangeRequest = orchestrator.ExchangeRequest

type Operation = core.Operation
type ReconciliationResult = core.ReconciliationResult

func DefaultConfig() Config {
	return core.DefaultConfig()
}

// Runtime is the assembled custody core: stores, chain client, compliance
// gateway, breakers, retry scheduler, unwinder, engine, monitor and
// reconciler wired per the configuration. Construct with New, then Start.
type Runtime struct {
	cfg core.Config

	halt            *core.EmergencySwitch
	operations      core.OperationStore
	reconciliations core.ReconciliationStore
	usage           core.UsageStore
	cursors         core.EventCursorStore
	alerts          core.AlertSink
	chain           core.ChainClient
	tiers           core.TierRegistry
	tracker         *limits.Tracker
	compliance      *compliance.Gateway
	breakers        *breaker.Registry
	retries         *retry.Scheduler
	unwinder        *rollback.Unwinder
	engine          *orchestrator.Engine
	monitor         *monitor.Monitor
	reconciler      *reconciler.Reconciler

	logger  core.Logger
	metrics core.MetricsRecorder
}

type Option func(*runtimeOptions)

type runtimeOptions struct {
	logger          core.Logger
	loggerProvider  core.LoggerProvider
	metrics         core.MetricsRecorder
	alerts          core.AlertSink
	chainClient     core.ChainClient
	rpc             chain.RPC
	operations      core.OperationStore
	reconciliations core.ReconciliationStore
	usage           core.UsageStore
	cursors         core.EventCursorStore
	tiers           core.TierRegistry
	tierCache       repositorycache.CacheService
	clock           func() time.Time
}

func WithLogger(logger core.Logger) Option {
	return func(o *runtimeOptions) { o.logger = logger }
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(o *runtimeOptions) { o.loggerProvider = provider }
}

func WithMetrics(metrics core.MetricsRecorder) Option {
	return func(o *runtimeOptions) { o.metrics = metrics }
}

func WithAlerts(alerts core.AlertSink) Option {
	return func(o *runtimeOptions) { o.alerts = alerts }
}

// WithChainClient mounts an already-built chain client, bypassing RPC
// construction from config. Tests mount chain.NewFakeLedger here.
func WithChainClient(client core.ChainClient) Option {
	return func(o *runtimeOptions) { o.chainClient = client }
}

// WithRPC rides the typed chain client on a caller-supplied transport.
func WithRPC(rpc chain.RPC) Option {
	return func(o *runtimeOptions) { o.rpc = rpc }
}

func WithOperationStore(store core.OperationStore) Option {
	return func(o *runtimeOptions) { o.operations = store }
}

func WithReconciliationStore(store core.ReconciliationStore) Option {
	return func(o *runtimeOptions) { o.reconciliations = store }
}

func WithUsageStore(store core.UsageStore) Option {
	return func(o *runtimeOptions) { o.usage = store }
}

func WithEventCursorStore(store core.EventCursorStore) Option {
	return func(o *runtimeOptions) { o.cursors = store }
}

// WithStoreProvider takes every store the provider exposes in one call.
// The sql repository factory satisfies this.
func WithStoreProvider(provider StoreProvider) Option {
	return func(o *runtimeOptions) {
		if provider == nil {
			return
		}
		o.operations = provider.OperationStore()
		o.reconciliations = provider.ReconciliationStore()
		o.usage = provider.UsageStore()
		o.cursors = provider.EventCursorStore()
	}
}

func WithTierRegistry(registry core.TierRegistry) Option {
	return func(o *runtimeOptions) { o.tiers = registry }
}

// WithTierCache fronts the tier registry with the shared cache service;
// the monitor invalidates entries on kyc_status_change events.
func WithTierCache(cacheService repositorycache.CacheService) Option {
	return func(o *runtimeOptions) { o.tierCache = cacheService }
}

func WithClock(now func() time.Time) Option {
	return func(o *runtimeOptions) { o.clock = now }
}

// StoreProvider bundles the four durable stores behind one constructor,
// matching the sql repository factory's surface.
type StoreProvider interface {
	OperationStore() core.OperationStore
	ReconciliationStore() core.ReconciliationStore
	UsageStore() core.UsageStore
	EventCursorStore() core.EventCursorStore
}

// New assembles the full runtime. Missing stores fall back to in-memory
// implementations; a missing chain client is built from cfg.Chain.RPCURL.
func New(cfg Config, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	options := runtimeOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if options.loggerProvider == nil && options.logger == nil {
		options.logger = glog.NewLogger(glog.WithName(cfg.ServiceName))
	}

	_, logger := gologger.Component(cfg.ServiceName, "", options.loggerProvider, options.logger)
	metrics := options.metrics
	if metrics == nil {
		metrics = core.NopMetricsRecorder{}
	}
	alerts := options.alerts
	if alerts == nil {
		alerts = core.NewMemoryAlertSink()
	}
	clock := options.clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}

	operations := options.operations
	if operations == nil {
		operations = core.NewMemoryOperationStore()
	}
	reconciliations := options.reconciliations
	if reconciliations == nil {
		reconciliations = core.NewMemoryReconciliationStore()
	}
	usage := options.usage
	if usage == nil {
		usage = core.NewMemoryUsageStore()
	}
	cursors := options.cursors
	if cursors == nil {
		cursors = core.NewMemoryCursorStore()
	}

	chainClient, err := resolveChainClient(cfg, options, logger, metrics)
	if err != nil {
		return nil, err
	}

	tiers, err := resolveTierRegistry(cfg, options, chainClient)
	if err != nil {
		return nil, err
	}

	componentLogger := func(component string) core.Logger {
		_, l := gologger.Component(cfg.ServiceName, component, options.loggerProvider, options.logger)
		return l
	}

	tracker, err := limits.NewTracker(usage,
		limits.WithLogger(componentLogger("limits")),
		limits.WithMetrics(metrics),
		limits.WithClock(clock),
	)
	if err != nil {
		return nil, err
	}

	gateway, err := compliance.NewGateway(tiers, tracker,
		compliance.WithStrictMode(cfg.StrictMode),
		compliance.WithLogger(componentLogger("compliance")),
		compliance.WithMetrics(metrics),
	)
	if err != nil {
		return nil, err
	}

	halt := core.NewEmergencySwitch()
	breakers := breaker.NewRegistry(cfg.Breakers,
		breaker.WithRegistryLogger(componentLogger("breakers")),
		breaker.WithRegistryMetrics(metrics),
		breaker.WithRegistryAlerts(alerts),
		breaker.WithRegistryClock(clock),
	)
	retries := retry.NewScheduler(cfg.Retry,
		retry.WithLogger(componentLogger("retry")),
		retry.WithMetrics(metrics),
		retry.WithClock(clock),
	)

	unwinder, err := rollback.NewUnwinder(rollback.DefaultPlanner(cfg.Chain), chainClient, operations,
		rollback.WithLogger(componentLogger("rollback")),
		rollback.WithMetrics(metrics),
		rollback.WithAlerts(alerts),
		rollback.WithClock(clock),
	)
	if err != nil {
		return nil, err
	}

	engine, err := orchestrator.NewEngine(cfg, orchestrator.EngineDeps{
		Store:      operations,
		Chain:      chainClient,
		Compliance: gateway,
		Breakers:   breakers,
		Retries:    retries,
		Unwinder:   unwinder,
		Halt:       halt,
		Tiers:      tiers,
	},
		orchestrator.WithLogger(componentLogger("orchestrator")),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithClock(clock),
	)
	if err != nil {
		return nil, err
	}

	chainMonitor, err := monitor.New(cfg.Monitor, chainClient, cursors,
		monitor.WithLogger(componentLogger("monitor")),
		monitor.WithMetrics(metrics),
		monitor.WithAlerts(alerts),
		monitor.WithClock(clock),
	)
	if err != nil {
		return nil, err
	}
	registerEventHandlers(chainMonitor, operations, engine, tiers, alerts, componentLogger("monitor"))

	auditor, err := reconciler.New(cfg.Reconciler, cfg.Chain, chainClient, reconciliations, halt,
		reconciler.WithLogger(componentLogger("reconciler")),
		reconciler.WithMetrics(metrics),
		reconciler.WithAlerts(alerts),
		reconciler.WithBreakers(breakers),
		reconciler.WithClock(clock),
	)
	if err != nil {
		return nil, err
	}

	return &Runtime{
		cfg:             cfg,
		halt:            halt,
		operations:      operations,
		reconciliations: reconciliations,
		usage:           usage,
		cursors:         cursors,
		alerts:          alerts,
		chain:           chainClient,
		tiers:           tiers,
		tracker:         tracker,
		compliance:      gateway,
		breakers:        breakers,
		retries:         retries,
		unwinder:        unwinder,
		engine:          engine,
		monitor:         chainMonitor,
		reconciler:      auditor,
		logger:          logger,
		metrics:         metrics,
	}, nil
}

// Setup assembles a runtime on the default configuration.
func Setup(opts ...Option) (*Runtime, error) {
	return New(DefaultConfig(), opts...)
}

func resolveChainClient(cfg Config, options runtimeOptions, logger core.Logger, metrics core.MetricsRecorder) (core.ChainClient, error) {
	if options.chainClient != nil {
		return options.chainClient, nil
	}
	rpc := options.rpc
	if rpc == nil {
		if cfg.Chain.RPCURL == "" {
			return nil, core.NewError(core.ErrorKindMisconfigured, "custody: chain client, rpc transport, or chain.rpc_url is required")
		}
		rpc = chain.NewHTTPRPC(cfg.Chain.RPCURL, http.DefaultClient)
	}
	return chain.NewClient(rpc, cfg.Chain,
		chain.WithLogger(logger),
		chain.WithMetrics(metrics),
	)
}

func resolveTierRegistry(cfg Config, options runtimeOptions, chainClient core.ChainClient) (core.TierRegistry, error) {
	tiers := options.tiers
	if tiers == nil {
		registry, err := compliance.NewChainTierRegistry(chainClient, cfg.Chain.RegistryContract)
		if err != nil {
			return nil, err
		}
		tiers = registry
	}
	if options.tierCache == nil {
		return tiers, nil
	}
	return compliance.NewCachedTierRegistry(tiers, options.tierCache)
}

func registerEventHandlers(
	m *monitor.Monitor,
	operations core.OperationStore,
	engine *orchestrator.Engine,
	tiers core.TierRegistry,
	alerts core.AlertSink,
	logger core.Logger,
) {
	correlator := monitor.NewOperationEventHandler(operations, engine, logger)
	m.Register(core.EventTypeBtcDeposit, correlator)
	m.Register(core.EventTypeTokenWithdrawal, correlator)
	m.Register(core.EventTypeCrossExchange, correlator)

	if invalidator, ok := tiers.(monitor.TierInvalidator); ok {
		m.Register(core.EventTypeKycStatusChange, monitor.NewKycStatusHandler(invalidator, logger))
	}

	forwarder := monitor.NewAlertEventHandler(alerts)
	m.Register(core.EventTypeSystemAlert, forwarder)
	m.Register(core.EventTypeComplianceViol, forwarder)
	m.Register(core.EventTypeReserveRatio, forwarder)
}

// Engine exposes the orchestration engine for direct submission.
func (r *Runtime) Engine() *orchestrator.Engine {
	if r == nil {
		return nil
	}
	return r.engine
}

func (r *Runtime) Monitor() *monitor.Monitor {
	if r == nil {
		return nil
	}
	return r.monitor
}

func (r *Runtime) Reconciler() *reconciler.Reconciler {
	if r == nil {
		return nil
	}
	return r.reconciler
}

func (r *Runtime) Breakers() *breaker.Registry {
	if r == nil {
		return nil
	}
	return r.breakers
}

func (r *Runtime) Halt() *core.EmergencySwitch {
	if r == nil {
		return nil
	}
	return r.halt
}

func (r *Runtime) Operations() core.OperationStore {
	if r == nil {
		return nil
	}
	return r.operations
}

func (r *Runtime) Reconciliations() core.ReconciliationStore {
	if r == nil {
		return nil
	}
	return r.reconciliations
}

func (r *Runtime) Alerts() core.AlertSink {
	if r == nil {
		return nil
	}
	return r.alerts
}

func (r *Runtime) Chain() core.ChainClient {
	if r == nil {
		return nil
	}
	return r.chain
}

func (r *Runtime) Config() Config {
	if r == nil {
		return Config{}
	}
	return r.cfg
}

// Start launches the engine worker pool. The periodic surfaces, retry
// drain, chain polling and reconciliation, run through adapters/gojob.
func (r *Runtime) Start(ctx context.Context) {
	if r == nil {
		return
	}
	r.engine.Start(ctx)
}

// Stop drains the engine worker pool.
func (r *Runtime) Stop() {
	if r == nil {
		return
	}
	r.engine.Stop()
}

func (r *Runtime) String() string {
	if r == nil {
		return "custody.Runtime(nil)"
	}
	return fmt.Sprintf("custody.Runtime(%s)", r.cfg.ServiceName)
}

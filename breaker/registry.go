package breaker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/anchorledger/custody-core/core"
	glog "github.com/goliatone/go-logger/glog"
)

// Guarded downstream services.
const (
	ServiceCompliance     = "compliance"
	ServiceReserve        = "reserve"
	ServiceBitcoinNetwork = "bitcoin_network"
	ServiceOracle         = "oracle"
)

// Registry holds one breaker per downstream service. Trip and recovery
// transitions are logged, counted, and raised as alerts.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker

	defaults core.BreakerConfig
	logger   core.Logger
	metrics  core.MetricsRecorder
	alerts   core.AlertSink
	now      func() time.Time
}

type RegistryOption func(*Registry)

func WithRegistryLogger(logger core.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithRegistryMetrics(metrics core.MetricsRecorder) RegistryOption {
	return func(r *Registry) {
		if metrics != nil {
			r.metrics = metrics
		}
	}
}

func WithRegistryAlerts(alerts core.AlertSink) RegistryOption {
	return func(r *Registry) {
		if alerts != nil {
			r.alerts = alerts
		}
	}
}

func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRegistry(cfg core.BreakersConfig, options ...RegistryOption) *Registry {
	registry := &Registry{
		breakers: map[string]*Breaker{},
		defaults: core.BreakerConfig{FailureThreshold: 5, SuccessThreshold: 3, MonitoringWindowMS: 30_000, OpenTimeoutMS: 60_000},
		logger:   glog.NewLogger(glog.WithName("breaker")),
		metrics:  core.NopMetricsRecorder{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range options {
		if opt != nil {
			opt(registry)
		}
	}
	registry.register(ServiceCompliance, cfg.Compliance)
	registry.register(ServiceReserve, cfg.Reserve)
	registry.register(ServiceBitcoinNetwork, cfg.BitcoinNetwork)
	registry.register(ServiceOracle, cfg.Oracle)
	return registry
}

func (r *Registry) register(service string, cfg core.BreakerConfig) {
	if cfg.FailureThreshold <= 0 {
		cfg = r.defaults
	}
	r.breakers[service] = New(service, cfg, r.now)
}

func (r *Registry) breaker(service string) (*Breaker, error) {
	service = strings.TrimSpace(service)
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[service]
	if !ok {
		return nil, core.NewError(core.ErrorKindMisconfigured, fmt.Sprintf("breaker: unknown service %q", service))
	}
	return b, nil
}

// Allow checks admission for a call to the named service.
func (r *Registry) Allow(ctx context.Context, service string) error {
	if r == nil {
		return nil
	}
	b, err := r.breaker(service)
	if err != nil {
		return err
	}
	if err := b.Allow(); err != nil {
		r.metrics.IncCounter(ctx, "breaker_rejections_total", 1, map[string]string{"service": service})
		return err
	}
	return nil
}

// Observe records a call outcome. err == nil counts as success; otherwise
// the kind is extracted and, when health-impacting, counted.
func (r *Registry) Observe(ctx context.Context, service string, err error) {
	if r == nil {
		return
	}
	b, lookupErr := r.breaker(service)
	if lookupErr != nil {
		return
	}
	if err == nil {
		before := b.Snapshot().State
		b.RecordSuccess()
		if before == StateHalfOpen && b.Snapshot().State == StateClosed {
			r.logger.Info("breaker recovered", "service", service)
			r.metrics.IncCounter(ctx, "breaker_transitions_total", 1, map[string]string{"service": service, "to": string(StateClosed)})
		}
		return
	}

	kind := core.KindOf(err)
	if tripped := b.RecordFailure(kind, err.Error()); tripped {
		r.logger.Error("breaker opened", "service", service, "error_kind", string(kind))
		r.metrics.IncCounter(ctx, "breaker_transitions_total", 1, map[string]string{"service": service, "to": string(StateOpen)})
		r.raise(ctx, service, kind)
	}
}

// Do guards fn with the named breaker, recording the outcome.
func (r *Registry) Do(ctx context.Context, service string, fn func(ctx context.Context) error) error {
	if r == nil {
		return fn(ctx)
	}
	if err := r.Allow(ctx, service); err != nil {
		return err
	}
	err := fn(ctx)
	r.Observe(ctx, service, err)
	return err
}

// ForceOpen pins a service open; used by operators during incidents.
func (r *Registry) ForceOpen(ctx context.Context, service string, reason string) error {
	b, err := r.breaker(service)
	if err != nil {
		return err
	}
	b.ForceOpen(reason)
	r.logger.Warn("breaker forced open", "service", service, "reason", reason)
	r.metrics.IncCounter(ctx, "breaker_transitions_total", 1, map[string]string{"service": service, "to": string(StateOpen)})
	return nil
}

func (r *Registry) ForceClose(ctx context.Context, service string) error {
	b, err := r.breaker(service)
	if err != nil {
		return err
	}
	b.ForceClose()
	r.logger.Warn("breaker forced closed", "service", service)
	r.metrics.IncCounter(ctx, "breaker_transitions_total", 1, map[string]string{"service": service, "to": string(StateClosed)})
	return nil
}

// Snapshots returns the state of every registered breaker, sorted by
// service name.
func (r *Registry) Snapshots() []Snapshot {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	snaps := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		snaps = append(snaps, b.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Service < snaps[j].Service })
	return snaps
}

func (r *Registry) raise(ctx context.Context, service string, kind core.ErrorKind) {
	if r.alerts == nil {
		return
	}
	alert := core.Alert{
		Kind:     "circuit_opened",
		Severity: core.AlertSeverityWarning,
		Message:  fmt.Sprintf("circuit for %s opened", service),
		Metadata: map[string]any{
			"service":    service,
			"error_kind": string(kind),
		},
		OccurredAt: r.now(),
	}
	if err := r.alerts.Raise(ctx, alert); err != nil {
		r.logger.Error("raise breaker alert", "service", service, "error", err)
	}
}

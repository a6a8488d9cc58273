package compliance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anchorledger/custody-core/core"
	"github.com/anchorledger/custody-core/limits"
	glog "github.com/goliatone/go-logger/glog"
)

// Gateway is the compliance decision point for every operation. It resolves
// the principal's tier, applies the blacklist and enhanced-verification
// rules, and charges the request against the limits tracker's headroom.
//
// When the registry cannot be reached the gateway either rejects (strict
// mode) or degrades to the minimal tier so small operations keep flowing.
type Gateway struct {
	registry   core.TierRegistry
	secondary  core.TierRegistry
	tracker    *limits.Tracker
	strictMode bool
	logger     core.Logger
	metrics    core.MetricsRecorder
	now        func() time.Time
}

type GatewayOption func(*Gateway)

// WithSecondaryRegistry adds a second tier source. When both answer, the
// lower tier wins.
func WithSecondaryRegistry(registry core.TierRegistry) GatewayOption {
	return func(g *Gateway) {
		g.secondary = registry
	}
}

func WithStrictMode(strict bool) GatewayOption {
	return func(g *Gateway) {
		g.strictMode = strict
	}
}

func WithLogger(logger core.Logger) GatewayOption {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func WithMetrics(metrics core.MetricsRecorder) GatewayOption {
	return func(g *Gateway) {
		if metrics != nil {
			g.metrics = metrics
		}
	}
}

func NewGateway(registry core.TierRegistry, tracker *limits.Tracker, options ...GatewayOption) (*Gateway, error) {
	if registry == nil {
		return nil, core.NewError(core.ErrorKindMisconfigured, "compliance: tier registry is required")
	}
	if tracker == nil {
		return nil, core.NewError(core.ErrorKindMisconfigured, "compliance: limits tracker is required")
	}
	gateway := &Gateway{
		registry: registry,
		tracker:  tracker,
		logger:   glog.NewLogger(glog.WithName("compliance")),
		metrics:  core.NopMetricsRecorder{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range options {
		if opt != nil {
			opt(gateway)
		}
	}
	return gateway, nil
}

func (g *Gateway) Check(ctx context.Context, principal string, class core.OperationClass, amount uint64) (core.ComplianceDecision, error) {
	if g == nil {
		return core.ComplianceDecision{}, core.NewError(core.ErrorKindMisconfigured, "compliance: gateway is not configured")
	}
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return core.ComplianceDecision{}, core.NewError(core.ErrorKindParametersInvalid, "compliance: principal is required")
	}
	if err := class.Validate(); err != nil {
		return core.ComplianceDecision{}, core.WrapError(core.ErrorKindParametersInvalid, err, err.Error())
	}

	tier, err := g.resolveTier(ctx, principal)
	if err != nil {
		kind := core.KindOf(err)
		if kind == core.ErrorKindRegistryUnavailable && !g.strictMode {
			g.logger.Warn("registry unavailable, degrading to fallback tier",
				"principal", principal,
				"class", string(class),
			)
			g.metrics.IncCounter(ctx, "compliance_fallbacks_total", 1, map[string]string{"class": string(class)})
			tier = FallbackTier()
		} else {
			g.metrics.IncCounter(ctx, "compliance_denials_total", 1, map[string]string{"class": string(class), "reason": string(kind)})
			return core.ComplianceDecision{Approved: false, Reason: string(kind)}, err
		}
	}

	if tier.EnhancedVerifyAbove > 0 && amount > tier.EnhancedVerifyAbove {
		g.metrics.IncCounter(ctx, "compliance_denials_total", 1, map[string]string{"class": string(class), "reason": "insufficient_tier"})
		return core.ComplianceDecision{Approved: false, Tier: tier, Reason: "enhanced_verification_required"},
			core.NewError(
				core.ErrorKindInsufficientTier,
				fmt.Sprintf("compliance: amount %d exceeds tier %d verification threshold", amount, tier.Code),
			).WithMetadata(map[string]any{
				"principal": principal,
				"tier":      tier.Code,
				"threshold": tier.EnhancedVerifyAbove,
			})
	}

	if err := g.tracker.Check(ctx, principal, class, amount, tier); err != nil {
		g.metrics.IncCounter(ctx, "compliance_denials_total", 1, map[string]string{"class": string(class), "reason": "limit_exceeded"})
		return core.ComplianceDecision{Approved: false, Tier: tier, Reason: "limit_exceeded"}, err
	}

	daily, _, err := g.tracker.Remaining(ctx, principal, class, tier)
	if err != nil {
		return core.ComplianceDecision{}, err
	}
	return core.ComplianceDecision{
		Approved:       true,
		Tier:           tier,
		LimitRemaining: daily,
	}, nil
}

// RecordUsage charges a completed operation against the principal's
// budget.
func (g *Gateway) RecordUsage(ctx context.Context, principal string, class core.OperationClass, amount uint64) error {
	if g == nil {
		return core.NewError(core.ErrorKindMisconfigured, "compliance: gateway is not configured")
	}
	return g.tracker.Record(ctx, principal, class, amount)
}

func (g *Gateway) resolveTier(ctx context.Context, principal string) (core.Tier, error) {
	tier, err := g.registry.TierFor(ctx, principal)
	if err != nil {
		return core.Tier{}, err
	}
	if g.secondary == nil {
		return tier, nil
	}
	second, err := g.secondary.TierFor(ctx, principal)
	if err != nil {
		// The primary already answered; a secondary outage must not widen
		// access, so keep the primary view.
		if core.KindOf(err) == core.ErrorKindRegistryUnavailable {
			return tier, nil
		}
		return core.Tier{}, err
	}
	return MinTier(tier, second), nil
}

var _ core.ComplianceGateway = (*Gateway)(nil)

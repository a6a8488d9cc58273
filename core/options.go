package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	opts "github.com/goliatone/go-options"
)

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

func NewStaticRawConfigLoader(values map[string]any) RawConfigLoader {
	return staticRawConfigLoader{Values: values}
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	defaultLayer := configToLayerMap(defaults, true)
	loadedLayer := configToLayerMap(loaded, false)
	runtimeLayer := configToLayerMap(runtime, false)

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			defaultLayer,
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			loadedLayer,
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			runtimeLayer,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

// ResolveConfig layers defaults, loaded configuration, and runtime
// overrides into the effective config.
func ResolveConfig(ctx context.Context, provider ConfigProvider, resolver OptionsResolver, runtime Config) (Config, error) {
	defaults := DefaultConfig()
	if provider == nil {
		provider = NewCfgxConfigProvider(nil)
	}
	if resolver == nil {
		resolver = GoOptionsResolver{}
	}
	loaded, err := provider.Load(ctx, defaults)
	if err != nil {
		return Config{}, err
	}
	return resolver.Resolve(defaults, loaded, runtime)
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.ServiceName) != "" {
		layer["service_name"] = cfg.ServiceName
	}
	if includeZero || cfg.StrictMode {
		layer["strict_mode"] = cfg.StrictMode
	}
	if includeZero || cfg.Orchestrator != (OrchestratorConfig{}) {
		layer["orchestrator"] = map[string]any{
			"workers":              cfg.Orchestrator.Workers,
			"queue_size":           cfg.Orchestrator.QueueSize,
			"operation_timeout_ms": cfg.Orchestrator.OperationTimeoutMS,
			"principal_stripes":    cfg.Orchestrator.PrincipalStripes,
			"principal_queue_size": cfg.Orchestrator.PrincipalQueueSize,
		}
	}
	if includeZero || cfg.Retry != (RetryConfig{}) {
		layer["retry"] = map[string]any{
			"btc_deposit":          retryPolicyToLayer(cfg.Retry.Deposit),
			"token_withdrawal":     retryPolicyToLayer(cfg.Retry.Withdrawal),
			"cross_token_exchange": retryPolicyToLayer(cfg.Retry.Exchange),
		}
	}
	if includeZero || cfg.Breakers != (BreakersConfig{}) {
		layer["cb"] = map[string]any{
			"compliance":      breakerToLayer(cfg.Breakers.Compliance),
			"reserve":         breakerToLayer(cfg.Breakers.Reserve),
			"bitcoin_network": breakerToLayer(cfg.Breakers.BitcoinNetwork),
			"oracle":          breakerToLayer(cfg.Breakers.Oracle),
		}
	}
	if includeZero || cfg.Reconciler != (ReconcilerConfig{}) {
		layer["reconciler"] = map[string]any{
			"frequency_s":        cfg.Reconciler.FrequencyS,
			"tolerance_bp":       cfg.Reconciler.ToleranceBP,
			"max_discrepancy_bp": cfg.Reconciler.MaxDiscrepancyBP,
			"halt_on_breach":     cfg.Reconciler.HaltOnBreach,
			"expected_ratio_bp":  cfg.Reconciler.ExpectedRatioBP,
			"proof_frequency_s":  cfg.Reconciler.ProofFrequencyS,
		}
	}
	monitorZero := cfg.Monitor.PollIntervalS == 0 && cfg.Monitor.BatchSize == 0 &&
		len(cfg.Monitor.EnabledEvents) == 0 && cfg.Monitor.MaxPollFailures == 0 &&
		strings.TrimSpace(cfg.Monitor.StreamID) == ""
	if includeZero || !monitorZero {
		layer["monitor"] = map[string]any{
			"poll_interval_s":   cfg.Monitor.PollIntervalS,
			"batch_size":        cfg.Monitor.BatchSize,
			"enabled_events":    append([]string(nil), cfg.Monitor.EnabledEvents...),
			"max_poll_failures": cfg.Monitor.MaxPollFailures,
			"stream_id":         cfg.Monitor.StreamID,
		}
	}
	if includeZero || cfg.Chain != (ChainConfig{}) {
		layer["chain"] = map[string]any{
			"network":           cfg.Chain.Network,
			"rpc_url":           cfg.Chain.RPCURL,
			"passphrase":        cfg.Chain.Passphrase,
			"min_confirmations": cfg.Chain.MinConfirmations,
			"timeout_s":         cfg.Chain.TimeoutS,
			"gas_limit":         cfg.Chain.GasLimit,
			"reserve_contract":  cfg.Chain.ReserveContract,
			"token_contract":    cfg.Chain.TokenContract,
			"registry_contract": cfg.Chain.RegistryContract,
			"treasury_account":  cfg.Chain.TreasuryAccount,
		}
	}
	return layer
}

func retryPolicyToLayer(policy RetryPolicyConfig) map[string]any {
	return map[string]any{
		"max_retries":        policy.MaxRetries,
		"base_delay_ms":      policy.BaseDelayMS,
		"max_delay_ms":       policy.MaxDelayMS,
		"backoff_multiplier": policy.BackoffMultiplier,
		"jitter_enabled":     policy.JitterEnabled,
	}
}

func breakerToLayer(breaker BreakerConfig) map[string]any {
	return map[string]any{
		"failure_threshold":    breaker.FailureThreshold,
		"success_threshold":    breaker.SuccessThreshold,
		"monitoring_window_ms": breaker.MonitoringWindowMS,
		"open_timeout_ms":      breaker.OpenTimeoutMS,
	}
}

package core

import (
	"fmt"
	"strings"
)

type OrchestratorConfig struct {
	Workers            int `koanf:"workers" mapstructure:"workers"`
	QueueSize          int `koanf:"queue_size" mapstructure:"queue_size"`
	OperationTimeoutMS int `koanf:"operation_timeout_ms" mapstructure:"operation_timeout_ms"`
	PrincipalStripes   int `koanf:"principal_stripes" mapstructure:"principal_stripes"`
	PrincipalQueueSize int `koanf:"principal_queue_size" mapstructure:"principal_queue_size"`
}

type RetryPolicyConfig struct {
	MaxRetries        int     `koanf:"max_retries" mapstructure:"max_retries"`
	BaseDelayMS       int     `koanf:"base_delay_ms" mapstructure:"base_delay_ms"`
	MaxDelayMS        int     `koanf:"max_delay_ms" mapstructure:"max_delay_ms"`
	BackoffMultiplier float64 `koanf:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	JitterEnabled     bool    `koanf:"jitter_enabled" mapstructure:"jitter_enabled"`
}

type RetryConfig struct {
	Deposit    RetryPolicyConfig `koanf:"btc_deposit" mapstructure:"btc_deposit"`
	Withdrawal RetryPolicyConfig `koanf:"token_withdrawal" mapstructure:"token_withdrawal"`
	Exchange   RetryPolicyConfig `koanf:"cross_token_exchange" mapstructure:"cross_token_exchange"`
}

type BreakerConfig struct {
	FailureThreshold   int `koanf:"failure_threshold" mapstructure:"failure_threshold"`
	SuccessThreshold   int `koanf:"success_threshold" mapstructure:"success_threshold"`
	MonitoringWindowMS int `koanf:"monitoring_window_ms" mapstructure:"monitoring_window_ms"`
	OpenTimeoutMS      int `koanf:"open_timeout_ms" mapstructure:"open_timeout_ms"`
}

type BreakersConfig struct {
	Compliance     BreakerConfig `koanf:"compliance" mapstructure:"compliance"`
	Reserve        BreakerConfig `koanf:"reserve" mapstructure:"reserve"`
	BitcoinNetwork BreakerConfig `koanf:"bitcoin_network" mapstructure:"bitcoin_network"`
	Oracle         BreakerConfig `koanf:"oracle" mapstructure:"oracle"`
}

type ReconcilerConfig struct {
	FrequencyS       int   `koanf:"frequency_s" mapstructure:"frequency_s"`
	ToleranceBP      int64 `koanf:"tolerance_bp" mapstructure:"tolerance_bp"`
	MaxDiscrepancyBP int64 `koanf:"max_discrepancy_bp" mapstructure:"max_discrepancy_bp"`
	HaltOnBreach     bool  `koanf:"halt_on_breach" mapstructure:"halt_on_breach"`
	ExpectedRatioBP  int64 `koanf:"expected_ratio_bp" mapstructure:"expected_ratio_bp"`
	ProofFrequencyS  int   `koanf:"proof_frequency_s" mapstructure:"proof_frequency_s"`
}

type MonitorConfig struct {
	PollIntervalS   int      `koanf:"poll_interval_s" mapstructure:"poll_interval_s"`
	BatchSize       int      `koanf:"batch_size" mapstructure:"batch_size"`
	EnabledEvents   []string `koanf:"enabled_events" mapstructure:"enabled_events"`
	MaxPollFailures int      `koanf:"max_poll_failures" mapstructure:"max_poll_failures"`
	StreamID        string   `koanf:"stream_id" mapstructure:"stream_id"`
}

type OracleConfig struct {
	UpdateFrequencyS    int   `koanf:"update_frequency_s" mapstructure:"update_frequency_s"`
	MaxPriceDeviationBP int64 `koanf:"max_price_deviation_bp" mapstructure:"max_price_deviation_bp"`
	ExchangeFeeBP       int64 `koanf:"exchange_fee_bp" mapstructure:"exchange_fee_bp"`
}

type ChainConfig struct {
	Network          string `koanf:"network" mapstructure:"network"`
	RPCURL           string `koanf:"rpc_url" mapstructure:"rpc_url"`
	Passphrase       string `koanf:"passphrase" mapstructure:"passphrase"`
	MinConfirmations int    `koanf:"min_confirmations" mapstructure:"min_confirmations"`
	TimeoutS         int    `koanf:"timeout_s" mapstructure:"timeout_s"`
	GasLimit         uint64 `koanf:"gas_limit" mapstructure:"gas_limit"`
	ReserveContract  string `koanf:"reserve_contract" mapstructure:"reserve_contract"`
	TokenContract    string `koanf:"token_contract" mapstructure:"token_contract"`
	RegistryContract string `koanf:"registry_contract" mapstructure:"registry_contract"`
	TreasuryAccount  string `koanf:"treasury_account" mapstructure:"treasury_account"`
}

type Config struct {
	ServiceName  string             `koanf:"service_name" mapstructure:"service_name"`
	StrictMode   bool               `koanf:"strict_mode" mapstructure:"strict_mode"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator" mapstructure:"orchestrator"`
	Retry        RetryConfig        `koanf:"retry" mapstructure:"retry"`
	Breakers     BreakersConfig     `koanf:"cb" mapstructure:"cb"`
	Reconciler   ReconcilerConfig   `koanf:"reconciler" mapstructure:"reconciler"`
	Monitor      MonitorConfig      `koanf:"monitor" mapstructure:"monitor"`
	Oracle       OracleConfig       `koanf:"oracle" mapstructure:"oracle"`
	Chain        ChainConfig        `koanf:"chain" mapstructure:"chain"`
}

func DefaultConfig() Config {
	defaultRetry := RetryPolicyConfig{
		MaxRetries:        3,
		BaseDelayMS:       500,
		MaxDelayMS:        30_000,
		BackoffMultiplier: 2,
		JitterEnabled:     true,
	}
	return Config{
		ServiceName: "custody",
		Orchestrator: OrchestratorConfig{
			Workers:            16,
			QueueSize:          256,
			OperationTimeoutMS: 60_000,
			PrincipalStripes:   1024,
			PrincipalQueueSize: 8,
		},
		Retry: RetryConfig{
			Deposit:    defaultRetry,
			Withdrawal: defaultRetry,
			Exchange:   defaultRetry,
		},
		Breakers: BreakersConfig{
			Compliance:     BreakerConfig{FailureThreshold: 5, SuccessThreshold: 3, MonitoringWindowMS: 30_000, OpenTimeoutMS: 60_000},
			Reserve:        BreakerConfig{FailureThreshold: 3, SuccessThreshold: 2, MonitoringWindowMS: 60_000, OpenTimeoutMS: 120_000},
			BitcoinNetwork: BreakerConfig{FailureThreshold: 10, SuccessThreshold: 5, MonitoringWindowMS: 120_000, OpenTimeoutMS: 300_000},
			Oracle:         BreakerConfig{FailureThreshold: 5, SuccessThreshold: 3, MonitoringWindowMS: 30_000, OpenTimeoutMS: 60_000},
		},
		Reconciler: ReconcilerConfig{
			FrequencyS:       3600,
			ToleranceBP:      10,
			MaxDiscrepancyBP: 100,
			HaltOnBreach:     true,
			ExpectedRatioBP:  10_000,
			ProofFrequencyS:  86_400,
		},
		Monitor: MonitorConfig{
			PollIntervalS:   5,
			BatchSize:       100,
			MaxPollFailures: 5,
			StreamID:        "custody-events",
		},
		Oracle: OracleConfig{
			UpdateFrequencyS:    300,
			MaxPriceDeviationBP: 500,
			ExchangeFeeBP:       30,
		},
		Chain: ChainConfig{
			Network:          "testnet",
			MinConfirmations: 6,
			TimeoutS:         30,
			GasLimit:         10_000_000,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.Orchestrator.Workers < 0 {
		return fmt.Errorf("core: orchestrator.workers must not be negative")
	}
	if c.Orchestrator.OperationTimeoutMS < 0 {
		return fmt.Errorf("core: orchestrator.operation_timeout_ms must not be negative")
	}
	if c.Reconciler.ExpectedRatioBP < 0 {
		return fmt.Errorf("core: reconciler.expected_ratio_bp must not be negative")
	}
	if c.Reconciler.ToleranceBP < 0 || c.Reconciler.MaxDiscrepancyBP < 0 {
		return fmt.Errorf("core: reconciler thresholds must not be negative")
	}
	if c.Reconciler.MaxDiscrepancyBP > 0 && c.Reconciler.ToleranceBP > c.Reconciler.MaxDiscrepancyBP {
		return fmt.Errorf("core: reconciler.tolerance_bp exceeds reconciler.max_discrepancy_bp")
	}
	if c.Monitor.BatchSize < 0 {
		return fmt.Errorf("core: monitor.batch_size must not be negative")
	}
	if c.Oracle.UpdateFrequencyS < 0 {
		return fmt.Errorf("core: oracle.update_frequency_s must not be negative")
	}
	if c.Oracle.MaxPriceDeviationBP < 0 {
		return fmt.Errorf("core: oracle.max_price_deviation_bp must not be negative")
	}
	if c.Oracle.ExchangeFeeBP < 0 || c.Oracle.ExchangeFeeBP >= 10_000 {
		return fmt.Errorf("core: oracle.exchange_fee_bp must be in [0, 10000)")
	}
	if c.Chain.MinConfirmations < 0 {
		return fmt.Errorf("core: chain.min_confirmations must not be negative")
	}
	return nil
}

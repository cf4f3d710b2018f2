package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for whaletrace.
type Config struct {
	General      GeneralConfig      `yaml:"general"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	Discovery    DiscoveryConfig    `yaml:"discovery"`
	Bundle       BundleConfig       `yaml:"bundle"`
	Classify     ClassifyConfig     `yaml:"classify"`
	Store        StoreConfig        `yaml:"store"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Feed         FeedConfig         `yaml:"feed"`
	Manager      ManagerConfig      `yaml:"manager"`
	Server       ServerConfig       `yaml:"server"`
}

type GeneralConfig struct {
	InstanceID  string `yaml:"instance_id"`
	Environment string `yaml:"environment"` // production|staging|development
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json|text
}

type LedgerConfig struct {
	APIBase        string  `yaml:"api_base"`
	RPCEndpoint    string  `yaml:"rpc_endpoint"`
	APIKey         string  `yaml:"api_key"`
	TimeoutS       int     `yaml:"timeout_s"`
	MaxRetries     int     `yaml:"max_retries"`
	RetryBackoffMs int     `yaml:"retry_backoff_ms"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
}

type DiscoveryConfig struct {
	MaxDepth         int     `yaml:"max_depth"`
	DustThresholdSOL float64 `yaml:"dust_threshold_sol"`
	MaxWallets       int     `yaml:"max_wallets"`
	PageSize         int     `yaml:"page_size"`
	ExpandDelayMs    int     `yaml:"expand_delay_ms"`
}

type BundleConfig struct {
	WindowMs int `yaml:"window_ms"`
	MinSize  int `yaml:"min_size"`
}

type ClassifyConfig struct {
	DustBalanceSOL     float64 `yaml:"dust_balance_sol"`
	MintableBalanceSOL float64 `yaml:"mintable_balance_sol"`
	MintProbeMinSOL    float64 `yaml:"mint_probe_min_sol"`
	BalanceBatchSize   int     `yaml:"balance_batch_size"`
	MintLookback       int     `yaml:"mint_lookback"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"` // postgres|memory
	DSN     string `yaml:"dsn"`
}

type SubscriptionConfig struct {
	CallbackURL string `yaml:"callback_url"`
}

type FeedConfig struct {
	Enabled          bool   `yaml:"enabled"`
	WSEndpoint       string `yaml:"ws_endpoint"`
	ReconnectDelayMs int    `yaml:"reconnect_delay_ms"`
	PingIntervalS    int    `yaml:"ping_interval_s"`
	MaxReconnects    int    `yaml:"max_reconnects"`
}

type ManagerConfig struct {
	MonitorIntervalS int `yaml:"monitor_interval_s"`
	AlertQueueSize   int `yaml:"alert_queue_size"`
}

type ServerConfig struct {
	ListenAddr     string `yaml:"listen_addr"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Apply defaults
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "whaletrace-1"
	}
	if cfg.General.Environment == "" {
		cfg.General.Environment = "development"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}
	if cfg.Ledger.APIBase == "" {
		cfg.Ledger.APIBase = "https://api.helius.xyz"
	}
	if cfg.Ledger.RPCEndpoint == "" {
		cfg.Ledger.RPCEndpoint = "https://mainnet.helius-rpc.com"
	}
	if cfg.Ledger.TimeoutS == 0 {
		cfg.Ledger.TimeoutS = 15
	}
	if cfg.Ledger.MaxRetries == 0 {
		cfg.Ledger.MaxRetries = 4
	}
	if cfg.Ledger.RetryBackoffMs == 0 {
		cfg.Ledger.RetryBackoffMs = 250
	}
	if cfg.Ledger.RateLimitRPS == 0 {
		cfg.Ledger.RateLimitRPS = 10
	}
	if cfg.Discovery.MaxDepth == 0 {
		cfg.Discovery.MaxDepth = 5
	}
	if cfg.Discovery.DustThresholdSOL == 0 {
		cfg.Discovery.DustThresholdSOL = 0.001
	}
	if cfg.Discovery.MaxWallets == 0 {
		cfg.Discovery.MaxWallets = 2000
	}
	if cfg.Discovery.PageSize == 0 {
		cfg.Discovery.PageSize = 500
	}
	if cfg.Discovery.ExpandDelayMs == 0 {
		cfg.Discovery.ExpandDelayMs = 100
	}
	if cfg.Bundle.WindowMs == 0 {
		cfg.Bundle.WindowMs = 500
	}
	if cfg.Bundle.MinSize == 0 {
		cfg.Bundle.MinSize = 3
	}
	if cfg.Classify.DustBalanceSOL == 0 {
		cfg.Classify.DustBalanceSOL = 0.01
	}
	if cfg.Classify.MintableBalanceSOL == 0 {
		cfg.Classify.MintableBalanceSOL = 0.05
	}
	if cfg.Classify.MintProbeMinSOL == 0 {
		cfg.Classify.MintProbeMinSOL = 0.01
	}
	if cfg.Classify.BalanceBatchSize == 0 {
		cfg.Classify.BalanceBatchSize = 100
	}
	if cfg.Classify.MintLookback == 0 {
		cfg.Classify.MintLookback = 25
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Feed.WSEndpoint == "" {
		cfg.Feed.WSEndpoint = "wss://mainnet.helius-rpc.com"
	}
	if cfg.Feed.ReconnectDelayMs == 0 {
		cfg.Feed.ReconnectDelayMs = 1000
	}
	if cfg.Feed.PingIntervalS == 0 {
		cfg.Feed.PingIntervalS = 30
	}
	if cfg.Manager.MonitorIntervalS == 0 {
		cfg.Manager.MonitorIntervalS = 300
	}
	if cfg.Manager.AlertQueueSize == 0 {
		cfg.Manager.AlertQueueSize = 1024
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
}

// Validate checks cross-field constraints that defaults cannot repair.
func (c *Config) Validate() error {
	if c.Store.Backend != "memory" && c.Store.Backend != "postgres" {
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("config: postgres backend requires store.dsn")
	}
	if c.Discovery.MaxDepth < 1 {
		return fmt.Errorf("config: discovery.max_depth must be >= 1")
	}
	if c.Bundle.MinSize < 2 {
		return fmt.Errorf("config: bundle.min_size must be >= 2")
	}
	if c.Classify.DustBalanceSOL >= c.Classify.MintableBalanceSOL {
		return fmt.Errorf("config: classify.dust_balance_sol must be below mintable_balance_sol")
	}
	return nil
}

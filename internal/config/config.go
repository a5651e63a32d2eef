// Package config defines all configuration for the copy-trading bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via POLY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun      bool              `mapstructure:"dry_run"`
	Wallet      WalletConfig      `mapstructure:"wallet"`
	API         APIConfig         `mapstructure:"api"`
	Copy        CopyConfig        `mapstructure:"copy"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Aggregation AggregationConfig `mapstructure:"aggregation"`
	Store       StoreConfig       `mapstructure:"store"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Dashboard   DashboardConfig   `mapstructure:"dashboard"`
}

// WalletConfig holds the Ethereum wallet used for signing mirror orders.
// PrivateKey signs L1 (EIP-712) auth and derives L2 API keys.
// FunderAddress is the on-chain address that funds orders (may differ from signer if using a proxy).
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// APIConfig holds exchange API endpoints, the whale-event feed URL, and
// optional pre-derived L2 credentials. If ApiKey/Secret/Passphrase are
// empty, the bot derives them via L1 auth on startup.
type APIConfig struct {
	CLOBBaseURL string `mapstructure:"clob_base_url"`
	WSWhaleURL  string `mapstructure:"ws_whale_url"`
	ApiKey      string `mapstructure:"api_key"`
	Secret      string `mapstructure:"secret"`
	Passphrase  string `mapstructure:"passphrase"`
}

// CopyConfig tunes how whale fills are mirrored.
//
//   - TradersFile: path to traders.json (highest-precedence trader source).
//   - WorkerPoolSize: number of concurrent order workers.
//   - QueueSize: capacity of the bounded work channel (0 = WorkerPoolSize*4).
//   - RetryTiers: whale-shares thresholds mapped to max resubmission attempts.
//   - SlippageBps: default slippage added to whale price to derive max_price
//     when RiskConfig.MaxPriceMode is "slippage".
//   - PriceCacheTTL / PriceCacheRateLimit: price cache tuning.
type CopyConfig struct {
	TradersFile         string        `mapstructure:"traders_file"`
	WorkerPoolSize      int           `mapstructure:"worker_pool_size"`
	QueueSize           int           `mapstructure:"queue_size"`
	RetryTiers          []RetryTier   `mapstructure:"retry_tiers"`
	SlippageBps         int           `mapstructure:"slippage_bps"`
	PriceCacheTTL       time.Duration `mapstructure:"price_cache_ttl"`
	PriceCacheRateLimit float64       `mapstructure:"price_cache_rate_limit"`
	MaxBetPctOfNAV      float64       `mapstructure:"max_bet_pct_of_nav"`
	AccountBalanceUSD   float64       `mapstructure:"account_balance_usd"`
}

// RetryTier maps a whale-size threshold to the maximum number of
// resubmission attempts the worker's retry ladder is allowed.
// The worker uses the largest MaxAttempts among the tiers whose
// MinWhaleShares the whale's fill meets or exceeds; tier order does not
// matter.
type RetryTier struct {
	MinWhaleShares float64 `mapstructure:"min_whale_shares"`
	MaxAttempts    int     `mapstructure:"max_attempts"`
}

// RiskConfig sets the stateless guard's thresholds plus the
// portfolio-wide kill switch the supervisor runs.
type RiskConfig struct {
	MinPrice             float64       `mapstructure:"min_price"`
	MaxPrice             float64       `mapstructure:"max_price"`
	DepthMultiplier      float64       `mapstructure:"depth_multiplier"` // k in depth_usd >= k*our_usd
	MaxPriceMode         string        `mapstructure:"max_price_mode"`   // "slippage" or "book"
	MaxPositionPerMarket float64       `mapstructure:"max_position_per_market"`
	MaxGlobalExposure    float64       `mapstructure:"max_global_exposure"`
	KillSwitchDropPct    float64       `mapstructure:"kill_switch_drop_pct"`
	KillSwitchWindowSec  int           `mapstructure:"kill_switch_window_sec"`
	CooldownAfterKill    time.Duration `mapstructure:"cooldown_after_kill"`
}

// AggregationConfig mirrors the aggregator's tunables.
type AggregationConfig struct {
	WindowDuration  time.Duration `mapstructure:"window_duration"`
	MinTrades       int           `mapstructure:"min_trades"`
	MaxPendingUSD   float64       `mapstructure:"max_pending_usd"`
	BypassThreshold float64       `mapstructure:"bypass_threshold"`
}

// StoreConfig sets where trades are persisted and tunes the write buffer.
type StoreConfig struct {
	DataDir        string `mapstructure:"data_dir"`
	BufferSize     int    `mapstructure:"buffer_size"`
	SyncEveryWrite bool   `mapstructure:"sync_every_write"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the read-only HTTP control plane.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: POLY_PRIVATE_KEY, POLY_API_KEY, POLY_API_SECRET, POLY_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("POLY_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("POLY_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("POLY_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if os.Getenv("POLY_DRY_RUN") == "true" || os.Getenv("POLY_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// applyDefaults fills in documented defaults so a minimal YAML file still
// produces a workable config.
func applyDefaults(cfg *Config) {
	if cfg.Copy.WorkerPoolSize == 0 {
		cfg.Copy.WorkerPoolSize = 8
	}
	if cfg.Copy.QueueSize == 0 {
		cfg.Copy.QueueSize = cfg.Copy.WorkerPoolSize * 4
	}
	if len(cfg.Copy.RetryTiers) == 0 {
		cfg.Copy.RetryTiers = []RetryTier{
			{MinWhaleShares: 0, MaxAttempts: 2},
			{MinWhaleShares: 1000, MaxAttempts: 4},
			{MinWhaleShares: 5000, MaxAttempts: 6},
		}
	}
	if cfg.Copy.PriceCacheTTL == 0 {
		cfg.Copy.PriceCacheTTL = 30 * time.Second
	}
	if cfg.Copy.PriceCacheRateLimit == 0 {
		cfg.Copy.PriceCacheRateLimit = 10
	}
	if cfg.Risk.MaxPriceMode == "" {
		cfg.Risk.MaxPriceMode = "slippage"
	}
	if cfg.Risk.DepthMultiplier == 0 {
		cfg.Risk.DepthMultiplier = 2.0
	}
	if cfg.Aggregation.WindowDuration == 0 {
		cfg.Aggregation.WindowDuration = 800 * time.Millisecond
	}
	if cfg.Aggregation.MinTrades == 0 {
		cfg.Aggregation.MinTrades = 2
	}
	if cfg.Aggregation.MaxPendingUSD == 0 {
		cfg.Aggregation.MaxPendingUSD = 500
	}
	if cfg.Aggregation.BypassThreshold == 0 {
		cfg.Aggregation.BypassThreshold = 4000
	}
	if cfg.Store.BufferSize == 0 {
		cfg.Store.BufferSize = 50
	}
	if cfg.Store.DataDir == "" {
		cfg.Store.DataDir = "./data/trades"
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set POLY_PRIVATE_KEY)")
	}
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required (137 for mainnet)")
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
	}
	if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
		return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.API.WSWhaleURL == "" {
		return fmt.Errorf("api.ws_whale_url is required")
	}
	if c.Risk.MaxPositionPerMarket <= 0 {
		return fmt.Errorf("risk.max_position_per_market must be > 0")
	}
	if c.Risk.MaxGlobalExposure <= 0 {
		return fmt.Errorf("risk.max_global_exposure must be > 0")
	}
	switch c.Risk.MaxPriceMode {
	case "slippage", "book":
	default:
		return fmt.Errorf("risk.max_price_mode must be one of: slippage, book")
	}
	return nil
}

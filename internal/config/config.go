// Package config defines all configuration for the trading bot.
// Config is loaded from a YAML file (default: config.yaml) with
// sensitive fields overridable via SHORTBOT_* environment variables.
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
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Signals   SignalsConfig   `mapstructure:"signals"`
	Entry     EntryConfig     `mapstructure:"entry"`
	Exit      ExitConfig      `mapstructure:"exit"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// ExchangeConfig holds Binance USD-M futures credentials and endpoints.
// WSBaseURL may be left empty; it is then derived from BaseURL (production
// REST host maps to the production stream host, anything else to testnet).
type ExchangeConfig struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	BaseURL   string `mapstructure:"base_url"`
	WSBaseURL string `mapstructure:"ws_base_url"`
}

// StrategyConfig sizes and bounds the short positions.
//
//   - Mode: trading direction; only "short" is supported.
//   - CapitalPerTrade: USDT notional committed per position.
//   - MaxOpenTrades: global cap counting open, opening and signal_received.
//   - MaxTradesPerPair: same cap per symbol.
//   - TPPct / SLPct: distance of take-profit and stop-loss from entry, in
//     percent of entry price (short: TP below, SL above).
//   - TimeoutHours: positions older than this are force-closed.
//   - TopN: accept only signals ranked 1..TopN by the screener.
//   - Leverage: set per pair at startup together with ISOLATED margin.
//   - MinMomentumPct / MinVolRatio / MinTradesRatio / AllowedQuintiles:
//     signal-quality filters applied at intake (ratio filters only when > 0).
type StrategyConfig struct {
	Mode             string  `mapstructure:"mode"`
	CapitalPerTrade  float64 `mapstructure:"capital_per_trade"`
	MaxOpenTrades    int     `mapstructure:"max_open_trades"`
	MaxTradesPerPair int     `mapstructure:"max_trades_per_pair"`
	TPPct            float64 `mapstructure:"tp_pct"`
	SLPct            float64 `mapstructure:"sl_pct"`
	TimeoutHours     float64 `mapstructure:"timeout_hours"`
	TopN             int     `mapstructure:"top_n"`
	Leverage         int     `mapstructure:"leverage"`
	MinMomentumPct   float64 `mapstructure:"min_momentum_pct"`
	MinVolRatio      float64 `mapstructure:"min_vol_ratio"`
	MinTradesRatio   float64 `mapstructure:"min_trades_ratio"`
	AllowedQuintiles []int   `mapstructure:"allowed_quintiles"`
}

// SignalsConfig controls the CSV intake loop. Intervals are plain
// numbers in the file (seconds / minutes); the accessor methods convert.
type SignalsConfig struct {
	FilePath            string  `mapstructure:"file_path"`
	PollIntervalSeconds float64 `mapstructure:"poll_interval_seconds"`
	MaxSignalAgeMinutes float64 `mapstructure:"max_signal_age_minutes"`
}

// PollInterval is the CSV poll period.
func (c SignalsConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds * float64(time.Second))
}

// MaxSignalAge is the staleness cutoff for unread signal rows.
func (c SignalsConfig) MaxSignalAge() time.Duration {
	return time.Duration(c.MaxSignalAgeMinutes * float64(time.Minute))
}

// EntryConfig tunes the maker entry chase. OrderType is LIMIT_GTX
// (post-only, priceMatch-pegged); MARKET skips the chase entirely.
type EntryConfig struct {
	OrderType            string  `mapstructure:"order_type"`
	ChaseIntervalSeconds float64 `mapstructure:"chase_interval_seconds"`
	ChaseTimeoutSeconds  float64 `mapstructure:"chase_timeout_seconds"`
	MaxAttempts          int     `mapstructure:"max_chase_attempts"`
	MarketFallback       bool    `mapstructure:"market_fallback"`
}

// ChaseInterval is the pause between entry attempts.
func (c EntryConfig) ChaseInterval() time.Duration {
	return time.Duration(c.ChaseIntervalSeconds * float64(time.Second))
}

// ChaseTimeout is how long each entry order may rest before it is
// cancelled and re-priced.
func (c EntryConfig) ChaseTimeout() time.Duration {
	return time.Duration(c.ChaseTimeoutSeconds * float64(time.Second))
}

// ExitConfig tunes the timeout close path. TimeoutOrderType is LIMIT
// (limit at the best ask), BBO (limit pegged to the opponent best level)
// or MARKET.
type ExitConfig struct {
	TimeoutOrderType      string  `mapstructure:"timeout_order_type"`
	TimeoutChaseSeconds   float64 `mapstructure:"timeout_chase_seconds"`
	TimeoutMarketFallback bool    `mapstructure:"timeout_market_fallback"`
}

// TimeoutChase is how long a non-market timeout close is chased before
// falling back.
func (c ExitConfig) TimeoutChase() time.Duration {
	return time.Duration(c.TimeoutChaseSeconds * float64(time.Second))
}

// StoreConfig sets where trade state is persisted (SQLite).
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the read-only web dashboard server. With an
// empty AllowedOrigins list, WebSocket upgrades are only accepted from
// local or same-host origins.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: SHORTBOT_API_KEY, SHORTBOT_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SHORTBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("SHORTBOT_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("SHORTBOT_API_SECRET"); secret != "" {
		cfg.Exchange.APISecret = secret
	}

	if cfg.Exchange.WSBaseURL == "" {
		cfg.Exchange.WSBaseURL = deriveWSBaseURL(cfg.Exchange.BaseURL)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("strategy.mode", "short")
	v.SetDefault("strategy.capital_per_trade", 10.0)
	v.SetDefault("strategy.max_open_trades", 10)
	v.SetDefault("strategy.max_trades_per_pair", 1)
	v.SetDefault("strategy.tp_pct", 15.0)
	v.SetDefault("strategy.sl_pct", 60.0)
	v.SetDefault("strategy.timeout_hours", 24.0)
	v.SetDefault("strategy.top_n", 1)
	v.SetDefault("strategy.leverage", 1)
	v.SetDefault("strategy.min_momentum_pct", 0.0)
	v.SetDefault("strategy.min_vol_ratio", 0.0)
	v.SetDefault("strategy.min_trades_ratio", 0.0)
	v.SetDefault("strategy.allowed_quintiles", []int{1, 2, 3, 4, 5})

	v.SetDefault("signals.poll_interval_seconds", 15.0)
	v.SetDefault("signals.max_signal_age_minutes", 10.0)

	v.SetDefault("entry.order_type", "LIMIT_GTX")
	v.SetDefault("entry.chase_interval_seconds", 2.0)
	v.SetDefault("entry.chase_timeout_seconds", 30.0)
	v.SetDefault("entry.max_chase_attempts", 3)
	v.SetDefault("entry.market_fallback", false)

	v.SetDefault("exit.timeout_order_type", "LIMIT")
	v.SetDefault("exit.timeout_chase_seconds", 30.0)
	v.SetDefault("exit.timeout_market_fallback", true)

	v.SetDefault("store.path", "data/trades.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("dashboard.enabled", true)
	v.SetDefault("dashboard.host", "0.0.0.0")
	v.SetDefault("dashboard.port", 8080)
}

// deriveWSBaseURL maps the REST host to the matching user-stream host.
func deriveWSBaseURL(baseURL string) string {
	if strings.Contains(baseURL, "fapi.binance.com") {
		return "wss://fstream.binance.com"
	}
	return "wss://stream.binancefuture.com" // testnet
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Exchange.APIKey == "" {
		return fmt.Errorf("exchange.api_key is required (set SHORTBOT_API_KEY)")
	}
	if c.Exchange.APISecret == "" {
		return fmt.Errorf("exchange.api_secret is required (set SHORTBOT_API_SECRET)")
	}
	if c.Exchange.BaseURL == "" {
		return fmt.Errorf("exchange.base_url is required")
	}
	if c.Signals.FilePath == "" {
		return fmt.Errorf("signals.file_path is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Strategy.Mode != "short" {
		return fmt.Errorf("strategy.mode must be short")
	}
	if c.Strategy.CapitalPerTrade <= 0 {
		return fmt.Errorf("strategy.capital_per_trade must be > 0")
	}
	if c.Strategy.MaxOpenTrades <= 0 {
		return fmt.Errorf("strategy.max_open_trades must be > 0")
	}
	if c.Strategy.MaxTradesPerPair <= 0 {
		return fmt.Errorf("strategy.max_trades_per_pair must be > 0")
	}
	if c.Strategy.TPPct <= 0 {
		return fmt.Errorf("strategy.tp_pct must be > 0")
	}
	if c.Strategy.SLPct <= 0 {
		return fmt.Errorf("strategy.sl_pct must be > 0")
	}
	if c.Strategy.Leverage < 1 {
		return fmt.Errorf("strategy.leverage must be >= 1")
	}
	switch c.Entry.OrderType {
	case "LIMIT_GTX", "MARKET":
	default:
		return fmt.Errorf("entry.order_type must be LIMIT_GTX or MARKET")
	}
	if c.Entry.MaxAttempts < 1 {
		return fmt.Errorf("entry.max_chase_attempts must be >= 1")
	}
	switch c.Exit.TimeoutOrderType {
	case "LIMIT", "BBO", "MARKET":
	default:
		return fmt.Errorf("exit.timeout_order_type must be LIMIT, BBO or MARKET")
	}
	return nil
}

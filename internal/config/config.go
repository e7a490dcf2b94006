// Package config defines all configuration for the trading core.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via TRADER_* environment variables.
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
	Instrument  InstrumentConfig `mapstructure:"instrument"`
	Market      MarketConfig     `mapstructure:"market"`
	Trading     TradingConfig    `mapstructure:"trading"`
	Risk        RiskConfig       `mapstructure:"risk"`
	Scheduler   SchedulerConfig  `mapstructure:"scheduler"`
	Provider    ProviderConfig   `mapstructure:"provider"`
	LLM         LLMConfig        `mapstructure:"llm"`
	Options     OptionsConfig    `mapstructure:"options"`
	Persistence PersistConfig    `mapstructure:"persistence"`
	Cache       CacheConfig      `mapstructure:"cache"`
	API         APIServerConfig  `mapstructure:"api"`
	Logging     LoggingConfig    `mapstructure:"logging"`
}

// InstrumentConfig identifies the primary instrument the engine trades.
type InstrumentConfig struct {
	Symbol   string `mapstructure:"symbol"`
	Exchange string `mapstructure:"exchange"`
	Kind     string `mapstructure:"kind"` // index, future, option, spot
}

// MarketConfig describes the trading session. If Is247 is true the session
// check is disabled entirely (crypto).
type MarketConfig struct {
	HoursOpen  string `mapstructure:"hours_open"`  // "09:15"
	HoursClose string `mapstructure:"hours_close"` // "15:30"
	Timezone   string `mapstructure:"tz"`
	Is247      bool   `mapstructure:"is_24_7"`
}

// TradingConfig sets execution-side limits and paper-broker parameters.
//
//   - PaperMode: route orders to the simulated broker instead of a live one.
//   - InitialCapital: starting paper ledger balance.
//   - MaxPositionSizePct: upper bound on single-trade notional as % of capital.
//   - MaxLeverage: leverage cap used by the over-leverage breaker check.
//   - MaxConcurrentPositions: open position count cap.
//   - MarginFraction: fraction of notional reserved as margin on entry.
//   - CommissionPerTrade: flat commission charged on entry and on exit.
//   - SlippageBps: fill slippage in basis points, applied against the taker.
type TradingConfig struct {
	PaperMode              bool    `mapstructure:"paper_mode"`
	InitialCapital         float64 `mapstructure:"initial_capital"`
	MaxPositionSizePct     float64 `mapstructure:"max_position_size_pct"`
	MaxLeverage            float64 `mapstructure:"max_leverage"`
	MaxConcurrentPositions int     `mapstructure:"max_concurrent_positions"`
	MarginFraction         float64 `mapstructure:"margin_fraction"`
	CommissionPerTrade     float64 `mapstructure:"commission_per_trade"`
	SlippageBps            float64 `mapstructure:"slippage_bps"`
}

// RiskConfig sets the circuit-breaker thresholds and protective-price defaults.
type RiskConfig struct {
	DailyLossLimitPct    float64 `mapstructure:"daily_loss_limit_pct"`
	MaxConsecutiveLosses int     `mapstructure:"max_consecutive_losses"`
	DefaultStopLossPct   float64 `mapstructure:"default_stop_loss_pct"`
	DefaultTakeProfitPct float64 `mapstructure:"default_take_profit_pct"`
	VolatilityThreshold  float64 `mapstructure:"volatility_threshold"`
	LLMCallRateLimit     float64 `mapstructure:"llm_call_rate_limit"` // calls per minute
}

// SchedulerConfig sets the decision cycle cadence and the freshness gate.
type SchedulerConfig struct {
	StrategicCycleMinutes int `mapstructure:"strategic_cycle_minutes"`
	TacticalCycleMinutes  int `mapstructure:"tactical_cycle_minutes"`
	DataMaxAgeSeconds     int `mapstructure:"data_max_age_seconds"`
}

// ProviderConfig selects and configures the market data source.
// If APIKey is empty no live provider is constructed and the engine falls
// back to replay (when ReplayFile is set) or mock data.
type ProviderConfig struct {
	Name         string        `mapstructure:"name"`
	BaseURL      string        `mapstructure:"base_url"`
	WSURL        string        `mapstructure:"ws_url"`
	APIKey       string        `mapstructure:"api_key"`
	APISecret    string        `mapstructure:"api_secret"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	ReplayFile   string        `mapstructure:"replay_file"`
	ReplaySpeed  float64       `mapstructure:"replay_speed"` // 0 = as fast as possible
}

// LLMProviderConfig is one entry of the ordered provider list.
type LLMProviderConfig struct {
	Name            string `mapstructure:"name"`
	Priority        int    `mapstructure:"priority"`
	BaseURL         string `mapstructure:"base_url"`
	APIKey          string `mapstructure:"api_key"`
	Model           string `mapstructure:"model"`
	DailyTokenQuota int    `mapstructure:"daily_token_quota"` // 0 = unlimited
}

// LLMConfig configures the router over remote language-model providers.
type LLMConfig struct {
	Providers         []LLMProviderConfig `mapstructure:"providers"`
	SelectionStrategy string              `mapstructure:"selection_strategy"` // priority, hash, round_robin
	CallTimeout       time.Duration       `mapstructure:"call_timeout"`
	AgentTimeout      time.Duration       `mapstructure:"agent_timeout"`
	GraphTimeout      time.Duration       `mapstructure:"graph_timeout"`
}

// OptionsConfig parameterizes the options chain window per instrument class.
type OptionsConfig struct {
	StrikeStep   int `mapstructure:"strike_step"`   // e.g. 100 for index options
	StrikeWindow int `mapstructure:"strike_window"` // strikes each side of ATM
}

// PersistConfig sets where durable state lives (SQLite document store).
type PersistConfig struct {
	Path          string `mapstructure:"path"`
	OHLCTTLDays   int    `mapstructure:"ohlc_ttl_days"`
	EventsTTLDays int    `mapstructure:"events_ttl_days"`
}

// CacheConfig configures the optional Redis hot tier. Disabled when Addr
// is empty; the market store then runs purely in memory.
type CacheConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// APIServerConfig controls the HTTP API server.
type APIServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: TRADER_PROVIDER_API_KEY,
// TRADER_PROVIDER_API_SECRET, TRADER_REDIS_PASSWORD.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRADER")
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
	if key := os.Getenv("TRADER_PROVIDER_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if secret := os.Getenv("TRADER_PROVIDER_API_SECRET"); secret != "" {
		cfg.Provider.APISecret = secret
	}
	if pass := os.Getenv("TRADER_REDIS_PASSWORD"); pass != "" {
		cfg.Cache.Password = pass
	}
	if pm := os.Getenv("TRADER_PAPER_MODE"); pm == "true" || pm == "1" {
		cfg.Trading.PaperMode = true
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults fills zero-valued optional fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Scheduler.StrategicCycleMinutes == 0 {
		c.Scheduler.StrategicCycleMinutes = 15
	}
	if c.Scheduler.TacticalCycleMinutes == 0 {
		c.Scheduler.TacticalCycleMinutes = 3
	}
	if c.Scheduler.DataMaxAgeSeconds == 0 {
		c.Scheduler.DataMaxAgeSeconds = 120
	}
	if c.Provider.PollInterval == 0 {
		c.Provider.PollInterval = 5 * time.Second
	}
	if c.LLM.CallTimeout == 0 {
		c.LLM.CallTimeout = 60 * time.Second
	}
	if c.LLM.AgentTimeout == 0 {
		c.LLM.AgentTimeout = 30 * time.Second
	}
	if c.LLM.GraphTimeout == 0 {
		c.LLM.GraphTimeout = 180 * time.Second
	}
	if c.LLM.SelectionStrategy == "" {
		c.LLM.SelectionStrategy = "priority"
	}
	if c.Options.StrikeStep == 0 {
		c.Options.StrikeStep = 100
	}
	if c.Options.StrikeWindow == 0 {
		c.Options.StrikeWindow = 5
	}
	if c.Trading.MarginFraction == 0 {
		c.Trading.MarginFraction = 1.0
	}
	if c.Trading.MaxConcurrentPositions == 0 {
		c.Trading.MaxConcurrentPositions = 5
	}
	if c.Risk.MaxConsecutiveLosses == 0 {
		c.Risk.MaxConsecutiveLosses = 5
	}
	if c.Persistence.OHLCTTLDays == 0 {
		c.Persistence.OHLCTTLDays = 30
	}
	if c.Persistence.EventsTTLDays == 0 {
		c.Persistence.EventsTTLDays = 30
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Instrument.Symbol == "" {
		return fmt.Errorf("instrument.symbol is required")
	}
	switch c.Instrument.Kind {
	case "index", "future", "option", "spot":
	default:
		return fmt.Errorf("instrument.kind must be one of: index, future, option, spot")
	}
	if !c.Trading.PaperMode && c.Provider.APIKey == "" {
		return fmt.Errorf("provider.api_key is required for live trading (set TRADER_PROVIDER_API_KEY)")
	}
	// The live adapter streams ticks over WS only; without a ws_url it
	// would idle and the staleness gate would abort every cycle.
	if c.Provider.APIKey != "" && c.Provider.BaseURL != "" && c.Provider.WSURL == "" {
		return fmt.Errorf("provider.ws_url is required when provider credentials are set")
	}
	if c.Trading.PaperMode && c.Trading.InitialCapital <= 0 {
		return fmt.Errorf("trading.initial_capital must be > 0 in paper mode")
	}
	if c.Trading.MaxPositionSizePct <= 0 || c.Trading.MaxPositionSizePct > 100 {
		return fmt.Errorf("trading.max_position_size_pct must be in (0, 100]")
	}
	if c.Trading.MaxLeverage <= 0 {
		return fmt.Errorf("trading.max_leverage must be > 0")
	}
	if c.Trading.MarginFraction <= 0 || c.Trading.MarginFraction > 1 {
		return fmt.Errorf("trading.margin_fraction must be in (0, 1]")
	}
	if c.Risk.DailyLossLimitPct <= 0 {
		return fmt.Errorf("risk.daily_loss_limit_pct must be > 0")
	}
	if c.Scheduler.TacticalCycleMinutes >= c.Scheduler.StrategicCycleMinutes {
		return fmt.Errorf("scheduler.tactical_cycle_minutes must be < strategic_cycle_minutes")
	}
	if len(c.LLM.Providers) == 0 {
		return fmt.Errorf("llm.providers must list at least one provider")
	}
	for i, p := range c.LLM.Providers {
		if p.Name == "" {
			return fmt.Errorf("llm.providers[%d].name is required", i)
		}
		if p.Model == "" {
			return fmt.Errorf("llm.providers[%d].model is required", i)
		}
	}
	switch c.LLM.SelectionStrategy {
	case "priority", "hash", "round_robin":
	default:
		return fmt.Errorf("llm.selection_strategy must be one of: priority, hash, round_robin")
	}
	if !c.Market.Is247 {
		if c.Market.HoursOpen == "" || c.Market.HoursClose == "" {
			return fmt.Errorf("market.hours_open and market.hours_close are required unless market.is_24_7")
		}
	}
	return nil
}

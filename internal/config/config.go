// Package config handles configuration management with validation
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aelhadee/247trader-V2-sub000/internal/core"
)

// File names expected under the config directory
const (
	AppFile      = "app.yaml"
	PolicyFile   = "policy.yaml"
	SignalsFile  = "signals.yaml"
	UniverseFile = "universe.yaml"
)

// Config is the merged application + policy configuration
type Config struct {
	App    AppConfig    `yaml:"-"`
	Policy PolicyConfig `yaml:"-"`

	// Hash is the 16-hex config hash over policy+signals+universe bytes
	Hash string `yaml:"-"`
	// Dir is the directory the config was loaded from
	Dir string `yaml:"-"`
}

// AppConfig mirrors app.yaml
type AppConfig struct {
	App struct {
		Mode string `yaml:"mode"`
	} `yaml:"app"`
	Exchange struct {
		ReadOnly bool `yaml:"read_only"`
	} `yaml:"exchange"`
	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Loop       LoopConfig       `yaml:"loop"`
	AutoTune   AutoTuneConfig   `yaml:"auto_tune"`
	State      StateConfig      `yaml:"state"`
}

// MonitoringConfig contains metrics/health/alert settings
type MonitoringConfig struct {
	MetricsEnabled     bool   `yaml:"metrics_enabled"`
	MetricsPort        int    `yaml:"metrics_port"`
	HealthcheckEnabled bool   `yaml:"healthcheck_enabled"`
	HealthcheckPort    int    `yaml:"healthcheck_port"`
	AlertsEnabled      bool   `yaml:"alerts_enabled"`
	Alerts             struct {
		MinSeverity     string `yaml:"min_severity"`
		SlackWebhookURL string `yaml:"slack_webhook_url"`
	} `yaml:"alerts"`
}

// LoopConfig contains cycle scheduling settings
type LoopConfig struct {
	IntervalSeconds      int     `yaml:"interval_seconds"`
	JitterPct            float64 `yaml:"jitter_pct"`
	UniverseCacheSeconds int     `yaml:"universe_cache_seconds"`
}

// AutoTuneConfig loosens trigger thresholds after repeated zero-proposal cycles
type AutoTuneConfig struct {
	ZeroTriggerCycles int                `yaml:"zero_trigger_cycles"`
	Loosen            map[string]float64 `yaml:"loosen"`
	Floors            map[string]float64 `yaml:"floors"`
}

// StateConfig contains persistence settings
type StateConfig struct {
	PersistIntervalSeconds int    `yaml:"persist_interval_seconds"`
	BackupEnabled          bool   `yaml:"backup_enabled"`
	BackupIntervalHours    int    `yaml:"backup_interval_hours"`
	BackupPath             string `yaml:"backup_path"`
	BackupMaxFiles         int    `yaml:"backup_max_files"`
}

// PolicyConfig mirrors policy.yaml
type PolicyConfig struct {
	Risk                RiskConfig           `yaml:"risk"`
	Execution           ExecutionConfig      `yaml:"execution"`
	Microstructure      MicrostructureConfig `yaml:"microstructure"`
	CircuitBreakers     CircuitConfig        `yaml:"circuit_breakers"`
	Governance          GovernanceConfig     `yaml:"governance"`
	PortfolioManagement PortfolioMgmtConfig  `yaml:"portfolio_management"`
	TWAP                TWAPConfig           `yaml:"twap"`
}

// RiskConfig contains the hard risk gates
type RiskConfig struct {
	MaxTotalAtRiskPct       float64  `yaml:"max_total_at_risk_pct"`
	PerSymbolCapPct         float64  `yaml:"per_symbol_cap_pct"`
	DailyLossPct            float64  `yaml:"daily_loss_pct"`
	WeeklyLossPct           float64  `yaml:"weekly_loss_pct"`
	MaxDrawdownPct          float64  `yaml:"max_drawdown_pct"`
	MinTradeNotionalUSD     float64  `yaml:"min_trade_notional_usd"`
	CashEquivalents         []string `yaml:"cash_equivalents"`
	PerSymbolCooldownEnabled bool    `yaml:"per_symbol_cooldown_enabled"`
	MinAccountValueUSD      float64  `yaml:"min_account_value_usd"`
	MaxTradesPerDay         int      `yaml:"max_trades_per_day"`
	MaxTradesPerHour        int      `yaml:"max_trades_per_hour"`
	MaxOpenPositions        int      `yaml:"max_open_positions"`
	DustPositionUSD         float64  `yaml:"dust_position_usd"`
	CooldownMinutes         int      `yaml:"cooldown_minutes"`
	StopLossCooldownMinutes int      `yaml:"stop_loss_cooldown_minutes"`
}

// ExecutionConfig contains order routing parameters
type ExecutionConfig struct {
	DefaultOrderType              string             `yaml:"default_order_type"`
	MakerFeeBps                   float64            `yaml:"maker_fee_bps"`
	TakerFeeBps                   float64            `yaml:"taker_fee_bps"`
	MakerMaxReprices              int                `yaml:"maker_max_reprices"`
	MakerMaxTTLSec                int                `yaml:"maker_max_ttl_sec"`
	MakerFirstMinTTLSec           int                `yaml:"maker_first_min_ttl_sec"`
	CancelAfterSeconds            int                `yaml:"cancel_after_seconds"`
	PostOnlyTTLSeconds            int                `yaml:"post_only_ttl_seconds"`
	SmallOrderMarketThresholdUSD  float64            `yaml:"small_order_market_threshold_usd"`
	TakerFallback                 bool               `yaml:"taker_fallback"`
	TakerMaxSlippageBps           map[string]float64 `yaml:"taker_max_slippage_bps"`
	FailedOrderCooldownSeconds    int                `yaml:"failed_order_cooldown_seconds"`
	PostTradeReconcileWaitSeconds int                `yaml:"post_trade_reconcile_wait_seconds"`
	PreferredQuoteCurrencies      []string           `yaml:"preferred_quote_currencies"`
	ClampSmallTrades              bool               `yaml:"clamp_small_trades"`
	DepthMultiplier               float64            `yaml:"depth_multiplier"`
	PendingMarkerTTLSeconds       int                `yaml:"pending_marker_ttl_seconds"`
	KeepTerminalOrders            int                `yaml:"keep_terminal_orders"`
	ClientOrderIDPrefix           string             `yaml:"client_order_id_prefix"`
}

// MicrostructureConfig contains quote quality gates
type MicrostructureConfig struct {
	MaxExpectedSlippageBps float64 `yaml:"max_expected_slippage_bps"`
	MaxQuoteAgeSeconds     float64 `yaml:"max_quote_age_seconds"`
	MaxSpreadBps           float64 `yaml:"max_spread_bps"`
}

// CircuitConfig contains circuit-breaker thresholds
type CircuitConfig struct {
	MaxQuoteAgeSeconds      float64 `yaml:"max_quote_age_seconds"`
	MaxConsecutiveAPIErrors int     `yaml:"max_consecutive_api_errors"`
	RateLimitCooldownCycles int     `yaml:"rate_limit_cooldown_cycles"`
	StaleQuoteTripCount     int     `yaml:"stale_quote_trip_count"`
	VolatilityCrashPct      float64 `yaml:"volatility_crash_pct"`
	VolatilityWindowMinutes int     `yaml:"volatility_window_minutes"`
}

// GovernanceConfig contains operator kill switches
type GovernanceConfig struct {
	LiveTradingEnabled bool   `yaml:"live_trading_enabled"`
	KillSwitchFile     string `yaml:"kill_switch_file"`
}

// PortfolioMgmtConfig contains trim/liquidation settings
type PortfolioMgmtConfig struct {
	AutoTrimToRiskCap          bool     `yaml:"auto_trim_to_risk_cap"`
	TrimTargetBufferPct        float64  `yaml:"trim_target_buffer_pct"`
	TrimTolerancePct           float64  `yaml:"trim_tolerance_pct"`
	TrimMinValueUSD            float64  `yaml:"trim_min_value_usd"`
	TrimMaxLiquidations        int      `yaml:"trim_max_liquidations"`
	TrimPreferredQuotes        []string `yaml:"trim_preferred_quotes"`
	TrimSlippageBufferPct      float64  `yaml:"trim_slippage_buffer_pct"`
	AutoLiquidateIneligible    bool     `yaml:"auto_liquidate_ineligible"`
	MinLiquidationValueUSD     float64  `yaml:"min_liquidation_value_usd"`
	MaxLiquidationsPerCycle    int      `yaml:"max_liquidations_per_cycle"`
	AutoRebalanceWorstPerformer bool    `yaml:"auto_rebalance_worst_performer"`
	PurgeExecution             PurgeExecConfig `yaml:"purge_execution"`
	MaxTrimFailuresBeforeAlert int      `yaml:"max_trim_failures_before_alert"`
}

// PurgeExecConfig drives TWAP-style sliced liquidations
type PurgeExecConfig struct {
	SliceUSD                  float64 `yaml:"slice_usd"`
	ReplaceSeconds            int     `yaml:"replace_seconds"`
	MaxDurationSeconds        int     `yaml:"max_duration_seconds"`
	PollIntervalSeconds       int     `yaml:"poll_interval_seconds"`
	MaxSlices                 int     `yaml:"max_slices"`
	MaxResidualUSD            float64 `yaml:"max_residual_usd"`
	MaxConsecutiveNoFill      int     `yaml:"max_consecutive_no_fill"`
	AllowTakerFallback        bool    `yaml:"allow_taker_fallback"`
	TakerFallbackThresholdUSD float64 `yaml:"taker_fallback_threshold_usd"`
	TakerMaxSlippageBps       float64 `yaml:"taker_max_slippage_bps"`
}

// TWAPConfig contains shared TWAP timing knobs
type TWAPConfig struct {
	ReplaceSeconds       int `yaml:"replace_seconds"`
	MaxConsecutiveNoFill int `yaml:"max_consecutive_no_fill"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// Load reads and validates app.yaml and policy.yaml from dir and computes
// the config hash over policy+signals+universe bytes.
func Load(dir string) (*Config, error) {
	cfg := &Config{Dir: dir}

	if err := loadYAML(filepath.Join(dir, AppFile), &cfg.App); err != nil {
		return nil, err
	}
	if err := loadYAML(filepath.Join(dir, PolicyFile), &cfg.Policy); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	hash, err := HashDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to compute config hash: %w", err)
	}
	cfg.Hash = hash

	return cfg, nil
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	expanded := expandEnvVars(string(data))

	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.App.Mode == "" {
		c.App.App.Mode = string(core.ModeDryRun)
	}
	if c.App.Logging.Level == "" {
		c.App.Logging.Level = "INFO"
	}
	if c.App.Loop.IntervalSeconds == 0 {
		c.App.Loop.IntervalSeconds = 300
	}
	if c.App.Loop.JitterPct == 0 {
		c.App.Loop.JitterPct = 10
	}
	if c.App.Monitoring.Alerts.MinSeverity == "" {
		c.App.Monitoring.Alerts.MinSeverity = "WARNING"
	}
	if c.App.State.PersistIntervalSeconds == 0 {
		c.App.State.PersistIntervalSeconds = 60
	}
	if c.App.State.BackupMaxFiles == 0 {
		c.App.State.BackupMaxFiles = 5
	}

	p := &c.Policy
	if p.Execution.DepthMultiplier == 0 {
		p.Execution.DepthMultiplier = 2
	}
	if p.Execution.MakerMaxReprices == 0 {
		p.Execution.MakerMaxReprices = 2
	}
	if p.Execution.MakerMaxTTLSec == 0 {
		p.Execution.MakerMaxTTLSec = 45
	}
	if p.Execution.MakerFirstMinTTLSec == 0 {
		p.Execution.MakerFirstMinTTLSec = 10
	}
	if p.Execution.CancelAfterSeconds == 0 {
		p.Execution.CancelAfterSeconds = 900
	}
	if p.Execution.PendingMarkerTTLSeconds == 0 {
		p.Execution.PendingMarkerTTLSeconds = 600
	}
	if p.Execution.KeepTerminalOrders == 0 {
		p.Execution.KeepTerminalOrders = 200
	}
	if p.Execution.ClientOrderIDPrefix == "" {
		p.Execution.ClientOrderIDPrefix = "t247-"
	}
	if p.Microstructure.MaxQuoteAgeSeconds == 0 {
		p.Microstructure.MaxQuoteAgeSeconds = 30
	}
	if p.Microstructure.MaxSpreadBps == 0 {
		p.Microstructure.MaxSpreadBps = 50
	}
	if p.CircuitBreakers.MaxConsecutiveAPIErrors == 0 {
		p.CircuitBreakers.MaxConsecutiveAPIErrors = 5
	}
	if p.CircuitBreakers.RateLimitCooldownCycles == 0 {
		p.CircuitBreakers.RateLimitCooldownCycles = 3
	}
	if p.Risk.DustPositionUSD == 0 {
		p.Risk.DustPositionUSD = 1
	}
	if p.Risk.CooldownMinutes == 0 {
		p.Risk.CooldownMinutes = 60
	}
	if p.Risk.StopLossCooldownMinutes == 0 {
		p.Risk.StopLossCooldownMinutes = 240
	}
}

// Mode returns the parsed execution mode
func (c *Config) Mode() core.Mode {
	return core.Mode(strings.ToUpper(c.App.App.Mode))
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateApp(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateRisk(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateExecution(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateApp() error {
	validModes := []string{"DRY_RUN", "PAPER", "LIVE"}
	if !contains(validModes, strings.ToUpper(c.App.App.Mode)) {
		return ValidationError{
			Field:   "app.mode",
			Value:   c.App.App.Mode,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validModes, ", ")),
		}
	}

	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.App.Logging.Level)) {
		return ValidationError{
			Field:   "logging.level",
			Value:   c.App.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}

	if c.App.Loop.IntervalSeconds < 1 {
		return ValidationError{
			Field:   "loop.interval_seconds",
			Value:   c.App.Loop.IntervalSeconds,
			Message: "must be at least 1",
		}
	}

	if c.App.Loop.JitterPct < 0 || c.App.Loop.JitterPct > 20 {
		return ValidationError{
			Field:   "loop.jitter_pct",
			Value:   c.App.Loop.JitterPct,
			Message: "must be within [0, 20]",
		}
	}

	return nil
}

func (c *Config) validateRisk() error {
	r := c.Policy.Risk

	if r.MaxTotalAtRiskPct <= 0 || r.MaxTotalAtRiskPct > 100 {
		return ValidationError{
			Field:   "risk.max_total_at_risk_pct",
			Value:   r.MaxTotalAtRiskPct,
			Message: "must be within (0, 100]",
		}
	}
	if r.PerSymbolCapPct <= 0 || r.PerSymbolCapPct > r.MaxTotalAtRiskPct {
		return ValidationError{
			Field:   "risk.per_symbol_cap_pct",
			Value:   r.PerSymbolCapPct,
			Message: "must be positive and no larger than max_total_at_risk_pct",
		}
	}
	if r.MinTradeNotionalUSD < 0 {
		return ValidationError{
			Field:   "risk.min_trade_notional_usd",
			Value:   r.MinTradeNotionalUSD,
			Message: "cannot be negative",
		}
	}

	return nil
}

func (c *Config) validateExecution() error {
	e := c.Policy.Execution

	if e.MakerFeeBps < 0 || e.TakerFeeBps < 0 {
		return ValidationError{
			Field:   "execution.maker_fee_bps",
			Message: "fee bps cannot be negative",
		}
	}
	if e.MakerFirstMinTTLSec > e.MakerMaxTTLSec {
		return ValidationError{
			Field:   "execution.maker_first_min_ttl_sec",
			Value:   e.MakerFirstMinTTLSec,
			Message: "must not exceed maker_max_ttl_sec",
		}
	}
	if e.DepthMultiplier <= 0 {
		return ValidationError{
			Field:   "execution.depth_multiplier",
			Value:   e.DepthMultiplier,
			Message: "must be positive",
		}
	}

	return nil
}

// String returns a YAML rendering of the configuration with nothing secret
// in it; credentials never live in config files.
func (c *Config) String() string {
	app, _ := yaml.Marshal(c.App)
	policy, _ := yaml.Marshal(c.Policy)
	return fmt.Sprintf("# app.yaml\n%s\n# policy.yaml\n%s", app, policy)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

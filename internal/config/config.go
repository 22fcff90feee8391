// Package config holds the strongly-typed startup configuration. All
// thresholds, windows, and caps live here; an invalid value is a fatal
// startup error, before any evaluation runs.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Detector  DetectorConfig  `yaml:"detector"`
	Regime    RegimeConfig    `yaml:"regime"`
	Anchor    AnchorConfig    `yaml:"anchor"`
	Drawdown  DrawdownConfig  `yaml:"drawdown"`
	PVS       PVSConfig       `yaml:"pvs"`
	Cascade   CascadeConfig   `yaml:"cascade"`
	Portfolio PortfolioConfig `yaml:"portfolio"`
	Sizing    SizingConfig    `yaml:"sizing"`
	Entry     EntryConfig     `yaml:"entry"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Cooldown  CooldownConfig  `yaml:"cooldown"`

	// Capabilities enumerates the active optional governors. An inactive
	// governor runs as a no-op implementation of the same interface.
	Capabilities CapabilityConfig `yaml:"capabilities"`

	Server     ServerConfig     `yaml:"server"`
	Journal    JournalConfig    `yaml:"journal"`
	StateStore StateStoreConfig `yaml:"state_store"`
	MarketData MarketDataConfig `yaml:"market_data"`
}

type DetectorConfig struct {
	ZScoreThreshold       float64       `yaml:"z_score_threshold" default:"2.0" validate:"gt=0"`
	ReturnLookbackBars    int           `yaml:"return_lookback_bars" default:"60" validate:"gt=0"`
	VolumeRatioNormal     float64       `yaml:"volume_ratio_normal" default:"1.5" validate:"gt=0"`
	VolumeRatioAuction    float64       `yaml:"volume_ratio_auction" default:"2.0" validate:"gt=0"`
	RescanInterval        time.Duration `yaml:"rescan_interval" default:"5m" validate:"gt=0"`
	MaxDetectionsPerHour  int           `yaml:"max_detections_per_hour" default:"12" validate:"gt=0"`
	PostDetectionCooldown time.Duration `yaml:"post_detection_cooldown" default:"15m" validate:"gt=0"`
}

type RegimeConfig struct {
	LowVolMax       float64       `yaml:"low_vol_max" default:"18.0" validate:"gt=0"`
	HighVolMin      float64       `yaml:"high_vol_min" default:"30.0" validate:"gt=0"`
	LowVolGPM       float64       `yaml:"low_vol_gpm" default:"1.0" validate:"gte=0"`
	HighVolGPM      float64       `yaml:"high_vol_gpm" default:"0.5" validate:"gte=0"`
	TrendingGPM     float64       `yaml:"trending_gpm" default:"0.25" validate:"gte=0"`
	ConfidenceScale float64       `yaml:"confidence_scale" default:"5.0" validate:"gt=0"`
	RefreshInterval time.Duration `yaml:"refresh_interval" default:"4h" validate:"gt=0"`
}

type AnchorConfig struct {
	TimeStop time.Duration `yaml:"time_stop" default:"5h" validate:"gt=0"`
}

type DrawdownConfig struct {
	// Rung thresholds in drawdown percent; crossing threshold N escalates to
	// rung N+1. Must be strictly increasing.
	Thresholds  []float64 `yaml:"thresholds" default:"[10.0,20.0,30.0,40.0]" validate:"len=4"`
	Multipliers []float64 `yaml:"multipliers" default:"[0.75,0.50,0.25,0.0]" validate:"len=4"`

	// De-escalation runs only through the explicit recovery check, at most
	// once per interval, one rung per check, with a hysteresis margin below
	// the rung's entry threshold.
	RecoveryInterval   time.Duration `yaml:"recovery_interval" default:"24h" validate:"gt=0"`
	RecoveryHysteresis float64       `yaml:"recovery_hysteresis" default:"2.0" validate:"gte=0"`
}

type PVSConfig struct {
	WarnLevel        float64       `yaml:"warn_level" default:"7.0" validate:"gt=0,lte=10"`
	HaltLevel        float64       `yaml:"halt_level" default:"9.0" validate:"gt=0,lte=10"`
	FearWeight       float64       `yaml:"fear_weight" default:"0.4" validate:"gte=0,lte=1"`
	FatigueWeight    float64       `yaml:"fatigue_weight" default:"0.3" validate:"gte=0,lte=1"`
	ConfidenceWeight float64       `yaml:"confidence_weight" default:"0.3" validate:"gte=0,lte=1"`
	MaxFearLosses    int           `yaml:"max_fear_losses" default:"5" validate:"gt=0"`
	FatigueWindow    time.Duration `yaml:"fatigue_window" default:"1h" validate:"gt=0"`
	FatigueTradeCap  int           `yaml:"fatigue_trade_cap" default:"6" validate:"gt=0"`
	WinRateWindow    int           `yaml:"win_rate_window" default:"10" validate:"gt=0"`
	DecayInterval    time.Duration `yaml:"decay_interval" default:"30m" validate:"gt=0"`
	DecayStep        float64       `yaml:"decay_step" default:"0.5" validate:"gt=0"`
}

type CascadeConfig struct {
	MinEdgeThreshold     float64 `yaml:"min_edge_threshold" default:"2.0" validate:"gt=0"`
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses" default:"3" validate:"gt=0"`
	PsychologicalHalt    float64 `yaml:"psychological_halt" default:"9.0" validate:"gt=0,lte=10"`
	TradesPerHourCap     int     `yaml:"trades_per_hour_cap" default:"4" validate:"gt=0"`
	MinRegimeConfidence  float64 `yaml:"min_regime_confidence" default:"0.3" validate:"gte=0,lte=1"`
	CascadeThreshold     int     `yaml:"cascade_threshold" default:"2" validate:"gt=0"`
}

type PortfolioConfig struct {
	NetBetaBound       float64 `yaml:"net_beta_bound" default:"0.05" validate:"gt=0"`
	SectorCapMultiple  float64 `yaml:"sector_cap_multiple" default:"2.0" validate:"gt=0"`
	SectorBaselinePct  float64 `yaml:"sector_baseline_pct" default:"10.0" validate:"gt=0"`
	MaxHedgeBeta       float64 `yaml:"max_hedge_beta" default:"0.5" validate:"gt=0"`
}

type SizingConfig struct {
	BaseRiskAmount   float64       `yaml:"base_risk_amount" default:"10000.0" validate:"gt=0"`
	ATRFloorPct      float64       `yaml:"atr_floor_pct" default:"0.5" validate:"gt=0"`
	ATRPeriod        int           `yaml:"atr_period" default:"14" validate:"gt=0"`
	ATRCacheValidity time.Duration `yaml:"atr_cache_validity" default:"1h" validate:"gt=0"`
	FallbackSize     float64       `yaml:"fallback_size" default:"1000.0" validate:"gt=0"`
	MinSize          float64       `yaml:"min_size" default:"500.0" validate:"gt=0"`
	MaxSize          float64       `yaml:"max_size" default:"50000.0" validate:"gt=0"`
	MaxEdgeBonus     float64       `yaml:"max_edge_bonus" default:"0.5" validate:"gte=0"`
}

type EntryConfig struct {
	ConfirmationWindow time.Duration `yaml:"confirmation_window" default:"15m" validate:"gt=0"`
}

type GatewayConfig struct {
	MaxTradesPerDay  int           `yaml:"max_trades_per_day" default:"10" validate:"gt=0"`
	MaxSpreadBps     float64       `yaml:"max_spread_bps" default:"20.0" validate:"gt=0"`
	MaxPositions     int           `yaml:"max_positions" default:"8" validate:"gt=0"`
	MinViableSize    float64       `yaml:"min_viable_size" default:"500.0" validate:"gt=0"`
	InFlightTTL      time.Duration `yaml:"in_flight_ttl" default:"2m" validate:"gt=0"`
}

type RecoveryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts" default:"5" validate:"gt=0"`
	BackoffBase     time.Duration `yaml:"backoff_base" default:"2s" validate:"gt=0"`
	BackoffCap      time.Duration `yaml:"backoff_cap" default:"5m" validate:"gt=0"`
	CircuitDuration time.Duration `yaml:"circuit_duration" default:"10m" validate:"gt=0"`
}

type CooldownConfig struct {
	TradeCooldown time.Duration `yaml:"trade_cooldown" default:"30m" validate:"gt=0"`
}

type CapabilityConfig struct {
	PortfolioConstraints bool `yaml:"portfolio_constraints" default:"true"`
	CascadePrevention    bool `yaml:"cascade_prevention" default:"true"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" default:":8087"`
}

type JournalConfig struct {
	Enabled bool   `yaml:"enabled" default:"false"`
	DSN     string `yaml:"dsn"`
}

type StateStoreConfig struct {
	Enabled bool   `yaml:"enabled" default:"false"`
	Addr    string `yaml:"addr" default:"localhost:6379"`
	Key     string `yaml:"key" default:"equityrun:checkpoint"`
}

type MarketDataConfig struct {
	BaseURL     string        `yaml:"base_url" default:"http://localhost:8080"`
	RequestRPS  float64       `yaml:"request_rps" default:"5.0" validate:"gt=0"`
	Burst       int           `yaml:"burst" default:"10" validate:"gt=0"`
	HTTPTimeout time.Duration `yaml:"http_timeout" default:"10s" validate:"gt=0"`
	WSEndpoint  string        `yaml:"ws_endpoint"`
}

// Default returns the built-in configuration with every default applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("apply config defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads a YAML config file, fills defaults for omitted fields, and
// validates the result. Any invalid value is an error; callers treat it as
// fatal at startup.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("apply config defaults: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the field-level rules plus cross-field constraints the
// struct tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	for i := 1; i < len(c.Drawdown.Thresholds); i++ {
		if c.Drawdown.Thresholds[i] <= c.Drawdown.Thresholds[i-1] {
			return fmt.Errorf("invalid config: drawdown thresholds must be strictly increasing")
		}
	}
	if c.Regime.HighVolMin <= c.Regime.LowVolMax {
		return fmt.Errorf("invalid config: regime high_vol_min must exceed low_vol_max")
	}
	if c.PVS.HaltLevel <= c.PVS.WarnLevel {
		return fmt.Errorf("invalid config: pvs halt_level must exceed warn_level")
	}
	if c.Sizing.MaxSize < c.Sizing.MinSize {
		return fmt.Errorf("invalid config: sizing max_size below min_size")
	}
	if c.Journal.Enabled && c.Journal.DSN == "" {
		return fmt.Errorf("invalid config: journal enabled without dsn")
	}
	return nil
}

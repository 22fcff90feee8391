package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	assert.Equal(t, 2.0, cfg.Detector.ZScoreThreshold)
	assert.Equal(t, 12, cfg.Detector.MaxDetectionsPerHour)
	assert.Equal(t, []float64{10, 20, 30, 40}, cfg.Drawdown.Thresholds)
	assert.Equal(t, []float64{0.75, 0.50, 0.25, 0.0}, cfg.Drawdown.Multipliers)
	assert.Equal(t, 24*time.Hour, cfg.Drawdown.RecoveryInterval)
	assert.Equal(t, 9.0, cfg.PVS.HaltLevel)
	assert.Equal(t, 30*time.Minute, cfg.Cooldown.TradeCooldown)
	assert.True(t, cfg.Capabilities.CascadePrevention)
	assert.True(t, cfg.Capabilities.PortfolioConstraints)
}

func TestLoad_OverridesAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
detector:
  z_score_threshold: 2.5
regime:
  low_vol_max: 15.0
capabilities:
  cascade_prevention: false
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2.5, cfg.Detector.ZScoreThreshold)
	assert.Equal(t, 15.0, cfg.Regime.LowVolMax)
	assert.False(t, cfg.Capabilities.CascadePrevention)
	// Untouched sections keep their defaults.
	assert.Equal(t, 30.0, cfg.Regime.HighVolMin)
	assert.Equal(t, 500.0, cfg.Gateway.MinViableSize)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate_CrossFieldRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errSub string
	}{
		{
			name:   "thresholds not increasing",
			mutate: func(c *Config) { c.Drawdown.Thresholds = []float64{10, 30, 20, 40} },
			errSub: "strictly increasing",
		},
		{
			name:   "regime bands overlap",
			mutate: func(c *Config) { c.Regime.HighVolMin = 17 },
			errSub: "high_vol_min",
		},
		{
			name:   "pvs halt below warn",
			mutate: func(c *Config) { c.PVS.HaltLevel = 6 },
			errSub: "halt_level",
		},
		{
			name:   "size bounds inverted",
			mutate: func(c *Config) { c.Sizing.MaxSize = 100 },
			errSub: "max_size",
		},
		{
			name:   "journal without dsn",
			mutate: func(c *Config) { c.Journal.Enabled = true },
			errSub: "journal enabled without dsn",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Default()
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSub)
		})
	}
}

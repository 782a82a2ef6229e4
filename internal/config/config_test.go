package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	return cfg
}

func TestDefaultsValidate(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown mode", func(c *Config) { c.Mode = "yolo" }, "mode"},
		{"kelly fraction zero", func(c *Config) { c.Trading.KellyFraction = 0 }, "kelly_fraction"},
		{"kelly fraction above one", func(c *Config) { c.Trading.KellyFraction = 1.5 }, "kelly_fraction"},
		{"bankroll", func(c *Config) { c.Trading.Bankroll = 0 }, "bankroll"},
		{"max position size", func(c *Config) { c.Trading.MaxPositionSize = 0 }, "max_position_size"},
		{"min above max", func(c *Config) { c.Trading.MinPositionSize = 1000 }, "min_position_size"},
		{"stop loss pct", func(c *Config) { c.Trading.StopLossPct = 1 }, "stop_loss_pct"},
		{"poll interval", func(c *Config) { c.Trading.PollIntervalNormal = duration{0} }, "poll intervals"},
		{"urgent slower than normal", func(c *Config) {
			c.Trading.PollIntervalUrgent = duration{time.Minute}
		}, "poll_interval_urgent"},
		{"trailing without distance", func(c *Config) { c.Trading.Trailing.Distance = 0 }, "trailing_stop"},
		{"max positions", func(c *Config) { c.Risk.MaxPositions = 0 }, "max_positions"},
		{"breaker daily loss", func(c *Config) { c.Breakers.DailyLossLimit = 0 }, "daily_loss_limit"},
		{"breaker api rate", func(c *Config) { c.Breakers.APIErrorRate = 2 }, "api_error_rate"},
		{"tier order type", func(c *Config) { c.Exit.High.OrderType = "stop" }, "order_type"},
		{"tier fill timeout", func(c *Config) { c.Exit.Low.FillTimeout = duration{0} }, "fill_timeout"},
		{"trade mode without wallet", func(c *Config) { c.Wallet.PrivateKey = "" }, "wallet"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	t.Run("monitor mode needs no wallet", func(t *testing.T) {
		cfg := validConfig()
		cfg.Mode = "monitor"
		cfg.Wallet.PrivateKey = ""
		assert.NoError(t, cfg.Validate())
	})
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "monitor"
log_level = "debug"

[trading]
min_entry_edge = 0.04
poll_interval_normal = "20s"
poll_interval_urgent = "2s"

[trading.trailing_stop]
enabled = true
activation_threshold = 0.2
distance = 0.06

[exit.low]
order_type = "limit"
fill_timeout = "45s"
walk_attempts = 4

[risk]
max_positions = 7
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 0.04, cfg.Trading.MinEntryEdge)
	assert.Equal(t, 20*time.Second, cfg.Trading.PollIntervalNormal.Duration)
	assert.Equal(t, 0.2, cfg.Trading.Trailing.ActivationThreshold)
	assert.Equal(t, 45*time.Second, cfg.Exit.Low.FillTimeout.Duration)
	assert.Equal(t, 4, cfg.Exit.Low.WalkAttempts)
	assert.Equal(t, 7, cfg.Risk.MaxPositions)

	// Untouched sections keep their defaults.
	assert.Equal(t, Defaults().Trading.KellyFraction, cfg.Trading.KellyFraction)
	assert.Equal(t, Defaults().Exit.Critical.OrderType, cfg.Exit.Critical.OrderType)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`mode = "trade"`), 0o600))

	t.Setenv("ODDSFLOW_MODE", "monitor")
	t.Setenv("ODDSFLOW_LOG_LEVEL", "warn")
	t.Setenv("ODDSFLOW_TRADING_MIN_ENTRY_EDGE", "0.07")
	t.Setenv("ODDSFLOW_RISK_MAX_POSITIONS", "3")
	t.Setenv("ODDSFLOW_TRADING_POLL_INTERVAL_NORMAL", "30s")
	t.Setenv("ODDSFLOW_POSTGRES_RUN_MIGRATIONS", "false")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 0.07, cfg.Trading.MinEntryEdge)
	assert.Equal(t, 3, cfg.Risk.MaxPositions)
	assert.Equal(t, 30*time.Second, cfg.Trading.PollIntervalNormal.Duration)
	assert.False(t, cfg.Postgres.RunMigrations)
}

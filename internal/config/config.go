// Package config defines the configuration for the oddsflow trading engine
// and provides loading and validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by ODDSFLOW_* environment
// variables.
type Config struct {
	Wallet     WalletConfig     `toml:"wallet"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Trading    TradingConfig    `toml:"trading"`
	Risk       RiskConfig       `toml:"risk"`
	Exit       ExitConfig       `toml:"exit"`
	Breakers   BreakerConfig    `toml:"breakers"`
	Archive    ArchiveConfig    `toml:"archive"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// WalletConfig holds the trading wallet credentials.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	Address          string `toml:"address"`
}

// PolymarketConfig holds CLOB endpoints, chain parameters, and API
// credentials.
type PolymarketConfig struct {
	ClobHost      string `toml:"clob_host"`
	WsHost        string `toml:"ws_host"`
	ChainID       int    `toml:"chain_id"`
	ApiKey        string `toml:"api_key"`
	ApiSecret     string `toml:"api_secret"`
	ApiPassphrase string `toml:"api_passphrase"`
}

// PostgresConfig holds the persistence connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr          string `toml:"addr"`
	Password      string `toml:"password"`
	DB            int    `toml:"db"`
	PoolSize      int    `toml:"pool_size"`
	MaxRetries    int    `toml:"max_retries"`
	TLSEnabled    bool   `toml:"tls_enabled"`
	PriceTTLSecs  int    `toml:"price_ttl_secs"`
	StreamMaxLen  int    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters for cold archival.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// TradingConfig holds the position-lifecycle parameters consumed by the
// entry controller and monitors.
type TradingConfig struct {
	MinEntryEdge    float64        `toml:"min_entry_edge"`    // signal edge gate at entry
	MinRetainedEdge float64        `toml:"min_retained_edge"` // edge-decay exit threshold
	StopLossPct     float64        `toml:"stop_loss_pct"`     // loss fraction of entry that sets the stop
	ProfitTargetPct float64        `toml:"profit_target_pct"` // gain fraction of entry that sets the target
	Trailing        TrailingConfig `toml:"trailing_stop"`

	KellyFraction   float64 `toml:"kelly_fraction"`
	Bankroll        float64 `toml:"bankroll"`
	MinPositionSize int64   `toml:"min_position_size"` // contracts
	MaxPositionSize int64   `toml:"max_position_size"` // contracts
	FeeRateBps      float64 `toml:"fee_rate_bps"`

	EntryFillTimeout   duration `toml:"entry_fill_timeout"`
	PollIntervalNormal duration `toml:"poll_interval_normal"`
	PollIntervalUrgent duration `toml:"poll_interval_urgent"`
	UrgentBandPct      float64  `toml:"urgent_band_pct"` // distance-to-threshold band that switches to the urgent interval
}

// TrailingConfig holds trailing-stop parameters applied to new positions.
type TrailingConfig struct {
	Enabled             bool    `toml:"enabled"`
	ActivationThreshold float64 `toml:"activation_threshold"` // absolute favorable move
	Distance            float64 `toml:"distance"`             // absolute trail distance
}

// RiskConfig holds the pre-entry risk limits.
type RiskConfig struct {
	MaxPositions   int     `toml:"max_positions"`
	MaxPerMarket   int     `toml:"max_per_market"` // correlation constraint: open positions per market
	MaxExposure    float64 `toml:"max_exposure"`   // total notional across open positions
	DailyLossLimit float64 `toml:"daily_loss_limit"`
}

// TierConfig is the execution parameter set for one exit priority tier.
// Changing escalation behavior is a config edit, not a code change.
type TierConfig struct {
	OrderType        string   `toml:"order_type"` // "market" or "limit"
	LimitOffsetPct   float64  `toml:"limit_offset_pct"`
	FillTimeout      duration `toml:"fill_timeout"`
	WalkAttempts     int      `toml:"walk_attempts"`
	WalkStepPct      float64  `toml:"walk_step_pct"`
	EscalateToMarket bool     `toml:"escalate_to_market"`
}

// ExitConfig holds the per-tier execution parameters plus the optional
// Low-tier promotion policy.
type ExitConfig struct {
	Critical TierConfig `toml:"critical"`
	High     TierConfig `toml:"high"`
	Medium   TierConfig `toml:"medium"`
	Low      TierConfig `toml:"low"`

	// LowEscalateAfter promotes a Low trigger to Medium execution params
	// after this many consecutive exhausted attempts. 0 disables promotion.
	LowEscalateAfter int `toml:"low_escalate_after"`

	SubmitRetries    int      `toml:"submit_retries"`
	SubmitBackoff    duration `toml:"submit_backoff"`
	FillPollInterval duration `toml:"fill_poll_interval"`
}

// BreakerConfig holds the circuit-breaker trip conditions.
type BreakerConfig struct {
	DailyLossLimit      float64  `toml:"daily_loss_limit"`
	APIErrorRate        float64  `toml:"api_error_rate"` // 0..1 over the rolling window
	APIErrorWindow      duration `toml:"api_error_window"`
	APIErrorMinSamples  int      `toml:"api_error_min_samples"`
	PersistenceFailures int      `toml:"persistence_failures"` // consecutive failures that trip
	HealthCheckInterval duration `toml:"health_check_interval"`
}

// ArchiveConfig holds cold-archival parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration wraps time.Duration so the TOML decoder can parse strings like
// "5m" or "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Validate checks the configuration for the selected mode and returns a
// descriptive error for the first problem found.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Mode) {
	case "trade", "monitor", "full":
	default:
		return fmt.Errorf("config: unsupported mode %q", c.Mode)
	}

	if c.Trading.KellyFraction <= 0 || c.Trading.KellyFraction > 1 {
		return fmt.Errorf("config: kelly_fraction must be in (0, 1], got %v", c.Trading.KellyFraction)
	}
	if c.Trading.Bankroll <= 0 {
		return fmt.Errorf("config: bankroll must be positive")
	}
	if c.Trading.MaxPositionSize <= 0 {
		return fmt.Errorf("config: max_position_size must be positive")
	}
	if c.Trading.MinPositionSize < 0 || c.Trading.MinPositionSize > c.Trading.MaxPositionSize {
		return fmt.Errorf("config: min_position_size must be in [0, max_position_size]")
	}
	if c.Trading.StopLossPct < 0 || c.Trading.StopLossPct >= 1 {
		return fmt.Errorf("config: stop_loss_pct must be in [0, 1)")
	}
	if c.Trading.PollIntervalNormal.Duration <= 0 || c.Trading.PollIntervalUrgent.Duration <= 0 {
		return fmt.Errorf("config: poll intervals must be positive")
	}
	if c.Trading.PollIntervalUrgent.Duration > c.Trading.PollIntervalNormal.Duration {
		return fmt.Errorf("config: poll_interval_urgent must not exceed poll_interval_normal")
	}
	if c.Trading.Trailing.Enabled {
		if c.Trading.Trailing.ActivationThreshold <= 0 || c.Trading.Trailing.Distance <= 0 {
			return fmt.Errorf("config: trailing_stop requires positive activation_threshold and distance")
		}
	}

	if c.Risk.MaxPositions <= 0 {
		return fmt.Errorf("config: max_positions must be positive")
	}
	if c.Breakers.DailyLossLimit <= 0 {
		return fmt.Errorf("config: breakers.daily_loss_limit must be positive")
	}
	if c.Breakers.APIErrorRate <= 0 || c.Breakers.APIErrorRate > 1 {
		return fmt.Errorf("config: breakers.api_error_rate must be in (0, 1]")
	}

	for name, tier := range map[string]TierConfig{
		"critical": c.Exit.Critical,
		"high":     c.Exit.High,
		"medium":   c.Exit.Medium,
		"low":      c.Exit.Low,
	} {
		switch tier.OrderType {
		case "market", "limit":
		default:
			return fmt.Errorf("config: exit.%s.order_type must be market or limit", name)
		}
		if tier.FillTimeout.Duration <= 0 {
			return fmt.Errorf("config: exit.%s.fill_timeout must be positive", name)
		}
	}

	if strings.ToLower(c.Mode) != "monitor" {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			return fmt.Errorf("config: wallet requires private_key or encrypted_key_path")
		}
	}

	return nil
}

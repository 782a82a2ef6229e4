package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ODDSFLOW_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ODDSFLOW_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "ODDSFLOW_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "ODDSFLOW_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "ODDSFLOW_WALLET_KEY_PASSWORD")
	setStr(&cfg.Wallet.Address, "ODDSFLOW_WALLET_ADDRESS")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "ODDSFLOW_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.WsHost, "ODDSFLOW_POLYMARKET_WS_HOST")
	setInt(&cfg.Polymarket.ChainID, "ODDSFLOW_POLYMARKET_CHAIN_ID")
	setStr(&cfg.Polymarket.ApiKey, "ODDSFLOW_POLYMARKET_API_KEY")
	setStr(&cfg.Polymarket.ApiSecret, "ODDSFLOW_POLYMARKET_API_SECRET")
	setStr(&cfg.Polymarket.ApiPassphrase, "ODDSFLOW_POLYMARKET_API_PASSPHRASE")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "ODDSFLOW_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "ODDSFLOW_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ODDSFLOW_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ODDSFLOW_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ODDSFLOW_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ODDSFLOW_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ODDSFLOW_POSTGRES_SSL_MODE")
	setBool(&cfg.Postgres.RunMigrations, "ODDSFLOW_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "ODDSFLOW_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ODDSFLOW_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ODDSFLOW_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "ODDSFLOW_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "ODDSFLOW_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ODDSFLOW_S3_REGION")
	setStr(&cfg.S3.Bucket, "ODDSFLOW_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ODDSFLOW_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ODDSFLOW_S3_SECRET_KEY")

	// ── Trading ──
	setFloat64(&cfg.Trading.MinEntryEdge, "ODDSFLOW_TRADING_MIN_ENTRY_EDGE")
	setFloat64(&cfg.Trading.MinRetainedEdge, "ODDSFLOW_TRADING_MIN_RETAINED_EDGE")
	setFloat64(&cfg.Trading.StopLossPct, "ODDSFLOW_TRADING_STOP_LOSS_PCT")
	setFloat64(&cfg.Trading.ProfitTargetPct, "ODDSFLOW_TRADING_PROFIT_TARGET_PCT")
	setFloat64(&cfg.Trading.KellyFraction, "ODDSFLOW_TRADING_KELLY_FRACTION")
	setFloat64(&cfg.Trading.Bankroll, "ODDSFLOW_TRADING_BANKROLL")
	setInt64(&cfg.Trading.MaxPositionSize, "ODDSFLOW_TRADING_MAX_POSITION_SIZE")
	setDuration(&cfg.Trading.PollIntervalNormal, "ODDSFLOW_TRADING_POLL_INTERVAL_NORMAL")
	setDuration(&cfg.Trading.PollIntervalUrgent, "ODDSFLOW_TRADING_POLL_INTERVAL_URGENT")

	// ── Risk ──
	setInt(&cfg.Risk.MaxPositions, "ODDSFLOW_RISK_MAX_POSITIONS")
	setFloat64(&cfg.Risk.MaxExposure, "ODDSFLOW_RISK_MAX_EXPOSURE")
	setFloat64(&cfg.Risk.DailyLossLimit, "ODDSFLOW_RISK_DAILY_LOSS_LIMIT")

	// ── Breakers ──
	setFloat64(&cfg.Breakers.DailyLossLimit, "ODDSFLOW_BREAKERS_DAILY_LOSS_LIMIT")
	setFloat64(&cfg.Breakers.APIErrorRate, "ODDSFLOW_BREAKERS_API_ERROR_RATE")
	setInt(&cfg.Breakers.PersistenceFailures, "ODDSFLOW_BREAKERS_PERSISTENCE_FAILURES")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ODDSFLOW_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ODDSFLOW_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ODDSFLOW_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ODDSFLOW_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "ODDSFLOW_MODE")
	setStr(&cfg.LogLevel, "ODDSFLOW_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

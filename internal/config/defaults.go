package config

import "time"

// Defaults returns a Config populated with reasonable default values. These
// match config.example.toml.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			ClobHost: "https://clob.polymarket.com",
			WsHost:   "wss://ws-subscriptions-clob.polymarket.com",
			ChainID:  137,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "oddsflow",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			PriceTTLSecs: 10,
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "oddsflow-archive",
			ForcePathStyle: true,
		},
		Trading: TradingConfig{
			MinEntryEdge:    0.03,
			MinRetainedEdge: 0.01,
			StopLossPct:     0.15,
			ProfitTargetPct: 0.25,
			Trailing: TrailingConfig{
				Enabled:             true,
				ActivationThreshold: 0.15,
				Distance:            0.05,
			},
			KellyFraction:      0.25,
			Bankroll:           1000,
			MinPositionSize:    1,
			MaxPositionSize:    500,
			FeeRateBps:         0,
			EntryFillTimeout:   duration{30 * time.Second},
			PollIntervalNormal: duration{15 * time.Second},
			PollIntervalUrgent: duration{3 * time.Second},
			UrgentBandPct:      0.05,
		},
		Risk: RiskConfig{
			MaxPositions:   10,
			MaxPerMarket:   1,
			MaxExposure:    500,
			DailyLossLimit: 100,
		},
		Exit: ExitConfig{
			Critical: TierConfig{
				OrderType:   "market",
				FillTimeout: duration{5 * time.Second},
			},
			High: TierConfig{
				OrderType:        "limit",
				LimitOffsetPct:   0.002,
				FillTimeout:      duration{15 * time.Second},
				EscalateToMarket: true,
			},
			Medium: TierConfig{
				OrderType:        "limit",
				LimitOffsetPct:   0.005,
				FillTimeout:      duration{30 * time.Second},
				WalkAttempts:     3,
				WalkStepPct:      0.003,
				EscalateToMarket: true,
			},
			Low: TierConfig{
				OrderType:      "limit",
				LimitOffsetPct: 0.01,
				FillTimeout:    duration{60 * time.Second},
				WalkAttempts:   5,
				WalkStepPct:    0.002,
			},
			LowEscalateAfter: 0,
			SubmitRetries:    3,
			SubmitBackoff:    duration{500 * time.Millisecond},
			FillPollInterval: duration{time.Second},
		},
		Breakers: BreakerConfig{
			DailyLossLimit:      100,
			APIErrorRate:        0.5,
			APIErrorWindow:      duration{time.Minute},
			APIErrorMinSamples:  10,
			PersistenceFailures: 5,
			HealthCheckInterval: duration{10 * time.Second},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 30,
			Interval:      duration{24 * time.Hour},
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

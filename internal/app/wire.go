package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/oddsflow/oddsflow/internal/blob/s3"
	"github.com/oddsflow/oddsflow/internal/cache/redis"
	"github.com/oddsflow/oddsflow/internal/config"
	"github.com/oddsflow/oddsflow/internal/crypto"
	"github.com/oddsflow/oddsflow/internal/domain"
	"github.com/oddsflow/oddsflow/internal/notify"
	"github.com/oddsflow/oddsflow/internal/platform/polymarket"
	"github.com/oddsflow/oddsflow/internal/store/postgres"
)

// Dependencies bundles the concrete collaborators the application modes
// need. Wire constructs them and the returned cleanup tears them down in
// reverse order.
type Dependencies struct {
	PositionStore domain.PositionStore
	AuditStore    domain.AuditStore

	PriceCache domain.PriceCache
	Bus        *redis.EventBus

	Broker *polymarket.ClobClient
	Feed   *polymarket.Feed
	Prices domain.PriceFeed

	Notifier *notify.Notifier
	Archiver *s3blob.Archiver
}

// needsBroker reports whether the mode places orders.
func needsBroker(mode string) bool {
	return mode != "monitor"
}

// Wire constructs every dependency from the configuration.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// PostgreSQL
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}
	deps.PositionStore = postgres.NewPositionStore(pgClient.Pool())
	deps.AuditStore = postgres.NewAuditStore(pgClient.Pool())

	// Redis
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	priceTTL := time.Duration(cfg.Redis.PriceTTLSecs) * time.Second
	deps.PriceCache = redis.NewPriceCache(redisClient, priceTTL)
	deps.Bus = redis.NewEventBus(redisClient, int64(cfg.Redis.StreamMaxLen))

	// Exchange access. The WebSocket feed fills the price cache; the REST
	// client is both the broker and the midpoint fallback.
	var clob *polymarket.ClobClient
	if needsBroker(cfg.Mode) {
		key, err := crypto.LoadPrivateKey(crypto.KeySource{
			RawKey:           cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			EncryptedKeyPass: cfg.Wallet.KeyPassword,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: wallet key: %w", err)
		}
		signer, err := crypto.NewSigner(key, int64(cfg.Polymarket.ChainID))
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: signer: %w", err)
		}

		var creds *crypto.APICreds
		if cfg.Polymarket.ApiKey != "" {
			creds = &crypto.APICreds{
				Key:        cfg.Polymarket.ApiKey,
				Secret:     cfg.Polymarket.ApiSecret,
				Passphrase: cfg.Polymarket.ApiPassphrase,
			}
		}
		clob = polymarket.NewClobClient(cfg.Polymarket.ClobHost, signer, creds, int64(cfg.Trading.FeeRateBps))
		if creds == nil {
			if err := clob.DeriveAPIKey(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: derive api key: %w", err)
			}
		}
		deps.Broker = clob
		deps.Prices = polymarket.NewPriceSource(deps.PriceCache, clob, priceTTL)
	} else {
		// Monitor mode reads cached quotes only.
		deps.Prices = cacheOnlyFeed{cache: deps.PriceCache}
	}
	deps.Feed = polymarket.NewFeed(cfg.Polymarket.WsHost, deps.PriceCache, logger)

	// S3 archival
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         true,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(
			s3Client,
			deps.PositionStore,
			deps.AuditStore,
			time.Duration(cfg.Archive.RetentionDays)*24*time.Hour,
			cfg.Archive.Interval.Duration,
			logger,
		)
	}

	// Notifications
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.New(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/jankascore/internal/blob/s3"
	"github.com/alanyoungcy/jankascore/internal/cache/redis"
	"github.com/alanyoungcy/jankascore/internal/config"
	"github.com/alanyoungcy/jankascore/internal/domain"
	"github.com/alanyoungcy/jankascore/internal/notify"
	"github.com/alanyoungcy/jankascore/internal/server/handler"
	"github.com/alanyoungcy/jankascore/internal/store/memory"
	"github.com/alanyoungcy/jankascore/internal/store/postgres"
	"github.com/alanyoungcy/jankascore/internal/store/sqlite"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	ObligorStore  domain.ObligorStore
	EventStore    domain.EventStore
	AuditStore    domain.AuditStore
	BorrowerStore domain.BorrowerStore

	// Redis-backed when enabled; LockManager falls back to in-process locks.
	ScoreCache  domain.ScoreCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Notifier delivers credit alerts; disabled when no channel is set.
	Notifier *notify.Notifier

	// HealthChecks probe each connected backend.
	HealthChecks map[string]handler.HealthCheck
}

// needsStore returns false for modes that never touch persistent state.
func needsStore(mode string) bool {
	return mode != "replay"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		// Borrowers live for the lifetime of the process.
		BorrowerStore: memory.NewBorrowerStore(),
		HealthChecks:  map[string]handler.HealthCheck{},
	}

	if needsStore(cfg.Mode) {
		if err := wireStore(ctx, cfg, deps, &closers, logger); err != nil {
			cleanup()
			return nil, nil, err
		}
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			MaxRetries:  cfg.Redis.MaxRetries,
			TLSEnabled:  cfg.Redis.TLSEnabled,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.ScoreCache = redis.NewScoreCache(redisClient, cfg.Redis.CacheTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient, cfg.Redis.RateLimit, cfg.Redis.RateWindow.Duration)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
		deps.HealthChecks["redis"] = redisClient.Health
		logger.Info("wire: redis connected", slog.String("addr", cfg.Redis.Addr))
	} else {
		deps.LockManager = memory.NewLockManager()
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.HealthChecks["s3"] = s3Client.Health
		if deps.ObligorStore != nil {
			deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.ObligorStore, deps.EventStore, deps.AuditStore)
		}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// wireStore opens the configured persistence backend.
func wireStore(ctx context.Context, cfg *config.Config, deps *Dependencies, closers *[]func(), logger *slog.Logger) error {
	switch cfg.Storage.Driver {
	case "postgres":
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
			return fmt.Errorf("wire: postgres: %w", err)
		}
		*closers = append(*closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.ObligorStore = postgres.NewObligorStore(pool)
		deps.EventStore = postgres.NewEventStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.HealthChecks["postgres"] = pgClient.Health

	case "sqlite":
		db, err := sqlite.Open(cfg.Storage.SQLitePath)
		if err != nil {
			return fmt.Errorf("wire: %w", err)
		}
		*closers = append(*closers, func() { _ = db.Close() })
		deps.ObligorStore = db.Obligors()
		deps.EventStore = db.Events()
		deps.AuditStore = db.Audit()
		deps.HealthChecks["sqlite"] = db.Health

	default:
		deps.ObligorStore = memory.NewObligorStore()
		deps.EventStore = memory.NewEventStore()
		deps.AuditStore = memory.NewAuditStore()
	}

	logger.Info("wire: storage ready", slog.String("driver", cfg.Storage.Driver))
	return nil
}

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
// built-in defaults, applies JANKA_* environment variable overrides, and
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

// applyEnvOverrides reads well-known JANKA_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Scoring ──
	setFloat64(&cfg.Scoring.SeedAlpha, "JANKA_SCORING_SEED_ALPHA")
	setFloat64(&cfg.Scoring.SeedBeta, "JANKA_SCORING_SEED_BETA")
	setFloat64(&cfg.Scoring.ConfidenceZ, "JANKA_SCORING_CONFIDENCE_Z")
	setStr(&cfg.Scoring.DefaultProtocol, "JANKA_SCORING_DEFAULT_PROTOCOL")
	setStr(&cfg.Scoring.BorrowPolicy, "JANKA_SCORING_BORROW_POLICY")
	setStr(&cfg.Scoring.OnFatal, "JANKA_SCORING_ON_FATAL")
	setDuration(&cfg.Scoring.LockTTL, "JANKA_SCORING_LOCK_TTL")
	setFloat64(&cfg.Scoring.Migration.C0, "JANKA_SCORING_MIGRATION_C0")
	setFloat64(&cfg.Scoring.Migration.Xi0, "JANKA_SCORING_MIGRATION_XI0")
	setFloat64(&cfg.Scoring.Migration.C1, "JANKA_SCORING_MIGRATION_C1")
	setFloat64(&cfg.Scoring.Migration.Xi1, "JANKA_SCORING_MIGRATION_XI1")
	setFloat64(&cfg.Scoring.Migration.C2, "JANKA_SCORING_MIGRATION_C2")
	setFloat64(&cfg.Scoring.Migration.Xi2, "JANKA_SCORING_MIGRATION_XI2")
	setFloat64(&cfg.Scoring.Migration.Cap, "JANKA_SCORING_MIGRATION_CAP")

	// ── Storage ──
	setStr(&cfg.Storage.Driver, "JANKA_STORAGE_DRIVER")
	setStr(&cfg.Storage.SQLitePath, "JANKA_STORAGE_SQLITE_PATH")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "JANKA_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "JANKA_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "JANKA_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "JANKA_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "JANKA_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "JANKA_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "JANKA_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "JANKA_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "JANKA_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "JANKA_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "JANKA_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "JANKA_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "JANKA_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "JANKA_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "JANKA_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "JANKA_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "JANKA_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.CacheTTL, "JANKA_REDIS_CACHE_TTL")
	setInt64(&cfg.Redis.StreamMaxLen, "JANKA_REDIS_STREAM_MAX_LEN")
	setInt(&cfg.Redis.RateLimit, "JANKA_REDIS_RATE_LIMIT")
	setDuration(&cfg.Redis.RateWindow, "JANKA_REDIS_RATE_WINDOW")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "JANKA_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "JANKA_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "JANKA_S3_REGION")
	setStr(&cfg.S3.Bucket, "JANKA_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "JANKA_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "JANKA_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "JANKA_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "JANKA_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "JANKA_S3_PREFIX")
	setStr(&cfg.S3.ArchiveCron, "JANKA_S3_ARCHIVE_CRON")

	// ── Kafka ──
	setStringSlice(&cfg.Kafka.Brokers, "JANKA_KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "JANKA_KAFKA_TOPIC")
	setStr(&cfg.Kafka.GroupID, "JANKA_KAFKA_GROUP_ID")
	setStr(&cfg.Kafka.DeadLetterTopic, "JANKA_KAFKA_DEAD_LETTER_TOPIC")
	setInt(&cfg.Kafka.MinBytes, "JANKA_KAFKA_MIN_BYTES")
	setInt(&cfg.Kafka.MaxBytes, "JANKA_KAFKA_MAX_BYTES")
	setDuration(&cfg.Kafka.CommitInterval, "JANKA_KAFKA_COMMIT_INTERVAL")

	// ── Subgraph ──
	setStr(&cfg.Subgraph.URL, "JANKA_SUBGRAPH_URL")
	setStr(&cfg.Subgraph.APIKey, "JANKA_SUBGRAPH_API_KEY")
	setStr(&cfg.Subgraph.Protocol, "JANKA_SUBGRAPH_PROTOCOL")
	setDuration(&cfg.Subgraph.PollInterval, "JANKA_SUBGRAPH_POLL_INTERVAL")
	setInt(&cfg.Subgraph.PageSize, "JANKA_SUBGRAPH_PAGE_SIZE")
	setStringSlice(&cfg.Subgraph.Obligors, "JANKA_SUBGRAPH_OBLIGORS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "JANKA_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "JANKA_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "JANKA_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "JANKA_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "JANKA_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "JANKA_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "JANKA_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "JANKA_NOTIFY_EVENTS")
	setInt(&cfg.Notify.ScoreBelow, "JANKA_NOTIFY_SCORE_BELOW")

	// ── Replay ──
	setStr(&cfg.Replay.EventsPath, "JANKA_REPLAY_EVENTS_PATH")
	setStr(&cfg.Replay.Protocol, "JANKA_REPLAY_PROTOCOL")

	// ── Top-level ──
	setStr(&cfg.Mode, "JANKA_MODE")
	setStr(&cfg.LogLevel, "JANKA_LOG_LEVEL")
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

// Package config defines the top-level configuration for the scoring service
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/jankascore/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by JANKA_* environment variables.
type Config struct {
	Scoring  ScoringConfig  `toml:"scoring"`
	Storage  StorageConfig  `toml:"storage"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Kafka    KafkaConfig    `toml:"kafka"`
	Subgraph SubgraphConfig `toml:"subgraph"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Replay   ReplayConfig   `toml:"replay"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// ScoringConfig holds the credit model parameters.
type ScoringConfig struct {
	SeedAlpha float64 `toml:"seed_alpha"`
	SeedBeta  float64 `toml:"seed_beta"`
	// ConfidenceZ is the z-score used for reported confidence intervals.
	ConfidenceZ float64 `toml:"confidence_z"`
	// DefaultProtocol is stamped on events that arrive without one.
	DefaultProtocol string `toml:"default_protocol"`
	// BorrowPolicy is "overwrite" or "accumulate".
	BorrowPolicy string `toml:"borrow_policy"`
	// OnFatal is "abort" or "skip" for batch replays.
	OnFatal   string                 `toml:"on_fatal"`
	LockTTL   duration               `toml:"lock_ttl"`
	Migration domain.MigrationParams `toml:"migration"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Driver is one of "memory", "sqlite" or "postgres".
	Driver     string `toml:"driver"`
	SQLitePath string `toml:"sqlite_path"`
}

// PostgresConfig holds PostgreSQL connection parameters.
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
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	CacheTTL     duration `toml:"cache_ttl"`
	StreamMaxLen int64    `toml:"stream_max_len"`
	// RateLimit is the number of API requests allowed per client per
	// RateWindow. Zero disables rate limiting.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	// Prefix namespaces every archive key inside the bucket.
	Prefix string `toml:"prefix"`
	// ArchiveCron schedules archival of every obligor in scrape and full
	// modes. Empty disables it.
	ArchiveCron string `toml:"archive_cron"`
}

// KafkaConfig holds the lending event topic consumer parameters.
type KafkaConfig struct {
	Brokers         []string `toml:"brokers"`
	Topic           string   `toml:"topic"`
	GroupID         string   `toml:"group_id"`
	DeadLetterTopic string   `toml:"dead_letter_topic"`
	MinBytes        int      `toml:"min_bytes"`
	MaxBytes        int      `toml:"max_bytes"`
	CommitInterval  duration `toml:"commit_interval"`
}

// Enabled reports whether a consumer can be built.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0 && k.Topic != ""
}

// SubgraphConfig holds the lending subgraph poller parameters.
type SubgraphConfig struct {
	URL          string   `toml:"url"`
	APIKey       string   `toml:"api_key"`
	Protocol     string   `toml:"protocol"`
	PollInterval duration `toml:"poll_interval"`
	PageSize     int      `toml:"page_size"`
	// Obligors lists the addresses the poller tracks.
	Obligors []string `toml:"obligors"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
}

// NotifyConfig holds the credit alert channels.
type NotifyConfig struct {
	TelegramToken     string `toml:"telegram_token"`
	TelegramChatID    string `toml:"telegram_chat_id"`
	DiscordWebhookURL string `toml:"discord_webhook_url"`
	// Events lists the alert kinds to deliver: liquidation, event_rejected,
	// score_below. Empty delivers all.
	Events []string `toml:"events"`
	// ScoreBelow is the score_below threshold; zero disables it.
	ScoreBelow int `toml:"score_below"`
}

// ReplayConfig holds the one-shot replay mode parameters.
type ReplayConfig struct {
	EventsPath string `toml:"events_path"`
	Protocol   string `toml:"protocol"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Scoring: ScoringConfig{
			SeedAlpha:       1,
			SeedBeta:        1,
			ConfidenceZ:     2,
			DefaultProtocol: "aave_v3",
			BorrowPolicy:    "overwrite",
			OnFatal:         "abort",
			LockTTL:         duration{10 * time.Second},
			Migration:       domain.DefaultMigrationParams(),
		},
		Storage: StorageConfig{
			Driver:     "memory",
			SQLitePath: "janka.db",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:      false,
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			CacheTTL:     duration{30 * time.Minute},
			StreamMaxLen: 10_000,
			RateLimit:    120,
			RateWindow:   duration{time.Minute},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "janka-archive",
			ForcePathStyle: true,
			ArchiveCron:    "0 3 * * *",
		},
		Kafka: KafkaConfig{
			Topic:           "lending-events",
			GroupID:         "jankascore",
			DeadLetterTopic: "lending-events-dlq",
			MinBytes:        1,
			MaxBytes:        10e6,
			CommitInterval:  duration{time.Second},
		},
		Subgraph: SubgraphConfig{
			Protocol:     "aave_v3",
			PollInterval: duration{5 * time.Minute},
			PageSize:     500,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Notify: NotifyConfig{
			// Rejections repeat on every poll of an unfixable event.
			Events:     []string{"liquidation", "score_below"},
			ScoreBelow: 40,
		},
		Mode:     "server",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server": true,
	"ingest": true,
	"scrape": true,
	"replay": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validAlertKinds = map[string]bool{
	"liquidation":    true,
	"event_rejected": true,
	"score_below":    true,
}

var validDrivers = map[string]bool{
	"memory":   true,
	"sqlite":   true,
	"postgres": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, ingest, scrape, replay, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Scoring
	if c.Scoring.SeedAlpha <= 0 || c.Scoring.SeedBeta <= 0 {
		errs = append(errs, "scoring: seed_alpha and seed_beta must be > 0")
	}
	if c.Scoring.ConfidenceZ < 0 {
		errs = append(errs, "scoring: confidence_z must be >= 0")
	}
	if c.Scoring.BorrowPolicy != "overwrite" && c.Scoring.BorrowPolicy != "accumulate" {
		errs = append(errs, fmt.Sprintf("scoring: borrow_policy must be overwrite or accumulate, got %q", c.Scoring.BorrowPolicy))
	}
	if c.Scoring.OnFatal != "abort" && c.Scoring.OnFatal != "skip" {
		errs = append(errs, fmt.Sprintf("scoring: on_fatal must be abort or skip, got %q", c.Scoring.OnFatal))
	}
	if c.Scoring.LockTTL.Duration <= 0 {
		errs = append(errs, "scoring: lock_ttl must be > 0")
	}
	if err := c.Scoring.Migration.Validate(); err != nil {
		errs = append(errs, "scoring.migration: "+err.Error())
	}

	// Storage
	if !validDrivers[c.Storage.Driver] {
		errs = append(errs, fmt.Sprintf("storage: unknown driver %q (valid: memory, sqlite, postgres)", c.Storage.Driver))
	}
	if c.Storage.Driver == "sqlite" && c.Storage.SQLitePath == "" {
		errs = append(errs, "storage: sqlite_path must not be empty for the sqlite driver")
	}

	// Postgres
	if c.Storage.Driver == "postgres" {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.RateLimit > 0 && c.Redis.RateWindow.Duration <= 0 {
			errs = append(errs, "redis: rate_window must be > 0 when rate_limit is set")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Kafka
	if mode == "ingest" && !c.Kafka.Enabled() {
		errs = append(errs, "kafka: brokers and topic are required for ingest mode")
	}
	if c.Kafka.Enabled() && c.Kafka.GroupID == "" {
		errs = append(errs, "kafka: group_id must not be empty")
	}

	// Subgraph
	if mode == "scrape" && c.Subgraph.URL == "" {
		errs = append(errs, "subgraph: url is required for scrape mode")
	}
	if c.Subgraph.URL != "" {
		if c.Subgraph.PollInterval.Duration <= 0 {
			errs = append(errs, "subgraph: poll_interval must be > 0")
		}
		if c.Subgraph.PageSize < 1 || c.Subgraph.PageSize > 1000 {
			errs = append(errs, fmt.Sprintf("subgraph: page_size must be 1-1000, got %d", c.Subgraph.PageSize))
		}
	}

	// Replay
	if mode == "replay" && c.Replay.EventsPath == "" {
		errs = append(errs, "replay: events_path is required for replay mode")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}
	for _, e := range c.Notify.Events {
		if !validAlertKinds[e] {
			errs = append(errs, fmt.Sprintf("notify: unknown event %q (valid: liquidation, event_rejected, score_below)", e))
		}
	}
	if c.Notify.ScoreBelow < 0 || c.Notify.ScoreBelow > 100 {
		errs = append(errs, fmt.Sprintf("notify: score_below must be 0-100, got %d", c.Notify.ScoreBelow))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

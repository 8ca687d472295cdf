// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sentipol/harvester/internal/harvest"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Session   SessionConfig   `mapstructure:"session"`
	Harvest   HarvestConfig   `mapstructure:"harvest"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DatabaseConfig controls access to the relational database.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// SessionConfig configures the automated browsing context.
type SessionConfig struct {
	CookiesFile       string `mapstructure:"cookies_file"`
	Headless          bool   `mapstructure:"headless"`
	UserAgent         string `mapstructure:"user_agent"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
}

// HarvestConfig governs the crawl loop: pacing, backoff, and stop
// conditions.
type HarvestConfig struct {
	Queries             []string `mapstructure:"queries"`
	StartDate           string   `mapstructure:"start_date"`
	EndDate             string   `mapstructure:"end_date"`
	MaxRecords          int      `mapstructure:"max_records"`
	ScrollPauseMinMs    int      `mapstructure:"scroll_pause_min_ms"`
	ScrollPauseMaxMs    int      `mapstructure:"scroll_pause_max_ms"`
	ScrollMinPx         int      `mapstructure:"scroll_min_px"`
	ScrollMaxPx         int      `mapstructure:"scroll_max_px"`
	BackoffBaseMs       int      `mapstructure:"backoff_base_ms"`
	BackoffMaxMs        int      `mapstructure:"backoff_max_ms"`
	EmptyBatchThreshold int      `mapstructure:"empty_batch_threshold"`
	LongPauseEvery      int      `mapstructure:"long_pause_every"`
	LongPauseMinS       int      `mapstructure:"long_pause_min_s"`
	LongPauseMaxS       int      `mapstructure:"long_pause_max_s"`
	PersistRetries      int      `mapstructure:"persist_retries"`
	Resume              bool     `mapstructure:"resume"`
}

// PublisherConfig selects the batch-persisted event publisher.
type PublisherConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// ArchiveConfig selects the raw-fragment archive backend.
type ArchiveConfig struct {
	Provider string `mapstructure:"provider"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("session.headless", true)
	v.SetDefault("session.nav_timeout_seconds", 30)
	v.SetDefault("harvest.max_records", 5000)
	v.SetDefault("harvest.scroll_pause_min_ms", 1000)
	v.SetDefault("harvest.scroll_pause_max_ms", 3000)
	v.SetDefault("harvest.scroll_min_px", 600)
	v.SetDefault("harvest.scroll_max_px", 1400)
	v.SetDefault("harvest.backoff_base_ms", 8000)
	v.SetDefault("harvest.backoff_max_ms", 45000)
	v.SetDefault("harvest.empty_batch_threshold", 5)
	v.SetDefault("harvest.long_pause_every", 20)
	v.SetDefault("harvest.long_pause_min_s", 5)
	v.SetDefault("harvest.long_pause_max_s", 10)
	v.SetDefault("harvest.persist_retries", 3)
	v.SetDefault("harvest.resume", true)
	v.SetDefault("publisher.provider", "noop")
	v.SetDefault("archive.provider", "noop")
	v.SetDefault("archive.prefix", "fragments")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Session.CookiesFile == "" {
		return fmt.Errorf("session.cookies_file is required")
	}
	if len(c.Harvest.Queries) == 0 {
		return fmt.Errorf("harvest.queries must name at least one query")
	}
	if c.Harvest.EmptyBatchThreshold <= 0 {
		return fmt.Errorf("harvest.empty_batch_threshold must be > 0")
	}
	if c.Harvest.BackoffBaseMs <= 0 || c.Harvest.BackoffMaxMs < c.Harvest.BackoffBaseMs {
		return fmt.Errorf("harvest backoff bounds must satisfy 0 < base <= max")
	}
	if c.Harvest.ScrollPauseMaxMs < c.Harvest.ScrollPauseMinMs {
		return fmt.Errorf("harvest.scroll_pause_max_ms must be >= scroll_pause_min_ms")
	}
	switch c.Publisher.Provider {
	case "", "noop", "memory":
	case "pubsub":
		if c.Publisher.ProjectID == "" || c.Publisher.TopicID == "" {
			return fmt.Errorf("publisher.project_id and publisher.topic_id are required for pubsub")
		}
	default:
		return fmt.Errorf("unknown publisher.provider %q", c.Publisher.Provider)
	}
	switch c.Archive.Provider {
	case "", "noop", "memory":
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for gcs")
		}
	default:
		return fmt.Errorf("unknown archive.provider %q", c.Archive.Provider)
	}
	return nil
}

// DateRange parses the configured start/end dates into a half-open UTC
// window. An empty end date means "through today".
func (c Config) DateRange(now time.Time) (harvest.DateRange, error) {
	var dr harvest.DateRange
	if c.Harvest.StartDate == "" {
		return dr, fmt.Errorf("harvest.start_date is required")
	}
	start, err := time.ParseInLocation("2006-01-02", c.Harvest.StartDate, time.UTC)
	if err != nil {
		return dr, fmt.Errorf("parse harvest.start_date: %w", err)
	}
	end := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	if c.Harvest.EndDate != "" {
		end, err = time.ParseInLocation("2006-01-02", c.Harvest.EndDate, time.UTC)
		if err != nil {
			return dr, fmt.Errorf("parse harvest.end_date: %w", err)
		}
	}
	if !start.Before(end) {
		return dr, fmt.Errorf("harvest date range %s..%s is empty", c.Harvest.StartDate, c.Harvest.EndDate)
	}
	return harvest.DateRange{Start: start, End: end}, nil
}

// NavTimeout converts the session timeout knob into a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Session.NavTimeoutSeconds) * time.Second
}

// Package config defines the top-level configuration for the aggbook
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by AGGBOOK_* environment variables.
type Config struct {
	Book     BookConfig     `toml:"book"`
	Venues   VenuesConfig   `toml:"venues"`
	Rates    RatesConfig    `toml:"rates"`
	Redis    RedisConfig    `toml:"redis"`
	Postgres PostgresConfig `toml:"postgres"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Archive  ArchiveConfig  `toml:"archive"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// BookConfig holds the aggregation engine parameters.
type BookConfig struct {
	// Symbol is the canonical instrument this process aggregates, e.g. "BTC-USD".
	Symbol string `toml:"symbol"`
	// Precision is the number of decimal digits on the common aggregate grid.
	Precision int `toml:"precision"`
	// FoldDepth is how many venue levels per side fold into the aggregate.
	// 0 folds the whole book.
	FoldDepth int `toml:"fold_depth"`
	// SnapshotDepth is the level count requested on venue REST snapshots.
	SnapshotDepth int `toml:"snapshot_depth"`
}

// VenuesConfig holds one section per supported venue.
type VenuesConfig struct {
	Binance  VenueConfig `toml:"binance"`
	OKX      VenueConfig `toml:"okx"`
	Coinbase VenueConfig `toml:"coinbase"`
}

// VenueConfig holds one venue's feed parameters.
type VenueConfig struct {
	Enabled bool `toml:"enabled"`
	// Symbol is the venue-native instrument spelling, e.g. "BTCUSDT".
	Symbol string `toml:"symbol"`
	// Quote is the venue's quote currency; prices convert from it to USD.
	Quote string `toml:"quote"`
	// Precision is the venue book's native price precision (decimal digits).
	Precision int    `toml:"precision"`
	RestURL   string `toml:"rest_url"`
	WsURL     string `toml:"ws_url"`
}

// RatesConfig holds USD-conversion parameters.
type RatesConfig struct {
	// TTL bounds how old a cached conversion rate may be before it is
	// treated as absent.
	TTL duration `toml:"ttl"`
	// RefreshInterval is how often the rate source is polled.
	RefreshInterval duration `toml:"refresh_interval"`
	// Currency is the non-USD quote currency to keep converted, e.g. "USDT".
	Currency string `toml:"currency"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
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

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
}

// ArchiveConfig holds cold-storage archival parameters.
type ArchiveConfig struct {
	Enabled bool `toml:"enabled"`
	// Interval is how often a depth snapshot is archived.
	Interval duration `toml:"interval"`
	// RetentionDays is how long crossing and session rows stay in Postgres
	// before moving to S3.
	RetentionDays int `toml:"retention_days"`
	// DepthLevels is the number of aggregate levels captured per side.
	DepthLevels int `toml:"depth_levels"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
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
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Book: BookConfig{
			Symbol:        "BTC-USD",
			Precision:     2,
			FoldDepth:     50,
			SnapshotDepth: 100,
		},
		Venues: VenuesConfig{
			Binance: VenueConfig{
				Enabled:   true,
				Symbol:    "BTCUSDT",
				Quote:     "USDT",
				Precision: 2,
			},
			OKX: VenueConfig{
				Enabled:   true,
				Symbol:    "BTC-USDT",
				Quote:     "USDT",
				Precision: 2,
				RestURL:   "https://www.okx.com",
				WsURL:     "wss://ws.okx.com:8443/ws/v5/public",
			},
			Coinbase: VenueConfig{
				Enabled:   true,
				Symbol:    "BTC-USD",
				Quote:     "USD",
				Precision: 2,
				RestURL:   "https://api.exchange.coinbase.com",
				WsURL:     "wss://ws-feed.exchange.coinbase.com",
			},
		},
		Rates: RatesConfig{
			TTL:             duration{60 * time.Second},
			RefreshInterval: duration{15 * time.Second},
			Currency:        "USDT",
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		Postgres: PostgresConfig{
			DSN:           "",
			Host:          "localhost",
			Port:          5432,
			Database:      "aggbook",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "aggbook-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Interval:      duration{5 * time.Minute},
			RetentionDays: 90,
			DepthLevels:   25,
		},
		Notify: NotifyConfig{
			Events: []string{"crossed_book", "venue_resync", "rate_stale", "error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":    true,
	"feed":    true,
	"monitor": true,
	"archive": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// EnabledVenues returns the venue sections with enabled = true, keyed by the
// venue name used in domain.Venue.
func (c *Config) EnabledVenues() map[string]VenueConfig {
	out := make(map[string]VenueConfig, 3)
	if c.Venues.Binance.Enabled {
		out["binance"] = c.Venues.Binance
	}
	if c.Venues.OKX.Enabled {
		out["okx"] = c.Venues.OKX
	}
	if c.Venues.Coinbase.Enabled {
		out["coinbase"] = c.Venues.Coinbase
	}
	return out
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, feed, monitor, archive)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Book
	if c.Book.Symbol == "" {
		errs = append(errs, "book: symbol must not be empty")
	}
	if c.Book.Precision < 0 || c.Book.Precision > 12 {
		errs = append(errs, fmt.Sprintf("book: precision must be 0-12, got %d", c.Book.Precision))
	}
	if c.Book.FoldDepth < 0 {
		errs = append(errs, "book: fold_depth must be >= 0 (0 folds the whole book)")
	}
	if c.Book.SnapshotDepth < 1 {
		errs = append(errs, "book: snapshot_depth must be >= 1")
	}

	// Venues. At least one must be enabled in feed-driving modes, and each
	// enabled venue needs a symbol and a sane precision.
	needsFeeds := c.Mode == "full" || c.Mode == "feed"
	enabled := c.EnabledVenues()
	if needsFeeds && len(enabled) == 0 {
		errs = append(errs, "venues: at least one venue must be enabled for mode "+c.Mode)
	}
	for name, vc := range enabled {
		if vc.Symbol == "" {
			errs = append(errs, fmt.Sprintf("venues.%s: symbol must not be empty", name))
		}
		if vc.Precision < 0 || vc.Precision > 12 {
			errs = append(errs, fmt.Sprintf("venues.%s: precision must be 0-12, got %d", name, vc.Precision))
		}
		if name != "binance" {
			if vc.RestURL == "" {
				errs = append(errs, fmt.Sprintf("venues.%s: rest_url must not be empty", name))
			}
			if vc.WsURL == "" {
				errs = append(errs, fmt.Sprintf("venues.%s: ws_url must not be empty", name))
			}
		}
	}

	// Rates
	if c.Rates.TTL.Duration <= 0 {
		errs = append(errs, "rates: ttl must be > 0")
	}
	if c.Rates.RefreshInterval.Duration <= 0 {
		errs = append(errs, "rates: refresh_interval must be > 0")
	}
	if c.Rates.RefreshInterval.Duration > c.Rates.TTL.Duration {
		errs = append(errs, "rates: refresh_interval must not exceed ttl")
	}
	if c.Rates.Currency == "" {
		errs = append(errs, "rates: currency must not be empty")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Postgres
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

	// S3 is only required when archival is on.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if c.Archive.DepthLevels < 1 {
			errs = append(errs, "archive: depth_levels must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

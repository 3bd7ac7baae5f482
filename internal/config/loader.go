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
// built-in defaults, applies AGGBOOK_* environment variable overrides, and
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

// applyEnvOverrides reads well-known AGGBOOK_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Book ──
	setStr(&cfg.Book.Symbol, "AGGBOOK_BOOK_SYMBOL")
	setInt(&cfg.Book.Precision, "AGGBOOK_BOOK_PRECISION")
	setInt(&cfg.Book.FoldDepth, "AGGBOOK_BOOK_FOLD_DEPTH")
	setInt(&cfg.Book.SnapshotDepth, "AGGBOOK_BOOK_SNAPSHOT_DEPTH")

	// ── Venues ──
	setBool(&cfg.Venues.Binance.Enabled, "AGGBOOK_VENUES_BINANCE_ENABLED")
	setStr(&cfg.Venues.Binance.Symbol, "AGGBOOK_VENUES_BINANCE_SYMBOL")
	setStr(&cfg.Venues.Binance.Quote, "AGGBOOK_VENUES_BINANCE_QUOTE")
	setInt(&cfg.Venues.Binance.Precision, "AGGBOOK_VENUES_BINANCE_PRECISION")
	setBool(&cfg.Venues.OKX.Enabled, "AGGBOOK_VENUES_OKX_ENABLED")
	setStr(&cfg.Venues.OKX.Symbol, "AGGBOOK_VENUES_OKX_SYMBOL")
	setStr(&cfg.Venues.OKX.Quote, "AGGBOOK_VENUES_OKX_QUOTE")
	setInt(&cfg.Venues.OKX.Precision, "AGGBOOK_VENUES_OKX_PRECISION")
	setStr(&cfg.Venues.OKX.RestURL, "AGGBOOK_VENUES_OKX_REST_URL")
	setStr(&cfg.Venues.OKX.WsURL, "AGGBOOK_VENUES_OKX_WS_URL")
	setBool(&cfg.Venues.Coinbase.Enabled, "AGGBOOK_VENUES_COINBASE_ENABLED")
	setStr(&cfg.Venues.Coinbase.Symbol, "AGGBOOK_VENUES_COINBASE_SYMBOL")
	setStr(&cfg.Venues.Coinbase.Quote, "AGGBOOK_VENUES_COINBASE_QUOTE")
	setInt(&cfg.Venues.Coinbase.Precision, "AGGBOOK_VENUES_COINBASE_PRECISION")
	setStr(&cfg.Venues.Coinbase.RestURL, "AGGBOOK_VENUES_COINBASE_REST_URL")
	setStr(&cfg.Venues.Coinbase.WsURL, "AGGBOOK_VENUES_COINBASE_WS_URL")

	// ── Rates ──
	setDuration(&cfg.Rates.TTL, "AGGBOOK_RATES_TTL")
	setDuration(&cfg.Rates.RefreshInterval, "AGGBOOK_RATES_REFRESH_INTERVAL")
	setStr(&cfg.Rates.Currency, "AGGBOOK_RATES_CURRENCY")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "AGGBOOK_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "AGGBOOK_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "AGGBOOK_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "AGGBOOK_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "AGGBOOK_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "AGGBOOK_REDIS_TLS_ENABLED")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "AGGBOOK_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "AGGBOOK_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "AGGBOOK_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "AGGBOOK_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "AGGBOOK_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "AGGBOOK_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "AGGBOOK_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "AGGBOOK_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "AGGBOOK_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "AGGBOOK_POSTGRES_RUN_MIGRATIONS")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "AGGBOOK_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "AGGBOOK_S3_REGION")
	setStr(&cfg.S3.Bucket, "AGGBOOK_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "AGGBOOK_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "AGGBOOK_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "AGGBOOK_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "AGGBOOK_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "AGGBOOK_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "AGGBOOK_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "AGGBOOK_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "AGGBOOK_SERVER_CORS_ORIGINS")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "AGGBOOK_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "AGGBOOK_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "AGGBOOK_ARCHIVE_RETENTION_DAYS")
	setInt(&cfg.Archive.DepthLevels, "AGGBOOK_ARCHIVE_DEPTH_LEVELS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "AGGBOOK_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "AGGBOOK_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "AGGBOOK_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "AGGBOOK_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "AGGBOOK_MODE")
	setStr(&cfg.LogLevel, "AGGBOOK_LOG_LEVEL")
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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Defaults().Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsBadMode(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "turbo"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want mode error")
	}
	if !strings.Contains(err.Error(), "unknown mode") {
		t.Errorf("error = %v, want mention of unknown mode", err)
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Book.Symbol = ""
	cfg.Rates.Currency = ""
	cfg.Redis.Addr = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want combined error")
	}
	for _, want := range []string{"book: symbol", "rates: currency", "redis: addr"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
}

func TestValidateFeedModesNeedVenues(t *testing.T) {
	cfg := Defaults()
	cfg.Venues.Binance.Enabled = false
	cfg.Venues.OKX.Enabled = false
	cfg.Venues.Coinbase.Enabled = false

	for _, mode := range []string{"full", "feed"} {
		cfg.Mode = mode
		if err := cfg.Validate(); err == nil {
			t.Errorf("mode %s: Validate() = nil, want venue error", mode)
		}
	}
	// Monitor and archive nodes run no feeds.
	for _, mode := range []string{"monitor", "archive"} {
		cfg.Mode = mode
		if err := cfg.Validate(); err != nil {
			t.Errorf("mode %s: Validate() = %v, want nil", mode, err)
		}
	}
}

func TestValidateNonBinanceVenuesNeedURLs(t *testing.T) {
	cfg := Defaults()
	cfg.Venues.OKX.RestURL = ""
	cfg.Venues.OKX.WsURL = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want okx URL errors")
	}
	if !strings.Contains(err.Error(), "venues.okx: rest_url") {
		t.Errorf("error missing okx rest_url: %v", err)
	}
}

func TestValidateRefreshBoundedByTTL(t *testing.T) {
	cfg := Defaults()
	cfg.Rates.TTL = duration{10 * time.Second}
	cfg.Rates.RefreshInterval = duration{time.Minute}

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "refresh_interval must not exceed ttl") {
		t.Errorf("Validate() = %v, want refresh/ttl error", err)
	}
}

func TestValidateArchiveRequiresS3(t *testing.T) {
	cfg := Defaults()
	cfg.Archive.Enabled = true
	cfg.S3.Bucket = ""

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "s3: bucket") {
		t.Errorf("Validate() = %v, want s3 bucket error", err)
	}
}

func TestEnabledVenues(t *testing.T) {
	cfg := Defaults()
	cfg.Venues.OKX.Enabled = false

	got := cfg.EnabledVenues()
	if len(got) != 2 {
		t.Fatalf("EnabledVenues() = %d venues, want 2", len(got))
	}
	if _, ok := got["okx"]; ok {
		t.Error("okx present, want absent")
	}
	if got["binance"].Symbol != "BTCUSDT" {
		t.Errorf("binance symbol = %q, want BTCUSDT", got["binance"].Symbol)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
mode = "feed"

[book]
symbol = "ETH-USD"
fold_depth = 10

[rates]
ttl = "2m"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Mode != "feed" {
		t.Errorf("mode = %q, want feed", cfg.Mode)
	}
	if cfg.Book.Symbol != "ETH-USD" {
		t.Errorf("symbol = %q, want ETH-USD", cfg.Book.Symbol)
	}
	if cfg.Book.FoldDepth != 10 {
		t.Errorf("fold_depth = %d, want 10", cfg.Book.FoldDepth)
	}
	if cfg.Rates.TTL.Duration != 2*time.Minute {
		t.Errorf("rates ttl = %v, want 2m", cfg.Rates.TTL.Duration)
	}
	// Untouched fields keep their defaults.
	if cfg.Book.SnapshotDepth != 100 {
		t.Errorf("snapshot_depth = %d, want default 100", cfg.Book.SnapshotDepth)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("redis addr = %q, want default", cfg.Redis.Addr)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("mode = \"full\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("AGGBOOK_MODE", "monitor")
	t.Setenv("AGGBOOK_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("AGGBOOK_VENUES_BINANCE_ENABLED", "false")
	t.Setenv("AGGBOOK_RATES_TTL", "90s")
	t.Setenv("AGGBOOK_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Mode != "monitor" {
		t.Errorf("mode = %q, want monitor", cfg.Mode)
	}
	if cfg.Redis.Addr != "redis.internal:6380" {
		t.Errorf("redis addr = %q, want env override", cfg.Redis.Addr)
	}
	if cfg.Venues.Binance.Enabled {
		t.Error("binance enabled = true, want false from env")
	}
	if cfg.Rates.TTL.Duration != 90*time.Second {
		t.Errorf("rates ttl = %v, want 90s", cfg.Rates.TTL.Duration)
	}
	want := []string{"https://a.example", "https://b.example"}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[0] != want[0] || cfg.Server.CORSOrigins[1] != want[1] {
		t.Errorf("cors origins = %v, want %v", cfg.Server.CORSOrigins, want)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("Load = nil error, want failure for missing file")
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range []string{"SERVER_PORT", "PORT", "RECONCILE_BATCH_SIZE", "DEFAULT_CURRENCY", "PRICE_REFRESH_ENABLED", "RECONCILE_RATE_PER_SECOND"} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.ServerPort)
	}
	if cfg.ReconcileBatchSize != 100 || cfg.ReconcileRatePerSecond != 5 {
		t.Fatalf("unexpected sweep defaults: batch=%d rate=%f", cfg.ReconcileBatchSize, cfg.ReconcileRatePerSecond)
	}
	if !cfg.PriceRefreshEnabled {
		t.Fatal("expected price refresh to be enabled by default")
	}
	if cfg.DefaultCurrency != "usd" {
		t.Fatalf("expected default currency usd, got %q", cfg.DefaultCurrency)
	}
	if cfg.SessionExpiry() != 24*time.Hour {
		t.Fatalf("expected 24h session expiry, got %s", cfg.SessionExpiry())
	}
}

func TestLoadConfig_PortFallbackOnlyWhenServerPortUnset(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "SERVER_PORT")
	setEnvWithCleanup(t, "PORT", "9090")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9090" {
		t.Fatalf("expected PORT fallback, got %q", cfg.ServerPort)
	}

	viper.Reset()
	setEnvWithCleanup(t, "SERVER_PORT", "8181")
	cfg, err = LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8181" {
		t.Fatalf("expected SERVER_PORT to win, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_ReadsDotEnvAndCoercesInvalidValues(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range []string{"RECONCILE_BATCH_SIZE", "DEFAULT_CURRENCY", "RECONCILE_ENABLED", "STRIPE_WEBHOOK_SECRET"} {
		unsetEnvWithCleanup(t, key)
	}

	dir := t.TempDir()
	content := "RECONCILE_BATCH_SIZE=-3\nDEFAULT_CURRENCY= EUR \nRECONCILE_ENABLED=false\nSTRIPE_WEBHOOK_SECRET=whsec_file\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write .env: %v", err)
	}

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ReconcileBatchSize != 100 {
		t.Fatalf("expected invalid batch size to fall back to 100, got %d", cfg.ReconcileBatchSize)
	}
	if cfg.DefaultCurrency != "eur" {
		t.Fatalf("expected normalized currency eur, got %q", cfg.DefaultCurrency)
	}
	if cfg.ReconcileEnabled {
		t.Fatal("expected reconcile to be disabled from .env")
	}
	if cfg.StripeWebhookSecret != "whsec_file" {
		t.Fatalf("expected webhook secret from .env, got %q", cfg.StripeWebhookSecret)
	}
}

func TestAllowedOrigins(t *testing.T) {
	if got := (Config{}).AllowedOrigins(); len(got) != 1 || got[0] != "*" {
		t.Fatalf("expected wildcard origin, got %v", got)
	}
	got := Config{CORSAllowedOrigins: "https://app.example.com, ,https://admin.example.com"}.AllowedOrigins()
	if len(got) != 2 || got[1] != "https://admin.example.com" {
		t.Fatalf("unexpected origins %v", got)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
		}
	})
}

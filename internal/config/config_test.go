package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("BOT_TOKEN", "123:abc")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Role != RoleAll || !cfg.RunsBot() || !cfg.RunsWorkers() {
		t.Errorf("role = %q", cfg.Role)
	}
	if cfg.FreeQuotaPerDay != 3 || cfg.TextPrice != 1900 || cfg.WelcomeBonus != 7900 {
		t.Errorf("pricing defaults = %d/%d/%d", cfg.FreeQuotaPerDay, cfg.TextPrice, cfg.WelcomeBonus)
	}
	if cfg.TrackTTL != 24*time.Hour || cfg.InlineTextLimit != 3500 {
		t.Errorf("ttl/limit = %v/%d", cfg.TrackTTL, cfg.InlineTextLimit)
	}
	if cfg.StaleTaskAfter != 30*time.Minute || cfg.RecoverInterval != 5*time.Minute {
		t.Errorf("recovery = %v/%v", cfg.StaleTaskAfter, cfg.RecoverInterval)
	}
	if cfg.StorageMaxDownload != 50<<20 {
		t.Errorf("max download = %d", cfg.StorageMaxDownload)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("APP_ROLE", "worker")
	t.Setenv("BOT_TOKEN", "123:abc")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("YOOKASSA_CHECK_IP", "false")
	t.Setenv("GENAPI_TEXT_POLL_TIMEOUT", "90")
	t.Setenv("TRACK_TTL", "2h")
	t.Setenv("STORAGE_MAX_DOWNLOAD", "1048576")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RunsBot() || !cfg.RunsWorkers() {
		t.Error("worker role should only run workers")
	}
	if cfg.WebhookCheckIP {
		t.Error("ip check should be off")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("level = %v", cfg.LogLevel)
	}
	if cfg.GenAPITextPollTimeout != 90*time.Second || cfg.TrackTTL != 2*time.Hour {
		t.Errorf("durations = %v/%v", cfg.GenAPITextPollTimeout, cfg.TrackTTL)
	}
	if cfg.StorageMaxDownload != 1<<20 {
		t.Errorf("max download = %d", cfg.StorageMaxDownload)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("origins = %v", cfg.CORSOrigins)
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Run("bad number", func(t *testing.T) {
		t.Setenv("APP_ROLE", "worker")
		t.Setenv("TEXT_PRICE", "cheap")
		if _, err := Load(); err == nil {
			t.Error("expected error")
		}
	})
	t.Run("unknown role", func(t *testing.T) {
		t.Setenv("APP_ROLE", "cron")
		if _, err := Load(); err == nil {
			t.Error("expected error")
		}
	})
	t.Run("missing token", func(t *testing.T) {
		t.Setenv("APP_ROLE", "worker")
		t.Setenv("BOT_TOKEN", "")
		if _, err := Load(); err == nil {
			t.Error("expected error")
		}
	})
	t.Run("bot without jwt secret", func(t *testing.T) {
		t.Setenv("APP_ROLE", "bot")
		t.Setenv("BOT_TOKEN", "123:abc")
		t.Setenv("JWT_SECRET", "")
		if _, err := Load(); err == nil {
			t.Error("expected error")
		}
	})
}

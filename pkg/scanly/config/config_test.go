package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	assertIntEqual(t, "server.port", defaultServicePort, cfg.Server.Port)
	assertStringEqual(t, "server.platform_host", defaultPlatformHost, cfg.Server.PlatformHost)
	assertStringEqual(t, "server.expired_path", defaultExpiredPath, cfg.Server.ExpiredPath)
	assertStringEqual(t, "server.password_path", defaultPasswordPath, cfg.Server.PasswordPath)
	assertStringEqual(t, "database.driver", defaultDBDriver, cfg.Database.Driver)
	assertIntEqual(t, "rate_limit.limit", defaultRateLimit, cfg.RateLimit.Limit)
	assertIntEqual(t, "recorder.buffer_size", defaultBufferSize, cfg.Recorder.BufferSize)
	assertStringEqual(t, "kafka.topic", defaultKafkaTopic, cfg.Kafka.Topic)
	assertStringEqual(t, "logging.level", defaultLoggingLevel, cfg.Logging.Level)

	if cfg.DNS.Timeout != defaultDNSTimeout {
		t.Errorf("dns.timeout: got %v, want %v", cfg.DNS.Timeout, defaultDNSTimeout)
	}
	if len(cfg.Recorder.CountryHeaders) == 0 {
		t.Error("recorder.country_headers: expected defaults")
	}
	if cfg.Redis.Address != "" {
		t.Errorf("redis.address: expected empty default, got %q", cfg.Redis.Address)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got: %v", err)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scanly.yaml")
	content := []byte("server:\n  port: 9090\n  platform_host: qr.example.com\nrate_limit:\n  window: 30s\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("SCANLY_SERVER_PORT", "9191")
	t.Setenv("SCANLY_REDIS_ADDRESS", "redis:6379")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	assertIntEqual(t, "server.port", 9191, cfg.Server.Port)
	assertStringEqual(t, "server.platform_host", "qr.example.com", cfg.Server.PlatformHost)
	assertStringEqual(t, "redis.address", "redis:6379", cfg.Redis.Address)
	if cfg.RateLimit.Window != 30*time.Second {
		t.Errorf("rate_limit.window: got %v, want 30s", cfg.RateLimit.Window)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestValidate_InvalidDriver(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Database.Driver = "mysql"

	err = cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for unsupported driver, got nil")
	}

	expected := "database.driver: must be sqlite or postgres"
	if err.Error() != expected {
		t.Errorf("error message: got %q, want %q", err.Error(), expected)
	}
}

func TestValidate_MissingSecret(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Auth.JWTSecret = ""

	if err := cfg.Validate(); err == nil || err.Error() != "auth.jwt_secret: is required" {
		t.Errorf("expected jwt secret validation error, got %v", err)
	}
}

func TestAddr(t *testing.T) {
	s := ServerConfig{Port: 8081}
	assertStringEqual(t, "addr", ":8081", s.Addr())
}

// assertStringEqual is a test helper that checks string equality.
func assertStringEqual(t *testing.T, field, want, got string) {
	t.Helper()

	if got != want {
		t.Errorf("%s: got %q, want %q", field, got, want)
	}
}

// assertIntEqual is a test helper that checks int equality.
func assertIntEqual(t *testing.T, field string, want, got int) {
	t.Helper()

	if got != want {
		t.Errorf("%s: got %d, want %d", field, got, want)
	}
}

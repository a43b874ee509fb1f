package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.HTTPAddr)
	}
	if cfg.Lockout.Threshold != 5 || cfg.Lockout.Duration != 15*time.Minute {
		t.Errorf("unexpected lockout defaults: %+v", cfg.Lockout)
	}
	if cfg.Session.TTL != 30*24*time.Hour {
		t.Errorf("unexpected session ttl: %s", cfg.Session.TTL)
	}
	if cfg.TOTP.Skew != 1 {
		t.Errorf("unexpected totp skew: %d", cfg.TOTP.Skew)
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := writeFile(t, "portal.yaml", `
http_addr: ":9000"
users_file: users.yaml
session:
  secret: "`+testSecret+`"
  ttl: 12h
lockout:
  threshold: 3
  duration: 5m
totp:
  skew: 2
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9000" {
		t.Errorf("expected :9000, got %s", cfg.HTTPAddr)
	}
	if cfg.Session.TTL != 12*time.Hour {
		t.Errorf("expected 12h, got %s", cfg.Session.TTL)
	}
	if cfg.Lockout.Threshold != 3 || cfg.Lockout.Duration != 5*time.Minute {
		t.Errorf("unexpected lockout: %+v", cfg.Lockout)
	}
	if cfg.Lockout.FailureWindow != 15*time.Minute {
		t.Errorf("unset fields keep defaults, got %s", cfg.Lockout.FailureWindow)
	}
	if cfg.TOTP.Skew != 2 {
		t.Errorf("expected skew 2, got %d", cfg.TOTP.Skew)
	}
	if cfg.UsesPostgres() || cfg.UsesRedis() {
		t.Error("no backing services configured")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "portal.yaml", "http_addr: \":9000\"\nusers_file: users.yaml\n")
	t.Setenv("PORTAL_HTTP_ADDR", ":7070")
	t.Setenv("PORTAL_SESSION_SECRET", testSecret)
	t.Setenv("PORTAL_LOCKOUT_THRESHOLD", "7")
	t.Setenv("PORTAL_LOCKOUT_WINDOW", "1h")
	t.Setenv("PORTAL_REDIS_ADDR", "localhost:6379")
	t.Setenv("PORTAL_TOTP_SKEW", "0")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":7070" {
		t.Errorf("env should override file: got %s", cfg.HTTPAddr)
	}
	if cfg.Lockout.Threshold != 7 || cfg.Lockout.FailureWindow != time.Hour {
		t.Errorf("unexpected lockout: %+v", cfg.Lockout)
	}
	if !cfg.UsesRedis() {
		t.Error("expected redis to be configured")
	}
	if cfg.TOTP.Skew != 0 {
		t.Errorf("expected skew 0, got %d", cfg.TOTP.Skew)
	}
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("PORTAL_SESSION_SECRET", testSecret)
	t.Setenv("PORTAL_USERS_FILE", "users.yaml")
	t.Setenv("PORTAL_SESSION_TTL", "forever")
	t.Setenv("PORTAL_RATE_BURST", "many")

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"PORTAL_SESSION_TTL", "PORTAL_RATE_BURST"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("defaults lack a secret and a directory")
	}
	for _, want := range []string{"session secret", "users_file"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}

	cfg.Session.Secret = testSecret
	cfg.PostgresDSN = "postgres://localhost/portal"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config: %v", err)
	}

	cfg.Lockout.Threshold = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected threshold error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected read error")
	}
}

func TestTrustedProxies(t *testing.T) {
	path := writeFile(t, "portal.yaml", "users_file: users.yaml\ntrusted_proxies: [\"10.0.0.0/8\"]\n")
	t.Setenv("PORTAL_SESSION_SECRET", testSecret)
	t.Setenv("PORTAL_TRUSTED_PROXIES", "192.168.1.7, fd00::/8")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	prefixes, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		t.Fatalf("TrustedProxyPrefixes: %v", err)
	}
	if len(prefixes) != 2 {
		t.Fatalf("env should replace file list, got %v", prefixes)
	}
	if prefixes[0].String() != "192.168.1.7/32" || prefixes[1].String() != "fd00::/8" {
		t.Errorf("unexpected prefixes: %v", prefixes)
	}

	cfg.TrustedProxies = []string{"10.0.0.0/33"}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "trusted proxy") {
		t.Fatalf("expected trusted proxy error, got %v", err)
	}
}

// Package config loads service configuration.
// Sources in priority order: PORTAL_* env vars > YAML file > .env file > defaults.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "PORTAL_"

// Config holds all service configuration.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
	LogLevel string `yaml:"log_level"`

	// PostgresDSN selects the Postgres directory and audit store. Empty means
	// the in-memory directory seeded from UsersFile.
	PostgresDSN string `yaml:"postgres_dsn"`
	// RedisAddr selects the Redis attempt store. Empty means in-process.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisPrefix   string `yaml:"redis_prefix"`
	UsersFile     string `yaml:"users_file"`

	Session   SessionConfig   `yaml:"session"`
	Lockout   LockoutConfig   `yaml:"lockout"`
	TOTP      TOTPConfig      `yaml:"totp"`
	Audit     AuditConfig     `yaml:"audit"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// TrustedProxies lists CIDRs (or bare addresses) of reverse proxies whose
	// X-Forwarded-For header is believed. Empty means the peer address is
	// always the client.
	TrustedProxies []string `yaml:"trusted_proxies"`

	DirectoryTimeout time.Duration `yaml:"directory_timeout"`
	// PruneSchedule is a cron spec for dropping stale in-memory attempt records.
	PruneSchedule string `yaml:"prune_schedule"`
}

// SessionConfig configures token issuance.
type SessionConfig struct {
	Secret string        `yaml:"secret"`
	Issuer string        `yaml:"issuer"`
	TTL    time.Duration `yaml:"ttl"`
}

// LockoutConfig configures the brute-force guard.
type LockoutConfig struct {
	Threshold     int           `yaml:"threshold"`
	FailureWindow time.Duration `yaml:"failure_window"`
	Duration      time.Duration `yaml:"duration"`
}

// TOTPConfig configures second-factor verification.
type TOTPConfig struct {
	Skew   uint   `yaml:"skew"`
	Issuer string `yaml:"issuer"`
}

// AuditConfig configures the audit pipeline.
type AuditConfig struct {
	BufferSize    int           `yaml:"buffer_size"`
	RecordTimeout time.Duration `yaml:"record_timeout"`
	RingSize      int           `yaml:"ring_size"`
}

// RateLimitConfig configures per-IP HTTP rate limiting.
type RateLimitConfig struct {
	PerSecond int `yaml:"per_second"`
	Burst     int `yaml:"burst"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		HTTPAddr:    ":8080",
		GRPCAddr:    ":9090",
		LogLevel:    "info",
		RedisPrefix: "portal:bf",
		Session: SessionConfig{
			Issuer: "corpportal",
			TTL:    30 * 24 * time.Hour,
		},
		Lockout: LockoutConfig{
			Threshold:     5,
			FailureWindow: 15 * time.Minute,
			Duration:      15 * time.Minute,
		},
		TOTP: TOTPConfig{
			Skew:   1,
			Issuer: "Corporate Portal",
		},
		Audit: AuditConfig{
			BufferSize:    1024,
			RecordTimeout: 5 * time.Second,
			RingSize:      512,
		},
		RateLimit: RateLimitConfig{
			PerSecond: 10,
			Burst:     20,
		},
		DirectoryTimeout: 3 * time.Second,
		PruneSchedule:    "@every 5m",
	}
}

// Load reads an optional .env file, then the YAML file at path (if any),
// then PORTAL_* environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	// .env is optional; variables already set in the process win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("read .env: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}

	str("HTTP_ADDR", &cfg.HTTPAddr)
	str("GRPC_ADDR", &cfg.GRPCAddr)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("PG_DSN", &cfg.PostgresDSN)
	str("REDIS_ADDR", &cfg.RedisAddr)
	str("REDIS_PASSWORD", &cfg.RedisPassword)
	str("REDIS_PREFIX", &cfg.RedisPrefix)
	str("USERS_FILE", &cfg.UsersFile)
	str("SESSION_SECRET", &cfg.Session.Secret)
	str("SESSION_ISSUER", &cfg.Session.Issuer)
	dur("SESSION_TTL", &cfg.Session.TTL)
	num("LOCKOUT_THRESHOLD", &cfg.Lockout.Threshold)
	dur("LOCKOUT_WINDOW", &cfg.Lockout.FailureWindow)
	dur("LOCKOUT_DURATION", &cfg.Lockout.Duration)
	str("TOTP_ISSUER", &cfg.TOTP.Issuer)
	if v, ok := os.LookupEnv(envPrefix + "TOTP_SKEW"); ok {
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 8)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sTOTP_SKEW: %w", envPrefix, err))
		} else {
			cfg.TOTP.Skew = uint(n)
		}
	}
	num("AUDIT_BUFFER", &cfg.Audit.BufferSize)
	dur("AUDIT_TIMEOUT", &cfg.Audit.RecordTimeout)
	num("AUDIT_RING", &cfg.Audit.RingSize)
	num("RATE_PER_SEC", &cfg.RateLimit.PerSecond)
	num("RATE_BURST", &cfg.RateLimit.Burst)
	if v, ok := os.LookupEnv(envPrefix + "TRUSTED_PROXIES"); ok {
		cfg.TrustedProxies = splitList(v)
	}
	dur("DIRECTORY_TIMEOUT", &cfg.DirectoryTimeout)
	str("PRUNE_SCHEDULE", &cfg.PruneSchedule)

	return errors.Join(errs...)
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	if len(c.Session.Secret) < 32 {
		errs = append(errs, errors.New("session secret must be at least 32 bytes"))
	}
	if c.Session.TTL <= 0 {
		errs = append(errs, errors.New("session ttl must be positive"))
	}
	if c.Lockout.Threshold <= 0 {
		errs = append(errs, errors.New("lockout threshold must be positive"))
	}
	if c.Lockout.FailureWindow <= 0 || c.Lockout.Duration <= 0 {
		errs = append(errs, errors.New("lockout window and duration must be positive"))
	}
	if c.Audit.BufferSize <= 0 {
		errs = append(errs, errors.New("audit buffer size must be positive"))
	}
	if c.RateLimit.PerSecond <= 0 || c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("rate limit values must be positive"))
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	if c.PostgresDSN == "" && c.UsersFile == "" {
		errs = append(errs, errors.New("either postgres_dsn or users_file is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// UsesPostgres reports whether a database is configured.
func (c Config) UsesPostgres() bool { return c.PostgresDSN != "" }

// UsesRedis reports whether the shared attempt store is configured.
func (c Config) UsesRedis() bool { return c.RedisAddr != "" }

// TrustedProxyPrefixes parses TrustedProxies. A bare address is a single-host
// prefix.
func (c Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
			}
			addr = addr.Unmap()
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

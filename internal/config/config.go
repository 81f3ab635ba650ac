// Package config loads runtime settings from an optional TOML file and the
// environment. Environment variables always win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const minJWTSecretLength = 32

type Config struct {
	AppEnv      string `toml:"app_env"`
	Port        string `toml:"port"`
	DatabaseURL string `toml:"database_url"`
	RedisURL    string `toml:"redis_url"`
	RedisPrefix string `toml:"redis_prefix"`
	SentryDSN   string `toml:"sentry_dsn"`
	FrontendURL string `toml:"frontend_url"`
	CronSecret  string `toml:"cron_secret"`

	RunMigrations bool `toml:"run_migrations_on_startup"`
	// TrustProxyHeaders keys client IPs by X-Forwarded-For. Turn it off
	// when nothing in front of the service rewrites that header.
	TrustProxyHeaders bool `toml:"trust_proxy_headers"`

	Auth     AuthConfig     `toml:"auth"`
	Cookie   CookieConfig   `toml:"cookie"`
	Admin    AdminConfig    `toml:"admin"`
	Database DatabaseConfig `toml:"database"`
}

type AuthConfig struct {
	JWTSecret             string `toml:"jwt_secret"`
	SessionTTLMinutes     int    `toml:"session_ttl_minutes"`
	LoginMaxAttempts      int    `toml:"login_max_attempts"`
	LoginLockMinutes      int    `toml:"login_lock_minutes"`
	ResetTokenTTLMinutes  int    `toml:"reset_token_ttl_minutes"`
	TOTPIssuer            string `toml:"totp_issuer"`
	LoginRatePerMinute    int    `toml:"login_rate_limit_per_minute"`
	StateSweepIntervalSec int    `toml:"state_sweep_interval_seconds"`
}

type CookieConfig struct {
	Name   string `toml:"name"`
	Secure bool   `toml:"secure"`
}

type AdminConfig struct {
	Email    string `toml:"email"`
	Password string `toml:"password"`
	FullName string `toml:"full_name"`
}

type DatabaseConfig struct {
	MaxOpenConns           int `toml:"max_open_conns"`
	MaxIdleConns           int `toml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int `toml:"conn_max_lifetime_minutes"`
	ConnMaxIdleTimeMinutes int `toml:"conn_max_idle_time_minutes"`
}

type Options struct {
	LoadDotEnv bool
	// File overrides PAAD_CONFIG_FILE when set.
	File string
}

func Defaults() Config {
	return Config{
		AppEnv:      "development",
		Port:        "8080",
		RedisPrefix: "paad:",

		TrustProxyHeaders: true,
		Auth: AuthConfig{
			SessionTTLMinutes:     60,
			LoginMaxAttempts:      5,
			LoginLockMinutes:      15,
			ResetTokenTTLMinutes:  30,
			TOTPIssuer:            "PAAD UFPI",
			LoginRatePerMinute:    10,
			StateSweepIntervalSec: 300,
		},
		Cookie: CookieConfig{Name: "paad_session"},
		Database: DatabaseConfig{
			MaxOpenConns:           10,
			MaxIdleConns:           5,
			ConnMaxLifetimeMinutes: 30,
			ConnMaxIdleTimeMinutes: 10,
		},
	}
}

func Load(options Options) (Config, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	cfg := Defaults()

	file := strings.TrimSpace(options.File)
	if file == "" {
		file = strings.TrimSpace(os.Getenv("PAAD_CONFIG_FILE"))
	}
	if file != "" {
		if _, err := toml.DecodeFile(file, &cfg); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.AppEnv = envOrDefault("APP_ENV", cfg.AppEnv)
	cfg.Port = envOrDefault("PORT", cfg.Port)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.RedisPrefix = envOrDefault("REDIS_PREFIX", cfg.RedisPrefix)
	cfg.SentryDSN = envOrDefault("SENTRY_DSN", cfg.SentryDSN)
	cfg.FrontendURL = envOrDefault("FRONTEND_URL", cfg.FrontendURL)
	cfg.CronSecret = envOrDefault("CRON_SECRET", cfg.CronSecret)
	cfg.RunMigrations = EnvBoolOrDefault("RUN_MIGRATIONS_ON_STARTUP", cfg.RunMigrations)
	cfg.TrustProxyHeaders = EnvBoolOrDefault("TRUST_PROXY_HEADERS", cfg.TrustProxyHeaders)

	cfg.Auth.JWTSecret = envOrDefault("JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.SessionTTLMinutes = envIntOrDefault("SESSION_TTL_MINUTES", cfg.Auth.SessionTTLMinutes)
	cfg.Auth.LoginMaxAttempts = envIntOrDefault("LOGIN_MAX_ATTEMPTS", cfg.Auth.LoginMaxAttempts)
	cfg.Auth.LoginLockMinutes = envIntOrDefault("LOGIN_LOCK_MINUTES", cfg.Auth.LoginLockMinutes)
	cfg.Auth.ResetTokenTTLMinutes = envIntOrDefault("RESET_TOKEN_TTL_MINUTES", cfg.Auth.ResetTokenTTLMinutes)
	cfg.Auth.TOTPIssuer = envOrDefault("TOTP_ISSUER", cfg.Auth.TOTPIssuer)
	cfg.Auth.LoginRatePerMinute = envIntOrDefault("LOGIN_RATE_LIMIT_PER_MINUTE", cfg.Auth.LoginRatePerMinute)
	cfg.Auth.StateSweepIntervalSec = envIntOrDefault("STATE_SWEEP_INTERVAL_SECONDS", cfg.Auth.StateSweepIntervalSec)

	cfg.Cookie.Name = envOrDefault("COOKIE_NAME", cfg.Cookie.Name)
	cfg.Cookie.Secure = EnvBoolOrDefault("COOKIE_SECURE", cfg.Cookie.Secure)

	cfg.Admin.Email = envOrDefault("ADMIN_EMAIL", cfg.Admin.Email)
	cfg.Admin.Password = envOrDefault("ADMIN_PASSWORD", cfg.Admin.Password)
	cfg.Admin.FullName = envOrDefault("ADMIN_FULL_NAME", cfg.Admin.FullName)

	cfg.Database.MaxOpenConns = envIntOrDefault("DB_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	cfg.Database.MaxIdleConns = envIntOrDefault("DB_MAX_IDLE_CONNS", cfg.Database.MaxIdleConns)
	cfg.Database.ConnMaxLifetimeMinutes = envIntOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", cfg.Database.ConnMaxLifetimeMinutes)
	cfg.Database.ConnMaxIdleTimeMinutes = envIntOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", cfg.Database.ConnMaxIdleTimeMinutes)
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("missing required env: DATABASE_URL"))
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, errors.New("missing required env: JWT_SECRET"))
	} else if len(c.Auth.JWTSecret) < minJWTSecretLength {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least %d bytes", minJWTSecretLength))
	}
	if (c.Admin.Email == "") != (c.Admin.Password == "") {
		errs = append(errs, errors.New("ADMIN_EMAIL and ADMIN_PASSWORD are required together"))
	}
	return errors.Join(errs...)
}

func (c Config) Development() bool {
	return strings.EqualFold(c.AppEnv, "development")
}

func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.Auth.SessionTTLMinutes) * time.Minute
}

func (c Config) LockDuration() time.Duration {
	return time.Duration(c.Auth.LoginLockMinutes) * time.Minute
}

func (c Config) ResetTokenTTL() time.Duration {
	return time.Duration(c.Auth.ResetTokenTTLMinutes) * time.Minute
}

func (c Config) StateSweepInterval() time.Duration {
	return time.Duration(c.Auth.StateSweepIntervalSec) * time.Second
}

func (c Config) ConnMaxLifetime() time.Duration {
	return time.Duration(c.Database.ConnMaxLifetimeMinutes) * time.Minute
}

func (c Config) ConnMaxIdleTime() time.Duration {
	return time.Duration(c.Database.ConnMaxIdleTimeMinutes) * time.Minute
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"PAAD_CONFIG_FILE", "APP_ENV", "PORT", "DATABASE_URL", "REDIS_URL", "JWT_SECRET",
		"SESSION_TTL_MINUTES", "LOGIN_MAX_ATTEMPTS", "LOGIN_LOCK_MINUTES", "RESET_TOKEN_TTL_MINUTES",
		"TOTP_ISSUER", "COOKIE_NAME", "COOKIE_SECURE", "ADMIN_EMAIL", "ADMIN_PASSWORD",
		"RUN_MIGRATIONS_ON_STARTUP", "LOGIN_RATE_LIMIT_PER_MINUTE", "TRUST_PROXY_HEADERS",
	} {
		t.Setenv(name, "")
	}
}

func TestLoadDefaultsFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/paad")
	t.Setenv("JWT_SECRET", testSecret)

	cfg, err := Load(Options{})
	require.NoError(t, err)

	assert.Equal(t, time.Hour, cfg.SessionTTL())
	assert.Equal(t, 5, cfg.Auth.LoginMaxAttempts)
	assert.Equal(t, 15*time.Minute, cfg.LockDuration())
	assert.Equal(t, 30*time.Minute, cfg.ResetTokenTTL())
	assert.Equal(t, "PAAD UFPI", cfg.Auth.TOTPIssuer)
	assert.Equal(t, "paad_session", cfg.Cookie.Name)
	assert.Empty(t, cfg.RedisURL)
	assert.True(t, cfg.TrustProxyHeaders)
	assert.True(t, cfg.Development())
}

func TestLoadFileThenEnvOverrides(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "paad.toml")
	content := `
app_env = "production"
database_url = "postgres://file/paad"
redis_url = "redis://cache:6379/0"

[auth]
jwt_secret = "` + testSecret + `"
login_max_attempts = 3
totp_issuer = "PAAD Staging"

[cookie]
secure = true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("PAAD_CONFIG_FILE", path)
	t.Setenv("LOGIN_MAX_ATTEMPTS", "7")
	t.Setenv("TRUST_PROXY_HEADERS", "false")

	cfg, err := Load(Options{})
	require.NoError(t, err)

	assert.Equal(t, "postgres://file/paad", cfg.DatabaseURL)
	assert.Equal(t, "redis://cache:6379/0", cfg.RedisURL)
	assert.Equal(t, 7, cfg.Auth.LoginMaxAttempts)
	assert.Equal(t, "PAAD Staging", cfg.Auth.TOTPIssuer)
	assert.True(t, cfg.Cookie.Secure)
	assert.False(t, cfg.TrustProxyHeaders)
	assert.False(t, cfg.Development())
}

func TestValidateReportsEveryProblem(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "short")
	t.Setenv("ADMIN_EMAIL", "coord@ufpi.edu.br")

	_, err := Load(Options{})
	require.Error(t, err)

	msg := err.Error()
	assert.True(t, strings.Contains(msg, "DATABASE_URL"), msg)
	assert.True(t, strings.Contains(msg, "JWT_SECRET must be at least"), msg)
	assert.True(t, strings.Contains(msg, "ADMIN_EMAIL and ADMIN_PASSWORD"), msg)
}

func TestEnvBoolOrDefault(t *testing.T) {
	t.Setenv("FLAG", "yes")
	assert.True(t, EnvBoolOrDefault("FLAG", false))

	t.Setenv("FLAG", "off")
	assert.False(t, EnvBoolOrDefault("FLAG", true))

	t.Setenv("FLAG", "maybe")
	assert.True(t, EnvBoolOrDefault("FLAG", true))
}

func TestMissingConfigFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(Options{File: filepath.Join(t.TempDir(), "absent.toml")})
	require.Error(t, err)
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("PORTAL_ROOM", "")
	t.Setenv("PORTAL_PERMISSION_POLL_INTERVAL", "")
	t.Setenv("PORTAL_REPORT_TIMEOUT", "")

	cfg := FromEnv()
	assert.Equal(t, "admin", cfg.Portal.Room)
	assert.Equal(t, 10*time.Second, cfg.Portal.PermissionPollInterval)
	assert.Equal(t, 60*time.Second, cfg.Portal.ReportTimeout)
	assert.Equal(t, 5*time.Second, cfg.Portal.BannerTTL)
	assert.Equal(t, 60*time.Second, cfg.Portal.ElapsedTickInterval)
	assert.Equal(t, 1024, cfg.WebSocket.BacklogSize)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("PORTAL_REPORT_TIMEOUT", "90s")
	t.Setenv("WS_ALLOWED_ORIGINS", "portal.example.com, *.example.org ,")
	t.Setenv("RATE_LIMIT_ENABLED", "false")
	t.Setenv("WS_BACKLOG_SIZE", "not-a-number")

	cfg := FromEnv()
	assert.Equal(t, 90*time.Second, cfg.Portal.ReportTimeout)
	assert.Equal(t, []string{"portal.example.com", "*.example.org"}, cfg.WebSocket.AllowedOrigins)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 1024, cfg.WebSocket.BacklogSize)
}

func validRelay() *Config {
	cfg := FromEnv()
	cfg.App.Environment = "development"
	cfg.JWT.Secret = "dev-secret"
	return cfg
}

func validConsole() *Config {
	cfg := FromEnv()
	cfg.App.Environment = "development"
	cfg.Portal.APIBaseURL = "https://portal.example.com"
	cfg.Portal.RealtimeURL = "wss://relay.example.com/api/v1/ws"
	cfg.Portal.Token = "token"
	return cfg
}

func TestValidate_Relay(t *testing.T) {
	require.NoError(t, validRelay().Validate(ModeRelay))

	t.Run("missing secret", func(t *testing.T) {
		cfg := validRelay()
		cfg.JWT.Secret = ""
		assert.ErrorContains(t, cfg.Validate(ModeRelay), "JWT_SECRET is required")
	})

	t.Run("production requirements collected together", func(t *testing.T) {
		cfg := validRelay()
		cfg.App.Environment = "production"
		cfg.WebSocket.AllowedOrigins = nil

		err := cfg.Validate(ModeRelay)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least 32 characters")
		assert.Contains(t, err.Error(), "WS_ALLOWED_ORIGINS")
	})

	t.Run("database is optional", func(t *testing.T) {
		cfg := validRelay()
		cfg.Database.URL = ""
		cfg.Database.MaxIdleConns = 10
		assert.NoError(t, cfg.Validate(ModeRelay))
	})
}

func TestValidate_Console(t *testing.T) {
	require.NoError(t, validConsole().Validate(ModeConsole))

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing api", func(c *Config) { c.Portal.APIBaseURL = "" }, "PORTAL_API_BASE_URL is required"},
		{"api scheme", func(c *Config) { c.Portal.APIBaseURL = "ftp://x" }, "http(s) URL"},
		{"realtime scheme", func(c *Config) { c.Portal.RealtimeURL = "https://relay" }, "ws(s) URL"},
		{"token outside development", func(c *Config) {
			c.Portal.Token = ""
			c.App.Environment = "staging"
			c.JWT.Secret = "secret"
		}, "PORTAL_TOKEN"},
		{"reconnect bounds", func(c *Config) {
			c.Portal.ReconnectMin = time.Minute
			c.Portal.ReconnectMax = time.Second
		}, "PORTAL_RECONNECT_MAX"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConsole()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(ModeConsole), tt.want)
		})
	}

	t.Run("dev token minted from secret", func(t *testing.T) {
		cfg := validConsole()
		cfg.Portal.Token = ""
		cfg.JWT.Secret = "secret"
		assert.NoError(t, cfg.Validate(ModeConsole))
	})
}

func TestValidate_UnknownMode(t *testing.T) {
	assert.Error(t, validRelay().Validate("worker"))
}

func TestString_Redacts(t *testing.T) {
	cfg := validConsole()
	cfg.Database.URL = "postgres://user:pass@db:5432/portal"
	cfg.Redis.URL = "redis://:hunter2@cache:6379/0"
	cfg.JWT.Secret = "top-secret"

	s := cfg.String()
	assert.NotContains(t, s, "pass@")
	assert.NotContains(t, s, "hunter2")
	assert.NotContains(t, s, "top-secret")
	assert.NotContains(t, s, "token}")
	assert.Contains(t, s, "@db:5432/portal")
}

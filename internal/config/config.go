package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Mode selects which binary the configuration is validated for.
type Mode string

const (
	ModeRelay   Mode = "relay"
	ModeConsole Mode = "console"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// JWT configuration
	JWT JWTConfig

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// WebSocket configuration
	WebSocket WebSocketConfig

	// Logging configuration
	Logging LoggingConfig

	// Application metadata
	App AppConfig

	// Redis fan-out between relay instances
	Redis RedisConfig

	// Portal holds the console's connection to the backend and the relay
	Portal PortalConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
}

// DatabaseConfig holds the optional Postgres change source.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	NotifyChannel   string
	AutoMigrate     bool
	MigrationsDir   string
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret   string
	TokenTTL time.Duration
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	BurstSize         int
	IngressRPS        float64 // per publisher on POST /changes
	IngressBurst      int
}

// WebSocketConfig holds WebSocket configuration
type WebSocketConfig struct {
	AllowedOrigins  []string
	ReadBufferSize  int
	WriteBufferSize int
	BacklogSize     int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string
	Version     string
	Environment string
}

// RedisConfig enables cross-instance fan-out when URL is set.
type RedisConfig struct {
	URL     string
	Channel string
}

// PortalConfig configures the console.
type PortalConfig struct {
	APIBaseURL             string
	RealtimeURL            string
	PollURL                string
	Token                  string
	Room                   string
	RequestTimeout         time.Duration
	RequestsPerSecond      float64
	PermissionsPath        string
	PermissionPollInterval time.Duration
	ReportTimeout          time.Duration
	BannerTTL              time.Duration
	ElapsedTickInterval    time.Duration
	ReconnectMin           time.Duration
	ReconnectMax           time.Duration
	PollInterval           time.Duration
}

// Load loads configuration from environment variables and validates it for mode.
func Load(mode Mode) (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg := FromEnv()
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv reads the configuration without validating it.
func FromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            getEnvOrDefault("SERVER_PORT", ":8080"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getDurationOrDefault("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			CORSOrigins:     getStringSliceOrDefault("CORS_ALLOWED_ORIGINS", []string{}),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    getIntOrDefault("DB_MAX_OPEN_CONNS", 5),
			MaxIdleConns:    getIntOrDefault("DB_MAX_IDLE_CONNS", 1),
			ConnMaxLifetime: getDurationOrDefault("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getDurationOrDefault("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
			NotifyChannel:   getEnvOrDefault("DB_NOTIFY_CHANNEL", "portal_changes"),
			AutoMigrate:     getBoolOrDefault("DB_AUTO_MIGRATE", false),
			MigrationsDir:   getEnvOrDefault("DB_MIGRATIONS_DIR", "migrations"),
		},
		JWT: JWTConfig{
			Secret:   os.Getenv("JWT_SECRET"),
			TokenTTL: getDurationOrDefault("JWT_TOKEN_TTL", 12*time.Hour),
		},
		RateLimit: RateLimitConfig{
			Enabled:           getBoolOrDefault("RATE_LIMIT_ENABLED", true),
			RequestsPerSecond: getFloatOrDefault("RATE_LIMIT_RPS", 10),
			BurstSize:         getIntOrDefault("RATE_LIMIT_BURST", 20),
			IngressRPS:        getFloatOrDefault("RATE_LIMIT_INGRESS_RPS", 50),
			IngressBurst:      getIntOrDefault("RATE_LIMIT_INGRESS_BURST", 100),
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins:  getStringSliceOrDefault("WS_ALLOWED_ORIGINS", []string{}),
			ReadBufferSize:  getIntOrDefault("WS_READ_BUFFER_SIZE", 1024),
			WriteBufferSize: getIntOrDefault("WS_WRITE_BUFFER_SIZE", 1024),
			BacklogSize:     getIntOrDefault("WS_BACKLOG_SIZE", 1024),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
		App: AppConfig{
			Name:        getEnvOrDefault("APP_NAME", "portal-sync"),
			Version:     getEnvOrDefault("APP_VERSION", "dev"),
			Environment: getEnvOrDefault("APP_ENV", "development"),
		},
		Redis: RedisConfig{
			URL:     os.Getenv("REDIS_URL"),
			Channel: getEnvOrDefault("REDIS_CHANNEL", "portal-sync:events"),
		},
		Portal: PortalConfig{
			APIBaseURL:             os.Getenv("PORTAL_API_BASE_URL"),
			RealtimeURL:            os.Getenv("PORTAL_REALTIME_URL"),
			PollURL:                os.Getenv("PORTAL_POLL_URL"),
			Token:                  os.Getenv("PORTAL_TOKEN"),
			Room:                   getEnvOrDefault("PORTAL_ROOM", "admin"),
			RequestTimeout:         getDurationOrDefault("PORTAL_REQUEST_TIMEOUT", 30*time.Second),
			RequestsPerSecond:      getFloatOrDefault("PORTAL_REQUESTS_PER_SECOND", 5),
			PermissionsPath:        getEnvOrDefault("PORTAL_PERMISSIONS_PATH", "/api/me/permissions"),
			PermissionPollInterval: getDurationOrDefault("PORTAL_PERMISSION_POLL_INTERVAL", 10*time.Second),
			ReportTimeout:          getDurationOrDefault("PORTAL_REPORT_TIMEOUT", 60*time.Second),
			BannerTTL:              getDurationOrDefault("PORTAL_BANNER_TTL", 5*time.Second),
			ElapsedTickInterval:    getDurationOrDefault("PORTAL_ELAPSED_TICK_INTERVAL", 60*time.Second),
			ReconnectMin:           getDurationOrDefault("PORTAL_RECONNECT_MIN", 500*time.Millisecond),
			ReconnectMax:           getDurationOrDefault("PORTAL_RECONNECT_MAX", 30*time.Second),
			PollInterval:           getDurationOrDefault("PORTAL_POLL_INTERVAL", 5*time.Second),
		},
	}
}

// Validate checks the configuration for mode and reports every problem at once.
func (c *Config) Validate(mode Mode) error {
	var errs []string

	switch mode {
	case ModeRelay:
		errs = append(errs, c.validateRelay()...)
	case ModeConsole:
		errs = append(errs, c.validateConsole()...)
	default:
		errs = append(errs, fmt.Sprintf("unknown mode %q", mode))
	}

	if c.Portal.ReconnectMax < c.Portal.ReconnectMin {
		errs = append(errs, "PORTAL_RECONNECT_MAX cannot be less than PORTAL_RECONNECT_MIN")
	}

	if len(errs) > 0 {
		return errors.New("configuration errors:\n  - " + strings.Join(errs, "\n  - "))
	}

	return nil
}

func (c *Config) validateRelay() []string {
	var errs []string

	if c.JWT.Secret == "" {
		errs = append(errs, "JWT_SECRET is required")
	}

	// Security validations
	if c.IsProduction() {
		if len(c.JWT.Secret) < 32 {
			errs = append(errs, "JWT_SECRET must be at least 32 characters in production")
		}

		if len(c.WebSocket.AllowedOrigins) == 0 {
			errs = append(errs, "WS_ALLOWED_ORIGINS must be set in production")
		}
	}

	if c.Database.URL != "" && c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		errs = append(errs, "DB_MAX_IDLE_CONNS cannot be greater than DB_MAX_OPEN_CONNS")
	}
	if c.WebSocket.BacklogSize <= 0 {
		errs = append(errs, "WS_BACKLOG_SIZE must be positive")
	}
	return errs
}

func (c *Config) validateConsole() []string {
	var errs []string

	if c.Portal.APIBaseURL == "" {
		errs = append(errs, "PORTAL_API_BASE_URL is required")
	} else if !hasScheme(c.Portal.APIBaseURL, "http", "https") {
		errs = append(errs, "PORTAL_API_BASE_URL must be an http(s) URL")
	}

	if c.Portal.RealtimeURL == "" {
		errs = append(errs, "PORTAL_REALTIME_URL is required")
	} else if !hasScheme(c.Portal.RealtimeURL, "ws", "wss") {
		errs = append(errs, "PORTAL_REALTIME_URL must be a ws(s) URL")
	}

	if c.Portal.PollURL != "" && !hasScheme(c.Portal.PollURL, "http", "https") {
		errs = append(errs, "PORTAL_POLL_URL must be an http(s) URL")
	}

	if c.Portal.Token == "" && (c.JWT.Secret == "" || !c.IsDevelopment()) {
		errs = append(errs, "PORTAL_TOKEN is required outside development or without JWT_SECRET")
	}

	if c.Portal.PermissionPollInterval <= 0 {
		errs = append(errs, "PORTAL_PERMISSION_POLL_INTERVAL must be positive")
	}
	if c.Portal.ReportTimeout <= 0 {
		errs = append(errs, "PORTAL_REPORT_TIMEOUT must be positive")
	}
	return errs
}

func hasScheme(raw string, schemes ...string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return true
		}
	}
	return false
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// Helper functions

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

// String returns a redacted string representation of the config (safe for logging)
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Server: %s, DB: %s, Redis: %s, JWT: [REDACTED], RateLimit: %v, Portal: {API: %s, Realtime: %s, Token: %s}, Environment: %s}",
		c.Server.Port,
		redactURL(c.Database.URL),
		redactURL(c.Redis.URL),
		c.RateLimit.Enabled,
		c.Portal.APIBaseURL,
		c.Portal.RealtimeURL,
		redactSecret(c.Portal.Token),
		c.App.Environment,
	)
}

// redactURL hides credentials in a connection URL
func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	if idx := strings.LastIndex(raw, "@"); idx > 0 {
		return "[REDACTED]" + raw[idx:]
	}
	return "[REDACTED]"
}

func redactSecret(s string) string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

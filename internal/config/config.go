// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Rolling log file (optional, stdout only when empty)
	LogFile         string
	LogMaxSizeMB    int
	LogMaxBackups   int
	LogMaxAgeDays   int
	OTLPEndpoint    string
	CORSOrigins     []string
	RateLimitRPM    int
	RateLimitBurst  int
	RequestMaxBytes int64

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool
	RedisURL    string // Redis for challenges and counters (optional, uses in-memory if not set)

	// Security
	JWTSecret   string // HS256 secret shared with the identity provider
	AdminSecret string // X-Admin-Secret for admin routes

	// Visit validation
	ChallengeTTL    time.Duration
	ProximityMeters float64
	MinConfidence   int

	// Reward guard
	AwardRateLimit    int
	AwardRateWindow   time.Duration
	BanDuration       time.Duration
	RateLimitFailOpen bool
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultRateLimitRPM    = 120
	DefaultRateLimitBurst  = 20
	DefaultRequestMaxBytes = 1 << 20
	DefaultChallengeTTL    = 60 * time.Second
	DefaultProximityMeters = 50
	DefaultMinConfidence   = 50
	DefaultAwardRateLimit  = 10
	DefaultAwardRateWindow = time.Minute
	DefaultBanDuration     = time.Hour
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		LogFile:           os.Getenv("LOG_FILE"),
		LogMaxSizeMB:      int(getEnvInt64("LOG_MAX_SIZE_MB", 100)),
		LogMaxBackups:     int(getEnvInt64("LOG_MAX_BACKUPS", 3)),
		LogMaxAgeDays:     int(getEnvInt64("LOG_MAX_AGE_DAYS", 7)),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		CORSOrigins:       splitList(getEnv("CORS_ORIGINS", "*")),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:    int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		RequestMaxBytes:   getEnvInt64("REQUEST_MAX_BYTES", DefaultRequestMaxBytes),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		AutoMigrate:       getEnvBool("AUTO_MIGRATE", true),
		RedisURL:          os.Getenv("REDIS_URL"),
		JWTSecret:         os.Getenv("JWT_SECRET"), // Required, no default
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		ChallengeTTL:      getEnvDuration("CHALLENGE_TTL", DefaultChallengeTTL),
		ProximityMeters:   getEnvFloat("PROXIMITY_METERS", DefaultProximityMeters),
		MinConfidence:     int(getEnvInt64("MIN_CONFIDENCE", DefaultMinConfidence)),
		AwardRateLimit:    int(getEnvInt64("AWARD_RATE_LIMIT", DefaultAwardRateLimit)),
		AwardRateWindow:   getEnvDuration("AWARD_RATE_WINDOW", DefaultAwardRateWindow),
		BanDuration:       getEnvDuration("BAN_DURATION", DefaultBanDuration),
		RateLimitFailOpen: getEnvBool("RATE_LIMIT_FAIL_OPEN", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.IsProduction() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
	}
	if c.ChallengeTTL <= 0 || c.ChallengeTTL > 10*time.Minute {
		return fmt.Errorf("CHALLENGE_TTL must be between 0 and 10m")
	}
	if c.ProximityMeters <= 0 {
		return fmt.Errorf("PROXIMITY_METERS must be positive")
	}
	if c.MinConfidence < 0 || c.MinConfidence > 100 {
		return fmt.Errorf("MIN_CONFIDENCE must be between 0 and 100")
	}
	if c.AwardRateLimit <= 0 || c.AwardRateWindow <= 0 {
		return fmt.Errorf("AWARD_RATE_LIMIT and AWARD_RATE_WINDOW must be positive")
	}
	if c.BanDuration <= 0 {
		return fmt.Errorf("BAN_DURATION must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

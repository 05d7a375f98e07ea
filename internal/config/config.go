// Package config loads service configuration from the environment. A local
// .env file is honored in development via godotenv.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable the engine needs at construction time. The
// commission/risk/rate-limit knobs replace the global flags the legacy system
// kept in its system_config table.
type Config struct {
	Service  ServiceConfig
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	NATS     NATSConfig
	Engine   EngineConfig
}

// ServiceConfig identifies the running service.
type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int32
	MinConns int32
}

// RedisConfig holds rate-limiter store settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NATSConfig holds notification publisher settings.
type NATSConfig struct {
	URL string
}

// EngineConfig holds the commission engine's business constants.
type EngineConfig struct {
	// Timezone used for all payable-date arithmetic.
	PayoutTimezone string
	// Default partner commission rate as a fraction (0.20 = 20%).
	DefaultCommissionRate float64
	// Days after capture during which a refund claws back the commission.
	ClawbackWindowDays int
	// Day of month after which a capture rolls to the month-after-next payout.
	PayoutCutoffDay int
	// Risk score thresholds for medium and high tiers.
	RiskMediumThreshold int
	RiskHighThreshold   int
	// Referral submission limits per 1-hour window.
	RateLimitPerIP   int
	RateLimitPerSlug int
	// Cool-down applied to an abusive IP.
	RateLimitBlock time.Duration
	// Interval of the earned→payable / batch-creation sweep.
	SweepInterval time.Duration
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	// Missing .env is fine outside development.
	_ = godotenv.Load()

	cfg := &Config{
		Service: ServiceConfig{
			Name:        getEnv("SERVICE_NAME", "be-partner-commissions"),
			Version:     getEnv("SERVICE_VERSION", "dev"),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		Server: ServerConfig{
			Port:            getEnvInt("PORT", 8087),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: os.Getenv("DB_PASSWORD"),
			Database: getEnv("DB_NAME", "partner_commissions"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 10)),
			MinConns: int32(getEnvInt("DB_MIN_CONNS", 2)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL: getEnv("NATS_URL", "nats://localhost:4222"),
		},
		Engine: EngineConfig{
			PayoutTimezone:        getEnv("PAYOUT_TIMEZONE", "America/Denver"),
			DefaultCommissionRate: getEnvFloat("DEFAULT_COMMISSION_RATE", 0.20),
			ClawbackWindowDays:    getEnvInt("CLAWBACK_WINDOW_DAYS", 30),
			PayoutCutoffDay:       getEnvInt("PAYOUT_CUTOFF_DAY", 15),
			RiskMediumThreshold:   getEnvInt("RISK_MEDIUM_THRESHOLD", 30),
			RiskHighThreshold:     getEnvInt("RISK_HIGH_THRESHOLD", 60),
			RateLimitPerIP:        getEnvInt("RATE_LIMIT_PER_IP", 10),
			RateLimitPerSlug:      getEnvInt("RATE_LIMIT_PER_SLUG", 50),
			RateLimitBlock:        getEnvDuration("RATE_LIMIT_BLOCK", time.Hour),
			SweepInterval:         getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
		},
	}

	if cfg.Engine.DefaultCommissionRate <= 0 || cfg.Engine.DefaultCommissionRate >= 1 {
		return nil, fmt.Errorf("DEFAULT_COMMISSION_RATE must be a fraction in (0, 1), got %v", cfg.Engine.DefaultCommissionRate)
	}
	if cfg.Engine.PayoutCutoffDay < 1 || cfg.Engine.PayoutCutoffDay > 28 {
		return nil, fmt.Errorf("PAYOUT_CUTOFF_DAY must be between 1 and 28, got %d", cfg.Engine.PayoutCutoffDay)
	}
	if cfg.Engine.RiskHighThreshold <= cfg.Engine.RiskMediumThreshold {
		return nil, fmt.Errorf("RISK_HIGH_THRESHOLD (%d) must exceed RISK_MEDIUM_THRESHOLD (%d)",
			cfg.Engine.RiskHighThreshold, cfg.Engine.RiskMediumThreshold)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseFloat(value, 64); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if result, err := time.ParseDuration(value); err == nil {
			return result
		}
	}
	return defaultValue
}

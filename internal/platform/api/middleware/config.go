package middleware

import (
	"time"

	"github.com/qym-eval/qym/internal/config"
)

const (
	defaultGlobalRPS = 100
	defaultUserRPS   = 50
	defaultUnAuthRPS = 10
)

// Config holds rate limiter tuning. Rate limits are requests per second
// across three tiers: global, per-authenticated-user, and unauthenticated.
// Burst fields default to 2x the paired rate when left at 0.
type Config struct {
	GlobalRPS int
	UserRPS   int
	UnAuthRPS int

	GlobalBurst int
	UserBurst   int
	UnAuthBurst int

	CleanupInterval time.Duration
	IdleTimeout     time.Duration
	MaxUsers        int
}

// LoadConfig loads rate limiter Config from environment variables.
func LoadConfig() *Config {
	return &Config{
		GlobalRPS: config.GetEnvInt("QYM_GLOBAL_RPS", defaultGlobalRPS),
		UserRPS:   config.GetEnvInt("QYM_USER_RPS", defaultUserRPS),
		UnAuthRPS: config.GetEnvInt("QYM_UNAUTH_RPS", defaultUnAuthRPS),

		GlobalBurst: config.GetEnvInt("QYM_GLOBAL_BURST", 0),
		UserBurst:   config.GetEnvInt("QYM_USER_BURST", 0),
		UnAuthBurst: config.GetEnvInt("QYM_UNAUTH_BURST", 0),

		CleanupInterval: config.GetEnvDuration("QYM_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval),
		IdleTimeout:     config.GetEnvDuration("QYM_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxUsers:        config.GetEnvInt("QYM_RATE_LIMIT_MAX_USERS", defaultMaxUsers),
	}
}

package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/qym-eval/qym/internal/platform/auth"
)

const (
	burstCapacityMultiplier    int     = 2
	defaultMaxUsers            int     = 100
	thresholdMultiplier        float64 = 0.8
	thresholdPercentage        int     = 80
	rateLimiterCleanupInterval         = 5 * time.Minute
	rateLimiterIdleTimeout             = 1 * time.Hour
)

type (
	// RateLimiter decides whether a request identified by key (a user ID, or
	// "" for unauthenticated callers) may proceed.
	RateLimiter interface {
		Allow(key string) bool
	}

	// InMemoryRateLimiter implements RateLimiter with three tiers: a global
	// limit, a per-user limit, and a tighter limit for unauthenticated
	// callers, all built on golang.org/x/time/rate token buckets.
	InMemoryRateLimiter struct {
		global          *rate.Limiter
		perUser         map[string]*userLimiter
		unauthenticated *rate.Limiter
		mu              sync.RWMutex
		cleanupTicker   *time.Ticker
		done            chan struct{}

		userRPS         int
		userBurst       int
		cleanupInterval time.Duration
		idleTimeout     time.Duration
		maxUsers        int
	}

	userLimiter struct {
		limiter    *rate.Limiter
		lastAccess time.Time
		mu         sync.Mutex
	}
)

// NewInMemoryRateLimiter builds a rate limiter from Config. Burst capacity
// defaults to 2x the configured rate unless a Burst override is set.
func NewInMemoryRateLimiter(config *Config) *InMemoryRateLimiter {
	globalBurst := computeBurstCapacity(config.GlobalRPS, config.GlobalBurst)
	userBurst := computeBurstCapacity(config.UserRPS, config.UserBurst)
	unauthBurst := computeBurstCapacity(config.UnAuthRPS, config.UnAuthBurst)

	rl := &InMemoryRateLimiter{
		global:          rate.NewLimiter(rate.Limit(config.GlobalRPS), globalBurst),
		perUser:         make(map[string]*userLimiter),
		unauthenticated: rate.NewLimiter(rate.Limit(config.UnAuthRPS), unauthBurst),
		done:            make(chan struct{}),
		userRPS:         config.UserRPS,
		userBurst:       userBurst,
		cleanupInterval: config.CleanupInterval,
		idleTimeout:     config.IdleTimeout,
		maxUsers:        config.MaxUsers,
	}

	rl.startCleanup()

	return rl
}

func computeBurstCapacity(rps, burstOverride int) int {
	if burstOverride > 0 {
		return burstOverride
	}

	return rps * burstCapacityMultiplier
}

// Allow enforces the global limit first, then the per-user or
// unauthenticated limit depending on whether key is set.
func (rl *InMemoryRateLimiter) Allow(key string) bool {
	if !rl.global.Allow() {
		return false
	}

	if key == "" {
		return rl.unauthenticated.Allow()
	}

	rl.mu.RLock()
	ul, ok := rl.perUser[key]
	rl.mu.RUnlock()

	if !ok {
		rl.mu.Lock()
		if ul, ok = rl.perUser[key]; !ok {
			ul = &userLimiter{
				limiter:    rate.NewLimiter(rate.Limit(rl.userRPS), rl.userBurst),
				lastAccess: time.Now(),
			}

			rl.perUser[key] = ul

			currentCount := len(rl.perUser)
			threshold := int(float64(rl.maxUsers) * thresholdMultiplier)

			if currentCount >= threshold {
				slog.Warn("rate limiter approaching max tracked users",
					"current_users", currentCount,
					"max_users", rl.maxUsers,
					"threshold_percent", thresholdPercentage,
				)
			}
		}

		rl.mu.Unlock()
	}

	ul.mu.Lock()
	ul.lastAccess = time.Now()
	ul.mu.Unlock()

	return ul.limiter.Allow()
}

// Close stops the cleanup goroutine. Must be called when the limiter is no
// longer needed.
func (rl *InMemoryRateLimiter) Close() {
	if rl.cleanupTicker != nil {
		rl.cleanupTicker.Stop()
	}

	close(rl.done)
}

func (rl *InMemoryRateLimiter) startCleanup() {
	interval := rl.cleanupInterval
	if interval == 0 {
		interval = rateLimiterCleanupInterval
	}

	rl.cleanupTicker = time.NewTicker(interval)

	go func() {
		for {
			select {
			case <-rl.cleanupTicker.C:
				rl.cleanup()
			case <-rl.done:
				return
			}
		}
	}()
}

func (rl *InMemoryRateLimiter) cleanup() {
	idleTimeout := rl.idleTimeout
	if idleTimeout == 0 {
		idleTimeout = rateLimiterIdleTimeout
	}

	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, ul := range rl.perUser {
		ul.mu.Lock()
		lastAccess := ul.lastAccess
		ul.mu.Unlock()

		if now.Sub(lastAccess) > idleTimeout {
			delete(rl.perUser, key)
		}
	}
}

// RateLimit enforces limiter against each request, keyed by the
// authenticated auth.Principal's UserID when present, "" otherwise. Must sit
// after the auth middleware in the chain to see the resolved principal.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ""
			if principal, ok := auth.PrincipalFromContext(r.Context()); ok {
				key = principal.UserID
			}

			if !limiter.Allow(key) {
				correlationID := GetCorrelationID(r.Context())
				detail := "Rate limit exceeded. Please retry after some time."

				if err := writeRFC7807Error(w, r, http.StatusTooManyRequests, detail, correlationID); err != nil {
					logger.Error("failed to write rate limit error response", slog.Any("error", err))
					http.Error(w, detail, http.StatusTooManyRequests)
				}

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

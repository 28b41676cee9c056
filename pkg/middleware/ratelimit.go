package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/platinummonkey/minilytics/pkg/analytics"
	"github.com/platinummonkey/minilytics/pkg/httputil"
	"github.com/platinummonkey/minilytics/pkg/observability"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the sustained rate allowed per client
	RequestsPerWindow int
	// WindowDuration is the time window RequestsPerWindow applies to
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate
	BurstSize int
}

// DefaultRateLimitConfig returns the ingestion defaults: 600/min with a burst of 60
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 600,
		WindowDuration:    time.Minute,
		BurstSize:         60,
	}
}

func (c *RateLimitConfig) capacity() float64 {
	return float64(c.RequestsPerWindow + c.BurstSize)
}

// refillPerSecond is the bucket refill rate
func (c *RateLimitConfig) refillPerSecond() float64 {
	return float64(c.RequestsPerWindow) / c.WindowDuration.Seconds()
}

// Limiter decides whether the client identified by key may proceed.
// When it may not, retryAfter says how long to back off.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
	Remaining(ctx context.Context, key string) (int, error)
}

// RateLimiter is an in-process token bucket limiter
type RateLimiter struct {
	config  *RateLimitConfig
	buckets map[string]*bucket
	mu      sync.Mutex
	now     func() time.Time
}

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}

	return &RateLimiter{
		config:  config,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow takes one token from key's bucket. It never returns an error.
func (rl *RateLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, exists := rl.buckets[key]
	if !exists {
		b = &bucket{tokens: rl.config.capacity(), lastUpdate: now}
		rl.buckets[key] = b
	}

	if elapsed := now.Sub(b.lastUpdate); elapsed > 0 {
		b.tokens += elapsed.Seconds() * rl.config.refillPerSecond()
		if full := rl.config.capacity(); b.tokens > full {
			b.tokens = full
		}
		b.lastUpdate = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, 0, nil
	}

	missing := 1 - b.tokens
	wait := time.Duration(missing / rl.config.refillPerSecond() * float64(time.Second))
	return false, wait, nil
}

// Remaining returns the number of whole tokens left for a key. It never
// returns an error.
func (rl *RateLimiter) Remaining(_ context.Context, key string) (int, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, exists := rl.buckets[key]
	if !exists {
		return int(rl.config.capacity()), nil
	}
	return int(b.tokens), nil
}

// Len returns the number of tracked clients
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Cleanup removes buckets idle for more than two windows. A bucket that
// idle has refilled completely, so dropping it changes no decision.
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for key, b := range rl.buckets {
		if now.Sub(b.lastUpdate) > rl.config.WindowDuration*2 {
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}

// StartCleanup runs Cleanup every window until ctx is cancelled
func (rl *RateLimiter) StartCleanup(ctx context.Context, logger *observability.Logger) {
	ticker := time.NewTicker(rl.config.WindowDuration)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				func() {
					defer observability.RecoverPanic(logger, "rate limiter cleanup")
					rl.Cleanup()
				}()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RateLimitMiddleware limits requests per client IP
type RateLimitMiddleware struct {
	limiter Limiter
	limit   int
	metrics *observability.Metrics
	logger  *observability.Logger
}

// NewRateLimitMiddleware wraps limiter. limit is only reported in the
// X-RateLimit-Limit header. metrics may be nil.
func NewRateLimitMiddleware(limiter Limiter, limit int, metrics *observability.Metrics, logger *observability.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter: limiter,
		limit:   limit,
		metrics: metrics,
		logger:  logger,
	}
}

// Handler wraps an HTTP handler with rate limiting
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "ip:" + analytics.GetClientIP(r)

		allowed, retryAfter, err := m.limiter.Allow(r.Context(), key)
		if err != nil {
			// Fail open: a broken limiter must not drop page views.
			observability.FromContext(r.Context()).WithError(err).Warn("rate limiter unavailable")
			next.ServeHTTP(w, r)
			return
		}

		if m.limit > 0 {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limit))
		}

		if !allowed {
			if m.metrics != nil {
				m.metrics.RateLimitedTotal.Inc()
			}
			w.Header().Set("X-RateLimit-Remaining", "0")
			httputil.WriteTooManyRequests(w, "Rate limit exceeded", retryAfter)
			return
		}

		if remaining, err := m.limiter.Remaining(r.Context(), key); err == nil {
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		}

		next.ServeHTTP(w, r)
	})
}

package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/welldanyogia/lms-auth/internal/auth"
	"github.com/welldanyogia/lms-auth/internal/device"
	"github.com/welldanyogia/lms-auth/internal/kvstore"
	"github.com/welldanyogia/lms-auth/internal/metrics"
)

const rateLimitPrefix = "rate_limit:"

// CodeTooManyRequests is returned when a rate limit is exceeded
const CodeTooManyRequests = "TOO_MANY_REQUESTS"

// RateLimiter is a fixed-window limiter whose counters live in the shared
// store, so every instance enforces the same budget.
type RateLimiter struct {
	store  kvstore.Store
	scope  string
	limit  int           // Max requests
	window time.Duration // Time window
	logger *slog.Logger
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(store kvstore.Store, scope string, limit int, window time.Duration, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		store:  store,
		scope:  scope,
		limit:  limit,
		window: window,
		logger: logger,
	}
}

// Decision is the outcome of one Allow call
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Allow counts a request for key and reports whether it fits in the window
func (rl *RateLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	k := rateLimitPrefix + rl.scope + ":" + key
	n, err := rl.store.Incr(ctx, k, rl.window)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit: %w", err)
	}

	retry, err := rl.store.TTL(ctx, k)
	if err != nil || retry <= 0 {
		retry = rl.window
	}

	remaining := rl.limit - int(n)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:    int(n) <= rl.limit,
		Remaining:  remaining,
		RetryAfter: retry,
	}, nil
}

// Limit returns middleware that rate limits requests by the key keyFn derives.
// Requests pass through when the store is unreachable.
func (rl *RateLimiter) Limit(keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			d, err := rl.Allow(r.Context(), key)
			if err != nil {
				rl.logger.WarnContext(r.Context(), "rate limiter unavailable, allowing request",
					"scope", rl.scope,
					"error", err,
				)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(d.RetryAfter).Unix(), 10))

			if !d.Allowed {
				metrics.RateLimitedTotal.WithLabelValues(rl.scope).Inc()
				writeRateLimitError(w, d.RetryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ByRemoteAddr keys requests by the connection's peer address. Forwarding
// headers are ignored; behind a trusted proxy mount chi's RealIP first so
// RemoteAddr already holds the client address.
func ByRemoteAddr(r *http.Request) string {
	return device.RemoteIP(r)
}

// NewLoginRateLimiter limits login and step-up attempts per client IP
func NewLoginRateLimiter(store kvstore.Store, limit int, window time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	return NewRateLimiter(store, "login", limit, window, logger).Limit(ByRemoteAddr)
}

// writeRateLimitError writes a 429 Too Many Requests response
func writeRateLimitError(w http.ResponseWriter, retryAfter time.Duration) {
	seconds := strconv.Itoa(int(retryAfter.Round(time.Second).Seconds()))
	w.Header().Set("Retry-After", seconds)
	auth.WriteError(w, http.StatusTooManyRequests, CodeTooManyRequests,
		"Rate limit exceeded. Please try again later.",
		map[string][]string{"retryAfter": {seconds}})
}

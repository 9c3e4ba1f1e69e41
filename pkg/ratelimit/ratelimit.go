// Package ratelimit provides a Redis-backed fixed-window limiter used
// to slow down credential guessing against the login endpoints. Limits
// are shared across instances.
package ratelimit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/openmeet/federation/pkg/observability"
)

// Config holds the limiter window settings.
type Config struct {
	// AttemptsPerWindow is the number of login attempts allowed per key
	// per window.
	AttemptsPerWindow int
	WindowDuration    time.Duration

	// FailOpen allows requests through when Redis is unreachable.
	// Login availability is preferred over strict limiting.
	FailOpen bool
}

// DefaultConfig allows 10 attempts per source per minute.
func DefaultConfig() Config {
	return Config{
		AttemptsPerWindow: 10,
		WindowDuration:    time.Minute,
		FailOpen:          true,
	}
}

// Limiter counts login attempts per key in Redis.
type Limiter struct {
	redis  *redis.Client
	cfg    Config
	prefix string
	logger *observability.Logger
}

// NewLimiter creates a limiter on the given Redis client.
func NewLimiter(client *redis.Client, cfg Config, logger *observability.Logger) *Limiter {
	if cfg.AttemptsPerWindow <= 0 {
		cfg.AttemptsPerWindow = DefaultConfig().AttemptsPerWindow
	}
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = DefaultConfig().WindowDuration
	}
	return &Limiter{
		redis:  client,
		cfg:    cfg,
		prefix: "federation:ratelimit",
		logger: logger,
	}
}

// Allow records one attempt for the key and reports whether it is still
// under the window limit. The INCR and EXPIRE run in one pipeline so a
// new key always carries an expiry.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := fmt.Sprintf("%s:%s", l.prefix, key)

	pipe := l.redis.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.cfg.WindowDuration)
	if _, err := pipe.Exec(ctx); err != nil {
		return l.cfg.FailOpen, fmt.Errorf("rate limit check failed: %w", err)
	}

	return incr.Val() <= int64(l.cfg.AttemptsPerWindow), nil
}

// RetryAfter returns the time until the window for the key resets.
func (l *Limiter) RetryAfter(ctx context.Context, key string) time.Duration {
	ttl, err := l.redis.TTL(ctx, fmt.Sprintf("%s:%s", l.prefix, key)).Result()
	if err != nil || ttl <= 0 {
		return l.cfg.WindowDuration
	}
	return ttl
}

// Middleware wraps login routes, keying attempts by client IP.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "ip:" + clientIP(r)
		allowed, err := l.Allow(r.Context(), key)
		if err != nil && l.logger != nil {
			l.logger.WithError(err).Warn("rate limiter unavailable")
		}
		if !allowed {
			retryAfter := l.RetryAfter(r.Context(), key)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"too many login attempts"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// connection address.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		for i := 0; i < len(forwarded); i++ {
			if forwarded[i] == ',' {
				return forwarded[:i]
			}
		}
		return forwarded
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Package ratelimit throttles repeated authentication failures per client
// IP, backed by Redis so limits are shared across multiple listener
// processes.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter counts authentication failures within a sliding window and
// reports when a client IP should be blocked.
type Limiter struct {
	client *redis.Client
	prefix string
	max    int
	window time.Duration
}

// Config controls the failure threshold and window size.
type Config struct {
	Addr     string
	Password string
	DB       int

	// MaxFailures is the number of failed attempts allowed within Window
	// before Allow returns false. Defaults to 5.
	MaxFailures int
	// Window is the duration over which failures are counted. Defaults
	// to 15 minutes.
	Window time.Duration
}

// New creates a Limiter connected to the Redis instance described by cfg.
func New(cfg Config) *Limiter {
	max := cfg.MaxFailures
	if max <= 0 {
		max = 5
	}
	window := cfg.Window
	if window <= 0 {
		window = 15 * time.Minute
	}

	return &Limiter{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		prefix: "mailcore:authfail:",
		max:    max,
		window: window,
	}
}

// NewWithClient wraps an already-constructed redis client, used by tests
// to point a Limiter at a miniredis instance.
func NewWithClient(client *redis.Client, maxFailures int, window time.Duration) *Limiter {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &Limiter{client: client, prefix: "mailcore:authfail:", max: maxFailures, window: window}
}

func (l *Limiter) key(clientIP string) string {
	return l.prefix + clientIP
}

// Allowed reports whether clientIP is still under its failure threshold.
func (l *Limiter) Allowed(ctx context.Context, clientIP string) (bool, error) {
	n, err := l.client.Get(ctx, l.key(clientIP)).Int()
	if err != nil {
		if err == redis.Nil {
			return true, nil
		}
		return false, fmt.Errorf("ratelimit: check %s: %w", clientIP, err)
	}
	return n < l.max, nil
}

// RecordFailure increments the failure counter for clientIP, starting (or
// refreshing) its expiry window on the first failure.
func (l *Limiter) RecordFailure(ctx context.Context, clientIP string) error {
	key := l.key(clientIP)
	n, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("ratelimit: record failure for %s: %w", clientIP, err)
	}
	if n == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return fmt.Errorf("ratelimit: set expiry for %s: %w", clientIP, err)
		}
	}
	return nil
}

// Reset clears the failure counter for clientIP, called on a successful
// authentication.
func (l *Limiter) Reset(ctx context.Context, clientIP string) error {
	if err := l.client.Del(ctx, l.key(clientIP)).Err(); err != nil {
		return fmt.Errorf("ratelimit: reset %s: %w", clientIP, err)
	}
	return nil
}

// Close releases the underlying Redis connection pool.
func (l *Limiter) Close() error {
	return l.client.Close()
}

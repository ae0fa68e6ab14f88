package ratelimiter

import (
	"context"
	"time"
)

// Store is a shared TTL counter store. Counters live for one window from their
// first increment, so every instance using the same backend sees the same counts.
type Store interface {
	// Increment adds n to the counter at key, creating it with the given TTL
	// when absent. Returns the new count and the time left until it expires.
	Increment(ctx context.Context, key string, n int64, window time.Duration) (count int64, ttl time.Duration, err error)

	// Reset deletes the counter at key.
	Reset(ctx context.Context, key string) error
}

package ratelimiter

import (
	"context"
	"fmt"
	"time"
)

// Limiter applies a fixed-window limit on top of a Store.
type Limiter struct {
	store  Store
	config Config
	now    func() time.Time
}

// NewLimiter validates config and returns a limiter backed by store.
func NewLimiter(store Store, config Config) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &Limiter{store: store, config: config, now: time.Now}, nil
}

// Allow counts one request for key.
func (l *Limiter) Allow(ctx context.Context, key string) (*Result, error) {
	return l.AllowN(ctx, key, 1)
}

// AllowN counts n requests for key.
func (l *Limiter) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: must be positive, got %d", ErrInvalidTokenCount, n)
	}

	count, ttl, err := l.store.Increment(ctx, l.key(key), int64(n), l.config.Window)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if ttl <= 0 {
		ttl = l.config.Window
	}

	return &Result{
		Limit:     l.config.Limit,
		Remaining: l.config.Limit - int(count),
		ResetAt:   l.now().Add(ttl),
	}, nil
}

// Peek reports whether one more request for key would fit, without counting it.
func (l *Limiter) Peek(ctx context.Context, key string) (*Result, error) {
	count, ttl, err := l.store.Increment(ctx, l.key(key), 0, l.config.Window)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if ttl <= 0 {
		ttl = l.config.Window
	}
	return &Result{
		Limit:     l.config.Limit,
		Remaining: l.config.Limit - int(count) - 1,
		ResetAt:   l.now().Add(ttl),
	}, nil
}

// Reset clears the window for key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.Reset(ctx, l.key(key))
}

func (l *Limiter) key(k string) string {
	if l.config.Prefix == "" {
		return k
	}
	return l.config.Prefix + ":" + k
}

func (c Config) validate() error {
	if c.Limit <= 0 {
		return fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidConfig, c.Limit)
	}
	if c.Window <= 0 {
		return fmt.Errorf("%w: window must be positive, got %v", ErrInvalidConfig, c.Window)
	}
	return nil
}

// Package ratelimit implements fixed-window request rate limiting with
// pluggable storage backends (Redis for multi-instance deployments, memory
// for tests and development).
package ratelimit

import (
	"context"
	"time"
)

// Result contains the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns how long to wait before the next request is allowed.
// Returns 0 if the current request was allowed.
func (r *Result) RetryAfter() time.Duration {
	if r.Allowed {
		return 0
	}
	return time.Until(r.ResetAt)
}

// Limiter checks whether a request identified by key is allowed.
type Limiter interface {
	Allow(ctx context.Context, key string) (*Result, error)
}

// Store is the counter backend. IncrementAndGet must atomically increment
// the counter for the key, starting a new window (with TTL) when none exists,
// and return the post-increment value plus the remaining window duration.
type Store interface {
	IncrementAndGet(ctx context.Context, key string, window time.Duration) (current int64, ttl time.Duration, err error)
	Reset(ctx context.Context, key string) error
}

// FixedWindow allows up to limit requests per window per key.
type FixedWindow struct {
	store  Store
	limit  int
	window time.Duration
}

// NewFixedWindow creates a fixed-window rate limiter.
func NewFixedWindow(store Store, limit int, window time.Duration) (*FixedWindow, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	if window <= 0 {
		return nil, ErrInvalidInterval
	}

	return &FixedWindow{store: store, limit: limit, window: window}, nil
}

// Allow consumes one slot for the key and reports whether the request fits
// in the current window.
func (fw *FixedWindow) Allow(ctx context.Context, key string) (*Result, error) {
	if key == "" {
		return nil, ErrKeyRequired
	}

	current, ttl, err := fw.store.IncrementAndGet(ctx, key, fw.window)
	if err != nil {
		return nil, err
	}

	remaining := fw.limit - int(current)

	return &Result{
		Allowed:   current <= int64(fw.limit),
		Limit:     fw.limit,
		Remaining: max(0, remaining),
		ResetAt:   time.Now().Add(ttl),
	}, nil
}

// Reset clears the window for the key.
func (fw *FixedWindow) Reset(ctx context.Context, key string) error {
	if key == "" {
		return ErrKeyRequired
	}
	return fw.store.Reset(ctx, key)
}

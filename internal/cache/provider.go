package cache

import (
	"context"
	"errors"
	"time"
)

// Provider defines the cache operations the engine needs: round-trip probing,
// plain reads/writes, and a flush used by memory remediation.
type Provider interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Flush(ctx context.Context) error
	Close() error
}

// ErrCacheMiss signals that a cache key was not found.
var ErrCacheMiss = errors.New("cache miss")

// NoopProvider implements Provider but never stores data. Used when the
// engine runs without a cache backend.
type NoopProvider struct{}

// Ping always succeeds.
func (NoopProvider) Ping(context.Context) error { return nil }

// Get always returns ErrCacheMiss.
func (NoopProvider) Get(context.Context, string) ([]byte, error) {
	return nil, ErrCacheMiss
}

// Set discards the value and returns nil.
func (NoopProvider) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}

// Del is a no-op for the noop cache.
func (NoopProvider) Del(context.Context, string) error { return nil }

// Flush is a no-op for the noop cache.
func (NoopProvider) Flush(context.Context) error { return nil }

// Close is a no-op.
func (NoopProvider) Close() error { return nil }

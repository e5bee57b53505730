package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/sentinelstack/sentinel-engine/internal/config"
)

const flushScanCount = 256

// RedisProvider implements Provider backed by a Redis server. The job queues
// share the same server and database, so every cache key carries a dedicated
// prefix and Flush deletes only prefixed keys.
type RedisProvider struct {
	client *redis.Client
	prefix string
}

// NewRedisProvider creates a Provider from the supplied configuration. It
// pings the target to fail fast when connectivity or credentials are wrong.
func NewRedisProvider(cfg config.RedisConfig) (*RedisProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	prefix := cfg.CachePrefix
	if prefix == "" {
		prefix = "cache:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	pingTimeout := cfg.DialTimeout
	if pingTimeout <= 0 {
		pingTimeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisProvider{client: client, prefix: prefix}, nil
}

func (p *RedisProvider) key(k string) string {
	return p.prefix + k
}

// Ping issues a lightweight round trip used by the health prober.
func (p *RedisProvider) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Get fetches bytes by key, returning ErrCacheMiss when the key is absent.
func (p *RedisProvider) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := p.client.Get(ctx, p.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return data, err
}

// Set stores bytes with the provided TTL.
func (p *RedisProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return p.client.Set(ctx, p.key(key), value, ttl).Err()
}

// Del removes a key; deleting an absent key is not an error.
func (p *RedisProvider) Del(ctx context.Context, key string) error {
	return p.client.Del(ctx, p.key(key)).Err()
}

// Flush removes every cache key, leaving the rest of the database untouched.
// Memory remediation calls this when process usage crosses the hard threshold.
func (p *RedisProvider) Flush(ctx context.Context) error {
	iter := p.client.Scan(ctx, 0, p.prefix+"*", flushScanCount).Iterator()
	batch := make([]string, 0, flushScanCount)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == flushScanCount {
			if err := p.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return p.client.Del(ctx, batch...).Err()
	}
	return nil
}

// Close releases the underlying connection pool.
func (p *RedisProvider) Close() error {
	return p.client.Close()
}

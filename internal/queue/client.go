package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/sentinelstack/sentinel-engine/internal/config"
)

// Counts holds the raw state counters for one queue.
type Counts struct {
	Waiting   int64
	Active    int64
	Completed int64
	Failed    int64
	Delayed   int64
}

// Job is the subset of job state the engine inspects.
type Job struct {
	ID           string
	Queue        string
	ProcessedOn  time.Time
	FailedReason string
}

// Client inspects and repairs Bull-style queues stored in Redis. Waiting and
// active jobs live in lists, delayed/completed/failed jobs in sorted sets
// scored by timestamp, and per-job state in a hash under <prefix>:<queue>:<id>.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// New connects a queue client using the shared Redis configuration.
func New(cfg config.RedisConfig) (*Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	prefix := cfg.QueuePrefix
	if prefix == "" {
		prefix = "bull"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})
	return &Client{rdb: rdb, prefix: prefix}, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies queue backend connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) stateKey(queueName, state string) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, queueName, state)
}

func (c *Client) jobKey(queueName, id string) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, queueName, id)
}

// GetCounts reads all state counters for one queue in a single pipeline.
func (c *Client) GetCounts(ctx context.Context, queueName string) (Counts, error) {
	pipe := c.rdb.Pipeline()
	waiting := pipe.LLen(ctx, c.stateKey(queueName, "wait"))
	active := pipe.LLen(ctx, c.stateKey(queueName, "active"))
	delayed := pipe.ZCard(ctx, c.stateKey(queueName, "delayed"))
	completed := pipe.ZCard(ctx, c.stateKey(queueName, "completed"))
	failed := pipe.ZCard(ctx, c.stateKey(queueName, "failed"))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Counts{}, fmt.Errorf("queue %s counts: %w", queueName, err)
	}

	return Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// GetActive lists jobs currently being processed, with the time each entered
// the active state so callers can detect stuck jobs.
func (c *Client) GetActive(ctx context.Context, queueName string) ([]Job, error) {
	ids, err := c.rdb.LRange(ctx, c.stateKey(queueName, "active"), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("queue %s active jobs: %w", queueName, err)
	}

	jobs := make([]Job, 0, len(ids))
	for _, id := range ids {
		fields, err := c.rdb.HGetAll(ctx, c.jobKey(queueName, id)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("queue %s job %s: %w", queueName, id, err)
		}
		job := Job{ID: id, Queue: queueName}
		if raw, ok := fields["processedOn"]; ok {
			if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
				job.ProcessedOn = time.UnixMilli(ms)
			}
		}
		job.FailedReason = fields["failedReason"]
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// GetFailedIDs lists ids of jobs in the terminal failed state, oldest first.
func (c *Client) GetFailedIDs(ctx context.Context, queueName string, limit int64) ([]string, error) {
	// ZRANGE stop is inclusive.
	stop := limit - 1
	if limit <= 0 {
		stop = -1
	}
	ids, err := c.rdb.ZRange(ctx, c.stateKey(queueName, "failed"), 0, stop).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("queue %s failed jobs: %w", queueName, err)
	}
	return ids, nil
}

// Retry moves a failed job back onto the wait list. Retrying a job that has
// already been retried is harmless: the ZRem simply removes nothing.
func (c *Client) Retry(ctx context.Context, queueName, id string) error {
	pipe := c.rdb.TxPipeline()
	pipe.ZRem(ctx, c.stateKey(queueName, "failed"), id)
	pipe.LPush(ctx, c.stateKey(queueName, "wait"), id)
	pipe.HDel(ctx, c.jobKey(queueName, id), "failedReason", "processedOn")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue %s retry job %s: %w", queueName, id, err)
	}
	return nil
}

// MoveToFailed forcibly fails an active job, recording the reason.
func (c *Client) MoveToFailed(ctx context.Context, queueName, id, reason string) error {
	now := time.Now()
	pipe := c.rdb.TxPipeline()
	pipe.LRem(ctx, c.stateKey(queueName, "active"), 0, id)
	pipe.ZAdd(ctx, c.stateKey(queueName, "failed"), &redis.Z{Score: float64(now.UnixMilli()), Member: id})
	pipe.HSet(ctx, c.jobKey(queueName, id), "failedReason", reason, "failedOn", now.UnixMilli())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue %s fail job %s: %w", queueName, id, err)
	}
	return nil
}

// CleanCompleted purges completed jobs finished before the retention cutoff
// and returns how many were removed. Running it again immediately removes
// nothing and does not error.
func (c *Client) CleanCompleted(ctx context.Context, queueName string, retention time.Duration) (int64, error) {
	cutoff := float64(time.Now().Add(-retention).UnixMilli())
	completedKey := c.stateKey(queueName, "completed")

	ids, err := c.rdb.ZRangeByScore(ctx, completedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(cutoff, 'f', -1, 64),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("queue %s clean completed: %w", queueName, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := c.rdb.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, c.jobKey(queueName, id))
	}
	pipe.ZRemRangeByScore(ctx, completedKey, "-inf", strconv.FormatFloat(cutoff, 'f', -1, 64))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue %s purge completed: %w", queueName, err)
	}
	return int64(len(ids)), nil
}

// Package store wraps the external Redis key/value store behind the narrow
// typed surface the rest of the server consumes. All atomicity is delegated
// to Redis itself; the adapter only maps commands and failures.
package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"gathering/server/internal/metrics"
)

const opTimeout = time.Second

// Error is the single failure kind surfaced by the adapter. It carries the
// failed operation and the underlying cause for logging.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	metrics.StoreErrorsTotal.Inc()
	return &Error{Op: op, Err: err}
}

// Config controls the adapter's connection pool.
type Config struct {
	URL      string
	PoolSize int
}

// Client dispatches every operation over a pool of independent Redis
// connections, selected by uniform random draw per call.
type Client struct {
	conns  []*redis.Client
	logger zerolog.Logger
}

// New builds the connection pool. PoolSize values below 1 are raised to 1.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	size := cfg.PoolSize
	if size < 1 {
		size = 1
	}

	conns := make([]*redis.Client, size)
	for i := range conns {
		conns[i] = redis.NewClient(opts)
	}

	return &Client{conns: conns, logger: logger}, nil
}

// Close releases every pooled connection.
func (c *Client) Close() error {
	var first error
	for _, conn := range c.conns {
		if err := conn.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (c *Client) pick() *redis.Client {
	if len(c.conns) == 1 {
		return c.conns[0]
	}
	return c.conns[rand.IntN(len(c.conns))]
}

func (c *Client) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, opTimeout)
}

// Incr atomically increments key and returns the new value.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	n, err := c.pick().Incr(ctx, key).Result()
	return n, wrap("incr", err)
}

// Decr atomically decrements key and returns the new value.
func (c *Client) Decr(ctx context.Context, key string) (int64, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	n, err := c.pick().Decr(ctx, key).Result()
	return n, wrap("decr", err)
}

// IncrBy atomically adds delta to key and returns the new value.
func (c *Client) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	n, err := c.pick().IncrBy(ctx, key, delta).Result()
	return n, wrap("incrby", err)
}

// GetInt reads an integer key. A missing key reports ok=false with no error;
// a non-numeric value reports ok=false and logs a warning. Callers supply
// their own zero default.
func (c *Client) GetInt(ctx context.Context, key string) (int64, bool, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	raw, err := c.pick().Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrap("get", err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		c.logger.Warn().Str("key", key).Str("value", raw).Msg("non-numeric value in integer key")
		return 0, false, nil
	}
	return n, true, nil
}

// Set stores value at key.
func (c *Client) Set(ctx context.Context, key, value string) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	return wrap("set", c.pick().Set(ctx, key, value, 0).Err())
}

// SetAdd adds member to the set at key and reports whether it was newly added.
func (c *Client) SetAdd(ctx context.Context, key, member string) (bool, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	added, err := c.pick().SAdd(ctx, key, member).Result()
	if err != nil {
		return false, wrap("sadd", err)
	}
	return added == 1, nil
}

// SetMembers returns every member of the set at key.
func (c *Client) SetMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	members, err := c.pick().SMembers(ctx, key).Result()
	return members, wrap("smembers", err)
}

// SortedAdd inserts member with score into the sorted set at key.
func (c *Client) SortedAdd(ctx context.Context, key string, score float64, member string) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	return wrap("zadd", c.pick().ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

// SortedRangeByScore returns members of the sorted set at key with scores in
// [min, max].
func (c *Client) SortedRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	members, err := c.pick().ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	return members, wrap("zrangebyscore", err)
}

// SortedRemoveByScore deletes members of the sorted set at key with scores in
// [min, max].
func (c *Client) SortedRemoveByScore(ctx context.Context, key string, min, max float64) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	return wrap("zremrangebyscore", c.pick().ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Err())
}

// Ping checks store reachability.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	return wrap("ping", c.pick().Ping(ctx).Err())
}

// Pipeline groups queued commands into a single atomic round trip.
type Pipeline interface {
	Set(key, value string)
	SortedAdd(key string, score float64, member string)
	SortedRemoveByScore(key string, min, max float64)
}

type txPipeline struct {
	ctx  context.Context
	pipe redis.Pipeliner
}

func (p *txPipeline) Set(key, value string) {
	p.pipe.Set(p.ctx, key, value, 0)
}

func (p *txPipeline) SortedAdd(key string, score float64, member string) {
	p.pipe.ZAdd(p.ctx, key, redis.Z{Score: score, Member: member})
}

func (p *txPipeline) SortedRemoveByScore(key string, min, max float64) {
	p.pipe.ZRemRangeByScore(p.ctx, key, formatScore(min), formatScore(max))
}

// Pipelined runs fn against a transactional pipeline and executes the queued
// commands as one group.
func (c *Client) Pipelined(ctx context.Context, fn func(Pipeline)) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	_, err := c.pick().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fn(&txPipeline{ctx: ctx, pipe: pipe})
		return nil
	})
	return wrap("pipeline", err)
}

// EnsureDefaults sets each key to "0" only if it is absent. The read-then-set
// is not atomic, which is acceptable because startup happens before traffic.
func (c *Client) EnsureDefaults(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		_, ok, err := c.GetInt(ctx, key)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if err := c.Set(ctx, key, "0"); err != nil {
			return err
		}
	}
	return nil
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

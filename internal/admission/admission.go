// Package admission gates new connections with a per-source rolling-window
// limit, a global per-second limit, and a hard capacity check against the
// shared live counter.
package admission

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
)

// Reason classifies a rejection.
type Reason string

const (
	ReasonSourceRateLimited Reason = "source_rate_limited"
	ReasonGlobalRateLimited Reason = "global_rate_limited"
	ReasonCapacityExceeded  Reason = "capacity_exceeded"
)

// Decision is the outcome of a Check call.
type Decision struct {
	Allowed bool
	Reason  Reason
}

var allowed = Decision{Allowed: true}

// Config holds the three limit values. All are hot-swappable.
type Config struct {
	MaxPerSourcePerMinute int   `json:"maxPerSourcePerMinute"`
	MaxGlobalPerSecond    int   `json:"maxGlobalPerSecond"`
	MaxGlobal             int64 `json:"maxGlobal"`
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		MaxPerSourcePerMinute: 60,
		MaxGlobalPerSecond:    1000,
		MaxGlobal:             10_000_000,
	}
}

// PartialConfig hot-swaps a subset of the limits; nil fields keep their
// current value.
type PartialConfig struct {
	MaxPerSourcePerMinute *int
	MaxGlobalPerSecond    *int
	MaxGlobal             *int64
}

// Stats is the snapshot served on the status endpoint.
type Stats struct {
	TotalAdmits        uint64 `json:"totalAdmits"`
	RateLimitedSources uint64 `json:"rateLimitedSources"`
	RateLimitedGlobal  uint64 `json:"rateLimitedGlobal"`
	CapacityRejected   uint64 `json:"capacityRejected"`
	TrackedSources     int    `json:"trackedSources"`
	Config             Config `json:"config"`
}

// CapacityReader reads the shared live counter for the hard capacity check.
type CapacityReader interface {
	GetInt(ctx context.Context, key string) (int64, bool, error)
}

type sourceWindow struct {
	timestamps []int64
}

const (
	sourceWindowSeconds = 60
	sweepInterval       = 30 * time.Second
)

// Controller holds the two in-memory admission tables. The tables are owned
// by the controller and only mutated under its lock; the lock is never held
// across the store capacity check.
type Controller struct {
	mu           sync.Mutex
	cfg          Config
	perSource    *ttlcache.Cache[string, *sourceWindow]
	globalSecond int64
	globalCount  int

	totalAdmits        uint64
	rateLimitedSources uint64
	rateLimitedGlobal  uint64
	capacityRejected   uint64

	store       CapacityReader
	capacityKey string
	logger      zerolog.Logger
	clock       func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewController builds an admission controller with the given limits.
// capacityKey is the shared live-counter key. clock may be nil for wall time.
func NewController(cfg Config, store CapacityReader, capacityKey string, logger zerolog.Logger, clock func() time.Time) *Controller {
	if clock == nil {
		clock = time.Now
	}
	c := &Controller{
		cfg: cfg,
		perSource: ttlcache.New[string, *sourceWindow](
			ttlcache.WithTTL[string, *sourceWindow](sourceWindowSeconds * time.Second),
		),
		store:       store,
		capacityKey: capacityKey,
		logger:      logger,
		clock:       clock,
		stop:        make(chan struct{}),
	}
	go c.perSource.Start()
	go c.sweepLoop()
	return c
}

// Stop ends the background sweeper and the table expiry loop.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.perSource.Stop()
	})
}

// Check decides whether a connection from source may be admitted. The store
// capacity check fails open: the store is not the source of truth for
// liveness, and refusing during a store outage would amplify it.
func (c *Controller) Check(ctx context.Context, source string) Decision {
	now := c.clock().Unix()

	c.mu.Lock()
	cfg := c.cfg

	if item := c.perSource.Get(source); item != nil {
		window := item.Value()
		window.timestamps = pruneBefore(window.timestamps, now-sourceWindowSeconds)
		if len(window.timestamps) >= cfg.MaxPerSourcePerMinute {
			c.rateLimitedSources++
			c.mu.Unlock()
			return Decision{Reason: ReasonSourceRateLimited}
		}
	}

	if c.globalSecond == now && c.globalCount >= cfg.MaxGlobalPerSecond {
		c.rateLimitedGlobal++
		c.mu.Unlock()
		return Decision{Reason: ReasonGlobalRateLimited}
	}
	c.mu.Unlock()

	live, _, err := c.store.GetInt(ctx, c.capacityKey)
	if err != nil {
		c.logger.Warn().Err(err).Msg("capacity check failed; admitting open")
		return allowed
	}
	if live >= cfg.MaxGlobal {
		c.mu.Lock()
		c.capacityRejected++
		c.mu.Unlock()
		return Decision{Reason: ReasonCapacityExceeded}
	}

	return allowed
}

// Record commits an admit from source into both tables. Call only after
// Check returned an allowed decision.
func (c *Controller) Record(source string) {
	now := c.clock().Unix()

	c.mu.Lock()
	defer c.mu.Unlock()

	var window *sourceWindow
	if item := c.perSource.Get(source); item != nil {
		window = item.Value()
	} else {
		window = &sourceWindow{}
	}
	window.timestamps = append(window.timestamps, now)
	c.perSource.Set(source, window, ttlcache.DefaultTTL)

	if c.globalSecond == now {
		c.globalCount++
	} else {
		c.globalSecond = now
		c.globalCount = 1
	}
	c.totalAdmits++
}

// Stats snapshots the counters and current config.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		TotalAdmits:        c.totalAdmits,
		RateLimitedSources: c.rateLimitedSources,
		RateLimitedGlobal:  c.rateLimitedGlobal,
		CapacityRejected:   c.capacityRejected,
		TrackedSources:     c.perSource.Len(),
		Config:             c.cfg,
	}
}

// Reconfigure hot-swaps the limit values named in partial.
func (c *Controller) Reconfigure(partial PartialConfig) Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	if partial.MaxPerSourcePerMinute != nil {
		c.cfg.MaxPerSourcePerMinute = *partial.MaxPerSourcePerMinute
	}
	if partial.MaxGlobalPerSecond != nil {
		c.cfg.MaxGlobalPerSecond = *partial.MaxGlobalPerSecond
	}
	if partial.MaxGlobal != nil {
		c.cfg.MaxGlobal = *partial.MaxGlobal
	}
	return c.cfg
}

func (c *Controller) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep drops stale timestamps from the per-source table, deletes entries
// that become empty, and clears the global second once it has passed.
func (c *Controller) Sweep() {
	now := c.clock().Unix()

	c.mu.Lock()
	defer c.mu.Unlock()

	var empty []string
	c.perSource.Range(func(item *ttlcache.Item[string, *sourceWindow]) bool {
		window := item.Value()
		window.timestamps = pruneBefore(window.timestamps, now-sourceWindowSeconds)
		if len(window.timestamps) == 0 {
			empty = append(empty, item.Key())
		}
		return true
	})
	for _, key := range empty {
		c.perSource.Delete(key)
	}

	if c.globalSecond != now {
		c.globalSecond = 0
		c.globalCount = 0
	}
}

// pruneBefore keeps timestamps strictly greater than cutoff.
func pruneBefore(timestamps []int64, cutoff int64) []int64 {
	kept := timestamps[:0]
	for _, ts := range timestamps {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	return kept
}

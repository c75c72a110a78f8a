package server

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"gathering/server/internal/metrics"
)

// TickStore is the store surface the time engine needs.
type TickStore interface {
	GetInt(ctx context.Context, key string) (int64, bool, error)
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
}

// TickStats is the JSON form served on the status endpoint.
type TickStats struct {
	Leader          bool   `json:"leader"`
	IntervalSeconds int64  `json:"intervalSeconds"`
	LastTickUnixMs  int64  `json:"lastTickUnixMs"`
	TickCount       uint64 `json:"tickCount"`
	SkippedTicks    uint64 `json:"skippedTicks"`
}

// TimeEngine is the periodic accumulator: every tick it adds
// live_count x elapsed_seconds to the accumulated total, evaluates
// milestones, and broadcasts a state snapshot. Exactly one node in the
// cluster runs it as leader; followers stay in standby and only fan out
// updates received over the cluster channel.
type TimeEngine struct {
	store      TickStore
	hub        *Hub
	milestones *MilestoneEngine
	telemetry  *TelemetryCounters
	logger     zerolog.Logger
	interval   time.Duration
	leader     bool

	lastTickMs   atomic.Int64
	lastRunMs    atomic.Int64
	tickCount    atomic.Uint64
	skippedTicks atomic.Uint64
}

// NewTimeEngine wires the accumulator. interval values below one second are
// raised to the default period.
func NewTimeEngine(st TickStore, hub *Hub, milestones *MilestoneEngine, telemetry *TelemetryCounters, logger zerolog.Logger, interval time.Duration, leader bool) *TimeEngine {
	if interval < time.Second {
		interval = tickInterval
	}
	if telemetry == nil {
		telemetry = NewTelemetryCounters()
	}
	return &TimeEngine{
		store:      st,
		hub:        hub,
		milestones: milestones,
		telemetry:  telemetry,
		logger:     logger,
		interval:   interval,
		leader:     leader,
	}
}

// Leader reports whether this node runs the accumulator.
func (t *TimeEngine) Leader() bool { return t.leader }

// Run drives the fixed-rate tick loop until the stop channel closes.
// Followers block until stop without ticking.
func (t *TimeEngine) Run(stop <-chan struct{}) {
	if !t.leader {
		<-stop
		return
	}

	t.lastTickMs.Store(time.Now().UnixMilli())

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			t.Tick(context.Background(), now)
		}
	}
}

// Tick runs a single accumulator pass. Exposed for deterministic tests.
func (t *TimeEngine) Tick(ctx context.Context, now time.Time) {
	started := time.Now()
	nowMs := now.UnixMilli()
	t.lastRunMs.Store(nowMs)

	last := t.lastTickMs.Load()
	if last == 0 {
		last = nowMs - t.interval.Milliseconds()
	}
	elapsed := (nowMs - last) / 1000
	if elapsed < 1 {
		// Suspension or clock skew; a live count always contributes.
		elapsed = 1
	}

	live, _, err := t.store.GetInt(ctx, KeyConcurrentConnections)
	if err != nil {
		t.skipTick()
		t.logger.Warn().Err(err).Msg("skipping tick: live count unavailable")
		return
	}

	var total int64
	if live > 0 {
		intervalSeconds := int64(t.interval / time.Second)
		delta := live * maxInt64(elapsed, intervalSeconds)
		total, err = t.store.IncrBy(ctx, KeyTotalConnectionSeconds, delta)
		if err != nil {
			// Skip; the next tick picks up the slack through its own
			// elapsed calculation. Under-count is acceptable, over-count
			// is not.
			t.skipTick()
			t.logger.Warn().Err(err).Int64("delta", delta).Msg("skipping tick: accumulate failed")
			return
		}
	} else {
		total, _, err = t.store.GetInt(ctx, KeyTotalConnectionSeconds)
		if err != nil {
			t.skipTick()
			t.logger.Warn().Err(err).Msg("skipping tick: total unavailable")
			return
		}
	}

	t.lastTickMs.Store(nowMs)
	t.tickCount.Add(1)

	snap := t.milestones.Evaluate(ctx, Snapshot{
		ConcurrentConnections:  live,
		TotalConnectionSeconds: total,
	})

	t.hub.Broadcast(ctx, mustMarshal(NewStateUpdate(snap)), false)
	t.telemetry.RecordTickDuration(time.Since(started))
}

func (t *TimeEngine) skipTick() {
	t.skippedTicks.Add(1)
	metrics.TicksSkippedTotal.Inc()
}

// Stats captures the engine's counters for the status endpoint.
func (t *TimeEngine) Stats() TickStats {
	return TickStats{
		Leader:          t.leader,
		IntervalSeconds: int64(t.interval / time.Second),
		LastTickUnixMs:  t.lastTickMs.Load(),
		TickCount:       t.tickCount.Load(),
		SkippedTicks:    t.skippedTicks.Load(),
	}
}

// Healthy reports whether the engine is responding. Followers are always
// healthy; the leader must have attempted a tick within three intervals.
func (t *TimeEngine) Healthy(now time.Time) bool {
	if !t.leader {
		return true
	}
	last := t.lastRunMs.Load()
	if last == 0 {
		// Not started yet; grant the startup grace period.
		return true
	}
	return now.UnixMilli()-last <= 3*t.interval.Milliseconds()
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

package server

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"gathering/server/internal/metrics"
)

// TelemetryCounters tracks broadcast and tick statistics with lock-free
// counters shared across every delivery goroutine.
type TelemetryCounters struct {
	bytesSent             atomic.Uint64
	messagesSent          atomic.Uint64
	lastBroadcastBytes    atomic.Uint64
	tickDurationMillis    atomic.Int64
	coalescedDrops        atomic.Uint64
	slowClientCloses      atomic.Uint64
	protocolErrors        atomic.Uint64
	counterClampsApplied  atomic.Uint64
	debug                 bool
	debugLogger           zerolog.Logger
	debugLoggerConfigured bool
}

// TelemetrySnapshot is the JSON form served on the status endpoint.
type TelemetrySnapshot struct {
	BytesSent            uint64 `json:"bytesSent"`
	MessagesSent         uint64 `json:"messagesSent"`
	TickDuration         int64  `json:"tickDurationMillis"`
	CoalescedDrops       uint64 `json:"coalescedDrops"`
	SlowClientCloses     uint64 `json:"slowClientCloses"`
	ProtocolErrors       uint64 `json:"protocolErrors"`
	CounterClampsApplied uint64 `json:"counterClampsApplied"`
}

// NewTelemetryCounters builds a zeroed counter set. DEBUG_TELEMETRY=1
// enables per-tick debug output.
func NewTelemetryCounters() *TelemetryCounters {
	t := &TelemetryCounters{}
	if os.Getenv("DEBUG_TELEMETRY") == "1" {
		t.debug = true
	}
	return t
}

// SetDebugLogger routes per-tick debug output through the given logger.
func (t *TelemetryCounters) SetDebugLogger(logger zerolog.Logger) {
	t.debugLogger = logger
	t.debugLoggerConfigured = true
}

// RecordBroadcast accounts one delivered message of the given size.
func (t *TelemetryCounters) RecordBroadcast(bytes, messages int) {
	if bytes < 0 {
		bytes = 0
	}
	if messages < 0 {
		messages = 0
	}
	t.bytesSent.Add(uint64(bytes))
	t.messagesSent.Add(uint64(messages))
	t.lastBroadcastBytes.Store(uint64(bytes))
}

// RecordTickDuration stores the latest accumulator tick duration.
func (t *TelemetryCounters) RecordTickDuration(duration time.Duration) {
	millis := duration.Milliseconds()
	if millis < 0 {
		millis = 0
	}
	t.tickDurationMillis.Store(millis)
	metrics.TickDuration.Observe(float64(millis) / 1000)
	if t.debug && t.debugLoggerConfigured {
		t.debugLogger.Debug().
			Int64("tickMillis", millis).
			Uint64("lastBytes", t.lastBroadcastBytes.Load()).
			Uint64("totalBytes", t.bytesSent.Load()).
			Uint64("totalMessages", t.messagesSent.Load()).
			Msg("tick telemetry")
	}
}

// RecordCoalescedDrop counts one state update dropped from a full buffer.
func (t *TelemetryCounters) RecordCoalescedDrop() {
	t.coalescedDrops.Add(1)
	metrics.CoalescedDropsTotal.Inc()
}

// RecordSlowClientClose counts one socket closed for critical backlog.
func (t *TelemetryCounters) RecordSlowClientClose() {
	t.slowClientCloses.Add(1)
	metrics.SlowClientClosesTotal.Inc()
}

// RecordProtocolError counts one malformed client frame.
func (t *TelemetryCounters) RecordProtocolError() {
	t.protocolErrors.Add(1)
}

// RecordCounterClamp counts one negative-counter auto-repair.
func (t *TelemetryCounters) RecordCounterClamp() {
	t.counterClampsApplied.Add(1)
}

// Snapshot captures the current counter values.
func (t *TelemetryCounters) Snapshot() TelemetrySnapshot {
	return TelemetrySnapshot{
		BytesSent:            t.bytesSent.Load(),
		MessagesSent:         t.messagesSent.Load(),
		TickDuration:         t.tickDurationMillis.Load(),
		CoalescedDrops:       t.coalescedDrops.Load(),
		SlowClientCloses:     t.slowClientCloses.Load(),
		ProtocolErrors:       t.protocolErrors.Load(),
		CounterClampsApplied: t.counterClampsApplied.Load(),
	}
}

// Package drain coordinates graceful node shutdown: refuse new admits, warn
// connected clients, wait a bounded time for them to leave, then reconcile
// any stragglers' contribution back out of the shared live counter.
package drain

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the coordinator's lifecycle phase. Transitions are one-way:
// Running -> Draining -> Completing -> Exited.
type State string

const (
	StateRunning    State = "running"
	StateDraining   State = "draining"
	StateCompleting State = "completing"
	StateExited     State = "exited"
)

// Broadcaster fans the shutdown warning out to the lobby.
type Broadcaster interface {
	Broadcast(ctx context.Context, payload []byte, critical bool)
}

// CounterStore reconciles the shared live counter during completion.
type CounterStore interface {
	Decr(ctx context.Context, key string) (int64, error)
	Set(ctx context.Context, key, value string) error
}

// Status is the JSON form served on the status endpoint.
type Status struct {
	State           State `json:"state"`
	LocalLive       int   `json:"localLive"`
	StartedAtUnixMs int64 `json:"startedAtUnixMs,omitempty"`
	Forced          bool  `json:"forced"`
}

// Config sets the drain deadlines and the client-facing warning.
type Config struct {
	ForceCompleteAfter time.Duration
	HardLimitAfter     time.Duration
	WarningMessage     string
	ReconnectDelayMs   int64
	WarningPayload     []byte
	CounterKey         string
}

// DefaultConfig returns the stock drain deadlines.
func DefaultConfig() Config {
	return Config{
		ForceCompleteAfter: 15 * time.Second,
		HardLimitAfter:     30 * time.Second,
		WarningMessage:     "the gathering is moving; reconnect shortly",
		ReconnectDelayMs:   5000,
	}
}

// Coordinator is the single node-local drain object. All state mutation is
// serialized under its lock.
type Coordinator struct {
	mu        sync.Mutex
	state     State
	startedAt time.Time
	localLive int
	forced    bool

	cfg    Config
	hub    Broadcaster
	store  CounterStore
	logger zerolog.Logger

	forceTimer *time.Timer
	hardTimer  *time.Timer
	done       chan struct{}
	doneOnce   sync.Once
}

// NewCoordinator builds a coordinator in the Running state.
func NewCoordinator(cfg Config, hub Broadcaster, store CounterStore, logger zerolog.Logger) *Coordinator {
	if cfg.ForceCompleteAfter <= 0 {
		cfg.ForceCompleteAfter = 15 * time.Second
	}
	if cfg.HardLimitAfter <= 0 {
		cfg.HardLimitAfter = 30 * time.Second
	}
	return &Coordinator{
		state:  StateRunning,
		cfg:    cfg,
		hub:    hub,
		store:  store,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Register counts one admitted local client.
func (c *Coordinator) Register() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localLive++
}

// Unregister counts one departed local client, clamping at zero. When the
// node is draining and the count reaches zero, completion begins.
func (c *Coordinator) Unregister() {
	c.mu.Lock()
	if c.localLive > 0 {
		c.localLive--
	}
	complete := c.state == StateDraining && c.localLive == 0
	c.mu.Unlock()

	if complete {
		c.complete()
	}
}

// Accepting reports whether the gateway may admit new clients.
func (c *Coordinator) Accepting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateRunning
}

// LocalLive returns the node-local live count.
func (c *Coordinator) LocalLive() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localLive
}

// BeginDrain starts the shutdown phase: no further admits, a warning to
// every connected client, and a bounded wait for them to leave. Idempotent;
// returns immediately.
func (c *Coordinator) BeginDrain(ctx context.Context) {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return
	}
	c.state = StateDraining
	c.startedAt = time.Now()
	empty := c.localLive == 0
	c.forceTimer = time.AfterFunc(c.cfg.ForceCompleteAfter, c.onForceComplete)
	c.hardTimer = time.AfterFunc(c.cfg.HardLimitAfter, c.onHardLimit)
	c.mu.Unlock()

	c.logger.Info().Msg("drain started")
	if len(c.cfg.WarningPayload) > 0 {
		c.hub.Broadcast(ctx, c.cfg.WarningPayload, true)
	}

	if empty {
		c.complete()
	}
}

// onForceComplete fires at the force-complete deadline; a node still
// draining moves straight to completion.
func (c *Coordinator) onForceComplete() {
	c.mu.Lock()
	draining := c.state == StateDraining
	c.mu.Unlock()
	if draining {
		c.logger.Info().Msg("force-complete deadline reached")
		c.complete()
	}
}

// onHardLimit fires at the outer hard limit; the process exits regardless of
// reconcile progress.
func (c *Coordinator) onHardLimit() {
	c.mu.Lock()
	if c.state == StateExited {
		c.mu.Unlock()
		return
	}
	c.state = StateExited
	c.forced = true
	c.mu.Unlock()

	c.logger.Error().Msg("drain hard limit reached; exiting")
	c.doneOnce.Do(func() { close(c.done) })
}

// complete reconciles this node's remaining contribution out of the shared
// counter, then signals process exit.
func (c *Coordinator) complete() {
	c.mu.Lock()
	if c.state == StateCompleting || c.state == StateExited {
		c.mu.Unlock()
		return
	}
	c.state = StateCompleting
	remaining := c.localLive
	if c.forceTimer != nil {
		c.forceTimer.Stop()
	}
	c.mu.Unlock()

	ctx := context.Background()
	for i := 0; i < remaining; i++ {
		post, err := c.store.Decr(ctx, c.cfg.CounterKey)
		if err != nil {
			// Best effort; a crash-style over-count is accepted.
			c.logger.Warn().Err(err).Int("remaining", remaining-i).Msg("reconcile decrement failed")
			break
		}
		if post < 0 {
			if err := c.store.Set(ctx, c.cfg.CounterKey, "0"); err != nil {
				c.logger.Warn().Err(err).Msg("failed to clamp live counter")
			}
			c.logger.Warn().Int64("observed", post).Msg("live counter went negative during reconcile; clamped")
			break
		}
	}

	c.mu.Lock()
	if c.state == StateCompleting {
		c.state = StateExited
	}
	if c.hardTimer != nil {
		c.hardTimer.Stop()
	}
	c.mu.Unlock()

	c.logger.Info().Int("reconciled", remaining).Msg("drain complete")
	c.doneOnce.Do(func() { close(c.done) })
}

// Done is closed once the coordinator has finished, cleanly or forced.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Forced reports whether the hard limit fired before completion.
func (c *Coordinator) Forced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.forced
}

// Snapshot captures the coordinator state for the status endpoint.
func (c *Coordinator) Snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{State: c.state, LocalLive: c.localLive, Forced: c.forced}
	if !c.startedAt.IsZero() {
		st.StartedAtUnixMs = c.startedAt.UnixMilli()
	}
	return st
}

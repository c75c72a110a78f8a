package drain

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBroadcaster struct {
	mu       sync.Mutex
	payloads [][]byte
	critical []bool
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, payload []byte, critical bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.payloads = append(b.payloads, payload)
	b.critical = append(b.critical, critical)
}

func (b *recordingBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.payloads)
}

type countingStore struct {
	mu      sync.Mutex
	value   int64
	decrs   int
	setKeys []string
}

func (s *countingStore) Decr(context.Context, string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decrs++
	s.value--
	return s.value, nil
}

func (s *countingStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setKeys = append(s.setKeys, key+"="+value)
	return nil
}

func (s *countingStore) decrCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decrs
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CounterKey = "global:concurrent_connections"
	cfg.WarningPayload = []byte(`{"type":"shutdown_warning"}`)
	return cfg
}

func TestRegisterUnregisterClampsAtZero(t *testing.T) {
	c := NewCoordinator(testConfig(), &recordingBroadcaster{}, &countingStore{}, zerolog.Nop())

	c.Register()
	c.Register()
	c.Unregister()
	c.Unregister()
	c.Unregister()

	assert.Equal(t, 0, c.LocalLive())
	assert.Equal(t, StateRunning, c.Snapshot().State)
}

func TestBeginDrainRefusesAdmitsAndWarns(t *testing.T) {
	hub := &recordingBroadcaster{}
	c := NewCoordinator(testConfig(), hub, &countingStore{value: 10}, zerolog.Nop())
	for i := 0; i < 10; i++ {
		c.Register()
	}

	require.True(t, c.Accepting())
	c.BeginDrain(context.Background())

	assert.False(t, c.Accepting())
	require.Equal(t, 1, hub.count())
	assert.True(t, hub.critical[0], "shutdown warning must not be coalesced away")
	assert.Equal(t, StateDraining, c.Snapshot().State)
}

func TestBeginDrainIsIdempotent(t *testing.T) {
	hub := &recordingBroadcaster{}
	c := NewCoordinator(testConfig(), hub, &countingStore{}, zerolog.Nop())
	c.Register()

	c.BeginDrain(context.Background())
	c.BeginDrain(context.Background())

	assert.Equal(t, 1, hub.count(), "warning broadcast exactly once")
}

func TestDrainCompletesWhenLastClientLeaves(t *testing.T) {
	st := &countingStore{value: 2}
	c := NewCoordinator(testConfig(), &recordingBroadcaster{}, st, zerolog.Nop())
	c.Register()
	c.Register()

	c.BeginDrain(context.Background())
	c.Unregister()
	c.Unregister()

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("drain did not complete after last client left")
	}

	assert.Equal(t, 0, st.decrCount(), "clients that exited need no reconcile")
	assert.False(t, c.Forced())
	assert.Equal(t, StateExited, c.Snapshot().State)
}

func TestForceCompleteReconcilesStragglers(t *testing.T) {
	cfg := testConfig()
	cfg.ForceCompleteAfter = 30 * time.Millisecond
	cfg.HardLimitAfter = 5 * time.Second
	st := &countingStore{value: 3}
	c := NewCoordinator(cfg, &recordingBroadcaster{}, st, zerolog.Nop())
	for i := 0; i < 3; i++ {
		c.Register()
	}

	c.BeginDrain(context.Background())

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("force-complete deadline did not fire")
	}

	assert.Equal(t, 3, st.decrCount(), "each straggler's contribution reconciled")
	assert.False(t, c.Forced())
	assert.Equal(t, StateExited, c.Snapshot().State)
}

func TestReconcileClampsNegativeCounter(t *testing.T) {
	cfg := testConfig()
	cfg.ForceCompleteAfter = 20 * time.Millisecond
	// One straggler registered locally but the shared counter is already 0.
	st := &countingStore{value: 0}
	c := NewCoordinator(cfg, &recordingBroadcaster{}, st, zerolog.Nop())
	c.Register()

	c.BeginDrain(context.Background())
	<-c.Done()

	st.mu.Lock()
	defer st.mu.Unlock()
	require.Len(t, st.setKeys, 1)
	assert.Equal(t, "global:concurrent_connections=0", st.setKeys[0])
}

func TestHardLimitForcesExit(t *testing.T) {
	cfg := testConfig()
	cfg.ForceCompleteAfter = time.Hour // never fires in this test
	cfg.HardLimitAfter = 30 * time.Millisecond
	c := NewCoordinator(cfg, &recordingBroadcaster{}, &countingStore{}, zerolog.Nop())
	c.Register()

	c.BeginDrain(context.Background())

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("hard limit did not fire")
	}

	assert.True(t, c.Forced())
	assert.Equal(t, StateExited, c.Snapshot().State)
}

func TestDrainWithNoClientsCompletesImmediately(t *testing.T) {
	c := NewCoordinator(testConfig(), &recordingBroadcaster{}, &countingStore{}, zerolog.Nop())

	c.BeginDrain(context.Background())

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("empty node should complete immediately")
	}
	assert.False(t, c.Forced())
}

package ws

import (
	"context"
	"encoding/json"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	server "gathering/server"
	"gathering/server/internal/admission"
	"gathering/server/internal/drain"
	"gathering/server/internal/store"
)

// fakeStore implements the full store surface in memory.
type fakeStore struct {
	mu     sync.Mutex
	ints   map[string]int64
	sets   map[string]map[string]bool
	sorted map[string]map[string]float64

	incrErr error
	pingErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		ints:   make(map[string]int64),
		sets:   make(map[string]map[string]bool),
		sorted: make(map[string]map[string]float64),
	}
}

func (f *fakeStore) Incr(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.incrErr != nil {
		return 0, f.incrErr
	}
	f.ints[key]++
	return f.ints[key], nil
}

func (f *fakeStore) Decr(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ints[key]--
	return f.ints[key], nil
}

func (f *fakeStore) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ints[key] += delta
	return f.ints[key], nil
}

func (f *fakeStore) GetInt(_ context.Context, key string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.ints[key]
	return v, ok, nil
}

func (f *fakeStore) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if value == "0" {
		f.ints[key] = 0
	}
	return nil
}

func (f *fakeStore) SetAdd(_ context.Context, key, member string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sets[key] == nil {
		f.sets[key] = make(map[string]bool)
	}
	if f.sets[key][member] {
		return false, nil
	}
	f.sets[key][member] = true
	return true, nil
}

func (f *fakeStore) SetMembers(_ context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	members := make([]string, 0, len(f.sets[key]))
	for member := range f.sets[key] {
		members = append(members, member)
	}
	return members, nil
}

func (f *fakeStore) SortedAdd(_ context.Context, key string, score float64, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sorted[key] == nil {
		f.sorted[key] = make(map[string]float64)
	}
	f.sorted[key][member] = score
	return nil
}

func (f *fakeStore) SortedRangeByScore(_ context.Context, key string, min, max float64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var members []string
	for member, score := range f.sorted[key] {
		if score >= min && score <= max {
			members = append(members, member)
		}
	}
	return members, nil
}

func (f *fakeStore) SortedRemoveByScore(_ context.Context, key string, min, max float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for member, score := range f.sorted[key] {
		if score >= min && score <= max {
			delete(f.sorted[key], member)
		}
	}
	return nil
}

func (f *fakeStore) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

type fakePipe struct{ f *fakeStore }

func (p *fakePipe) Set(key, value string) {
	n := int64(0)
	for _, ch := range []byte(value) {
		if ch < '0' || ch > '9' {
			return
		}
		n = n*10 + int64(ch-'0')
	}
	p.f.ints[key] = n
}

func (p *fakePipe) SortedAdd(key string, score float64, member string) {
	if p.f.sorted[key] == nil {
		p.f.sorted[key] = make(map[string]float64)
	}
	p.f.sorted[key][member] = score
}

func (p *fakePipe) SortedRemoveByScore(key string, min, max float64) {
	for member, score := range p.f.sorted[key] {
		if score >= min && score <= max {
			delete(p.f.sorted[key], member)
		}
	}
}

func (f *fakeStore) Pipelined(_ context.Context, fn func(store.Pipeline)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&fakePipe{f: f})
	return nil
}

func (f *fakeStore) intValue(key string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ints[key]
}

type gatewayFixture struct {
	srv       *httptest.Server
	store     *fakeStore
	hub       *server.Hub
	admission *admission.Controller
	drain     *drain.Coordinator
	telemetry *server.TelemetryCounters
}

func newGatewayFixture(t *testing.T, admissionCfg admission.Config) *gatewayFixture {
	t.Helper()

	st := newFakeStore()
	telemetry := server.NewTelemetryCounters()
	hub := server.NewHub("node-test", nil, telemetry, zerolog.Nop())
	adm := admission.NewController(admissionCfg, st, server.KeyConcurrentConnections, zerolog.Nop(), nil)
	t.Cleanup(adm.Stop)

	drainCfg := drain.DefaultConfig()
	drainCfg.CounterKey = server.KeyConcurrentConnections
	drainCfg.WarningPayload = []byte(`{"type":"shutdown_warning"}`)
	coord := drain.NewCoordinator(drainCfg, hub, st, zerolog.Nop())

	milestones := server.NewMilestoneEngine(st, hub, zerolog.Nop(), nil)

	handler := NewHandler(HandlerConfig{
		Hub:        hub,
		Admission:  adm,
		Drain:      coord,
		Store:      st,
		Milestones: milestones,
		Telemetry:  telemetry,
		Logger:     zerolog.Nop(),
	})

	srv := httptest.NewServer(nethttp.HandlerFunc(handler.Handle))
	t.Cleanup(srv.Close)

	return &gatewayFixture{srv: srv, store: st, hub: hub, admission: adm, drain: coord, telemetry: telemetry}
}

func (fx *gatewayFixture) wsURL() string {
	return "ws" + strings.TrimPrefix(fx.srv.URL, "http")
}

func (fx *gatewayFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(fx.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readTyped reads frames until it sees one of the given type.
func readTyped(t *testing.T, conn *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, payload, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", wantType)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(payload, &msg))
		if msg["type"] == wantType {
			return msg
		}
	}
}

func TestFirstAdmitReceivesWelcomeAndFirstAwakening(t *testing.T) {
	fx := newGatewayFixture(t, admission.DefaultConfig())
	conn := fx.dial(t)

	event := readTyped(t, conn, "evolution_event")
	milestone := event["milestone"].(map[string]any)
	assert.Equal(t, "first_awakening", milestone["id"])

	welcome := readTyped(t, conn, "welcome")
	assert.EqualValues(t, 1, welcome["concurrent_connections"])
	assert.EqualValues(t, 1, welcome["peak_connections"])

	unlocked := welcome["unlocked_milestones"].([]any)
	require.NotEmpty(t, unlocked)
	first := unlocked[0].(map[string]any)
	assert.Equal(t, "first_awakening", first["id"])

	assert.Equal(t, int64(1), fx.store.intValue(server.KeyConcurrentConnections))
	assert.Equal(t, int64(1), fx.store.intValue(server.KeyPeakConnections))
}

func TestDisconnectDecrementsExactlyOnce(t *testing.T) {
	fx := newGatewayFixture(t, admission.DefaultConfig())
	conn := fx.dial(t)
	readTyped(t, conn, "welcome")
	require.Equal(t, int64(1), fx.store.intValue(server.KeyConcurrentConnections))

	conn.Close()

	require.Eventually(t, func() bool {
		return fx.store.intValue(server.KeyConcurrentConnections) == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return fx.drain.LocalLive() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, fx.hub.Count())
	assert.Equal(t, uint64(0), fx.telemetry.Snapshot().CounterClampsApplied,
		"a second decrement would have driven the counter negative and clamped")
}

func TestPerSourceLimitRefusesFourthAdmit(t *testing.T) {
	cfg := admission.DefaultConfig()
	cfg.MaxPerSourcePerMinute = 3
	fx := newGatewayFixture(t, cfg)

	for i := 0; i < 3; i++ {
		conn := fx.dial(t)
		readTyped(t, conn, "welcome")
	}

	_, resp, err := websocket.DefaultDialer.Dial(fx.wsURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, nethttp.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, uint64(1), fx.admission.Stats().RateLimitedSources)
}

func TestDrainingNodeRefusesAdmits(t *testing.T) {
	fx := newGatewayFixture(t, admission.DefaultConfig())
	fx.drain.BeginDrain(context.Background())

	_, resp, err := websocket.DefaultDialer.Dial(fx.wsURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, nethttp.StatusServiceUnavailable, resp.StatusCode)
}

func TestIncrFailureTearsDownUpgrade(t *testing.T) {
	fx := newGatewayFixture(t, admission.DefaultConfig())
	fx.store.mu.Lock()
	fx.store.incrErr = &store.Error{Op: "incr", Err: context.DeadlineExceeded}
	fx.store.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(fx.wsURL(), nil)
	require.NoError(t, err, "upgrade completes before the counter commit")
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err, "server must close the refused socket")

	assert.Equal(t, int64(0), fx.store.intValue(server.KeyConcurrentConnections))
	require.Eventually(t, func() bool {
		return fx.drain.LocalLive() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHeartbeatGetsAcked(t *testing.T) {
	fx := newGatewayFixture(t, admission.DefaultConfig())
	conn := fx.dial(t)
	readTyped(t, conn, "welcome")

	sentAt := time.Now().UnixMilli()
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "heartbeat", "sentAt": sentAt}))

	ack := readTyped(t, conn, "heartbeat")
	assert.EqualValues(t, sentAt, ack["clientTime"])
}

func TestMalformedFrameClosesSocket(t *testing.T) {
	fx := newGatewayFixture(t, admission.DefaultConfig())
	conn := fx.dial(t)
	readTyped(t, conn, "welcome")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	require.Eventually(t, func() bool {
		return fx.telemetry.Snapshot().ProtocolErrors == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return fx.store.intValue(server.KeyConcurrentConnections) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNonHeartbeatFramesAreDiscarded(t *testing.T) {
	fx := newGatewayFixture(t, admission.DefaultConfig())
	conn := fx.dial(t)
	readTyped(t, conn, "welcome")

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "chat", "text": "hello"}))
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "heartbeat", "sentAt": time.Now().UnixMilli()}))

	ack := readTyped(t, conn, "heartbeat")
	assert.NotNil(t, ack)
	assert.Equal(t, int64(1), fx.store.intValue(server.KeyConcurrentConnections))
}

func TestSourceExtractors(t *testing.T) {
	r := httptest.NewRequest(nethttp.MethodGet, "/ws", nil)
	r.RemoteAddr = "203.0.113.9:54021"
	assert.Equal(t, "203.0.113.9", PeerAddressExtractor(r))
	assert.Equal(t, "203.0.113.9", ForwardedForExtractor(r))

	r.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	assert.Equal(t, "198.51.100.7", ForwardedForExtractor(r))

	r6 := httptest.NewRequest(nethttp.MethodGet, "/ws", nil)
	r6.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", PeerAddressExtractor(r6))
}

// Package ws is the connection gateway: the admission and upgrade path for
// every new socket, the heartbeat-only read loop, and exactly-once teardown.
package ws

import (
	"context"
	"encoding/json"
	nethttp "net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	server "gathering/server"
	"gathering/server/internal/admission"
	"gathering/server/internal/drain"
	"gathering/server/internal/metrics"
)

// HandlerConfig wires the gateway's collaborators.
type HandlerConfig struct {
	Hub        *server.Hub
	Admission  *admission.Controller
	Drain      *drain.Coordinator
	Store      server.StateStore
	Milestones *server.MilestoneEngine
	Telemetry  *server.TelemetryCounters
	Logger     zerolog.Logger
	// ExtractSource derives the admission source id from the request.
	// Defaults to the peer address; deployments behind a balancer that
	// forwards the original address should install ForwardedForExtractor.
	ExtractSource SourceExtractor
}

// Handler upgrades sockets into lobby subscribers.
type Handler struct {
	hub        *server.Hub
	admission  *admission.Controller
	drain      *drain.Coordinator
	store      server.StateStore
	milestones *server.MilestoneEngine
	telemetry  *server.TelemetryCounters
	logger     zerolog.Logger
	extract    SourceExtractor
	upgrader   websocket.Upgrader
}

// NewHandler builds the gateway.
func NewHandler(cfg HandlerConfig) *Handler {
	extract := cfg.ExtractSource
	if extract == nil {
		extract = PeerAddressExtractor
	}
	telemetry := cfg.Telemetry
	if telemetry == nil {
		telemetry = server.NewTelemetryCounters()
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *nethttp.Request) bool {
			return true
		},
	}

	return &Handler{
		hub:        cfg.Hub,
		admission:  cfg.Admission,
		drain:      cfg.Drain,
		store:      cfg.Store,
		milestones: cfg.Milestones,
		telemetry:  telemetry,
		logger:     cfg.Logger,
		extract:    extract,
		upgrader:   upgrader,
	}
}

// Handle runs the full admission/upgrade path for one socket.
func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	ctx := r.Context()
	source := h.extract(r)

	decision := h.admission.Check(ctx, source)
	if !decision.Allowed {
		metrics.RejectionsTotal.WithLabelValues(string(decision.Reason)).Inc()
		h.logger.Debug().Str("source", source).Str("reason", string(decision.Reason)).Msg("admission refused")
		switch decision.Reason {
		case admission.ReasonCapacityExceeded:
			nethttp.Error(w, "at capacity", nethttp.StatusServiceUnavailable)
		default:
			nethttp.Error(w, "rate limited", nethttp.StatusTooManyRequests)
		}
		return
	}

	if !h.drain.Accepting() {
		metrics.RejectionsTotal.WithLabelValues("draining").Inc()
		nethttp.Error(w, "draining", nethttp.StatusServiceUnavailable)
		return
	}

	h.admission.Record(source)
	h.drain.Register()
	metrics.AdmitsTotal.Inc()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("source", source).Msg("upgrade failed")
		h.drain.Unregister()
		return
	}

	handle := uuid.NewString()
	sub := server.NewSubscriber(handle, conn)
	go sub.Run()

	// Commit the shared counter. State integrity takes priority over
	// accepting a client: a failed increment tears the upgrade down.
	newCount, err := h.store.Incr(context.Background(), server.KeyConcurrentConnections)
	if err != nil {
		h.logger.Warn().Err(err).Str("handle", handle).Msg("refusing client: live counter increment failed")
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "state unavailable"))
		sub.Close()
		h.drain.Unregister()
		return
	}
	metrics.LiveConnections.Set(float64(newCount))
	metrics.NodeLocalConnections.Inc()

	h.hub.Join(sub)
	h.logger.Debug().Str("handle", handle).Str("source", source).Int64("live", newCount).Msg("client joined")

	teardown := h.teardownOnce(handle, sub)
	defer teardown()

	go h.postJoin(handle, sub, newCount)

	h.readLoop(conn, sub)
}

// postJoin runs after the upgrade handshake returns: milestone evaluation
// for the admit, a welcome to this client only, and a state update to
// everyone else.
func (h *Handler) postJoin(handle string, sub *server.Subscriber, newCount int64) {
	ctx := context.Background()

	total, _, err := h.store.GetInt(ctx, server.KeyTotalConnectionSeconds)
	if err != nil {
		h.logger.Warn().Err(err).Msg("post-join total read failed")
	}

	snap := h.milestones.Evaluate(ctx, server.Snapshot{
		ConcurrentConnections:  newCount,
		TotalConnectionSeconds: total,
	})

	var unlocked []server.Milestone
	if ids, err := h.store.SetMembers(ctx, server.KeyUnlockedMilestones); err == nil {
		unlocked = server.UnlockedRecords(ids)
	} else {
		h.logger.Warn().Err(err).Msg("post-join unlocked read failed")
	}

	welcome := server.NewWelcome(snap, unlocked)
	data, err := json.Marshal(welcome)
	if err != nil {
		h.logger.Error().Err(err).Str("handle", handle).Msg("failed to marshal welcome")
		return
	}
	if _, err := sub.Send(data, true); err != nil {
		h.logger.Debug().Err(err).Str("handle", handle).Msg("welcome not delivered")
		return
	}

	update, err := json.Marshal(server.NewStateUpdate(snap))
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal state update")
		return
	}
	h.hub.BroadcastFrom(ctx, handle, update, false)
	metrics.BroadcastsTotal.Inc()
}

// readLoop discards everything a client sends except heartbeats. Only a
// heartbeat extends the read deadline, so a client that sends none within
// DisconnectAfter is terminated.
func (h *Handler) readLoop(conn *websocket.Conn, sub *server.Subscriber) {
	conn.SetReadLimit(1024)
	conn.SetReadDeadline(time.Now().Add(server.DisconnectAfter()))

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg server.ClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			// Malformed frame: close the socket and count it.
			h.telemetry.RecordProtocolError()
			h.logger.Debug().Err(err).Str("handle", sub.Handle()).Msg("closing client: malformed frame")
			return
		}

		if msg.Type == "heartbeat" {
			conn.SetReadDeadline(time.Now().Add(server.DisconnectAfter()))
			h.heartbeatAck(sub, msg.SentAt)
		}
		// Clients are silent witnesses; every other frame is discarded.
	}
}

func (h *Handler) heartbeatAck(sub *server.Subscriber, sentAt int64) {
	ack := server.NewHeartbeatAck(time.Now(), sentAt)
	data, err := json.Marshal(ack)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal heartbeat ack")
		return
	}
	sub.Send(data, false)
}

// teardownOnce builds the single teardown path. However many error paths
// reach it, the shared counter is decremented exactly once per committed
// increment.
func (h *Handler) teardownOnce(handle string, sub *server.Subscriber) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx := context.Background()

			h.hub.Leave(handle)
			sub.Close()

			post, err := h.store.Decr(ctx, server.KeyConcurrentConnections)
			switch {
			case err != nil:
				h.logger.Warn().Err(err).Str("handle", handle).Msg("live counter decrement failed")
			case post < 0:
				// Negative counter is an invariant breach; repair it.
				h.telemetry.RecordCounterClamp()
				h.logger.Warn().Int64("observed", post).Msg("live counter went negative; clamped")
				if err := h.store.Set(ctx, server.KeyConcurrentConnections, "0"); err != nil {
					h.logger.Warn().Err(err).Msg("failed to clamp live counter")
				}
				post = 0
				metrics.LiveConnections.Set(0)
			default:
				metrics.LiveConnections.Set(float64(post))
			}
			metrics.NodeLocalConnections.Dec()

			h.drain.Unregister()
			h.logger.Debug().Str("handle", handle).Msg("client left")

			snap := server.Snapshot{}
			if post > 0 && err == nil {
				snap.ConcurrentConnections = post
			}
			if total, _, terr := h.store.GetInt(ctx, server.KeyTotalConnectionSeconds); terr == nil {
				snap.TotalConnectionSeconds = total
			}
			if peak, _, perr := h.store.GetInt(ctx, server.KeyPeakConnections); perr == nil {
				snap.PeakConnections = peak
			}
			update, merr := json.Marshal(server.NewStateUpdate(snap))
			if merr != nil {
				return
			}
			h.hub.Broadcast(ctx, update, false)
			metrics.BroadcastsTotal.Inc()
		})
	}
}

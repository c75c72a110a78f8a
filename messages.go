package server

import (
	"encoding/json"
	"time"
)

// WelcomeMessage is sent once to a client after its upgrade completes. It
// carries the full current snapshot including the unlocked milestone list.
type WelcomeMessage struct {
	Ver                    int         `json:"ver"`
	Type                   string      `json:"type"`
	ConcurrentConnections  int64       `json:"concurrent_connections"`
	TotalConnectionSeconds int64       `json:"total_connection_seconds"`
	PeakConnections        int64       `json:"peak_connections"`
	UnlockedMilestones     []Milestone `json:"unlocked_milestones"`
}

// StateUpdateMessage fans out on every tick, admit, and leave. Clients must
// tolerate non-monotonic values between adjacent updates.
type StateUpdateMessage struct {
	Ver                    int    `json:"ver"`
	Type                   string `json:"type"`
	ConcurrentConnections  int64  `json:"concurrent_connections"`
	TotalConnectionSeconds int64  `json:"total_connection_seconds"`
	PeakConnections        int64  `json:"peak_connections"`
}

// EvolutionEventMessage announces a newly unlocked milestone. Delivery is
// critical: a full client buffer closes the socket rather than dropping it.
type EvolutionEventMessage struct {
	Ver       int       `json:"ver"`
	Type      string    `json:"type"`
	Milestone Milestone `json:"milestone"`
}

// ShutdownWarningMessage is broadcast when a node begins draining.
type ShutdownWarningMessage struct {
	Ver            int    `json:"ver"`
	Type           string `json:"type"`
	Message        string `json:"message"`
	ReconnectDelay int64  `json:"reconnect_delay"`
}

// HeartbeatAckMessage answers a client heartbeat with server time and the
// measured round trip.
type HeartbeatAckMessage struct {
	Ver        int    `json:"ver"`
	Type       string `json:"type"`
	ServerTime int64  `json:"serverTime"`
	ClientTime int64  `json:"clientTime"`
	RTTMillis  int64  `json:"rtt"`
}

// ClientMessage is the only inbound frame shape the server interprets.
// Everything except heartbeats is discarded.
type ClientMessage struct {
	Ver    int    `json:"ver,omitempty"`
	Type   string `json:"type"`
	SentAt int64  `json:"sentAt"`
}

// NewWelcome builds the welcome payload for one client.
func NewWelcome(snap Snapshot, unlocked []Milestone) WelcomeMessage {
	if unlocked == nil {
		unlocked = []Milestone{}
	}
	return WelcomeMessage{
		Ver:                    ProtocolVersion,
		Type:                   "welcome",
		ConcurrentConnections:  snap.ConcurrentConnections,
		TotalConnectionSeconds: snap.TotalConnectionSeconds,
		PeakConnections:        snap.PeakConnections,
		UnlockedMilestones:     unlocked,
	}
}

// NewStateUpdate builds the broadcast payload for a state change.
func NewStateUpdate(snap Snapshot) StateUpdateMessage {
	return StateUpdateMessage{
		Ver:                    ProtocolVersion,
		Type:                   "state_update",
		ConcurrentConnections:  snap.ConcurrentConnections,
		TotalConnectionSeconds: snap.TotalConnectionSeconds,
		PeakConnections:        snap.PeakConnections,
	}
}

// NewEvolutionEvent builds the broadcast payload for a milestone unlock.
func NewEvolutionEvent(m Milestone) EvolutionEventMessage {
	return EvolutionEventMessage{Ver: ProtocolVersion, Type: "evolution_event", Milestone: m}
}

// NewHeartbeatAck builds the reply to a client heartbeat. sentAt is the
// client-reported send time in unix milliseconds; implausible values yield a
// zero RTT.
func NewHeartbeatAck(now time.Time, sentAt int64) HeartbeatAckMessage {
	var rtt int64
	if sentAt > 0 {
		clientTime := time.UnixMilli(sentAt)
		if clientTime.Before(now.Add(5 * time.Second)) {
			rtt = now.Sub(clientTime).Milliseconds()
			if rtt < 0 {
				rtt = 0
			}
		}
	}
	return HeartbeatAckMessage{
		Ver:        ProtocolVersion,
		Type:       "heartbeat",
		ServerTime: now.UnixMilli(),
		ClientTime: sentAt,
		RTTMillis:  rtt,
	}
}

// NewShutdownWarning builds the drain broadcast payload. reconnectDelay is a
// milliseconds hint for clients.
func NewShutdownWarning(message string, reconnectDelay int64) ShutdownWarningMessage {
	return ShutdownWarningMessage{
		Ver:            ProtocolVersion,
		Type:           "shutdown_warning",
		Message:        message,
		ReconnectDelay: reconnectDelay,
	}
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Message types are plain structs; marshal cannot fail at runtime.
		panic(err)
	}
	return data
}

package server

import "time"

const (
	writeWait         = 10 * time.Second
	tickInterval      = 5 * time.Second
	heartbeatInterval = 2 * time.Second
	disconnectAfter   = 3 * heartbeatInterval

	// sendBufferSize bounds the per-client outbound queue. A full buffer
	// coalesces state updates and closes the socket on critical events.
	sendBufferSize = 32
)

// ProtocolVersion is stamped on every message sent to clients.
const ProtocolVersion = 1

// TickInterval reports the accumulator period.
func TickInterval() time.Duration { return tickInterval }

// HeartbeatInterval reports the expected client heartbeat cadence.
func HeartbeatInterval() time.Duration { return heartbeatInterval }

// DisconnectAfter reports how long a client survives without sending a
// heartbeat before the read deadline terminates it.
func DisconnectAfter() time.Duration { return disconnectAfter }

// Package transport defines the socket transport interface between clients
// and the room coordinator. Implementations deliver inbound events to a
// registered handler and expose per-socket emit; see transport/ws for the
// websocket implementation.
package transport

import "encoding/json"

// Socket is one live client connection.
type Socket interface {
	// ID returns the transport-assigned socket identifier.
	ID() string
	// Token returns the bearer credential carried on the handshake, or ""
	// if the client connected anonymously.
	Token() string
	// Emit sends one event frame to this socket. Implementations must not
	// block the caller on a slow receiver: a socket that cannot keep up is
	// closed rather than stalling the event path.
	Emit(event string, data any) error
	// Close tears down the connection.
	Close() error
}

// EventHandler receives one inbound event. Handlers for the same socket are
// invoked sequentially in arrival order; handlers for distinct sockets may
// run concurrently.
type EventHandler func(s Socket, event string, data json.RawMessage)

// DisconnectHandler is invoked exactly once when a socket's connection ends,
// whether by leave, error, or abrupt drop.
type DisconnectHandler func(s Socket)

// Transport accepts client connections and dispatches their events.
type Transport interface {
	// SetEventHandler registers the inbound event callback. Must be called
	// before the transport accepts connections.
	SetEventHandler(fn EventHandler)
	// SetDisconnectHandler registers the disconnect callback.
	SetDisconnectHandler(fn DisconnectHandler)
}

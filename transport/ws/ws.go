// Package ws provides the websocket implementation of the socket transport.
//
// Each connection gets a read pump and a write pump. The read pump delivers
// inbound frames to the registered event handler one at a time, giving the
// coordinator its per-socket ordering guarantee; distinct connections run
// their handlers concurrently. The write pump serializes outbound frames
// through a buffered channel so Emit never blocks an event handler: a
// receiver that falls too far behind is disconnected instead.
package ws

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/telavida/medichat-go/transport"
)

// Compile-time interface checks.
var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Socket    = (*socket)(nil)
)

const (
	// writeWait is the deadline for a single outbound write.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may stay silent before it is
	// considered dead; pings go out every pingPeriod.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// maxFrameSize bounds one inbound frame. Audio uploads are chunked
	// client-side, so 1 MiB leaves generous headroom.
	maxFrameSize = 1 << 20
	// sendBuffer is the per-socket outbound queue length.
	sendBuffer = 64
)

// Config holds the configuration for a websocket transport.
type Config struct {
	// AllowedOrigin restricts the handshake Origin header. Empty allows any
	// origin (development).
	AllowedOrigin string
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Transport implements transport.Transport over websockets. It is an
// http.Handler; mount it on the upgrade route.
type Transport struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu         sync.RWMutex
	handler    transport.EventHandler
	disconnect transport.DisconnectHandler
}

// New creates a websocket transport with the given configuration.
func New(cfg Config) *Transport {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	t := &Transport{
		cfg: cfg,
		log: cfg.Logger.WithGroup("ws"),
	}
	t.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if cfg.AllowedOrigin == "" {
				return true
			}
			return r.Header.Get("Origin") == cfg.AllowedOrigin
		},
	}
	return t
}

// SetEventHandler registers the inbound event callback.
func (t *Transport) SetEventHandler(fn transport.EventHandler) {
	t.mu.Lock()
	t.handler = fn
	t.mu.Unlock()
}

// SetDisconnectHandler registers the disconnect callback.
func (t *Transport) SetDisconnectHandler(fn transport.DisconnectHandler) {
	t.mu.Lock()
	t.disconnect = fn
	t.mu.Unlock()
}

// ServeHTTP upgrades the request and runs the connection's pumps.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s := &socket{
		id:    uuid.NewString(),
		token: bearerFrom(r),
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
		done:  make(chan struct{}),
	}
	t.log.Debug("socket connected", "socket", s.id, "remote", r.RemoteAddr)

	go t.writePump(s)
	t.readPump(s)
}

// readPump delivers inbound frames to the event handler until the
// connection drops, then fires the disconnect handler exactly once.
func (t *Transport) readPump(s *socket) {
	defer func() {
		s.Close()
		t.mu.RLock()
		disconnect := t.disconnect
		t.mu.RUnlock()
		if disconnect != nil {
			disconnect(s)
		}
		t.log.Debug("socket disconnected", "socket", s.id)
	}()

	s.conn.SetReadLimit(maxFrameSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.log.Debug("read failed", "socket", s.id, "error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(frame, &env); err != nil || env.Event == "" {
			t.log.Debug("dropping malformed frame", "socket", s.id)
			continue
		}

		t.mu.RLock()
		handler := t.handler
		t.mu.RUnlock()
		if handler != nil {
			handler(s, env.Event, env.Data)
		}
	}
}

// writePump flushes the socket's send queue and keeps the connection alive
// with pings.
func (t *Transport) writePump(s *socket) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// Envelope mirrors wire.Envelope without importing core packages, keeping
// the transport free of chat semantics.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// socket is one live websocket connection.
type socket struct {
	id    string
	token string
	conn  *websocket.Conn
	send  chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (s *socket) ID() string    { return s.id }
func (s *socket) Token() string { return s.token }

// Emit queues one event frame. Never blocks: if the receiver's queue is
// full the connection is closed instead.
func (s *socket) Emit(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", event, err)
	}

	select {
	case <-s.done:
		return fmt.Errorf("socket %s is closed", s.id)
	case s.send <- frame:
		return nil
	default:
		s.Close()
		return fmt.Errorf("socket %s send queue overflow", s.id)
	}
}

// Close tears down the connection. Safe to call multiple times.
func (s *socket) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
	return nil
}

// bearerFrom extracts the handshake credential from the Authorization
// header, falling back to the token query parameter (browser websocket
// clients cannot set headers).
func bearerFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/streamgate/internal/domain"
	"github.com/pscheid92/streamgate/internal/logging"
	"github.com/pscheid92/streamgate/internal/metrics"
)

const livenessInterval = 60 * time.Second

// Connection is one attached WebSocket client. Principal is nil for
// anonymous connections, which receive broadcasts but no targeted events.
type Connection struct {
	ID        uuid.UUID
	Principal *domain.Principal

	ws           *websocket.Conn
	writer       *connWriter
	brokerRef    domain.HandlerRef
	livenessStop chan struct{}
	server       *Server
}

// UserID returns the authenticated user's ID, or "" for anonymous.
func (c *Connection) UserID() string {
	if c.Principal == nil {
		return ""
	}
	return c.Principal.ID
}

// Send queues a frame to this connection without blocking. Returns false
// when the client's buffer is full.
func (c *Connection) Send(data []byte) bool {
	return c.writer.send(data)
}

// envelope is the wire framing for relayed events.
type envelope struct {
	Type     string          `json:"type"`
	StreamID string          `json:"stream_id,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// LiveHandler takes over an upgraded live-session connection after the
// handshake validated its token.
type LiveHandler interface {
	HandleLive(ctx context.Context, ws *websocket.Conn, principal *domain.Principal, streamID string)
}

// Server owns general streaming connections: it registers them, wires each
// one into the broker relay, keeps liveness fresh, and runs the read pump.
type Server struct {
	registry   *Registry
	broker     domain.EventBroker
	principals domain.PrincipalStore
	clock      clockwork.Clock
	plugins    []Plugin
	live       LiveHandler
}

func NewServer(registry *Registry, broker domain.EventBroker, principals domain.PrincipalStore, clock clockwork.Clock) *Server {
	return &Server{
		registry:   registry,
		broker:     broker,
		principals: principals,
		clock:      clock,
	}
}

// RegisterPlugin adds a lifecycle observer. Must be called before the first
// Attach; the plugin list is not mutated afterwards.
func (s *Server) RegisterPlugin(p Plugin) {
	s.plugins = append(s.plugins, p)
}

// RegisterPlugins adds several lifecycle observers at once.
func (s *Server) RegisterPlugins(plugins ...Plugin) {
	s.plugins = append(s.plugins, plugins...)
}

// SetLiveHandler wires the component that owns live-session connections.
func (s *Server) SetLiveHandler(h LiveHandler) {
	s.live = h
}

// Registry exposes the connection registry to collaborators that need
// activity lookups.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Attach registers an upgraded connection: write pump, broker relay handler,
// liveness ticker for authenticated users, then plugin OnConnect hooks.
func (s *Server) Attach(ws *websocket.Conn, principal *domain.Principal) *Connection {
	conn := &Connection{
		ID:        uuid.New(),
		Principal: principal,
		ws:        ws,
		writer:    newConnWriter(ws, s.clock),
		server:    s,
	}

	conn.brokerRef = s.broker.Attach(func(ev domain.Event) {
		s.relayEvent(conn, ev)
	})

	s.registry.Add(conn)

	if principal != nil {
		conn.livenessStop = make(chan struct{})
		go s.runLiveness(conn)
	}

	for _, p := range s.plugins {
		s.safeInvoke("on_connect", func() { p.OnConnect(conn) })
	}

	logging.WithConnection(conn.ID.String()).Info("Connection attached", "user_id", conn.UserID())
	return conn
}

// relayEvent decides whether a broker event belongs to this connection and
// queues it. Broadcasts go to everyone; targeted events only to connections
// of the target user.
func (s *Server) relayEvent(conn *Connection, ev domain.Event) {
	if ev.TargetUserID != "" && ev.TargetUserID != conn.UserID() {
		return
	}

	data, err := json.Marshal(envelope{Type: string(ev.Kind), StreamID: ev.StreamID, Body: ev.Payload})
	if err != nil {
		slog.Error("Failed to marshal relay envelope", "error", err)
		return
	}

	if !conn.writer.send(data) {
		logging.WithConnection(conn.ID.String()).Warn("Evicting slow client", "user_id", conn.UserID())
		go s.Teardown(conn.ID)
	}
}

func (s *Server) runLiveness(conn *Connection) {
	s.touchLastActive(conn)

	ticker := s.clock.NewTicker(livenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			s.touchLastActive(conn)
		case <-conn.livenessStop:
			return
		}
	}
}

// touchLastActive records activity best-effort: a failed write never
// affects the connection.
func (s *Server) touchLastActive(conn *Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.principals.TouchLastActive(ctx, conn.UserID()); err != nil {
		metrics.LivenessWriteFailures.Inc()
		logging.WithUser(conn.UserID()).Warn("Liveness write failed", "error", err)
	}
}

// ServeConn runs the read pump until the client disconnects or errors, then
// tears the connection down. The literal keepalive "ping" is answered with
// "pong" directly; everything else goes to the plugins.
func (s *Server) ServeConn(conn *Connection) {
	defer s.Teardown(conn.ID)

	conn.ws.SetReadLimit(64 * 1024)
	_ = conn.ws.SetReadDeadline(s.clock.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(s.clock.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.ws.SetReadDeadline(s.clock.Now().Add(pongWait))

		if string(data) == "ping" {
			conn.writer.send([]byte("pong"))
			continue
		}

		for _, p := range s.plugins {
			s.safeInvoke("on_message", func() { p.OnMessage(conn, data) })
		}
	}
}

// Teardown releases everything a connection holds: relay handler, liveness
// ticker, plugin hooks, write pump, registry entry. Safe to call more than
// once and safe for unknown IDs.
func (s *Server) Teardown(id uuid.UUID) {
	conn := s.registry.Remove(id)
	if conn == nil {
		return
	}

	s.broker.Detach(conn.brokerRef)

	if conn.livenessStop != nil {
		close(conn.livenessStop)
	}

	for _, p := range s.plugins {
		s.safeInvoke("on_close", func() { p.OnClose(conn) })
	}

	conn.writer.stop()
	metrics.TeardownsTotal.Inc()
	logging.WithConnection(conn.ID.String()).Info("Connection torn down", "user_id", conn.UserID())
}

// Broadcast queues an event envelope to every local connection, bypassing
// the broker. Used for instance-local announcements.
func (s *Server) Broadcast(kind domain.EventKind, payload json.RawMessage) {
	data, err := json.Marshal(envelope{Type: string(kind), Body: payload})
	if err != nil {
		slog.Error("Failed to marshal broadcast envelope", "error", err)
		return
	}

	for _, conn := range s.registry.Snapshot() {
		if !conn.writer.send(data) {
			go s.Teardown(conn.ID)
		}
	}
}

// HandleLive validates nothing itself; the HTTP handler already did. It
// hands the upgraded socket to the live session component.
func (s *Server) HandleLive(ctx context.Context, ws *websocket.Conn, principal *domain.Principal, streamID string) {
	if s.live == nil {
		_ = ws.Close()
		return
	}
	s.live.HandleLive(ctx, ws, principal, streamID)
}

// Stop tears down every connection and halts the registry.
func (s *Server) Stop() {
	for _, conn := range s.registry.Snapshot() {
		s.Teardown(conn.ID)
	}
	s.registry.Stop()
}

func (s *Server) safeInvoke(hook string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PluginFaults.WithLabelValues(hook).Inc()
			slog.Error("Plugin hook panic recovered", "hook", hook, "panic", r)
		}
	}()
	fn()
}

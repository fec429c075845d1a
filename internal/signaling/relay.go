// Package signaling relays session frames between the participants of one
// live broadcast. Frames are opaque to the relay; it only routes them. The
// relay also owns the broadcast's entry in the shared live-stream directory:
// announced when the room opens, refreshed while it lives, retired when the
// last participant leaves.
package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/streamgate/internal/domain"
	"github.com/pscheid92/streamgate/internal/logging"
	"github.com/pscheid92/streamgate/internal/metrics"
	"github.com/pscheid92/streamgate/internal/stream"
)

const (
	maxMembersPerRoom = 16
	memberSendBuffer  = 32
	memberWriteWait   = 5 * time.Second

	// announceInterval keeps directory entries comfortably inside their
	// 60s staleness window.
	announceInterval = 20 * time.Second
	directoryTimeout = 3 * time.Second
)

// DirectoryWriter is the live-stream directory's write side. The directory
// client implements it.
type DirectoryWriter interface {
	Announce(ctx context.Context, stream domain.LiveStream) error
	Retire(ctx context.Context, streamID string) error
}

// member is one participant in a live room with its own write pump.
type member struct {
	conn   *websocket.Conn
	userID string
	sendCh chan []byte
	done   chan struct{}
}

func newMember(conn *websocket.Conn, userID string) *member {
	m := &member{
		conn:   conn,
		userID: userID,
		sendCh: make(chan []byte, memberSendBuffer),
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *member) run() {
	for {
		select {
		case msg, ok := <-m.sendCh:
			if !ok {
				return
			}
			_ = m.conn.SetWriteDeadline(time.Now().Add(memberWriteWait))
			if err := m.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-m.done:
			return
		}
	}
}

func (m *member) stop() {
	close(m.done)
	m.conn.Close()
}

// room holds one broadcast's participants. The owner is the first joiner,
// which is the broadcaster by construction of the live handshake.
type room struct {
	ownerID string
	members map[*websocket.Conn]*member
}

// frame is the routed wire format: the relay stamps the sender so peers can
// address answers.
type frame struct {
	From string          `json:"from"`
	Body json.RawMessage `json:"body"`
}

// relayCmd is the command interface for the Relay actor.
type relayCmd interface{ isRelayCmd() }

type baseRelayCmd struct{}

func (baseRelayCmd) isRelayCmd() {}

type joinCmd struct {
	baseRelayCmd
	streamID string
	conn     *websocket.Conn
	userID   string
	replyCh  chan *member
}

type leaveCmd struct {
	baseRelayCmd
	streamID string
	conn     *websocket.Conn
}

type broadcastCmd struct {
	baseRelayCmd
	streamID string
	sender   *websocket.Conn
	data     []byte
}

type memberCountCmd struct {
	baseRelayCmd
	streamID string
	replyCh  chan int
}

type stopRelayCmd struct {
	baseRelayCmd
}

// Relay owns all live rooms on this instance. One goroutine holds the room
// state; joining, leaving, and routing are commands.
type Relay struct {
	cmdCh     chan relayCmd
	rooms     map[string]*room
	directory DirectoryWriter
	clock     clockwork.Clock
	done      chan struct{}
}

var _ stream.LiveHandler = (*Relay)(nil)

// NewRelay creates the relay. directory may be nil, in which case rooms are
// not published anywhere.
func NewRelay(directory DirectoryWriter, clock clockwork.Clock) *Relay {
	r := &Relay{
		cmdCh:     make(chan relayCmd, 256),
		rooms:     make(map[string]*room),
		directory: directory,
		clock:     clock,
		done:      make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Relay) run() {
	defer close(r.done)

	ticker := r.clock.NewTicker(announceInterval)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-r.cmdCh:
			switch c := cmd.(type) {
			case joinCmd:
				c.replyCh <- r.handleJoin(c)
			case leaveCmd:
				r.handleLeave(c.streamID, c.conn)
			case broadcastCmd:
				r.handleBroadcast(c)
			case memberCountCmd:
				c.replyCh <- r.memberCount(c.streamID)
			case stopRelayCmd:
				r.handleStop()
				return
			}
		case <-ticker.Chan():
			r.refreshAnnouncements()
		}
	}
}

func (r *Relay) memberCount(streamID string) int {
	if rm, ok := r.rooms[streamID]; ok {
		return len(rm.members)
	}
	return 0
}

func (r *Relay) handleJoin(c joinCmd) *member {
	rm, exists := r.rooms[c.streamID]
	if !exists {
		rm = &room{ownerID: c.userID, members: make(map[*websocket.Conn]*member)}
		r.rooms[c.streamID] = rm
		r.announce(c.streamID, rm.ownerID)
	}

	if len(rm.members) >= maxMembersPerRoom {
		logging.WithStream(c.streamID).Warn("Rejecting live session, room full")
		return nil
	}

	m := newMember(c.conn, c.userID)
	rm.members[c.conn] = m
	logging.WithStream(c.streamID).Info("Live session joined", "user_id", c.userID, "members", len(rm.members))
	return m
}

func (r *Relay) handleLeave(streamID string, conn *websocket.Conn) {
	rm, exists := r.rooms[streamID]
	if !exists {
		return
	}

	m, exists := rm.members[conn]
	if !exists {
		return
	}

	m.stop()
	delete(rm.members, conn)

	if len(rm.members) == 0 {
		delete(r.rooms, streamID)
		r.retire(streamID)
	}
}

func (r *Relay) handleBroadcast(c broadcastCmd) {
	rm, exists := r.rooms[c.streamID]
	if !exists {
		return
	}

	var slow []*websocket.Conn
	for conn, m := range rm.members {
		if conn == c.sender {
			continue
		}
		select {
		case m.sendCh <- c.data:
		default:
			slow = append(slow, conn)
		}
	}

	for _, conn := range slow {
		metrics.SlowClientsEvicted.Inc()
		logging.WithStream(c.streamID).Warn("Disconnecting slow live session member")
		r.handleLeave(c.streamID, conn)
	}
}

func (r *Relay) handleStop() {
	for streamID, rm := range r.rooms {
		for _, m := range rm.members {
			m.stop()
		}
		delete(r.rooms, streamID)
		r.retire(streamID)
	}
}

func (r *Relay) refreshAnnouncements() {
	for streamID, rm := range r.rooms {
		r.announce(streamID, rm.ownerID)
	}
}

func (r *Relay) announce(streamID, ownerID string) {
	if r.directory == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
	defer cancel()

	if err := r.directory.Announce(ctx, domain.LiveStream{ID: streamID, OwnerID: ownerID}); err != nil {
		logging.WithStream(streamID).Warn("Failed to announce live stream", "error", err)
	}
}

func (r *Relay) retire(streamID string) {
	if r.directory == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
	defer cancel()

	if err := r.directory.Retire(ctx, streamID); err != nil {
		logging.WithStream(streamID).Warn("Failed to retire live stream", "error", err)
	}
}

// MemberCount returns the number of participants in a stream's room.
func (r *Relay) MemberCount(streamID string) int {
	replyCh := make(chan int, 1)
	r.cmdCh <- memberCountCmd{streamID: streamID, replyCh: replyCh}
	return <-replyCh
}

// Stop closes every room, retires their directory entries, and halts the
// actor.
func (r *Relay) Stop() {
	r.cmdCh <- stopRelayCmd{}
	<-r.done
}

// HandleLive runs one live-session connection: join the stream's room,
// pump inbound frames to the other members, leave on disconnect.
func (r *Relay) HandleLive(_ context.Context, ws *websocket.Conn, principal *domain.Principal, streamID string) {
	replyCh := make(chan *member, 1)
	r.cmdCh <- joinCmd{streamID: streamID, conn: ws, userID: principal.ID, replyCh: replyCh}

	m := <-replyCh
	if m == nil {
		_ = ws.Close()
		return
	}

	defer func() {
		r.cmdCh <- leaveCmd{streamID: streamID, conn: ws}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		if string(data) == "ping" {
			select {
			case m.sendCh <- []byte("pong"):
			default:
			}
			continue
		}

		routed, err := json.Marshal(frame{From: principal.ID, Body: data})
		if err != nil {
			slog.Error("Failed to marshal live frame", "error", err)
			continue
		}
		r.cmdCh <- broadcastCmd{streamID: streamID, sender: ws, data: routed}
	}
}

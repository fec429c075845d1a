package stream

import (
	"github.com/google/uuid"
	"github.com/pscheid92/streamgate/internal/metrics"
)

// registryCmd is the command interface for the Registry actor.
type registryCmd interface{ isRegistryCmd() }

type baseRegistryCmd struct{}

func (baseRegistryCmd) isRegistryCmd() {}

type addConnCmd struct {
	baseRegistryCmd
	conn *Connection
}

type removeConnCmd struct {
	baseRegistryCmd
	id      uuid.UUID
	replyCh chan *Connection
}

type getConnCmd struct {
	baseRegistryCmd
	id      uuid.UUID
	replyCh chan *Connection
}

type snapshotCmd struct {
	baseRegistryCmd
	replyCh chan []*Connection
}

type activeUserIDsCmd struct {
	baseRegistryCmd
	replyCh chan []string
}

type hasUserCmd struct {
	baseRegistryCmd
	userID  string
	replyCh chan bool
}

type countCmd struct {
	baseRegistryCmd
	replyCh chan int
}

type stopRegistryCmd struct {
	baseRegistryCmd
}

// Registry tracks every attached connection on this instance, indexed by
// connection ID and by user. All state is owned by a single goroutine;
// the public methods post commands and wait for replies where needed.
type Registry struct {
	cmdCh  chan registryCmd
	byID   map[uuid.UUID]*Connection
	byUser map[string]map[uuid.UUID]*Connection
}

func NewRegistry() *Registry {
	r := &Registry{
		cmdCh:  make(chan registryCmd, 256),
		byID:   make(map[uuid.UUID]*Connection),
		byUser: make(map[string]map[uuid.UUID]*Connection),
	}
	go r.run()
	return r
}

func (r *Registry) run() {
	for cmd := range r.cmdCh {
		switch c := cmd.(type) {
		case addConnCmd:
			r.handleAdd(c.conn)
		case removeConnCmd:
			c.replyCh <- r.handleRemove(c.id)
		case getConnCmd:
			c.replyCh <- r.byID[c.id]
		case snapshotCmd:
			c.replyCh <- r.handleSnapshot()
		case activeUserIDsCmd:
			c.replyCh <- r.handleActiveUserIDs()
		case hasUserCmd:
			c.replyCh <- len(r.byUser[c.userID]) > 0
		case countCmd:
			c.replyCh <- len(r.byID)
		case stopRegistryCmd:
			return
		}
	}
}

func (r *Registry) handleAdd(conn *Connection) {
	r.byID[conn.ID] = conn

	if userID := conn.UserID(); userID != "" {
		conns, exists := r.byUser[userID]
		if !exists {
			conns = make(map[uuid.UUID]*Connection)
			r.byUser[userID] = conns
		}
		conns[conn.ID] = conn
	}

	metrics.ConnectionsCurrent.Set(float64(len(r.byID)))
}

// handleRemove returns nil when the connection was already gone, which is
// how Teardown stays idempotent.
func (r *Registry) handleRemove(id uuid.UUID) *Connection {
	conn, exists := r.byID[id]
	if !exists {
		return nil
	}
	delete(r.byID, id)

	if userID := conn.UserID(); userID != "" {
		if conns, ok := r.byUser[userID]; ok {
			delete(conns, id)
			if len(conns) == 0 {
				delete(r.byUser, userID)
			}
		}
	}

	metrics.ConnectionsCurrent.Set(float64(len(r.byID)))
	return conn
}

func (r *Registry) handleSnapshot() []*Connection {
	snapshot := make([]*Connection, 0, len(r.byID))
	for _, conn := range r.byID {
		snapshot = append(snapshot, conn)
	}
	return snapshot
}

func (r *Registry) handleActiveUserIDs() []string {
	userIDs := make([]string, 0, len(r.byUser))
	for userID := range r.byUser {
		userIDs = append(userIDs, userID)
	}
	return userIDs
}

// Add registers a connection. Anonymous connections are tracked by ID only.
func (r *Registry) Add(conn *Connection) {
	r.cmdCh <- addConnCmd{conn: conn}
}

// Remove unregisters a connection and returns it, or nil if it was not
// registered.
func (r *Registry) Remove(id uuid.UUID) *Connection {
	replyCh := make(chan *Connection, 1)
	r.cmdCh <- removeConnCmd{id: id, replyCh: replyCh}
	return <-replyCh
}

// Get returns the connection with the given ID, or nil.
func (r *Registry) Get(id uuid.UUID) *Connection {
	replyCh := make(chan *Connection, 1)
	r.cmdCh <- getConnCmd{id: id, replyCh: replyCh}
	return <-replyCh
}

// Snapshot returns all registered connections at this moment.
func (r *Registry) Snapshot() []*Connection {
	replyCh := make(chan []*Connection, 1)
	r.cmdCh <- snapshotCmd{replyCh: replyCh}
	return <-replyCh
}

// ActiveUserIDs returns the distinct user IDs with at least one open
// connection on this instance.
func (r *Registry) ActiveUserIDs() []string {
	replyCh := make(chan []string, 1)
	r.cmdCh <- activeUserIDsCmd{replyCh: replyCh}
	return <-replyCh
}

// HasActiveUser reports whether the user has at least one open connection.
func (r *Registry) HasActiveUser(userID string) bool {
	replyCh := make(chan bool, 1)
	r.cmdCh <- hasUserCmd{userID: userID, replyCh: replyCh}
	return <-replyCh
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	replyCh := make(chan int, 1)
	r.cmdCh <- countCmd{replyCh: replyCh}
	return <-replyCh
}

// Stop terminates the registry goroutine. Connections are not closed here;
// the server tears them down first.
func (r *Registry) Stop() {
	r.cmdCh <- stopRegistryCmd{}
}

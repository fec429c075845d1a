package domain

import (
	"encoding/json"
	"time"
)

// EventKind discriminates broker events. Routing happens on the kind and the
// target fields, never on ad hoc channel strings.
type EventKind string

const (
	// EventNotification targets a single user across all their connections.
	EventNotification EventKind = "notification"
	// EventMessage targets a single user with a chat/DM payload.
	EventMessage EventKind = "message"
	// EventBroadcast fans out to every connection on every instance.
	EventBroadcast EventKind = "broadcast"
)

// Event is the tagged union relayed through the broker. TargetUserID empty
// means the event is for every local connection.
type Event struct {
	Kind         EventKind       `json:"kind"`
	TargetUserID string          `json:"target_user_id,omitempty"`
	StreamID     string          `json:"stream_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// ViewerCountUpdate is the per-stream message published after viewer
// membership changes and after every reconciliation sweep.
// Views duplicates Viewers for backward compatibility with older clients.
type ViewerCountUpdate struct {
	Viewers   int       `json:"viewers"`
	Views     int       `json:"views"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewViewerCountUpdate builds an update for the given count at the given time.
func NewViewerCountUpdate(count int, now time.Time) ViewerCountUpdate {
	return ViewerCountUpdate{Viewers: count, Views: count, UpdatedAt: now}
}

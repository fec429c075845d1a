package tracker

import (
	"encoding/json"

	"github.com/pscheid92/streamgate/internal/stream"
)

// watchMessage is the client-side viewership protocol carried over general
// streaming connections.
type watchMessage struct {
	Type     string `json:"type"`
	StreamID string `json:"streamId"`
}

// WatchPlugin bridges streaming connections to the tracker: "watch" and
// "unwatch" messages update viewership, and a closed connection starts the
// disconnect grace window.
type WatchPlugin struct {
	tracker *Tracker
}

func NewWatchPlugin(t *Tracker) *WatchPlugin {
	return &WatchPlugin{tracker: t}
}

var _ stream.Plugin = (*WatchPlugin)(nil)

func (p *WatchPlugin) OnConnect(*stream.Connection) {}

// OnMessage handles watch protocol frames. Anonymous connections and
// undecodable frames are ignored; other plugins may own those messages.
func (p *WatchPlugin) OnMessage(conn *stream.Connection, data []byte) {
	userID := conn.UserID()
	if userID == "" {
		return
	}

	var msg watchMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	switch msg.Type {
	case "watch":
		p.tracker.AddViewer(userID, msg.StreamID)
	case "unwatch":
		p.tracker.RemoveViewer(userID, msg.StreamID)
	}
}

func (p *WatchPlugin) OnClose(conn *stream.Connection) {
	if userID := conn.UserID(); userID != "" {
		p.tracker.MarkDisconnected(userID)
	}
}

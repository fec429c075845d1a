package domain

import "time"

// Principal is an authenticated identity bound to a connection.
// Connections hold it for lookup only; the identity itself is owned by the
// external account system.
type Principal struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// LiveStream is one currently-live broadcast as reported by the directory.
type LiveStream struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
}

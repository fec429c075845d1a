package domain

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrAuthenticationFailed is returned by an Authenticator when the credential
// or token is present but does not resolve to a principal.
var ErrAuthenticationFailed = errors.New("authentication failed")

// ErrPrincipalNotFound is returned by a PrincipalStore when no principal
// exists for the given id.
var ErrPrincipalNotFound = errors.New("principal not found")

// Authenticator resolves a bearer credential and an optional short-lived
// token to a principal, or rejects with ErrAuthenticationFailed. Other errors
// indicate a transient collaborator failure and must fail the handshake safe.
type Authenticator interface {
	Authenticate(ctx context.Context, credential, token string) (*Principal, error)
}

// PrincipalStore looks up principals and records connection liveness.
type PrincipalStore interface {
	GetByID(ctx context.Context, id string) (*Principal, error)
	TouchLastActive(ctx context.Context, id string) error
}

// LiveStreamDirectory reports the set of currently-live broadcasts. It is
// owned by the stream service; this process only reads it.
type LiveStreamDirectory interface {
	ListLive(ctx context.Context) ([]LiveStream, error)
}

// HandlerRef identifies one attached broker handler. Every connection owns a
// distinct ref so it can be detached without affecting other connections.
type HandlerRef struct {
	id uuid.UUID
}

// NewHandlerRef allocates a fresh, unique handler reference.
func NewHandlerRef() HandlerRef {
	return HandlerRef{id: uuid.New()}
}

// Valid reports whether the ref was produced by NewHandlerRef.
func (r HandlerRef) Valid() bool { return r.id != uuid.Nil }

// Key returns the map key for the subscription table.
func (r HandlerRef) Key() uuid.UUID { return r.id }

// EventBroker is the cross-process publish/subscribe transport. A single
// underlying subscription fans out to all attached handlers; Attach/Detach
// manage the per-connection subscription table.
type EventBroker interface {
	Publish(ctx context.Context, ev Event) error
	PublishViewerCount(ctx context.Context, streamID string, update ViewerCountUpdate) error
	Attach(handler func(Event)) HandlerRef
	Detach(ref HandlerRef)
}

// ViewerCountPublisher is the narrow broker surface the tracker needs.
type ViewerCountPublisher interface {
	PublishViewerCount(ctx context.Context, streamID string, update ViewerCountUpdate) error
}

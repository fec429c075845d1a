package broker

import (
	"sync"
	"testing"

	"github.com/pscheid92/streamgate/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_AttachAndDispatch(t *testing.T) {
	d := newDispatcher()

	var mu sync.Mutex
	var received []domain.Event
	d.attach(func(ev domain.Event) {
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
	})

	d.dispatch(domain.Event{Kind: domain.EventNotification, TargetUserID: "u1"})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, domain.EventNotification, received[0].Kind)
	assert.Equal(t, "u1", received[0].TargetUserID)
}

func TestDispatcher_DetachOnlyRemovesOwnHandler(t *testing.T) {
	d := newDispatcher()

	var mu sync.Mutex
	counts := map[string]int{}
	record := func(name string) func(domain.Event) {
		return func(domain.Event) {
			mu.Lock()
			counts[name]++
			mu.Unlock()
		}
	}

	refA := d.attach(record("a"))
	d.attach(record("b"))
	require.Equal(t, 2, d.size())

	d.dispatch(domain.Event{Kind: domain.EventBroadcast})

	// Detaching A must not disturb B.
	d.detach(refA)
	require.Equal(t, 1, d.size())

	d.dispatch(domain.Event{Kind: domain.EventBroadcast})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, counts["a"])
	assert.Equal(t, 2, counts["b"])
}

func TestDispatcher_DetachIdempotent(t *testing.T) {
	d := newDispatcher()
	ref := d.attach(func(domain.Event) {})

	d.detach(ref)
	d.detach(ref)
	assert.Equal(t, 0, d.size())

	// The zero ref is also safe.
	d.detach(domain.HandlerRef{})
}

func TestDispatcher_HandlerPanicIsolated(t *testing.T) {
	d := newDispatcher()

	d.attach(func(domain.Event) { panic("broken handler") })

	var mu sync.Mutex
	delivered := 0
	d.attach(func(domain.Event) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	// Must not panic, and the healthy handler must still receive the event.
	d.dispatch(domain.Event{Kind: domain.EventMessage})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, delivered)
}

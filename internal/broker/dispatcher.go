package broker

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pscheid92/streamgate/internal/domain"
	"github.com/pscheid92/streamgate/internal/metrics"
)

// dispatcher is the local subscription table: one entry per attached handler,
// keyed by the handler's unique ref. Handlers are invoked with panic
// isolation so a faulty connection callback cannot take down the relay.
type dispatcher struct {
	mu       sync.RWMutex
	handlers map[uuid.UUID]func(domain.Event)
}

func newDispatcher() *dispatcher {
	return &dispatcher{handlers: make(map[uuid.UUID]func(domain.Event))}
}

func (d *dispatcher) attach(handler func(domain.Event)) domain.HandlerRef {
	ref := domain.NewHandlerRef()

	d.mu.Lock()
	d.handlers[ref.Key()] = handler
	metrics.BrokerHandlersCurrent.Set(float64(len(d.handlers)))
	d.mu.Unlock()

	return ref
}

// detach removes a handler. Safe to call twice and safe with the zero ref.
func (d *dispatcher) detach(ref domain.HandlerRef) {
	if !ref.Valid() {
		return
	}

	d.mu.Lock()
	delete(d.handlers, ref.Key())
	metrics.BrokerHandlersCurrent.Set(float64(len(d.handlers)))
	d.mu.Unlock()
}

func (d *dispatcher) dispatch(ev domain.Event) {
	d.mu.RLock()
	snapshot := make([]func(domain.Event), 0, len(d.handlers))
	for _, handler := range d.handlers {
		snapshot = append(snapshot, handler)
	}
	d.mu.RUnlock()

	for _, handler := range snapshot {
		invoke(handler, ev)
	}
}

func (d *dispatcher) size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

func invoke(handler func(domain.Event), ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Broker handler panic recovered", "kind", ev.Kind, "panic", r)
		}
	}()
	handler(ev)
}

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pscheid92/streamgate/internal/domain"
	"github.com/pscheid92/streamgate/internal/metrics"
	"github.com/redis/go-redis/v9"
)

const eventsChannel = "streamgate:events"

func viewerChannel(streamID string) string {
	return "viewers:" + streamID
}

// Broker implements domain.EventBroker on top of Redis Pub/Sub.
type Broker struct {
	rdb        *redis.Client
	dispatcher *dispatcher
	cancel     context.CancelFunc
	done       chan struct{}
}

var _ domain.EventBroker = (*Broker)(nil)

// New creates a broker. Call Start before attaching handlers.
func New(rdb *redis.Client) *Broker {
	return &Broker{
		rdb:        rdb,
		dispatcher: newDispatcher(),
		done:       make(chan struct{}),
	}
}

// Start opens the single process-wide subscription and begins fanning
// received events out to attached handlers. Returns once the subscription
// is confirmed; delivery continues in the background until Stop.
func (b *Broker) Start(ctx context.Context) error {
	pumpCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	sub := b.rdb.Subscribe(pumpCtx, eventsChannel)
	if _, err := sub.Receive(ctx); err != nil {
		cancel()
		_ = sub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", eventsChannel, err)
	}

	go b.pump(pumpCtx, sub)
	return nil
}

// Stop cancels the subscription and waits for the pump goroutine to exit.
func (b *Broker) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	<-b.done
}

func (b *Broker) pump(ctx context.Context, sub *redis.PubSub) {
	defer close(b.done)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handleMessage(msg.Payload)
		case <-ctx.Done():
			return
		}
	}
}

func (b *Broker) handleMessage(payload string) {
	var ev domain.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		metrics.BrokerDroppedEvents.Inc()
		slog.Warn("Dropping undecodable broker message", "error", err)
		return
	}

	metrics.BrokerEventsReceived.WithLabelValues(string(ev.Kind)).Inc()
	b.dispatcher.dispatch(ev)
}

// Publish sends an event to every instance, including this one.
func (b *Broker) Publish(ctx context.Context, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := b.rdb.Publish(ctx, eventsChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	metrics.BrokerEventsPublished.WithLabelValues(string(ev.Kind)).Inc()
	return nil
}

// PublishViewerCount publishes a per-stream viewer count update on the
// stream-scoped channel consumed by display clients.
func (b *Broker) PublishViewerCount(ctx context.Context, streamID string, update domain.ViewerCountUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal viewer count: %w", err)
	}

	if err := b.rdb.Publish(ctx, viewerChannel(streamID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish viewer count: %w", err)
	}
	return nil
}

// Attach registers a handler in the local subscription table and returns its
// detachable reference.
func (b *Broker) Attach(handler func(domain.Event)) domain.HandlerRef {
	return b.dispatcher.attach(handler)
}

// Detach removes a handler. Idempotent.
func (b *Broker) Detach(ref domain.HandlerRef) {
	b.dispatcher.detach(ref)
}

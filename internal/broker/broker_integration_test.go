package broker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pscheid92/streamgate/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupTestBroker(t *testing.T) *Broker {
	t.Helper()

	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	rdb, err := NewClient(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	b := New(rdb)
	require.NoError(t, b.Start(ctx))
	t.Cleanup(b.Stop)

	return b
}

func TestBrokerIntegration_PublishReachesAttachedHandlers(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	b := setupTestBroker(t)
	ctx := context.Background()

	var mu sync.Mutex
	var received []domain.Event
	ref := b.Attach(func(ev domain.Event) {
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
	})
	defer b.Detach(ref)

	ev := domain.Event{
		Kind:         domain.EventNotification,
		TargetUserID: "u1",
		Payload:      json.RawMessage(`{"text":"hello"}`),
	}
	require.NoError(t, b.Publish(ctx, ev))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, domain.EventNotification, received[0].Kind)
	assert.Equal(t, "u1", received[0].TargetUserID)
	assert.JSONEq(t, `{"text":"hello"}`, string(received[0].Payload))
}

func TestBrokerIntegration_DetachedHandlerStopsReceiving(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	b := setupTestBroker(t)
	ctx := context.Background()

	var mu sync.Mutex
	countA, countB := 0, 0
	refA := b.Attach(func(domain.Event) { mu.Lock(); countA++; mu.Unlock() })
	refB := b.Attach(func(domain.Event) { mu.Lock(); countB++; mu.Unlock() })
	defer b.Detach(refB)

	require.NoError(t, b.Publish(ctx, domain.Event{Kind: domain.EventBroadcast}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return countA == 1 && countB == 1
	}, 5*time.Second, 10*time.Millisecond)

	b.Detach(refA)

	require.NoError(t, b.Publish(ctx, domain.Event{Kind: domain.EventBroadcast}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return countB == 2
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, countA, "detached handler must not receive further events")
}

func TestBrokerIntegration_ViewerCountChannelIsStreamScoped(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	b := setupTestBroker(t)
	ctx := context.Background()

	sub := b.rdb.Subscribe(ctx, viewerChannel("stream1"))
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	update := domain.NewViewerCountUpdate(3, time.Now().UTC())
	require.NoError(t, b.PublishViewerCount(ctx, "stream1", update))
	require.NoError(t, b.PublishViewerCount(ctx, "stream2", domain.NewViewerCountUpdate(9, time.Now().UTC())))

	select {
	case msg := <-sub.Channel():
		var got domain.ViewerCountUpdate
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, 3, got.Viewers)
		assert.Equal(t, 3, got.Views)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for viewer count update")
	}

	// No second message: stream2's update went to its own channel.
	select {
	case msg := <-sub.Channel():
		t.Fatalf("unexpected message on stream1 channel: %s", msg.Payload)
	case <-time.After(200 * time.Millisecond):
	}
}

package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/streamgate/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDirectoryWriter records announce and retire calls.
type fakeDirectoryWriter struct {
	mu        sync.Mutex
	announced []domain.LiveStream
	retired   []string
}

func (f *fakeDirectoryWriter) Announce(_ context.Context, s domain.LiveStream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announced = append(f.announced, s)
	return nil
}

func (f *fakeDirectoryWriter) Retire(_ context.Context, streamID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retired = append(f.retired, streamID)
	return nil
}

func (f *fakeDirectoryWriter) announceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.announced)
}

func (f *fakeDirectoryWriter) retiredStreams() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.retired...)
}

// testRelay wires a Relay behind an httptest endpoint. Dial joins the given
// stream's room as the given user.
func testRelay(t *testing.T) (*Relay, func(streamID, userID string) *ws.Conn) {
	return testRelayWithDirectory(t, nil)
}

func testRelayWithDirectory(t *testing.T, directory DirectoryWriter) (*Relay, func(streamID, userID string) *ws.Conn) {
	t.Helper()

	relay := NewRelay(directory, clockwork.NewRealClock())
	t.Cleanup(relay.Stop)

	upgrader := ws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}

		principal := &domain.Principal{ID: r.URL.Query().Get("user")}
		streamID := r.URL.Query().Get("stream")
		go relay.HandleLive(context.Background(), conn, principal, streamID)
	}))
	t.Cleanup(server.Close)

	dial := func(streamID, userID string) *ws.Conn {
		t.Helper()
		url := "ws" + strings.TrimPrefix(server.URL, "http") + "?stream=" + streamID + "&user=" + userID
		conn, _, err := ws.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		return conn
	}

	return relay, dial
}

func waitForMemberCount(r *Relay, streamID string, expected int) bool {
	for range 100 {
		if r.MemberCount(streamID) == expected {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func readFrame(t *testing.T, conn *ws.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var f frame
	require.NoError(t, json.Unmarshal(msg, &f))
	return f
}

func TestRelay_FramesReachOtherMembersOnly(t *testing.T) {
	relay, dial := testRelay(t)

	host := dial("s1", "host")
	guest := dial("s1", "guest")
	require.True(t, waitForMemberCount(relay, "s1", 2))

	require.NoError(t, host.WriteMessage(ws.TextMessage, []byte(`{"sdp":"offer"}`)))

	f := readFrame(t, guest)
	assert.Equal(t, "host", f.From)
	assert.JSONEq(t, `{"sdp":"offer"}`, string(f.Body))

	// The sender never receives its own frame.
	host.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := host.ReadMessage()
	assert.Error(t, err)
}

func TestRelay_RoomsAreIsolated(t *testing.T) {
	relay, dial := testRelay(t)

	dial("s1", "host1")
	other := dial("s2", "host2")
	require.True(t, waitForMemberCount(relay, "s1", 1))
	require.True(t, waitForMemberCount(relay, "s2", 1))

	s1Sender := dial("s1", "guest1")
	require.True(t, waitForMemberCount(relay, "s1", 2))
	require.NoError(t, s1Sender.WriteMessage(ws.TextMessage, []byte(`{"sdp":"offer"}`)))

	other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := other.ReadMessage()
	assert.Error(t, err, "frames must not cross rooms")
}

func TestRelay_PingPong(t *testing.T) {
	relay, dial := testRelay(t)

	conn := dial("s1", "host")
	require.True(t, waitForMemberCount(relay, "s1", 1))

	require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte("ping")))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(msg))
}

func TestRelay_LeaveRemovesEmptyRoom(t *testing.T) {
	relay, dial := testRelay(t)

	conn := dial("s1", "host")
	require.True(t, waitForMemberCount(relay, "s1", 1))

	conn.Close()
	require.True(t, waitForMemberCount(relay, "s1", 0))
}

func TestRelay_RoomFullRejectsJoin(t *testing.T) {
	relay, dial := testRelay(t)

	for i := 0; i < maxMembersPerRoom; i++ {
		dial("s1", "user")
	}
	require.True(t, waitForMemberCount(relay, "s1", maxMembersPerRoom))

	extra := dial("s1", "late")

	// The relay closes the rejected socket; reads fail promptly.
	extra.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := extra.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, maxMembersPerRoom, relay.MemberCount("s1"))
}

func TestRelay_AnnouncesRoomWithFirstJoinerAsOwner(t *testing.T) {
	writer := &fakeDirectoryWriter{}
	relay, dial := testRelayWithDirectory(t, writer)

	dial("s1", "host")
	dial("s1", "guest")
	require.True(t, waitForMemberCount(relay, "s1", 2))

	// One announcement per room, not per member.
	require.Equal(t, 1, writer.announceCount())
	assert.Equal(t, domain.LiveStream{ID: "s1", OwnerID: "host"}, writer.announced[0])
}

func TestRelay_RetiresRoomWhenLastMemberLeaves(t *testing.T) {
	writer := &fakeDirectoryWriter{}
	relay, dial := testRelayWithDirectory(t, writer)

	host := dial("s1", "host")
	guest := dial("s1", "guest")
	require.True(t, waitForMemberCount(relay, "s1", 2))

	guest.Close()
	require.True(t, waitForMemberCount(relay, "s1", 1))
	assert.Empty(t, writer.retiredStreams())

	host.Close()
	require.True(t, waitForMemberCount(relay, "s1", 0))
	require.Eventually(t, func() bool {
		return len(writer.retiredStreams()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"s1"}, writer.retiredStreams())
}

func TestRelay_ReannouncesActiveRoomsOnTick(t *testing.T) {
	writer := &fakeDirectoryWriter{}
	clock := clockwork.NewFakeClock()

	relay := NewRelay(writer, clock)
	t.Cleanup(relay.Stop)
	clock.BlockUntil(1)

	upgrader := ws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		go relay.HandleLive(context.Background(), conn, &domain.Principal{ID: "host"}, "s1")
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.True(t, waitForMemberCount(relay, "s1", 1))
	require.Equal(t, 1, writer.announceCount())

	clock.Advance(announceInterval)
	require.Eventually(t, func() bool {
		return writer.announceCount() == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.LiveStream{ID: "s1", OwnerID: "host"}, writer.announced[1])
}

func TestRelay_StopRetiresAllRooms(t *testing.T) {
	writer := &fakeDirectoryWriter{}
	relay, dial := testRelayWithDirectory(t, writer)

	dial("s1", "host1")
	dial("s2", "host2")
	require.True(t, waitForMemberCount(relay, "s1", 1))
	require.True(t, waitForMemberCount(relay, "s2", 1))

	relay.Stop()
	assert.ElementsMatch(t, []string{"s1", "s2"}, writer.retiredStreams())
}

package stream

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/streamgate/internal/metrics"
)

const (
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 16
)

// connWriter serializes all writes to a single WebSocket connection through
// one goroutine: queued frames from sendCh plus periodic protocol pings.
type connWriter struct {
	conn     *websocket.Conn
	clock    clockwork.Clock
	sendCh   chan []byte
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newConnWriter(conn *websocket.Conn, clock clockwork.Clock) *connWriter {
	cw := &connWriter{
		conn:   conn,
		clock:  clock,
		sendCh: make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	cw.wg.Add(1)
	go cw.run()
	return cw
}

func (cw *connWriter) run() {
	defer cw.wg.Done()

	ticker := cw.clock.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-cw.sendCh:
			if !ok {
				return
			}
			_ = cw.conn.SetWriteDeadline(cw.clock.Now().Add(writeWait))
			if err := cw.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.Chan():
			_ = cw.conn.SetWriteDeadline(cw.clock.Now().Add(writeWait))
			if err := cw.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-cw.done:
			return
		}
	}
}

// send queues a frame without blocking. A full buffer means the client is
// not keeping up; the caller decides whether to evict.
func (cw *connWriter) send(data []byte) bool {
	select {
	case cw.sendCh <- data:
		return true
	default:
		metrics.SlowClientsEvicted.Inc()
		return false
	}
}

// stop terminates the write pump and closes the connection. Safe to call
// more than once.
func (cw *connWriter) stop() {
	cw.stopOnce.Do(func() {
		close(cw.done)
		cw.conn.Close()
		cw.wg.Wait()
	})
}

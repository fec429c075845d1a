package stream

// Plugin observes connection lifecycle events and inbound messages. Hooks
// run with panic isolation, so one misbehaving plugin cannot break the
// connection it observes or its siblings.
type Plugin interface {
	// OnConnect fires after the connection is registered and its relay
	// handler is attached.
	OnConnect(conn *Connection)

	// OnMessage fires for every inbound text frame except the literal
	// keepalive "ping".
	OnMessage(conn *Connection, data []byte)

	// OnClose fires exactly once during teardown, before the socket closes.
	OnClose(conn *Connection)
}

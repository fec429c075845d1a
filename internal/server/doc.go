// Package server exposes the WebSocket handshake endpoints and the
// observability surface over HTTP. All handshake validation happens before
// the upgrade, so rejected attempts never allocate connection state.
package server

// Package stream owns the WebSocket connection lifecycle: the connection
// registry, per-connection write pumps, broker event fan-in, liveness
// bookkeeping, and the plugin hooks that let features observe connections
// without reaching into transport internals.
package stream

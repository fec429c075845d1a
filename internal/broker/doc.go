// Package broker adapts Redis Pub/Sub to the domain EventBroker contract.
//
// One process-wide subscription receives every event; an explicit
// subscription table fans events out to per-connection handlers, each held by
// a distinct detachable reference so tearing down one connection never
// disturbs another.
package broker

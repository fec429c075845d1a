// Package domain defines the core domain types and interfaces.
//
// It holds the shared contracts between the stream server, the broker
// adapter, and the viewer tracker: connection principals, the tagged-union
// broker event, the live token codec, and collaborator interfaces.
// No implementation code - just contracts.
package domain

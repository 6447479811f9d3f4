// Package domain defines the core domain types and interfaces.
//
// Concept-oriented files (channel.go, viewer.go, errors.go) hold shared types and the
// contracts between the registry, the UDP relay and the websocket gateway.
// Keeps interfaces on the consumer side and prevents circular imports.
package domain

// Package registry owns every log channel of the relay process.
//
// A Registry is an actor: one goroutine holds the channel map and processes
// commands (heartbeat, publish, attach, detach, remove, expire) from a buffered
// queue, so every mutation is a single indivisible step and no locks are
// needed. Fan-out is a non-blocking enqueue into each viewer; a viewer that
// cannot accept a line is detached without affecting the others. Liveness is
// driven by one clockwork timer per channel, re-armed on every heartbeat.
package registry

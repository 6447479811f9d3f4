package domain

import "github.com/google/uuid"

// Viewer is a live subscriber attached to one channel.
//
// Send must never block: implementations queue the line and report
// ErrViewerQueueFull or ErrViewerClosed when they cannot. Close is idempotent.
type Viewer interface {
	ID() uuid.UUID
	Send(line string) error
	Close(reason string)
}

package domain

import "errors"

var (
	ErrInvalidChannelKey = errors.New("invalid channel key")
	ErrChannelFull       = errors.New("channel viewer limit reached")
	ErrRegistryStopped   = errors.New("registry stopped")
	ErrViewerClosed      = errors.New("viewer closed")
	ErrViewerQueueFull   = errors.New("viewer send queue full")
)

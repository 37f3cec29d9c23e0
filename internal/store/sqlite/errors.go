package sqlite

import "errors"

var (
	ErrClosed          = errors.New("sqlite store is closed")
	ErrWriteTimeout    = errors.New("sqlite write operation timeout")
	ErrSessionNotFound = errors.New("session not found")
)

package availability

import "errors"

var (
	ErrUnknownView  = errors.New("unknown availability view")
	ErrUnknownScope = errors.New("unknown invalidation scope")
	ErrEmptyID      = errors.New("therapist id cannot be empty")
)

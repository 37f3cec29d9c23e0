package presence

import "errors"

var (
	ErrNilConnection = errors.New("connection cannot be nil")
	ErrEmptyIdentity = errors.New("identity cannot be empty")
)

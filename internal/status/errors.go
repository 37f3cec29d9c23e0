package status

import "errors"

var (
	ErrNotTherapist   = errors.New("identity is not a therapist")
	ErrInSession      = errors.New("therapist is in a session")
	ErrNotInSession   = errors.New("therapist is not in a session")
	ErrAlreadyRunning = errors.New("status tracker is already running")
)

package sessionreq

import "errors"

var (
	ErrRequestNotFound = errors.New("session request not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrNotAddressee    = errors.New("only the addressed therapist may resolve this request")
	ErrSelfRequest     = errors.New("cannot request a session with yourself")
	ErrAlreadyRunning  = errors.New("session request sweeper is already running")
)

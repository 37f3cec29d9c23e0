package types

import "errors"

// Core error taxonomy shared by presence, status, relay and session workflow.
// RecipientAbsent and cache misses are outcomes, not errors, and live with
// the relay and cache packages respectively.
var (
	ErrNotConnected         = errors.New("identity has no live presence entry")
	ErrTherapistUnavailable = errors.New("therapist is not online")
	ErrAlreadyResolved      = errors.New("session request already resolved")
	ErrUpstreamUnavailable  = errors.New("backing store unavailable")

	ErrInvalidIdentity    = errors.New("identity must be 1-64 characters, alphanumeric + underscore/hyphen/dot only")
	ErrInvalidRole        = errors.New("invalid role: must be 'participant' or 'therapist'")
	ErrInvalidSessionType = errors.New("invalid session type: must be 'text', 'voice' or 'video'")
	ErrInvalidPriority    = errors.New("invalid priority")
)

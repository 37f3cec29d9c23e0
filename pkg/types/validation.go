package types

import (
	"regexp"
)

var identityRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// IsValidIdentity checks the shape of an opaque identity. Identities come from the
// upstream auth layer; this only guards the transport against junk query strings.
func IsValidIdentity(identity string) bool {
	if len(identity) < 1 || len(identity) > 64 {
		return false
	}
	return identityRegex.MatchString(identity)
}

// ParseRole converts a wire value into a Role.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleParticipant, RoleTherapist:
		return Role(s), nil
	default:
		return "", ErrInvalidRole
	}
}

// ParseSessionType converts a wire value into a SessionType.
func ParseSessionType(s string) (SessionType, error) {
	switch SessionType(s) {
	case SessionTypeText, SessionTypeVoice, SessionTypeVideo:
		return SessionType(s), nil
	default:
		return "", ErrInvalidSessionType
	}
}

// ParsePriority converts a wire value into a Priority. Empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return Priority(s), nil
	default:
		return "", ErrInvalidPriority
	}
}

package types

import "time"

// EventType names an outbound event the core emits for the UI and collaborators.
type EventType string

const (
	EventPresenceOnline    EventType = "presence.online"
	EventPresenceOffline   EventType = "presence.offline"
	EventPresenceInSession EventType = "presence.in_session"

	EventMessageDelivered EventType = "message.delivered"
	EventMessageAbsent    EventType = "message.absent"

	EventRequestCreated  EventType = "session_request.created"
	EventRequestAccepted EventType = "session_request.accepted"
	EventRequestDeclined EventType = "session_request.declined"
	EventRequestExpired  EventType = "session_request.expired"

	EventSessionEnded EventType = "session.ended"
)

// Event is a single core notification. Only the fields relevant to Type are set.
type Event struct {
	Type      EventType       `json:"type"`
	Identity  string          `json:"identity,omitempty"`
	Role      Role            `json:"role,omitempty"`
	Status    Status          `json:"status,omitempty"`
	Peer      string          `json:"peer,omitempty"`
	Request   *SessionRequest `json:"request,omitempty"`
	Session   *Session        `json:"session,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// PresenceEventType maps a status to the presence event announcing it.
func PresenceEventType(s Status) EventType {
	switch s {
	case StatusOnline:
		return EventPresenceOnline
	case StatusInSession:
		return EventPresenceInSession
	default:
		return EventPresenceOffline
	}
}

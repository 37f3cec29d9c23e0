package types

import (
	"time"
)

// Role distinguishes the two kinds of connected actors.
type Role string

const (
	RoleParticipant Role = "participant"
	RoleTherapist   Role = "therapist"
)

// Status is the externally visible therapist state. Participants are
// always reported as StatusOnline while connected.
type Status string

const (
	StatusOffline   Status = "offline"
	StatusOnline    Status = "online"
	StatusInSession Status = "in_session"
)

// SessionType is the medium a participant asks for.
type SessionType string

const (
	SessionTypeText  SessionType = "text"
	SessionTypeVoice SessionType = "voice"
	SessionTypeVideo SessionType = "video"
)

// Priority orders pending requests in a therapist's queue.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// RequestState is the lifecycle position of a SessionRequest.
// Accepted, Declined and Expired are terminal.
type RequestState string

const (
	RequestPending  RequestState = "pending"
	RequestAccepted RequestState = "accepted"
	RequestDeclined RequestState = "declined"
	RequestExpired  RequestState = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s RequestState) Terminal() bool {
	return s == RequestAccepted || s == RequestDeclined || s == RequestExpired
}

// SessionRequest is a participant's proposal to a specific therapist.
type SessionRequest struct {
	ID            string       `json:"id"`
	From          string       `json:"from"`
	Therapist     string       `json:"therapist"`
	SessionType   SessionType  `json:"session_type"`
	Priority      Priority     `json:"priority"`
	CreatedAt     time.Time    `json:"created_at"`
	ExpiresAt     time.Time    `json:"expires_at"`
	State         RequestState `json:"state"`
	ResolvedAt    *time.Time   `json:"resolved_at,omitempty"`
	DeclineReason string       `json:"decline_reason,omitempty"`
	SessionID     string       `json:"session_id,omitempty"`
}

// Session is the minimal hand-off record created when a request is accepted.
type Session struct {
	ID          string      `json:"id" db:"id"`
	RequestID   string      `json:"request_id" db:"request_id"`
	Participant string      `json:"participant" db:"participant"`
	Therapist   string      `json:"therapist" db:"therapist"`
	SessionType SessionType `json:"session_type" db:"session_type"`
	StartTime   time.Time   `json:"start_time" db:"start_time"`
	EndTime     *time.Time  `json:"end_time,omitempty" db:"end_time"`
}

// Therapist is the profile record held by the backing store. Live status
// is never stored there; it is merged in from the presence directory.
type Therapist struct {
	ID              string        `json:"id" db:"id"`
	Alias           string        `json:"alias" db:"alias"`
	Specializations []string      `json:"specializations" db:"specializations"`
	Languages       []string      `json:"languages" db:"languages"`
	SessionTypes    []SessionType `json:"session_types" db:"session_types"`
	Status          Status        `json:"status,omitempty" db:"-"`
	CreatedAt       time.Time     `json:"created_at" db:"created_at"`
}

// TherapistFilter narrows availability queries. Empty fields match everything.
type TherapistFilter struct {
	Specialization string      `json:"specialization,omitempty"`
	Language       string      `json:"language,omitempty"`
	SessionType    SessionType `json:"session_type,omitempty"`
}

// PageOptions controls pagination of therapist listings.
type PageOptions struct {
	Page  int    `json:"page"`
	Limit int    `json:"limit"`
	Sort  string `json:"sort,omitempty"`
}

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Normalize clamps the page to sane bounds so equivalent requests share a cache key.
func (p PageOptions) Normalize() PageOptions {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Sort != "alias" && p.Sort != "created_at" {
		p.Sort = "alias"
	}
	return p
}

// Offset returns the zero-based index of the first row on the page.
func (p PageOptions) Offset() int {
	return (p.Page - 1) * p.Limit
}

// TherapistQuery is what the availability service hands to the backing store:
// the caller's filter restricted to a set of identities currently in the wanted state.
type TherapistQuery struct {
	IDs    []string
	Filter TherapistFilter
	Page   PageOptions
}

// TherapistPage is one page of a therapist listing.
type TherapistPage struct {
	Therapists []Therapist `json:"therapists"`
	Total      int         `json:"total"`
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
}

// TherapistStats is the per-therapist aggregate served by the stats view.
type TherapistStats struct {
	TherapistID       string  `json:"therapist_id"`
	AverageRating     float64 `json:"average_rating"`
	RatingCount       int     `json:"rating_count"`
	SessionsCompleted int     `json:"sessions_completed"`
}

// RealtimeStatus holds the aggregate counts shown on the landing page.
type RealtimeStatus struct {
	TherapistsRegistered  int       `json:"therapists_registered"`
	TherapistsOnline      int       `json:"therapists_online"`
	TherapistsInSession   int       `json:"therapists_in_session"`
	TherapistsConnected   int       `json:"therapists_connected"`
	ParticipantsConnected int       `json:"participants_connected"`
	GeneratedAt           time.Time `json:"generated_at"`
}

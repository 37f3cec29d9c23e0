package interfaces

import (
	"context"

	"mindbridge/pkg/types"
)

// TherapistStore is the read side of the backing store the availability
// service shields with its cache.
type TherapistStore interface {
	// FindTherapists returns the page of therapists whose IDs are in q.IDs and
	// match q.Filter. An empty q.IDs yields an empty page.
	FindTherapists(ctx context.Context, q types.TherapistQuery) (*types.TherapistPage, error)

	// CountTherapists returns the number of registered therapist profiles.
	CountTherapists(ctx context.Context) (int, error)

	// FindTherapistStats aggregates ratings and completed sessions for one therapist.
	FindTherapistStats(ctx context.Context, therapistID string) (*types.TherapistStats, error)

	// UpsertTherapist creates or replaces a therapist profile.
	UpsertTherapist(ctx context.Context, t *types.Therapist) error

	HealthCheck(ctx context.Context) error
	Close() error
}

// SessionRecorder persists session outcomes on behalf of the session workflow.
type SessionRecorder interface {
	RecordSession(ctx context.Context, session *types.Session) error
	EndSession(ctx context.Context, session *types.Session) error
}

// Store is a full backing store driver.
type Store interface {
	TherapistStore
	SessionRecorder
}

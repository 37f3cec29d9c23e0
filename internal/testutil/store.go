package testutil

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"mindbridge/pkg/types"
)

var ErrStoreDown = errors.New("store down")

// Store is an in-memory interfaces.Store with call counters and injectable failures.
type Store struct {
	mu         sync.Mutex
	therapists map[string]types.Therapist
	stats      map[string]types.TherapistStats
	sessions   map[string]types.Session

	// Err, when set, is returned by every read.
	Err error
	// RecordErr, when set, is returned by RecordSession.
	RecordErr error

	FindCalls  atomic.Int64
	CountCalls atomic.Int64
	StatsCalls atomic.Int64
}

func NewStore(therapists ...types.Therapist) *Store {
	s := &Store{
		therapists: make(map[string]types.Therapist),
		stats:      make(map[string]types.TherapistStats),
		sessions:   make(map[string]types.Session),
	}
	for _, t := range therapists {
		s.therapists[t.ID] = t
	}
	return s
}

func (s *Store) fail() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Err
}

// SetErr sets or clears the read failure.
func (s *Store) SetErr(err error) {
	s.mu.Lock()
	s.Err = err
	s.mu.Unlock()
}

func (s *Store) FindTherapists(_ context.Context, q types.TherapistQuery) (*types.TherapistPage, error) {
	s.FindCalls.Add(1)
	if err := s.fail(); err != nil {
		return nil, err
	}
	page := q.Page.Normalize()

	s.mu.Lock()
	var matched []types.Therapist
	for _, id := range q.IDs {
		t, ok := s.therapists[id]
		if !ok || !matches(t, q.Filter) {
			continue
		}
		matched = append(matched, t)
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if page.Sort == "created_at" {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].Alias < matched[j].Alias
	})

	out := &types.TherapistPage{Therapists: []types.Therapist{}, Total: len(matched), Page: page.Page, Limit: page.Limit}
	start := page.Offset()
	if start < len(matched) {
		end := min(start+page.Limit, len(matched))
		out.Therapists = append(out.Therapists, matched[start:end]...)
	}
	return out, nil
}

func matches(t types.Therapist, f types.TherapistFilter) bool {
	if f.Specialization != "" && !slices.Contains(t.Specializations, f.Specialization) {
		return false
	}
	if f.Language != "" && !slices.Contains(t.Languages, f.Language) {
		return false
	}
	if f.SessionType != "" && !slices.Contains(t.SessionTypes, f.SessionType) {
		return false
	}
	return true
}

func (s *Store) CountTherapists(context.Context) (int, error) {
	s.CountCalls.Add(1)
	if err := s.fail(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.therapists), nil
}

func (s *Store) FindTherapistStats(_ context.Context, id string) (*types.TherapistStats, error) {
	s.StatsCalls.Add(1)
	if err := s.fail(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats[id]
	st.TherapistID = id
	return &st, nil
}

// SetStats replaces the stats returned for a therapist.
func (s *Store) SetStats(st types.TherapistStats) {
	s.mu.Lock()
	s.stats[st.TherapistID] = st
	s.mu.Unlock()
}

func (s *Store) UpsertTherapist(_ context.Context, t *types.Therapist) error {
	s.mu.Lock()
	s.therapists[t.ID] = *t
	s.mu.Unlock()
	return nil
}

func (s *Store) RecordSession(_ context.Context, session *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.RecordErr != nil {
		return s.RecordErr
	}
	s.sessions[session.ID] = *session
	return nil
}

func (s *Store) EndSession(_ context.Context, session *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = *session
	st := s.stats[session.Therapist]
	st.SessionsCompleted++
	s.stats[session.Therapist] = st
	return nil
}

// Session returns a recorded session.
func (s *Store) Session(id string) (types.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Store) HealthCheck(context.Context) error { return s.fail() }

func (s *Store) Close() error { return nil }

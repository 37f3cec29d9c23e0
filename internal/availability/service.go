package availability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"mindbridge/internal/cache"
	"mindbridge/internal/observability"
	"mindbridge/internal/presence"
	"mindbridge/pkg/interfaces"
	"mindbridge/pkg/types"
)

// Scope selects what Invalidate removes.
type Scope int

const (
	// ScopeAllTherapistViews covers the available, online and realtime views.
	ScopeAllTherapistViews Scope = iota
	// ScopeRealtime covers only the aggregate counts.
	ScopeRealtime
)

// Service serves the availability views from the cache and recomputes them
// from the directory and the backing store on a miss.
//
// Concurrent misses on one key share a single backing-store call. The shared
// call runs detached from any one caller's context, bounded by fetchTimeout;
// a caller that gives up only stops waiting. Each invalidation bumps a
// generation counter (one for the list views, one per therapist for stats);
// a fetch that started under an older generation returns its result to its
// callers but does not leave it in the cache.
type Service struct {
	cache     cache.Cache
	store     interfaces.TherapistStore
	directory *presence.Directory
	ttls      TTLs
	now       func() time.Time
	logger    *slog.Logger

	fetchTimeout time.Duration

	group        singleflight.Group
	viewsGen     atomic.Uint64
	statsGens    sync.Map // therapist id -> *atomic.Uint64
	hits         atomic.Uint64
	misses       atomic.Uint64
	upstreamErrs atomic.Uint64
}

// NewService creates the availability service. Zero TTL fields take the defaults.
func NewService(c cache.Cache, store interfaces.TherapistStore, directory *presence.Directory, ttls TTLs) *Service {
	return &Service{
		cache:        c,
		store:        store,
		directory:    directory,
		ttls:         ttls.withDefaults(),
		now:          time.Now,
		logger:       observability.Component("availability"),
		fetchTimeout: DefaultFetchTimeout,
	}
}

// WithClock overrides the time source used for GeneratedAt stamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// TTLs returns the effective view TTLs.
func (s *Service) TTLs() TTLs {
	return s.ttls
}

// Query returns the JSON encoding of a list or realtime view. Filter and page
// are ignored for the realtime view.
func (s *Service) Query(ctx context.Context, view View, filter types.TherapistFilter, page types.PageOptions) ([]byte, error) {
	switch view {
	case ViewAvailable, ViewOnline:
		page = page.Normalize()
		key := listKey(view, filter, page)
		return s.load(ctx, key, s.ttls.of(view), &s.viewsGen, func(ctx context.Context) (any, error) {
			return s.computeList(ctx, view, filter, page)
		})
	case ViewRealtime:
		return s.load(ctx, realtimeKey(), s.ttls.Realtime, &s.viewsGen, s.computeRealtime)
	case ViewStats:
		return nil, fmt.Errorf("%w: stats is keyed by therapist id", ErrUnknownView)
	default:
		return nil, ErrUnknownView
	}
}

// AvailableTherapists lists connected therapists who are Online.
func (s *Service) AvailableTherapists(ctx context.Context, filter types.TherapistFilter, page types.PageOptions) (*types.TherapistPage, error) {
	return decode[types.TherapistPage](s.Query(ctx, ViewAvailable, filter, page))
}

// OnlineTherapists lists connected therapists who are Online or InSession.
func (s *Service) OnlineTherapists(ctx context.Context, filter types.TherapistFilter, page types.PageOptions) (*types.TherapistPage, error) {
	return decode[types.TherapistPage](s.Query(ctx, ViewOnline, filter, page))
}

// RealtimeStatus returns the aggregate counts.
func (s *Service) RealtimeStatus(ctx context.Context) (*types.RealtimeStatus, error) {
	return decode[types.RealtimeStatus](s.Query(ctx, ViewRealtime, types.TherapistFilter{}, types.PageOptions{}))
}

// TherapistStats returns the rating and session aggregate of one therapist.
func (s *Service) TherapistStats(ctx context.Context, therapistID string) (*types.TherapistStats, error) {
	if therapistID == "" {
		return nil, ErrEmptyID
	}
	return decode[types.TherapistStats](s.load(ctx, statsKey(therapistID), s.ttls.Stats, s.statsGeneration(therapistID), func(ctx context.Context) (any, error) {
		return s.store.FindTherapistStats(ctx, therapistID)
	}))
}

// Invalidate removes every cached entry in scope. Readers are never blocked;
// they may see the old value until their next miss.
func (s *Service) Invalidate(ctx context.Context, scope Scope) error {
	var views []View
	switch scope {
	case ScopeAllTherapistViews:
		views = []View{ViewAvailable, ViewOnline, ViewRealtime}
	case ScopeRealtime:
		views = []View{ViewRealtime}
	default:
		return ErrUnknownScope
	}

	s.viewsGen.Add(1)
	var errs []error
	for _, v := range views {
		if _, err := s.cache.DeleteByPrefix(ctx, cache.BucketPrefix(v.Bucket())); err != nil {
			errs = append(errs, fmt.Errorf("invalidate %s: %w", v, err))
		}
	}
	return errors.Join(errs...)
}

// InvalidateTherapistStats drops the cached stats of one therapist. It is the
// hook called when a rating is recorded.
func (s *Service) InvalidateTherapistStats(ctx context.Context, therapistID string) error {
	if therapistID == "" {
		return ErrEmptyID
	}
	s.statsGeneration(therapistID).Add(1)
	if err := s.cache.Delete(ctx, statsKey(therapistID)); err != nil {
		return fmt.Errorf("invalidate stats %s: %w", therapistID, err)
	}
	return nil
}

// OnPresenceChange is a presence.Observer. Any therapist presence or status
// change invalidates every therapist view; participant connects and
// disconnects only move the realtime counts.
func (s *Service) OnPresenceChange(c presence.Change) {
	scope := ScopeAllTherapistViews
	switch {
	case c.Kind == presence.ChangeStatus && !c.StatusChanged():
		return
	case c.Kind == presence.ChangeReplaced && !c.StatusChanged():
		return
	case c.Role == types.RoleParticipant:
		scope = ScopeRealtime
	}
	if err := s.Invalidate(context.Background(), scope); err != nil {
		s.logger.Warn("invalidation failed", "identity", c.Identity, "change", c.Kind.String(), "error", err)
	}
}

// Stats returns cache hit, miss and upstream error counters.
func (s *Service) Stats() map[string]uint64 {
	return map[string]uint64{
		"hits":            s.hits.Load(),
		"misses":          s.misses.Load(),
		"upstream_errors": s.upstreamErrs.Load(),
	}
}

func (s *Service) load(ctx context.Context, key string, ttl time.Duration, gen *atomic.Uint64, compute func(context.Context) (any, error)) ([]byte, error) {
	data, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("cache read failed", "key", key, "error", err)
	} else if ok {
		s.hits.Add(1)
		return data, nil
	}
	s.misses.Add(1)

	g := gen.Load()
	flight := key + "#" + strconv.FormatUint(g, 10)
	ch := s.group.DoChan(flight, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
		defer cancel()

		value, err := compute(ctx)
		if err != nil {
			s.upstreamErrs.Add(1)
			return nil, fmt.Errorf("%w: %w", types.ErrUpstreamUnavailable, err)
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key, err)
		}
		if gen.Load() != g {
			return encoded, nil
		}
		if err := s.cache.Set(ctx, key, encoded, ttl); err != nil {
			s.logger.Warn("cache write failed", "key", key, "error", err)
			return encoded, nil
		}
		if gen.Load() != g {
			_ = s.cache.Delete(ctx, key)
		}
		return encoded, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) statsGeneration(therapistID string) *atomic.Uint64 {
	if g, ok := s.statsGens.Load(therapistID); ok {
		return g.(*atomic.Uint64)
	}
	g, _ := s.statsGens.LoadOrStore(therapistID, new(atomic.Uint64))
	return g.(*atomic.Uint64)
}

func (s *Service) computeList(ctx context.Context, view View, filter types.TherapistFilter, page types.PageOptions) (*types.TherapistPage, error) {
	statuses := []types.Status{types.StatusOnline}
	if view == ViewOnline {
		statuses = append(statuses, types.StatusInSession)
	}
	ids := s.directory.IdentitiesWithStatus(statuses...)
	if len(ids) == 0 {
		return &types.TherapistPage{Therapists: []types.Therapist{}, Page: page.Page, Limit: page.Limit}, nil
	}
	sort.Strings(ids)

	result, err := s.store.FindTherapists(ctx, types.TherapistQuery{IDs: ids, Filter: filter, Page: page})
	if err != nil {
		return nil, err
	}
	for i := range result.Therapists {
		if st, ok := s.directory.Status(result.Therapists[i].ID); ok {
			result.Therapists[i].Status = st
		} else {
			result.Therapists[i].Status = types.StatusOffline
		}
	}
	return result, nil
}

func (s *Service) computeRealtime(ctx context.Context) (any, error) {
	registered, err := s.store.CountTherapists(ctx)
	if err != nil {
		return nil, err
	}
	stats := s.directory.GetStats()
	return &types.RealtimeStatus{
		TherapistsRegistered:  registered,
		TherapistsOnline:      stats["therapists_online"],
		TherapistsInSession:   stats["therapists_in_session"],
		TherapistsConnected:   stats["therapists"],
		ParticipantsConnected: stats["participants"],
		GeneratedAt:           s.now().UTC(),
	}, nil
}

func decode[T any](data []byte, err error) (*T, error) {
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode cached view: %w", err)
	}
	return &v, nil
}

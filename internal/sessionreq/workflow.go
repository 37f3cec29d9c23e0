package sessionreq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mindbridge/internal/observability"
	"mindbridge/internal/presence"
	"mindbridge/internal/status"
	"mindbridge/pkg/interfaces"
	"mindbridge/pkg/types"
)

const (
	DefaultTimeout       = 2 * time.Minute
	DefaultSweepInterval = 5 * time.Second
	DefaultRetention     = 10 * time.Minute
)

// Config holds request expiry timing. Retention is how long a resolved
// request stays readable before the sweep evicts it.
type Config struct {
	Timeout       time.Duration
	SweepInterval time.Duration
	Retention     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	return c
}

// entry serializes every transition of one request.
type entry struct {
	mu  sync.Mutex
	req types.SessionRequest
}

// Workflow mediates Pending -> Accepted | Declined | Expired for session
// requests and owns the sessions created by an accept until they end.
type Workflow struct {
	directory *presence.Directory
	tracker   *status.Tracker
	recorder  interfaces.SessionRecorder
	publisher interfaces.Publisher
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger

	mu       sync.RWMutex
	requests map[string]*entry
	sessions map[string]*types.Session

	runMu sync.Mutex
	stop  chan struct{}
	done  chan struct{}
}

// NewWorkflow creates a workflow. A nil publisher discards events.
func NewWorkflow(directory *presence.Directory, tracker *status.Tracker, recorder interfaces.SessionRecorder, publisher interfaces.Publisher, cfg Config) *Workflow {
	if publisher == nil {
		publisher = interfaces.NopPublisher{}
	}
	return &Workflow{
		directory: directory,
		tracker:   tracker,
		recorder:  recorder,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		logger:    observability.Component("sessionreq"),
		requests:  make(map[string]*entry),
		sessions:  make(map[string]*types.Session),
	}
}

// WithClock overrides the time source.
func (w *Workflow) WithClock(now func() time.Time) *Workflow {
	w.now = now
	return w
}

// Config returns the effective timing.
func (w *Workflow) Config() Config {
	return w.cfg
}

// Create opens a pending request from a connected identity to a therapist
// who must currently be Online.
func (w *Workflow) Create(ctx context.Context, from, therapist string, sessionType types.SessionType, priority types.Priority) (*types.SessionRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := types.ParseSessionType(string(sessionType)); err != nil {
		return nil, err
	}
	priority, err := types.ParsePriority(string(priority))
	if err != nil {
		return nil, err
	}
	if from == therapist {
		return nil, ErrSelfRequest
	}
	if _, ok := w.directory.Lookup(from); !ok {
		return nil, types.ErrNotConnected
	}
	t, ok := w.directory.Lookup(therapist)
	if !ok || t.Role != types.RoleTherapist || t.Status != types.StatusOnline {
		return nil, types.ErrTherapistUnavailable
	}

	now := w.now()
	req := types.SessionRequest{
		ID:          uuid.NewString(),
		From:        from,
		Therapist:   therapist,
		SessionType: sessionType,
		Priority:    priority,
		CreatedAt:   now,
		ExpiresAt:   now.Add(w.cfg.Timeout),
		State:       types.RequestPending,
	}

	w.mu.Lock()
	w.requests[req.ID] = &entry{req: req}
	w.mu.Unlock()

	w.logger.Info("session request created", "request_id", req.ID, "from", from, "therapist", therapist, "priority", priority)
	w.publishRequest(types.EventRequestCreated, req)
	return &req, nil
}

// Get returns a copy of a request.
func (w *Workflow) Get(requestID string) (*types.SessionRequest, bool) {
	e := w.lookup(requestID)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	req := e.req
	return &req, true
}

// Pending lists a therapist's pending, unexpired requests, most urgent first.
func (w *Workflow) Pending(therapist string) []types.SessionRequest {
	now := w.now()
	w.mu.RLock()
	entries := make([]*entry, 0, len(w.requests))
	for _, e := range w.requests {
		entries = append(entries, e)
	}
	w.mu.RUnlock()

	var out []types.SessionRequest
	for _, e := range entries {
		e.mu.Lock()
		if e.req.Therapist == therapist && e.req.State == types.RequestPending && now.Before(e.req.ExpiresAt) {
			out = append(out, e.req)
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := priorityRank(out[i].Priority), priorityRank(out[j].Priority)
		if ri != rj {
			return ri > rj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func priorityRank(p types.Priority) int {
	switch p {
	case types.PriorityUrgent:
		return 3
	case types.PriorityHigh:
		return 2
	case types.PriorityNormal:
		return 1
	default:
		return 0
	}
}

func (w *Workflow) lookup(requestID string) *entry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.requests[requestID]
}

// resolvable checks a request under its lock. A pending request past its
// deadline is expired on the spot.
func (w *Workflow) resolvable(e *entry, by string, now time.Time) error {
	if e.req.State.Terminal() {
		return types.ErrAlreadyResolved
	}
	if !now.Before(e.req.ExpiresAt) {
		w.expire(e, now)
		return types.ErrAlreadyResolved
	}
	if by != e.req.Therapist {
		return ErrNotAddressee
	}
	return nil
}

func (w *Workflow) expire(e *entry, now time.Time) {
	e.req.State = types.RequestExpired
	e.req.ResolvedAt = &now
	w.logger.Info("session request expired", "request_id", e.req.ID, "therapist", e.req.Therapist)
	w.publishRequest(types.EventRequestExpired, e.req)
}

// Accept resolves a pending request, moves the therapist to InSession and
// records the new session. It succeeds at most once per request.
func (w *Workflow) Accept(ctx context.Context, requestID, by string) (*types.Session, error) {
	e := w.lookup(requestID)
	if e == nil {
		return nil, ErrRequestNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := w.now()
	if err := w.resolvable(e, by, now); err != nil {
		return nil, err
	}

	prior, _ := w.directory.Status(e.req.Therapist)
	if err := w.tracker.BeginSession(e.req.Therapist); err != nil {
		if errors.Is(err, status.ErrInSession) {
			return nil, fmt.Errorf("%w: %w", types.ErrTherapistUnavailable, err)
		}
		return nil, err
	}

	session := &types.Session{
		ID:          uuid.NewString(),
		RequestID:   e.req.ID,
		Participant: e.req.From,
		Therapist:   e.req.Therapist,
		SessionType: e.req.SessionType,
		StartTime:   now,
	}
	if err := w.recorder.RecordSession(ctx, session); err != nil {
		w.rollback(e.req.Therapist, prior)
		return nil, fmt.Errorf("%w: record session: %w", types.ErrUpstreamUnavailable, err)
	}

	e.req.State = types.RequestAccepted
	e.req.ResolvedAt = &now
	e.req.SessionID = session.ID

	w.mu.Lock()
	w.sessions[session.ID] = session
	w.mu.Unlock()

	w.logger.Info("session request accepted", "request_id", e.req.ID, "session_id", session.ID, "therapist", e.req.Therapist)
	out := *session
	w.publisher.Publish(types.Event{
		Type:      types.EventRequestAccepted,
		Identity:  e.req.From,
		Peer:      e.req.Therapist,
		Request:   copyRequest(e.req),
		Session:   &out,
		Timestamp: now,
	})
	return &out, nil
}

func (w *Workflow) rollback(therapist string, prior types.Status) {
	_, err := w.directory.Transition(therapist, func(e presence.Entry) (types.Status, error) {
		if e.Status != types.StatusInSession {
			return e.Status, nil
		}
		return prior, nil
	})
	if err != nil && !errors.Is(err, types.ErrNotConnected) {
		w.logger.Warn("status rollback failed", "therapist", therapist, "error", err)
	}
}

// Decline resolves a pending request without starting a session. The
// therapist's status is unaffected.
func (w *Workflow) Decline(ctx context.Context, requestID, by, reason string) (*types.SessionRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e := w.lookup(requestID)
	if e == nil {
		return nil, ErrRequestNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := w.now()
	if err := w.resolvable(e, by, now); err != nil {
		return nil, err
	}
	e.req.State = types.RequestDeclined
	e.req.ResolvedAt = &now
	e.req.DeclineReason = reason

	w.logger.Info("session request declined", "request_id", e.req.ID, "therapist", e.req.Therapist)
	w.publishRequest(types.EventRequestDeclined, e.req)
	req := e.req
	return &req, nil
}

// Session returns a copy of an active session.
func (w *Workflow) Session(sessionID string) (*types.Session, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s, ok := w.sessions[sessionID]
	if !ok {
		return nil, false
	}
	out := *s
	return &out, true
}

// EndSession closes an active session in the backing store and moves the
// therapist from InSession back to Online before returning. If the store
// call fails the session stays active so the call can be retried.
func (w *Workflow) EndSession(ctx context.Context, sessionID string) (*types.Session, error) {
	w.mu.Lock()
	s, ok := w.sessions[sessionID]
	if !ok {
		w.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	delete(w.sessions, sessionID)
	w.mu.Unlock()

	ended := *s
	end := w.now()
	ended.EndTime = &end
	if err := w.recorder.EndSession(ctx, &ended); err != nil {
		w.mu.Lock()
		w.sessions[sessionID] = s
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: end session: %w", types.ErrUpstreamUnavailable, err)
	}

	if err := w.tracker.EndSession(s.Therapist); err != nil {
		w.logger.Info("therapist not returned to online", "therapist", s.Therapist, "session_id", sessionID, "reason", err)
	}

	w.logger.Info("session ended", "session_id", sessionID, "therapist", s.Therapist, "duration", end.Sub(s.StartTime))
	w.publisher.Publish(types.Event{
		Type:      types.EventSessionEnded,
		Identity:  s.Participant,
		Peer:      s.Therapist,
		Session:   &ended,
		Timestamp: end,
	})
	return &ended, nil
}

// Sweep expires pending requests past their deadline and evicts resolved
// requests older than the retention window. It returns how many expired.
func (w *Workflow) Sweep(now time.Time) int {
	w.mu.RLock()
	entries := make([]*entry, 0, len(w.requests))
	for _, e := range w.requests {
		entries = append(entries, e)
	}
	w.mu.RUnlock()

	expired := 0
	var evict []string
	for _, e := range entries {
		e.mu.Lock()
		switch {
		case e.req.State == types.RequestPending && !now.Before(e.req.ExpiresAt):
			w.expire(e, now)
			expired++
		case e.req.State.Terminal() && e.req.ResolvedAt != nil && now.Sub(*e.req.ResolvedAt) >= w.cfg.Retention:
			evict = append(evict, e.req.ID)
		}
		e.mu.Unlock()
	}

	if len(evict) > 0 {
		w.mu.Lock()
		for _, id := range evict {
			delete(w.requests, id)
		}
		w.mu.Unlock()
	}
	return expired
}

// Stats returns counters for health reporting.
func (w *Workflow) Stats() map[string]int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return map[string]int{
		"requests":        len(w.requests),
		"active_sessions": len(w.sessions),
	}
}

// Start runs Sweep every SweepInterval until ctx is done or Close is called.
func (w *Workflow) Start(ctx context.Context) error {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.stop != nil {
		return ErrAlreadyRunning
	}
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.sweepLoop(ctx, w.stop, w.done)
	return nil
}

func (w *Workflow) sweepLoop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Sweep(w.now())
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the sweep loop. It is safe to call more than once.
func (w *Workflow) Close() error {
	w.runMu.Lock()
	stop, done := w.stop, w.done
	w.stop, w.done = nil, nil
	w.runMu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

func (w *Workflow) publishRequest(t types.EventType, req types.SessionRequest) {
	w.publisher.Publish(types.Event{
		Type:      t,
		Identity:  req.From,
		Peer:      req.Therapist,
		Request:   copyRequest(req),
		Timestamp: w.now(),
	})
}

func copyRequest(req types.SessionRequest) *types.SessionRequest {
	if req.ResolvedAt != nil {
		at := *req.ResolvedAt
		req.ResolvedAt = &at
	}
	return &req
}

package status

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"mindbridge/internal/observability"
	"mindbridge/internal/presence"
	"mindbridge/pkg/types"
)

const (
	DefaultMinInterval   = 15 * time.Second
	DefaultStaleWindow   = 90 * time.Second
	DefaultSweepInterval = 15 * time.Second
)

// Config holds the heartbeat timing.
type Config struct {
	MinInterval   time.Duration
	StaleWindow   time.Duration
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinInterval <= 0 {
		c.MinInterval = DefaultMinInterval
	}
	if c.StaleWindow <= 0 {
		c.StaleWindow = DefaultStaleWindow
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// HeartbeatResult reports how a heartbeat was treated.
type HeartbeatResult struct {
	// Redundant is set when the heartbeat arrived sooner than MinInterval
	// after the previous counted one. It still refreshes last-seen.
	Redundant bool
	LastSeen  time.Time
}

type liveness struct {
	lastSeen    time.Time
	lastCounted time.Time
}

// Tracker owns therapist status transitions. Status itself lives in the
// presence directory entries; the tracker keeps heartbeat timestamps and
// applies every transition through Directory.Transition so each one is
// atomic with respect to registration.
type Tracker struct {
	directory *presence.Directory
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger

	mu    sync.Mutex
	seen  map[string]*liveness
	runMu sync.Mutex
	stop  chan struct{}
	done  chan struct{}
}

// NewTracker creates a tracker bound to directory. It forgets heartbeat
// state for identities as they unregister.
func NewTracker(directory *presence.Directory, cfg Config) *Tracker {
	t := &Tracker{
		directory: directory,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		logger:    observability.Component("status"),
		seen:      make(map[string]*liveness),
	}
	directory.Observe(t.onChange)
	return t
}

// WithClock overrides the time source used for transitions and sweeps.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Config returns the effective timing.
func (t *Tracker) Config() Config {
	return t.cfg
}

func (t *Tracker) onChange(c presence.Change) {
	if c.Role != types.RoleTherapist {
		return
	}
	switch c.Kind {
	case presence.ChangeUnregistered:
		t.mu.Lock()
		delete(t.seen, c.Identity)
		t.mu.Unlock()
	case presence.ChangeRegistered, presence.ChangeReplaced:
		t.mu.Lock()
		if _, ok := t.seen[c.Identity]; !ok {
			t.seen[c.Identity] = &liveness{}
		}
		t.mu.Unlock()
		t.touch(c.Identity, t.now())
	}
}

// touch refreshes an existing record. Records are only created on
// registration, so a touch racing an unregistration cannot resurrect one.
func (t *Tracker) touch(identity string, ts time.Time) {
	t.mu.Lock()
	if l, ok := t.seen[identity]; ok && ts.After(l.lastSeen) {
		l.lastSeen = ts
	}
	t.mu.Unlock()
}

func requireTherapist(e presence.Entry) error {
	if e.Role != types.RoleTherapist {
		return ErrNotTherapist
	}
	return nil
}

// GoOnline moves a therapist from Offline or Online to Online.
func (t *Tracker) GoOnline(identity string) error {
	_, err := t.directory.Transition(identity, func(e presence.Entry) (types.Status, error) {
		if err := requireTherapist(e); err != nil {
			return "", err
		}
		if e.Status == types.StatusInSession {
			return "", ErrInSession
		}
		return types.StatusOnline, nil
	})
	if err != nil {
		return err
	}
	t.touch(identity, t.now())
	t.logger.Info("therapist online", "identity", identity)
	return nil
}

// GoOffline moves a therapist to Offline from any state. An active session is
// not closed; that is left to the session workflow.
func (t *Tracker) GoOffline(identity string) error {
	change, err := t.directory.Transition(identity, func(e presence.Entry) (types.Status, error) {
		if err := requireTherapist(e); err != nil {
			return "", err
		}
		return types.StatusOffline, nil
	})
	if err != nil {
		return err
	}
	if change.Previous == types.StatusInSession {
		t.logger.Warn("therapist went offline mid-session", "identity", identity)
	} else {
		t.logger.Info("therapist offline", "identity", identity)
	}
	return nil
}

// Heartbeat records a liveness signal at ts. Heartbeats never change status.
func (t *Tracker) Heartbeat(identity string, ts time.Time) (HeartbeatResult, error) {
	e, ok := t.directory.Lookup(identity)
	if !ok {
		return HeartbeatResult{}, types.ErrNotConnected
	}
	if err := requireTherapist(e); err != nil {
		return HeartbeatResult{}, err
	}
	if ts.IsZero() {
		ts = t.now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.seen[identity]
	if !ok {
		// Unregistered after the lookup above.
		return HeartbeatResult{}, types.ErrNotConnected
	}
	var res HeartbeatResult
	if !l.lastCounted.IsZero() && ts.Sub(l.lastCounted) < t.cfg.MinInterval {
		res.Redundant = true
	} else {
		l.lastCounted = ts
	}
	if ts.After(l.lastSeen) {
		l.lastSeen = ts
	}
	res.LastSeen = l.lastSeen
	return res, nil
}

// LastSeen returns the last liveness signal recorded for identity.
func (t *Tracker) LastSeen(identity string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.seen[identity]
	if !ok {
		return time.Time{}, false
	}
	return l.lastSeen, true
}

// BeginSession moves a therapist from Online or Offline to InSession.
func (t *Tracker) BeginSession(identity string) error {
	_, err := t.directory.Transition(identity, func(e presence.Entry) (types.Status, error) {
		if err := requireTherapist(e); err != nil {
			return "", err
		}
		if e.Status == types.StatusInSession {
			return "", ErrInSession
		}
		return types.StatusInSession, nil
	})
	return err
}

// EndSession moves a therapist from InSession back to Online.
func (t *Tracker) EndSession(identity string) error {
	_, err := t.directory.Transition(identity, func(e presence.Entry) (types.Status, error) {
		if err := requireTherapist(e); err != nil {
			return "", err
		}
		if e.Status != types.StatusInSession {
			return "", ErrNotInSession
		}
		return types.StatusOnline, nil
	})
	if err != nil {
		return err
	}
	t.touch(identity, t.now())
	return nil
}

// Sweep demotes every Online therapist whose last heartbeat is older than the
// stale window and returns the demoted identities.
func (t *Tracker) Sweep(now time.Time) []string {
	var demoted []string
	for _, id := range t.directory.IdentitiesWithStatus(types.StatusOnline) {
		t.mu.Lock()
		l, ok := t.seen[id]
		stale := !ok || now.Sub(l.lastSeen) > t.cfg.StaleWindow
		t.mu.Unlock()
		if !stale {
			continue
		}

		change, err := t.directory.Transition(id, func(e presence.Entry) (types.Status, error) {
			if e.Status != types.StatusOnline {
				return e.Status, nil
			}
			t.mu.Lock()
			defer t.mu.Unlock()
			if l, ok := t.seen[id]; ok && now.Sub(l.lastSeen) <= t.cfg.StaleWindow {
				return e.Status, nil
			}
			return types.StatusOffline, nil
		})
		if err != nil || !change.StatusChanged() {
			continue
		}
		demoted = append(demoted, id)
	}
	if len(demoted) > 0 {
		t.logger.Info("demoted stale therapists", "count", len(demoted), "identities", demoted)
	}
	return demoted
}

// Start runs Sweep every SweepInterval until ctx is done or Close is called.
func (t *Tracker) Start(ctx context.Context) error {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.stop != nil {
		return ErrAlreadyRunning
	}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})

	go t.sweepLoop(ctx, t.stop, t.done)
	return nil
}

func (t *Tracker) sweepLoop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Sweep(t.now())
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the sweep loop. It is safe to call more than once.
func (t *Tracker) Close() error {
	t.runMu.Lock()
	stop, done := t.stop, t.done
	t.stop, t.done = nil, nil
	t.runMu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

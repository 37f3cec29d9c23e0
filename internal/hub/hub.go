package hub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"mindbridge/internal/observability"
	"mindbridge/internal/presence"
	"mindbridge/pkg/interfaces"
	"mindbridge/pkg/types"
)

// EventBuffer is the capacity of the event channel.
const EventBuffer = 1000

// Subscriber receives every event the hub processes, on the hub goroutine.
type Subscriber func(types.Event)

// Hub fans core events out to the connections that should see them.
// Publishers never block: events are queued on a buffered channel and a
// single goroutine resolves recipients and writes the frames.
type Hub struct {
	events   chan types.Event
	shutdown chan struct{}

	directory *presence.Directory
	logger    *slog.Logger

	subMu       sync.RWMutex
	subscribers []Subscriber

	dropped   atomic.Uint64
	delivered atomic.Uint64

	running bool
	mu      sync.RWMutex
	done    chan struct{}
}

// NewHub creates a hub delivering to connections found in directory.
func NewHub(directory *presence.Directory) *Hub {
	return &Hub{
		events:    make(chan types.Event, EventBuffer),
		directory: directory,
		logger:    observability.Component("hub"),
	}
}

// Subscribe adds a collaborator that receives every event.
func (h *Hub) Subscribe(s Subscriber) {
	h.subMu.Lock()
	h.subscribers = append(h.subscribers, s)
	h.subMu.Unlock()
}

// Start begins processing events.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdown = make(chan struct{})
	h.done = make(chan struct{})

	h.logger.Info("starting event hub")
	go h.run(ctx, h.shutdown, h.done)
	return nil
}

// Stop shuts the hub down after the run loop exits. Queued events are dropped.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	done := h.done
	h.mu.Unlock()

	<-done
	h.logger.Info("event hub stopped", "delivered", h.delivered.Load(), "dropped", h.dropped.Load())
	return nil
}

// Enqueue queues an event without blocking.
func (h *Hub) Enqueue(e types.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return ErrHubNotRunning
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case h.events <- e:
		return nil
	default:
		return ErrEventChannelFull
	}
}

// Publish implements interfaces.Publisher. Events that cannot be queued are
// counted and dropped.
func (h *Hub) Publish(e types.Event) {
	if err := h.Enqueue(e); err != nil {
		h.dropped.Add(1)
		h.logger.Debug("event dropped", "type", e.Type, "error", err)
	}
}

var _ interfaces.Publisher = (*Hub)(nil)

// OnPresenceChange is a presence.Observer turning visible status changes
// into presence events.
func (h *Hub) OnPresenceChange(c presence.Change) {
	if !c.StatusChanged() {
		return
	}
	h.Publish(types.Event{
		Type:      types.PresenceEventType(c.Current),
		Identity:  c.Identity,
		Role:      c.Role,
		Status:    c.Current,
		Timestamp: time.Now(),
	})
}

// Stats returns delivery counters.
func (h *Hub) Stats() map[string]uint64 {
	return map[string]uint64{
		"queued":    uint64(len(h.events)),
		"delivered": h.delivered.Load(),
		"dropped":   h.dropped.Load(),
	}
}

func (h *Hub) run(ctx context.Context, shutdown, done chan struct{}) {
	defer close(done)
	defer h.logger.Debug("hub processing stopped")

	for {
		select {
		case e := <-h.events:
			h.handle(e)
		case <-shutdown:
			return
		case <-ctx.Done():
			h.mu.Lock()
			h.running = false
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) handle(e types.Event) {
	h.subMu.RLock()
	subs := h.subscribers
	h.subMu.RUnlock()
	for _, s := range subs {
		s(e)
	}

	frame, recipients := h.route(e)
	for _, id := range recipients {
		conn, ok := h.directory.Handle(id)
		if !ok {
			continue
		}
		if err := conn.WriteJSON(frame); err != nil {
			h.logger.Debug("event frame not delivered", "type", e.Type, "to", id, "error", err)
			continue
		}
		h.delivered.Add(1)
	}
}

// route picks the outbound frame and its recipients for an event.
func (h *Hub) route(e types.Event) (any, []string) {
	switch e.Type {
	case types.EventPresenceOnline, types.EventPresenceOffline, types.EventPresenceInSession:
		if e.Role != types.RoleTherapist {
			return nil, nil
		}
		var to []string
		for _, entry := range h.directory.Snapshot("") {
			if entry.Identity != e.Identity {
				to = append(to, entry.Identity)
			}
		}
		return presenceFrame{Type: "presence", Identity: e.Identity, Status: e.Status, Timestamp: e.Timestamp}, to

	case types.EventRequestCreated:
		if e.Request == nil {
			return nil, nil
		}
		return requestFrame{Type: "session_request", Event: "created", Request: e.Request, Timestamp: e.Timestamp}, []string{e.Peer}

	case types.EventRequestAccepted, types.EventRequestDeclined, types.EventRequestExpired:
		if e.Request == nil {
			return nil, nil
		}
		return requestFrame{
			Type:      "session_request",
			Event:     string(e.Request.State),
			Request:   e.Request,
			Session:   e.Session,
			Timestamp: e.Timestamp,
		}, []string{e.Identity, e.Peer}

	case types.EventSessionEnded:
		return sessionFrame{Type: "session", Event: "ended", Session: e.Session, Timestamp: e.Timestamp}, []string{e.Identity, e.Peer}

	default:
		return nil, nil
	}
}

type presenceFrame struct {
	Type      string       `json:"type"`
	Identity  string       `json:"identity"`
	Status    types.Status `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
}

type requestFrame struct {
	Type      string                `json:"type"`
	Event     string                `json:"event"`
	Request   *types.SessionRequest `json:"request"`
	Session   *types.Session        `json:"session,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

type sessionFrame struct {
	Type      string         `json:"type"`
	Event     string         `json:"event"`
	Session   *types.Session `json:"session"`
	Timestamp time.Time      `json:"timestamp"`
}

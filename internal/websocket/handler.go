package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"mindbridge/internal/observability"
	"mindbridge/internal/presence"
	"mindbridge/internal/relay"
	"mindbridge/internal/sessionreq"
	"mindbridge/internal/status"
	"mindbridge/pkg/types"
)

// Config holds transport timing and limits.
type Config struct {
	PongWait        time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
	FramesPerMinute int
	Burst           int
	AllowedOrigins  []string
}

// DefaultConfig returns the standard transport settings.
func DefaultConfig() Config {
	return Config{
		PongWait:        60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageBytes: 128 * 1024,
		FramesPerMinute: DefaultFramesPerMinute,
		Burst:           DefaultBurst,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait / 2
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	return c
}

// Handler upgrades relay connections and dispatches their frames to the core.
type Handler struct {
	directory *presence.Directory
	relay     *relay.Relay
	tracker   *status.Tracker
	workflow  *sessionreq.Workflow
	limiter   *RateLimiter
	upgrader  websocket.Upgrader
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewHandler wires the transport to the core services.
func NewHandler(directory *presence.Directory, r *relay.Relay, tracker *status.Tracker, workflow *sessionreq.Workflow, cfg Config) *Handler {
	cfg = cfg.withDefaults()
	h := &Handler{
		directory: directory,
		relay:     r,
		tracker:   tracker,
		workflow:  workflow,
		limiter:   NewRateLimiter(cfg.FramesPerMinute, cfg.Burst),
		cfg:       cfg,
		logger:    observability.Component("websocket"),
		now:       time.Now,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

// Limiter exposes the inbound rate limiter for periodic cleanup.
func (h *Handler) Limiter() *RateLimiter {
	return h.limiter
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleWebSocket serves GET /ws?identity=..&role=participant|therapist.
// Identity arrives already authenticated upstream; only its shape is checked.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")
	roleParam := r.URL.Query().Get("role")

	if identity == "" || roleParam == "" {
		http.Error(w, "Missing required query parameters: identity, role", http.StatusBadRequest)
		return
	}
	if !types.IsValidIdentity(identity) {
		http.Error(w, types.ErrInvalidIdentity.Error(), http.StatusBadRequest)
		return
	}
	role, err := types.ParseRole(roleParam)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "identity", identity, "error", err)
		return
	}

	conn := NewConnection(ws)
	conn.SetIdentity(identity, role)

	displaced, err := h.directory.Register(identity, conn, role)
	if err != nil {
		h.logger.Error("register failed", "identity", identity, "error", err)
		_ = conn.Close()
		return
	}
	if displaced != nil {
		h.logger.Info("connection replaced", "identity", identity)
		go func() { _ = displaced.Close() }()
	}

	st, _ := h.directory.Status(identity)
	_ = conn.WriteJSON(ack{Type: "ack", Event: "connected", Data: map[string]any{
		"identity": identity,
		"role":     role,
		"status":   st,
	}})
	h.logger.Info("connection registered", "identity", identity, "role", role, "connection_id", conn.ID())

	go h.handleConnection(conn)
}

// handleConnection runs the read pump and unregisters the connection when it ends.
func (h *Handler) handleConnection(conn *Connection) {
	identity := conn.Identity()
	defer func() {
		if id, ok := h.directory.Unregister(conn); ok {
			h.logger.Info("connection unregistered", "identity", id)
		}
		_ = conn.Close()
	}()

	conn.conn.SetReadLimit(h.cfg.MaxMessageBytes)
	if err := conn.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read error", "identity", identity, "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		_ = conn.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
		h.dispatch(conn.Context(), conn, data)
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}

// inbound is the union of every client frame.
type inbound struct {
	Type        string          `json:"type"`
	Ref         string          `json:"ref,omitempty"`
	To          string          `json:"to,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Action      string          `json:"action,omitempty"`
	Therapist   string          `json:"therapist,omitempty"`
	SessionType string          `json:"session_type,omitempty"`
	Priority    string          `json:"priority,omitempty"`
	RequestID   string          `json:"request_id,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	SessionID   string          `json:"session_id,omitempty"`
}

type ack struct {
	Type  string `json:"type"`
	Ref   string `json:"ref,omitempty"`
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Ref     string `json:"ref,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// dispatch handles one inbound frame from conn. It runs on the read pump, so
// frames from one connection are handled in arrival order.
func (h *Handler) dispatch(ctx context.Context, conn *Connection, data []byte) {
	identity := conn.Identity()

	var f inbound
	if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
		h.replyError(conn, "", ErrInvalidFrame)
		return
	}
	if !h.limiter.Allow(identity) {
		h.replyError(conn, f.Ref, ErrRateLimited)
		return
	}

	var (
		event  = f.Type
		result any
		err    error
	)
	switch f.Type {
	case "message":
		var outcome relay.Outcome
		outcome, err = h.relay.Send(ctx, identity, f.To, f.Payload)
		if err == nil && outcome == relay.OutcomeRecipientAbsent {
			return
		}
		result = map[string]any{"to": f.To, "outcome": outcome.String()}

	case "heartbeat":
		var res status.HeartbeatResult
		res, err = h.tracker.Heartbeat(identity, h.now())
		result = map[string]any{"redundant": res.Redundant}

	case "status":
		switch f.Action {
		case "online":
			err = h.tracker.GoOnline(identity)
		case "offline":
			err = h.tracker.GoOffline(identity)
		default:
			err = ErrUnknownAction
		}
		if err == nil {
			st, _ := h.directory.Status(identity)
			result = map[string]any{"status": st}
		}

	case "session_request":
		var req *types.SessionRequest
		req, err = h.workflow.Create(ctx, identity, f.Therapist, types.SessionType(f.SessionType), types.Priority(f.Priority))
		result = req

	case "session_accept":
		var s *types.Session
		s, err = h.workflow.Accept(ctx, f.RequestID, identity)
		result = s

	case "session_decline":
		var req *types.SessionRequest
		req, err = h.workflow.Decline(ctx, f.RequestID, identity, f.Reason)
		result = req

	case "session_end":
		s, ok := h.workflow.Session(f.SessionID)
		switch {
		case !ok:
			err = sessionreq.ErrSessionNotFound
		case s.Participant != identity && s.Therapist != identity:
			err = ErrNotSessionMember
		default:
			s, err = h.workflow.EndSession(ctx, f.SessionID)
			result = s
		}

	default:
		err = ErrUnknownFrameType
	}

	if err != nil {
		h.logger.Debug("frame rejected", "identity", identity, "type", f.Type, "error", err)
		h.replyError(conn, f.Ref, err)
		return
	}
	_ = conn.WriteJSON(ack{Type: "ack", Ref: f.Ref, Event: event, Data: result})
}

func (h *Handler) replyError(conn *Connection, ref string, err error) {
	_ = conn.WriteJSON(errorFrame{Type: "error", Ref: ref, Code: ErrorCode(err), Message: err.Error()})
}

// ErrorCode maps a core error to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, types.ErrNotConnected):
		return "not_connected"
	case errors.Is(err, types.ErrTherapistUnavailable):
		return "therapist_unavailable"
	case errors.Is(err, types.ErrAlreadyResolved):
		return "already_resolved"
	case errors.Is(err, types.ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, types.ErrInvalidSessionType), errors.Is(err, types.ErrInvalidPriority),
		errors.Is(err, sessionreq.ErrSelfRequest), errors.Is(err, relay.ErrEmptyRecipient),
		errors.Is(err, relay.ErrPayloadTooLarge), errors.Is(err, ErrUnknownAction):
		return "invalid_request"
	case errors.Is(err, sessionreq.ErrNotAddressee), errors.Is(err, ErrNotSessionMember):
		return "forbidden"
	case errors.Is(err, sessionreq.ErrRequestNotFound), errors.Is(err, sessionreq.ErrSessionNotFound):
		return "not_found"
	case errors.Is(err, status.ErrNotTherapist):
		return "not_therapist"
	case errors.Is(err, status.ErrInSession):
		return "in_session"
	case errors.Is(err, relay.ErrDeliveryFailed):
		return "delivery_failed"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrInvalidFrame), errors.Is(err, ErrUnknownFrameType):
		return "invalid_frame"
	default:
		return "internal"
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"mindbridge/internal/availability"
	"mindbridge/internal/observability"
	"mindbridge/internal/presence"
	"mindbridge/internal/sessionreq"
	"mindbridge/pkg/types"
)

// HealthChecker is the part of the backing store the health endpoint checks.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// StatsSource contributes a named block of counters to /health.
type StatsSource func() any

// Server is the HTTP surface: cached availability views, the rating
// invalidation hook, session hand-off close and health. It holds no
// business logic of its own.
type Server struct {
	availability *availability.Service
	workflow     *sessionreq.Workflow
	directory    *presence.Directory
	store        HealthChecker
	stats        map[string]StatsSource
	started      time.Time
	router       *http.ServeMux
	logger       *slog.Logger
}

func NewServer(svc *availability.Service, workflow *sessionreq.Workflow, directory *presence.Directory, store HealthChecker) *Server {
	s := &Server{
		availability: svc,
		workflow:     workflow,
		directory:    directory,
		store:        store,
		stats:        make(map[string]StatsSource),
		started:      time.Now(),
		router:       http.NewServeMux(),
		logger:       observability.Component("api"),
	}
	s.setupRoutes()
	return s
}

// AddStats registers extra counters reported under name by /health.
func (s *Server) AddStats(name string, src StatsSource) {
	s.stats[name] = src
}

// Handle mounts an extra handler, such as the websocket upgrade, on the
// same mux so it shares the middleware.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.router.Handle(pattern, h)
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("GET /api/therapists/available", s.listView(availability.ViewAvailable))
	s.router.HandleFunc("GET /api/therapists/online", s.listView(availability.ViewOnline))
	s.router.HandleFunc("GET /api/therapists/{id}/stats", s.therapistStats)
	s.router.HandleFunc("GET /api/therapists/{id}/requests", s.pendingRequests)
	s.router.HandleFunc("GET /api/status/realtime", s.realtimeStatus)
	s.router.HandleFunc("POST /api/hooks/rating", s.ratingHook)
	s.router.HandleFunc("POST /api/sessions/{id}/end", s.endSession)
	s.router.HandleFunc("GET /health", s.healthCheck)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.corsMiddleware(s.router).ServeHTTP(w, r)
}

type RatingHookRequest struct {
	TherapistID string `json:"therapist_id"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
	Components  map[string]any `json:"components,omitempty"`
	System      map[string]any `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// listView serves a cached page. The cached bytes are written as is.
func (s *Server) listView(view availability.View) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter, page, err := parseListQuery(r)
		if err != nil {
			s.sendError(w, err.Error(), http.StatusBadRequest)
			return
		}
		body, err := s.availability.Query(r.Context(), view, filter, page)
		if err != nil {
			s.sendServiceError(w, err)
			return
		}
		s.sendRaw(w, http.StatusOK, body)
	}
}

func parseListQuery(r *http.Request) (types.TherapistFilter, types.PageOptions, error) {
	q := r.URL.Query()
	filter := types.TherapistFilter{
		Specialization: q.Get("specialization"),
		Language:       q.Get("language"),
	}
	if st := q.Get("session_type"); st != "" {
		parsed, err := types.ParseSessionType(st)
		if err != nil {
			return filter, types.PageOptions{}, err
		}
		filter.SessionType = parsed
	}

	page := types.PageOptions{Sort: q.Get("sort")}
	var err error
	if page.Page, err = intParam(q.Get("page")); err != nil {
		return filter, page, errors.New("page must be an integer")
	}
	if page.Limit, err = intParam(q.Get("limit")); err != nil {
		return filter, page, errors.New("limit must be an integer")
	}
	return filter, page, nil
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func (s *Server) realtimeStatus(w http.ResponseWriter, r *http.Request) {
	body, err := s.availability.Query(r.Context(), availability.ViewRealtime, types.TherapistFilter{}, types.PageOptions{})
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendRaw(w, http.StatusOK, body)
}

func (s *Server) therapistStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.availability.TherapistStats(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, stats)
}

func (s *Server) pendingRequests(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]any{
		"therapist": r.PathValue("id"),
		"requests":  s.workflow.Pending(r.PathValue("id")),
	})
}

// ratingHook is called by the ratings collaborator after it stores a rating.
func (s *Server) ratingHook(w http.ResponseWriter, r *http.Request) {
	var req RatingHookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.TherapistID == "" {
		s.sendError(w, "therapist_id is required", http.StatusBadRequest)
		return
	}
	if err := s.availability.InvalidateTherapistStats(r.Context(), req.TherapistID); err != nil {
		s.logger.Warn("stats invalidation failed", "therapist", req.TherapistID, "error", err)
		s.sendError(w, "Failed to invalidate stats", http.StatusInternalServerError)
		return
	}
	s.sendJSON(w, http.StatusAccepted, map[string]string{"status": "invalidated", "therapist_id": req.TherapistID})
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.workflow.EndSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = "error: " + err.Error()
	}

	components := make(map[string]any, len(s.stats)+2)
	components["availability"] = s.availability.Stats()
	components["session_requests"] = s.workflow.Stats()
	for name, src := range s.stats {
		components[name] = src()
	}

	resp := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Connections: s.directory.GetStats(),
		Components:  components,
		System: map[string]any{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.started).Round(time.Second).String(),
		},
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, resp)
}

// sendServiceError maps core sentinels onto HTTP status codes.
func (s *Server) sendServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrUpstreamUnavailable):
		s.logger.Warn("upstream unavailable", "error", err)
		s.sendError(w, "Backing store unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, sessionreq.ErrSessionNotFound):
		s.sendError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, availability.ErrUnknownView),
		errors.Is(err, availability.ErrEmptyID):
		s.sendError(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("request failed", "error", err)
		s.sendError(w, "Internal error", http.StatusInternalServerError)
	}
}

func (s *Server) sendRaw(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response failed", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// corsMiddleware answers preflight requests before the mux, which would
// otherwise reject OPTIONS on method-specific routes.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"mindbridge/internal/api"
	"mindbridge/internal/availability"
	"mindbridge/internal/cache"
	"mindbridge/internal/config"
	"mindbridge/internal/hub"
	"mindbridge/internal/observability"
	"mindbridge/internal/presence"
	"mindbridge/internal/relay"
	"mindbridge/internal/sessionreq"
	"mindbridge/internal/status"
	"mindbridge/internal/store"
	"mindbridge/internal/websocket"
	"mindbridge/pkg/interfaces"
	"mindbridge/pkg/types"
)

const limiterCleanupInterval = time.Minute

// activeSessionLister is implemented by stores that can enumerate sessions a
// previous process left open.
type activeSessionLister interface {
	ActiveSessions(ctx context.Context) ([]*types.Session, error)
}

// Application owns every component and their start/stop order.
type Application struct {
	config       *config.Config
	store        interfaces.Store
	cache        cache.Cache
	directory    *presence.Directory
	tracker      *status.Tracker
	workflow     *sessionreq.Workflow
	hub          *hub.Hub
	availability *availability.Service
	wsHandler    *websocket.Handler
	apiServer    *api.Server
	httpServer   *http.Server
	logger       *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	stopped  bool
	wg       sync.WaitGroup
}

// New opens the configured backing store and wires the application on it.
func New(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	st, err := store.New(store.Driver(cfg.Database.Driver),
		store.WithSQLite(&cfg.Database.SQLite),
		store.WithSupabase(cfg.Database.Supabase),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open backing store: %w", err)
	}

	app, err := NewWithStore(cfg, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return app, nil
}

// NewWithStore wires the application on an already opened store. The
// application takes ownership of st and closes it on Stop.
//
// Order: cache, directory, tracker, hub, relay, workflow, availability,
// transport, API.
func NewWithStore(cfg *config.Config, st interfaces.Store) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c, err := newCache(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	directory := presence.NewDirectory()

	tracker := status.NewTracker(directory, status.Config{
		MinInterval:   cfg.Heartbeat.MinInterval,
		StaleWindow:   cfg.Heartbeat.StaleWindow,
		SweepInterval: cfg.Heartbeat.SweepInterval,
	})

	eventHub := hub.NewHub(directory)
	messageRelay := relay.New(directory, eventHub)

	workflow := sessionreq.NewWorkflow(directory, tracker, st, eventHub, sessionreq.Config{
		Timeout:       cfg.SessionRequest.Timeout,
		SweepInterval: cfg.SessionRequest.SweepInterval,
		Retention:     cfg.SessionRequest.Retention,
	})

	svc := availability.NewService(c, st, directory, availability.TTLs{
		Available: cfg.Availability.AvailableTTL,
		Online:    cfg.Availability.OnlineTTL,
		Realtime:  cfg.Availability.RealtimeTTL,
		Stats:     cfg.Availability.StatsTTL,
	})

	// Cache invalidation runs synchronously on the mutating goroutine; hub
	// delivery is queued.
	directory.Observe(svc.OnPresenceChange)
	directory.Observe(eventHub.OnPresenceChange)

	wsHandler := websocket.NewHandler(directory, messageRelay, tracker, workflow, websocket.Config{
		PongWait:        cfg.WebSocket.PongWait,
		PingInterval:    cfg.WebSocket.PingInterval,
		MaxMessageBytes: cfg.WebSocket.MaxMessageBytes,
		FramesPerMinute: cfg.WebSocket.FramesPerMinute,
		Burst:           cfg.WebSocket.Burst,
		AllowedOrigins:  cfg.WebSocket.AllowedOrigins,
	})

	apiServer := api.NewServer(svc, workflow, directory, st)
	apiServer.AddStats("hub", func() any { return eventHub.Stats() })
	apiServer.AddStats("rate_limiter", func() any { return map[string]int{"tracked": wsHandler.Limiter().Len()} })
	apiServer.Handle("GET /ws", http.HandlerFunc(wsHandler.HandleWebSocket))

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:       cfg,
		store:        st,
		cache:        c,
		directory:    directory,
		tracker:      tracker,
		workflow:     workflow,
		hub:          eventHub,
		availability: svc,
		wsHandler:    wsHandler,
		apiServer:    apiServer,
		httpServer:   httpServer,
		logger:       observability.Component("app"),
	}, nil
}

func newCache(cfg config.CacheConfig) (cache.Cache, error) {
	opts := []cache.Option{
		cache.WithDefaultTTL(cfg.DefaultTTL),
		cache.WithSweepInterval(cfg.SweepInterval),
		cache.WithNamespace(cfg.Namespace),
	}
	if cache.Driver(cfg.Driver) == cache.DriverRedis {
		opts = append(opts, cache.WithRedisClient(redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})))
	}
	return cache.New(cache.Driver(cfg.Driver), opts...)
}

// Start launches the background loops and begins serving. It returns once
// the listener is bound.
func (app *Application) Start(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.cancel != nil || app.stopped {
		return errors.New("application already started")
	}

	app.closeOrphanedSessions(ctx)

	runCtx, cancel := context.WithCancel(context.Background())

	if err := app.hub.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start event hub: %w", err)
	}
	if err := app.tracker.Start(runCtx); err != nil {
		cancel()
		_ = app.hub.Stop()
		return fmt.Errorf("failed to start heartbeat sweep: %w", err)
	}
	if err := app.workflow.Start(runCtx); err != nil {
		cancel()
		_ = app.tracker.Close()
		_ = app.hub.Stop()
		return fmt.Errorf("failed to start request sweep: %w", err)
	}

	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		cancel()
		_ = app.workflow.Close()
		_ = app.tracker.Close()
		_ = app.hub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = ln
	app.cancel = cancel

	app.wg.Add(2)
	go func() {
		defer app.wg.Done()
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("http server stopped", "error", err)
		}
	}()
	go func() {
		defer app.wg.Done()
		app.limiterCleanupLoop(runCtx)
	}()

	app.logger.Info("mindbridge started", "addr", ln.Addr().String(), "store", app.config.Database.Driver, "cache", app.config.Cache.Driver)
	return nil
}

// closeOrphanedSessions ends sessions a previous process left active. Their
// participants and therapists are gone, and the in-memory workflow that
// could end them did not survive the restart.
func (app *Application) closeOrphanedSessions(ctx context.Context) {
	lister, ok := app.store.(activeSessionLister)
	if !ok {
		return
	}
	sessions, err := lister.ActiveSessions(ctx)
	if err != nil {
		app.logger.Warn("could not list orphaned sessions", "error", err)
		return
	}
	for _, s := range sessions {
		if err := app.store.EndSession(ctx, s); err != nil {
			app.logger.Warn("could not close orphaned session", "session_id", s.ID, "error", err)
		}
	}
	if len(sessions) > 0 {
		app.logger.Info("closed orphaned sessions", "count", len(sessions))
	}
}

func (app *Application) limiterCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := app.wsHandler.Limiter().Cleanup(app.config.WebSocket.LimiterIdle); n > 0 {
				app.logger.Debug("rate limiter cleanup", "removed", n)
			}
		}
	}
}

// Stop shuts down in reverse order: HTTP, connections, sweeps, hub, cache,
// store. Errors are logged and the first one is returned.
func (app *Application) Stop(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.stopped {
		return nil
	}
	app.stopped = true

	var errs []error
	if app.cancel != nil {
		if err := app.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	for _, conn := range app.directory.Close() {
		_ = conn.Close()
	}

	if err := app.workflow.Close(); err != nil {
		errs = append(errs, fmt.Errorf("request sweep: %w", err))
	}
	if err := app.tracker.Close(); err != nil {
		errs = append(errs, fmt.Errorf("heartbeat sweep: %w", err))
	}
	if app.cancel != nil {
		if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
			errs = append(errs, fmt.Errorf("event hub: %w", err))
		}
		app.cancel()
		app.cancel = nil
	}
	app.wg.Wait()

	if err := app.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("cache: %w", err))
	}
	if err := app.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}

	for _, err := range errs {
		app.logger.Error("shutdown error", "error", err)
	}
	app.logger.Info("mindbridge stopped")
	return errors.Join(errs...)
}

// Addr returns the bound listener address once started, else the configured one.
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

func (app *Application) Directory() *presence.Directory { return app.directory }

func (app *Application) Availability() *availability.Service { return app.availability }

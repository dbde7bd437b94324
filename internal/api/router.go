package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"actionrunner/internal/core"
	"actionrunner/internal/metrics"
)

// ActionRepository is the action template storage used by the admin endpoints.
type ActionRepository interface {
	InsertAction(ctx context.Context, action *core.Action) error
	GetAction(ctx context.Context, id int64) (*core.Action, error)
	ListActions(ctx context.Context) ([]*core.Action, error)
}

// ScreenshotStore resolves screenshot links and the directory they are served from.
type ScreenshotStore interface {
	URL(runID int64, name string) string
	Dir() string
}

// Options configures the HTTP server.
type Options struct {
	Addr      string
	AuthToken string
	RateLimit float64
	RateBurst int
	// MCP, when set, is mounted at /mcp behind the same authentication.
	MCP http.Handler
}

// Server holds the HTTP server state.
type Server struct {
	httpServer   *http.Server
	router       *chi.Mux
	orchestrator *core.Orchestrator
	actions      ActionRepository
	screenshots  ScreenshotStore
	logger       *slog.Logger
	authToken    string
}

// NewServer constructs the HTTP API server. ctx bounds background work of
// the middleware stack.
func NewServer(ctx context.Context, opts Options, orchestrator *core.Orchestrator, actions ActionRepository, screenshots ScreenshotStore, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(RateLimit(ctx, opts.RateLimit, opts.RateBurst))

	s := &Server{
		router:       router,
		orchestrator: orchestrator,
		actions:      actions,
		screenshots:  screenshots,
		logger:       logger,
		authToken:    opts.AuthToken,
	}
	s.registerRoutes(opts.MCP)

	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(mcpHandler http.Handler) {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.router.Handle("/metrics", metrics.Handler())

	// Screenshots are linked from chat messages and stay public.
	if s.screenshots != nil {
		fileServer := http.StripPrefix("/screenshots/", http.FileServer(http.Dir(s.screenshots.Dir())))
		s.router.Handle("/screenshots/*", fileServer)
	}

	if mcpHandler != nil {
		if s.authToken != "" {
			mcpHandler = AuthMiddleware(s.authToken)(mcpHandler)
		}
		s.router.Handle("/mcp", mcpHandler)
	}

	s.router.Route("/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Route("/actions", func(r chi.Router) {
			r.Get("/", s.handleListActions)
			r.Post("/", s.handleCreateAction)
			r.Get("/running", s.handleListRunningActions)

			r.Route("/{actionID}", func(r chi.Router) {
				r.Get("/", s.handleGetAction)
				r.Post("/run", s.handleRunAction)
				r.Post("/stop", s.handleStopAction)
				r.Delete("/recurrence", s.handleCancelRecurrence)
			})
		})

		r.Route("/automations", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Post("/", s.handleCreateRun)

			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Put("/", s.handleEndRun)
				r.Get("/notes/latest", s.handleLatestNote)
			})
		})

		r.Post("/notes", s.handleCreateNote)
	})
}

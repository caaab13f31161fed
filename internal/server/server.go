// Package server provides the HTTP control plane for the runtime: deploy,
// lifecycle and statistics endpoints, the SSE event stream, and system
// status.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/stratequeue/stratequeue/internal/config"
	"github.com/stratequeue/stratequeue/internal/engine"
	"github.com/stratequeue/stratequeue/internal/events"
	"github.com/stratequeue/stratequeue/internal/scheduler"
	"github.com/stratequeue/stratequeue/internal/supervisor"
)

// Version is stamped by the build.
var Version = "dev"

// Config holds server configuration.
type Config struct {
	Port        int
	Log         zerolog.Logger
	Supervisor  *supervisor.Supervisor
	Engines     *engine.Registry
	Bus         *events.Bus
	Scheduler   *scheduler.Scheduler
	Credentials *config.CredentialStore
	DataDir     string
	DevMode     bool
}

// Server is the HTTP control plane.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	sup       *supervisor.Supervisor
	engines   *engine.Registry
	bus       *events.Bus
	sched     *scheduler.Scheduler
	creds     *config.CredentialStore
	dataDir   string
	startedAt time.Time
}

// New creates the HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		sup:       cfg.Supervisor,
		engines:   cfg.Engines,
		bus:       cfg.Bus,
		sched:     cfg.Scheduler,
		creds:     cfg.Credentials,
		dataDir:   cfg.DataDir,
		startedAt: time.Now(),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE connections stay open
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/version", s.handleVersion)

		eventsHandler := NewEventsStreamHandler(s.bus, s.log)
		r.Get("/events/stream", eventsHandler.ServeHTTP)

		r.Route("/deploy", func(r chi.Router) {
			r.Post("/validate", s.handleDeployValidate)
			r.Post("/start", s.handleDeployStart)
		})

		r.Route("/strategies", func(r chi.Router) {
			r.Get("/", s.handleListStrategies)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetStrategy)
				r.Get("/statistics", s.handleStatistics)
				r.Post("/pause", s.handlePause)
				r.Post("/resume", s.handleResume)
				r.Post("/stop", s.handleStop)
				r.Delete("/", s.handleRemove)
			})
		})

		r.Get("/engines", s.handleEngines)
		r.Post("/upload_strategy", s.handleUploadStrategy)
		r.Post("/config", s.handleConfig)

		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.handleSystemStatus)
			r.Get("/jobs", s.handleJobs)
			r.Post("/jobs/{name}", s.handleTriggerJob)
		})
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}

// writeJSON writes a JSON response with status code
func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError writes a structured JSON error
func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

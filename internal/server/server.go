// Package server provides the HTTP server and routing for Stellar.
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

	"github.com/stellarbot/stellar/internal/capi"
	"github.com/stellarbot/stellar/internal/config"
	"github.com/stellarbot/stellar/internal/database"
	"github.com/stellarbot/stellar/internal/depots"
	"github.com/stellarbot/stellar/internal/faults"
	"github.com/stellarbot/stellar/internal/lifecycle"
	"github.com/stellarbot/stellar/internal/reliability"
	"github.com/stellarbot/stellar/internal/statistics"
	"github.com/stellarbot/stellar/internal/tasks"
)

// Config holds everything the server needs to route requests.
type Config struct {
	Log        zerolog.Logger
	Cfg        *config.Config
	Databases  []*database.DB
	Depots     *depots.Service
	Tasks      *tasks.Service
	Capi       *capi.Tracker
	Stats      *statistics.Service
	Orch       *lifecycle.Orchestrator
	Dispatcher *lifecycle.Dispatcher
	Ingest     *lifecycle.IngestPipeline
	Backups    *reliability.BackupService // nil when backups are disabled
	Port       int
	DevMode    bool
}

// Server is the HTTP front of the engine.
type Server struct {
	router     *chi.Mux
	server     *http.Server
	log        zerolog.Logger
	cfg        *config.Config
	databases  []*database.DB
	depots     *depots.Service
	tasks      *tasks.Service
	capi       *capi.Tracker
	stats      *statistics.Service
	orch       *lifecycle.Orchestrator
	dispatcher *lifecycle.Dispatcher
	ingest     *lifecycle.IngestPipeline
	backups    *reliability.BackupService
	started    time.Time
}

// New creates the HTTP server with all routes mounted.
func New(cfg Config) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		log:        cfg.Log.With().Str("component", "server").Logger(),
		cfg:        cfg.Cfg,
		databases:  cfg.Databases,
		depots:     cfg.Depots,
		tasks:      cfg.Tasks,
		capi:       cfg.Capi,
		stats:      cfg.Stats,
		orch:       cfg.Orch,
		dispatcher: cfg.Dispatcher,
		ingest:     cfg.Ingest,
		backups:    cfg.Backups,
		started:    time.Now().UTC(),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/system/status", s.handleSystemStatus)
		r.Post("/system/tick", s.handleManualTick)

		r.Route("/depots", func(r chi.Router) {
			r.Get("/", s.handleListDepots)
			r.Post("/", s.handleRegisterDepot)
			r.Get("/{callsign}", s.handleGetDepot)
			r.Delete("/{callsign}", s.handleDeleteDepot)
			r.Put("/{callsign}/active", s.handleSetDepotActive)
			r.Post("/{callsign}/market", s.handleMarketSnapshot)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/rescues", s.handleCreateRescue)
			r.Get("/{id}", s.handleGetTask)
			r.Post("/{id}/claim", s.handleClaimTask)
			r.Post("/{id}/abandon", s.handleAbandonTask)
			r.Post("/{id}/deliveries", s.handleRecordDelivery)
			r.Post("/{id}/close", s.handleCloseTask)
		})

		r.Get("/capi/links", s.handleListCapiLinks)

		r.Route("/statistics", func(r chi.Router) {
			r.Get("/network", s.handleNetworkStats)
			r.Get("/tasks", s.handleTaskStats)
		})

		if s.backups != nil {
			r.Get("/backups", s.handleListBackups)
			r.Post("/backups", s.handleCreateBackup)
		}
	})
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

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

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError maps the fault taxonomy onto HTTP statuses. Permanent faults
// are the caller's problem, everything else is ours.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case faults.IsPermanent(err):
		status = http.StatusBadRequest
	case faults.IsTransient(err):
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	for _, db := range s.databases {
		if err := db.HealthCheck(r.Context()); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":   "unhealthy",
				"database": db.Name(),
				"error":    err.Error(),
			})
			return
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": s.cfg.Software.Name,
		"version": s.cfg.Software.Version,
	})
}

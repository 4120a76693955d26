// Package apiserver provides HTTP API endpoints and server functionality for rollguard
package apiserver

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rollguard/rollguard/internal/checkpoint"
	"github.com/rollguard/rollguard/internal/config"
	"github.com/rollguard/rollguard/internal/events"
	"github.com/rollguard/rollguard/internal/metrics"
	"github.com/rollguard/rollguard/internal/orchestrator"
	"github.com/rollguard/rollguard/internal/probe"
	"github.com/rollguard/rollguard/internal/trigger"
	"github.com/rollguard/rollguard/internal/utils/fsutil"
	"github.com/rollguard/rollguard/pkg/logging"
)

// validIDPattern for UUIDs or similar identifiers
var validIDPattern = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// validateID validates path identifiers
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("identifier is required")
	}
	if len(id) > 100 {
		return fmt.Errorf("identifier must be less than 100 characters")
	}
	if !validIDPattern.MatchString(id) {
		return fmt.Errorf("identifier contains invalid characters")
	}
	return nil
}

// APIServer provides HTTP API endpoints for rollout and checkpoint management
type APIServer struct {
	router       chi.Router
	server       *http.Server
	orchestrator *orchestrator.Orchestrator
	checkpoints  *checkpoint.Store
	probes       *probe.Monitor
	triggers     *trigger.Engine
	sink         *metrics.Sink
	audit        *events.AuditBus
	converter    *RequestConverter
	config       *config.ServerConfig
	logger       *logging.Logger
}

// Components bundles the collaborators the API server exposes
type Components struct {
	Orchestrator *orchestrator.Orchestrator
	Checkpoints  *checkpoint.Store
	Probes       *probe.Monitor
	Triggers     *trigger.Engine
	Sink         *metrics.Sink
	Audit        *events.AuditBus
}

// NewAPIServer creates a new API server with the given components
func NewAPIServer(cfg *config.ServerConfig, components Components) (*APIServer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if components.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if components.Checkpoints == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}

	router := chi.NewRouter()

	// Middleware
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(middleware.StripSlashes)
	router.Use(middleware.Timeout(60 * time.Second))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s := &APIServer{
		router:       router,
		server:       server,
		orchestrator: components.Orchestrator,
		checkpoints:  components.Checkpoints,
		probes:       components.Probes,
		triggers:     components.Triggers,
		sink:         components.Sink,
		audit:        components.Audit,
		converter:    NewRequestConverter(),
		config:       cfg,
		logger:       logging.NewLogger("apiserver"),
	}

	s.setupRoutes()

	router.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusNotFound, "not_found", "The requested endpoint was not found")
	})

	return s, nil
}

// setupRoutes registers all API routes
func (s *APIServer) setupRoutes() {
	s.router.Route("/api/v1", func(r chi.Router) {
		r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
			WriteError(w, http.StatusNotFound, "not_found", "The requested endpoint was not found")
		})

		r.Route("/rollouts", func(r chi.Router) {
			r.Post("/", s.startRollout)
			r.Get("/", s.listRollouts)

			r.Route("/{id}", func(r chi.Router) {
				r.Use(s.idValidator("id"))

				r.Get("/", s.getRollout)
				r.Post("/promote", s.promoteRollout)
				r.Post("/abort", s.abortRollout)
				r.Post("/metrics", s.recordMetric)
				r.Get("/metrics", s.getMetricHistory)
				r.Get("/health", s.getDeploymentHealth)
				r.Get("/triggers", s.getTriggerStatus)
				r.Get("/canary", s.getCanary)
				r.Post("/canary/evaluate", s.evaluateCanary)
				r.Get("/alerts", s.listAlerts)
				r.Post("/alerts", s.raiseAlert)
			})
		})

		r.Route("/checkpoints", func(r chi.Router) {
			r.Post("/", s.createCheckpoint)
			r.Get("/", s.listCheckpoints)
			r.Post("/cleanup", s.cleanupCheckpoints)

			r.Route("/{id}", func(r chi.Router) {
				r.Use(s.idValidator("id"))

				r.Get("/", s.getCheckpoint)
				r.Delete("/", s.deleteCheckpoint)
				r.Post("/restore", s.restoreCheckpoint)
				r.Get("/compare", s.compareCheckpoint)
				r.Get("/validate", s.validateCheckpoint)
			})
		})

		r.Route("/alerts/{id}", func(r chi.Router) {
			r.Use(s.idValidator("id"))
			r.Post("/ack", s.acknowledgeAlert)
			r.Post("/resolve", s.resolveAlert)
		})

		r.Get("/audit", s.getAuditTrail)
	})

	if s.sink != nil {
		s.router.Method(http.MethodGet, "/metrics", s.sink.Handler())
	}
	s.router.Get("/health", s.getHealth)
}

// idValidator rejects malformed path identifiers before handlers run
func (s *APIServer) idValidator(param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := validateID(chi.URLParam(r, param)); err != nil {
				WriteError(w, http.StatusBadRequest, "invalid_id", err.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// getHealth reports server liveness and storage accessibility
func (s *APIServer) getHealth(w http.ResponseWriter, _ *http.Request) {
	status := "healthy"
	checks := map[string]bool{
		"state_dir": fsutil.DirExists(s.config.StateDir) && fsutil.IsWritable(s.config.StateDir),
	}
	for _, ok := range checks {
		if !ok {
			status = "degraded"
		}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  status,
		"version": config.AppVersion,
		"checks":  checks,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// Start begins serving HTTP requests, blocking until shutdown
func (s *APIServer) Start() error {
	s.logger.Info("API server listening on :%d", s.config.Port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *APIServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// Router exposes the chi router, used by tests
func (s *APIServer) Router() http.Handler {
	return s.router
}

package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/rules"
	"github.com/opensource-finance/harrier/internal/velocity"
)

// Dependencies are the components the API serves. Only Engine is required.
type Dependencies struct {
	Engine    *rules.Engine
	Repo      domain.Repository
	Cache     domain.Cache
	Bus       domain.EventBus
	Namespace string
	Tracker   *velocity.Tracker
	Version   string
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Dependencies) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	router.Route("/rules", func(r chi.Router) {
		r.Get("/", handler.ListRules)
		r.Post("/", handler.CreateRule)
		r.Post("/validate", handler.ValidateRule)
		r.Get("/{id}", handler.GetRule)
		r.Patch("/{id}", handler.UpdateRule)
		r.Delete("/{id}", handler.DeleteRule)
		r.Post("/{id}/enable", handler.EnableRule)
		r.Post("/{id}/disable", handler.DisableRule)
	})

	router.Post("/evaluate", handler.Evaluate)
	router.Post("/execute", handler.Execute)
	router.Post("/ingest", handler.Ingest)

	router.Get("/statistics", handler.Statistics)
	router.Get("/config", handler.GetConfig)
	router.Patch("/config", handler.UpdateConfig)
	router.Post("/reset", handler.Reset)

	router.Get("/history/evaluations", handler.EvaluationHistory)
	router.Get("/history/executions", handler.ExecutionHistory)

	router.Get("/evaluations/{id}", handler.GetEvaluationRun)
	router.Get("/executions", handler.ListExecutions)
	router.Get("/executions/{id}", handler.GetExecutionReport)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}

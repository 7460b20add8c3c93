// Package api exposes the rating engine over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/railrate/internal/domain"
	"github.com/opensource-finance/railrate/internal/rating"
	"github.com/opensource-finance/railrate/internal/tables"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, pipeline *rating.Pipeline, repo *tables.Repository, store domain.TableStore, cache domain.Cache, bus domain.EventBus, version string) *Server {
	handler := NewHandler(pipeline, repo, store, cache, bus, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Rating
	router.Post("/rate", handler.Rate)
	router.Post("/rate/async", handler.RateAsync)

	// Individual resolvers
	router.Post("/weight-class", handler.WeightClass)
	router.Post("/services", handler.Services)
	router.Post("/price", handler.Price)
	router.Post("/tax", handler.Tax)

	// Table management
	router.Route("/tables", func(r chi.Router) {
		r.Get("/", handler.ListTables)
		r.Post("/reload", handler.ReloadTables)
		r.Put("/{name}", handler.PutTable)
		r.Delete("/{name}", handler.DeleteTable)
	})

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

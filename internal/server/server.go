// Package server provides the HTTP API for Manabu.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/manabu-ai/manabu/internal/assistant"
	"github.com/manabu-ai/manabu/internal/config"
)

// Server is the HTTP server for the Manabu API.
type Server struct {
	assistant *assistant.Assistant
	config    *config.ServerConfig
	logger    *zap.Logger
	server    *http.Server
}

// NewServer creates a server with the given dependencies.
func NewServer(a *assistant.Assistant, cfg *config.ServerConfig, logger *zap.Logger) *Server {
	return &Server{
		assistant: a,
		config:    cfg,
		logger:    logger,
	}
}

// routes builds the API router.
func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	// Answer generation can take two model calls' worth of time.
	r.Use(middleware.Timeout(5 * time.Minute))
	r.Use(middleware.Compress(5))

	r.Post("/api/v1/courses/{courseID}/documents", s.handleUpload)
	r.Post("/api/v1/ask", s.handleAsk)
	r.Post("/api/v1/relevance", s.handleRelevance)
	r.Get("/api/v1/documents", s.handleListDocuments)
	r.Delete("/api/v1/documents", s.handleDeleteDocument)
	r.Get("/api/v1/courses", s.handleCourses)
	r.Get("/api/v1/status", s.handleStatus)
	r.Get("/health", s.handleHealth)
	return r
}

// requestLogger logs one line per request with status and duration.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("Request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.routes(),
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

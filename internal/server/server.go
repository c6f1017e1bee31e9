// Package server provides the HTTP server for fingerspell.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/ayusman/fingerspell/internal/server/api"
	"github.com/ayusman/fingerspell/internal/store"
)

// Config holds the server configuration. Every field is optional; routes
// are registered only for what is configured.
type Config struct {
	StaticDir  string
	Store      *store.Store
	Controller api.Controller
	Hub        *Hub
	Metrics    http.Handler
}

// Server represents the HTTP server for the fingerspell application.
type Server struct {
	config Config
	mux    *http.ServeMux
	start  time.Time

	mu   sync.Mutex
	http *http.Server
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	s := &Server{
		config: config,
		mux:    http.NewServeMux(),
		start:  time.Now(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)

	if s.config.Controller != nil {
		control := api.NewPipelineHandler(s.config.Controller)
		s.mux.Handle("/api/status", control)
		s.mux.Handle("/api/pipeline/", control)
		s.mux.Handle("/api/camera/facing", control)
	}

	if s.config.Store != nil {
		s.mux.Handle("/api/translations", api.NewTranslationHandler(s.config.Store))
	}

	if s.config.Hub != nil {
		s.mux.Handle("/api/results", s.config.Hub)
	}

	if s.config.Metrics != nil {
		s.mux.Handle("/metrics", s.config.Metrics)
	}

	// Serve static files if StaticDir is configured
	if s.config.StaticDir != "" {
		fs := http.FileServer(http.Dir(s.config.StaticDir))
		s.mux.Handle("/", fs)
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleHealth handles GET requests to /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(s.start)

	response := map[string]interface{}{
		"status": "ok",
		"uptime": uptime.String(),
	}
	if s.config.Controller != nil {
		response["pipeline"] = s.config.Controller.Stats().Pipeline.State
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// ListenAndServe starts the HTTP server on the given address. It returns
// nil once Shutdown has been called.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	log.Printf("HTTP server listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and disconnects result stream clients.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.config.Hub != nil {
		s.config.Hub.Close()
	}
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

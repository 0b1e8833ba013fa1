// Package server provides the HTTP server for posecam: the control API, the
// MJPEG preview stream and the snapshot websocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ayusman/posecam/internal/app"
	"github.com/ayusman/posecam/internal/server/api"
)

// Config holds the server configuration.
type Config struct {
	StaticDir  string
	Controller *app.Controller
	// StreamInterval is the delay between MJPEG frames. Zero selects
	// DefaultStreamInterval.
	StreamInterval time.Duration
	Logger         *slog.Logger
}

// Server represents the HTTP server for the posecam application.
type Server struct {
	config Config
	mux    *http.ServeMux
	start  time.Time
	logger *slog.Logger

	// done is closed when ListenAndServe starts shutting down. Shutdown
	// does not cancel request contexts, so long-lived handlers watch it.
	done     chan struct{}
	doneOnce sync.Once
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config: config,
		mux:    http.NewServeMux(),
		start:  time.Now(),
		logger: logger,
		done:   make(chan struct{}),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)

	if ctrl := s.config.Controller; ctrl != nil {
		control := api.NewControlHandler(ctrl)
		s.mux.Handle("/api/status", control)
		s.mux.Handle("/api/enable", control)
		s.mux.Handle("/api/disable", control)

		camera := api.NewCameraHandler(ctrl)
		s.mux.Handle("/api/presets", camera)
		s.mux.Handle("/api/resolution", camera)
		s.mux.Handle("/api/devices", camera)
		s.mux.Handle("/api/device", camera)

		s.mux.Handle("/api/settings", api.NewSettingsHandler(ctrl))

		s.mux.Handle("/api/stream", NewStreamHandler(ctrl, s.config.StreamInterval, s.done))
		s.mux.Handle("/api/events", NewEventsHandler(ctrl, s.logger, s.done))
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

	response := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.start).String(),
	}
	if s.config.Controller != nil {
		response["state"] = s.config.Controller.State().String()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("server: listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.doneOnce.Do(func() { close(s.done) })
	err := srv.Shutdown(shutdownCtx)
	if errors.Is(err, context.DeadlineExceeded) {
		err = srv.Close()
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return err
}

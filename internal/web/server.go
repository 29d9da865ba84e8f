package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cjeanneret/BlotCam/internal/debug"
)

// Timeouts bound the HTTP server; WriteTimeout must exceed the longest exposure.
type Timeouts struct {
	Read  time.Duration
	Write time.Duration
}

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
	timeouts Timeouts
}

// NewServer creates a server configured for the given address and handlers.
func NewServer(addr string, handlers *Handlers, timeouts Timeouts) *Server {
	return &Server{
		addr:     addr,
		handlers: handlers,
		timeouts: timeouts,
	}
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /capture", s.handlers.HandleCapture)
	mux.HandleFunc("GET /status", s.handlers.HandleStatus)
	mux.HandleFunc("GET /settings", s.handlers.HandleGetSettings)
	mux.HandleFunc("POST /settings", s.handlers.HandleUpdateSettings)
	mux.HandleFunc("GET /info", s.handlers.HandleInfo)
	mux.HandleFunc("POST /init", s.handlers.HandleInit)
	mux.HandleFunc("GET /health", s.handlers.HandleHealth)
	mux.HandleFunc("POST /shutdown", s.handlers.HandleShutdown)
	mux.HandleFunc("GET /status/stream", s.handlers.HandleStatusStream)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /{$}", s.handlers.HandleRoot) // exact match for root only
	mux.HandleFunc("/", s.handlers.HandleNotFound)

	handler := LoggingMiddleware(mux)
	handler = RecoveryMiddleware(handler)
	return handler
}

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.Mux(),
		ReadTimeout:  s.timeouts.Read,
		WriteTimeout: s.timeouts.Write,
	}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

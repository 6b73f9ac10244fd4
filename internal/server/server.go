// Package server provides HTTP server initialization and lifecycle management
// for the Conclave REST API.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/scrypster/conclave/internal/engine"
	"github.com/scrypster/conclave/web/handlers"
)

const shutdownTimeout = 5 * time.Second

// securityHeadersMiddleware adds security headers to all HTTP responses.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// Server is the HTTP front end of an engine.
type Server struct {
	engine  *engine.Engine
	log     *zap.Logger
	version string
	hub     *handlers.WebSocketHub
	handler http.Handler
	unsub   func()
}

// New builds the route table and starts the WebSocket hub, which receives
// every committed store event until Close.
func New(e *engine.Engine, log *zap.Logger, version string) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	cfg := e.Config().Server
	s := &Server{
		engine:  e,
		log:     log.Named("http"),
		version: version,
	}

	self := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s.hub = handlers.NewWebSocketHub(log, self, fmt.Sprintf("localhost:%d", cfg.Port))
	go s.hub.Run()
	s.unsub = e.Subscribe(s.hub.Publish)

	api := handlers.NewAPIHandlers(e, log)
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/facts", api.CreateFact)
	apiMux.HandleFunc("GET /api/facts", api.ListFacts)
	apiMux.HandleFunc("GET /api/facts/{id}", api.GetFact)
	apiMux.HandleFunc("POST /api/facts/{id}/supersede", api.SupersedeFact)
	apiMux.HandleFunc("GET /api/search", api.Search)
	apiMux.HandleFunc("GET /api/context/{name}", api.Context)
	apiMux.HandleFunc("GET /api/themes", api.Themes)
	apiMux.HandleFunc("GET /api/recent", api.Recent)
	apiMux.HandleFunc("GET /api/summary", api.Summary)
	apiMux.HandleFunc("POST /api/council", api.AskCouncil)
	apiMux.HandleFunc("GET /api/sessions", api.ListSessions)
	apiMux.HandleFunc("GET /api/sessions/{id}", api.GetSession)
	apiMux.HandleFunc("GET /api/entities", api.ListEntities)
	apiMux.HandleFunc("POST /api/entities", api.CreateEntity)
	apiMux.HandleFunc("POST /api/entities/merge", api.MergeEntities)
	apiMux.HandleFunc("PATCH /api/entities/{id}", api.UpdateEntity)
	apiMux.HandleFunc("POST /api/backup", api.Backup)
	apiMux.Handle("GET /api/ws", s.hub)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	mux.Handle("/api/", handlers.RequireAuth(apiMux, cfg.APIToken))

	var handler http.Handler = mux
	handler = handlers.RateLimitMiddleware(handler, handlers.NewRateLimiter(cfg.RateLimit, cfg.RateBurst))
	handler = handlers.LoggingMiddleware(handler, s.log)
	s.handler = securityHeadersMiddleware(handler)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// health answers liveness checks without authentication.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Store().Stats()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     "healthy",
		"version":    s.version,
		"facts":      st.Facts,
		"queue":      s.engine.Pool().QueueLength(),
		"ws_clients": s.hub.Clients(),
	})
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Council sessions may run up to their deadline.
		WriteTimeout: s.engine.Config().Council.Deadline + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("http server listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "http serve")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	s.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "http shutdown")
	}
	<-errCh
	s.log.Info("http server stopped")
	return nil
}

// ListenAndServe listens on the configured host and port and serves until
// ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	cfg := s.engine.Config().Server
	addr := net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	return s.Serve(ctx, ln)
}

// Close stops event delivery and disconnects WebSocket clients. It is safe to
// call more than once.
func (s *Server) Close() {
	if s.unsub != nil {
		s.unsub()
	}
	s.hub.Stop()
}

// Package http provides the HTTP admin API for dayslot.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	POST   /passes
//	GET    /passes
//	GET    /passes/{id}
//	GET    /outbox
//	GET    /deadletters
//	POST   /deadletters/replay
//	GET    /holds
//	PUT    /holds/{id}
//	DELETE /holds/{id}
//	GET    /metrics
//	GET    /ws
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/snehjoshi/dayslot/internal/config"
	"github.com/snehjoshi/dayslot/internal/dispatch"
	"github.com/snehjoshi/dayslot/internal/metrics"
	transportws "github.com/snehjoshi/dayslot/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with dayslot route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server around a Dispatcher. hub and reg may be nil, which
// leaves /ws and /metrics unmounted.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(d *dispatch.Dispatcher, hub *transportws.Hub, cfg *config.Config, reg *metrics.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{dispatcher: d, hub: hub, log: log}

	mux := http.NewServeMux()

	// Health
	mux.HandleFunc("GET /health", h.health)

	// Passes
	mux.HandleFunc("POST /passes", h.runPass)
	mux.HandleFunc("GET /passes", h.listPasses)
	mux.HandleFunc("GET /passes/{id}", h.getPass)

	// Outbox
	mux.HandleFunc("GET /outbox", h.outbox)

	// Dead letters
	mux.HandleFunc("GET /deadletters", h.deadLetters)
	mux.HandleFunc("POST /deadletters/replay", h.replayDeadLetters)

	// Holds
	mux.HandleFunc("GET /holds", h.listHolds)
	mux.HandleFunc("PUT /holds/{id}", h.hold)
	mux.HandleFunc("DELETE /holds/{id}", h.release)

	// Live pass stream
	if hub != nil {
		mux.Handle("GET /ws", hub)
	}

	// Metrics (Prometheus text format)
	if reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}

	// Build middleware chain: body limit → logging → auth → rate-limit
	handler := chain(mux,
		MaxBodyMiddleware,
		LoggingMiddleware(log, reg),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(cfg.HTTP.RateLimitRPS, cfg.HTTP.RateLimitBurst),
	)

	return &Server{
		inner: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 5 * time.Minute, // a POST /passes waits for host retries
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}

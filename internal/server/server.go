// Package server wires the control API routes and middleware.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/observer/teacall/internal/api"
	"github.com/observer/teacall/internal/config"
	"github.com/observer/teacall/internal/middleware"
)

// HealthChecker reports whether a backing service is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Dependencies holds all service dependencies for the server
type Dependencies struct {
	CallHandler *api.CallHandler
	// DB is checked by /readyz when call history is enabled.
	DB      HealthChecker
	Limiter *middleware.RateLimiter
	Logger  *slog.Logger
}

// New creates an HTTP server with all routes configured.
func New(cfg *config.Config, deps *Dependencies) *http.Server {
	mux := http.NewServeMux()

	// Register routes
	registerRoutes(mux, deps)

	// Wrap with middleware
	handler := chainMiddleware(mux,
		requestIDMiddleware,
		corsMiddleware(cfg),
		loggingMiddleware(deps.Logger),
		recoverMiddleware(deps.Logger),
	)

	return &http.Server{
		Addr:         cfg.ControlAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	// Ready check - verifies DB connectivity when history is on
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if deps.DB != nil {
			if err := deps.DB.Health(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"not ready","error":"database unavailable"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	h := deps.CallHandler
	command := func(fn http.HandlerFunc) http.Handler {
		if deps.Limiter == nil {
			return fn
		}
		return deps.Limiter.Middleware(fn)
	}

	// =========================================================================
	// Call state
	// =========================================================================
	mux.HandleFunc("GET /call", h.GetCall)
	mux.HandleFunc("GET /call/events", h.Events)

	// =========================================================================
	// Call commands (rate limited)
	// =========================================================================
	mux.Handle("POST /call/start", command(h.StartCall))
	mux.Handle("POST /call/accept", command(h.AcceptCall))
	mux.Handle("POST /call/end", command(h.EndCall))
	mux.Handle("POST /call/audio", command(h.ToggleAudio))
	mux.Handle("POST /call/video", command(h.ToggleVideo))
	mux.Handle("POST /call/screen", command(h.ShareScreen))
	mux.Handle("POST /call/pip", command(h.TogglePictureInPicture))

	// =========================================================================
	// Call history
	// =========================================================================
	mux.HandleFunc("GET /calls", h.GetCallHistory)
	mux.HandleFunc("GET /calls/{id}", h.GetCallRecord)
}

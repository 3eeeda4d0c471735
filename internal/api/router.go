package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/netpulse-io/netpulse/internal/allocator"
	"github.com/netpulse-io/netpulse/internal/connection"
	"github.com/netpulse-io/netpulse/internal/dispatch"
	"github.com/netpulse-io/netpulse/internal/scheduler"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct.
type RouterConfig struct {
	ConnManager  *connection.Manager
	Scheduler    *scheduler.Scheduler
	Dispatcher   *dispatch.Dispatcher
	Reassignment *allocator.ReassignmentManager
	Balancer     *allocator.LoadBalancer
	Logger       *zap.Logger
}

// NewRouter builds and returns the fully configured Chi router: the agent
// control-channel endpoint, the operations status routes, and the
// Prometheus metrics endpoint.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and size.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	wsHandler := NewAgentWSHandler(cfg.ConnManager, cfg.Logger)
	statusHandler := NewStatusHandler(cfg.Scheduler, cfg.ConnManager, cfg.Dispatcher, cfg.Reassignment, cfg.Balancer, cfg.Logger)

	r.Get("/healthz", Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/agents/ws", wsHandler.ServeWS)
		r.Get("/status", statusHandler.GetStatus)
		r.Get("/status/executing", statusHandler.GetExecuting)
		r.Get("/status/connections/history", statusHandler.GetConnectionHistory)
	})

	return r
}

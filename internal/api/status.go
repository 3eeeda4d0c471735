package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/netpulse-io/netpulse/internal/allocator"
	"github.com/netpulse-io/netpulse/internal/connection"
	"github.com/netpulse-io/netpulse/internal/dispatch"
	"github.com/netpulse-io/netpulse/internal/scheduler"
)

// StatusHandler serves the orchestration-plane status snapshot: scheduler
// state, connection pool, dispatcher counters, and allocation statistics.
type StatusHandler struct {
	scheduler  *scheduler.Scheduler
	connMgr    *connection.Manager
	dispatcher *dispatch.Dispatcher
	reassign   *allocator.ReassignmentManager
	balancer   *allocator.LoadBalancer
	logger     *zap.Logger
}

// NewStatusHandler creates a status handler over the orchestration
// components.
func NewStatusHandler(
	sched *scheduler.Scheduler,
	connMgr *connection.Manager,
	dispatcher *dispatch.Dispatcher,
	reassign *allocator.ReassignmentManager,
	balancer *allocator.LoadBalancer,
	logger *zap.Logger,
) *StatusHandler {
	return &StatusHandler{
		scheduler:  sched,
		connMgr:    connMgr,
		dispatcher: dispatcher,
		reassign:   reassign,
		balancer:   balancer,
		logger:     logger.Named("status_handler"),
	}
}

// GetStatus handles GET /api/v1/status.
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	payload := envelope{
		"scheduler":    h.scheduler.GetStatus(),
		"connections":  h.connMgr.Stats(),
		"dispatcher":   h.dispatcher.Stats(),
		"reassignment": h.reassign.Stats(),
	}

	if dist, err := h.balancer.GetDistribution(r.Context()); err == nil {
		payload["load_distribution"] = dist
	} else {
		h.logger.Warn("failed to compute load distribution", zap.Error(err))
	}

	Ok(w, payload)
}

// GetExecuting handles GET /api/v1/status/executing.
func (h *StatusHandler) GetExecuting(w http.ResponseWriter, _ *http.Request) {
	Ok(w, h.scheduler.ExecutingTasks())
}

// GetConnectionHistory handles GET /api/v1/status/connections/history.
func (h *StatusHandler) GetConnectionHistory(w http.ResponseWriter, _ *http.Request) {
	Ok(w, h.connMgr.Pool().History(100))
}

// Healthz handles GET /healthz. Liveness only — readiness is the status
// endpoint's job.
func Healthz(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

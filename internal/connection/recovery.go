package connection

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netpulse-io/netpulse/internal/db"
	"github.com/netpulse-io/netpulse/internal/repositories"
)

// RecoveryStats are the recovery manager's lifetime counters.
type RecoveryStats struct {
	RecoveryAttempts     int64 `json:"recovery_attempts"`
	SuccessfulRecoveries int64 `json:"successful_recoveries"`
	FailedRecoveries     int64 `json:"failed_recoveries"`
	AgentsRecovering     int   `json:"agents_recovering"`
}

// Recovery probes for agents that dropped unexpectedly. An attempt does not
// open a connection itself — agents dial in, the server cannot reach out —
// it waits out the backoff and checks whether the agent re-registered on
// its own. After the final failed attempt the agent is marked offline in
// the repository.
//
// Concurrent recovery requests for the same agent are coalesced: a second
// Attempt while one loop is running is a no-op.
type Recovery struct {
	pool   *Pool
	agents repositories.AgentRepository
	logger *zap.Logger

	maxAttempts int
	delay       time.Duration
	multiplier  float64

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // agent id -> running loop
	current map[string]int                // agent id -> attempt number

	attempts  int64
	succeeded int64
	failed    int64
}

// NewRecovery creates a recovery manager with the given backoff schedule:
// attempt k sleeps delay · multiplier^(k−1).
func NewRecovery(pool *Pool, agents repositories.AgentRepository, maxAttempts int, delay time.Duration, multiplier float64, logger *zap.Logger) *Recovery {
	return &Recovery{
		pool:        pool,
		agents:      agents,
		logger:      logger.Named("recovery"),
		maxAttempts: maxAttempts,
		delay:       delay,
		multiplier:  multiplier,
		cancels:     make(map[string]context.CancelFunc),
		current:     make(map[string]int),
	}
}

// Attempt starts a recovery loop for the agent unless one is already
// running. The loop runs in its own goroutine and cleans itself up.
func (r *Recovery) Attempt(ctx context.Context, agentID, reason string) {
	r.mu.Lock()
	if _, running := r.cancels[agentID]; running {
		r.mu.Unlock()
		r.logger.Debug("recovery already in progress", zap.String("agent_id", agentID))
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancels[agentID] = cancel
	r.current[agentID] = 0
	r.mu.Unlock()

	r.logger.Info("starting connection recovery",
		zap.String("agent_id", agentID),
		zap.String("reason", reason),
	)
	go r.loop(loopCtx, agentID)
}

func (r *Recovery) loop(ctx context.Context, agentID string) {
	defer r.cleanup(agentID)

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		r.mu.Lock()
		r.current[agentID] = attempt
		r.attempts++
		r.mu.Unlock()

		delay := time.Duration(float64(r.delay) * math.Pow(r.multiplier, float64(attempt-1)))
		r.logger.Info("recovery attempt",
			zap.String("agent_id", agentID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.maxAttempts),
			zap.Duration("delay", delay),
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		if r.pool.IsConnected(agentID) {
			r.logger.Info("agent reconnected, recovery succeeded",
				zap.String("agent_id", agentID),
				zap.Int("attempt", attempt),
			)
			r.mu.Lock()
			r.succeeded++
			r.mu.Unlock()
			return
		}
	}

	r.logger.Error("recovery failed, marking agent offline",
		zap.String("agent_id", agentID),
		zap.Int("attempts", r.maxAttempts),
	)
	r.mu.Lock()
	r.failed++
	r.mu.Unlock()

	if id, err := uuid.Parse(agentID); err == nil {
		updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.agents.UpdateStatus(updateCtx, id, db.AgentStatusOffline, time.Now().UTC()); err != nil {
			r.logger.Error("failed to mark agent offline",
				zap.String("agent_id", agentID),
				zap.Error(err),
			)
		}
	}
}

// Cancel stops a running recovery loop, typically because the agent
// reconnected through the normal path.
func (r *Recovery) Cancel(agentID string) {
	r.mu.Lock()
	cancel, running := r.cancels[agentID]
	r.mu.Unlock()

	if running {
		r.logger.Debug("cancelling recovery", zap.String("agent_id", agentID))
		cancel()
	}
}

// IsRecovering reports whether a recovery loop is running for the agent.
func (r *Recovery) IsRecovering(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, running := r.cancels[agentID]
	return running
}

// CancelAll stops every running recovery loop. Called on manager shutdown.
func (r *Recovery) CancelAll() {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.cancels))
	for _, cancel := range r.cancels {
		cancels = append(cancels, cancel)
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// Stats returns a copy of the recovery counters.
func (r *Recovery) Stats() RecoveryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RecoveryStats{
		RecoveryAttempts:     r.attempts,
		SuccessfulRecoveries: r.succeeded,
		FailedRecoveries:     r.failed,
		AgentsRecovering:     len(r.cancels),
	}
}

func (r *Recovery) cleanup(agentID string) {
	r.mu.Lock()
	if cancel, ok := r.cancels[agentID]; ok {
		delete(r.cancels, agentID)
		delete(r.current, agentID)
		r.mu.Unlock()
		cancel()
		return
	}
	r.mu.Unlock()
}

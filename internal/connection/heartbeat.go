package connection

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TimeoutHandler is the narrow upward capability the heartbeat monitor
// needs: a way to tear down a connection that exceeded its miss tolerance.
// The Manager implements it; passing the interface instead of the Manager
// itself keeps the monitor free of the manager's full surface.
type TimeoutHandler interface {
	HandleHeartbeatTimeout(sessionID, reason string)
}

// HeartbeatStats are the monitor's lifetime counters.
type HeartbeatStats struct {
	HeartbeatsSent     int64 `json:"heartbeats_sent"`
	HeartbeatsReceived int64 `json:"heartbeats_received"`
	HeartbeatTimeouts  int64 `json:"heartbeat_timeouts"`
}

// HeartbeatMonitor periodically scans authenticated connections and counts
// a miss for each one whose last heartbeat is older than the timeout. At
// the tolerance threshold the timeout handler is invoked with reason
// "heartbeat_timeout".
type HeartbeatMonitor struct {
	pool      *Pool
	handler   TimeoutHandler
	interval  time.Duration
	timeout   time.Duration
	maxMissed int
	logger    *zap.Logger

	mu    sync.Mutex
	stats HeartbeatStats
}

// NewHeartbeatMonitor creates a monitor over the given pool. The handler is
// required — a monitor that detects dead connections but cannot act on them
// is a bug, not a configuration.
func NewHeartbeatMonitor(pool *Pool, handler TimeoutHandler, interval, timeout time.Duration, maxMissed int, logger *zap.Logger) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		pool:      pool,
		handler:   handler,
		interval:  interval,
		timeout:   timeout,
		maxMissed: maxMissed,
		logger:    logger.Named("heartbeat"),
	}
}

// Run executes the monitoring loop until ctx is cancelled. Call it in its
// own goroutine:
//
//	go monitor.Run(ctx)
func (m *HeartbeatMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.check()
		case <-ctx.Done():
			return
		}
	}
}

// check scans every authenticated connection once. Expired sessions are
// collected first and handled outside the scan so the handler's pool
// mutations cannot interfere with iteration.
func (m *HeartbeatMonitor) check() {
	now := time.Now().UTC()
	var expired []string

	for _, conn := range m.pool.All() {
		if conn.State() != StateAuthenticated {
			continue
		}

		conn.mu.Lock()
		last := conn.lastHeartbeat
		if last.IsZero() {
			last = conn.lastHeartbeatSent
		}
		timedOut := !last.IsZero() && now.Sub(last) > m.timeout
		if timedOut {
			conn.missedHeartbeats++
			if conn.missedHeartbeats >= m.maxMissed {
				expired = append(expired, conn.SessionID)
			}
		}
		missed := conn.missedHeartbeats
		conn.mu.Unlock()

		if timedOut {
			m.logger.Warn("heartbeat overdue",
				zap.String("agent_id", conn.AgentID),
				zap.String("session_id", conn.SessionID),
				zap.Duration("silence", now.Sub(last)),
				zap.Int("missed_heartbeats", missed),
			)
		}
	}

	for _, sessionID := range expired {
		m.mu.Lock()
		m.stats.HeartbeatTimeouts++
		m.mu.Unlock()
		m.pool.recordHeartbeatTimeout()
		m.handler.HandleHeartbeatTimeout(sessionID, "heartbeat_timeout")
	}
}

// RecordReceived notes a heartbeat frame from the given session, resetting
// its miss counter.
func (m *HeartbeatMonitor) RecordReceived(sessionID string) {
	conn := m.pool.Get(sessionID)
	if conn == nil {
		return
	}
	conn.recordHeartbeat(time.Now().UTC())

	m.mu.Lock()
	m.stats.HeartbeatsReceived++
	m.mu.Unlock()
}

// RecordSent notes a heartbeat response sent to the given session.
func (m *HeartbeatMonitor) RecordSent(sessionID string) {
	conn := m.pool.Get(sessionID)
	if conn == nil {
		return
	}
	conn.recordHeartbeatSent(time.Now().UTC())

	m.mu.Lock()
	m.stats.HeartbeatsSent++
	m.mu.Unlock()
}

// Stats returns a copy of the monitor's counters.
func (m *HeartbeatMonitor) Stats() HeartbeatStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

package connection

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netpulse-io/netpulse/internal/metrics"
)

// maxHistorySize bounds the connection event history. Older entries are
// evicted FIFO.
const maxHistorySize = 1000

func newSessionID() string {
	return uuid.NewString()
}

// Event is one entry in the pool's connection history.
type Event struct {
	Event     string        `json:"event"`
	AgentID   string        `json:"agent_id"`
	SessionID string        `json:"session_id"`
	Reason    string        `json:"reason,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// PoolStats are the pool's lifetime counters plus a point-in-time view of
// the per-agent connection distribution.
type PoolStats struct {
	TotalConnections       int64          `json:"total_connections"`
	ActiveConnections      int            `json:"active_connections"`
	PeakConnections        int            `json:"peak_connections"`
	Disconnections         int64          `json:"disconnections"`
	HeartbeatTimeouts      int64          `json:"heartbeat_timeouts"`
	AuthenticationFailures int64          `json:"authentication_failures"`
	AgentsConnected        int            `json:"agents_connected"`
	ConnectionsByAgent     map[string]int `json:"connections_by_agent"`
}

// Pool is the session registry. A single mutex protects the maps, counters,
// and history; all mutating operations are serialized, reads take the same
// lock briefly and copy out.
type Pool struct {
	maxPerAgent int
	logger      *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Connection   // session id -> connection
	byAgent  map[string][]*Connection // agent id -> live connections
	history  []Event

	totalConnections  int64
	peakConnections   int
	disconnections    int64
	heartbeatTimeouts int64
	authFailures      int64
}

// NewPool creates an empty pool. maxPerAgent values below 1 are clamped to 1.
func NewPool(maxPerAgent int, logger *zap.Logger) *Pool {
	if maxPerAgent < 1 {
		maxPerAgent = 1
	}
	return &Pool{
		maxPerAgent: maxPerAgent,
		logger:      logger.Named("pool"),
		sessions:    make(map[string]*Connection),
		byAgent:     make(map[string][]*Connection),
	}
}

// Add inserts a connection. It fails when the agent already holds its
// maximum number of live connections — the caller decides whether to
// displace the existing one by removing it first.
func (p *Pool) Add(conn *Connection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.byAgent[conn.AgentID]) >= p.maxPerAgent {
		p.logger.Warn("connection limit reached for agent",
			zap.String("agent_id", conn.AgentID),
			zap.Int("max_connections", p.maxPerAgent),
		)
		return false
	}

	p.sessions[conn.SessionID] = conn
	p.byAgent[conn.AgentID] = append(p.byAgent[conn.AgentID], conn)

	p.totalConnections++
	if len(p.sessions) > p.peakConnections {
		p.peakConnections = len(p.sessions)
	}
	metrics.ConnectedAgents.Set(float64(len(p.byAgent)))

	p.appendHistory(Event{
		Event:     "connection_added",
		AgentID:   conn.AgentID,
		SessionID: conn.SessionID,
		Timestamp: time.Now().UTC(),
	})

	p.logger.Info("connection added to pool",
		zap.String("agent_id", conn.AgentID),
		zap.String("session_id", conn.SessionID),
		zap.Int("active_connections", len(p.sessions)),
	)
	return true
}

// Remove deletes a connection by session id and returns it, or nil if the
// session is unknown (already removed — benign race between close paths).
func (p *Pool) Remove(sessionID, reason string) *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn, ok := p.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(p.sessions, sessionID)

	remaining := p.byAgent[conn.AgentID][:0]
	for _, c := range p.byAgent[conn.AgentID] {
		if c.SessionID != sessionID {
			remaining = append(remaining, c)
		}
	}
	if len(remaining) == 0 {
		delete(p.byAgent, conn.AgentID)
	} else {
		p.byAgent[conn.AgentID] = remaining
	}

	p.disconnections++
	metrics.ConnectedAgents.Set(float64(len(p.byAgent)))

	p.appendHistory(Event{
		Event:     "connection_removed",
		AgentID:   conn.AgentID,
		SessionID: sessionID,
		Reason:    reason,
		Duration:  time.Since(conn.connectedAt),
		Timestamp: time.Now().UTC(),
	})

	p.logger.Info("connection removed from pool",
		zap.String("agent_id", conn.AgentID),
		zap.String("session_id", sessionID),
		zap.String("reason", reason),
	)
	return conn
}

// Get returns the connection for a session id, or nil.
func (p *Pool) Get(sessionID string) *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[sessionID]
}

// AgentConnections returns a copy of the agent's live connections.
func (p *Pool) AgentConnections(agentID string) []*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Connection(nil), p.byAgent[agentID]...)
}

// Primary returns the agent's primary connection: the first authenticated
// one, falling back to the first connection in any state. Returns nil when
// the agent has no connections.
func (p *Pool) Primary(agentID string) *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()

	conns := p.byAgent[agentID]
	for _, c := range conns {
		if c.State() == StateAuthenticated {
			return c
		}
	}
	if len(conns) > 0 {
		return conns[0]
	}
	return nil
}

// All returns a copy of every live connection.
func (p *Pool) All() []*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()

	all := make([]*Connection, 0, len(p.sessions))
	for _, c := range p.sessions {
		all = append(all, c)
	}
	return all
}

// IsConnected reports whether the agent has at least one live connection.
func (p *Pool) IsConnected(agentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byAgent[agentID]) > 0
}

// ConnectedAgents returns the set of agent ids with live connections.
func (p *Pool) ConnectedAgents() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	agents := make([]string, 0, len(p.byAgent))
	for id := range p.byAgent {
		agents = append(agents, id)
	}
	return agents
}

// recordHeartbeatTimeout bumps the heartbeat-timeout counter. Called by the
// manager when a connection is reaped for missed heartbeats.
func (p *Pool) recordHeartbeatTimeout() {
	p.mu.Lock()
	p.heartbeatTimeouts++
	p.mu.Unlock()
	metrics.HeartbeatTimeouts.Inc()
}

// recordAuthFailure bumps the authentication-failure counter.
func (p *Pool) recordAuthFailure() {
	p.mu.Lock()
	p.authFailures++
	p.mu.Unlock()
}

// Stats returns the pool's counters and the current per-agent distribution.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	byAgent := make(map[string]int, len(p.byAgent))
	for id, conns := range p.byAgent {
		byAgent[id] = len(conns)
	}
	return PoolStats{
		TotalConnections:       p.totalConnections,
		ActiveConnections:      len(p.sessions),
		PeakConnections:        p.peakConnections,
		Disconnections:         p.disconnections,
		HeartbeatTimeouts:      p.heartbeatTimeouts,
		AuthenticationFailures: p.authFailures,
		AgentsConnected:        len(p.byAgent),
		ConnectionsByAgent:     byAgent,
	}
}

// History returns the most recent limit events, oldest first.
func (p *Pool) History(limit int) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	if limit <= 0 || limit > len(p.history) {
		limit = len(p.history)
	}
	return append([]Event(nil), p.history[len(p.history)-limit:]...)
}

func (p *Pool) appendHistory(e Event) {
	p.history = append(p.history, e)
	if len(p.history) > maxHistorySize {
		p.history = p.history[len(p.history)-maxHistorySize:]
	}
}

// Package connection implements the agent connection manager: it accepts,
// authenticates, and tracks one persistent control channel per probe agent,
// routes inbound frames to handlers, and drives heartbeat monitoring, load
// tracking, and reconnection recovery.
//
// # Structure
//
// The manager composes four sub-components, each with a single concern:
//
//	Pool             — session registry with per-agent connection caps
//	HeartbeatMonitor — periodic liveness scan with a timeout callback
//	LoadMonitor      — rolling load samples and edge-triggered alerts
//	Recovery         — bounded exponential-backoff reconnect probing
//
// Sub-components never reach back into the Manager directly. Where an
// upward call is needed (the heartbeat monitor tearing down a dead
// connection) it goes through a narrow interface passed at construction,
// which keeps the dependency graph acyclic and the pieces testable in
// isolation.
package connection

import (
	"sync"
	"time"

	"github.com/netpulse-io/netpulse/internal/protocol"
)

// State describes where a connection is in its lifecycle. Transitions are
// monotonic (connecting → connected → authenticated → disconnecting →
// disconnected) except that recovery may bring an agent back through a
// brand-new connection — individual Connection values never revive.
type State string

const (
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateAuthenticated State = "authenticated"
	StateDisconnecting State = "disconnecting"
	StateDisconnected  State = "disconnected"
	StateError         State = "error"
)

// Channel is the duplex transport surface the manager needs from a control
// channel. *websocket.Conn satisfies it; tests substitute an in-memory
// implementation.
type Channel interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Connection tracks one control channel and its session state. Mutable
// fields are guarded by mu; writes to the underlying channel are serialized
// by sendMu so concurrent senders cannot interleave frames.
type Connection struct {
	// AgentID and SessionID are immutable after construction.
	AgentID   string
	SessionID string

	ch Channel

	mu              sync.Mutex
	state           State
	connectedAt     time.Time
	authenticatedAt time.Time

	lastHeartbeat     time.Time
	lastHeartbeatSent time.Time
	missedHeartbeats  int

	messagesSent     int64
	messagesReceived int64

	capabilities []string
	version      string
	load         *protocol.LoadMetrics

	// sendMu prevents interleaved writes on the wire. Within a single
	// connection outgoing frames are ordered by send time.
	sendMu sync.Mutex
}

// newConnection wraps a freshly accepted channel. The connection starts in
// the connecting state; the authenticator advances it.
func newConnection(agentID, sessionID string, ch Channel) *Connection {
	return &Connection{
		AgentID:     agentID,
		SessionID:   sessionID,
		ch:          ch,
		state:       StateConnecting,
		connectedAt: time.Now().UTC(),
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// markAuthenticated transitions the connection to authenticated and stamps
// the time. The heartbeat clock starts here: a connection that never sends
// a heartbeat still times out relative to its authentication time.
func (c *Connection) markAuthenticated() {
	now := time.Now().UTC()
	c.mu.Lock()
	c.state = StateAuthenticated
	c.authenticatedAt = now
	c.lastHeartbeat = now
	c.mu.Unlock()
}

// sendFrame writes one frame to the wire under the send lock.
// Empty id/timestamp fields are filled in before the frame leaves.
func (c *Connection) sendFrame(f *protocol.Frame) error {
	if f.ID == "" {
		f.ID = newSessionID()
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now().UTC()
	}

	c.sendMu.Lock()
	err := c.ch.WriteJSON(f)
	c.sendMu.Unlock()

	if err == nil {
		c.mu.Lock()
		c.messagesSent++
		c.mu.Unlock()
	}
	return err
}

// recordReceived bumps the inbound frame counter.
func (c *Connection) recordReceived() {
	c.mu.Lock()
	c.messagesReceived++
	c.mu.Unlock()
}

// recordHeartbeat stamps a received heartbeat and resets the miss counter.
func (c *Connection) recordHeartbeat(at time.Time) {
	c.mu.Lock()
	c.lastHeartbeat = at
	c.missedHeartbeats = 0
	c.mu.Unlock()
}

// recordHeartbeatSent stamps an outbound heartbeat response.
func (c *Connection) recordHeartbeatSent(at time.Time) {
	c.mu.Lock()
	c.lastHeartbeatSent = at
	c.mu.Unlock()
}

// setRegistration stores the capability set and version announced in an
// agent_register frame.
func (c *Connection) setRegistration(capabilities []string, version string) {
	c.mu.Lock()
	c.capabilities = append([]string(nil), capabilities...)
	c.version = version
	c.mu.Unlock()
}

// Capabilities returns a copy of the protocol tags the agent declared.
func (c *Connection) Capabilities() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.capabilities...)
}

// setLoad stores the latest reported load snapshot.
func (c *Connection) setLoad(m protocol.LoadMetrics) {
	c.mu.Lock()
	c.load = &m
	c.mu.Unlock()
}

// Load returns the latest reported load snapshot, or nil if the agent has
// not reported yet.
func (c *Connection) Load() *protocol.LoadMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.load == nil {
		return nil
	}
	cp := *c.load
	return &cp
}

// Snapshot is a read-only view of a connection for the stats surface.
type Snapshot struct {
	AgentID          string                `json:"agent_id"`
	SessionID        string                `json:"session_id"`
	State            State                 `json:"state"`
	ConnectedAt      time.Time             `json:"connected_at"`
	AuthenticatedAt  time.Time             `json:"authenticated_at,omitempty"`
	LastHeartbeat    time.Time             `json:"last_heartbeat,omitempty"`
	MissedHeartbeats int                   `json:"missed_heartbeats"`
	MessagesSent     int64                 `json:"messages_sent"`
	MessagesReceived int64                 `json:"messages_received"`
	Capabilities     []string              `json:"capabilities,omitempty"`
	Version          string                `json:"version,omitempty"`
	Load             *protocol.LoadMetrics `json:"load,omitempty"`
}

// Snapshot captures the connection's current state for reporting.
func (c *Connection) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		AgentID:          c.AgentID,
		SessionID:        c.SessionID,
		State:            c.state,
		ConnectedAt:      c.connectedAt,
		AuthenticatedAt:  c.authenticatedAt,
		LastHeartbeat:    c.lastHeartbeat,
		MissedHeartbeats: c.missedHeartbeats,
		MessagesSent:     c.messagesSent,
		MessagesReceived: c.messagesReceived,
		Capabilities:     append([]string(nil), c.capabilities...),
		Version:          c.version,
	}
	if c.load != nil {
		cp := *c.load
		s.Load = &cp
	}
	return s
}

package connection

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/netpulse-io/netpulse/internal/config"
	"github.com/netpulse-io/netpulse/internal/db"
	"github.com/netpulse-io/netpulse/internal/protocol"
	"github.com/netpulse-io/netpulse/internal/repositories"
)

// Removal reasons that indicate an unexpected disconnect and therefore
// schedule recovery. Everything else (clean close, displacement, shutdown)
// leaves the agent offline without probing.
var recoveryReasons = map[string]struct{}{
	"heartbeat_timeout": {},
	"connection_error":  {},
	"network_error":     {},
}

// MessageHandler processes one inbound frame from an authenticated agent.
// Handlers run on the connection's read goroutine — they must not block for
// long or the agent's channel stalls.
type MessageHandler func(ctx context.Context, agentID string, frame *protocol.Frame) error

// ManagerStats aggregates the stats of every sub-component plus a snapshot
// of each live connection.
type ManagerStats struct {
	Pool        PoolStats      `json:"pool"`
	Heartbeat   HeartbeatStats `json:"heartbeat"`
	Load        LoadSummary    `json:"load"`
	Recovery    RecoveryStats  `json:"recovery"`
	Connections []Snapshot     `json:"connections"`
}

// Manager owns the control-channel lifecycle: handshake, pool membership,
// frame routing, heartbeat supervision, load tracking, and recovery. One
// Manager instance is constructed at server start and shared by the
// dispatcher and scheduler — there are no package-level singletons.
type Manager struct {
	cfg    config.Connection
	pool   *Pool
	auth   *Authenticator
	hb     *HeartbeatMonitor
	loads  *LoadMonitor
	rec    *Recovery
	agents repositories.AgentRepository
	logger *zap.Logger

	handlersMu sync.RWMutex
	handlers   map[protocol.MessageType]MessageHandler

	runMu   sync.Mutex
	cancel  context.CancelFunc
	started bool
}

// NewManager wires the pool, authenticator, heartbeat monitor, load
// monitor, and recovery manager together. Call Start to launch the
// background loops and Stop to release them.
func NewManager(cfg config.Config, agents repositories.AgentRepository, logger *zap.Logger) *Manager {
	log := logger.Named("connmgr")
	pool := NewPool(cfg.Connection.MaxConnectionsPerAgent, log)

	m := &Manager{
		cfg:      cfg.Connection,
		pool:     pool,
		auth:     NewAuthenticator(agents, cfg.Connection.ReplayWindow, log),
		loads:    NewLoadMonitor(pool, cfg.Allocator.CPUThreshold, cfg.Allocator.MemoryThreshold, cfg.Allocator.DiskThreshold, log),
		agents:   agents,
		logger:   log,
		handlers: make(map[protocol.MessageType]MessageHandler),
	}
	m.hb = NewHeartbeatMonitor(pool, m, cfg.Connection.HeartbeatInterval, cfg.Connection.HeartbeatTimeout, cfg.Connection.MaxMissedHeartbeats, log)
	m.rec = NewRecovery(pool, agents, cfg.Recovery.MaxAttempts, cfg.Recovery.Delay, cfg.Recovery.BackoffMultiplier, log)
	return m
}

// Start launches the heartbeat monitor. Idempotent.
func (m *Manager) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.started {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.started = true
	go m.hb.Run(ctx)
	m.logger.Info("connection manager started")
}

// Stop cancels the heartbeat monitor and every running recovery loop.
// Live connections are closed with reason "server_shutdown".
func (m *Manager) Stop() {
	m.runMu.Lock()
	if !m.started {
		m.runMu.Unlock()
		return
	}
	m.started = false
	m.cancel()
	m.runMu.Unlock()

	m.rec.CancelAll()
	for _, conn := range m.pool.All() {
		m.RemoveConnection(conn.SessionID, "server_shutdown")
	}
	m.logger.Info("connection manager stopped")
}

// Serve runs the full lifecycle of one control channel: handshake, pool
// membership, and the read loop. It blocks until the connection closes and
// is intended to be called from the WebSocket upgrade handler.
func (m *Manager) Serve(ctx context.Context, ch Channel) {
	// The handshake frame must arrive within the auth deadline.
	if err := ch.SetReadDeadline(time.Now().Add(m.cfg.AuthTimeout)); err != nil {
		ch.Close()
		return
	}

	var authFrame protocol.Frame
	if err := ch.ReadJSON(&authFrame); err != nil {
		m.logger.Warn("no auth frame before deadline", zap.Error(err))
		ch.Close()
		return
	}

	agentID, err := m.auth.Authenticate(ctx, &authFrame)
	if err != nil {
		m.pool.recordAuthFailure()
		m.logger.Warn("authentication failed", zap.Error(err))
		m.replyAuth(ch, protocol.AuthResponse{Success: false, Error: authReason(err)})
		ch.Close()
		return
	}

	// Handshake accepted — the read deadline is lifted; liveness is now the
	// heartbeat monitor's job.
	if err := ch.SetReadDeadline(time.Time{}); err != nil {
		ch.Close()
		return
	}

	conn := newConnection(agentID, newSessionID(), ch)
	conn.setState(StateConnected)

	if !m.AddConnection(conn) {
		m.replyAuth(ch, protocol.AuthResponse{Success: false, Error: "connection limit reached"})
		ch.Close()
		return
	}

	conn.markAuthenticated()
	m.updateAgentStatus(agentID, db.AgentStatusOnline)
	m.replyAuth(ch, protocol.AuthResponse{Success: true, SessionID: conn.SessionID})

	m.logger.Info("agent connected",
		zap.String("agent_id", agentID),
		zap.String("session_id", conn.SessionID),
	)

	m.readLoop(ctx, conn)
}

// AddConnection places a connection in the pool and cancels any pending
// recovery for its agent. Returns false when the agent is at its
// connection cap.
func (m *Manager) AddConnection(conn *Connection) bool {
	if !m.pool.Add(conn) {
		return false
	}
	m.rec.Cancel(conn.AgentID)
	return true
}

// RemoveConnection transitions the connection to disconnecting, sends a
// best-effort disconnect frame, closes the channel, removes it from the
// pool, marks the agent offline, and — for unexpected reasons — schedules
// recovery. Returns false when the session is unknown.
func (m *Manager) RemoveConnection(sessionID, reason string) bool {
	conn := m.pool.Get(sessionID)
	if conn == nil {
		return false
	}

	conn.setState(StateDisconnecting)

	if frame, err := protocol.NewFrame(protocol.TypeDisconnect, protocol.Disconnect{
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}); err == nil {
		_ = conn.sendFrame(frame) // best effort, the peer may already be gone
	}
	_ = conn.ch.Close()

	m.pool.Remove(sessionID, reason)
	conn.setState(StateDisconnected)

	m.updateAgentStatus(conn.AgentID, db.AgentStatusOffline)

	if _, unexpected := recoveryReasons[reason]; unexpected && !m.pool.IsConnected(conn.AgentID) {
		m.rec.Attempt(context.Background(), conn.AgentID, reason)
	}

	m.logger.Info("agent disconnected",
		zap.String("agent_id", conn.AgentID),
		zap.String("session_id", sessionID),
		zap.String("reason", reason),
	)
	return true
}

// Send delivers one frame to the agent's primary connection. Empty id and
// timestamp fields are filled in. A send failure removes the connection
// with reason "send_failed" — the caller never retries the same channel.
func (m *Manager) Send(agentID string, frame *protocol.Frame) bool {
	conn := m.pool.Primary(agentID)
	if conn == nil || conn.State() != StateAuthenticated {
		m.logger.Warn("cannot send, agent not connected or not authenticated",
			zap.String("agent_id", agentID),
			zap.String("type", string(frame.Type)),
		)
		return false
	}

	if err := conn.sendFrame(frame); err != nil {
		m.logger.Error("send failed, removing connection",
			zap.String("agent_id", agentID),
			zap.String("session_id", conn.SessionID),
			zap.Error(err),
		)
		m.RemoveConnection(conn.SessionID, "send_failed")
		return false
	}
	return true
}

// Broadcast sends a copy of the frame to every connected agent not in the
// exclude set and returns the number of successful sends. Individual
// failures are not propagated.
func (m *Manager) Broadcast(frame *protocol.Frame, exclude map[string]struct{}) int {
	sent := 0
	for _, agentID := range m.pool.ConnectedAgents() {
		if _, skip := exclude[agentID]; skip {
			continue
		}
		// Each agent gets its own envelope so the frame id is unique per
		// delivery and concurrent sends cannot race on the struct.
		cp := *frame
		cp.ID = ""
		cp.Timestamp = time.Time{}
		if m.Send(agentID, &cp) {
			sent++
		}
	}
	m.logger.Debug("broadcast complete",
		zap.String("type", string(frame.Type)),
		zap.Int("recipients", sent),
	)
	return sent
}

// RegisterHandler installs the handler for a frame type. Registering twice
// replaces the previous handler — last writer wins, matching explicit
// construction order in main.
func (m *Manager) RegisterHandler(t protocol.MessageType, h MessageHandler) {
	m.handlersMu.Lock()
	m.handlers[t] = h
	m.handlersMu.Unlock()
	m.logger.Debug("message handler registered", zap.String("type", string(t)))
}

// HandleHeartbeatTimeout implements TimeoutHandler for the heartbeat
// monitor.
func (m *Manager) HandleHeartbeatTimeout(sessionID, reason string) {
	m.RemoveConnection(sessionID, reason)
}

// readLoop consumes frames from the connection until it closes, routing
// each through HandleMessage. The exit reason decides whether recovery is
// scheduled.
func (m *Manager) readLoop(ctx context.Context, conn *Connection) {
	for {
		var frame protocol.Frame
		if err := conn.ch.ReadJSON(&frame); err != nil {
			// The connection may already have been removed by a concurrent
			// path (heartbeat timeout, send failure); RemoveConnection is a
			// no-op then.
			m.RemoveConnection(conn.SessionID, closeReason(err))
			return
		}
		conn.recordReceived()
		m.HandleMessage(ctx, conn.SessionID, &frame)
	}
}

// closeReason maps a read error to a removal reason. Clean closes do not
// trigger recovery; anything else counts as a connection error.
func closeReason(err error) string {
	if errors.Is(err, io.EOF) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return "connection_closed"
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return "network_error"
	}
	return "connection_error"
}

// HandleMessage routes one inbound frame. Heartbeats, resource reports,
// and registrations have built-in handlers; other types go through the
// registered handler table. Unknown types are answered with an error frame.
func (m *Manager) HandleMessage(ctx context.Context, sessionID string, frame *protocol.Frame) {
	conn := m.pool.Get(sessionID)
	if conn == nil {
		m.logger.Warn("frame from unknown session", zap.String("session_id", sessionID))
		return
	}
	agentID := conn.AgentID

	switch frame.Type {
	case protocol.TypeHeartbeat:
		m.handleHeartbeat(conn, frame)
		return
	case protocol.TypeResourceReport:
		m.handleResourceReport(conn, frame)
		return
	case protocol.TypeAgentRegister:
		m.handleRegister(conn, frame)
		return
	}

	m.handlersMu.RLock()
	handler, ok := m.handlers[frame.Type]
	m.handlersMu.RUnlock()

	if !ok {
		m.logger.Warn("no handler for frame type",
			zap.String("type", string(frame.Type)),
			zap.String("agent_id", agentID),
		)
		m.sendError(agentID, "unsupported message type", frame.ID)
		return
	}

	if err := handler(ctx, agentID, frame); err != nil {
		m.logger.Error("message handler failed",
			zap.String("type", string(frame.Type)),
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
		m.sendError(agentID, "message processing failed", frame.ID)
	}
}

func (m *Manager) handleHeartbeat(conn *Connection, frame *protocol.Frame) {
	m.hb.RecordReceived(conn.SessionID)

	if id, err := uuid.Parse(conn.AgentID); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.agents.UpdateHeartbeat(ctx, id, time.Now().UTC()); err != nil {
			m.logger.Warn("failed to persist heartbeat",
				zap.String("agent_id", conn.AgentID),
				zap.Error(err),
			)
		}
	}

	resp, err := protocol.NewFrame(protocol.TypeHeartbeatResponse, protocol.HeartbeatResponse{
		AgentID:           conn.AgentID,
		ServerTime:        time.Now().UTC(),
		OriginalMessageID: frame.ID,
	})
	if err != nil {
		return
	}
	if m.Send(conn.AgentID, resp) {
		m.hb.RecordSent(conn.SessionID)
	}
}

func (m *Manager) handleResourceReport(conn *Connection, frame *protocol.Frame) {
	var report protocol.ResourceReport
	if err := frame.Decode(&report); err != nil {
		m.logger.Warn("malformed resource report",
			zap.String("agent_id", conn.AgentID),
			zap.Error(err),
		)
		m.sendError(conn.AgentID, "malformed resource report", frame.ID)
		return
	}

	m.loads.Update(conn.AgentID, report.Resources)

	if id, err := uuid.Parse(conn.AgentID); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r := report.Resources
		if err := m.agents.UpdateLoad(ctx, id, r.CPUUsage, r.MemoryUsage, r.DiskUsage, r.LoadAvg); err != nil {
			m.logger.Warn("failed to persist agent load",
				zap.String("agent_id", conn.AgentID),
				zap.Error(err),
			)
		}
	}

	if ack, err := protocol.NewFrame(protocol.TypeResourceReportAck, protocol.ResourceReportAck{Received: true}); err == nil {
		m.Send(conn.AgentID, ack)
	}
}

func (m *Manager) handleRegister(conn *Connection, frame *protocol.Frame) {
	var req protocol.RegisterRequest
	if err := frame.Decode(&req); err != nil {
		m.logger.Warn("malformed register frame",
			zap.String("agent_id", conn.AgentID),
			zap.Error(err),
		)
		m.sendError(conn.AgentID, "malformed register frame", frame.ID)
		return
	}

	conn.setRegistration(req.Capabilities, req.Version)

	if id, err := uuid.Parse(conn.AgentID); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.agents.UpdateCapabilities(ctx, id, req.Capabilities, req.Version); err != nil {
			m.logger.Warn("failed to persist agent capabilities",
				zap.String("agent_id", conn.AgentID),
				zap.Error(err),
			)
		}
	}

	m.logger.Info("agent registered",
		zap.String("agent_id", conn.AgentID),
		zap.Strings("capabilities", req.Capabilities),
		zap.String("version", req.Version),
	)

	if resp, err := protocol.NewFrame(protocol.TypeAgentRegisterResponse, protocol.RegisterResponse{Success: true}); err == nil {
		m.Send(conn.AgentID, resp)
	}
}

func (m *Manager) sendError(agentID, message, originalID string) {
	frame, err := protocol.NewFrame(protocol.TypeError, protocol.ErrorPayload{
		Error:             message,
		OriginalMessageID: originalID,
	})
	if err != nil {
		return
	}
	m.Send(agentID, frame)
}

func (m *Manager) replyAuth(ch Channel, resp protocol.AuthResponse) {
	frame, err := protocol.NewFrame(protocol.TypeAuthResponse, resp)
	if err != nil {
		return
	}
	_ = ch.WriteJSON(frame)
}

// updateAgentStatus persists a status transition with a bounded context so
// a slow database cannot stall the connection path.
func (m *Manager) updateAgentStatus(agentID, status string) {
	id, err := uuid.Parse(agentID)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.agents.UpdateStatus(ctx, id, status, time.Now().UTC()); err != nil {
		m.logger.Error("failed to update agent status",
			zap.String("agent_id", agentID),
			zap.String("status", status),
			zap.Error(err),
		)
	}
}

// IsAgentConnected reports whether the agent has a live connection.
func (m *Manager) IsAgentConnected(agentID string) bool {
	return m.pool.IsConnected(agentID)
}

// ConnectedAgents returns the ids of all connected agents.
func (m *Manager) ConnectedAgents() []string {
	return m.pool.ConnectedAgents()
}

// AvailableAgents returns connected agents that are not overloaded.
func (m *Manager) AvailableAgents() []string {
	return m.loads.AvailableAgents()
}

// AgentLoad returns the latest load snapshot for an agent, or nil.
func (m *Manager) AgentLoad(agentID string) *protocol.LoadMetrics {
	return m.loads.AgentLoad(agentID)
}

// AgentCapabilities returns the protocol tags the agent's primary
// connection declared, or nil when the agent is not connected.
func (m *Manager) AgentCapabilities(agentID string) []string {
	conn := m.pool.Primary(agentID)
	if conn == nil {
		return nil
	}
	return conn.Capabilities()
}

// Pool exposes the underlying pool for the ops surface.
func (m *Manager) Pool() *Pool {
	return m.pool
}

// Loads exposes the load monitor for the ops surface.
func (m *Manager) Loads() *LoadMonitor {
	return m.loads
}

// Recovery exposes the recovery manager for the ops surface and tests.
func (m *Manager) Recovery() *Recovery {
	return m.rec
}

// Stats aggregates every sub-component's counters.
func (m *Manager) Stats() ManagerStats {
	conns := m.pool.All()
	snapshots := make([]Snapshot, 0, len(conns))
	for _, c := range conns {
		snapshots = append(snapshots, c.Snapshot())
	}
	return ManagerStats{
		Pool:        m.pool.Stats(),
		Heartbeat:   m.hb.Stats(),
		Load:        m.loads.Summary(),
		Recovery:    m.rec.Stats(),
		Connections: snapshots,
	}
}

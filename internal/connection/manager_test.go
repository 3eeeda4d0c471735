package connection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/netpulse-io/netpulse/internal/config"
	"github.com/netpulse-io/netpulse/internal/db"
	"github.com/netpulse-io/netpulse/internal/protocol"
)

func newManagerFixture(t *testing.T, agents ...*db.Agent) (*Manager, *fakeAgentRepo) {
	t.Helper()
	repo := newFakeAgentRepo(agents...)
	m := NewManager(config.Default(), repo, zap.NewNop())
	return m, repo
}

// serveAuthenticated runs Serve on a fake channel and completes the
// handshake, returning once the auth_response has been written.
func serveAuthenticated(t *testing.T, m *Manager, agent *db.Agent, apiKey string) *fakeChannel {
	t.Helper()
	ch := newFakeChannel()
	ch.push(authFrame(agent, apiKey))

	go m.Serve(context.Background(), ch)

	require.Eventually(t, func() bool {
		return ch.lastWritten(protocol.TypeAuthResponse) != nil
	}, 2*time.Second, 5*time.Millisecond)

	resp := ch.lastWritten(protocol.TypeAuthResponse)
	var payload protocol.AuthResponse
	require.NoError(t, resp.Decode(&payload))
	require.True(t, payload.Success, "expected successful handshake: %s", payload.Error)
	require.NotEmpty(t, payload.SessionID)
	return ch
}

func TestServeHandshakeSuccess(t *testing.T) {
	agent := enrolledAgent("topsecret")
	m, repo := newManagerFixture(t, agent)

	serveAuthenticated(t, m, agent, "topsecret")

	assert.True(t, m.IsAgentConnected(agent.ID.String()))
	assert.Equal(t, db.AgentStatusOnline, repo.statusOf(agent.ID))
}

func TestServeHandshakeRejectsBadSignature(t *testing.T) {
	agent := enrolledAgent("topsecret")
	m, repo := newManagerFixture(t, agent)

	ch := newFakeChannel()
	ch.push(authFrame(agent, "wrong-key"))

	done := make(chan struct{})
	go func() {
		m.Serve(context.Background(), ch)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after rejected handshake")
	}

	resp := ch.lastWritten(protocol.TypeAuthResponse)
	require.NotNil(t, resp)
	var payload protocol.AuthResponse
	require.NoError(t, resp.Decode(&payload))
	assert.False(t, payload.Success)
	assert.NotEmpty(t, payload.Error)

	assert.False(t, m.IsAgentConnected(agent.ID.String()))
	assert.Equal(t, int64(1), m.Pool().Stats().AuthenticationFailures)
	assert.NotEqual(t, db.AgentStatusOnline, repo.statusOf(agent.ID))
}

func TestServeHeartbeatRoundTrip(t *testing.T) {
	agent := enrolledAgent("topsecret")
	m, _ := newManagerFixture(t, agent)
	ch := serveAuthenticated(t, m, agent, "topsecret")

	hb, err := protocol.NewFrame(protocol.TypeHeartbeat, protocol.HeartbeatRequest{AgentID: agent.ID.String()})
	require.NoError(t, err)
	ch.push(hb)

	require.Eventually(t, func() bool {
		return ch.lastWritten(protocol.TypeHeartbeatResponse) != nil
	}, 2*time.Second, 5*time.Millisecond)

	resp := ch.lastWritten(protocol.TypeHeartbeatResponse)
	var payload protocol.HeartbeatResponse
	require.NoError(t, resp.Decode(&payload))
	assert.Equal(t, agent.ID.String(), payload.AgentID)
	assert.Equal(t, hb.ID, payload.OriginalMessageID)
}

func TestServeResourceReport(t *testing.T) {
	agent := enrolledAgent("topsecret")
	m, repo := newManagerFixture(t, agent)
	ch := serveAuthenticated(t, m, agent, "topsecret")

	report, err := protocol.NewFrame(protocol.TypeResourceReport, protocol.ResourceReport{
		Resources: protocol.LoadMetrics{CPUUsage: 33, MemoryUsage: 44, DiskUsage: 55},
	})
	require.NoError(t, err)
	ch.push(report)

	require.Eventually(t, func() bool {
		return ch.lastWritten(protocol.TypeResourceReportAck) != nil
	}, 2*time.Second, 5*time.Millisecond)

	// The load monitor and the agent record both saw the report.
	load := m.AgentLoad(agent.ID.String())
	require.NotNil(t, load)
	assert.Equal(t, 33.0, load.CPUUsage)

	stored, err := repo.GetByID(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 33.0, stored.CurrentCPUUsage)
	assert.Equal(t, 44.0, stored.CurrentMemoryUsage)
}

func TestServeAgentRegister(t *testing.T) {
	agent := enrolledAgent("topsecret")
	m, repo := newManagerFixture(t, agent)
	ch := serveAuthenticated(t, m, agent, "topsecret")

	reg, err := protocol.NewFrame(protocol.TypeAgentRegister, protocol.RegisterRequest{
		Capabilities: []string{"http", "icmp"},
		Version:      "1.2.3",
	})
	require.NoError(t, err)
	ch.push(reg)

	require.Eventually(t, func() bool {
		return ch.lastWritten(protocol.TypeAgentRegisterResponse) != nil
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"http", "icmp"}, m.AgentCapabilities(agent.ID.String()))

	stored, err := repo.GetByID(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JSONStringList{"http", "icmp"}, stored.Capabilities)
	assert.Equal(t, "1.2.3", stored.Version)
}

func TestServeUnknownTypeGetsErrorFrame(t *testing.T) {
	agent := enrolledAgent("topsecret")
	m, _ := newManagerFixture(t, agent)
	ch := serveAuthenticated(t, m, agent, "topsecret")

	unknown := &protocol.Frame{
		ID:        "frame-1",
		Type:      "telemetry_blob",
		Timestamp: time.Now().UTC(),
		Data:      []byte(`{}`),
	}
	ch.push(unknown)

	require.Eventually(t, func() bool {
		return ch.lastWritten(protocol.TypeError) != nil
	}, 2*time.Second, 5*time.Millisecond)

	var payload protocol.ErrorPayload
	require.NoError(t, ch.lastWritten(protocol.TypeError).Decode(&payload))
	assert.Equal(t, "frame-1", payload.OriginalMessageID)
}

func TestRegisteredHandlerReceivesFrame(t *testing.T) {
	agent := enrolledAgent("topsecret")
	m, _ := newManagerFixture(t, agent)

	received := make(chan string, 1)
	m.RegisterHandler(protocol.TypeTaskResult, func(_ context.Context, agentID string, frame *protocol.Frame) error {
		received <- agentID
		return nil
	})

	ch := serveAuthenticated(t, m, agent, "topsecret")

	result, err := protocol.NewFrame(protocol.TypeTaskResult, protocol.TaskResult{TaskID: "t1", Status: protocol.ResultSuccess})
	require.NoError(t, err)
	ch.push(result)

	select {
	case agentID := <-received:
		assert.Equal(t, agent.ID.String(), agentID)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestHandlerErrorSendsErrorFrame(t *testing.T) {
	agent := enrolledAgent("topsecret")
	m, _ := newManagerFixture(t, agent)

	m.RegisterHandler(protocol.TypeTaskResult, func(context.Context, string, *protocol.Frame) error {
		return errors.New("handler exploded")
	})

	ch := serveAuthenticated(t, m, agent, "topsecret")

	result, err := protocol.NewFrame(protocol.TypeTaskResult, protocol.TaskResult{TaskID: "t1"})
	require.NoError(t, err)
	ch.push(result)

	require.Eventually(t, func() bool {
		return ch.lastWritten(protocol.TypeError) != nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRemoveConnectionRoundTrip(t *testing.T) {
	agent := enrolledAgent("topsecret")
	m, repo := newManagerFixture(t, agent)
	ch := serveAuthenticated(t, m, agent, "topsecret")

	conn := m.Pool().Primary(agent.ID.String())
	require.NotNil(t, conn)

	require.True(t, m.RemoveConnection(conn.SessionID, "admin_request"))

	// The agent got a best-effort disconnect frame, was removed from the
	// pool, and went offline — identical to the pre-connection state.
	disconnect := ch.lastWritten(protocol.TypeDisconnect)
	require.NotNil(t, disconnect)
	var payload protocol.Disconnect
	require.NoError(t, disconnect.Decode(&payload))
	assert.Equal(t, "admin_request", payload.Reason)

	assert.False(t, m.IsAgentConnected(agent.ID.String()))
	assert.Equal(t, db.AgentStatusOffline, repo.statusOf(agent.ID))

	// "admin_request" is not an unexpected reason — no recovery starts.
	assert.False(t, m.Recovery().IsRecovering(agent.ID.String()))

	// Removing an unknown session is a no-op.
	assert.False(t, m.RemoveConnection(conn.SessionID, "again"))
}

func TestSendFillsEnvelopeAndCounts(t *testing.T) {
	agent := enrolledAgent("topsecret")
	m, _ := newManagerFixture(t, agent)
	ch := serveAuthenticated(t, m, agent, "topsecret")

	frame := &protocol.Frame{Type: protocol.TypeSystemNotification, Data: []byte(`{"message":"hi","level":"info"}`)}
	require.True(t, m.Send(agent.ID.String(), frame))

	sent := ch.lastWritten(protocol.TypeSystemNotification)
	require.NotNil(t, sent)
	assert.NotEmpty(t, sent.ID)
	assert.False(t, sent.Timestamp.IsZero())
}

func TestSendToDisconnectedAgentFails(t *testing.T) {
	agent := enrolledAgent("topsecret")
	m, _ := newManagerFixture(t, agent)

	frame, err := protocol.NewFrame(protocol.TypeSystemNotification, protocol.SystemNotification{Message: "hi", Level: "info"})
	require.NoError(t, err)
	assert.False(t, m.Send(agent.ID.String(), frame))
}

func TestBroadcastSkipsExcluded(t *testing.T) {
	agentA := enrolledAgent("key-a")
	agentB := &db.Agent{Name: "probe-2", APIKey: "key-b", Status: db.AgentStatusOffline, Enabled: true}
	agentB.ID = newUUID()

	m, _ := newManagerFixture(t, agentA, agentB)
	chA := serveAuthenticated(t, m, agentA, "key-a")
	chB := serveAuthenticated(t, m, agentB, "key-b")

	frame, err := protocol.NewFrame(protocol.TypeSystemNotification, protocol.SystemNotification{Message: "hi", Level: "info"})
	require.NoError(t, err)

	sent := m.Broadcast(frame, map[string]struct{}{agentA.ID.String(): {}})
	assert.Equal(t, 1, sent)
	assert.Nil(t, chA.lastWritten(protocol.TypeSystemNotification))
	assert.NotNil(t, chB.lastWritten(protocol.TypeSystemNotification))
}

func TestHeartbeatTimeoutTearsDownConnection(t *testing.T) {
	agent := enrolledAgent("topsecret")

	cfg := config.Default()
	cfg.Connection.HeartbeatTimeout = 10 * time.Millisecond
	cfg.Connection.MaxMissedHeartbeats = 1

	repo := newFakeAgentRepo(agent)
	m := NewManager(cfg, repo, zap.NewNop())
	ch := serveAuthenticated(t, m, agent, "topsecret")

	// Let the heartbeat clock go stale, then run one monitor scan.
	time.Sleep(30 * time.Millisecond)
	m.hb.check()

	assert.False(t, m.IsAgentConnected(agent.ID.String()))
	assert.Equal(t, db.AgentStatusOffline, repo.statusOf(agent.ID))
	assert.Equal(t, int64(1), m.Pool().Stats().HeartbeatTimeouts)

	// heartbeat_timeout is an unexpected reason: recovery starts.
	assert.True(t, m.Recovery().IsRecovering(agent.ID.String()))
	m.Recovery().CancelAll()

	disconnect := ch.lastWritten(protocol.TypeDisconnect)
	require.NotNil(t, disconnect)
	var payload protocol.Disconnect
	require.NoError(t, disconnect.Decode(&payload))
	assert.Equal(t, "heartbeat_timeout", payload.Reason)
}

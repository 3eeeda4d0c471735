package connection

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netpulse-io/netpulse/internal/db"
	"github.com/netpulse-io/netpulse/internal/protocol"
	"github.com/netpulse-io/netpulse/internal/repositories"
)

// fakeChannel is an in-memory Channel. Frames pushed with push() are
// delivered to ReadJSON; frames the server writes are captured in written.
type fakeChannel struct {
	mu       sync.Mutex
	incoming chan []byte
	written  []protocol.Frame
	closed   bool
	closedCh chan struct{}
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		incoming: make(chan []byte, 16),
		closedCh: make(chan struct{}),
	}
}

func (c *fakeChannel) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.ErrClosedPipe
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var frame protocol.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	c.written = append(c.written, frame)
	return nil
}

func (c *fakeChannel) ReadJSON(v any) error {
	select {
	case data := <-c.incoming:
		return json.Unmarshal(data, v)
	case <-c.closedCh:
		return io.EOF
	}
}

func (c *fakeChannel) SetReadDeadline(time.Time) error { return nil }

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closedCh)
	}
	return nil
}

// push injects an inbound frame as if the agent had sent it.
func (c *fakeChannel) push(frame *protocol.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		panic(err)
	}
	c.incoming <- data
}

// writtenFrames returns a copy of everything the server wrote.
func (c *fakeChannel) writtenFrames() []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Frame(nil), c.written...)
}

// lastWritten returns the most recent frame of the given type, or nil.
func (c *fakeChannel) lastWritten(t protocol.MessageType) *protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.written) - 1; i >= 0; i-- {
		if c.written[i].Type == t {
			frame := c.written[i]
			return &frame
		}
	}
	return nil
}

// failingChannel wraps fakeChannel and fails every write.
type failingChannel struct {
	*fakeChannel
}

func (c *failingChannel) WriteJSON(any) error { return io.ErrClosedPipe }

// fakeAgentRepo is an in-memory AgentRepository tracking status updates.
type fakeAgentRepo struct {
	mu     sync.Mutex
	agents map[uuid.UUID]*db.Agent
}

func newFakeAgentRepo(agents ...*db.Agent) *fakeAgentRepo {
	r := &fakeAgentRepo{agents: make(map[uuid.UUID]*db.Agent)}
	for _, a := range agents {
		r.agents[a.ID] = a
	}
	return r
}

func (r *fakeAgentRepo) Create(_ context.Context, agent *db.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agent.ID] = agent
	return nil
}

func (r *fakeAgentRepo) GetByID(_ context.Context, id uuid.UUID) (*db.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *agent
	return &cp, nil
}

func (r *fakeAgentRepo) GetByName(context.Context, string) (*db.Agent, error) {
	return nil, repositories.ErrNotFound
}

func (r *fakeAgentRepo) Update(context.Context, *db.Agent) error { return nil }

func (r *fakeAgentRepo) UpdateStatus(_ context.Context, id uuid.UUID, status string, lastHeartbeat time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agent, ok := r.agents[id]; ok {
		agent.Status = status
		agent.LastHeartbeat = &lastHeartbeat
	}
	return nil
}

func (r *fakeAgentRepo) UpdateHeartbeat(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agent, ok := r.agents[id]; ok {
		agent.LastHeartbeat = &at
	}
	return nil
}

func (r *fakeAgentRepo) UpdateLoad(_ context.Context, id uuid.UUID, cpu, memory, disk, loadAvg float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agent, ok := r.agents[id]; ok {
		agent.CurrentCPUUsage = cpu
		agent.CurrentMemoryUsage = memory
		agent.CurrentDiskUsage = disk
		agent.CurrentLoadAvg = loadAvg
	}
	return nil
}

func (r *fakeAgentRepo) UpdateCapabilities(_ context.Context, id uuid.UUID, capabilities []string, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agent, ok := r.agents[id]; ok {
		agent.Capabilities = db.JSONStringList(capabilities)
		agent.Version = version
	}
	return nil
}

func (r *fakeAgentRepo) List(context.Context, repositories.ListOptions) ([]db.Agent, int64, error) {
	return nil, 0, nil
}

func (r *fakeAgentRepo) ListAvailable(context.Context, time.Duration) ([]db.Agent, error) {
	return nil, nil
}

func (r *fakeAgentRepo) statusOf(id uuid.UUID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agent, ok := r.agents[id]; ok {
		return agent.Status
	}
	return ""
}

func newUUID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		panic(err)
	}
	return id
}

func enrolledAgent(apiKey string) *db.Agent {
	agent := &db.Agent{
		Name:    "probe-1",
		APIKey:  apiKey,
		Status:  db.AgentStatusOffline,
		Enabled: true,
	}
	agent.ID = newUUID()
	return agent
}

// authFrame builds a correctly signed handshake frame for the agent.
func authFrame(agent *db.Agent, apiKey string) *protocol.Frame {
	timestamp := time.Now().UTC().Format(time.RFC3339)
	nonce := uuid.NewString()
	frame, err := protocol.NewFrame(protocol.TypeAuth, protocol.AuthRequest{
		AgentID:   agent.ID.String(),
		Timestamp: timestamp,
		Nonce:     nonce,
		Signature: protocol.Signature(agent.ID.String(), apiKey, timestamp, nonce),
		Version:   "1.0.0",
	})
	if err != nil {
		panic(err)
	}
	return frame
}

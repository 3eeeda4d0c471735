package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netpulse-io/netpulse/internal/db"
	"github.com/netpulse-io/netpulse/internal/protocol"
	"github.com/netpulse-io/netpulse/internal/repositories"
)

// fakeGateway implements dispatch.AgentGateway, capturing sent frames.
type fakeGateway struct {
	mu     sync.Mutex
	agents []string
	sent   map[string][]*protocol.Frame
}

func newFakeGateway(agents ...string) *fakeGateway {
	return &fakeGateway{agents: agents, sent: make(map[string][]*protocol.Frame)}
}

func (g *fakeGateway) Send(agentID string, frame *protocol.Frame) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent[agentID] = append(g.sent[agentID], frame)
	return true
}

func (g *fakeGateway) Broadcast(frame *protocol.Frame, exclude map[string]struct{}) int {
	count := 0
	for _, id := range g.agents {
		if _, skip := exclude[id]; skip {
			continue
		}
		if g.Send(id, frame) {
			count++
		}
	}
	return count
}

func (g *fakeGateway) AvailableAgents() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.agents...)
}

func (g *fakeGateway) AgentLoad(string) *protocol.LoadMetrics { return nil }
func (g *fakeGateway) AgentCapabilities(string) []string      { return nil }

func (g *fakeGateway) sentTo(agentID string) []*protocol.Frame {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*protocol.Frame(nil), g.sent[agentID]...)
}

// fakeAgentRepo serves a fixed agent set.
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

func (r *fakeAgentRepo) UpdateHeartbeat(context.Context, uuid.UUID, time.Time) error { return nil }

func (r *fakeAgentRepo) UpdateLoad(context.Context, uuid.UUID, float64, float64, float64, float64) error {
	return nil
}

func (r *fakeAgentRepo) UpdateCapabilities(context.Context, uuid.UUID, []string, string) error {
	return nil
}

func (r *fakeAgentRepo) List(context.Context, repositories.ListOptions) ([]db.Agent, int64, error) {
	return nil, 0, nil
}

func (r *fakeAgentRepo) ListAvailable(_ context.Context, window time.Duration) ([]db.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().UTC().Add(-window)
	var out []db.Agent
	for _, a := range r.agents {
		if (a.Status == db.AgentStatusOnline || a.Status == db.AgentStatusBusy) && a.Enabled &&
			a.LastHeartbeat != nil && !a.LastHeartbeat.Before(cutoff) {
			out = append(out, *a)
		}
	}
	return out, nil
}

// fakeTaskRepo backs the scheduler with an in-memory task table.
type fakeTaskRepo struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*db.Task
}

func newFakeTaskRepo(tasks ...*db.Task) *fakeTaskRepo {
	r := &fakeTaskRepo{tasks: make(map[uuid.UUID]*db.Task)}
	for _, t := range tasks {
		r.tasks[t.ID] = t
	}
	return r
}

func (r *fakeTaskRepo) Create(_ context.Context, task *db.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.ID] = task
	return nil
}

func (r *fakeTaskRepo) GetByID(_ context.Context, id uuid.UUID) (*db.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *task
	return &cp, nil
}

func (r *fakeTaskRepo) List(context.Context, repositories.ListOptions) ([]db.Task, int64, error) {
	return nil, 0, nil
}

func (r *fakeTaskRepo) ListByUser(context.Context, uuid.UUID, repositories.ListOptions) ([]db.Task, int64, error) {
	return nil, 0, nil
}

func (r *fakeTaskRepo) ListDue(_ context.Context, now time.Time, limit int) ([]db.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []db.Task
	for _, t := range r.tasks {
		if len(due) >= limit {
			break
		}
		if t.Status != db.TaskStatusActive {
			continue
		}
		if t.NextRun == nil || !t.NextRun.After(now) {
			due = append(due, *t)
		}
	}
	return due, nil
}

func (r *fakeTaskRepo) Update(_ context.Context, task *db.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.ID] = task
	return nil
}

func (r *fakeTaskRepo) UpdateStatus(_ context.Context, id uuid.UUID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if task, ok := r.tasks[id]; ok {
		task.Status = status
	}
	return nil
}

func (r *fakeTaskRepo) UpdateNextRun(_ context.Context, id uuid.UUID, nextRun *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if task, ok := r.tasks[id]; ok {
		task.NextRun = nextRun
	}
	return nil
}

func (r *fakeTaskRepo) UpdatePriority(_ context.Context, id uuid.UUID, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if task, ok := r.tasks[id]; ok {
		task.Priority = priority
	}
	return nil
}

func (r *fakeTaskRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
	return nil
}

// fakeResultRepo records created results.
type fakeResultRepo struct {
	mu      sync.Mutex
	created []*db.TaskResult
}

func (r *fakeResultRepo) Create(_ context.Context, result *db.TaskResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, result)
	return nil
}

func (r *fakeResultRepo) GetByID(context.Context, uuid.UUID) (*db.TaskResult, error) {
	return nil, repositories.ErrNotFound
}

func (r *fakeResultRepo) ListByTask(context.Context, uuid.UUID, repositories.ListOptions) ([]db.TaskResult, int64, error) {
	return nil, 0, nil
}

func (r *fakeResultRepo) ListByAgentSince(context.Context, uuid.UUID, time.Time, int) ([]db.TaskResult, error) {
	return nil, nil
}

func (r *fakeResultRepo) CountByAgentSince(context.Context, uuid.UUID, time.Time) (int64, error) {
	return 0, nil
}

func (r *fakeResultRepo) all() []*db.TaskResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*db.TaskResult(nil), r.created...)
}

func newUUID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		panic(err)
	}
	return id
}

func onlineAgent(name string) *db.Agent {
	now := time.Now().UTC()
	agent := &db.Agent{
		Name:               name,
		Status:             db.AgentStatusOnline,
		Enabled:            true,
		LastHeartbeat:      &now,
		Availability:       1,
		MaxConcurrentTasks: 10,
	}
	agent.ID = newUUID()
	return agent
}

func activeTask(name string) *db.Task {
	task := &db.Task{
		Name:      name,
		Protocol:  db.ProtocolHTTP,
		Target:    "example.com",
		Frequency: 60,
		Timeout:   30,
		Status:    db.TaskStatusActive,
	}
	if err := task.Validate(); err != nil {
		panic(err)
	}
	task.ID = newUUID()
	return task
}

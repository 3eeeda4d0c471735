package allocator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netpulse-io/netpulse/internal/db"
	"github.com/netpulse-io/netpulse/internal/repositories"
)

// fakeAgentRepo serves a fixed agent set from memory.
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

func (r *fakeAgentRepo) GetByName(_ context.Context, name string) (*db.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.agents {
		if a.Name == name {
			cp := *a
			return &cp, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (r *fakeAgentRepo) Update(_ context.Context, agent *db.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agent.ID] = agent
	return nil
}

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

// fakeResultRepo serves canned per-agent results.
type fakeResultRepo struct {
	mu       sync.Mutex
	byAgent  map[uuid.UUID][]db.TaskResult
	counts   map[uuid.UUID]int64
}

func newFakeResultRepo() *fakeResultRepo {
	return &fakeResultRepo{
		byAgent: make(map[uuid.UUID][]db.TaskResult),
		counts:  make(map[uuid.UUID]int64),
	}
}

func (r *fakeResultRepo) Create(_ context.Context, result *db.TaskResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byAgent[result.AgentID] = append(r.byAgent[result.AgentID], *result)
	return nil
}

func (r *fakeResultRepo) GetByID(context.Context, uuid.UUID) (*db.TaskResult, error) {
	return nil, repositories.ErrNotFound
}

func (r *fakeResultRepo) ListByTask(context.Context, uuid.UUID, repositories.ListOptions) ([]db.TaskResult, int64, error) {
	return nil, 0, nil
}

func (r *fakeResultRepo) ListByAgentSince(_ context.Context, agentID uuid.UUID, _ time.Time, limit int) ([]db.TaskResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	results := r.byAgent[agentID]
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return append([]db.TaskResult(nil), results...), nil
}

func (r *fakeResultRepo) CountByAgentSince(_ context.Context, agentID uuid.UUID, _ time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[agentID], nil
}

// fakeTaskRepo serves fixed tasks; only the lookups the reassignment
// manager needs are meaningful.
type fakeTaskRepo struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*db.Task
}

func taskRepoWith(tasks ...*db.Task) *fakeTaskRepo {
	r := &fakeTaskRepo{tasks: make(map[uuid.UUID]*db.Task)}
	for _, t := range tasks {
		r.tasks[t.ID] = t
	}
	return r
}

func (r *fakeTaskRepo) Create(_ context.Context, task *db.Task) error {
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

func (r *fakeTaskRepo) ListDue(context.Context, time.Time, int) ([]db.Task, error) {
	return nil, nil
}

func (r *fakeTaskRepo) Update(_ context.Context, task *db.Task) error {
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

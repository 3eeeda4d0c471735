package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netpulse-io/netpulse/internal/db"
	"github.com/netpulse-io/netpulse/internal/protocol"
	"github.com/netpulse-io/netpulse/internal/repositories"
)

// fakeGateway is an in-memory AgentGateway capturing sent frames.
type fakeGateway struct {
	mu       sync.Mutex
	agents   []string
	loads    map[string]*protocol.LoadMetrics
	caps     map[string][]string
	failSend map[string]bool
	sent     map[string][]*protocol.Frame
}

func newFakeGateway(agents ...string) *fakeGateway {
	return &fakeGateway{
		agents:   agents,
		loads:    make(map[string]*protocol.LoadMetrics),
		caps:     make(map[string][]string),
		failSend: make(map[string]bool),
		sent:     make(map[string][]*protocol.Frame),
	}
}

func (g *fakeGateway) Send(agentID string, frame *protocol.Frame) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failSend[agentID] {
		return false
	}
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

func (g *fakeGateway) AgentLoad(agentID string) *protocol.LoadMetrics {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.loads[agentID]
}

func (g *fakeGateway) AgentCapabilities(agentID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.caps[agentID]
}

func (g *fakeGateway) sentTo(agentID string) []*protocol.Frame {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*protocol.Frame(nil), g.sent[agentID]...)
}

// fakeResultRepo records created results in memory.
type fakeResultRepo struct {
	mu      sync.Mutex
	created []*db.TaskResult
	failing bool
}

func (r *fakeResultRepo) Create(_ context.Context, result *db.TaskResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing {
		return errPersistence
	}
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

// fakeTaskRepo records status transitions in memory.
type fakeTaskRepo struct {
	mu       sync.Mutex
	tasks    map[uuid.UUID]*db.Task
	statuses map[uuid.UUID]string
}

func newFakeTaskRepo(tasks ...*db.Task) *fakeTaskRepo {
	r := &fakeTaskRepo{
		tasks:    make(map[uuid.UUID]*db.Task),
		statuses: make(map[uuid.UUID]string),
	}
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

func (r *fakeTaskRepo) ListDue(context.Context, time.Time, int) ([]db.Task, error) {
	return nil, nil
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
	r.statuses[id] = status
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

func (r *fakeTaskRepo) statusOf(id uuid.UUID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[id]
}

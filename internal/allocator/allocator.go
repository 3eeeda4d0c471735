package allocator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netpulse-io/netpulse/internal/config"
	"github.com/netpulse-io/netpulse/internal/db"
	"github.com/netpulse-io/netpulse/internal/repositories"
)

// availabilityWindow is how recent an agent's heartbeat must be for it to
// enter the candidate set.
const availabilityWindow = 5 * time.Minute

// Relaxed thresholds applied when the strict pipeline yields no candidates.
// The capability filter is never relaxed — sending a task to an agent that
// cannot execute its protocol only manufactures failures.
const (
	relaxedMaxLoad      = 0.9
	relaxedAvailability = 0.5
)

// ErrNoSuitableAgent is returned when no agent survives the filtering
// pipeline, even with relaxed thresholds.
var ErrNoSuitableAgent = errors.New("no suitable agent")

// Allocator runs the candidate pipeline and delegates the final choice to
// the Selector. Filtering order: repository availability (online, enabled,
// fresh heartbeat) → capability → load → rolling availability.
type Allocator struct {
	agents   repositories.AgentRepository
	selector *Selector
	cfg      config.Allocator
	logger   *zap.Logger
}

// New creates an allocator with the given thresholds and scoring weights.
func New(agents repositories.AgentRepository, results repositories.TaskResultRepository, cfg config.Allocator, logger *zap.Logger) *Allocator {
	log := logger.Named("allocator")
	return &Allocator{
		agents:   agents,
		selector: NewSelector(results, cfg.LocationWeight, cfg.PerformanceWeight, cfg.LoadWeight, log),
		cfg:      cfg,
		logger:   log,
	}
}

// Selector exposes the scoring component for weight tuning and previews.
func (a *Allocator) Selector() *Selector {
	return a.selector
}

// SelectAgent picks the best agent for the task, retrying with relaxed
// load and availability thresholds when the strict pipeline comes up
// empty. Returns ErrNoSuitableAgent when nothing qualifies either way.
func (a *Allocator) SelectAgent(ctx context.Context, task *db.Task) (*db.Agent, error) {
	return a.SelectAgentExcluding(ctx, task, nil)
}

// SelectAgentExcluding is SelectAgent with an exclusion set, used by the
// reassignment manager to keep a failed agent out of the rerun.
func (a *Allocator) SelectAgentExcluding(ctx context.Context, task *db.Task, exclude []uuid.UUID) (*db.Agent, error) {
	available, err := a.availableAgents(ctx, exclude)
	if err != nil {
		return nil, err
	}
	if len(available) == 0 {
		a.logger.Warn("no available agents", zap.String("task_id", task.ID.String()))
		return nil, ErrNoSuitableAgent
	}

	suitable := a.filterSuitable(task, available, a.cfg.MaxAgentLoad, a.cfg.MinAgentAvailability)
	if len(suitable) == 0 {
		a.logger.Info("no agent passed strict filters, relaxing thresholds",
			zap.String("task_id", task.ID.String()),
		)
		suitable = a.filterSuitable(task, available, relaxedMaxLoad, relaxedAvailability)
	}
	if len(suitable) == 0 {
		a.logger.Warn("no suitable agent even with relaxed thresholds",
			zap.String("task_id", task.ID.String()),
		)
		return nil, ErrNoSuitableAgent
	}

	best := a.selector.SelectBest(ctx, task, suitable)
	if best == nil {
		return nil, ErrNoSuitableAgent
	}
	return best, nil
}

// AllocateBatch assigns agents to a list of tasks sequentially while
// tracking per-agent counters, so a single agent cannot be saturated
// within one planning round. Tasks that cannot be placed map to nil.
func (a *Allocator) AllocateBatch(ctx context.Context, tasks []db.Task) (map[uuid.UUID]*uuid.UUID, error) {
	result := make(map[uuid.UUID]*uuid.UUID, len(tasks))
	if len(tasks) == 0 {
		return result, nil
	}

	available, err := a.availableAgents(ctx, nil)
	if err != nil {
		return nil, err
	}

	assigned := make(map[uuid.UUID]int, len(available))

	for i := range tasks {
		task := &tasks[i]

		suitable := a.filterSuitable(task, available, a.cfg.MaxAgentLoad, a.cfg.MinAgentAvailability)

		// Keep agents with batch headroom.
		withRoom := suitable[:0:0]
		for _, agent := range suitable {
			if assigned[agent.ID] < agent.MaxConcurrentTasks {
				withRoom = append(withRoom, agent)
			}
		}

		if len(withRoom) == 0 {
			result[task.ID] = nil
			continue
		}

		best := a.selector.SelectBest(ctx, task, withRoom)
		if best == nil {
			result[task.ID] = nil
			continue
		}
		id := best.ID
		result[task.ID] = &id
		assigned[id]++
	}

	return result, nil
}

// Preview scores every suitable candidate for a task without committing to
// a choice. Used by the ops surface to explain allocation decisions.
func (a *Allocator) Preview(ctx context.Context, task *db.Task) ([]Score, error) {
	available, err := a.availableAgents(ctx, nil)
	if err != nil {
		return nil, err
	}
	suitable := a.filterSuitable(task, available, a.cfg.MaxAgentLoad, a.cfg.MinAgentAvailability)

	scores := make([]Score, 0, len(suitable))
	for i := range suitable {
		scores = append(scores, a.selector.ScoreAgent(ctx, task, &suitable[i]))
	}

	// Highest first; ties by agent id for stable output.
	for i := 1; i < len(scores); i++ {
		for j := i; j > 0; j-- {
			if scores[j].Total > scores[j-1].Total ||
				(scores[j].Total == scores[j-1].Total && scores[j].AgentID < scores[j-1].AgentID) {
				scores[j], scores[j-1] = scores[j-1], scores[j]
			} else {
				break
			}
		}
	}
	return scores, nil
}

// availableAgents is the pipeline's first stage: online, enabled, fresh
// heartbeat, minus the exclusion set.
func (a *Allocator) availableAgents(ctx context.Context, exclude []uuid.UUID) ([]db.Agent, error) {
	agents, err := a.agents.ListAvailable(ctx, availabilityWindow)
	if err != nil {
		return nil, fmt.Errorf("allocator: list available agents: %w", err)
	}
	if len(exclude) == 0 {
		return agents, nil
	}

	excluded := make(map[uuid.UUID]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}

	kept := agents[:0]
	for _, agent := range agents {
		if _, skip := excluded[agent.ID]; !skip {
			kept = append(kept, agent)
		}
	}
	return kept, nil
}

// filterSuitable applies the capability, load, and availability filters
// with the given thresholds.
func (a *Allocator) filterSuitable(task *db.Task, agents []db.Agent, maxLoad, minAvailability float64) []db.Agent {
	suitable := make([]db.Agent, 0, len(agents))
	for _, agent := range agents {
		if !agent.SupportsProtocol(task.Protocol) {
			continue
		}
		if agent.CurrentCPUUsage > maxLoad*100 || agent.CurrentMemoryUsage > maxLoad*100 {
			continue
		}
		if agent.Availability < minAvailability {
			continue
		}
		suitable = append(suitable, agent)
	}
	return suitable
}

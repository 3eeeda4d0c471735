package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/netpulse-io/netpulse/internal/db"
	"github.com/netpulse-io/netpulse/internal/metrics"
	"github.com/netpulse-io/netpulse/internal/protocol"
)

// AgentGateway is the surface the dispatcher needs from the connection
// manager. *connection.Manager satisfies it; tests plug in fakes.
type AgentGateway interface {
	Send(agentID string, frame *protocol.Frame) bool
	Broadcast(frame *protocol.Frame, exclude map[string]struct{}) int
	AvailableAgents() []string
	AgentLoad(agentID string) *protocol.LoadMetrics
	AgentCapabilities(agentID string) []string
}

// Strategy names an agent selection policy for task distribution.
type Strategy string

const (
	StrategyRoundRobin      Strategy = "round_robin"
	StrategyLoadBased       Strategy = "load_based"
	StrategyLocationBased   Strategy = "location_based"
	StrategyCapabilityBased Strategy = "capability_based"
)

// ErrNoAgents is returned when no connected agent can take the task.
var ErrNoAgents = errors.New("no available agents")

// assignmentExpiry bounds how long a task assignment may sit in transit
// before it is considered stale and dropped.
const assignmentExpiry = 5 * time.Minute

// unknownLoadScore is the neutral load score given to agents that have not
// reported resource usage yet, placing them between idle and saturated.
const unknownLoadScore = 50.0

// DistributorStats are the distributor's lifetime counters.
type DistributorStats struct {
	TasksDistributed     int64            `json:"tasks_distributed"`
	DistributionFailures int64            `json:"distribution_failures"`
	AgentSelections      map[string]int64 `json:"agent_selections"`
	StrategyUsage        map[string]int64 `json:"strategy_usage"`
	CurrentStrategy      Strategy         `json:"current_strategy"`
}

// Distributor picks a connected agent for a task according to the active
// strategy and sends the task_assignment frame. It selects only among
// agents the connection layer reports as available (connected and not
// overloaded) — the richer repository-backed scoring lives in the
// allocator, which feeds the scheduler.
type Distributor struct {
	gateway AgentGateway
	logger  *zap.Logger

	mu       sync.Mutex
	strategy Strategy
	rrIndex  int

	distributed int64
	failures    int64
	byAgent     map[string]int64
	byStrategy  map[string]int64
}

// NewDistributor creates a distributor with the load_based default strategy.
func NewDistributor(gateway AgentGateway, logger *zap.Logger) *Distributor {
	return &Distributor{
		gateway:    gateway,
		logger:     logger.Named("distributor"),
		strategy:   StrategyLoadBased,
		byAgent:    make(map[string]int64),
		byStrategy: make(map[string]int64),
	}
}

// SetStrategy switches the default selection strategy. Unknown strategies
// are rejected.
func (d *Distributor) SetStrategy(s Strategy) error {
	switch s {
	case StrategyRoundRobin, StrategyLoadBased, StrategyLocationBased, StrategyCapabilityBased:
	default:
		return fmt.Errorf("unknown distribution strategy %q", s)
	}
	d.mu.Lock()
	d.strategy = s
	d.mu.Unlock()
	d.logger.Info("distribution strategy changed", zap.String("strategy", string(s)))
	return nil
}

// Distribute selects an agent for the task and sends it a task_assignment
// frame (HIGH priority semantics, five-minute staleness bound carried in
// the payload's assigned_at). Returns the selected agent id.
func (d *Distributor) Distribute(task *db.Task, strategy Strategy) (string, error) {
	if strategy == "" {
		d.mu.Lock()
		strategy = d.strategy
		d.mu.Unlock()
	}

	available := d.gateway.AvailableAgents()
	if len(available) == 0 {
		d.recordFailure()
		return "", ErrNoAgents
	}

	selected, err := d.selectAgent(task, strategy, available)
	if err != nil {
		d.recordFailure()
		return "", err
	}

	frame, err := protocol.NewFrame(protocol.TypeTaskAssignment, assignmentPayload(task))
	if err != nil {
		d.recordFailure()
		return "", err
	}

	if !d.gateway.Send(selected, frame) {
		d.recordFailure()
		return "", fmt.Errorf("send to agent %s failed", selected)
	}

	d.mu.Lock()
	d.distributed++
	d.byAgent[selected]++
	d.byStrategy[string(strategy)]++
	d.mu.Unlock()
	metrics.TasksDispatched.Inc()

	d.logger.Info("task distributed",
		zap.String("task_id", task.ID.String()),
		zap.String("agent_id", selected),
		zap.String("strategy", string(strategy)),
	)
	return selected, nil
}

// SendAssignment sends a task_assignment for an agent chosen elsewhere
// (the scheduler's allocator path).
func (d *Distributor) SendAssignment(task *db.Task, agentID string) bool {
	frame, err := protocol.NewFrame(protocol.TypeTaskAssignment, assignmentPayload(task))
	if err != nil {
		d.recordFailure()
		return false
	}
	if !d.gateway.Send(agentID, frame) {
		d.recordFailure()
		return false
	}

	d.mu.Lock()
	d.distributed++
	d.byAgent[agentID]++
	d.mu.Unlock()
	metrics.TasksDispatched.Inc()
	return true
}

// CancelTask sends a task_cancel frame to the agent executing the task.
func (d *Distributor) CancelTask(taskID, agentID string) bool {
	frame, err := protocol.NewFrame(protocol.TypeTaskCancel, protocol.TaskCancel{
		TaskID:      taskID,
		CancelledAt: time.Now().UTC(),
	})
	if err != nil {
		return false
	}
	ok := d.gateway.Send(agentID, frame)
	if ok {
		d.logger.Info("task cancel sent",
			zap.String("task_id", taskID),
			zap.String("agent_id", agentID),
		)
	}
	return ok
}

// Stats returns a copy of the distributor's counters.
func (d *Distributor) Stats() DistributorStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	byAgent := make(map[string]int64, len(d.byAgent))
	for k, v := range d.byAgent {
		byAgent[k] = v
	}
	byStrategy := make(map[string]int64, len(d.byStrategy))
	for k, v := range d.byStrategy {
		byStrategy[k] = v
	}
	return DistributorStats{
		TasksDistributed:     d.distributed,
		DistributionFailures: d.failures,
		AgentSelections:      byAgent,
		StrategyUsage:        byStrategy,
		CurrentStrategy:      d.strategy,
	}
}

func (d *Distributor) recordFailure() {
	d.mu.Lock()
	d.failures++
	d.mu.Unlock()
}

func (d *Distributor) selectAgent(task *db.Task, strategy Strategy, available []string) (string, error) {
	switch strategy {
	case StrategyRoundRobin:
		d.mu.Lock()
		selected := available[d.rrIndex%len(available)]
		d.rrIndex++
		d.mu.Unlock()
		return selected, nil

	case StrategyLoadBased:
		return d.selectByLoad(available)

	case StrategyLocationBased:
		// Placeholder: geographic routing is driven by the allocator's
		// scoring path; the distributor-level strategy takes the first
		// available agent.
		return available[0], nil

	case StrategyCapabilityBased:
		capable := available[:0:0]
		for _, agentID := range available {
			caps := d.gateway.AgentCapabilities(agentID)
			if len(caps) == 0 || contains(caps, task.Protocol) {
				capable = append(capable, agentID)
			}
		}
		if len(capable) == 0 {
			// No agent declares the protocol — fall back to the full set
			// rather than failing the round.
			capable = available
		}
		return d.selectByLoad(capable)

	default:
		return "", fmt.Errorf("unknown distribution strategy %q", strategy)
	}
}

// selectByLoad scores each agent 0.5·cpu + 0.3·mem + 0.2·disk and picks the
// lowest. Agents without load data get the neutral score.
func (d *Distributor) selectByLoad(agents []string) (string, error) {
	if len(agents) == 0 {
		return "", ErrNoAgents
	}

	best := agents[0]
	bestScore := d.loadScore(agents[0])
	for _, agentID := range agents[1:] {
		if score := d.loadScore(agentID); score < bestScore {
			best, bestScore = agentID, score
		}
	}
	return best, nil
}

func (d *Distributor) loadScore(agentID string) float64 {
	load := d.gateway.AgentLoad(agentID)
	if load == nil {
		return unknownLoadScore
	}
	return load.CPUUsage*0.5 + load.MemoryUsage*0.3 + load.DiskUsage*0.2
}

func assignmentPayload(task *db.Task) protocol.TaskAssignment {
	port := 0
	if task.Port != nil {
		port = *task.Port
	}
	return protocol.TaskAssignment{
		TaskID:     task.ID.String(),
		Protocol:   task.Protocol,
		Target:     task.Target,
		Port:       port,
		Parameters: []byte(task.Parameters),
		Timeout:    task.Timeout,
		AssignedAt: time.Now().UTC(),
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

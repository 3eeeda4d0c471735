package allocator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netpulse-io/netpulse/internal/repositories"
)

const (
	// rebalanceInterval is the minimum time between rebalancing passes.
	rebalanceInterval = 300 * time.Second

	// varianceThreshold is the load-ratio variance above which the fleet
	// counts as imbalanced.
	varianceThreshold = 0.1

	// gapThreshold is the minimum ratio gap between a high- and low-load
	// agent for a move suggestion.
	gapThreshold = 0.3

	// pressureWindow is the result-count lookback used as a proxy for an
	// agent's current task pressure.
	pressureWindow = 10 * time.Minute
)

// MoveSuggestion is one advisory task move from a high-load agent to a
// low-load one. The balancer only suggests; moves are executed only via
// explicit cancel-plus-reassign.
type MoveSuggestion struct {
	FromAgentID uuid.UUID `json:"from_agent_id"`
	ToAgentID   uuid.UUID `json:"to_agent_id"`
	FromLoad    float64   `json:"from_load"`
	ToLoad      float64   `json:"to_load"`
}

// AgentLoadRatio is one agent's current pressure relative to its capacity.
type AgentLoadRatio struct {
	AgentID      uuid.UUID `json:"agent_id"`
	AgentName    string    `json:"agent_name"`
	CurrentTasks int64     `json:"current_tasks"`
	MaxTasks     int       `json:"max_tasks"`
	LoadRatio    float64   `json:"load_ratio"`
}

// Distribution is the fleet-wide load picture.
type Distribution struct {
	Agents        []AgentLoadRatio `json:"agents"`
	AverageLoad   float64          `json:"average_load"`
	LoadVariance  float64          `json:"load_variance"`
	LastRebalance time.Time        `json:"last_rebalance"`
}

// LoadBalancer watches the per-agent load ratio (recent executions over
// max concurrent tasks) and, when the variance crosses the threshold and
// the interval has elapsed, emits advisory move suggestions.
type LoadBalancer struct {
	agents  repositories.AgentRepository
	results repositories.TaskResultRepository
	logger  *zap.Logger

	mu            sync.Mutex
	lastRebalance time.Time
}

// NewLoadBalancer creates a balancer reading pressure from the result
// history.
func NewLoadBalancer(agents repositories.AgentRepository, results repositories.TaskResultRepository, logger *zap.Logger) *LoadBalancer {
	return &LoadBalancer{
		agents:  agents,
		results: results,
		logger:  logger.Named("balancer"),
	}
}

// GetDistribution computes the current fleet load picture.
func (b *LoadBalancer) GetDistribution(ctx context.Context) (*Distribution, error) {
	agents, err := b.agents.ListAvailable(ctx, availabilityWindow)
	if err != nil {
		return nil, fmt.Errorf("balancer: list agents: %w", err)
	}

	since := time.Now().UTC().Add(-pressureWindow)
	ratios := make([]AgentLoadRatio, 0, len(agents))
	var sum float64

	for i := range agents {
		agent := &agents[i]
		current, err := b.results.CountByAgentSince(ctx, agent.ID, since)
		if err != nil {
			b.logger.Warn("failed to count agent results",
				zap.String("agent_id", agent.ID.String()),
				zap.Error(err),
			)
			continue
		}

		ratio := 0.0
		if agent.MaxConcurrentTasks > 0 {
			ratio = float64(current) / float64(agent.MaxConcurrentTasks)
		}
		ratios = append(ratios, AgentLoadRatio{
			AgentID:      agent.ID,
			AgentName:    agent.Name,
			CurrentTasks: current,
			MaxTasks:     agent.MaxConcurrentTasks,
			LoadRatio:    ratio,
		})
		sum += ratio
	}

	dist := &Distribution{Agents: ratios}
	if len(ratios) > 0 {
		dist.AverageLoad = sum / float64(len(ratios))
		var variance float64
		for _, r := range ratios {
			d := r.LoadRatio - dist.AverageLoad
			variance += d * d
		}
		dist.LoadVariance = variance / float64(len(ratios))
	}

	b.mu.Lock()
	dist.LastRebalance = b.lastRebalance
	b.mu.Unlock()

	return dist, nil
}

// ShouldRebalance reports whether a rebalancing pass is due: the interval
// has elapsed and the variance crosses the threshold.
func (b *LoadBalancer) ShouldRebalance(ctx context.Context) bool {
	b.mu.Lock()
	since := time.Since(b.lastRebalance)
	b.mu.Unlock()
	if since < rebalanceInterval {
		return false
	}

	dist, err := b.GetDistribution(ctx)
	if err != nil {
		b.logger.Warn("failed to compute distribution", zap.Error(err))
		return false
	}
	return dist.LoadVariance > varianceThreshold
}

// Rebalance produces advisory move suggestions from agents more than 0.2
// above the average load ratio to agents more than 0.2 below it, where the
// ratio gap exceeds the threshold. It stamps the rebalance time regardless of whether any
// suggestion was produced.
func (b *LoadBalancer) Rebalance(ctx context.Context) ([]MoveSuggestion, error) {
	dist, err := b.GetDistribution(ctx)
	if err != nil {
		return nil, err
	}
	if len(dist.Agents) < 2 {
		return nil, nil
	}

	var high, low []AgentLoadRatio
	for _, r := range dist.Agents {
		switch {
		case r.LoadRatio > dist.AverageLoad+0.2:
			high = append(high, r)
		case r.LoadRatio < dist.AverageLoad-0.2:
			low = append(low, r)
		}
	}

	var suggestions []MoveSuggestion
	for _, h := range high {
		for _, l := range low {
			if h.LoadRatio-l.LoadRatio > gapThreshold {
				suggestions = append(suggestions, MoveSuggestion{
					FromAgentID: h.AgentID,
					ToAgentID:   l.AgentID,
					FromLoad:    h.LoadRatio,
					ToLoad:      l.LoadRatio,
				})
			}
		}
	}

	b.mu.Lock()
	b.lastRebalance = time.Now().UTC()
	b.mu.Unlock()

	if len(suggestions) > 0 {
		b.logger.Info("rebalance suggestions produced",
			zap.Int("count", len(suggestions)),
			zap.Float64("variance", dist.LoadVariance),
		)
	}
	return suggestions, nil
}

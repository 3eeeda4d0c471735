// Package allocator chooses the best agent for each task from the
// currently eligible set. Selection is a two-stage pipeline: hard filters
// (availability, capability, load, rolling availability) followed by
// weighted scoring over location fit, historical performance, and live
// load. A reassignment manager moves in-flight tasks off failed agents and
// a load balancer emits advisory rebalancing suggestions.
package allocator

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/netpulse-io/netpulse/internal/db"
	"github.com/netpulse-io/netpulse/internal/repositories"
)

// performanceWindow is how far back the performance score looks at task
// results.
const performanceWindow = 7 * 24 * time.Hour

// performanceSampleLimit caps how many results are read per agent when
// scoring. Recent results dominate anyway; reading more buys nothing.
const performanceSampleLimit = 100

// responseTimeBaseline is the average duration (ms) at which the response
// time component of the performance score reaches zero.
const responseTimeBaseline = 1000.0

// Score breaks a candidate's total down into its weighted components,
// used by the allocation preview surface.
type Score struct {
	AgentID     string  `json:"agent_id"`
	AgentName   string  `json:"agent_name"`
	Total       float64 `json:"total"`
	Location    float64 `json:"location"`
	Performance float64 `json:"performance"`
	Load        float64 `json:"load"`
}

// Selector scores candidates on [0, 1]:
//
//	score = locationWeight·location + performanceWeight·performance + loadWeight·load
//
// Weights are mutable at runtime; ties break deterministically by agent
// UUID so repeated allocations with identical inputs pick the same agent.
type Selector struct {
	results repositories.TaskResultRepository
	logger  *zap.Logger

	mu                sync.Mutex
	locationWeight    float64
	performanceWeight float64
	loadWeight        float64
}

// NewSelector creates a selector with the given scoring weights.
func NewSelector(results repositories.TaskResultRepository, locationWeight, performanceWeight, loadWeight float64, logger *zap.Logger) *Selector {
	return &Selector{
		results:           results,
		logger:            logger.Named("selector"),
		locationWeight:    locationWeight,
		performanceWeight: performanceWeight,
		loadWeight:        loadWeight,
	}
}

// SetWeights replaces the scoring weights.
func (s *Selector) SetWeights(location, performance, load float64) {
	s.mu.Lock()
	s.locationWeight = location
	s.performanceWeight = performance
	s.loadWeight = load
	s.mu.Unlock()
	s.logger.Info("selector weights updated",
		zap.Float64("location", location),
		zap.Float64("performance", performance),
		zap.Float64("load", load),
	)
}

// Weights returns the current scoring weights.
func (s *Selector) Weights() (location, performance, load float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locationWeight, s.performanceWeight, s.loadWeight
}

// SelectBest scores every candidate and returns the highest. On equal
// scores the lexicographically smaller agent UUID wins. Returns nil for an
// empty candidate set.
func (s *Selector) SelectBest(ctx context.Context, task *db.Task, candidates []db.Agent) *db.Agent {
	var best *db.Agent
	var bestScore float64

	for i := range candidates {
		agent := &candidates[i]
		score := s.ScoreAgent(ctx, task, agent).Total

		switch {
		case best == nil,
			score > bestScore,
			score == bestScore && agent.ID.String() < best.ID.String():
			best = agent
			bestScore = score
		}
	}

	if best != nil {
		s.logger.Debug("agent selected",
			zap.String("task_id", task.ID.String()),
			zap.String("agent_id", best.ID.String()),
			zap.Float64("score", bestScore),
		)
	}
	return best
}

// ScoreAgent computes the weighted total and its components for one
// candidate.
func (s *Selector) ScoreAgent(ctx context.Context, task *db.Task, agent *db.Agent) Score {
	location := s.locationScore(task, agent)
	performance := s.performanceScore(ctx, agent)
	load := s.loadScore(agent)

	s.mu.Lock()
	total := location*s.locationWeight + performance*s.performanceWeight + load*s.loadWeight
	s.mu.Unlock()

	return Score{
		AgentID:     agent.ID.String(),
		AgentName:   agent.Name,
		Total:       total,
		Location:    location,
		Performance: performance,
		Load:        load,
	}
}

// locationScore starts at 0.5 and rewards matches against the task's
// placement preferences: +0.3 for country, +0.2 for city, +0.2 for ISP,
// capped at 1.
func (s *Selector) locationScore(task *db.Task, agent *db.Agent) float64 {
	score := 0.5

	if task.PreferredLocation != "" {
		pref := strings.ToLower(task.PreferredLocation)
		switch {
		case agent.Country != "" && strings.Contains(strings.ToLower(agent.Country), pref):
			score += 0.3
		case agent.City != "" && strings.Contains(strings.ToLower(agent.City), pref):
			score += 0.2
		}
	}

	if task.PreferredISP != "" && agent.ISP != "" &&
		strings.Contains(strings.ToLower(agent.ISP), strings.ToLower(task.PreferredISP)) {
		score += 0.2
	}

	if score > 1 {
		score = 1
	}
	return score
}

// performanceScore combines the agent's seven-day success rate (weight 0.7)
// with a response-time score (weight 0.3) where 0 ms maps to 1 and the
// baseline maps to 0. Agents without history score the neutral 0.5.
func (s *Selector) performanceScore(ctx context.Context, agent *db.Agent) float64 {
	since := time.Now().UTC().Add(-performanceWindow)
	results, err := s.results.ListByAgentSince(ctx, agent.ID, since, performanceSampleLimit)
	if err != nil {
		s.logger.Warn("failed to load results for performance score",
			zap.String("agent_id", agent.ID.String()),
			zap.Error(err),
		)
		return 0.5
	}
	if len(results) == 0 {
		return 0.5
	}

	successes := 0
	var durationSum float64
	var durationCount int
	for i := range results {
		if results[i].Status == db.ResultStatusSuccess {
			successes++
			if results[i].Duration > 0 {
				durationSum += results[i].Duration
				durationCount++
			}
		}
	}

	successRate := float64(successes) / float64(len(results))

	responseScore := 0.5
	if durationCount > 0 {
		avg := durationSum / float64(durationCount)
		responseScore = 1 - avg/responseTimeBaseline
		if responseScore < 0 {
			responseScore = 0
		}
	}

	score := successRate*0.7 + responseScore*0.3
	if score > 1 {
		score = 1
	}
	return score
}

// loadScore is the mean CPU and memory headroom. Agents without load data
// score 1 — an agent that has never reported is assumed idle.
func (s *Selector) loadScore(agent *db.Agent) float64 {
	if agent.CurrentCPUUsage == 0 && agent.CurrentMemoryUsage == 0 {
		return 1
	}
	cpu := 1 - agent.CurrentCPUUsage/100
	mem := 1 - agent.CurrentMemoryUsage/100
	score := (cpu + mem) / 2
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

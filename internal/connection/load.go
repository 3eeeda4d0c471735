package connection

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/netpulse-io/netpulse/internal/protocol"
)

// maxLoadHistory bounds the per-agent load sample window.
const maxLoadHistory = 100

// LoadSample is one recorded resource report.
type LoadSample struct {
	Timestamp time.Time            `json:"timestamp"`
	Metrics   protocol.LoadMetrics `json:"metrics"`
}

// LoadSummary is an aggregate view across all tracked agents.
type LoadSummary struct {
	TotalAgents      int                `json:"total_agents"`
	AgentsWithAlerts int                `json:"agents_with_alerts"`
	AverageLoads     map[string]float64 `json:"average_loads"`
	PeakLoads        map[string]float64 `json:"peak_loads"`
	AlertCounts      map[string]int     `json:"alert_counts"`
}

// LoadMonitor keeps a rolling window of load samples per agent and raises
// edge-triggered alerts when a metric crosses its threshold. Alert state is
// held per metric per agent so each crossing logs exactly once in each
// direction.
type LoadMonitor struct {
	pool   *Pool
	logger *zap.Logger

	cpuThreshold    float64
	memoryThreshold float64
	diskThreshold   float64

	mu      sync.Mutex
	history map[string][]LoadSample        // agent id -> samples
	alerts  map[string]map[string]bool     // agent id -> metric -> alerting
}

// NewLoadMonitor creates a monitor with the given alert thresholds
// (percentages).
func NewLoadMonitor(pool *Pool, cpuThreshold, memoryThreshold, diskThreshold float64, logger *zap.Logger) *LoadMonitor {
	return &LoadMonitor{
		pool:            pool,
		logger:          logger.Named("load"),
		cpuThreshold:    cpuThreshold,
		memoryThreshold: memoryThreshold,
		diskThreshold:   diskThreshold,
		history:         make(map[string][]LoadSample),
		alerts:          make(map[string]map[string]bool),
	}
}

// Update records a resource report for an agent: the sample is appended to
// the rolling window, the agent's live connections get the fresh snapshot,
// and alert edges are evaluated.
func (m *LoadMonitor) Update(agentID string, load protocol.LoadMetrics) {
	for _, conn := range m.pool.AgentConnections(agentID) {
		conn.setLoad(load)
	}

	m.mu.Lock()
	samples := append(m.history[agentID], LoadSample{
		Timestamp: time.Now().UTC(),
		Metrics:   load,
	})
	if len(samples) > maxLoadHistory {
		samples = samples[len(samples)-maxLoadHistory:]
	}
	m.history[agentID] = samples
	m.mu.Unlock()

	m.checkAlerts(agentID, load)
}

// checkAlerts logs one warning per upward threshold crossing and one
// recovery notice when the metric falls back under.
func (m *LoadMonitor) checkAlerts(agentID string, load protocol.LoadMetrics) {
	checks := []struct {
		metric    string
		value     float64
		threshold float64
	}{
		{"cpu", load.CPUUsage, m.cpuThreshold},
		{"memory", load.MemoryUsage, m.memoryThreshold},
		{"disk", load.DiskUsage, m.diskThreshold},
	}

	m.mu.Lock()
	states := m.alerts[agentID]
	if states == nil {
		states = make(map[string]bool)
		m.alerts[agentID] = states
	}

	type edge struct {
		metric string
		value  float64
		raised bool
	}
	var edges []edge
	for _, c := range checks {
		over := c.value > c.threshold
		if over != states[c.metric] {
			states[c.metric] = over
			edges = append(edges, edge{metric: c.metric, value: c.value, raised: over})
		}
	}
	m.mu.Unlock()

	for _, e := range edges {
		if e.raised {
			m.logger.Warn("agent load above threshold",
				zap.String("agent_id", agentID),
				zap.String("metric", e.metric),
				zap.Float64("value", e.value),
			)
		} else {
			m.logger.Info("agent load back to normal",
				zap.String("agent_id", agentID),
				zap.String("metric", e.metric),
				zap.Float64("value", e.value),
			)
		}
	}
}

// AgentLoad returns the latest load snapshot from the agent's primary
// connection, or nil when the agent is not connected or has not reported.
func (m *LoadMonitor) AgentLoad(agentID string) *protocol.LoadMetrics {
	conn := m.pool.Primary(agentID)
	if conn == nil {
		return nil
	}
	return conn.Load()
}

// AgentHistory returns the most recent limit samples for an agent, oldest
// first.
func (m *LoadMonitor) AgentHistory(agentID string, limit int) []LoadSample {
	m.mu.Lock()
	defer m.mu.Unlock()

	samples := m.history[agentID]
	if limit <= 0 || limit > len(samples) {
		limit = len(samples)
	}
	return append([]LoadSample(nil), samples[len(samples)-limit:]...)
}

// IsOverloaded reports whether any of the agent's current metrics exceeds
// its threshold. Agents without load data are not considered overloaded.
func (m *LoadMonitor) IsOverloaded(agentID string) bool {
	load := m.AgentLoad(agentID)
	if load == nil {
		return false
	}
	return load.CPUUsage > m.cpuThreshold ||
		load.MemoryUsage > m.memoryThreshold ||
		load.DiskUsage > m.diskThreshold
}

// AvailableAgents returns the connected agents that are not overloaded.
func (m *LoadMonitor) AvailableAgents() []string {
	var available []string
	for _, agentID := range m.pool.ConnectedAgents() {
		if !m.IsOverloaded(agentID) {
			available = append(available, agentID)
		}
	}
	return available
}

// Summary aggregates the latest sample of every tracked agent.
func (m *LoadMonitor) Summary() LoadSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	summary := LoadSummary{
		TotalAgents:  len(m.history),
		AverageLoads: make(map[string]float64),
		PeakLoads:    make(map[string]float64),
		AlertCounts:  map[string]int{"cpu": 0, "memory": 0, "disk": 0},
	}

	var cpu, mem, disk []float64
	for agentID, samples := range m.history {
		if len(samples) == 0 {
			continue
		}
		latest := samples[len(samples)-1].Metrics
		cpu = append(cpu, latest.CPUUsage)
		mem = append(mem, latest.MemoryUsage)
		disk = append(disk, latest.DiskUsage)

		states := m.alerts[agentID]
		alerting := false
		for metric, on := range states {
			if on {
				alerting = true
				summary.AlertCounts[metric]++
			}
		}
		if alerting {
			summary.AgentsWithAlerts++
		}
	}

	fill := func(metric string, values []float64) {
		if len(values) == 0 {
			return
		}
		var sum, peak float64
		for _, v := range values {
			sum += v
			if v > peak {
				peak = v
			}
		}
		summary.AverageLoads[metric] = sum / float64(len(values))
		summary.PeakLoads[metric] = peak
	}
	fill("cpu", cpu)
	fill("memory", mem)
	fill("disk", disk)

	return summary
}

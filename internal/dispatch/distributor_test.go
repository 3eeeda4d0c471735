package dispatch

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/netpulse-io/netpulse/internal/db"
	"github.com/netpulse-io/netpulse/internal/protocol"
)

var errPersistence = errors.New("persistence unavailable")

func httpTask(t *testing.T) *db.Task {
	t.Helper()
	task := &db.Task{
		Protocol:  db.ProtocolHTTP,
		Target:    "example.com",
		Frequency: 60,
		Timeout:   30,
		Status:    db.TaskStatusActive,
	}
	require.NoError(t, task.Validate())
	id, err := uuid.NewV7()
	require.NoError(t, err)
	task.ID = id
	return task
}

func TestDistributorLoadBasedPicksLeastLoaded(t *testing.T) {
	gw := newFakeGateway("a", "b", "c")
	gw.loads["a"] = &protocol.LoadMetrics{CPUUsage: 80, MemoryUsage: 70, DiskUsage: 60}
	gw.loads["b"] = &protocol.LoadMetrics{CPUUsage: 30, MemoryUsage: 40, DiskUsage: 20}
	gw.loads["c"] = &protocol.LoadMetrics{CPUUsage: 60, MemoryUsage: 50, DiskUsage: 40}

	d := NewDistributor(gw, zap.NewNop())
	selected, err := d.Distribute(httpTask(t), StrategyLoadBased)
	require.NoError(t, err)
	assert.Equal(t, "b", selected)

	frames := gw.sentTo("b")
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeTaskAssignment, frames[0].Type)

	var assignment protocol.TaskAssignment
	require.NoError(t, frames[0].Decode(&assignment))
	assert.Equal(t, "example.com", assignment.Target)
	assert.Equal(t, 80, assignment.Port)
}

func TestDistributorUnknownLoadScoresNeutral(t *testing.T) {
	gw := newFakeGateway("loaded", "unknown")
	// 0.5·90 + 0.3·90 + 0.2·90 = 90, worse than the neutral 50.
	gw.loads["loaded"] = &protocol.LoadMetrics{CPUUsage: 90, MemoryUsage: 90, DiskUsage: 90}

	d := NewDistributor(gw, zap.NewNop())
	selected, err := d.Distribute(httpTask(t), StrategyLoadBased)
	require.NoError(t, err)
	assert.Equal(t, "unknown", selected)
}

func TestDistributorRoundRobinCycles(t *testing.T) {
	gw := newFakeGateway("a", "b")
	d := NewDistributor(gw, zap.NewNop())

	first, err := d.Distribute(httpTask(t), StrategyRoundRobin)
	require.NoError(t, err)
	second, err := d.Distribute(httpTask(t), StrategyRoundRobin)
	require.NoError(t, err)
	third, err := d.Distribute(httpTask(t), StrategyRoundRobin)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "a"}, []string{first, second, third})
}

func TestDistributorCapabilityBasedFilters(t *testing.T) {
	gw := newFakeGateway("icmp-only", "http-capable")
	gw.caps["icmp-only"] = []string{"icmp"}
	gw.caps["http-capable"] = []string{"http", "https"}
	// Give the capable agent worse load so the test fails if the filter is
	// skipped.
	gw.loads["icmp-only"] = &protocol.LoadMetrics{CPUUsage: 1}
	gw.loads["http-capable"] = &protocol.LoadMetrics{CPUUsage: 50}

	d := NewDistributor(gw, zap.NewNop())
	selected, err := d.Distribute(httpTask(t), StrategyCapabilityBased)
	require.NoError(t, err)
	assert.Equal(t, "http-capable", selected)
}

func TestDistributorNoAgents(t *testing.T) {
	d := NewDistributor(newFakeGateway(), zap.NewNop())
	_, err := d.Distribute(httpTask(t), StrategyLoadBased)
	assert.ErrorIs(t, err, ErrNoAgents)
	assert.Equal(t, int64(1), d.Stats().DistributionFailures)
}

func TestDistributorSendFailureCounts(t *testing.T) {
	gw := newFakeGateway("a")
	gw.failSend["a"] = true

	d := NewDistributor(gw, zap.NewNop())
	_, err := d.Distribute(httpTask(t), StrategyLoadBased)
	require.Error(t, err)
	assert.Equal(t, int64(1), d.Stats().DistributionFailures)
}

func TestDistributorCancelTask(t *testing.T) {
	gw := newFakeGateway("a")
	d := NewDistributor(gw, zap.NewNop())

	require.True(t, d.CancelTask("task-1", "a"))
	frames := gw.sentTo("a")
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeTaskCancel, frames[0].Type)
}

func TestSetStrategyRejectsUnknown(t *testing.T) {
	d := NewDistributor(newFakeGateway(), zap.NewNop())
	assert.Error(t, d.SetStrategy("fastest_first"))
	assert.NoError(t, d.SetStrategy(StrategyRoundRobin))
}

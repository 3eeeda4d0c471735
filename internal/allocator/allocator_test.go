package allocator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/netpulse-io/netpulse/internal/config"
	"github.com/netpulse-io/netpulse/internal/db"
)

func testConfig() config.Allocator {
	return config.Default().Allocator
}

func testTask(t *testing.T) *db.Task {
	t.Helper()
	task := &db.Task{
		Protocol:  db.ProtocolHTTP,
		Target:    "example.com",
		Frequency: 60,
		Timeout:   30,
		Status:    db.TaskStatusActive,
	}
	require.NoError(t, task.Validate())
	task.ID = newUUID()
	return task
}

func TestSelectAgentFiltersByCapability(t *testing.T) {
	icmpOnly := onlineAgent("icmp-only")
	icmpOnly.Capabilities = db.JSONStringList{"icmp"}
	httpCapable := onlineAgent("http-capable")
	httpCapable.Capabilities = db.JSONStringList{"http"}

	a := New(newFakeAgentRepo(icmpOnly, httpCapable), newFakeResultRepo(), testConfig(), zap.NewNop())

	agent, err := a.SelectAgent(context.Background(), testTask(t))
	require.NoError(t, err)
	assert.Equal(t, httpCapable.ID, agent.ID)
}

func TestSelectAgentFiltersByLoad(t *testing.T) {
	overloaded := onlineAgent("overloaded")
	overloaded.CurrentCPUUsage = 85 // above 0.8·100
	idle := onlineAgent("idle")
	idle.CurrentCPUUsage = 10
	idle.CurrentMemoryUsage = 10

	a := New(newFakeAgentRepo(overloaded, idle), newFakeResultRepo(), testConfig(), zap.NewNop())

	agent, err := a.SelectAgent(context.Background(), testTask(t))
	require.NoError(t, err)
	assert.Equal(t, idle.ID, agent.ID)
}

func TestSelectAgentRelaxesThresholds(t *testing.T) {
	// 85% CPU fails the strict 80% cutoff but passes the relaxed 90%.
	only := onlineAgent("borderline")
	only.CurrentCPUUsage = 85
	only.Availability = 0.6 // below strict 0.7, above relaxed 0.5

	a := New(newFakeAgentRepo(only), newFakeResultRepo(), testConfig(), zap.NewNop())

	agent, err := a.SelectAgent(context.Background(), testTask(t))
	require.NoError(t, err)
	assert.Equal(t, only.ID, agent.ID)
}

func TestSelectAgentCapabilityNeverRelaxed(t *testing.T) {
	wrong := onlineAgent("wrong-protocol")
	wrong.Capabilities = db.JSONStringList{"icmp"}

	a := New(newFakeAgentRepo(wrong), newFakeResultRepo(), testConfig(), zap.NewNop())

	_, err := a.SelectAgent(context.Background(), testTask(t))
	assert.ErrorIs(t, err, ErrNoSuitableAgent)
}

func TestSelectAgentExcluding(t *testing.T) {
	first := onlineAgent("first")
	second := onlineAgent("second")

	a := New(newFakeAgentRepo(first, second), newFakeResultRepo(), testConfig(), zap.NewNop())

	agent, err := a.SelectAgentExcluding(context.Background(), testTask(t), []uuid.UUID{first.ID})
	require.NoError(t, err)
	assert.Equal(t, second.ID, agent.ID)

	_, err = a.SelectAgentExcluding(context.Background(), testTask(t), []uuid.UUID{first.ID, second.ID})
	assert.ErrorIs(t, err, ErrNoSuitableAgent)
}

func TestSelectorLocationScore(t *testing.T) {
	s := NewSelector(newFakeResultRepo(), 0.3, 0.4, 0.3, zap.NewNop())

	task := testTask(t)
	task.PreferredLocation = "Germany"
	task.PreferredISP = "Telekom"

	matching := onlineAgent("match")
	matching.Country = "Germany"
	matching.ISP = "Deutsche Telekom"

	elsewhere := onlineAgent("elsewhere")
	elsewhere.Country = "Japan"
	elsewhere.ISP = "NTT"

	assert.Equal(t, 1.0, s.locationScore(task, matching)) // 0.5+0.3+0.2
	assert.Equal(t, 0.5, s.locationScore(task, elsewhere))

	cityOnly := onlineAgent("city")
	cityOnly.City = "germany-south-dc" // contains the preference
	assert.InDelta(t, 0.7, s.locationScore(task, cityOnly), 1e-9)
}

func TestSelectorPerformanceScore(t *testing.T) {
	results := newFakeResultRepo()
	agent := onlineAgent("seasoned")

	// 8 successes at 200ms and 2 errors:
	// success rate 0.8, response score 0.8 → 0.8·0.7 + 0.8·0.3 = 0.8
	for i := 0; i < 8; i++ {
		results.byAgent[agent.ID] = append(results.byAgent[agent.ID], db.TaskResult{
			Status: db.ResultStatusSuccess, Duration: 200,
		})
	}
	for i := 0; i < 2; i++ {
		results.byAgent[agent.ID] = append(results.byAgent[agent.ID], db.TaskResult{
			Status: db.ResultStatusError,
		})
	}

	s := NewSelector(results, 0.3, 0.4, 0.3, zap.NewNop())
	assert.InDelta(t, 0.8, s.performanceScore(context.Background(), agent), 1e-9)

	// No history scores neutral.
	fresh := onlineAgent("fresh")
	assert.Equal(t, 0.5, s.performanceScore(context.Background(), fresh))
}

func TestSelectorLoadScore(t *testing.T) {
	s := NewSelector(newFakeResultRepo(), 0.3, 0.4, 0.3, zap.NewNop())

	busy := onlineAgent("busy")
	busy.CurrentCPUUsage = 60
	busy.CurrentMemoryUsage = 40
	assert.InDelta(t, 0.5, s.loadScore(busy), 1e-9)

	// Unknown load is assumed idle.
	unknown := onlineAgent("unknown")
	assert.Equal(t, 1.0, s.loadScore(unknown))
}

func TestSelectBestDeterministicTieBreak(t *testing.T) {
	a := onlineAgent("a")
	b := onlineAgent("b")

	s := NewSelector(newFakeResultRepo(), 0.3, 0.4, 0.3, zap.NewNop())
	task := testTask(t)

	want := a
	if b.ID.String() < a.ID.String() {
		want = b
	}

	got := s.SelectBest(context.Background(), task, []db.Agent{*a, *b})
	require.NotNil(t, got)
	assert.Equal(t, want.ID, got.ID)

	// Order of candidates must not matter.
	got = s.SelectBest(context.Background(), task, []db.Agent{*b, *a})
	require.NotNil(t, got)
	assert.Equal(t, want.ID, got.ID)
}

func TestAllocateBatchRespectsPerAgentCap(t *testing.T) {
	small := onlineAgent("small")
	small.MaxConcurrentTasks = 2

	repo := newFakeAgentRepo(small)
	a := New(repo, newFakeResultRepo(), testConfig(), zap.NewNop())

	tasks := []db.Task{*testTask(t), *testTask(t), *testTask(t)}
	result, err := a.AllocateBatch(context.Background(), tasks)
	require.NoError(t, err)

	placed := 0
	for _, agentID := range result {
		if agentID != nil {
			placed++
			assert.Equal(t, small.ID, *agentID)
		}
	}
	// The third task finds the only agent saturated for this round.
	assert.Equal(t, 2, placed)
}

func TestReassignmentExcludesFailedAgent(t *testing.T) {
	failed := onlineAgent("failed")
	healthy := onlineAgent("healthy")

	task := testTask(t)
	agents := newFakeAgentRepo(failed, healthy)
	a := New(agents, newFakeResultRepo(), testConfig(), zap.NewNop())
	m := NewReassignmentManager(a, taskRepoWith(task), zap.NewNop())

	agent, err := m.HandleTaskFailure(context.Background(), task.ID, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, healthy.ID, agent.ID)
	assert.Equal(t, 1, m.Count(task.ID))
}

func TestReassignmentCapsAtThree(t *testing.T) {
	failed := onlineAgent("failed")
	healthy := onlineAgent("healthy")

	task := testTask(t)
	a := New(newFakeAgentRepo(failed, healthy), newFakeResultRepo(), testConfig(), zap.NewNop())
	m := NewReassignmentManager(a, taskRepoWith(task), zap.NewNop())

	for i := 0; i < maxReassignments; i++ {
		_, err := m.HandleTaskFailure(context.Background(), task.ID, failed.ID)
		require.NoError(t, err)
	}

	_, err := m.HandleTaskFailure(context.Background(), task.ID, failed.ID)
	assert.Error(t, err)
	assert.Equal(t, maxReassignments, m.Count(task.ID))
}

func TestReassignmentPurgeRestoresBudget(t *testing.T) {
	failed := onlineAgent("failed")
	healthy := onlineAgent("healthy")

	task := testTask(t)
	a := New(newFakeAgentRepo(failed, healthy), newFakeResultRepo(), testConfig(), zap.NewNop())
	m := NewReassignmentManager(a, taskRepoWith(task), zap.NewNop())

	for i := 0; i < maxReassignments; i++ {
		_, err := m.HandleTaskFailure(context.Background(), task.ID, failed.ID)
		require.NoError(t, err)
	}

	// A purge far in the future drops the whole history.
	m.PurgeOld(time.Now().UTC().Add(8 * 24 * time.Hour))
	assert.Equal(t, 0, m.Count(task.ID))

	_, err := m.HandleTaskFailure(context.Background(), task.ID, failed.ID)
	assert.NoError(t, err)
}

func TestLoadBalancerSuggestsMoves(t *testing.T) {
	hot := onlineAgent("hot")
	hot.MaxConcurrentTasks = 10
	cold := onlineAgent("cold")
	cold.MaxConcurrentTasks = 10

	results := newFakeResultRepo()
	results.counts[hot.ID] = 9 // ratio 0.9
	results.counts[cold.ID] = 1 // ratio 0.1

	b := NewLoadBalancer(newFakeAgentRepo(hot, cold), results, zap.NewNop())

	assert.True(t, b.ShouldRebalance(context.Background()))

	suggestions, err := b.Rebalance(context.Background())
	require.NoError(t, err)
	require.Len(t, suggestions, 1)
	assert.Equal(t, hot.ID, suggestions[0].FromAgentID)
	assert.Equal(t, cold.ID, suggestions[0].ToAgentID)

	// The interval gate holds after a rebalance.
	assert.False(t, b.ShouldRebalance(context.Background()))
}

func TestLoadBalancerBalancedFleetNoSuggestions(t *testing.T) {
	a1 := onlineAgent("a1")
	a2 := onlineAgent("a2")

	results := newFakeResultRepo()
	results.counts[a1.ID] = 5
	results.counts[a2.ID] = 5

	b := NewLoadBalancer(newFakeAgentRepo(a1, a2), results, zap.NewNop())
	assert.False(t, b.ShouldRebalance(context.Background()))

	suggestions, err := b.Rebalance(context.Background())
	require.NoError(t, err)
	assert.Empty(t, suggestions)
}

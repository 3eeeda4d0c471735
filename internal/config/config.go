// Package config holds the orchestration tuning options recognized by the
// netpulse server. Defaults match production experience; individual values
// can be overridden from flags or environment variables in cmd/server
// before the components are constructed.
package config

import "time"

// Connection groups the connection manager options.
type Connection struct {
	// MaxConnectionsPerAgent caps the number of live control channels a
	// single agent may hold in the pool.
	MaxConnectionsPerAgent int

	// HeartbeatInterval is how often the heartbeat monitor scans
	// authenticated connections.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long a connection may go without a heartbeat
	// before one miss is counted.
	HeartbeatTimeout time.Duration

	// MaxMissedHeartbeats is the number of consecutive misses tolerated
	// before the connection is torn down.
	MaxMissedHeartbeats int

	// AuthTimeout is the deadline for the signed handshake frame after the
	// socket opens.
	AuthTimeout time.Duration

	// ReplayWindow is the maximum accepted age of an auth frame timestamp.
	ReplayWindow time.Duration
}

// Scheduler groups the task scheduler options.
type Scheduler struct {
	// MaxConcurrentTasks caps the executing-set size across all agents.
	MaxConcurrentTasks int

	// CheckInterval is the period of the discovery/drain sweep.
	CheckInterval time.Duration

	// TaskTimeout is the server-side per-task execution deadline enforced
	// by the reaper.
	TaskTimeout time.Duration
}

// Queue groups the message queue options.
type Queue struct {
	// MaxSize is the total message capacity, split equally across the four
	// priority sub-queues.
	MaxSize int
}

// Allocator groups the agent selection options.
type Allocator struct {
	// Scoring weights; must sum to 1.
	LocationWeight    float64
	PerformanceWeight float64
	LoadWeight        float64

	// MaxAgentLoad is the CPU/memory utilization fraction above which an
	// agent is filtered out of allocation.
	MaxAgentLoad float64

	// MinAgentAvailability is the minimum rolling availability an agent
	// must hold to receive work.
	MinAgentAvailability float64

	// Load monitor alert thresholds, in percent.
	CPUThreshold    float64
	MemoryThreshold float64
	DiskThreshold   float64
}

// Recovery groups the connection recovery options.
type Recovery struct {
	// MaxAttempts is how many times a lost agent is probed for
	// re-registration before it is marked offline.
	MaxAttempts int

	// Delay is the base backoff before the first attempt.
	Delay time.Duration

	// BackoffMultiplier scales the delay on each subsequent attempt.
	BackoffMultiplier float64
}

// Config is the full set of orchestration options.
type Config struct {
	Connection Connection
	Scheduler  Scheduler
	Queue      Queue
	Allocator  Allocator
	Recovery   Recovery
}

// Default returns the recognized defaults.
func Default() Config {
	return Config{
		Connection: Connection{
			MaxConnectionsPerAgent: 1,
			HeartbeatInterval:      30 * time.Second,
			HeartbeatTimeout:       90 * time.Second,
			MaxMissedHeartbeats:    3,
			AuthTimeout:            10 * time.Second,
			ReplayWindow:           5 * time.Minute,
		},
		Scheduler: Scheduler{
			MaxConcurrentTasks: 100,
			CheckInterval:      10 * time.Second,
			TaskTimeout:        300 * time.Second,
		},
		Queue: Queue{
			MaxSize: 10000,
		},
		Allocator: Allocator{
			LocationWeight:       0.3,
			PerformanceWeight:    0.4,
			LoadWeight:           0.3,
			MaxAgentLoad:         0.8,
			MinAgentAvailability: 0.7,
			CPUThreshold:         80,
			MemoryThreshold:      85,
			DiskThreshold:        90,
		},
		Recovery: Recovery{
			MaxAttempts:       3,
			Delay:             5 * time.Second,
			BackoffMultiplier: 2,
		},
	}
}

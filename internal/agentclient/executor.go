// Package agentclient implements the client side of the agent control
// channel: signed authentication, capability registration, the heartbeat
// and resource-report loops, task-assignment intake, and automatic
// reconnection with exponential backoff and jitter.
//
// Measurement implementations are deliberately out of this package. The
// client hands every task_assignment to an Executor; deployments plug in
// real probes, and the bundled UnimplementedExecutor answers every
// assignment with a failure so the wire contract can be exercised without
// any measurement code.
package agentclient

import (
	"context"
	"fmt"
	"time"

	"github.com/netpulse-io/netpulse/internal/protocol"
)

// Executor runs one assigned task and returns its result. Implementations
// must honor ctx — the client cancels it when the assignment's timeout
// elapses. A task_cancel frame is logged by the client and does not cancel
// an execution that is already running.
type Executor interface {
	Execute(ctx context.Context, assignment protocol.TaskAssignment) protocol.TaskResult
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, assignment protocol.TaskAssignment) protocol.TaskResult

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, assignment protocol.TaskAssignment) protocol.TaskResult {
	return f(ctx, assignment)
}

// UnimplementedExecutor rejects every assignment with a failed result.
// It keeps the agent binary useful for end-to-end channel testing before
// any measurement module is linked in.
type UnimplementedExecutor struct{}

// Execute implements Executor.
func (UnimplementedExecutor) Execute(_ context.Context, assignment protocol.TaskAssignment) protocol.TaskResult {
	return protocol.TaskResult{
		TaskID:       assignment.TaskID,
		Status:       protocol.ResultFailed,
		ErrorMessage: fmt.Sprintf("no executor for protocol %q", assignment.Protocol),
	}
}

// executeWithTimeout runs the executor under the assignment's own timeout.
func executeWithTimeout(exec Executor, assignment protocol.TaskAssignment) protocol.TaskResult {
	timeout := time.Duration(assignment.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	started := time.Now()
	result := exec.Execute(ctx, assignment)
	if result.ExecutionTime == 0 {
		result.ExecutionTime = float64(time.Since(started).Milliseconds())
	}
	if result.TaskID == "" {
		result.TaskID = assignment.TaskID
	}
	return result
}

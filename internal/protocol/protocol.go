// Package protocol defines the wire contract of the agent control channel.
// Every frame exchanged between the orchestrator and a probe agent is a JSON
// object with the envelope fields {id, type, timestamp, data}; the shape of
// data depends on the frame type.
//
// The package is shared by the server-side connection manager and the
// reference agent client so both ends marshal and unmarshal the exact same
// structures. It has no dependencies beyond the standard library and
// google/uuid — keep it that way.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of frame carried on the control channel.
type MessageType string

const (
	// TypeAuth is the first frame an agent sends after the socket opens.
	// It must arrive within the handshake deadline or the server closes
	// the connection.
	TypeAuth MessageType = "auth"

	// TypeAuthResponse is the server's reply to an auth frame. On failure
	// the server closes the connection immediately after sending it.
	TypeAuthResponse MessageType = "auth_response"

	// TypeAgentRegister announces the agent's capabilities and version
	// after a successful handshake.
	TypeAgentRegister MessageType = "agent_register"

	// TypeAgentRegisterResponse acknowledges a registration frame.
	TypeAgentRegisterResponse MessageType = "agent_register_response"

	// TypeHeartbeat is sent periodically by the agent to signal liveness.
	TypeHeartbeat MessageType = "heartbeat"

	// TypeHeartbeatResponse is the server's reply carrying its clock so
	// agents can detect skew.
	TypeHeartbeatResponse MessageType = "heartbeat_response"

	// TypeResourceReport carries a snapshot of the agent's host resource
	// utilization (CPU, memory, disk, load average).
	TypeResourceReport MessageType = "resource_report"

	// TypeResourceReportAck acknowledges a resource report.
	TypeResourceReportAck MessageType = "resource_report_ack"

	// TypeTaskAssignment dispatches one measurement task to an agent.
	TypeTaskAssignment MessageType = "task_assignment"

	// TypeTaskCancel asks an agent to abort a previously assigned task.
	TypeTaskCancel MessageType = "task_cancel"

	// TypeTaskResult carries the outcome of a task execution back to the
	// server.
	TypeTaskResult MessageType = "task_result"

	// TypeTaskResultAck confirms receipt of a task result. The ack is sent
	// before the result is persisted — agents must not infer durability
	// from it.
	TypeTaskResultAck MessageType = "task_result_ack"

	// TypeTaskStatusUpdate notifies agents of a task status transition.
	TypeTaskStatusUpdate MessageType = "task_status_update"

	// TypeAgentCommand carries an administrative command to an agent.
	TypeAgentCommand MessageType = "agent_command"

	// TypeSystemNotification carries an informational broadcast.
	TypeSystemNotification MessageType = "system_notification"

	// TypeDisconnect is sent best-effort by the server right before it
	// closes a connection.
	TypeDisconnect MessageType = "disconnect"

	// TypeError reports a protocol-level failure to the peer, referencing
	// the offending frame by id when known.
	TypeError MessageType = "error"
)

// Frame is the envelope for every control-channel message. Data holds the
// raw type-specific payload; use Decode to unmarshal it into one of the
// payload structs below.
type Frame struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewFrame builds a frame with a fresh UUID and the current time, marshaling
// payload into the data field.
func NewFrame(t MessageType, payload any) (*Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s payload: %w", t, err)
	}
	return &Frame{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// Decode unmarshals the frame's data field into v.
func (f *Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("protocol: frame %s has no data", f.Type)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("protocol: decode %s payload: %w", f.Type, err)
	}
	return nil
}

// LoadMetrics is the resource utilization snapshot reported by agents and
// tracked by the server-side load monitor. Usage values are percentages in
// [0, 100]; LoadAvg is the host 1-minute load average.
type LoadMetrics struct {
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"`
	DiskUsage   float64 `json:"disk_usage"`
	LoadAvg     float64 `json:"load_average,omitempty"`
}

// AuthRequest is the payload of an auth frame. Timestamp is the agent's
// clock at signing time in RFC 3339 form; frames older than the server's
// replay window are rejected.
type AuthRequest struct {
	AgentID   string `json:"agent_id"`
	Timestamp string `json:"timestamp"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
	Version   string `json:"version,omitempty"`
}

// AuthResponse is the payload of an auth_response frame.
type AuthResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RegisterRequest is the payload of an agent_register frame. Capabilities
// lists the protocol tags the agent can execute (icmp, tcp, udp, http,
// https); an empty list means the agent is assumed universal.
type RegisterRequest struct {
	Capabilities []string `json:"capabilities"`
	Version      string   `json:"version"`
}

// RegisterResponse is the payload of an agent_register_response frame.
type RegisterResponse struct {
	Success bool `json:"success"`
}

// HeartbeatRequest is the payload of a heartbeat frame.
type HeartbeatRequest struct {
	AgentID string `json:"agent_id"`
}

// HeartbeatResponse is the payload of a heartbeat_response frame.
type HeartbeatResponse struct {
	AgentID           string    `json:"agent_id"`
	ServerTime        time.Time `json:"server_time"`
	OriginalMessageID string    `json:"original_message_id"`
}

// ResourceReport is the payload of a resource_report frame.
type ResourceReport struct {
	Resources LoadMetrics `json:"resources"`
}

// ResourceReportAck is the payload of a resource_report_ack frame.
type ResourceReportAck struct {
	Received bool `json:"received"`
}

// TaskAssignment is the payload of a task_assignment frame. Parameters is
// protocol-specific and passed through opaquely.
type TaskAssignment struct {
	TaskID     string          `json:"task_id"`
	Protocol   string          `json:"protocol"`
	Target     string          `json:"target"`
	Port       int             `json:"port,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Timeout    int             `json:"timeout"`
	AssignedAt time.Time       `json:"assigned_at"`
}

// TaskCancel is the payload of a task_cancel frame.
type TaskCancel struct {
	TaskID      string    `json:"task_id"`
	CancelledAt time.Time `json:"cancelled_at"`
}

// Result status values reported by agents in task_result frames.
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
	ResultTimeout = "timeout"
)

// TaskResult is the payload of a task_result frame. ExecutionTime is the
// task duration in milliseconds as measured by the agent.
type TaskResult struct {
	TaskID        string             `json:"task_id"`
	Result        json.RawMessage    `json:"result,omitempty"`
	Status        string             `json:"status"`
	ErrorMessage  string             `json:"error_message,omitempty"`
	ExecutionTime float64            `json:"execution_time"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
	RawData       json.RawMessage    `json:"raw_data,omitempty"`
}

// TaskResultAck is the payload of a task_result_ack frame.
type TaskResultAck struct {
	TaskID   string `json:"task_id"`
	Received bool   `json:"received"`
}

// TaskStatusUpdate is the payload of a task_status_update frame.
type TaskStatusUpdate struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AgentCommand is the payload of an agent_command frame.
type AgentCommand struct {
	Command    string          `json:"command"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// SystemNotification is the payload of a system_notification frame.
type SystemNotification struct {
	Message string `json:"message"`
	Level   string `json:"level"`
}

// Disconnect is the payload of a disconnect frame.
type Disconnect struct {
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Error             string `json:"error"`
	OriginalMessageID string `json:"original_message_id,omitempty"`
}

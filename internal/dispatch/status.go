package dispatch

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/netpulse-io/netpulse/internal/protocol"
)

// StatusUpdaterStats are the updater's lifetime counters.
type StatusUpdaterStats struct {
	UpdatesSent      int64 `json:"updates_sent"`
	UpdatesFailed    int64 `json:"updates_failed"`
	BroadcastUpdates int64 `json:"broadcast_updates"`
}

// StatusUpdater pushes task status transitions, system notifications, and
// administrative commands to agents — unicast when an agent id is given,
// broadcast otherwise.
type StatusUpdater struct {
	gateway AgentGateway
	logger  *zap.Logger

	mu         sync.Mutex
	sent       int64
	failed     int64
	broadcasts int64
}

// NewStatusUpdater creates a status updater over the given gateway.
func NewStatusUpdater(gateway AgentGateway, logger *zap.Logger) *StatusUpdater {
	return &StatusUpdater{
		gateway: gateway,
		logger:  logger.Named("status"),
	}
}

// UpdateTaskStatus sends a task_status_update to one agent, or broadcasts
// it when agentID is empty.
func (s *StatusUpdater) UpdateTaskStatus(taskID, status, agentID string) {
	frame, err := protocol.NewFrame(protocol.TypeTaskStatusUpdate, protocol.TaskStatusUpdate{
		TaskID:    taskID,
		Status:    status,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	s.deliver(frame, agentID)
}

// SendSystemNotification sends a system_notification, unicast when agentID
// is set and broadcast otherwise. The level is carried in the payload only:
// every level is sent directly through the gateway, not through the
// priority queue, and a failed send is counted without being logged.
func (s *StatusUpdater) SendSystemNotification(message, level, agentID string) {
	frame, err := protocol.NewFrame(protocol.TypeSystemNotification, protocol.SystemNotification{
		Message: message,
		Level:   level,
	})
	if err != nil {
		return
	}
	s.deliver(frame, agentID)
}

// SendAgentCommand sends an agent_command to one agent and reports whether
// the send succeeded.
func (s *StatusUpdater) SendAgentCommand(agentID, command string, parameters map[string]any) bool {
	params, err := json.Marshal(parameters)
	if err != nil {
		s.logger.Error("failed to marshal command parameters",
			zap.String("command", command),
			zap.Error(err),
		)
		return false
	}
	frame, err := protocol.NewFrame(protocol.TypeAgentCommand, protocol.AgentCommand{
		Command:    command,
		Parameters: params,
	})
	if err != nil {
		return false
	}

	ok := s.gateway.Send(agentID, frame)
	s.mu.Lock()
	if ok {
		s.sent++
	} else {
		s.failed++
	}
	s.mu.Unlock()

	if ok {
		s.logger.Info("agent command sent",
			zap.String("agent_id", agentID),
			zap.String("command", command),
		)
	} else {
		s.logger.Error("agent command failed",
			zap.String("agent_id", agentID),
			zap.String("command", command),
		)
	}
	return ok
}

func (s *StatusUpdater) deliver(frame *protocol.Frame, agentID string) {
	if agentID != "" {
		ok := s.gateway.Send(agentID, frame)
		s.mu.Lock()
		if ok {
			s.sent++
		} else {
			s.failed++
		}
		s.mu.Unlock()
		return
	}

	count := s.gateway.Broadcast(frame, nil)
	s.mu.Lock()
	s.broadcasts++
	s.sent += int64(count)
	s.mu.Unlock()
}

// Stats returns a copy of the updater's counters.
func (s *StatusUpdater) Stats() StatusUpdaterStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatusUpdaterStats{
		UpdatesSent:      s.sent,
		UpdatesFailed:    s.failed,
		BroadcastUpdates: s.broadcasts,
	}
}

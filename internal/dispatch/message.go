// Package dispatch implements the message dispatcher: the single queueing
// and routing layer between the orchestrator and its agents. Outbound task
// assignments, cancellations, status updates, and notifications flow through
// a priority queue with per-message expiry and retry; inbound task results
// are collected, de-duplicated, acknowledged, and persisted.
//
// The package talks to the connection layer through the narrow AgentGateway
// interface so it can be exercised in tests without real sockets.
package dispatch

import (
	"time"

	"github.com/google/uuid"

	"github.com/netpulse-io/netpulse/internal/protocol"
)

// Priority orders messages in the queue. Higher values are drained first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

// priorities in descending drain order.
var priorities = []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

// String returns the priority name used in logs and metric labels.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// Callback is invoked exactly once per message with the final outcome:
// success, or the reason the message was abandoned after exhausting its
// retries.
type Callback func(success bool, reason string)

// Message is one queued delivery. Payload is marshaled into the wire frame
// at send time; Recipient empty means broadcast.
type Message struct {
	ID        string
	Type      protocol.MessageType
	Priority  Priority
	Sender    string
	Recipient string
	Payload   any
	CreatedAt time.Time
	ExpiresAt time.Time // zero = never expires

	RetryCount int
	MaxRetries int
	Callback   Callback
}

// NewMessage builds a message with defaults: a fresh id, normal priority,
// three retries, no expiry.
func NewMessage(t protocol.MessageType, payload any) *Message {
	return &Message{
		ID:         uuid.NewString(),
		Type:       t,
		Priority:   PriorityNormal,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: 3,
	}
}

// Expired reports whether the message's expiry has passed.
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// CanRetry reports whether the message has retry budget left.
func (m *Message) CanRetry() bool {
	return m.RetryCount < m.MaxRetries
}

// finish invokes the callback exactly once. Subsequent calls are no-ops.
func (m *Message) finish(success bool, reason string) {
	if m.Callback == nil {
		return
	}
	cb := m.Callback
	m.Callback = nil
	cb(success, reason)
}

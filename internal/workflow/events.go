package workflow

import (
	"time"
)

// EventType identifies a coordinator event
type EventType string

const (
	EventContextInitialized EventType = "context_initialized"
	EventNodeStarted        EventType = "node_started"
	EventNodeCompleted      EventType = "node_completed"
	EventNodeFailed         EventType = "node_failed"
	EventGroupCompleted     EventType = "group_completed"
	EventDataShared         EventType = "data_shared"
	EventDataBroadcast      EventType = "data_broadcast"
	EventContextCleaned     EventType = "context_cleaned"
)

// Event describes a state change in an execution context
type Event struct {
	Type        EventType   `json:"type"`
	ExecutionID string      `json:"execution_id"`
	NodeID      string      `json:"node_id,omitempty"`
	GroupID     string      `json:"group_id,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
	Data        interface{} `json:"data,omitempty"`
}

// EventPublisher receives coordinator events. Publish must not block.
type EventPublisher interface {
	Publish(event Event)
}

// EventPublisherFunc adapts a function to EventPublisher
type EventPublisherFunc func(event Event)

// Publish calls f(event)
func (f EventPublisherFunc) Publish(event Event) {
	f(event)
}

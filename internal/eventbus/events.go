// Package eventbus provides the engine's one-way notification channel:
// observers subscribe to a typed event stream, the engine and scheduler
// publish into it. It is not a control surface.
package eventbus

import (
	"context"
	"time"
)

// EventType represents the type of an event.
type EventType string

// Workflow lifecycle events
const (
	EventWorkflowStarted   EventType = "workflow_started"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
	EventWorkflowPaused    EventType = "workflow_paused"
	EventWorkflowResumed   EventType = "workflow_resumed"
	EventWorkflowCancelled EventType = "workflow_cancelled"
)

// Task lifecycle events
const (
	EventTaskStarted   EventType = "task_started"
	EventTaskProgress  EventType = "task_progress"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
	EventTaskRetrying  EventType = "task_retrying"
	EventTaskSkipped   EventType = "task_skipped"
)

// Diagnostic events
const (
	EventDependencyResolved EventType = "dependency_resolved"
	EventResourceConstraint EventType = "resource_constraint"
	EventPerformanceWarning EventType = "performance_warning"
)

// Event is one notification in the stream. RunID is always set; TaskID is
// set for task-scoped events.
type Event struct {
	Type       EventType              `json:"type"`
	Source     string                 `json:"source"`
	RunID      string                 `json:"runId"`
	WorkflowID string                 `json:"workflowId,omitempty"`
	TaskID     string                 `json:"taskId,omitempty"`
	Payload    interface{}            `json:"payload,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// WithMetadata adds one metadata entry and returns the event for chaining.
func (e Event) WithMetadata(key string, value interface{}) Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// NewEvent creates an event stamped with the current time.
func NewEvent(eventType EventType, source, runID string, payload interface{}) Event {
	return Event{
		Type:      eventType,
		Source:    source,
		RunID:     runID,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// NewTaskEvent creates a task-scoped event.
func NewTaskEvent(eventType EventType, source, runID, taskID string, payload interface{}) Event {
	e := NewEvent(eventType, source, runID, payload)
	e.TaskID = taskID
	return e
}

// Handler consumes events. A handler error is retried by the bus a bounded
// number of times and never stops other handlers.
type Handler func(ctx context.Context, event Event) error

// Bus is the fan-out dispatch interface.
type Bus interface {
	// Publish queues an event for delivery to all matching subscribers.
	Publish(ctx context.Context, event Event) error

	// Subscribe registers a handler for the given event types and returns
	// a subscription id for Unsubscribe.
	Subscribe(eventTypes []EventType, handler Handler) (string, error)

	// SubscribeAll registers a handler for every event type.
	SubscribeAll(handler Handler) (string, error)

	// Unsubscribe removes a subscription by id.
	Unsubscribe(subscriptionID string) error

	// Close shuts the bus down and waits for in-flight deliveries.
	Close() error
}

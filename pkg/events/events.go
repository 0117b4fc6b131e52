// Package events defines the lifecycle events the engine publishes while
// executing pipelines.
package events

import "time"

// Topic is the event bus topic all pipeline lifecycle events flow through.
const Topic = "baton.pipeline.events"

// Metadata keys set on published messages.
const (
	EventMetadataKey     = "event_key"
	EventTypeMetadataKey = "event_type"
)

// EventType tags one lifecycle event kind.
type EventType string

const (
	PipelineStartedEvent   EventType = "pipeline.started"
	PipelineFinishedEvent  EventType = "pipeline.finished"
	PipelineFailedEvent    EventType = "pipeline.failed"
	StepStartedEvent       EventType = "step.started"
	StepCompletedEvent     EventType = "step.completed"
	StepFailedEvent        EventType = "step.failed"
	ApprovalRequestedEvent EventType = "approval.requested"
	ApprovalDecidedEvent   EventType = "approval.decided"
)

// BaseEvent carries the fields every lifecycle event shares.
type BaseEvent struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	PipelineID string    `json:"pipeline_id"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e BaseEvent) GetType() EventType { return e.Type }

// PipelineStarted is published when a pipeline run (or resume) begins.
type PipelineStarted struct {
	BaseEvent

	Template string `json:"template"`
	Resumed  bool   `json:"resumed"`
}

// PipelineFinished is published when every step completed.
type PipelineFinished struct {
	BaseEvent
}

// PipelineFailed is published when a pipeline reaches the failed status.
type PipelineFailed struct {
	BaseEvent

	Reason string `json:"reason,omitempty"`
}

// StepStarted is published when a step transitions to running.
type StepStarted struct {
	BaseEvent

	StepID    string `json:"step_id"`
	AgentName string `json:"agent_name"`
	Position  int    `json:"position"`
}

// StepCompleted is published when a step finished successfully.
type StepCompleted struct {
	BaseEvent

	StepID        string `json:"step_id"`
	AgentName     string `json:"agent_name"`
	HasStructured bool   `json:"has_structured"`
}

// StepFailed is published when a step fails.
type StepFailed struct {
	BaseEvent

	StepID string `json:"step_id"`
	Error  string `json:"error"`
}

// ApprovalRequested is published when a gate step starts waiting.
type ApprovalRequested struct {
	BaseEvent

	StepID string `json:"step_id"`
}

// ApprovalDecided is published after a gate decision was folded in.
type ApprovalDecided struct {
	BaseEvent

	StepID   string `json:"step_id"`
	Approved bool   `json:"approved"`
}

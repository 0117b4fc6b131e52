package models

import "time"

// Audit event type vocabulary written by the execution engine.
const (
	AuditHandoffCreated          = "handoff_created"
	AuditHandoffExtractionFailed = "handoff_extraction_failed"
	AuditStepFailed              = "step_failed"
	AuditApprovalRequested       = "approval_requested"
	AuditApprovalGranted         = "approval_granted"
	AuditApprovalRejected        = "approval_rejected"
	AuditApprovalReminder        = "approval_reminder"
)

// AuditEvent is an immutable log entry for observability and compliance.
// Events are appended in the order the engine observed the corresponding
// transitions and are never mutated or deleted.
type AuditEvent struct {
	ID         string    `json:"id"`
	PipelineID string    `json:"pipeline_id"`
	StepID     *string   `json:"step_id,omitempty"`
	EventType  string    `json:"event_type"`
	Payload    *string   `json:"payload,omitempty"` // JSON blob
	CreatedAt  time.Time `json:"created_at"`
}

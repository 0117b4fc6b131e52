package models

import "time"

// StepStatus represents the lifecycle state of one pipeline step.
type StepStatus string

const (
	StepStatusPending StepStatus = "pending"
	StepStatusRunning StepStatus = "running"
	StepStatusDone    StepStatus = "done"
	StepStatusFailed  StepStatus = "failed"
	StepStatusSkipped StepStatus = "skipped"
)

// ApprovalGateAgent is the sentinel agent name marking a step as a human
// approval gate rather than an agent delegation.
const ApprovalGateAgent = "__approval__"

// Step is one unit of work within a pipeline. Position is fixed at creation
// time and defines execution order; positions within a pipeline form a
// contiguous sequence starting at 0.
type Step struct {
	ID         string     `json:"id"`
	PipelineID string     `json:"pipeline_id"`
	AgentName  string     `json:"agent_name" validate:"required"`
	Position   int        `json:"position"`
	Status     StepStatus `json:"status"`
	Model      *string    `json:"model,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ErrorMsg   *string    `json:"error_message,omitempty"`
}

// IsApprovalGate reports whether the step pauses the pipeline for a human
// decision instead of delegating to an agent.
func (s *Step) IsApprovalGate() bool {
	return s.AgentName == ApprovalGateAgent
}

// Package models defines the core domain models for sequential agent pipelines.
package models

import "time"

// PipelineStatus represents the lifecycle state of a pipeline run.
type PipelineStatus string

const (
	PipelineStatusPending            PipelineStatus = "pending"
	PipelineStatusRunning            PipelineStatus = "running"
	PipelineStatusWaitingForApproval PipelineStatus = "waiting_for_approval"
	PipelineStatusDone               PipelineStatus = "done"
	PipelineStatusFailed             PipelineStatus = "failed"
)

// CustomTemplate is the template name used for ad-hoc pipelines created from a
// caller-supplied step list instead of a registered template.
const CustomTemplate = "__custom__"

// Pipeline represents one end-to-end run of an ordered step sequence.
//
// A pipeline is inserted once by the launching caller and from then on mutated
// only by the execution engine (status and updated-at). Steps and audit events
// are owned rows keyed by the pipeline id.
type Pipeline struct {
	ID         string         `json:"id"`
	Title      string         `json:"title"       validate:"required"`
	Template   string         `json:"template"    validate:"required"`
	Prompt     string         `json:"prompt"`
	WorkingDir *string        `json:"working_dir,omitempty"`
	Status     PipelineStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`

	Steps []*Step `json:"steps,omitempty"`
}

// IsTerminal reports whether the pipeline reached a final status.
func (s PipelineStatus) IsTerminal() bool {
	return s == PipelineStatusDone || s == PipelineStatusFailed
}

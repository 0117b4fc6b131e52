// Package persistence provides the data storage abstraction for pipelines
// and their owned records.
package persistence

import "errors"

// Standard persistence error types that all implementations should use.
var (
	// ErrPipelineNotFound indicates a pipeline was not found by the given identifier.
	ErrPipelineNotFound = errors.New("pipeline not found")

	// ErrStepNotFound indicates a step was not found by the given identifier.
	ErrStepNotFound = errors.New("step not found")

	// ErrApprovalNotFound indicates no approval record exists for the given step.
	ErrApprovalNotFound = errors.New("approval not found")

	// ErrHandoffNotFound indicates a step has no handoff records.
	ErrHandoffNotFound = errors.New("handoff not found")

	// ErrApprovalAlreadyDecided indicates a decision was attempted on an
	// approval that already reached a terminal status.
	ErrApprovalAlreadyDecided = errors.New("approval already decided")
)

// IsPipelineNotFound checks if an error indicates a pipeline was not found.
func IsPipelineNotFound(err error) bool {
	return errors.Is(err, ErrPipelineNotFound)
}

// IsApprovalAlreadyDecided checks if an error indicates a duplicate decision.
func IsApprovalAlreadyDecided(err error) bool {
	return errors.Is(err, ErrApprovalAlreadyDecided)
}

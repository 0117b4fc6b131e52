package models

import "time"

// ApprovalStatus represents the decision state of an approval gate.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
)

// Approval is a human decision record gating a pipeline's continuation.
// Exactly one approval exists per gate step; it is decided exactly once.
type Approval struct {
	ID        string         `json:"id"`
	StepID    string         `json:"step_id"`
	Status    ApprovalStatus `json:"status"`
	Comment   *string        `json:"comment,omitempty"`
	DecidedBy *string        `json:"decided_by,omitempty"`
	DecidedAt *time.Time     `json:"decided_at,omitempty"`
}

// Decided reports whether the approval has reached a terminal status.
func (a *Approval) Decided() bool {
	return a.Status == ApprovalStatusApproved || a.Status == ApprovalStatusRejected
}

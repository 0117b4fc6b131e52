package persistence

import (
	"context"

	"github.com/baton-dev/baton/pkg/models"
)

// StepResultRecord groups everything one successful step execution must
// persist in a single commit: the finished step, its handoff, and the audit
// events that justify the transition.
type StepResultRecord struct {
	Step    *models.Step
	Handoff *models.Handoff
	Events  []*models.AuditEvent
}

// StepTransitionRecord groups a step status change, the optional pipeline
// status change, and the audit trail into one commit. Used for step failures
// and for approval gate decisions, where no handoff is produced.
type StepTransitionRecord struct {
	Step     *models.Step
	Pipeline *models.Pipeline // nil when only the step transitions
	Events   []*models.AuditEvent
}

// ApprovalRequestRecord groups the gate step, its pending approval, the
// pipeline's waiting status, and the audit event into one commit.
type ApprovalRequestRecord struct {
	Step     *models.Step
	Approval *models.Approval
	Pipeline *models.Pipeline
	Event    *models.AuditEvent
}

// Persistence is the storage contract the engine and the HTTP surface share.
//
// Composite Record* operations are transactional: either everything in the
// record is committed or nothing is, so a crash between a status transition
// and its justifying data cannot occur.
type Persistence interface {
	// CreatePipeline inserts a pipeline together with its steps.
	CreatePipeline(ctx context.Context, pipeline *models.Pipeline) error
	// PipelineByID loads a pipeline with its steps in position order.
	PipelineByID(ctx context.Context, id string) (*models.Pipeline, error)
	Pipelines(ctx context.Context) ([]*models.Pipeline, error)
	// RunningPipelines returns pipelines left in "running" status, used by
	// crash recovery on startup.
	RunningPipelines(ctx context.Context) ([]*models.Pipeline, error)
	UpdatePipelineStatus(ctx context.Context, id string, status models.PipelineStatus) error

	SaveStep(ctx context.Context, step *models.Step) error
	StepsByPipeline(ctx context.Context, pipelineID string) ([]*models.Step, error)

	// LatestHandoff returns the handoff with the highest sequence for a step,
	// or ErrHandoffNotFound.
	LatestHandoff(ctx context.Context, stepID string) (*models.Handoff, error)
	HandoffsByStep(ctx context.Context, stepID string) ([]*models.Handoff, error)

	ApprovalByStep(ctx context.Context, stepID string) (*models.Approval, error)
	// DecideApproval transitions a pending approval to approved or rejected
	// exactly once; a second decision returns ErrApprovalAlreadyDecided.
	DecideApproval(ctx context.Context, stepID string, status models.ApprovalStatus, comment, decidedBy *string) (*models.Approval, error)

	AppendAuditEvent(ctx context.Context, event *models.AuditEvent) error
	AuditEvents(ctx context.Context, pipelineID string) ([]*models.AuditEvent, error)

	RecordStepResult(ctx context.Context, record *StepResultRecord) error
	RecordStepTransition(ctx context.Context, record *StepTransitionRecord) error
	RecordApprovalRequest(ctx context.Context, record *ApprovalRequestRecord) error

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

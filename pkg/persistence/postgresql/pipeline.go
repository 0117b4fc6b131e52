package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/baton-dev/baton/pkg/models"
	"github.com/baton-dev/baton/pkg/persistence"
)

// execer abstracts *sql.DB and *sql.Tx so repository helpers can run inside
// or outside a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PipelineRepository handles pipeline-related database operations.
type PipelineRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPipelineRepository creates a new pipeline repository.
func NewPipelineRepository(db *sql.DB, logger *slog.Logger) *PipelineRepository {
	return &PipelineRepository{db: db, logger: logger}
}

const pipelineColumns = `
			id
		  , title
		  , template
		  , prompt
		  , working_dir
		  , status
		  , created_at
		  , updated_at
`

// Create inserts a pipeline together with its steps in one transaction.
func (r *PipelineRepository) Create(ctx context.Context, pipeline *models.Pipeline) error {
	now := time.Now().UTC()

	if pipeline.ID == "" {
		pipeline.ID = uuid.New().String()
	}

	if pipeline.CreatedAt.IsZero() {
		pipeline.CreatedAt = now
	}

	pipeline.UpdatedAt = now

	if pipeline.Status == "" {
		pipeline.Status = models.PipelineStatusPending
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer rollback(ctx, r.logger, tx)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pipelines (id, title, template, prompt, working_dir, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, pipeline.ID, pipeline.Title, pipeline.Template, pipeline.Prompt, pipeline.WorkingDir,
		pipeline.Status, pipeline.CreatedAt, pipeline.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert pipeline: %w", err)
	}

	for i, step := range pipeline.Steps {
		if step.ID == "" {
			step.ID = uuid.New().String()
		}

		step.PipelineID = pipeline.ID
		step.Position = i

		if step.Status == "" {
			step.Status = models.StepStatusPending
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO steps (id, pipeline_id, agent_name, position, status, model, started_at, finished_at, error_message)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, step.ID, step.PipelineID, step.AgentName, step.Position, step.Status,
			step.Model, step.StartedAt, step.FinishedAt, step.ErrorMsg)
		if err != nil {
			return fmt.Errorf("failed to insert step %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pipeline: %w", err)
	}

	return nil
}

// GetByID loads a pipeline with its steps in position order.
func (r *PipelineRepository) GetByID(ctx context.Context, id string) (*models.Pipeline, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines WHERE id = $1`, id)

	pipeline, err := scanPipeline(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrPipelineNotFound
		}

		return nil, fmt.Errorf("failed to scan pipeline: %w", err)
	}

	pipeline.Steps, err = r.StepsByPipeline(ctx, id)
	if err != nil {
		return nil, err
	}

	return pipeline, nil
}

// GetAll returns all pipelines, newest first, without steps.
func (r *PipelineRepository) GetAll(ctx context.Context) ([]*models.Pipeline, error) {
	return r.query(ctx, `SELECT `+pipelineColumns+` FROM pipelines ORDER BY created_at DESC`)
}

// GetByStatus returns pipelines in the given status, without steps.
func (r *PipelineRepository) GetByStatus(ctx context.Context, status models.PipelineStatus) ([]*models.Pipeline, error) {
	return r.query(ctx, `SELECT `+pipelineColumns+` FROM pipelines WHERE status = $1 ORDER BY created_at`, status)
}

// UpdateStatus transitions a pipeline's status and bumps updated_at.
func (r *PipelineRepository) UpdateStatus(ctx context.Context, id string, status models.PipelineStatus) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE pipelines SET status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update pipeline status: %w", err)
	}

	return requireRow(result, persistence.ErrPipelineNotFound)
}

// SaveStep updates a step row in place.
func (r *PipelineRepository) SaveStep(ctx context.Context, ex execer, step *models.Step) error {
	result, err := ex.ExecContext(ctx, `
		UPDATE steps
		SET status = $1, model = $2, started_at = $3, finished_at = $4, error_message = $5
		WHERE id = $6
	`, step.Status, step.Model, step.StartedAt, step.FinishedAt, step.ErrorMsg, step.ID)
	if err != nil {
		return fmt.Errorf("failed to update step: %w", err)
	}

	return requireRow(result, persistence.ErrStepNotFound)
}

// StepsByPipeline returns a pipeline's steps in position order.
func (r *PipelineRepository) StepsByPipeline(ctx context.Context, pipelineID string) ([]*models.Step, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, pipeline_id, agent_name, position, status, model, started_at, finished_at, error_message
		FROM steps
		WHERE pipeline_id = $1
		ORDER BY position
	`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	steps := make([]*models.Step, 0)

	for rows.Next() {
		step := &models.Step{}

		err := rows.Scan(&step.ID, &step.PipelineID, &step.AgentName, &step.Position,
			&step.Status, &step.Model, &step.StartedAt, &step.FinishedAt, &step.ErrorMsg)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}

		steps = append(steps, step)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}

	return steps, nil
}

// LatestHandoff returns the handoff with the highest sequence for a step.
func (r *PipelineRepository) LatestHandoff(ctx context.Context, stepID string) (*models.Handoff, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, seq, step_id, content, metadata, created_at
		FROM handoffs
		WHERE step_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`, stepID)

	handoff := &models.Handoff{}

	err := row.Scan(&handoff.ID, &handoff.Seq, &handoff.StepID, &handoff.Content,
		&handoff.Metadata, &handoff.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrHandoffNotFound
		}

		return nil, fmt.Errorf("failed to scan handoff: %w", err)
	}

	return handoff, nil
}

// HandoffsByStep returns every handoff of a step in insertion order.
func (r *PipelineRepository) HandoffsByStep(ctx context.Context, stepID string) ([]*models.Handoff, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, seq, step_id, content, metadata, created_at
		FROM handoffs
		WHERE step_id = $1
		ORDER BY seq
	`, stepID)
	if err != nil {
		return nil, fmt.Errorf("failed to query handoffs: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	handoffs := make([]*models.Handoff, 0)

	for rows.Next() {
		handoff := &models.Handoff{}

		err := rows.Scan(&handoff.ID, &handoff.Seq, &handoff.StepID, &handoff.Content,
			&handoff.Metadata, &handoff.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan handoff: %w", err)
		}

		handoffs = append(handoffs, handoff)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating handoffs: %w", err)
	}

	return handoffs, nil
}

// ApprovalByStep returns the approval record of a gate step.
func (r *PipelineRepository) ApprovalByStep(ctx context.Context, stepID string) (*models.Approval, error) {
	return scanApproval(r.db.QueryRowContext(ctx, `
		SELECT id, step_id, status, comment, decided_by, decided_at
		FROM approvals
		WHERE step_id = $1
	`, stepID))
}

// DecideApproval transitions a pending approval exactly once. The guard on
// status makes a concurrent duplicate decision lose cleanly.
func (r *PipelineRepository) DecideApproval(ctx context.Context, stepID string, status models.ApprovalStatus, comment, decidedBy *string) (*models.Approval, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE approvals
		SET status = $1, comment = $2, decided_by = $3, decided_at = $4
		WHERE step_id = $5 AND status = 'pending'
	`, status, comment, decidedBy, time.Now().UTC(), stepID)
	if err != nil {
		return nil, fmt.Errorf("failed to decide approval: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		existing, err := r.ApprovalByStep(ctx, stepID)
		if err != nil {
			return nil, err
		}

		return nil, fmt.Errorf("approval %s: %w", existing.ID, persistence.ErrApprovalAlreadyDecided)
	}

	return r.ApprovalByStep(ctx, stepID)
}

// AppendAuditEvent inserts one immutable audit row.
func (r *PipelineRepository) AppendAuditEvent(ctx context.Context, ex execer, event *models.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	_, err := ex.ExecContext(ctx, `
		INSERT INTO audit_events (id, pipeline_id, step_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, event.ID, event.PipelineID, event.StepID, event.EventType, event.Payload, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}

	return nil
}

// AuditEvents returns a pipeline's audit trail in append order.
func (r *PipelineRepository) AuditEvents(ctx context.Context, pipelineID string) ([]*models.AuditEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, pipeline_id, step_id, event_type, payload, created_at
		FROM audit_events
		WHERE pipeline_id = $1
		ORDER BY created_at, id
	`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	events := make([]*models.AuditEvent, 0)

	for rows.Next() {
		event := &models.AuditEvent{}

		err := rows.Scan(&event.ID, &event.PipelineID, &event.StepID, &event.EventType,
			&event.Payload, &event.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}

	return events, nil
}

// RecordStepResult commits the finished step, its handoff, and the audit
// events in one transaction.
func (r *PipelineRepository) RecordStepResult(ctx context.Context, record *persistence.StepResultRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer rollback(ctx, r.logger, tx)

	if err := r.SaveStep(ctx, tx, record.Step); err != nil {
		return err
	}

	if record.Handoff.ID == "" {
		record.Handoff.ID = uuid.New().String()
	}

	if record.Handoff.CreatedAt.IsZero() {
		record.Handoff.CreatedAt = time.Now().UTC()
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO handoffs (id, step_id, content, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq
	`, record.Handoff.ID, record.Handoff.StepID, record.Handoff.Content,
		record.Handoff.Metadata, record.Handoff.CreatedAt).Scan(&record.Handoff.Seq)
	if err != nil {
		return fmt.Errorf("failed to insert handoff: %w", err)
	}

	for _, event := range record.Events {
		if err := r.AppendAuditEvent(ctx, tx, event); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit step result: %w", err)
	}

	return nil
}

// RecordStepTransition commits a step status change, the optional pipeline
// status change, and the audit events in one transaction.
func (r *PipelineRepository) RecordStepTransition(ctx context.Context, record *persistence.StepTransitionRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer rollback(ctx, r.logger, tx)

	if err := r.SaveStep(ctx, tx, record.Step); err != nil {
		return err
	}

	if record.Pipeline != nil {
		record.Pipeline.UpdatedAt = time.Now().UTC()

		_, err = tx.ExecContext(ctx,
			`UPDATE pipelines SET status = $1, updated_at = $2 WHERE id = $3`,
			record.Pipeline.Status, record.Pipeline.UpdatedAt, record.Pipeline.ID)
		if err != nil {
			return fmt.Errorf("failed to update pipeline status: %w", err)
		}
	}

	for _, event := range record.Events {
		if err := r.AppendAuditEvent(ctx, tx, event); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit step transition: %w", err)
	}

	return nil
}

// RecordApprovalRequest commits the gate step, the pending approval, the
// pipeline's waiting status, and the audit event in one transaction.
func (r *PipelineRepository) RecordApprovalRequest(ctx context.Context, record *persistence.ApprovalRequestRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer rollback(ctx, r.logger, tx)

	if err := r.SaveStep(ctx, tx, record.Step); err != nil {
		return err
	}

	if record.Approval.ID == "" {
		record.Approval.ID = uuid.New().String()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO approvals (id, step_id, status, comment, decided_by, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, record.Approval.ID, record.Approval.StepID, record.Approval.Status,
		record.Approval.Comment, record.Approval.DecidedBy, record.Approval.DecidedAt)
	if err != nil {
		return fmt.Errorf("failed to insert approval: %w", err)
	}

	record.Pipeline.UpdatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx,
		`UPDATE pipelines SET status = $1, updated_at = $2 WHERE id = $3`,
		record.Pipeline.Status, record.Pipeline.UpdatedAt, record.Pipeline.ID)
	if err != nil {
		return fmt.Errorf("failed to update pipeline status: %w", err)
	}

	if record.Event != nil {
		if err := r.AppendAuditEvent(ctx, tx, record.Event); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit approval request: %w", err)
	}

	return nil
}

// ------------------------------------------------------------------
// scan helpers
// ------------------------------------------------------------------

func (r *PipelineRepository) query(ctx context.Context, query string, args ...any) ([]*models.Pipeline, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pipelines: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	pipelines := make([]*models.Pipeline, 0)

	for rows.Next() {
		pipeline, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pipeline: %w", err)
		}

		pipelines = append(pipelines, pipeline)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pipelines: %w", err)
	}

	return pipelines, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPipeline(row rowScanner) (*models.Pipeline, error) {
	pipeline := &models.Pipeline{}

	err := row.Scan(&pipeline.ID, &pipeline.Title, &pipeline.Template, &pipeline.Prompt,
		&pipeline.WorkingDir, &pipeline.Status, &pipeline.CreatedAt, &pipeline.UpdatedAt)
	if err != nil {
		return nil, err
	}

	return pipeline, nil
}

func scanApproval(row rowScanner) (*models.Approval, error) {
	approval := &models.Approval{}

	err := row.Scan(&approval.ID, &approval.StepID, &approval.Status, &approval.Comment,
		&approval.DecidedBy, &approval.DecidedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrApprovalNotFound
		}

		return nil, fmt.Errorf("failed to scan approval: %w", err)
	}

	return approval, nil
}

func requireRow(result sql.Result, notFound error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return notFound
	}

	return nil
}

func rollback(ctx context.Context, logger *slog.Logger, tx *sql.Tx) {
	err := tx.Rollback()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		logger.ErrorContext(ctx, "failed to roll back transaction", "error", err)
	}
}

func closeRows(ctx context.Context, logger *slog.Logger, rows *sql.Rows) {
	err := rows.Close()
	if err != nil {
		logger.ErrorContext(ctx, "failed to close rows", "error", err)
	}
}

// Package postgresql provides the PostgreSQL persistence implementation for
// pipelines and their owned records.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"

	"github.com/baton-dev/baton/pkg/models"
	"github.com/baton-dev/baton/pkg/persistence"
	"github.com/baton-dev/baton/pkg/persistence/sqlbase"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db           *sql.DB
	logger       *slog.Logger
	pipelineRepo *PipelineRepository
}

// NewPersistence connects, runs migrations, and returns the store.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:           database,
		logger:       logger,
		pipelineRepo: NewPipelineRepository(database, logger),
	}, nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) CreatePipeline(ctx context.Context, pipeline *models.Pipeline) error {
	return p.pipelineRepo.Create(ctx, pipeline)
}

func (p *Persistence) PipelineByID(ctx context.Context, id string) (*models.Pipeline, error) {
	return p.pipelineRepo.GetByID(ctx, id)
}

func (p *Persistence) Pipelines(ctx context.Context) ([]*models.Pipeline, error) {
	return p.pipelineRepo.GetAll(ctx)
}

func (p *Persistence) RunningPipelines(ctx context.Context) ([]*models.Pipeline, error) {
	return p.pipelineRepo.GetByStatus(ctx, models.PipelineStatusRunning)
}

func (p *Persistence) UpdatePipelineStatus(ctx context.Context, id string, status models.PipelineStatus) error {
	return p.pipelineRepo.UpdateStatus(ctx, id, status)
}

func (p *Persistence) SaveStep(ctx context.Context, step *models.Step) error {
	return p.pipelineRepo.SaveStep(ctx, p.db, step)
}

func (p *Persistence) StepsByPipeline(ctx context.Context, pipelineID string) ([]*models.Step, error) {
	return p.pipelineRepo.StepsByPipeline(ctx, pipelineID)
}

func (p *Persistence) LatestHandoff(ctx context.Context, stepID string) (*models.Handoff, error) {
	return p.pipelineRepo.LatestHandoff(ctx, stepID)
}

func (p *Persistence) HandoffsByStep(ctx context.Context, stepID string) ([]*models.Handoff, error) {
	return p.pipelineRepo.HandoffsByStep(ctx, stepID)
}

func (p *Persistence) ApprovalByStep(ctx context.Context, stepID string) (*models.Approval, error) {
	return p.pipelineRepo.ApprovalByStep(ctx, stepID)
}

func (p *Persistence) DecideApproval(ctx context.Context, stepID string, status models.ApprovalStatus, comment, decidedBy *string) (*models.Approval, error) {
	return p.pipelineRepo.DecideApproval(ctx, stepID, status, comment, decidedBy)
}

func (p *Persistence) AppendAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	return p.pipelineRepo.AppendAuditEvent(ctx, p.db, event)
}

func (p *Persistence) AuditEvents(ctx context.Context, pipelineID string) ([]*models.AuditEvent, error) {
	return p.pipelineRepo.AuditEvents(ctx, pipelineID)
}

func (p *Persistence) RecordStepResult(ctx context.Context, record *persistence.StepResultRecord) error {
	return p.pipelineRepo.RecordStepResult(ctx, record)
}

func (p *Persistence) RecordStepTransition(ctx context.Context, record *persistence.StepTransitionRecord) error {
	return p.pipelineRepo.RecordStepTransition(ctx, record)
}

func (p *Persistence) RecordApprovalRequest(ctx context.Context, record *persistence.ApprovalRequestRecord) error {
	return p.pipelineRepo.RecordApprovalRequest(ctx, record)
}

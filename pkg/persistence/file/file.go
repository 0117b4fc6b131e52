// Package file provides a JSON-file persistence implementation for local
// development and tests. Each pipeline is stored as one document, so the
// composite record operations are trivially atomic: the document is written
// to a temp file and renamed into place under a single lock.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/baton-dev/baton/pkg/models"
	"github.com/baton-dev/baton/pkg/persistence"
)

// document is the on-disk aggregate for one pipeline.
type document struct {
	Pipeline    *models.Pipeline             `json:"pipeline"`
	Steps       []*models.Step               `json:"steps"`
	Handoffs    map[string][]*models.Handoff `json:"handoffs"`  // step id -> handoffs
	Approvals   map[string]*models.Approval  `json:"approvals"` // step id -> approval
	AuditEvents []*models.AuditEvent         `json:"audit_events"`
	HandoffSeq  int64                        `json:"handoff_seq"`
}

// Persistence stores one JSON document per pipeline under a root directory.
type Persistence struct {
	root string
	mu   sync.Mutex
}

func NewPersistence(root string) *Persistence {
	return &Persistence{root: root}
}

func (p *Persistence) CreatePipeline(ctx context.Context, pipeline *models.Pipeline) error {
	p.mu.Lock()
	defer p.mu.Unlock()

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

	steps := pipeline.Steps
	for i, step := range steps {
		if step.ID == "" {
			step.ID = uuid.New().String()
		}

		step.PipelineID = pipeline.ID
		step.Position = i

		if step.Status == "" {
			step.Status = models.StepStatusPending
		}
	}

	doc := &document{
		Pipeline:  pipeline,
		Steps:     steps,
		Handoffs:  make(map[string][]*models.Handoff),
		Approvals: make(map[string]*models.Approval),
	}

	return p.write(doc)
}

func (p *Persistence) PipelineByID(ctx context.Context, id string) (*models.Pipeline, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.read(id)
	if err != nil {
		return nil, err
	}

	return pipelineOf(doc), nil
}

func (p *Persistence) Pipelines(ctx context.Context) ([]*models.Pipeline, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	docs, err := p.readAll()
	if err != nil {
		return nil, err
	}

	pipelines := make([]*models.Pipeline, 0, len(docs))
	for _, doc := range docs {
		pipelines = append(pipelines, pipelineOf(doc))
	}

	sort.Slice(pipelines, func(i, j int) bool {
		return pipelines[i].CreatedAt.After(pipelines[j].CreatedAt)
	})

	return pipelines, nil
}

func (p *Persistence) RunningPipelines(ctx context.Context) ([]*models.Pipeline, error) {
	all, err := p.Pipelines(ctx)
	if err != nil {
		return nil, err
	}

	running := make([]*models.Pipeline, 0)

	for _, pipeline := range all {
		if pipeline.Status == models.PipelineStatusRunning {
			running = append(running, pipeline)
		}
	}

	return running, nil
}

func (p *Persistence) UpdatePipelineStatus(ctx context.Context, id string, status models.PipelineStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.read(id)
	if err != nil {
		return err
	}

	doc.Pipeline.Status = status
	doc.Pipeline.UpdatedAt = time.Now().UTC()

	return p.write(doc)
}

func (p *Persistence) SaveStep(ctx context.Context, step *models.Step) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.read(step.PipelineID)
	if err != nil {
		return err
	}

	if err := replaceStep(doc, step); err != nil {
		return err
	}

	return p.write(doc)
}

func (p *Persistence) StepsByPipeline(ctx context.Context, pipelineID string) ([]*models.Step, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.read(pipelineID)
	if err != nil {
		return nil, err
	}

	return sortedSteps(doc), nil
}

func (p *Persistence) LatestHandoff(ctx context.Context, stepID string) (*models.Handoff, error) {
	handoffs, err := p.HandoffsByStep(ctx, stepID)
	if err != nil {
		return nil, err
	}

	if len(handoffs) == 0 {
		return nil, persistence.ErrHandoffNotFound
	}

	latest := handoffs[0]
	for _, handoff := range handoffs[1:] {
		if handoff.Seq > latest.Seq {
			latest = handoff
		}
	}

	return latest, nil
}

func (p *Persistence) HandoffsByStep(ctx context.Context, stepID string) ([]*models.Handoff, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.findByStep(stepID)
	if err != nil {
		return nil, err
	}

	return doc.Handoffs[stepID], nil
}

func (p *Persistence) ApprovalByStep(ctx context.Context, stepID string) (*models.Approval, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.findByStep(stepID)
	if err != nil {
		return nil, err
	}

	approval, ok := doc.Approvals[stepID]
	if !ok {
		return nil, persistence.ErrApprovalNotFound
	}

	return approval, nil
}

func (p *Persistence) DecideApproval(ctx context.Context, stepID string, status models.ApprovalStatus, comment, decidedBy *string) (*models.Approval, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.findByStep(stepID)
	if err != nil {
		return nil, err
	}

	approval, ok := doc.Approvals[stepID]
	if !ok {
		return nil, persistence.ErrApprovalNotFound
	}

	if approval.Decided() {
		return nil, persistence.ErrApprovalAlreadyDecided
	}

	now := time.Now().UTC()
	approval.Status = status
	approval.Comment = comment
	approval.DecidedBy = decidedBy
	approval.DecidedAt = &now

	if err := p.write(doc); err != nil {
		return nil, err
	}

	return approval, nil
}

func (p *Persistence) AppendAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.read(event.PipelineID)
	if err != nil {
		return err
	}

	appendEvent(doc, event)

	return p.write(doc)
}

func (p *Persistence) AuditEvents(ctx context.Context, pipelineID string) ([]*models.AuditEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.read(pipelineID)
	if err != nil {
		return nil, err
	}

	return doc.AuditEvents, nil
}

func (p *Persistence) RecordStepResult(ctx context.Context, record *persistence.StepResultRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.read(record.Step.PipelineID)
	if err != nil {
		return err
	}

	if err := replaceStep(doc, record.Step); err != nil {
		return err
	}

	doc.HandoffSeq++
	record.Handoff.Seq = doc.HandoffSeq

	if record.Handoff.ID == "" {
		record.Handoff.ID = uuid.New().String()
	}

	if record.Handoff.CreatedAt.IsZero() {
		record.Handoff.CreatedAt = time.Now().UTC()
	}

	doc.Handoffs[record.Handoff.StepID] = append(doc.Handoffs[record.Handoff.StepID], record.Handoff)

	for _, event := range record.Events {
		appendEvent(doc, event)
	}

	return p.write(doc)
}

func (p *Persistence) RecordStepTransition(ctx context.Context, record *persistence.StepTransitionRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.read(record.Step.PipelineID)
	if err != nil {
		return err
	}

	if err := replaceStep(doc, record.Step); err != nil {
		return err
	}

	if record.Pipeline != nil {
		doc.Pipeline.Status = record.Pipeline.Status
		doc.Pipeline.UpdatedAt = time.Now().UTC()
		record.Pipeline.Status = doc.Pipeline.Status
		record.Pipeline.UpdatedAt = doc.Pipeline.UpdatedAt
	}

	for _, event := range record.Events {
		appendEvent(doc, event)
	}

	return p.write(doc)
}

func (p *Persistence) RecordApprovalRequest(ctx context.Context, record *persistence.ApprovalRequestRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.read(record.Step.PipelineID)
	if err != nil {
		return err
	}

	if err := replaceStep(doc, record.Step); err != nil {
		return err
	}

	if record.Approval.ID == "" {
		record.Approval.ID = uuid.New().String()
	}

	doc.Approvals[record.Approval.StepID] = record.Approval

	doc.Pipeline.Status = record.Pipeline.Status
	doc.Pipeline.UpdatedAt = time.Now().UTC()
	record.Pipeline.UpdatedAt = doc.Pipeline.UpdatedAt

	if record.Event != nil {
		appendEvent(doc, record.Event)
	}

	return p.write(doc)
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	info, err := os.Stat(p.root)
	if err != nil {
		return fmt.Errorf("persistence root not accessible: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("persistence root %s is not a directory", p.root)
	}

	return nil
}

func (p *Persistence) Close(ctx context.Context) error {
	return nil
}

// ------------------------------------------------------------------
// document helpers
// ------------------------------------------------------------------

func (p *Persistence) path(pipelineID string) string {
	return filepath.Join(p.root, pipelineID+".json")
}

func (p *Persistence) read(pipelineID string) (*document, error) {
	data, err := os.ReadFile(p.path(pipelineID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.ErrPipelineNotFound
		}

		return nil, fmt.Errorf("failed to read pipeline document: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline document: %w", err)
	}

	if doc.Handoffs == nil {
		doc.Handoffs = make(map[string][]*models.Handoff)
	}

	if doc.Approvals == nil {
		doc.Approvals = make(map[string]*models.Approval)
	}

	return &doc, nil
}

func (p *Persistence) readAll() ([]*document, error) {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list pipeline documents: %w", err)
	}

	docs := make([]*document, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		doc, err := p.read(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			return nil, err
		}

		docs = append(docs, doc)
	}

	return docs, nil
}

func (p *Persistence) findByStep(stepID string) (*document, error) {
	docs, err := p.readAll()
	if err != nil {
		return nil, err
	}

	for _, doc := range docs {
		for _, step := range doc.Steps {
			if step.ID == stepID {
				return doc, nil
			}
		}
	}

	return nil, persistence.ErrStepNotFound
}

func (p *Persistence) write(doc *document) error {
	if err := os.MkdirAll(p.root, 0o755); err != nil {
		return fmt.Errorf("failed to create persistence root: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize pipeline document: %w", err)
	}

	tmp := p.path(doc.Pipeline.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write pipeline document: %w", err)
	}

	if err := os.Rename(tmp, p.path(doc.Pipeline.ID)); err != nil {
		return fmt.Errorf("failed to replace pipeline document: %w", err)
	}

	return nil
}

func replaceStep(doc *document, step *models.Step) error {
	for i, existing := range doc.Steps {
		if existing.ID == step.ID {
			doc.Steps[i] = step

			return nil
		}
	}

	return persistence.ErrStepNotFound
}

func appendEvent(doc *document, event *models.AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	doc.AuditEvents = append(doc.AuditEvents, event)
}

func sortedSteps(doc *document) []*models.Step {
	steps := make([]*models.Step, len(doc.Steps))
	copy(steps, doc.Steps)
	sort.Slice(steps, func(i, j int) bool {
		return steps[i].Position < steps[j].Position
	})

	return steps
}

func pipelineOf(doc *document) *models.Pipeline {
	pipeline := *doc.Pipeline
	pipeline.Steps = sortedSteps(doc)

	return &pipeline
}

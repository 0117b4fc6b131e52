package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/baton-dev/baton/pkg/eventbus"
	"github.com/baton-dev/baton/pkg/events"
	"github.com/baton-dev/baton/pkg/handoff"
	"github.com/baton-dev/baton/pkg/models"
	"github.com/baton-dev/baton/pkg/otelhelper"
	"github.com/baton-dev/baton/pkg/persistence"
	"github.com/baton-dev/baton/pkg/registry"
)

const cleanupTimeout = 15 * time.Second

var tracer = otel.Tracer("baton/engine")

// Runner executes one pipeline: steps run strictly in position order, each
// step's output becomes the next step's prompt, and every status transition
// is committed together with the data that justifies it. Construct a fresh
// Runner per execution so session ids never leak between runs.
type Runner struct {
	logger      *slog.Logger
	client      BackendClient
	persistence persistence.Persistence
	registry    *registry.Registry
	extractor   *handoff.Extractor
	eventBus    eventbus.EventBus
	signals     *signalDirectory
	stepTimeout time.Duration

	mu               sync.Mutex
	currentSessionID string
}

// NewRunner builds a standalone runner with its own approval signal
// directory. Executions launched through a Manager share its directory
// instead, so the decision endpoint can wake them by pipeline id.
func NewRunner(
	logger *slog.Logger,
	client BackendClient,
	store persistence.Persistence,
	reg *registry.Registry,
	bus eventbus.EventBus,
	stepTimeout time.Duration,
) *Runner {
	return newRunner(logger, client, store, reg, bus, newSignalDirectory(), stepTimeout)
}

func newRunner(
	logger *slog.Logger,
	client BackendClient,
	store persistence.Persistence,
	reg *registry.Registry,
	bus eventbus.EventBus,
	signals *signalDirectory,
	stepTimeout time.Duration,
) *Runner {
	return &Runner{
		logger:      logger,
		client:      client,
		persistence: store,
		registry:    reg,
		extractor:   handoff.NewExtractor(),
		eventBus:    bus,
		signals:     signals,
		stepTimeout: stepTimeout,
	}
}

// CurrentSessionID returns the backend session currently in flight, or empty
// when no agent step is running. The abort path reads this from another
// goroutine to target its best-effort session abort.
func (r *Runner) CurrentSessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.currentSessionID
}

func (r *Runner) setCurrentSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.currentSessionID = sessionID
}

// RunPipeline executes every step of a freshly-created pipeline in order,
// feeding the pipeline's prompt to the first step. templateSteps, when
// present, supplies gate-specific options such as the reminder interval.
func (r *Runner) RunPipeline(ctx context.Context, pipelineID string, templateSteps []registry.TemplateStep) error {
	ctx, span := otelhelper.StartSpan(ctx, tracer, "engine.run_pipeline",
		attribute.String(otelhelper.PipelineIDKey, pipelineID))
	defer span.End()

	pipeline, err := r.persistence.PipelineByID(ctx, pipelineID)
	if err != nil {
		return fmt.Errorf("failed to load pipeline %s: %w", pipelineID, err)
	}

	r.publish(ctx, pipeline.ID, &events.PipelineStarted{
		BaseEvent: r.baseEvent(events.PipelineStartedEvent, pipeline.ID),
		Template:  pipeline.Template,
	})

	return r.executeSteps(ctx, pipeline, pipeline.Steps, pipeline.Prompt, templateSteps)
}

// ResumePipeline continues an interrupted pipeline from its first non-done
// step, deriving the prompt from the most recent handoff among done steps.
// When every step is already done the pipeline is marked done without any
// backend call. Reminders are disabled on resume: template step configuration
// is not reconstructed, and absent it gates simply wait without a timer.
func (r *Runner) ResumePipeline(ctx context.Context, pipelineID string) error {
	ctx, span := otelhelper.StartSpan(ctx, tracer, "engine.resume_pipeline",
		attribute.String(otelhelper.PipelineIDKey, pipelineID))
	defer span.End()

	pipeline, err := r.persistence.PipelineByID(ctx, pipelineID)
	if err != nil {
		return fmt.Errorf("failed to load pipeline %s: %w", pipelineID, err)
	}

	currentPrompt := pipeline.Prompt

	for _, step := range pipeline.Steps {
		if step.Status != models.StepStatusDone {
			continue
		}

		latest, err := r.persistence.LatestHandoff(ctx, step.ID)
		if err != nil {
			if errors.Is(err, persistence.ErrHandoffNotFound) {
				continue
			}

			return fmt.Errorf("failed to load handoff for step %s: %w", step.ID, err)
		}

		currentPrompt = nextPrompt(latest, step.AgentName)
	}

	remaining := make([]*models.Step, 0, len(pipeline.Steps))

	for _, step := range pipeline.Steps {
		if step.Status != models.StepStatusDone {
			remaining = append(remaining, step)
		}
	}

	if len(remaining) == 0 {
		if err := r.persistence.UpdatePipelineStatus(ctx, pipeline.ID, models.PipelineStatusDone); err != nil {
			return fmt.Errorf("failed to mark pipeline %s done: %w", pipeline.ID, err)
		}

		r.publish(ctx, pipeline.ID, &events.PipelineFinished{
			BaseEvent: r.baseEvent(events.PipelineFinishedEvent, pipeline.ID),
		})

		return nil
	}

	r.publish(ctx, pipeline.ID, &events.PipelineStarted{
		BaseEvent: r.baseEvent(events.PipelineStartedEvent, pipeline.ID),
		Template:  pipeline.Template,
		Resumed:   true,
	})

	return r.executeSteps(ctx, pipeline, remaining, currentPrompt, nil)
}

// nextPrompt renders the prompt the step after this handoff should receive:
// the structured context header when extraction succeeded, the raw content
// otherwise.
func nextPrompt(h *models.Handoff, agentName string) string {
	if h.Metadata == nil {
		return h.Content
	}

	var record handoff.Record
	if err := json.Unmarshal([]byte(*h.Metadata), &record); err != nil {
		return h.Content
	}

	return record.ContextHeader(agentName)
}

// executeSteps runs the given steps sequentially, chaining each step's output
// into the next step's prompt. On any step failure the pipeline is marked
// failed and no further steps run. Returned errors are persistence-level or
// cancellation problems only; ordinary step failures are fully persisted here
// and reported as nil.
func (r *Runner) executeSteps(
	ctx context.Context,
	pipeline *models.Pipeline,
	steps []*models.Step,
	initialPrompt string,
	templateSteps []registry.TemplateStep,
) error {
	logger := r.logger.With("pipeline_id", pipeline.ID)
	currentPrompt := initialPrompt

	for i, step := range steps {
		if step.IsApprovalGate() {
			remindAfter := time.Duration(0)

			if templateSteps != nil {
				if i < len(templateSteps) {
					if templateSteps[i].Type == registry.StepTypeApproval {
						remindAfter = time.Duration(templateSteps[i].RemindAfterHours * float64(time.Hour))
					}
				} else {
					logger.Warn("Template step configuration shorter than step list",
						"step_index", i, "template_steps", len(templateSteps))
				}
			}

			prompt, approved, err := r.executeApprovalStep(ctx, pipeline, step, currentPrompt, remindAfter)
			if err != nil {
				return err
			}

			if !approved {
				return nil
			}

			currentPrompt = prompt

			continue
		}

		now := time.Now().UTC()
		step.Status = models.StepStatusRunning
		step.StartedAt = &now

		if err := r.persistence.SaveStep(ctx, step); err != nil {
			return fmt.Errorf("failed to mark step %s running: %w", step.ID, err)
		}

		r.publish(ctx, pipeline.ID, &events.StepStarted{
			BaseEvent: r.baseEvent(events.StepStartedEvent, pipeline.ID),
			StepID:    step.ID,
			AgentName: step.AgentName,
			Position:  step.Position,
		})

		profile := r.registry.Agent(step.AgentName)
		if profile == nil {
			logger.Error("Step references unknown agent", "step_id", step.ID, "agent_name", step.AgentName)

			message := fmt.Sprintf("unknown agent %q", step.AgentName)
			if err := r.recordFailure(ctx, pipeline, step, message); err != nil {
				return err
			}

			return nil
		}

		model := profile.DefaultModel
		if step.Model != nil && *step.Model != "" {
			model = *step.Model
		}

		output, record, err := r.runStep(ctx, pipeline, step, profile, currentPrompt, model)
		if err != nil {
			if errors.Is(err, ErrStepFailed) {
				logger.Error("Step execution failed", "step_id", step.ID, "error", err)
				r.publishFailure(ctx, pipeline, step)

				return nil
			}

			return err
		}

		r.publish(ctx, pipeline.ID, &events.StepCompleted{
			BaseEvent:     r.baseEvent(events.StepCompletedEvent, pipeline.ID),
			StepID:        step.ID,
			AgentName:     step.AgentName,
			HasStructured: record != nil,
		})

		if record != nil {
			currentPrompt = record.ContextHeader(step.AgentName)
		} else {
			currentPrompt = output
		}
	}

	if err := r.persistence.UpdatePipelineStatus(ctx, pipeline.ID, models.PipelineStatusDone); err != nil {
		return fmt.Errorf("failed to mark pipeline %s done: %w", pipeline.ID, err)
	}

	r.publish(ctx, pipeline.ID, &events.PipelineFinished{
		BaseEvent: r.baseEvent(events.PipelineFinishedEvent, pipeline.ID),
	})

	logger.Info("Pipeline completed", "steps", len(steps))

	return nil
}

// runStep executes exactly one non-gate step: create a session, send the
// prompt under the per-step wall-clock budget, persist the handoff, and
// always clean the session up afterwards. Failures are fully persisted here
// and surfaced as ErrStepFailed.
func (r *Runner) runStep(
	ctx context.Context,
	pipeline *models.Pipeline,
	step *models.Step,
	profile *registry.AgentProfile,
	prompt string,
	model string,
) (string, *handoff.Record, error) {
	logger := r.logger.With("pipeline_id", pipeline.ID, "step_id", step.ID, "agent_name", step.AgentName)

	ctx, span := otelhelper.StartSpan(ctx, tracer, "engine.run_step",
		attribute.String(otelhelper.PipelineIDKey, pipeline.ID),
		attribute.String(otelhelper.StepIDKey, step.ID),
		attribute.String(otelhelper.AgentNameKey, step.AgentName),
		attribute.Int(otelhelper.PositionKey, step.Position))
	defer span.End()

	session, err := r.client.CreateSession(ctx, fmt.Sprintf("%s-%s", step.AgentName, step.ID))
	if err != nil {
		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}

		logger.Warn("Failed to create backend session", "error", err)
		otelhelper.SetError(span, err)

		if persistErr := r.recordStepFailure(ctx, pipeline, step, err.Error()); persistErr != nil {
			return "", nil, persistErr
		}

		return "", nil, fmt.Errorf("step %s: %w", step.ID, ErrStepFailed)
	}

	r.setCurrentSession(session.ID)
	span.SetAttributes(attribute.String(otelhelper.SessionIDKey, session.ID))

	defer func() {
		r.setCurrentSession("")

		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()

		if err := r.client.DeleteSession(cleanupCtx, session.ID); err != nil {
			logger.Warn("Failed to delete backend session", "session_id", session.ID, "error", err)
		}
	}()

	stepCtx, cancel := context.WithTimeout(ctx, r.stepTimeout)
	defer cancel()

	message, err := r.client.SendMessage(stepCtx, session.ID, r.buildPrompt(prompt, profile, pipeline.WorkingDir), profile.BackendAgent, model)
	if err != nil {
		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}

		otelhelper.SetError(span, err)

		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("Step timed out", "timeout", r.stepTimeout)

			abortCtx, cancelAbort := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
			defer cancelAbort()

			if abortErr := r.client.AbortSession(abortCtx, session.ID); abortErr != nil {
				logger.Warn("Failed to abort backend session", "session_id", session.ID, "error", abortErr)
			}

			failure := fmt.Sprintf("step timed out after %s", r.stepTimeout)
			if persistErr := r.recordStepFailure(ctx, pipeline, step, failure); persistErr != nil {
				return "", nil, persistErr
			}

			return "", nil, fmt.Errorf("step %s timed out after %s: %w", step.ID, r.stepTimeout, ErrStepFailed)
		}

		logger.Warn("Backend rejected step message", "error", err)

		if persistErr := r.recordStepFailure(ctx, pipeline, step, err.Error()); persistErr != nil {
			return "", nil, persistErr
		}

		return "", nil, fmt.Errorf("step %s: %w", step.ID, ErrStepFailed)
	}

	output := message.TextContent()
	if output == "" {
		logger.Warn("Backend reply carried no text content", "parts", len(message.Parts))
	}

	record := r.extractor.Extract(output)

	var metadata *string

	if record != nil {
		encoded, err := json.Marshal(record)
		if err != nil {
			return "", nil, fmt.Errorf("failed to encode handoff metadata: %w", err)
		}

		value := string(encoded)
		metadata = &value
	}

	now := time.Now().UTC()
	step.Status = models.StepStatusDone
	step.FinishedAt = &now

	result := &persistence.StepResultRecord{
		Step: step,
		Handoff: &models.Handoff{
			StepID:   step.ID,
			Content:  output,
			Metadata: metadata,
		},
		Events: []*models.AuditEvent{
			r.auditEvent(pipeline.ID, step.ID, models.AuditHandoffCreated,
				map[string]any{"has_structured_data": record != nil}),
		},
	}

	if record == nil {
		result.Events = append(result.Events,
			r.auditEvent(pipeline.ID, step.ID, models.AuditHandoffExtractionFailed, nil))
	}

	if err := r.persistence.RecordStepResult(ctx, result); err != nil {
		return "", nil, fmt.Errorf("failed to persist step %s result: %w", step.ID, err)
	}

	return output, record, nil
}

// executeApprovalStep pauses the pipeline on a gate step until a human
// decision arrives. The returned prompt carries the decision comment when one
// was given; approved reports whether execution continues.
func (r *Runner) executeApprovalStep(
	ctx context.Context,
	pipeline *models.Pipeline,
	step *models.Step,
	currentPrompt string,
	remindAfter time.Duration,
) (string, bool, error) {
	logger := r.logger.With("pipeline_id", pipeline.ID, "step_id", step.ID)

	now := time.Now().UTC()
	step.Status = models.StepStatusRunning
	step.StartedAt = &now
	pipeline.Status = models.PipelineStatusWaitingForApproval

	signal, registered := r.signals.arm(pipeline.ID)
	if !registered {
		logger.Warn("No approval signal registered for pipeline, synthesizing one")
	}

	request := &persistence.ApprovalRequestRecord{
		Step: step,
		Approval: &models.Approval{
			StepID: step.ID,
			Status: models.ApprovalStatusPending,
		},
		Pipeline: pipeline,
		Event: r.auditEvent(pipeline.ID, step.ID, models.AuditApprovalRequested,
			map[string]any{"step_id": step.ID}),
	}

	if err := r.persistence.RecordApprovalRequest(ctx, request); err != nil {
		return "", false, fmt.Errorf("failed to persist approval request for step %s: %w", step.ID, err)
	}

	r.publish(ctx, pipeline.ID, &events.ApprovalRequested{
		BaseEvent: r.baseEvent(events.ApprovalRequestedEvent, pipeline.ID),
		StepID:    step.ID,
	})

	logger.Info("Waiting for approval decision", "remind_after", remindAfter)

	if err := r.awaitApproval(ctx, pipeline, step, signal, remindAfter); err != nil {
		return "", false, err
	}

	approval, err := r.persistence.ApprovalByStep(ctx, step.ID)
	if err != nil {
		return "", false, fmt.Errorf("failed to re-read approval for step %s: %w", step.ID, err)
	}

	finished := time.Now().UTC()
	step.FinishedAt = &finished

	switch approval.Status {
	case models.ApprovalStatusApproved:
		step.Status = models.StepStatusDone
		pipeline.Status = models.PipelineStatusRunning

		transition := &persistence.StepTransitionRecord{
			Step:     step,
			Pipeline: pipeline,
			Events: []*models.AuditEvent{
				r.auditEvent(pipeline.ID, step.ID, models.AuditApprovalGranted,
					map[string]any{"decided_by": approval.DecidedBy, "comment": approval.Comment}),
			},
		}
		if err := r.persistence.RecordStepTransition(ctx, transition); err != nil {
			return "", false, fmt.Errorf("failed to persist approval grant for step %s: %w", step.ID, err)
		}

		r.publish(ctx, pipeline.ID, &events.ApprovalDecided{
			BaseEvent: r.baseEvent(events.ApprovalDecidedEvent, pipeline.ID),
			StepID:    step.ID,
			Approved:  true,
		})

		if approval.Comment != nil && *approval.Comment != "" {
			return fmt.Sprintf("%s\n\n[Approval note: %s]", currentPrompt, *approval.Comment), true, nil
		}

		return currentPrompt, true, nil

	case models.ApprovalStatusRejected:
		logger.Info("Approval rejected, stopping pipeline")

		step.Status = models.StepStatusFailed
		pipeline.Status = models.PipelineStatusFailed

		transition := &persistence.StepTransitionRecord{
			Step:     step,
			Pipeline: pipeline,
			Events: []*models.AuditEvent{
				r.auditEvent(pipeline.ID, step.ID, models.AuditApprovalRejected,
					map[string]any{"decided_by": approval.DecidedBy, "comment": approval.Comment}),
			},
		}
		if err := r.persistence.RecordStepTransition(ctx, transition); err != nil {
			return "", false, fmt.Errorf("failed to persist approval rejection for step %s: %w", step.ID, err)
		}

		r.publish(ctx, pipeline.ID, &events.ApprovalDecided{
			BaseEvent: r.baseEvent(events.ApprovalDecidedEvent, pipeline.ID),
			StepID:    step.ID,
		})
		r.publishFailure(ctx, pipeline, step)

		return "", false, nil

	default:
		// A signal fired while the approval is still pending. Data-integrity
		// defect; fail the pipeline rather than guess a decision.
		logger.Error("Approval woke in unexpected status", "approval_status", approval.Status)

		step.Status = models.StepStatusFailed
		pipeline.Status = models.PipelineStatusFailed

		transition := &persistence.StepTransitionRecord{
			Step:     step,
			Pipeline: pipeline,
		}
		if err := r.persistence.RecordStepTransition(ctx, transition); err != nil {
			return "", false, fmt.Errorf("failed to persist approval anomaly for step %s: %w", step.ID, err)
		}

		r.publishFailure(ctx, pipeline, step)

		return "", false, nil
	}
}

// awaitApproval suspends until the pipeline's approval signal fires. When a
// reminder interval is set and elapses first, exactly one reminder audit
// event is written and the wait continues without any further timeout. The
// pipeline is never auto-rejected.
func (r *Runner) awaitApproval(
	ctx context.Context,
	pipeline *models.Pipeline,
	step *models.Step,
	signal <-chan struct{},
	remindAfter time.Duration,
) error {
	if remindAfter <= 0 {
		select {
		case <-signal:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	timer := time.NewTimer(remindAfter)
	defer timer.Stop()

	select {
	case <-signal:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	r.logger.Warn("Approval reminder fired",
		"pipeline_id", pipeline.ID, "step_id", step.ID, "remind_after", remindAfter)

	reminder := r.auditEvent(pipeline.ID, step.ID, models.AuditApprovalReminder,
		map[string]any{"remind_after_hours": remindAfter.Hours()})
	if err := r.persistence.AppendAuditEvent(ctx, reminder); err != nil {
		return fmt.Errorf("failed to persist approval reminder for step %s: %w", step.ID, err)
	}

	select {
	case <-signal:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// buildPrompt assembles the full outbound message: working-directory preamble
// first, then the profile's fixed system-prompt additions, then the prompt.
func (r *Runner) buildPrompt(prompt string, profile *registry.AgentProfile, workingDir *string) string {
	full := ""

	if workingDir != nil && *workingDir != "" {
		full = fmt.Sprintf("Working directory: %s — treat this as the project root for all file operations.\n\n", *workingDir)
	}

	if profile.SystemPromptAdditions != "" {
		full += profile.SystemPromptAdditions + "\n\n"
	}

	return full + prompt
}

// recordStepFailure commits the failed step, the failed pipeline, and the
// step_failed audit event in one transaction.
func (r *Runner) recordStepFailure(ctx context.Context, pipeline *models.Pipeline, step *models.Step, message string) error {
	now := time.Now().UTC()
	step.Status = models.StepStatusFailed
	step.FinishedAt = &now
	step.ErrorMsg = &message
	pipeline.Status = models.PipelineStatusFailed

	transition := &persistence.StepTransitionRecord{
		Step:     step,
		Pipeline: pipeline,
		Events: []*models.AuditEvent{
			r.auditEvent(pipeline.ID, step.ID, models.AuditStepFailed,
				map[string]any{"error_message": message}),
		},
	}

	if err := r.persistence.RecordStepTransition(ctx, transition); err != nil {
		return fmt.Errorf("failed to persist failure of step %s: %w", step.ID, err)
	}

	return nil
}

// recordFailure is recordStepFailure plus the failure events, for failures
// detected before a backend call was attempted.
func (r *Runner) recordFailure(ctx context.Context, pipeline *models.Pipeline, step *models.Step, message string) error {
	if err := r.recordStepFailure(ctx, pipeline, step, message); err != nil {
		return err
	}

	r.publishFailure(ctx, pipeline, step)

	return nil
}

func (r *Runner) publishFailure(ctx context.Context, pipeline *models.Pipeline, step *models.Step) {
	reason := ""
	if step.ErrorMsg != nil {
		reason = *step.ErrorMsg
	}

	r.publish(ctx, pipeline.ID, &events.StepFailed{
		BaseEvent: r.baseEvent(events.StepFailedEvent, pipeline.ID),
		StepID:    step.ID,
		Error:     reason,
	})
	r.publish(ctx, pipeline.ID, &events.PipelineFailed{
		BaseEvent: r.baseEvent(events.PipelineFailedEvent, pipeline.ID),
		Reason:    reason,
	})
}

func (r *Runner) baseEvent(eventType events.EventType, pipelineID string) events.BaseEvent {
	id := ""
	if r.eventBus != nil {
		id = r.eventBus.GenerateID()
	}

	return events.BaseEvent{
		ID:         id,
		Type:       eventType,
		PipelineID: pipelineID,
		Timestamp:  time.Now().UTC(),
	}
}

func (r *Runner) publish(ctx context.Context, pipelineID string, event eventbus.Event) {
	if r.eventBus == nil {
		return
	}

	if err := r.eventBus.Publish(ctx, pipelineID, event); err != nil {
		r.logger.Warn("Failed to publish lifecycle event",
			"pipeline_id", pipelineID, "event_type", event.GetType(), "error", err)
	}
}

func (r *Runner) auditEvent(pipelineID, stepID, eventType string, fields map[string]any) *models.AuditEvent {
	event := &models.AuditEvent{
		PipelineID: pipelineID,
		EventType:  eventType,
	}

	if stepID != "" {
		event.StepID = &stepID
	}

	if fields != nil {
		if encoded, err := json.Marshal(fields); err == nil {
			payload := string(encoded)
			event.Payload = &payload
		}
	}

	return event
}

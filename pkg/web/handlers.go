// Package web provides the HTTP surface for pipeline management: launching
// and inspecting pipelines, approval decisions, registry listings, and the
// live event stream.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/baton-dev/baton/pkg/backend"
	"github.com/baton-dev/baton/pkg/broker"
	"github.com/baton-dev/baton/pkg/models"
	"github.com/baton-dev/baton/pkg/persistence"
	"github.com/baton-dev/baton/pkg/registry"
)

// PipelineLauncher is the slice of the engine manager the HTTP layer uses.
type PipelineLauncher interface {
	StartPipeline(pipelineID string, templateSteps []registry.TemplateStep) error
	ResumePipeline(pipelineID string) error
	AbortPipeline(ctx context.Context, pipelineID string) error
	SignalApproval(pipelineID string) bool
}

type APIHandlers struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	registry    *registry.Registry
	launcher    PipelineLauncher
	backend     *backend.Client
	broker      *broker.Broker
	validator   *validator.Validate
}

func NewAPIHandlers(
	logger *slog.Logger,
	store persistence.Persistence,
	reg *registry.Registry,
	launcher PipelineLauncher,
	client *backend.Client,
	eventBroker *broker.Broker,
	validate *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		logger:      logger,
		persistence: store,
		registry:    reg,
		launcher:    launcher,
		backend:     client,
		broker:      eventBroker,
		validator:   validate,
	}
}

func (h *APIHandlers) GetPipelines(c fiber.Ctx) error {
	pipelines, err := h.persistence.Pipelines(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	responses := make([]PipelineResponse, 0, len(pipelines))
	for _, pipeline := range pipelines {
		responses = append(responses, pipelineResponse(pipeline))
	}

	return c.JSON(responses)
}

func (h *APIHandlers) GetPipeline(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Pipeline ID is required")
	}

	pipeline, err := h.persistence.PipelineByID(c.Context(), id)
	if err != nil {
		if persistence.IsPipelineNotFound(err) {
			return notFound(c, "Pipeline not found")
		}

		return internalError(c, err)
	}

	return c.JSON(pipelineDetailResponse(pipeline))
}

// CreatePipeline persists a pipeline from a registered template (or an ad-hoc
// step list under the "__custom__" sentinel) and immediately launches it.
func (h *APIHandlers) CreatePipeline(c fiber.Ctx) error {
	var req CreatePipelineRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	templateSteps, err := h.resolveTemplateSteps(&req)
	if err != nil {
		if errors.Is(err, errUnknownTemplate) {
			return notFound(c, err.Error())
		}

		return badRequest(c, err.Error())
	}

	pipeline := &models.Pipeline{
		Title:      req.Title,
		Template:   req.Template,
		Prompt:     req.Prompt,
		WorkingDir: req.WorkingDir,
		Status:     models.PipelineStatusRunning,
		Steps:      buildSteps(templateSteps, h.registry),
	}

	if err := h.persistence.CreatePipeline(c.Context(), pipeline); err != nil {
		return internalError(c, err)
	}

	if err := h.launcher.StartPipeline(pipeline.ID, templateSteps); err != nil {
		return internalError(c, err)
	}

	h.logger.Info("Pipeline created", "pipeline_id", pipeline.ID, "template", pipeline.Template)

	return c.Status(fiber.StatusCreated).JSON(pipelineDetailResponse(pipeline))
}

var errUnknownTemplate = errors.New("unknown template")

// resolveTemplateSteps returns the step configuration the pipeline will run:
// the registered template's steps, or the caller-supplied list for ad-hoc
// pipelines.
func (h *APIHandlers) resolveTemplateSteps(req *CreatePipelineRequest) ([]registry.TemplateStep, error) {
	if req.Template == models.CustomTemplate {
		if len(req.Steps) == 0 {
			return nil, errors.New("custom pipelines require a non-empty step list")
		}

		steps := make([]registry.TemplateStep, 0, len(req.Steps))

		for _, step := range req.Steps {
			switch registry.TemplateStepType(step.Type) {
			case registry.StepTypeAgent:
				if step.Agent == "" {
					return nil, errors.New("agent steps require an agent name")
				}

				if h.registry.Agent(step.Agent) == nil {
					return nil, errors.New("unknown agent: " + step.Agent)
				}

				steps = append(steps, registry.TemplateStep{
					Type:  registry.StepTypeAgent,
					Agent: step.Agent,
					Model: step.Model,
				})
			case registry.StepTypeApproval:
				if step.Agent != "" {
					return nil, errors.New("approval steps must not name an agent")
				}

				steps = append(steps, registry.TemplateStep{
					Type:             registry.StepTypeApproval,
					RemindAfterHours: step.RemindAfterHours,
				})
			default:
				return nil, errors.New("unknown step type: " + step.Type)
			}
		}

		return steps, nil
	}

	template := h.registry.Template(req.Template)
	if template == nil {
		return nil, fmt.Errorf("%w: %s", errUnknownTemplate, req.Template)
	}

	return template.Steps, nil
}

// buildSteps materializes step rows from the template configuration, applying
// model resolution: explicit step override, then agent profile default.
func buildSteps(templateSteps []registry.TemplateStep, reg *registry.Registry) []*models.Step {
	steps := make([]*models.Step, 0, len(templateSteps))

	for i, tpl := range templateSteps {
		step := &models.Step{
			Position: i,
			Status:   models.StepStatusPending,
		}

		if tpl.Type == registry.StepTypeApproval {
			step.AgentName = models.ApprovalGateAgent
			steps = append(steps, step)

			continue
		}

		step.AgentName = tpl.Agent

		model := tpl.Model

		if model == "" {
			if profile := reg.Agent(tpl.Agent); profile != nil {
				model = profile.DefaultModel
			}
		}

		if model != "" {
			step.Model = &model
		}

		steps = append(steps, step)
	}

	return steps
}

// AbortPipeline aborts a running pipeline. Returns 409 when it is not running.
func (h *APIHandlers) AbortPipeline(c fiber.Ctx) error {
	id := c.Params("id")

	pipeline, err := h.persistence.PipelineByID(c.Context(), id)
	if err != nil {
		if persistence.IsPipelineNotFound(err) {
			return notFound(c, "Pipeline not found")
		}

		return internalError(c, err)
	}

	if pipeline.Status != models.PipelineStatusRunning {
		return conflict(c, "Pipeline is not running (status="+string(pipeline.Status)+")")
	}

	if err := h.launcher.AbortPipeline(c.Context(), id); err != nil {
		return internalError(c, err)
	}

	pipeline.Status = models.PipelineStatusFailed

	return c.JSON(pipelineResponse(pipeline))
}

// RestartPipeline resumes a failed pipeline from its first non-done step.
// Returns 409 when it is not failed.
func (h *APIHandlers) RestartPipeline(c fiber.Ctx) error {
	id := c.Params("id")

	pipeline, err := h.persistence.PipelineByID(c.Context(), id)
	if err != nil {
		if persistence.IsPipelineNotFound(err) {
			return notFound(c, "Pipeline not found")
		}

		return internalError(c, err)
	}

	if pipeline.Status != models.PipelineStatusFailed {
		return conflict(c, "Pipeline is not failed (status="+string(pipeline.Status)+")")
	}

	if err := h.persistence.UpdatePipelineStatus(c.Context(), id, models.PipelineStatusRunning); err != nil {
		return internalError(c, err)
	}

	if err := h.launcher.ResumePipeline(id); err != nil {
		return internalError(c, err)
	}

	pipeline.Status = models.PipelineStatusRunning

	return c.JSON(pipelineResponse(pipeline))
}

// ApprovePipeline approves a pipeline waiting for sign-off.
func (h *APIHandlers) ApprovePipeline(c fiber.Ctx) error {
	return h.decide(c, models.ApprovalStatusApproved)
}

// RejectPipeline rejects a pipeline waiting for sign-off.
func (h *APIHandlers) RejectPipeline(c fiber.Ctx) error {
	return h.decide(c, models.ApprovalStatusRejected)
}

func (h *APIHandlers) decide(c fiber.Ctx, decision models.ApprovalStatus) error {
	id := c.Params("id")

	var req DecisionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	pipeline, err := h.persistence.PipelineByID(c.Context(), id)
	if err != nil {
		if persistence.IsPipelineNotFound(err) {
			return notFound(c, "Pipeline not found")
		}

		return internalError(c, err)
	}

	if pipeline.Status != models.PipelineStatusWaitingForApproval {
		return conflict(c, "Pipeline is not waiting for approval (status="+string(pipeline.Status)+")")
	}

	gateStep := h.pendingGateStep(c.Context(), pipeline)
	if gateStep == nil {
		return notFound(c, "No pending approval found")
	}

	if _, err := h.persistence.DecideApproval(c.Context(), gateStep.ID, decision, req.Comment, req.DecidedBy); err != nil {
		if persistence.IsApprovalAlreadyDecided(err) {
			return conflict(c, "Approval was already decided")
		}

		return internalError(c, err)
	}

	if !h.launcher.SignalApproval(pipeline.ID) {
		// The execution goroutine is gone, typically after a restart. The
		// decision is durable; recovery re-reads it on the next resume.
		h.logger.Warn("No execution waiting for approval signal", "pipeline_id", pipeline.ID)
	}

	h.logger.Info("Approval decision recorded",
		"pipeline_id", pipeline.ID, "step_id", gateStep.ID, "decision", decision)

	return c.JSON(pipelineResponse(pipeline))
}

// pendingGateStep finds the gate step whose approval is still pending.
func (h *APIHandlers) pendingGateStep(ctx context.Context, pipeline *models.Pipeline) *models.Step {
	for _, step := range pipeline.Steps {
		if !step.IsApprovalGate() {
			continue
		}

		approval, err := h.persistence.ApprovalByStep(ctx, step.ID)
		if err != nil {
			continue
		}

		if approval.Status == models.ApprovalStatusPending {
			return step
		}
	}

	return nil
}

func (h *APIHandlers) GetAuditEvents(c fiber.Ctx) error {
	id := c.Params("id")

	if _, err := h.persistence.PipelineByID(c.Context(), id); err != nil {
		if persistence.IsPipelineNotFound(err) {
			return notFound(c, "Pipeline not found")
		}

		return internalError(c, err)
	}

	auditEvents, err := h.persistence.AuditEvents(c.Context(), id)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(auditEvents)
}

func (h *APIHandlers) GetStepHandoffs(c fiber.Ctx) error {
	stepID := c.Params("stepId")
	if stepID == "" {
		return badRequest(c, "Step ID is required")
	}

	handoffs, err := h.persistence.HandoffsByStep(c.Context(), stepID)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(handoffs)
}

func (h *APIHandlers) GetAgents(c fiber.Ctx) error {
	return c.JSON(h.registry.Agents())
}

func (h *APIHandlers) GetTemplates(c fiber.Ctx) error {
	return c.JSON(h.registry.Templates())
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	backendOK := h.backend.HealthCheck(c.Context())
	storageErr := h.persistence.HealthCheck(c.Context())

	status := "healthy"
	httpStatus := http.StatusOK

	if !backendOK || storageErr != nil {
		status = "unhealthy"
		httpStatus = http.StatusInternalServerError
	}

	storage := "ok"
	if storageErr != nil {
		storage = storageErr.Error()
	}

	backendStatus := "ok"
	if !backendOK {
		backendStatus = "unreachable"
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"backend": backendStatus,
			"storage": storage,
		},
		"timestamp": time.Now().UTC(),
	})
}

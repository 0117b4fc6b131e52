package web

import (
	"time"

	"github.com/baton-dev/baton/pkg/models"
)

// CreatePipelineRequest launches a new pipeline. Template names a registered
// pipeline template; the sentinel "__custom__" makes the caller supply the
// step list instead.
type CreatePipelineRequest struct {
	Title      string              `json:"title"       validate:"required,min=1,max=255"`
	Template   string              `json:"template"    validate:"required"`
	Prompt     string              `json:"prompt"      validate:"required"`
	WorkingDir *string             `json:"working_dir,omitempty"`
	Steps      []CustomStepRequest `json:"steps,omitempty" validate:"dive"`
}

// CustomStepRequest is one step of an ad-hoc pipeline.
type CustomStepRequest struct {
	Type             string  `json:"type"  validate:"required,oneof=agent approval"`
	Agent            string  `json:"agent,omitempty"`
	Model            string  `json:"model,omitempty"`
	RemindAfterHours float64 `json:"remind_after_hours,omitempty" validate:"omitempty,gt=0"`
}

// DecisionRequest carries the optional context of an approval decision.
type DecisionRequest struct {
	Comment   *string `json:"comment,omitempty"    validate:"omitempty,max=2000"`
	DecidedBy *string `json:"decided_by,omitempty" validate:"omitempty,max=255"`
}

// PipelineResponse is the external view of a pipeline without its steps.
type PipelineResponse struct {
	ID         string                `json:"id"`
	Title      string                `json:"title"`
	Template   string                `json:"template"`
	Prompt     string                `json:"prompt"`
	WorkingDir *string               `json:"working_dir,omitempty"`
	Status     models.PipelineStatus `json:"status"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// PipelineDetailResponse adds the ordered step list.
type PipelineDetailResponse struct {
	PipelineResponse

	Steps []*models.Step `json:"steps"`
}

func pipelineResponse(pipeline *models.Pipeline) PipelineResponse {
	return PipelineResponse{
		ID:         pipeline.ID,
		Title:      pipeline.Title,
		Template:   pipeline.Template,
		Prompt:     pipeline.Prompt,
		WorkingDir: pipeline.WorkingDir,
		Status:     pipeline.Status,
		CreatedAt:  pipeline.CreatedAt,
		UpdatedAt:  pipeline.UpdatedAt,
	}
}

func pipelineDetailResponse(pipeline *models.Pipeline) PipelineDetailResponse {
	return PipelineDetailResponse{
		PipelineResponse: pipelineResponse(pipeline),
		Steps:            pipeline.Steps,
	}
}

// Package registry resolves agent profiles and pipeline templates from
// YAML configuration, with hot reload on file change.
package registry

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// TemplateStepType discriminates the two step kinds a template may contain.
type TemplateStepType string

const (
	StepTypeAgent    TemplateStepType = "agent"
	StepTypeApproval TemplateStepType = "approval"
)

// AgentProfile describes one named agent and its backend defaults.
type AgentProfile struct {
	Name                  string `yaml:"name"                    validate:"required"`
	Description           string `yaml:"description"`
	BackendAgent          string `yaml:"backend_agent"           validate:"required"`
	DefaultModel          string `yaml:"default_model"`
	SystemPromptAdditions string `yaml:"system_prompt_additions"`
}

// TemplateStep is a closed tagged variant: either an agent delegation
// (references an agent profile, optional model override) or an approval gate
// (optional reminder interval in hours).
type TemplateStep struct {
	Type             TemplateStepType `yaml:"type"               validate:"required,oneof=agent approval"`
	Agent            string           `yaml:"agent,omitempty"`
	Model            string           `yaml:"model,omitempty"`
	Description      string           `yaml:"description,omitempty"`
	RemindAfterHours float64          `yaml:"remind_after_hours,omitempty" validate:"omitempty,gt=0"`
}

// PipelineTemplate is an ordered step sequence registered under a name.
type PipelineTemplate struct {
	Name        string         `yaml:"name"  validate:"required"`
	Description string         `yaml:"description"`
	Steps       []TemplateStep `yaml:"steps" validate:"required,min=1,dive"`
}

// Config is one immutable snapshot of the registry contents. Snapshots are
// swapped atomically on reload; readers never observe a partially-loaded one.
type Config struct {
	Agents    []AgentProfile     `yaml:"agents"    validate:"dive"`
	Templates []PipelineTemplate `yaml:"pipelines" validate:"dive"`
}

// Validate checks structural constraints plus cross-references: every agent
// step must reference a known agent profile, and approval reminder intervals
// must be positive when set.
func (c *Config) Validate(validate *validator.Validate) error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid registry config: %w", err)
	}

	known := make(map[string]bool, len(c.Agents))
	for _, agent := range c.Agents {
		known[agent.Name] = true
	}

	for _, template := range c.Templates {
		for i, step := range template.Steps {
			switch step.Type {
			case StepTypeAgent:
				if step.Agent == "" {
					return fmt.Errorf("template %q step %d: agent step requires an agent name", template.Name, i)
				}

				if !known[step.Agent] {
					return fmt.Errorf("template %q step %d references unknown agent %q", template.Name, i, step.Agent)
				}
			case StepTypeApproval:
				if step.Agent != "" {
					return fmt.Errorf("template %q step %d: approval step must not name an agent", template.Name, i)
				}
			}
		}
	}

	return nil
}

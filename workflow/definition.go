// Package workflow runs declarative multi-step accounting workflows: tool
// calls against registered MCP servers, document processing, and delays,
// defined in YAML and optionally scheduled on a cron expression.
package workflow

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// StepKind selects what a step does.
type StepKind string

const (
	StepTool     StepKind = "tool"
	StepDocument StepKind = "document"
	StepDelay    StepKind = "delay"
)

// Step is one unit of work in a workflow.
type Step struct {
	ID              string         `yaml:"id" json:"id"`
	Kind            StepKind       `yaml:"kind" json:"kind"`
	Server          string         `yaml:"server,omitempty" json:"server,omitempty"`
	Tool            string         `yaml:"tool,omitempty" json:"tool,omitempty"`
	Args            map[string]any `yaml:"args,omitempty" json:"args,omitempty"`
	Document        string         `yaml:"document,omitempty" json:"document,omitempty"`
	ClientID        string         `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	DelayMS         int            `yaml:"delay_ms,omitempty" json:"delay_ms,omitempty"`
	SaveAs          string         `yaml:"save_as,omitempty" json:"save_as,omitempty"`
	Retries         int            `yaml:"retries,omitempty" json:"retries,omitempty"`
	ContinueOnError bool           `yaml:"continue_on_error,omitempty" json:"continue_on_error,omitempty"`
}

// Definition is a named workflow. ClientID, when set, is the default client
// for document steps that do not name their own.
type Definition struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	ClientID    string `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	Steps       []Step `yaml:"steps" json:"steps"`
}

// ParseDefinition decodes a YAML workflow definition and validates it.
func ParseDefinition(data []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("workflow: parse definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// Validate checks structural correctness of the definition.
func (d Definition) Validate() error {
	var problems []string
	if strings.TrimSpace(d.Name) == "" {
		problems = append(problems, "name is required")
	}
	if len(d.Steps) == 0 {
		problems = append(problems, "at least one step is required")
	}

	seen := make(map[string]bool, len(d.Steps))
	for i, step := range d.Steps {
		prefix := fmt.Sprintf("step %d", i+1)
		if strings.TrimSpace(step.ID) == "" {
			problems = append(problems, prefix+": id is required")
		} else {
			prefix = fmt.Sprintf("step %q", step.ID)
			if seen[step.ID] {
				problems = append(problems, prefix+": duplicate id")
			}
			seen[step.ID] = true
		}

		switch step.Kind {
		case StepTool:
			if strings.TrimSpace(step.Server) == "" {
				problems = append(problems, prefix+": tool step requires a server")
			}
			if strings.TrimSpace(step.Tool) == "" {
				problems = append(problems, prefix+": tool step requires a tool name")
			}
		case StepDocument:
			if strings.TrimSpace(step.Document) == "" {
				problems = append(problems, prefix+": document step requires a document")
			}
		case StepDelay:
			if step.DelayMS <= 0 {
				problems = append(problems, prefix+": delay step requires delay_ms > 0")
			}
		default:
			problems = append(problems, fmt.Sprintf("%s: unknown kind %q", prefix, step.Kind))
		}

		if step.Retries < 0 {
			problems = append(problems, prefix+": retries must not be negative")
		}
	}

	if len(problems) > 0 {
		return errors.New("workflow: invalid definition: " + strings.Join(problems, "; "))
	}
	return nil
}

package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"command_center/internal/domain"
)

const DefaultPlanName = "default"

// StageTemplate describes one subtask of a plan: which command is sent, to an
// agent holding which capabilities, after which earlier stage.
type StageTemplate struct {
	Key          string             `yaml:"key"`
	Title        string             `yaml:"title"`
	Command      domain.CommandType `yaml:"command"`
	Capabilities []string           `yaml:"capabilities"`
	DependsOn    string             `yaml:"depends_on,omitempty"`
	Payload      map[string]any     `yaml:"payload,omitempty"`
}

type PlanTemplate struct {
	Name   string          `yaml:"name"`
	Stages []StageTemplate `yaml:"stages"`
}

type planFile struct {
	Plans []PlanTemplate `yaml:"plans"`
}

func DefaultPlan() PlanTemplate {
	return PlanTemplate{
		Name: DefaultPlanName,
		Stages: []StageTemplate{
			{
				Key:          "analysis",
				Title:        `Analysis for "{task_title}"`,
				Command:      domain.CommandAnalyze,
				Capabilities: []string{"code-analysis"},
				Payload:      map[string]any{"type": "project"},
			},
			{
				Key:          "execution",
				Title:        `Execution for "{task_title}"`,
				Command:      domain.CommandExecute,
				Capabilities: []string{"terminal-execution"},
				DependsOn:    "analysis",
				Payload: map[string]any{
					"type":   "terminal",
					"action": "execute",
					"payload": map[string]any{
						"command": `echo "Executing task {task_id}"`,
					},
				},
			},
		},
	}
}

func (p PlanTemplate) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("plan name is required")
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("plan %s has no stages", p.Name)
	}
	seen := make(map[string]bool, len(p.Stages))
	for _, st := range p.Stages {
		if strings.TrimSpace(st.Key) == "" {
			return fmt.Errorf("plan %s: stage key is required", p.Name)
		}
		if seen[st.Key] {
			return fmt.Errorf("plan %s: duplicate stage %s", p.Name, st.Key)
		}
		if !st.Command.Valid() {
			return fmt.Errorf("plan %s: stage %s has unknown command %q", p.Name, st.Key, st.Command)
		}
		if len(st.Capabilities) == 0 {
			return fmt.Errorf("plan %s: stage %s names no capabilities", p.Name, st.Key)
		}
		if st.DependsOn != "" {
			if st.DependsOn == st.Key {
				return fmt.Errorf("plan %s: stage %s depends on itself", p.Name, st.Key)
			}
			// Only earlier stages are visible, which rules out cycles.
			if !seen[st.DependsOn] {
				return fmt.Errorf("plan %s: stage %s depends on unknown or later stage %s", p.Name, st.Key, st.DependsOn)
			}
		}
		seen[st.Key] = true
	}
	return nil
}

func (p PlanTemplate) Stage(key string) (StageTemplate, bool) {
	for _, st := range p.Stages {
		if st.Key == key {
			return st, true
		}
	}
	return StageTemplate{}, false
}

// LoadPlans reads plan templates from a YAML file and merges them over the
// built-in default plan. An empty path yields only the default.
func LoadPlans(path string) (map[string]PlanTemplate, error) {
	plans := map[string]PlanTemplate{DefaultPlanName: DefaultPlan()}
	if strings.TrimSpace(path) == "" {
		return plans, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plans: %w", err)
	}
	var file planFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse plans %s: %w", path, err)
	}
	for _, p := range file.Plans {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		plans[p.Name] = p
	}
	return plans, nil
}

func PlanNames(plans map[string]PlanTemplate) []string {
	names := make([]string, 0, len(plans))
	for name := range plans {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// renderPayload substitutes {task_id} and {task_title} in every string of the
// stage payload and stamps the correlation id.
func renderPayload(payload map[string]any, task *domain.Task, requestID string) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = renderValue(v, task)
	}
	out["requestId"] = requestID
	return out
}

func renderValue(v any, task *domain.Task) any {
	switch val := v.(type) {
	case string:
		return renderText(val, task)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = renderValue(inner, task)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = renderValue(inner, task)
		}
		return out
	default:
		return val
	}
}

func renderText(s string, task *domain.Task) string {
	return strings.NewReplacer("{task_id}", task.ID, "{task_title}", task.Title).Replace(s)
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

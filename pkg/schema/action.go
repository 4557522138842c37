package schema

import "sort"

// StepType enumerates the kinds of steps in an action.
type StepType string

const (
	StepTypeAIReasoning     StepType = "ai_reasoning"
	StepTypeWebSearch       StepType = "web_search"
	StepTypeImageGeneration StepType = "image_generation"
	StepTypeCustom          StepType = "custom"
)

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	switch t {
	case StepTypeAIReasoning, StepTypeWebSearch, StepTypeImageGeneration, StepTypeCustom:
		return true
	}
	return false
}

// Languages accepted by custom steps.
const (
	LanguageExpr = "expr"
	LanguageCEL  = "cel"
	LanguageJQ   = "jq"
)

// StepConfig is the type-specific configuration of a step.
type StepConfig struct {
	Prompt       string   `json:"prompt,omitempty"`
	Code         string   `json:"code,omitempty"`
	Language     string   `json:"language,omitempty"` // custom steps: expr | cel | jq (default: expr)
	InputFields  []string `json:"inputFields"`
	OutputFields []string `json:"outputFields"`
	EnvVars      []string `json:"envVars,omitempty"`
}

// Step is one stage of an action.
type Step struct {
	ID          string     `json:"id"`
	ActionID    string     `json:"actionId"`
	Order       int        `json:"order"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Type        StepType   `json:"type"`
	Config      StepConfig `json:"config"`
}

// Action is a named, ordered sequence of steps targeting one model.
type Action struct {
	ID          string `json:"id"`
	AgentID     string `json:"agentId"`
	TargetModel string `json:"targetModel"`
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Steps       []Step `json:"steps"`
}

// OrderedSteps returns a copy of the steps sorted by Order. Ties keep
// declaration order.
func (a *Action) OrderedSteps() []Step {
	steps := make([]Step, len(a.Steps))
	copy(steps, a.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	return steps
}

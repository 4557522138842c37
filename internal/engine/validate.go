package engine

import (
	"fmt"

	"github.com/rendis/stepflow/pkg/schema"
)

// Issue codes reported by ValidateAction.
const (
	IssueUnknownModel      = "UNKNOWN_MODEL"
	IssueUnknownField      = "UNKNOWN_FIELD"
	IssueInvalidStepType   = "INVALID_STEP_TYPE"
	IssueDuplicateOrder    = "DUPLICATE_ORDER"
	IssueImageOutputs      = "IMAGE_OUTPUTS"
	IssueMissingCode       = "MISSING_CODE"
	IssueUnknownLanguage   = "UNKNOWN_LANGUAGE"
	IssueMissingOutputs    = "MISSING_OUTPUTS"
	IssueDuplicateStepName = "DUPLICATE_STEP_NAME"
)

// ValidateAction checks an action definition at save time. Field names that
// are neither in the target model nor produced by an earlier step are
// warnings, since the runner degrades them to open contracts.
func ValidateAction(action *schema.Action, agent *schema.Agent) *schema.ValidationResult {
	res := &schema.ValidationResult{}
	if action == nil {
		res.AddError("action", IssueUnknownModel, "action is nil")
		return res
	}

	model, ok := agent.Model(action.TargetModel)
	if !ok {
		res.AddError("targetModel", IssueUnknownModel,
			fmt.Sprintf("target model %q is not defined on the agent", action.TargetModel))
	}

	orders := make(map[int]string)
	names := make(map[string]bool)
	produced := make(map[string]bool)

	for i, step := range action.OrderedSteps() {
		path := fmt.Sprintf("steps[%d]", i)
		if step.Name != "" {
			path = fmt.Sprintf("steps[%s]", step.Name)
		}

		if !step.Type.Valid() {
			res.AddError(path+".type", IssueInvalidStepType, fmt.Sprintf("unknown step type %q", step.Type))
		}
		if prev, dup := orders[step.Order]; dup {
			res.AddError(path+".order", IssueDuplicateOrder,
				fmt.Sprintf("order %d is already used by step %q", step.Order, prev))
		}
		orders[step.Order] = step.Name
		if step.Name != "" && names[step.Name] {
			res.AddWarning(path+".name", IssueDuplicateStepName, fmt.Sprintf("step name %q is repeated", step.Name))
		}
		names[step.Name] = true

		for _, f := range step.Config.InputFields {
			if _, known := model.Field(f); !known && !produced[f] {
				res.AddWarning(path+".inputFields", IssueUnknownField,
					fmt.Sprintf("input field %q is not in model and not produced by an earlier step", f))
			}
		}
		for _, f := range step.Config.OutputFields {
			if _, known := model.Field(f); !known {
				res.AddWarning(path+".outputFields", IssueUnknownField,
					fmt.Sprintf("output field %q is not in model; it will be validated as open text", f))
			}
		}
		if len(step.Config.OutputFields) == 0 && step.Type != schema.StepTypeCustom {
			res.AddError(path+".outputFields", IssueMissingOutputs, "step declares no output fields")
		}

		switch step.Type {
		case schema.StepTypeImageGeneration:
			validateImageStep(res, path, step, model)
		case schema.StepTypeCustom:
			if step.Config.Code == "" {
				res.AddError(path+".code", IssueMissingCode, "custom step has no code")
			}
			switch step.Config.Language {
			case "", schema.LanguageExpr, schema.LanguageCEL, schema.LanguageJQ:
			default:
				res.AddError(path+".language", IssueUnknownLanguage,
					fmt.Sprintf("language %q is not one of expr, cel, jq", step.Config.Language))
			}
		}

		for _, f := range step.Config.OutputFields {
			produced[f] = true
		}
	}
	return res
}

func validateImageStep(res *schema.ValidationResult, path string, step schema.Step, model *schema.Model) {
	outputs := step.Config.OutputFields
	if len(outputs) != 1 {
		res.AddError(path+".outputFields", IssueImageOutputs,
			fmt.Sprintf("image_generation step must declare exactly one output field, got %d", len(outputs)))
		return
	}
	if f, ok := model.Field(outputs[0]); ok && f.Type != schema.FieldImageURL {
		res.AddError(path+".outputFields", IssueImageOutputs,
			fmt.Sprintf("image_generation output %q must be image_url typed, is %s", outputs[0], f.Type))
	}
}

package engine

import (
	"context"
	"fmt"

	"github.com/rendis/stepflow/internal/backends"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// Backend kinds. Circuits are keyed per kind and agent so one agent's
// failing calls do not open the circuit for every other agent.
const (
	circuitAI     = "ai"
	circuitSearch = "search"
	circuitImage  = "image"
)

func circuitKey(kind, agentID string) string {
	if agentID == "" {
		return kind
	}
	return kind + "/" + agentID
}

func promptScope(req StepRequest) expressions.PromptScope {
	return expressions.PromptScope{
		Inputs:  req.Input.Values,
		Record:  req.Snapshot.Data(),
		Context: req.Input.Block,
	}
}

func schemaName(step schema.Step) string {
	if step.Name == "" {
		return "step_output"
	}
	return step.Name
}

// --- ai_reasoning ---

// AIExecutor generates structured output directly against the step contract.
type AIExecutor struct {
	gen      backends.Generator
	interp   *expressions.Interpolator
	breakers *CircuitBreakerRegistry
}

func NewAIExecutor(gen backends.Generator, interp *expressions.Interpolator, breakers *CircuitBreakerRegistry) *AIExecutor {
	return &AIExecutor{gen: gen, interp: interp, breakers: breakers}
}

func (e *AIExecutor) Type() schema.StepType { return schema.StepTypeAIReasoning }

func (e *AIExecutor) Execute(ctx context.Context, req StepRequest) StepOutcome {
	if e.gen == nil {
		return Failed(schema.NewError(schema.ErrCodeConfiguration, "no AI backend configured"))
	}
	prompt, err := e.interp.Compose(req.Step.Config.Prompt, promptScope(req))
	if err != nil {
		return Failed(err)
	}
	return generate(ctx, e.gen, e.breakers, req, prompt, backends.Usage{})
}

func generate(ctx context.Context, gen backends.Generator, breakers *CircuitBreakerRegistry, req StepRequest, prompt string, prior backends.Usage) StepOutcome {
	var fields map[string]any
	var usage backends.Usage
	err := breakers.Call(circuitKey(circuitAI, req.AgentID), func() error {
		var err error
		fields, usage, err = gen.GenerateStructured(ctx, backends.StructuredRequest{
			Name:     schemaName(req.Step),
			Prompt:   prompt,
			Contract: req.Contract.Schema,
		})
		return err
	})
	usage = addUsage(prior, usage)
	if err != nil {
		out := Failed(err)
		out.Usage = usage
		return out
	}
	return Succeeded(fields, usage)
}

// --- web_search ---

// SearchExecutor retrieves external context first, then generates
// structured output the same way AIExecutor does.
type SearchExecutor struct {
	search   backends.Searcher
	gen      backends.Generator
	interp   *expressions.Interpolator
	breakers *CircuitBreakerRegistry
}

func NewSearchExecutor(search backends.Searcher, gen backends.Generator, interp *expressions.Interpolator, breakers *CircuitBreakerRegistry) *SearchExecutor {
	return &SearchExecutor{search: search, gen: gen, interp: interp, breakers: breakers}
}

func (e *SearchExecutor) Type() schema.StepType { return schema.StepTypeWebSearch }

func (e *SearchExecutor) Execute(ctx context.Context, req StepRequest) StepOutcome {
	if e.search == nil || e.gen == nil {
		return Failed(schema.NewError(schema.ErrCodeConfiguration, "web search requires search and AI backends"))
	}
	scope := promptScope(req)

	query, err := e.interp.Render(req.Step.Config.Prompt, scope)
	if err != nil {
		return Failed(err)
	}
	if query == "" {
		query = req.Input.Block
	}

	var results string
	var usage backends.Usage
	err = e.breakers.Call(circuitKey(circuitSearch, req.AgentID), func() error {
		var err error
		results, usage, err = e.search.Search(ctx, query)
		return err
	})
	if err != nil {
		return Failed(err)
	}

	prompt, err := e.interp.Compose(req.Step.Config.Prompt, scope)
	if err != nil {
		return Failed(err)
	}
	if results != "" {
		prompt += "\n\nSearch results:\n" + results
	}
	return generate(ctx, e.gen, e.breakers, req, prompt, usage)
}

// --- image_generation ---

// ImageExecutor writes a generated image URL to the step's single output
// field.
type ImageExecutor struct {
	images   backends.ImageGenerator
	interp   *expressions.Interpolator
	breakers *CircuitBreakerRegistry
}

func NewImageExecutor(images backends.ImageGenerator, interp *expressions.Interpolator, breakers *CircuitBreakerRegistry) *ImageExecutor {
	return &ImageExecutor{images: images, interp: interp, breakers: breakers}
}

func (e *ImageExecutor) Type() schema.StepType { return schema.StepTypeImageGeneration }

func (e *ImageExecutor) Execute(ctx context.Context, req StepRequest) StepOutcome {
	if e.images == nil {
		return Failed(schema.NewError(schema.ErrCodeConfiguration, "no image backend configured"))
	}
	outputs := req.Step.Config.OutputFields
	if len(outputs) != 1 {
		return Failed(schema.NewErrorf(schema.ErrCodeConfiguration,
			"image_generation step must declare exactly one output field, got %d", len(outputs)))
	}
	prompt, err := e.interp.Compose(req.Step.Config.Prompt, promptScope(req))
	if err != nil {
		return Failed(err)
	}

	var url string
	var usage backends.Usage
	err = e.breakers.Call(circuitKey(circuitImage, req.AgentID), func() error {
		var err error
		url, usage, err = e.images.GenerateImage(ctx, prompt)
		return err
	})
	if err != nil {
		return Failed(err)
	}
	return Succeeded(map[string]any{outputs[0]: url}, usage)
}

// --- custom ---

// CustomExecutor checks credentials, then evaluates the step's code over the
// structured input map with the step's language engine.
type CustomExecutor struct {
	engines expressions.Engines
	creds   CredentialChecker
}

func NewCustomExecutor(engines expressions.Engines, creds CredentialChecker) *CustomExecutor {
	return &CustomExecutor{engines: engines, creds: creds}
}

func (e *CustomExecutor) Type() schema.StepType { return schema.StepTypeCustom }

func (e *CustomExecutor) Execute(ctx context.Context, req StepRequest) StepOutcome {
	auth, err := missingCredential(ctx, e.creds, req.AgentID, req.Step, req.Model)
	if err != nil {
		return Failed(err)
	}
	if auth != nil {
		return NeedsAuth(*auth)
	}

	cfg := req.Step.Config
	if cfg.Code == "" {
		return Failed(schema.NewError(schema.ErrCodeConfiguration, "custom step has no code"))
	}
	eng, err := e.engines.Get(cfg.Language)
	if err != nil {
		return Failed(err)
	}

	result, err := eng.Evaluate(ctx, cfg.Code, req.Input.Values)
	if err != nil {
		return Failed(err)
	}

	switch v := result.(type) {
	case map[string]any:
		return Succeeded(v, backends.Usage{})
	default:
		if len(cfg.OutputFields) == 1 {
			return Succeeded(map[string]any{cfg.OutputFields[0]: v}, backends.Usage{})
		}
		return Failed(schema.NewError(schema.ErrCodeExecutor,
			fmt.Sprintf("custom step returned %T, expected an object of output fields", result)))
	}
}

func addUsage(a, b backends.Usage) backends.Usage {
	return backends.Usage{
		PromptTokens:     a.PromptTokens + b.PromptTokens,
		CompletionTokens: a.CompletionTokens + b.CompletionTokens,
		TotalTokens:      a.TotalTokens + b.TotalTokens,
	}
}

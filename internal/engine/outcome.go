package engine

import (
	"github.com/rendis/stepflow/internal/backends"
	"github.com/rendis/stepflow/pkg/schema"
)

// OutcomeKind tags the variant carried by a StepOutcome.
type OutcomeKind int

const (
	OutcomeOK OutcomeKind = iota
	OutcomeNeedsAuth
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeNeedsAuth:
		return "needs_auth"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// AuthRequest is what a step reports when it cannot proceed without a
// third-party credential.
type AuthRequest struct {
	Provider         string
	Scopes           []string
	OutputField      string
	RequiresExisting bool
}

// StepOutcome is the result of one step execution. Exactly one of Fields,
// Auth or Err is meaningful, selected by Kind.
type StepOutcome struct {
	Kind   OutcomeKind
	Fields map[string]any
	Auth   *AuthRequest
	Err    *schema.StepflowError
	Usage  backends.Usage
}

// Succeeded wraps produced fields.
func Succeeded(fields map[string]any, usage backends.Usage) StepOutcome {
	return StepOutcome{Kind: OutcomeOK, Fields: fields, Usage: usage}
}

// NeedsAuth wraps a credential request.
func NeedsAuth(req AuthRequest) StepOutcome {
	return StepOutcome{Kind: OutcomeNeedsAuth, Auth: &req}
}

// Failed wraps an error, defaulting its code to EXECUTOR_ERROR.
func Failed(err error) StepOutcome {
	if err == nil {
		err = schema.NewError(schema.ErrCodeExecutor, "step failed")
	}
	return StepOutcome{Kind: OutcomeFailed, Err: schema.AsError(err, schema.ErrCodeExecutor)}
}

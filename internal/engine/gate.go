package engine

import (
	"context"

	"github.com/rendis/stepflow/internal/credentials"
	"github.com/rendis/stepflow/pkg/schema"
)

// CredentialChecker reports whether an agent holds a provider credential.
// Satisfied by *credentials.Store.
type CredentialChecker interface {
	HasCredential(ctx context.Context, agentID, provider string) (bool, error)
}

// GateContext identifies the run a suspended step belongs to.
type GateContext struct {
	AgentID  string
	RecordID string
	ActionID string
	StepID   string
}

// Gate turns a NeedsAuth outcome into the payload surfaced to callers, or
// returns nil for any other outcome. It holds no state: the same step is
// gated again on every invocation until the credential exists.
func Gate(out StepOutcome, gc GateContext) *schema.OAuthRequirement {
	if out.Kind != OutcomeNeedsAuth || out.Auth == nil {
		return nil
	}
	return &schema.OAuthRequirement{
		Provider:         out.Auth.Provider,
		Scopes:           append([]string(nil), out.Auth.Scopes...),
		OutputField:      out.Auth.OutputField,
		RequiresExisting: out.Auth.RequiresExisting,
		AgentID:          gc.AgentID,
		RecordID:         gc.RecordID,
		ActionID:         gc.ActionID,
		StepID:           gc.StepID,
	}
}

// missingCredential returns the first detected or declared credential the
// agent lacks, in provider order, or nil when all are present.
func missingCredential(ctx context.Context, checker CredentialChecker, agentID string, step schema.Step, model *schema.Model) (*AuthRequest, error) {
	reqs := credentials.RequirementsFor(step)
	if len(reqs) == 0 {
		return nil, nil
	}
	if checker == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "step requires credentials but no credential store is configured").
			WithStep(step.ID)
	}

	for _, r := range reqs {
		ok, err := checker.HasCredential(ctx, agentID, string(r.Provider))
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeVault, "check %s credential: %s", r.Provider, err.Error()).
				WithStep(step.ID).WithCause(err)
		}
		if ok {
			continue
		}

		req := &AuthRequest{Provider: string(r.Provider), Scopes: r.Scopes}
		if len(step.Config.OutputFields) > 0 {
			req.OutputField = step.Config.OutputFields[0]
			if f, ok := model.Field(req.OutputField); ok && f.ReferenceType == schema.ReferenceToOne {
				req.RequiresExisting = true
			}
		}
		return req, nil
	}
	return nil, nil
}

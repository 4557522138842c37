package expressions

import (
	"context"
	"fmt"

	"github.com/rendis/stepflow/pkg/schema"
)

// Engine evaluates a custom step's procedure over its input map.
// Three implementations: Expr (default), CEL, GoJQ.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Engines maps a custom step language to its engine.
type Engines map[string]Engine

// NewEngines builds the default engine set.
func NewEngines() (Engines, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("init cel engine: %w", err)
	}
	return Engines{
		schema.LanguageExpr: NewExprEngine(),
		schema.LanguageCEL:  celEngine,
		schema.LanguageJQ:   NewGoJQEngine(),
	}, nil
}

// Get returns the engine for language; an empty language selects expr.
func (e Engines) Get(language string) (Engine, error) {
	if language == "" {
		language = schema.LanguageExpr
	}
	eng, ok := e[language]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "unsupported custom step language %q", language)
	}
	return eng, nil
}

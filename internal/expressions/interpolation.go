package expressions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/stepflow/pkg/schema"
)

// PromptScope holds the data a step prompt may reference.
type PromptScope struct {
	Inputs  map[string]any // resolved step inputs
	Record  map[string]any // running record snapshot
	Context string         // rendered input context block
}

// Interpolator renders step prompts. Two token forms are recognized:
//
//	${{inputs.a.b}} ${{record.a}} ${{context}}   namespaced references
//	{{field}}                                      shorthand for inputs, then record
//
// Missing values render as empty strings; unknown namespaces are errors.
type Interpolator struct{}

// NewInterpolator creates an Interpolator.
func NewInterpolator() *Interpolator { return &Interpolator{} }

// Compose renders prompt and appends the context block under an "Input:"
// heading unless the prompt already placed it with ${{context}}.
func (interp *Interpolator) Compose(prompt string, scope PromptScope) (string, error) {
	rendered, usedContext, err := interp.render(prompt, scope)
	if err != nil {
		return "", err
	}
	if usedContext || scope.Context == "" {
		return rendered, nil
	}
	if rendered == "" {
		return "Input:\n" + scope.Context, nil
	}
	return rendered + "\n\nInput:\n" + scope.Context, nil
}

// Render substitutes every token in prompt.
func (interp *Interpolator) Render(prompt string, scope PromptScope) (string, error) {
	out, _, err := interp.render(prompt, scope)
	return out, err
}

func (interp *Interpolator) render(input string, scope PromptScope) (string, bool, error) {
	var b strings.Builder
	b.Grow(len(input))
	usedContext := false

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "{{")
		if idx == -1 {
			b.WriteString(input[i:])
			break
		}
		open := i + idx
		namespaced := open > 0 && input[open-1] == '$'
		if namespaced {
			b.WriteString(input[i : open-1])
		} else {
			b.WriteString(input[i:open])
		}

		start := open + 2
		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return "", false, schema.NewError(schema.ErrCodeInterpolation, "unclosed {{ in prompt")
		}
		end += start

		ref := strings.TrimSpace(input[start:end])
		if ref == "" {
			return "", false, schema.NewError(schema.ErrCodeInterpolation, "empty reference {{ }} in prompt")
		}
		if strings.Contains(ref, "{{") {
			return "", false, schema.NewError(schema.ErrCodeInterpolation, "nested interpolation not allowed in prompt")
		}

		var val any
		if namespaced {
			v, isContext, err := resolveNamespaced(ref, scope)
			if err != nil {
				return "", false, err
			}
			usedContext = usedContext || isContext
			val = v
		} else {
			val = resolveShorthand(ref, scope)
		}
		b.WriteString(inline(val))
		i = end + 2
	}
	return b.String(), usedContext, nil
}

func resolveNamespaced(ref string, scope PromptScope) (any, bool, error) {
	namespace, path, _ := strings.Cut(ref, ".")
	switch namespace {
	case "context":
		if path != "" {
			return nil, false, schema.NewErrorf(schema.ErrCodeInterpolation, "context takes no path, got ${{%s}}", ref)
		}
		return scope.Context, true, nil
	case "inputs":
		return lookup(scope.Inputs, path), false, nil
	case "record":
		return lookup(scope.Record, path), false, nil
	}
	available := []string{"inputs", "record", "context"}
	return nil, false, schema.NewErrorf(schema.ErrCodeInterpolation,
		"unknown namespace %q in ${{%s}}; available: %s", namespace, ref, strings.Join(available, ", ")).
		WithDetails(map[string]any{"expression": ref, "available_namespaces": available})
}

func resolveShorthand(ref string, scope PromptScope) any {
	if v := lookup(scope.Inputs, ref); v != nil {
		return v
	}
	return lookup(scope.Record, ref)
}

// lookup walks a dotted path through nested maps. Missing segments yield nil.
func lookup(m map[string]any, path string) any {
	if path == "" {
		if m == nil {
			return nil
		}
		return m
	}
	var cur any = m
	for _, seg := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = obj[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

// inline renders a value for embedding in prompt text.
func inline(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
	return fmt.Sprint(v)
}

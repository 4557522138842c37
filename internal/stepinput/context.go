// Package stepinput assembles the input a step sees from the running
// snapshot of a record.
package stepinput

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/stepflow/pkg/schema"
)

// RecordLoader resolves to_one references.
type RecordLoader interface {
	GetRecord(ctx context.Context, id string) (*schema.Record, error)
}

// Params holds the inputs needed to build a step's input context.
type Params struct {
	InputFields []string
	Snapshot    map[string]any
	Model       *schema.Model
	Agent       *schema.Agent
	Records     RecordLoader
}

// Context is what a step receives as input.
type Context struct {
	// Block is the ordered textual context handed to AI-backed steps.
	Block string
	// Lines are the individual lines of Block.
	Lines []string
	// Values is the structured input map handed to custom steps, with
	// to_one references replaced by the referenced record's data.
	Values map[string]any
}

// Build produces one line per input field in declaration order, formatted as
// `name (type[, relationship]): value`. A to_one reference whose target can
// be loaded is inlined with the target's data; otherwise the raw id is kept.
func Build(ctx context.Context, p Params) (*Context, error) {
	out := &Context{Values: make(map[string]any, len(p.InputFields))}

	for _, name := range p.InputFields {
		value, present := p.Snapshot[name]
		f, declared := p.Model.Field(name)

		var kind string
		switch {
		case declared && f.IsReference():
			kind = fmt.Sprintf("reference, %s -> %s", f.ReferenceType, targetName(p.Agent, f.ReferencesModel))
		case declared:
			kind = string(f.Type)
		default:
			kind = inferType(value)
		}

		if declared && f.IsReference() && f.ReferenceType == schema.ReferenceToOne && p.Records != nil {
			if id, ok := value.(string); ok && id != "" {
				resolved, err := resolve(ctx, p.Records, id)
				if err != nil {
					return nil, err
				}
				if resolved != nil {
					value = resolved
				}
			}
		}

		if present {
			out.Values[name] = value
		}
		out.Lines = append(out.Lines, fmt.Sprintf("%s (%s): %s", name, kind, render(value, present)))
	}

	out.Block = strings.Join(out.Lines, "\n")
	return out, nil
}

func resolve(ctx context.Context, loader RecordLoader, id string) (map[string]any, error) {
	rec, err := loader.GetRecord(ctx, id)
	if schema.IsCode(err, schema.ErrCodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "resolve referenced record %q", id).WithCause(err)
	}
	if rec.Deleted() {
		return nil, nil
	}
	inlined := make(map[string]any, len(rec.Data)+1)
	for k, v := range rec.Data {
		inlined[k] = v
	}
	inlined["id"] = rec.ID
	return inlined, nil
}

func targetName(agent *schema.Agent, ref string) string {
	if m, ok := agent.Model(ref); ok {
		return m.Name
	}
	return ref
}

func inferType(v any) string {
	switch v.(type) {
	case string:
		return string(schema.FieldText)
	case bool:
		return string(schema.FieldBoolean)
	case int, int32, int64, float32, float64, json.Number:
		return string(schema.FieldNumber)
	case nil:
		return "unknown"
	}
	return string(schema.FieldJSON)
}

func render(v any, present bool) string {
	if !present || v == nil {
		return "(empty)"
	}
	switch t := v.(type) {
	case string:
		return t
	case bool, int, int32, int64, float32, float64, json.Number:
		return fmt.Sprint(t)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

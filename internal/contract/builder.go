// Package contract turns a step's declared output fields into a JSON Schema
// contract derived from the target model, and validates step output against it.
package contract

import (
	"encoding/json"
	"log/slog"

	"github.com/rendis/stepflow/pkg/schema"
)

// DatePattern constrains date fields to YYYY-MM-DD.
const DatePattern = `^\d{4}-\d{2}-\d{2}$`

const draft = "https://json-schema.org/draft/2020-12/schema"

// Contract is the structural contract a step's output must satisfy.
type Contract struct {
	// Schema is a JSON Schema 2020-12 document describing an object whose
	// properties are the step's output fields.
	Schema map[string]any
	// Fields lists the declared output field names in declaration order.
	Fields []string
	// Gaps lists output fields not declared on the model; they fall back to
	// an open string contract.
	Gaps []string
}

// JSON returns the schema document as bytes.
func (c *Contract) JSON() ([]byte, error) {
	return json.Marshal(c.Schema)
}

// Builder builds output contracts.
type Builder struct {
	logger *slog.Logger
}

// NewBuilder creates a Builder. A nil logger falls back to slog.Default.
func NewBuilder(logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{logger: logger}
}

// Build derives the contract for outputFields from model. agent resolves
// reference targets and may be nil when the model has no references.
// Unknown fields never abort the build.
func (b *Builder) Build(outputFields []string, model *schema.Model, agent *schema.Agent) *Contract {
	c := &Contract{Fields: append([]string(nil), outputFields...)}
	props := make(map[string]any, len(outputFields))
	required := make([]string, 0, len(outputFields))

	var path []string
	if model != nil {
		path = []string{model.ID}
	}

	for _, name := range outputFields {
		if _, dup := props[name]; dup {
			continue
		}
		required = append(required, name)

		f, ok := model.Field(name)
		if !ok {
			c.Gaps = append(c.Gaps, name)
			props[name] = map[string]any{"type": "string"}
			b.logger.Warn("output field not declared on model, using open string contract",
				slog.String("field", name), slog.String("model", modelName(model)))
			continue
		}
		props[name] = b.fieldContract(f, agent, path)
	}

	c.Schema = map[string]any{
		"$schema":              draft,
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
	return c
}

// fieldContract maps one field to its JSON Schema fragment. path holds the
// IDs of models already being expanded, outermost first.
func (b *Builder) fieldContract(f schema.Field, agent *schema.Agent, path []string) map[string]any {
	var out map[string]any
	switch f.Type {
	case schema.FieldText:
		out = map[string]any{"type": "string"}
	case schema.FieldNumber:
		out = map[string]any{"type": "number"}
	case schema.FieldBoolean:
		out = map[string]any{"type": "boolean"}
	case schema.FieldDate:
		out = map[string]any{"type": "string", "format": "date", "pattern": DatePattern}
	case schema.FieldJSON:
		out = map[string]any{}
	case schema.FieldEnum:
		values := make([]any, len(f.EnumValues))
		for i, v := range f.EnumValues {
			values[i] = v
		}
		out = map[string]any{"type": "string", "enum": values}
	case schema.FieldImageURL:
		out = map[string]any{"type": "string", "format": "uri"}
	case schema.FieldReference:
		out = b.referenceContract(f, agent, path)
	default:
		out = map[string]any{"type": "string"}
	}
	if desc := describe(f); desc != "" {
		out["description"] = desc
	}
	return out
}

func (b *Builder) referenceContract(f schema.Field, agent *schema.Agent, path []string) map[string]any {
	if f.ReferenceType != schema.ReferenceToMany {
		// to_one selects an existing record by id.
		return map[string]any{"type": "string", "minLength": 1}
	}

	target, ok := agent.Model(f.ReferencesModel)
	if !ok {
		b.logger.Warn("reference target model not found, using open object contract",
			slog.String("field", f.Name), slog.String("model", f.ReferencesModel))
		return map[string]any{"type": "object"}
	}

	nextPath := append(append([]string(nil), path...), target.ID)
	props := make(map[string]any, len(target.Fields))
	required := []string{}
	for _, tf := range target.Fields {
		if tf.IsReference() && onPath(agent, tf.ReferencesModel, nextPath) {
			continue
		}
		props[tf.Name] = b.fieldContract(tf, agent, nextPath)
		if tf.Required {
			required = append(required, tf.Name)
		}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

// onPath reports whether ref resolves to a model currently being expanded.
func onPath(agent *schema.Agent, ref string, path []string) bool {
	id := ref
	if m, ok := agent.Model(ref); ok {
		id = m.ID
	}
	for _, p := range path {
		if p == id {
			return true
		}
	}
	return false
}

func describe(f schema.Field) string {
	if f.Description != "" {
		return f.Description
	}
	return f.Title
}

func modelName(m *schema.Model) string {
	if m == nil {
		return ""
	}
	return m.Name
}

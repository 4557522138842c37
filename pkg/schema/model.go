package schema

import (
	"fmt"
	"time"
)

// FieldType is the closed set of value types a model field can hold.
type FieldType string

const (
	FieldText      FieldType = "text"
	FieldNumber    FieldType = "number"
	FieldBoolean   FieldType = "boolean"
	FieldDate      FieldType = "date"
	FieldJSON      FieldType = "json"
	FieldEnum      FieldType = "enum"
	FieldImageURL  FieldType = "image_url"
	FieldReference FieldType = "reference"
)

// Valid reports whether t is a known field type.
func (t FieldType) Valid() bool {
	switch t {
	case FieldText, FieldNumber, FieldBoolean, FieldDate, FieldJSON, FieldEnum, FieldImageURL, FieldReference:
		return true
	}
	return false
}

// ReferenceType describes the cardinality of a reference field.
type ReferenceType string

const (
	ReferenceToOne  ReferenceType = "to_one"
	ReferenceToMany ReferenceType = "to_many"
)

// Field declares one column of a model.
type Field struct {
	Name            string        `json:"name"`
	Title           string        `json:"title,omitempty"`
	Type            FieldType     `json:"type"`
	Required        bool          `json:"required,omitempty"`
	Description     string        `json:"description,omitempty"`
	EnumValues      []string      `json:"enumValues,omitempty"`
	ReferenceType   ReferenceType `json:"referenceType,omitempty"`
	ReferencesModel string        `json:"referencesModel,omitempty"`
}

// IsReference reports whether the field points at another model.
func (f Field) IsReference() bool { return f.Type == FieldReference }

// Validate checks the structural invariants of a single field.
func (f Field) Validate() error {
	if f.Name == "" {
		return NewError(ErrCodeConfiguration, "field name is empty")
	}
	if !f.Type.Valid() {
		return NewErrorf(ErrCodeConfiguration, "field %q has unknown type %q", f.Name, f.Type)
	}
	hasRef := f.ReferenceType != "" || f.ReferencesModel != ""
	switch {
	case f.Type == FieldReference:
		if f.ReferenceType != ReferenceToOne && f.ReferenceType != ReferenceToMany {
			return NewErrorf(ErrCodeConfiguration, "reference field %q needs referenceType to_one or to_many", f.Name)
		}
		if f.ReferencesModel == "" {
			return NewErrorf(ErrCodeConfiguration, "reference field %q needs referencesModel", f.Name)
		}
	case hasRef:
		return NewErrorf(ErrCodeConfiguration, "field %q of type %s cannot carry reference metadata", f.Name, f.Type)
	}
	if f.Type == FieldEnum && len(f.EnumValues) == 0 {
		return NewErrorf(ErrCodeConfiguration, "enum field %q has no enumValues", f.Name)
	}
	return nil
}

// Form is a named subset of a model's fields used for user input.
type Form struct {
	Name   string   `json:"name"`
	Title  string   `json:"title,omitempty"`
	Fields []string `json:"fields"`
}

// Model is a named collection of fields owned by an agent.
type Model struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agentId"`
	Name      string    `json:"name"`
	Fields    []Field   `json:"fields"`
	Forms     []Form    `json:"forms,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Field looks up a field by name.
func (m *Model) Field(name string) (Field, bool) {
	if m == nil {
		return Field{}, false
	}
	for _, f := range m.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Validate checks every field and rejects duplicate names.
func (m *Model) Validate() error {
	seen := make(map[string]struct{}, len(m.Fields))
	for _, f := range m.Fields {
		if err := f.Validate(); err != nil {
			return err
		}
		if _, dup := seen[f.Name]; dup {
			return NewErrorf(ErrCodeConfiguration, "model %q declares field %q twice", m.Name, f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	return nil
}

// Agent owns a set of models, actions and schedules.
type Agent struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Name      string    `json:"name"`
	Models    []Model   `json:"models,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Model resolves a model by ID, falling back to name.
func (a *Agent) Model(ref string) (*Model, bool) {
	if a == nil {
		return nil, false
	}
	for i := range a.Models {
		if a.Models[i].ID == ref {
			return &a.Models[i], true
		}
	}
	for i := range a.Models {
		if a.Models[i].Name == ref {
			return &a.Models[i], true
		}
	}
	return nil, false
}

// Record is one instance of a model's data. Records are soft-deleted only.
type Record struct {
	ID        string         `json:"id"`
	ModelID   string         `json:"modelId"`
	Data      map[string]any `json:"data"`
	Version   int64          `json:"version"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt *time.Time     `json:"deletedAt,omitempty"`
}

// Deleted reports whether the record has been soft-deleted.
func (r *Record) Deleted() bool { return r != nil && r.DeletedAt != nil }

// String implements fmt.Stringer for log output.
func (r *Record) String() string {
	return fmt.Sprintf("record(%s/%s v%d)", r.ModelID, r.ID, r.Version)
}

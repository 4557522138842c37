package contract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func ownerAgent() *schema.Agent {
	owner := schema.Model{
		ID: "m-owner", Name: "Owner",
		Fields: []schema.Field{
			{Name: "fullName", Type: schema.FieldText, Required: true},
			{Name: "pets", Type: schema.FieldReference, ReferenceType: schema.ReferenceToMany, ReferencesModel: "Pet"},
		},
	}
	visit := schema.Model{
		ID: "m-visit", Name: "Visit",
		Fields: []schema.Field{
			{Name: "date", Type: schema.FieldDate, Required: true},
			{Name: "notes", Type: schema.FieldText},
			{Name: "pet", Type: schema.FieldReference, ReferenceType: schema.ReferenceToOne, ReferencesModel: "m-pet"},
			{Name: "vet", Type: schema.FieldReference, ReferenceType: schema.ReferenceToOne, ReferencesModel: "Owner"},
		},
	}
	pet := schema.Model{
		ID: "m-pet", Name: "Pet",
		Fields: []schema.Field{
			{Name: "name", Type: schema.FieldText, Required: true},
			{Name: "age", Type: schema.FieldNumber},
			{Name: "vaccinated", Type: schema.FieldBoolean},
			{Name: "birthday", Type: schema.FieldDate},
			{Name: "species", Type: schema.FieldEnum, EnumValues: []string{"dog", "cat"}},
			{Name: "photo", Type: schema.FieldImageURL},
			{Name: "extra", Type: schema.FieldJSON},
			{Name: "owner", Type: schema.FieldReference, ReferenceType: schema.ReferenceToOne, ReferencesModel: "Owner"},
			{Name: "visits", Type: schema.FieldReference, ReferenceType: schema.ReferenceToMany, ReferencesModel: "Visit"},
			{Name: "household", Type: schema.FieldReference, ReferenceType: schema.ReferenceToMany, ReferencesModel: "Owner"},
		},
	}
	return &schema.Agent{ID: "ag", Models: []schema.Model{owner, visit, pet}}
}

func props(t *testing.T, s map[string]any) map[string]any {
	t.Helper()
	p, ok := s["properties"].(map[string]any)
	require.True(t, ok)
	return p
}

func TestBuild_ScalarFields(t *testing.T) {
	agent := ownerAgent()
	pet, _ := agent.Model("Pet")

	c := NewBuilder(nil).Build([]string{"name", "age", "vaccinated", "birthday", "species", "photo", "extra"}, pet, agent)

	p := props(t, c.Schema)
	assert.Equal(t, map[string]any{"type": "string"}, p["name"])
	assert.Equal(t, "number", p["age"].(map[string]any)["type"])
	assert.Equal(t, "boolean", p["vaccinated"].(map[string]any)["type"])
	assert.Equal(t, DatePattern, p["birthday"].(map[string]any)["pattern"])
	assert.Equal(t, []any{"dog", "cat"}, p["species"].(map[string]any)["enum"])
	assert.Equal(t, "uri", p["photo"].(map[string]any)["format"])
	assert.Equal(t, map[string]any{}, p["extra"])

	assert.Equal(t, []string{"name", "age", "vaccinated", "birthday", "species", "photo", "extra"}, c.Schema["required"],
		"declared outputs are always required")
	assert.Equal(t, false, c.Schema["additionalProperties"])
	assert.Empty(t, c.Gaps)
}

func TestBuild_UnknownFieldIsOpenString(t *testing.T) {
	agent := ownerAgent()
	pet, _ := agent.Model("Pet")

	c := NewBuilder(nil).Build([]string{"healthAnalysis"}, pet, agent)
	assert.Equal(t, []string{"healthAnalysis"}, c.Gaps)
	assert.Equal(t, map[string]any{"type": "string"}, props(t, c.Schema)["healthAnalysis"])
}

func TestBuild_ToOneIsRecordID(t *testing.T) {
	agent := ownerAgent()
	pet, _ := agent.Model("Pet")

	c := NewBuilder(nil).Build([]string{"owner"}, pet, agent)
	assert.Equal(t, map[string]any{"type": "string", "minLength": 1}, props(t, c.Schema)["owner"])
}

func TestBuild_ToManyExcludesBackReferences(t *testing.T) {
	agent := ownerAgent()
	pet, _ := agent.Model("Pet")

	c := NewBuilder(nil).Build([]string{"visits"}, pet, agent)
	visits := props(t, c.Schema)["visits"].(map[string]any)
	assert.Equal(t, "object", visits["type"])

	vp := props(t, visits)
	assert.Contains(t, vp, "date")
	assert.Contains(t, vp, "notes")
	assert.Contains(t, vp, "vet", "references to models off the path are kept")
	assert.NotContains(t, vp, "pet", "back-reference to the original model is omitted")
	assert.Equal(t, []string{"date"}, visits["required"])
}

func TestBuild_MutualToManyTerminates(t *testing.T) {
	agent := ownerAgent()
	pet, _ := agent.Model("Pet")

	// Pet.household -> Owner (to_many), Owner.pets -> Pet (to_many): a cycle.
	c := NewBuilder(nil).Build([]string{"household"}, pet, agent)
	household := props(t, c.Schema)["household"].(map[string]any)
	hp := props(t, household)
	assert.Contains(t, hp, "fullName")
	assert.NotContains(t, hp, "pets")
}

func TestBuild_NilModel(t *testing.T) {
	c := NewBuilder(nil).Build([]string{"a", "a"}, nil, nil)
	assert.Equal(t, []string{"a"}, c.Gaps)
	assert.Equal(t, []string{"a"}, c.Schema["required"])
	assert.Equal(t, []string{"a", "a"}, c.Fields)
}

package stepinput

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

type fakeRecords map[string]*schema.Record

func (f fakeRecords) GetRecord(_ context.Context, id string) (*schema.Record, error) {
	if r, ok := f[id]; ok {
		return r, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "record %q not found", id)
}

type brokenRecords struct{}

func (brokenRecords) GetRecord(context.Context, string) (*schema.Record, error) {
	return nil, errors.New("disk on fire")
}

func petFixture() (*schema.Model, *schema.Agent) {
	pet := schema.Model{
		ID: "m-pet", Name: "Pet",
		Fields: []schema.Field{
			{Name: "name", Type: schema.FieldText},
			{Name: "age", Type: schema.FieldNumber},
			{Name: "owner", Type: schema.FieldReference, ReferenceType: schema.ReferenceToOne, ReferencesModel: "m-owner"},
		},
	}
	owner := schema.Model{ID: "m-owner", Name: "Owner", Fields: []schema.Field{{Name: "fullName", Type: schema.FieldText}}}
	agent := &schema.Agent{Models: []schema.Model{pet, owner}}
	m, _ := agent.Model("m-pet")
	return m, agent
}

func TestBuild_LinesInDeclarationOrder(t *testing.T) {
	model, agent := petFixture()
	out, err := Build(context.Background(), Params{
		InputFields: []string{"age", "name", "healthAnalysis", "missing"},
		Snapshot:    map[string]any{"name": "Rex", "age": 4.0, "healthAnalysis": "sore paw"},
		Model:       model,
		Agent:       agent,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"age (number): 4",
		"name (text): Rex",
		"healthAnalysis (text): sore paw",
		"missing (unknown): (empty)",
	}, out.Lines)
	assert.Equal(t, "age (number): 4\nname (text): Rex\nhealthAnalysis (text): sore paw\nmissing (unknown): (empty)", out.Block)
	assert.NotContains(t, out.Values, "missing")
	assert.Equal(t, "sore paw", out.Values["healthAnalysis"])
}

func TestBuild_InlinesToOneReference(t *testing.T) {
	model, agent := petFixture()
	records := fakeRecords{"o1": {ID: "o1", ModelID: "m-owner", Data: map[string]any{"fullName": "Ada"}}}

	out, err := Build(context.Background(), Params{
		InputFields: []string{"owner"},
		Snapshot:    map[string]any{"owner": "o1"},
		Model:       model, Agent: agent, Records: records,
	})
	require.NoError(t, err)
	assert.Equal(t, `owner (reference, to_one -> Owner): {"fullName":"Ada","id":"o1"}`, out.Lines[0])
	assert.Equal(t, map[string]any{"fullName": "Ada", "id": "o1"}, out.Values["owner"])
}

func TestBuild_UnresolvableReferenceKeepsID(t *testing.T) {
	model, agent := petFixture()
	deleted := time.Now()
	records := fakeRecords{"gone": {ID: "gone", DeletedAt: &deleted}}

	for _, id := range []string{"o404", "gone"} {
		out, err := Build(context.Background(), Params{
			InputFields: []string{"owner"},
			Snapshot:    map[string]any{"owner": id},
			Model:       model, Agent: agent, Records: records,
		})
		require.NoError(t, err)
		assert.Equal(t, id, out.Values["owner"])
	}
}

func TestBuild_StoreFailure(t *testing.T) {
	model, agent := petFixture()
	_, err := Build(context.Background(), Params{
		InputFields: []string{"owner"},
		Snapshot:    map[string]any{"owner": "o1"},
		Model:       model, Agent: agent, Records: brokenRecords{},
	})
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
}

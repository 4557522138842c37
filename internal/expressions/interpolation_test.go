package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func TestInterpolator_Render(t *testing.T) {
	interp := NewInterpolator()
	scope := PromptScope{
		Inputs:  map[string]any{"healthStatus": "limping", "owner": map[string]any{"fullName": "Ada"}},
		Record:  map[string]any{"name": "Rex"},
		Context: "healthStatus (text): limping",
	}

	tests := []struct {
		prompt string
		want   string
	}{
		{"Analyze {{healthStatus}}", "Analyze limping"},
		{"Pet {{name}}", "Pet Rex"},
		{"Owner ${{inputs.owner.fullName}}", "Owner Ada"},
		{"Name ${{record.name}}!", "Name Rex!"},
		{"Missing [${{inputs.nope}}]", "Missing []"},
		{"Obj ${{inputs.owner}}", `Obj {"fullName":"Ada"}`},
		{"no tokens", "no tokens"},
		{"cost $5 {{ name }}", "cost $5 Rex"},
	}
	for _, tt := range tests {
		got, err := interp.Render(tt.prompt, scope)
		require.NoError(t, err, tt.prompt)
		assert.Equal(t, tt.want, got)
	}
}

func TestInterpolator_Errors(t *testing.T) {
	interp := NewInterpolator()
	for _, prompt := range []string{"${{secrets.key}}", "{{unclosed", "{{ }}", "${{context.x}}"} {
		_, err := interp.Render(prompt, PromptScope{})
		assert.True(t, schema.IsCode(err, schema.ErrCodeInterpolation), prompt)
	}
}

func TestInterpolator_Compose(t *testing.T) {
	interp := NewInterpolator()
	scope := PromptScope{Context: "healthStatus (text): limping"}

	got, err := interp.Compose("Analyze the pet.", scope)
	require.NoError(t, err)
	assert.Equal(t, "Analyze the pet.\n\nInput:\nhealthStatus (text): limping", got)

	got, err = interp.Compose("Data:\n${{context}}\nEnd", scope)
	require.NoError(t, err)
	assert.Equal(t, "Data:\nhealthStatus (text): limping\nEnd", got)

	got, err = interp.Compose("", scope)
	require.NoError(t, err)
	assert.Equal(t, "Input:\nhealthStatus (text): limping", got)
}

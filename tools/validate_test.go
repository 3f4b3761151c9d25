package tools_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepwise/agentrun/tools"
)

func TestValidateArgumentsNoSchemaSkipsValidation(t *testing.T) {
	err := tools.ValidateArguments(tools.Definition{Name: "noop"}, map[string]any{"anything": true})
	require.NoError(t, err)
}

func TestValidateArgumentsRejectsMissingRequiredField(t *testing.T) {
	def := tools.Definition{
		Name: "search",
		Schema: []byte(`{
			"type": "object",
			"properties": {"query": {"type": "string"}},
			"required": ["query"]
		}`),
	}
	err := tools.ValidateArguments(def, map[string]any{})
	assert.Error(t, err)
}

func TestValidateArgumentsAcceptsConformingArguments(t *testing.T) {
	def := tools.Definition{
		Name: "search",
		Schema: []byte(`{
			"type": "object",
			"properties": {"query": {"type": "string"}},
			"required": ["query"]
		}`),
	}
	err := tools.ValidateArguments(def, map[string]any{"query": "weather in nyc"})
	require.NoError(t, err)
}

func TestStaticDefinitionsLookup(t *testing.T) {
	defs := tools.StaticDefinitions{"search": {Name: "search"}}
	d, ok := defs.Lookup("search")
	require.True(t, ok)
	assert.Equal(t, "search", d.Name)

	_, ok = defs.Lookup("missing")
	assert.False(t, ok)
}

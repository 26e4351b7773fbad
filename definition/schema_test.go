package definition

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func schemaConfig() Config {
	cfg := validConfig()
	cfg.Schemas = []SchemaConfig{
		{
			Element: ElementWorkflow,
			Action:  ActionInitialize,
			Schema:  json.RawMessage(`{"type":"object","required":["customer"],"properties":{"customer":{"type":"string"}}}`),
		},
		{
			Element: ElementWorkItem,
			Name:    "approve",
			Action:  ActionComplete,
			Schema:  json.RawMessage(`{"type":"object","required":["verdict"],"properties":{"verdict":{"enum":["yes","no"]}}}`),
		},
	}
	return cfg
}

func TestValidatePayload(t *testing.T) {
	def, err := New(schemaConfig())
	require.NoError(t, err)

	t.Run("matching payload", func(t *testing.T) {
		err := def.ValidatePayload(ElementWorkflow, "", ActionInitialize, json.RawMessage(`{"customer":"acme"}`))
		assert.NoError(t, err)
	})

	t.Run("missing required field", func(t *testing.T) {
		err := def.ValidatePayload(ElementWorkflow, "", ActionInitialize, json.RawMessage(`{}`))
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		require.NotEmpty(t, ve.Fields)
		assert.NotEmpty(t, ve.Fields[0].Path)
		assert.NotEmpty(t, ve.Fields[0].Message)
	})

	t.Run("wrong type reports field path", func(t *testing.T) {
		err := def.ValidatePayload(ElementWorkflow, "", ActionInitialize, json.RawMessage(`{"customer":12}`))
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		require.NotEmpty(t, ve.Fields)
		assert.Equal(t, "/customer", ve.Fields[0].Path)
	})

	t.Run("work item schema keyed by name and action", func(t *testing.T) {
		err := def.ValidatePayload(ElementWorkItem, "approve", ActionComplete, json.RawMessage(`{"verdict":"maybe"}`))
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)

		// Other actions of the same item carry no schema.
		assert.NoError(t, def.ValidatePayload(ElementWorkItem, "approve", ActionStart, json.RawMessage(`{"anything":1}`)))
	})

	t.Run("undeclared action accepts any payload", func(t *testing.T) {
		assert.NoError(t, def.ValidatePayload(ElementWorkflow, "", ActionCancel, json.RawMessage(`"whatever"`)))
	})

	t.Run("empty payload validates as null", func(t *testing.T) {
		err := def.ValidatePayload(ElementWorkflow, "", ActionInitialize, nil)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
	})

	t.Run("malformed payload", func(t *testing.T) {
		err := def.ValidatePayload(ElementWorkflow, "", ActionInitialize, json.RawMessage(`{`))
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "/", ve.Fields[0].Path)
	})
}

func TestSchemaCompileErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Schemas = []SchemaConfig{
		{Element: "gadget", Action: ActionInitialize, Schema: json.RawMessage(`{}`)},
	}
	_, err := New(cfg)
	assert.Error(t, err, "unknown element kind")

	cfg = validConfig()
	cfg.Schemas = []SchemaConfig{
		{Element: ElementWorkflow, Action: ActionInitialize, Schema: json.RawMessage(`{}`)},
		{Element: ElementWorkflow, Action: ActionInitialize, Schema: json.RawMessage(`{}`)},
	}
	_, err = New(cfg)
	assert.Error(t, err, "duplicate schema")

	cfg = validConfig()
	cfg.Schemas = []SchemaConfig{
		{Element: ElementWorkflow, Action: ActionInitialize, Schema: json.RawMessage(`not json`)},
	}
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestValidationErrorMessage(t *testing.T) {
	ve := &ValidationError{Fields: []FieldError{{Path: "/a", Message: "required"}}}
	assert.Contains(t, ve.Error(), "/a: required")

	var target *ValidationError
	assert.True(t, errors.As(error(ve), &target))
}

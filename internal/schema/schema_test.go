package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileEmptyDocumentIsAlwaysValid(t *testing.T) {
	sch, err := Compile(nil)
	require.NoError(t, err)
	assert.Nil(t, sch)
	assert.NoError(t, Validate(sch, []byte(`{"anything":"goes"}`)))
}

func TestCompileRejectsInvalidJSON(t *testing.T) {
	_, err := Compile([]byte(`not json`))
	assert.Error(t, err)
}

func TestValidateEnforcesRequiredFields(t *testing.T) {
	sch, err := Compile([]byte(`{"type":"object","required":["name"],"properties":{"name":{"type":"string"}}}`))
	require.NoError(t, err)
	require.NotNil(t, sch)

	assert.Error(t, Validate(sch, []byte(`{}`)))
	assert.NoError(t, Validate(sch, []byte(`{"name":"agent"}`)))
}

func TestValidateEmptyPayloadAlwaysPasses(t *testing.T) {
	sch, err := Compile([]byte(`{"type":"object","required":["name"]}`))
	require.NoError(t, err)
	assert.NoError(t, Validate(sch, nil))
}

func TestDefaultAutonomousParametersSchemaRequiresPrompt(t *testing.T) {
	sch, err := Compile(DefaultAutonomousParametersSchema)
	require.NoError(t, err)

	assert.Error(t, Validate(sch, []byte(`{}`)))
	assert.NoError(t, Validate(sch, []byte(`{"prompt":"do the thing"}`)))
}

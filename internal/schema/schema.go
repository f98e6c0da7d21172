// Package schema enforces JSON Schema contracts for run parameters and
// output payloads using santhosh-tekuri/jsonschema.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Compile parses a raw JSON Schema document into a reusable validator.
// A nil or empty document compiles to an always-valid schema.
func Compile(raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	c := jsonschema.NewCompiler()
	const resourceName = "schema.json"
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	if err := c.AddResource(resourceName, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := c.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return sch, nil
}

// Validate checks data against a compiled schema. A nil schema always passes,
// matching the implicit autonomous-agent default of an unconstrained payload.
func Validate(sch *jsonschema.Schema, data json.RawMessage) error {
	if sch == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("parse payload: %w", err)
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}

// DefaultAutonomousParametersSchema is applied to autonomous blueprints that
// declare no explicit parameters_schema: a single non-empty "prompt" string,
// nothing else.
var DefaultAutonomousParametersSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"prompt": {"type": "string", "minLength": 1}},
	"required": ["prompt"],
	"additionalProperties": false
}`)

package validation

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/arbornet/arbor/pkg/schema"
)

//go:embed workflow_schema.json
var workflowSchemaJSON []byte

const schemaURL = "https://arbornet.dev/schemas/workflow.json"

// Validator checks workflow definitions structurally against the embedded
// JSON Schema and semantically against the tree rules the schema cannot
// express (unique IDs, verifier references, kind-specific constraints).
type Validator struct {
	compiled *jsonschema.Schema
}

// New compiles the embedded workflow schema.
func New() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse embedded workflow schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("register workflow schema: %w", err)
	}
	compiled, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &Validator{compiled: compiled}, nil
}

// ValidateBytes validates raw JSON, decodes it, runs the semantic checks,
// and returns the definition. This is the single entry point for loading
// untrusted workflow documents.
func (v *Validator) ValidateBytes(data []byte) (*schema.WorkflowDefinition, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow is not valid JSON: %s", err.Error()).WithCause(err)
	}
	if err := v.compiled.Validate(doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow failed schema validation: %s", err.Error()).WithCause(err)
	}

	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode workflow: %s", err.Error()).WithCause(err)
	}
	if err := ValidateDefinition(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// ValidateDefinition runs only the semantic checks, for definitions that
// arrive already decoded (YAML loading, programmatic construction).
func (v *Validator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return ValidateDefinition(def)
}

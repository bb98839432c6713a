package validation

import (
	"bytes"
	"encoding/json"

	"github.com/rendis/agentpipe/pkg/schema"
	"gopkg.in/yaml.v3"
)

// DecodeDefinition parses a pipeline document in YAML or JSON, checks its
// shape against the pipeline schema and decodes it. The returned definition
// still needs Validate before it may run.
func (v *JSONSchemaValidator) DecodeDefinition(data []byte) (*schema.PipelineDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline document is empty")
	}

	// YAML is a superset of JSON, so one decoder serves both formats.
	var doc schema.Value
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse pipeline document: %s", err.Error()).WithCause(err)
	}
	if doc.Kind() != schema.KindMapping {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "pipeline document must be a mapping, got %s", doc.Kind())
	}

	// Unquoted YAML versions (version: 2) arrive as numbers.
	if ver, ok := doc.Get("version"); ok && ver.Kind() == schema.KindNumber {
		doc = doc.With("version", schema.String(ver.Text()))
	}

	if err := v.ValidateDocument(doc); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "encode pipeline document").WithCause(err)
	}
	var def schema.PipelineDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode pipeline document: %s", err.Error()).WithCause(err)
	}
	return &def, nil
}

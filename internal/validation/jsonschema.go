package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/agentpipe/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// pipelineSchemaURL identifies the embedded pipeline document schema.
const pipelineSchemaURL = "https://agentpipe.dev/schemas/pipeline.json"

// pipelineSchemaJSON is the JSON Schema for pipeline definition documents.
// It checks document shape only. Variant names, connection types and graph
// rules are checked by the semantic and graph stages so they report precise codes.
const pipelineSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://agentpipe.dev/schemas/pipeline.json",
  "type": "object",
  "required": ["id", "steps"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "version": { "type": ["string", "number"] },
    "description": { "type": "string" },
    "global_config": { "type": ["object", "null"] },
    "steps": {
      "type": "array",
      "items": { "$ref": "#/$defs/step" }
    },
    "connections": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/connection" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "mapping": {
      "type": ["object", "null"],
      "additionalProperties": { "type": "string" }
    },
    "step": {
      "type": "object",
      "required": ["id", "variant"],
      "properties": {
        "id": { "type": "string" },
        "variant": { "type": "string" },
        "display_name": { "type": "string" },
        "agent_id": { "type": "string" },
        "config": {},
        "input_mapping": { "$ref": "#/$defs/mapping" },
        "output_mapping": { "$ref": "#/$defs/mapping" },
        "timeout_seconds": { "type": "integer", "minimum": 0 },
        "max_retries": { "type": "integer", "minimum": 0 },
        "enabled": { "type": "boolean" },
        "condition": { "type": "string" },
        "backoff": { "$ref": "#/$defs/backoff" }
      },
      "additionalProperties": false
    },
    "connection": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "id": { "type": "string" },
        "source": { "type": "string" },
        "target": { "type": "string" },
        "source_port": { "type": "string" },
        "target_port": { "type": "string" },
        "data_mapping": { "$ref": "#/$defs/mapping" },
        "condition": { "type": "string" },
        "type": { "type": "string" }
      },
      "additionalProperties": false
    },
    "backoff": {
      "type": "object",
      "properties": {
        "strategy": {
          "type": "string",
          "enum": ["none", "constant", "linear", "exponential"]
        },
        "delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "max_delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates pipeline documents and agent payloads using
// JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	pipelineSchema *jsonschema.Schema

	// mu guards the cache of compiled payload schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a new JSONSchemaValidator with the pipeline schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newPayloadCompiler()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(pipelineSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal pipeline schema: %w", err)
	}
	if err := c.AddResource(pipelineSchemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add pipeline schema resource: %w", err)
	}

	compiled, err := c.Compile(pipelineSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile pipeline schema: %w", err)
	}

	return &JSONSchemaValidator{
		pipelineSchema: compiled,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDocument validates a decoded pipeline document (JSON or YAML data in
// schema.Value form) against the pipeline schema.
func (v *JSONSchemaValidator) ValidateDocument(doc schema.Value) error {
	inst, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize pipeline document").WithCause(err)
	}
	if err := v.pipelineSchema.Validate(inst); err != nil {
		return toSchemaError(err, schema.ErrCodeValidation)
	}
	return nil
}

// ValidatePayload validates an agent input or output against its declared schema.
// A null schema accepts everything. Violations carry ErrCodeSchemaMismatch.
func (v *JSONSchemaValidator) ValidatePayload(payload, payloadSchema schema.Value) error {
	if payloadSchema.IsNull() {
		return nil
	}

	compiled, err := v.getOrCompile(payloadSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeSchemaMismatch, "invalid payload schema").WithCause(err)
	}

	inst, err := toJSONValue(payload)
	if err != nil {
		return schema.NewError(schema.ErrCodeSchemaMismatch, "failed to serialize payload").WithCause(err)
	}

	if err := compiled.Validate(inst); err != nil {
		return toSchemaError(err, schema.ErrCodeSchemaMismatch)
	}
	return nil
}

// CheckSchema reports whether payloadSchema compiles.
func (v *JSONSchemaValidator) CheckSchema(payloadSchema schema.Value) error {
	if payloadSchema.IsNull() {
		return nil
	}
	if _, err := v.getOrCompile(payloadSchema); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid payload schema").WithCause(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(payloadSchema schema.Value) (*jsonschema.Schema, error) {
	key := payloadSchema.String()

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("agentpipe://payload-schema/%d", len(v.cache))

	// Use a fresh compiler per dynamic schema to avoid resource collision.
	c := newPayloadCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// newPayloadCompiler creates a Compiler configured with format assertions.
func newPayloadCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toSchemaError converts a jsonschema.ValidationError into a coded error
// listing every violation with its instance location.
func toSchemaError(err error, code string) *schema.Error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(code, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(code, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(code, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("schema validation failed with %d errors", len(violations))
	return schema.NewError(code, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

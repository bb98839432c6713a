package validation

import (
	"github.com/rendis/agentpipe/internal/expressions"
	"github.com/rendis/agentpipe/pkg/schema"
)

// Validator checks pipeline definitions before execution and agent payloads
// during execution. Uses JSON Schema Draft 2020-12 for documents and payloads.
type Validator interface {
	Validate(def *schema.PipelineDefinition) *schema.ValidationReport
	ValidatePayload(payload, payloadSchema schema.Value) error
}

// PipelineValidator is the Graph Validator. It runs two stages:
//  1. Semantic (ids, variants, connections, variant config, expressions, mappings)
//  2. Graph (entry steps, cycles, loop bounds, reachability)
//
// Validate never fails: every problem becomes an issue in the report and
// callers decide whether to execute or reject.
type PipelineValidator struct {
	jsonSchema *JSONSchemaValidator
	evaluator  *expressions.Evaluator
	mapper     *expressions.Mapper
}

// NewPipelineValidator creates a PipelineValidator. evaluator selects the
// engine conditions are compiled with; nil means CEL.
func NewPipelineValidator(evaluator *expressions.Evaluator) (*PipelineValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	if evaluator == nil {
		evaluator, err = expressions.NewEvaluator(nil)
		if err != nil {
			return nil, err
		}
	}
	return &PipelineValidator{
		jsonSchema: jsv,
		evaluator:  evaluator,
		mapper:     expressions.NewMapper(nil),
	}, nil
}

// Validate runs both stages and returns an aggregated report.
// Graph analysis is skipped when the semantic stage found dangling or
// duplicate ids, since the graph would be meaningless.
func (pv *PipelineValidator) Validate(def *schema.PipelineDefinition) *schema.ValidationReport {
	if def == nil {
		r := &schema.ValidationReport{}
		r.AddError("/", schema.IssueSchema, "pipeline definition is nil")
		return r
	}

	result, structural := validateSemantic(def, pv.evaluator, pv.mapper)
	if structural {
		return result
	}
	result.Merge(validateGraph(def))
	return result
}

// ValidateDefinition returns the report as an error, nil when valid.
func (pv *PipelineValidator) ValidateDefinition(def *schema.PipelineDefinition) error {
	return pv.Validate(def).ToError()
}

// ValidatePayload delegates to the underlying JSONSchemaValidator.
func (pv *PipelineValidator) ValidatePayload(payload, payloadSchema schema.Value) error {
	return pv.jsonSchema.ValidatePayload(payload, payloadSchema)
}

// Schemas exposes the JSON schema validator for document and catalog checks.
func (pv *PipelineValidator) Schemas() *JSONSchemaValidator {
	return pv.jsonSchema
}

var _ Validator = (*PipelineValidator)(nil)

package steps

import (
	"context"
	"time"

	"github.com/rendis/agentpipe/pkg/schema"
)

// DecisionPort carries the approval decision of a HumanApproval step.
const DecisionPort = "decision"

// ApprovalExecutor suspends the whole execution until a decision arrives.
type ApprovalExecutor struct{}

func (*ApprovalExecutor) Variant() schema.StepVariant { return schema.VariantHumanApproval }

func (*ApprovalExecutor) Run(_ context.Context, req *Request) Outcome {
	return Waiting(schema.Mapping(map[string]schema.Value{
		"step_id":      schema.String(req.Step.ID),
		"message":      schema.String(configString(req.Step, "message", "approval required")),
		"requested_at": schema.String(time.Now().UTC().Format(time.RFC3339)),
	}))
}

// ResolveApproval turns a decision into the outcome of a waiting step.
// Approval passes input through and exposes the decision on DecisionPort.
// Rejection fails the step with ErrCodeRejected.
func ResolveApproval(step *schema.Step, input schema.Value, decision *schema.ApprovalRequest) Outcome {
	record := schema.Mapping(map[string]schema.Value{
		"decision":   schema.String(string(decision.Decision)),
		"decided_by": schema.String(decision.DecidedBy),
		"comment":    schema.String(decision.Comment),
	})
	if decision.Decision == schema.DecisionReject {
		err := schema.NewErrorf(schema.ErrCodeRejected, "approval rejected").
			WithStep(step.ID).
			WithDetails(map[string]any{"decided_by": decision.DecidedBy, "comment": decision.Comment})
		return Outcome{Status: schema.StepFailed, Ports: map[string]schema.Value{DecisionPort: record}, Err: err}
	}
	out := Succeeded(input)
	out.Ports = map[string]schema.Value{DecisionPort: record}
	return out
}

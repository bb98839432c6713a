package steps

import (
	"context"

	"github.com/rendis/agentpipe/pkg/schema"
)

// TriggerExecutor marks an entry point. It returns the execution input, or
// its projection when the step declares an input mapping.
type TriggerExecutor struct{}

func (*TriggerExecutor) Variant() schema.StepVariant { return schema.VariantTrigger }

func (*TriggerExecutor) Run(_ context.Context, req *Request) Outcome {
	if len(req.Step.InputMapping) > 0 {
		return Succeeded(req.Input)
	}
	return Succeeded(req.InitialInput)
}

// ParallelExecutor fans its input out unchanged. Its Data successors form the
// branches; the engine bounds them with MaxConcurrency.
type ParallelExecutor struct{}

func (*ParallelExecutor) Variant() schema.StepVariant { return schema.VariantParallel }

func (*ParallelExecutor) Run(_ context.Context, req *Request) Outcome {
	return Succeeded(req.Input)
}

// MaxConcurrency returns how many branches of a Parallel step may run at
// once. Zero means unbounded.
func MaxConcurrency(step *schema.Step) int {
	if step == nil || step.Variant != schema.VariantParallel {
		return 0
	}
	if n := configInt(step, "max_concurrency", 0); n > 0 {
		return n
	}
	return 0
}

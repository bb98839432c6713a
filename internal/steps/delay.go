package steps

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/agentpipe/pkg/schema"
)

// DelayExecutor sleeps for config.duration (or config.seconds) and passes its
// input through. Only the issuing step waits.
type DelayExecutor struct{}

func (*DelayExecutor) Variant() schema.StepVariant { return schema.VariantDelay }

func (*DelayExecutor) Run(ctx context.Context, req *Request) Outcome {
	d, err := DelayDuration(req.Step)
	if err != nil {
		return Failed(req.Step.ID, err)
	}
	req.emit(schema.EventDelayStarted, map[string]any{"duration": d.String()})

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		// A delay longer than its timeout would time out on every attempt.
		code := schema.ErrCodeNonRetryable
		if errors.Is(ctx.Err(), context.Canceled) {
			code = schema.ErrCodeCancelled
		}
		return Failed(req.Step.ID, schema.NewErrorf(code, "delay of %s interrupted", d).WithCause(ctx.Err()))
	}

	req.emit(schema.EventDelayCompleted, map[string]any{"duration": d.String()})
	return Succeeded(req.Input)
}

// DelayDuration reads the configured delay.
func DelayDuration(step *schema.Step) (time.Duration, error) {
	if s := configString(step, "duration", ""); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			return 0, schema.NewErrorf(schema.ErrCodeValidation, "invalid delay duration %q", s)
		}
		return d, nil
	}
	if secs, ok := configNumber(step, "seconds"); ok && secs >= 0 {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return 0, schema.NewError(schema.ErrCodeValidation, "delay step requires config.duration or config.seconds")
}

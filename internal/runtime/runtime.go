package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rendis/agentpipe/pkg/schema"
)

// Request describes one container run.
type Request struct {
	ExecutionID string
	StepID      string
	Image       string
	Input       schema.Value
	Limits      schema.ResourceLimits
	Timeout     time.Duration
	Env         []string // NAME=value pairs, typically resolved agent secrets
}

// ContainerRuntime runs an agent image with a JSON input and returns its JSON output.
// Failures are reported as *RuntimeError so callers can decide whether to retry.
type ContainerRuntime interface {
	Run(ctx context.Context, req *Request) (schema.Value, error)
}

// RuntimeError is a failed container run. Transient errors may succeed when
// retried with the same input; fatal ones will not.
type RuntimeError struct {
	Image     string
	Transient bool
	ExitCode  int
	Stderr    string
	Err       error
}

func (e *RuntimeError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	msg := fmt.Sprintf("runtime %s error running %s", kind, e.Image)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// IsRetryable reports the transient flag.
func (e *RuntimeError) IsRetryable() bool { return e.Transient }

// IsTransient reports whether err is a transient RuntimeError.
func IsTransient(err error) bool {
	var rerr *RuntimeError
	return errors.As(err, &rerr) && rerr.Transient
}

// Transient builds a transient RuntimeError.
func Transient(image string, err error) *RuntimeError {
	return &RuntimeError{Image: image, Transient: true, Err: err}
}

// Fatal builds a fatal RuntimeError.
func Fatal(image string, err error) *RuntimeError {
	return &RuntimeError{Image: image, Err: err}
}

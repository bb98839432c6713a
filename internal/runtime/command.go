package runtime

import (
	"context"
	"os/exec"
	"time"
)

// pipeDrainDelay bounds how long Wait blocks on stdio after the process is killed.
const pipeDrainDelay = 5 * time.Second

// newCommand builds a command that is killed when ctx ends or timeout elapses.
// It returns the context bounding the process and a cleanup that must be
// called after the process exits.
func newCommand(ctx context.Context, timeout time.Duration, name string, args ...string) (*exec.Cmd, context.Context, func()) {
	execCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
	}

	cmd := exec.CommandContext(execCtx, name, args...)
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
	cmd.WaitDelay = pipeDrainDelay
	return cmd, execCtx, cancel
}

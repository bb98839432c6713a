package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/agentpipe/internal/logging"
	"github.com/rendis/agentpipe/pkg/schema"
)

// PullPolicy decides when an image is pulled before running it.
type PullPolicy string

const (
	PullAlways  PullPolicy = "always"
	PullMissing PullPolicy = "missing"
	PullNever   PullPolicy = "never"
)

const (
	defaultPullTimeout = 5 * time.Minute
	killTimeout        = 10 * time.Second
	maxStderr          = 2048

	// docker run exits 125 when the daemon fails before the container starts.
	exitDaemonError = 125
	// 137 is SIGKILL, usually the OOM killer.
	exitKilled = 137
)

// DockerConfig configures the docker CLI runtime.
type DockerConfig struct {
	Binary      string     // docker-compatible CLI, default "docker"
	PullPolicy  PullPolicy // default PullMissing
	Network     string     // default network when the agent declares none
	PullTimeout time.Duration
	Logger      *slog.Logger
}

// Compile-time interface check.
var _ ContainerRuntime = (*DockerRuntime)(nil)

// DockerRuntime runs agent containers through the docker CLI. The input is
// written as JSON to the container's stdin and the output is read as JSON
// from its stdout.
type DockerRuntime struct {
	cfg    DockerConfig
	logger *slog.Logger

	mu     sync.Mutex
	pulled map[string]bool
}

// NewDockerRuntime creates a DockerRuntime.
func NewDockerRuntime(cfg DockerConfig) (*DockerRuntime, error) {
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	switch cfg.PullPolicy {
	case "":
		cfg.PullPolicy = PullMissing
	case PullAlways, PullMissing, PullNever:
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown pull policy %q", cfg.PullPolicy)
	}
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = defaultPullTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerRuntime{cfg: cfg, logger: logger, pulled: make(map[string]bool)}, nil
}

// Run pulls the image per the pull policy, then runs it once.
func (d *DockerRuntime) Run(ctx context.Context, req *Request) (schema.Value, error) {
	if req.Image == "" {
		return schema.Null(), Fatal("", errors.New("agent has no docker image"))
	}
	if err := d.ensureImage(ctx, req.Image); err != nil {
		return schema.Null(), err
	}

	payload, err := json.Marshal(req.Input)
	if err != nil {
		return schema.Null(), Fatal(req.Image, fmt.Errorf("encode input: %w", err))
	}

	name := containerName()
	cmd, execCtx, cleanup := newCommand(ctx, runTimeout(req), d.cfg.Binary, d.runArgs(req, name)...)
	defer cleanup()

	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}

	start := time.Now()
	runErr := cmd.Run()
	logging.LogWith(ctx, d.logger).Debug("container run finished",
		slog.String("image", req.Image),
		slog.String("container", name),
		slog.Duration("duration", time.Since(start)),
		slog.Bool("ok", runErr == nil),
	)

	if runErr != nil {
		if execCtx.Err() != nil {
			d.kill(name)
		}
		return schema.Null(), d.classify(ctx, execCtx, req.Image, runErr, stderr.String())
	}
	return decodeOutput(req.Image, stdout.Bytes())
}

func (d *DockerRuntime) runArgs(req *Request, name string) []string {
	args := []string{"run", "--rm", "-i", "--name", name}
	if req.ExecutionID != "" {
		args = append(args, "--label", "agentpipe.execution="+req.ExecutionID)
	}
	if req.StepID != "" {
		args = append(args, "--label", "agentpipe.step="+req.StepID)
	}
	network := req.Limits.Network
	if network == "" {
		network = d.cfg.Network
	}
	if network != "" {
		args = append(args, "--network", network)
	}
	if req.Limits.MemoryMB > 0 {
		args = append(args, "--memory", strconv.Itoa(req.Limits.MemoryMB)+"m")
	}
	if req.Limits.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(req.Limits.CPUs, 'f', -1, 64))
	}
	// Values stay out of argv: docker copies -e NAME from its own environment.
	for _, pair := range req.Env {
		if k, _, ok := strings.Cut(pair, "="); ok && k != "" {
			args = append(args, "-e", k)
		}
	}
	return append(args, req.Image)
}

// runTimeout is the tighter of the request timeout and the agent's own limit.
func runTimeout(req *Request) time.Duration {
	timeout := req.Timeout
	if lim := req.Limits.Timeout(); lim > 0 && (timeout <= 0 || lim < timeout) {
		timeout = lim
	}
	return timeout
}

func (d *DockerRuntime) classify(ctx, execCtx context.Context, image string, runErr error, stderr string) *RuntimeError {
	stderr = truncate(strings.TrimSpace(stderr))
	if errors.Is(ctx.Err(), context.Canceled) {
		return &RuntimeError{Image: image, Err: ctx.Err()}
	}
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return &RuntimeError{Image: image, Transient: true, Err: context.DeadlineExceeded}
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		code := exitErr.ExitCode()
		return &RuntimeError{
			Image:     image,
			Transient: code == exitDaemonError || code == exitKilled,
			ExitCode:  code,
			Stderr:    stderr,
			Err:       errors.New("container exited with an error"),
		}
	}
	// The CLI itself could not be started.
	return &RuntimeError{Image: image, Err: runErr, Stderr: stderr}
}

func (d *DockerRuntime) ensureImage(ctx context.Context, image string) error {
	switch d.cfg.PullPolicy {
	case PullNever:
		return nil
	case PullMissing:
		d.mu.Lock()
		seen := d.pulled[image]
		d.mu.Unlock()
		if seen {
			return nil
		}
		inspect, _, cleanup := newCommand(ctx, d.cfg.PullTimeout, d.cfg.Binary, "image", "inspect", image)
		err := inspect.Run()
		cleanup()
		if err == nil {
			d.markPulled(image)
			return nil
		}
	}
	return d.pull(ctx, image)
}

func (d *DockerRuntime) pull(ctx context.Context, image string) error {
	cmd, _, cleanup := newCommand(ctx, d.cfg.PullTimeout, d.cfg.Binary, "pull", image)
	defer cleanup()
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := truncate(strings.TrimSpace(stderr.String()))
		rerr := &RuntimeError{Image: image, Transient: true, Stderr: msg, Err: fmt.Errorf("pull image: %w", err)}
		if isPermanentPullFailure(msg) {
			rerr.Transient = false
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			rerr.Transient = false
		}
		return rerr
	}
	d.markPulled(image)
	d.logger.Info("pulled agent image", slog.String("image", image))
	return nil
}

func (d *DockerRuntime) markPulled(image string) {
	d.mu.Lock()
	d.pulled[image] = true
	d.mu.Unlock()
}

// kill removes a container left behind by a cancelled or timed-out run.
func (d *DockerRuntime) kill(name string) {
	cmd, _, cleanup := newCommand(context.Background(), killTimeout, d.cfg.Binary, "kill", name)
	defer cleanup()
	if err := cmd.Run(); err != nil {
		d.logger.Debug("container kill failed", slog.String("container", name), slog.String("error", err.Error()))
	}
}

func isPermanentPullFailure(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, marker := range []string{"manifest unknown", "not found", "pull access denied", "invalid reference format"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func decodeOutput(image string, stdout []byte) (schema.Value, error) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return schema.Null(), nil
	}
	var out schema.Value
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return schema.Null(), Fatal(image, fmt.Errorf("agent output is not valid JSON: %w", err))
	}
	return out, nil
}

func containerName() string {
	return "agentpipe-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func truncate(s string) string {
	if len(s) <= maxStderr {
		return s
	}
	return s[:maxStderr] + "..."
}

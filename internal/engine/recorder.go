package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/agentpipe/internal/logging"
	"github.com/rendis/agentpipe/pkg/schema"
)

// EventSink persists execution events.
type EventSink interface {
	AppendEvent(ctx context.Context, event *schema.Event) error
}

// Publisher fans execution events out to live subscribers.
type Publisher interface {
	Publish(event *schema.Event)
}

// Recorder is the Execution Recorder. It owns the execution record of one
// run: step results, timing, the final output and the ordered event log.
// Emit may be called from step goroutines; everything else is called by the
// control loop.
type Recorder struct {
	mu     sync.Mutex
	exec   *schema.Execution
	seq    int64
	sink   EventSink
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder wraps exec. Sequence numbers continue from exec's existing log,
// so a resumed execution keeps one gapless sequence.
func NewRecorder(exec *schema.Execution, sink EventSink, pub Publisher, logger *slog.Logger) *Recorder {
	if exec.StepResults == nil {
		exec.StepResults = schema.NewStepResults()
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{exec: exec, sink: sink, pub: pub, logger: logger, now: func() time.Time { return time.Now().UTC() }}
	if n := len(exec.ExecutionLog); n > 0 {
		r.seq = exec.ExecutionLog[n-1].Sequence
	}
	return r
}

// Emit appends an event to the log, persists it and publishes it.
// Sink failures are logged; the audit trail never fails a step.
func (r *Recorder) Emit(ctx context.Context, eventType, stepID string, payload map[string]any) {
	r.mu.Lock()
	r.seq++
	ev := &schema.Event{
		ID:          uuid.NewString(),
		ExecutionID: r.exec.ExecutionID,
		StepID:      stepID,
		Type:        eventType,
		Payload:     payload,
		Timestamp:   r.now(),
		Sequence:    r.seq,
	}
	r.exec.ExecutionLog = append(r.exec.ExecutionLog, ev)
	r.mu.Unlock()

	if r.sink != nil {
		if err := r.sink.AppendEvent(ctx, ev); err != nil {
			logging.LogWith(ctx, r.logger).Warn("event not persisted",
				slog.String("type", eventType), slog.Int64("sequence", ev.Sequence), slog.Any("error", err))
		}
	}
	if r.pub != nil {
		r.pub.Publish(ev)
	}
}

// Put records a step result. The first Put of a step fixes its position.
func (r *Recorder) Put(res *schema.StepResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exec.StepResults.Put(res)
}

// Result returns the recorded result of a step.
func (r *Recorder) Result(stepID string) (*schema.StepResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec.StepResults.Get(stepID)
}

// Status returns the execution status.
func (r *Recorder) Status() schema.ExecutionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec.Status
}

// SetStatus records the execution status. Terminal statuses stamp the
// completion time and wall time.
func (r *Recorder) SetStatus(s schema.ExecutionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exec.Status = s
	if s.IsTerminal() {
		now := r.now()
		r.exec.CompletedAt = &now
		r.exec.ExecutionTimeMs = now.Sub(r.exec.StartedAt).Milliseconds()
		r.exec.WaitingSteps = nil
	}
}

// SetFailure records the step that failed the execution.
func (r *Recorder) SetFailure(stepID, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exec.ErrorStep = stepID
	r.exec.ErrorMessage = message
}

// SetWaiting records the steps awaiting a human decision.
func (r *Recorder) SetWaiting(stepIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exec.WaitingSteps = append([]string(nil), stepIDs...)
}

// SetFinalOutput records the execution output.
func (r *Recorder) SetFinalOutput(v schema.Value) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exec.FinalOutput = v
}

// Elapsed returns the time since the execution started.
func (r *Recorder) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now().Sub(r.exec.StartedAt)
}

// Execution returns a copy of the record safe to hand out.
func (r *Recorder) Execution() *schema.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec.Clone()
}

// firedOutside reports whether id fired a connection other than one into its
// own loop body.
func firedOutside(g *Graph, f *Frontier, id string) bool {
	for _, idx := range g.Out[id] {
		if f.Conn(idx) == ConnFired && g.Owner[g.Conns[idx].Target] != id {
			return true
		}
	}
	return false
}

// FinalOutput computes the execution output: the default port of the single
// terminal step, or step id -> output when several qualify. A step is
// terminal when it succeeded, or was bypassed with its input passed through,
// and none of its outgoing connections fired. Steps skipped as unreachable
// never qualify. Loop body steps never qualify; their loop speaks for them,
// and connections into a loop's own body do not make the loop non-terminal.
func FinalOutput(g *Graph, f *Frontier, results *schema.StepResults) schema.Value {
	terminal := make(map[string]schema.Value)
	var last string
	for _, id := range g.Order {
		status := f.Status(id)
		if g.InBody(id) || (status != schema.StepSucceeded && status != schema.StepSkipped) || firedOutside(g, f, id) {
			continue
		}
		res, ok := results.Get(id)
		if !ok {
			continue
		}
		out, bypassed := res.Ports[schema.DefaultPort]
		if status == schema.StepSucceeded {
			out, _ = res.Port(schema.DefaultPort)
		} else if !bypassed {
			continue
		}
		terminal[id] = out
		last = id
	}
	switch len(terminal) {
	case 0:
		return schema.Null()
	case 1:
		return terminal[last]
	default:
		return schema.Mapping(terminal)
	}
}

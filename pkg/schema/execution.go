package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionRunning         ExecutionStatus = "running"
	ExecutionCompleted       ExecutionStatus = "completed"
	ExecutionFailed          ExecutionStatus = "failed"
	ExecutionCancelled       ExecutionStatus = "cancelled"
	ExecutionWaitingApproval ExecutionStatus = "waiting_approval"
)

// IsTerminal reports whether the execution can no longer change.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// StepStatus represents the lifecycle state of a step within one execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepReady     StepStatus = "ready"
	StepRunning   StepStatus = "running"
	StepRetrying  StepStatus = "retrying"
	StepWaiting   StepStatus = "waiting_approval"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// IsDone reports whether the step reached the Done set.
func (s StepStatus) IsDone() bool {
	return s == StepSucceeded || s == StepFailed || s == StepSkipped
}

// ExecutionMode selects whether trigger intake blocks until the execution settles.
type ExecutionMode string

const (
	ModeSync  ExecutionMode = "sync"
	ModeAsync ExecutionMode = "async"
)

// StepResult records one step's outcome inside an execution.
type StepResult struct {
	StepID     string           `json:"step_id"`
	Status     StepStatus       `json:"status"`
	Input      Value            `json:"input"`
	Output     Value            `json:"output"`
	Ports      map[string]Value `json:"ports,omitempty"`
	Attempts   int              `json:"attempts"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Error      *Error           `json:"error,omitempty"`
}

// Port returns the value published on the named output port.
// The default port falls back to the raw output.
func (r *StepResult) Port(name string) (Value, bool) {
	if v, ok := r.Ports[name]; ok {
		return v, true
	}
	if name == DefaultPort {
		return r.Output, true
	}
	return Null(), false
}

// Clone returns a copy safe to hand to readers.
func (r *StepResult) Clone() *StepResult {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Ports != nil {
		cp.Ports = make(map[string]Value, len(r.Ports))
		for k, v := range r.Ports {
			cp.Ports[k] = v
		}
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		cp.FinishedAt = &t
	}
	if r.Error != nil {
		e := *r.Error
		cp.Error = &e
	}
	return &cp
}

// StepResults maps step id to result, remembering insertion order.
// Insertion order is completion order and serves audit only.
type StepResults struct {
	order []string
	byID  map[string]*StepResult
}

// NewStepResults returns an empty ordered result set.
func NewStepResults() *StepResults {
	return &StepResults{byID: make(map[string]*StepResult)}
}

// Put stores r, appending its id to the order the first time it is seen.
func (s *StepResults) Put(r *StepResult) {
	if s.byID == nil {
		s.byID = make(map[string]*StepResult)
	}
	if _, ok := s.byID[r.StepID]; !ok {
		s.order = append(s.order, r.StepID)
	}
	s.byID[r.StepID] = r
}

// Get returns the result for a step id.
func (s *StepResults) Get(stepID string) (*StepResult, bool) {
	if s == nil {
		return nil, false
	}
	r, ok := s.byID[stepID]
	return r, ok
}

// Len returns the number of recorded steps.
func (s *StepResults) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// Order returns step ids in insertion order.
func (s *StepResults) Order() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.order...)
}

// List returns results in insertion order.
func (s *StepResults) List() []*StepResult {
	if s == nil {
		return nil
	}
	out := make([]*StepResult, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// Clone deep-copies the result set.
func (s *StepResults) Clone() *StepResults {
	cp := NewStepResults()
	if s == nil {
		return cp
	}
	for _, id := range s.order {
		cp.Put(s.byID[id].Clone())
	}
	return cp
}

// MarshalJSON encodes the results as a JSON object in insertion order.
func (s *StepResults) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if s != nil {
		for i, id := range s.order {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(id)
			if err != nil {
				return nil, err
			}
			val, err := json.Marshal(s.byID[id])
			if err != nil {
				return nil, fmt.Errorf("encode step result %s: %w", id, err)
			}
			buf.Write(key)
			buf.WriteByte(':')
			buf.Write(val)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, preserving key order.
func (s *StepResults) UnmarshalJSON(data []byte) error {
	s.order = nil
	s.byID = make(map[string]*StepResult)
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("step results: expected object")
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("step results: expected string key")
		}
		var r StepResult
		if err := dec.Decode(&r); err != nil {
			return fmt.Errorf("step results %s: %w", key, err)
		}
		if r.StepID == "" {
			r.StepID = key
		}
		s.Put(&r)
	}
	_, err = dec.Token()
	return err
}

// Execution is one run of a pipeline definition.
type Execution struct {
	ExecutionID     string          `json:"execution_id"`
	PipelineID      string          `json:"pipeline_id"`
	PipelineVersion string          `json:"pipeline_version,omitempty"`
	Status          ExecutionStatus `json:"status"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	ExecutionTimeMs int64           `json:"execution_time_ms"`
	InitialInput    Value           `json:"initial_input"`
	FinalOutput     Value           `json:"final_output"`
	StepResults     *StepResults    `json:"step_results"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ErrorStep       string          `json:"error_step,omitempty"`
	TriggeredBy     string          `json:"triggered_by,omitempty"`
	WaitingSteps    []string        `json:"waiting_steps,omitempty"`
	ExecutionLog    []*Event        `json:"execution_log,omitempty"`
}

// Clone deep-copies the execution for readers outside the control loop.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	cp := *e
	cp.StepResults = e.StepResults.Clone()
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	cp.WaitingSteps = append([]string(nil), e.WaitingSteps...)
	cp.ExecutionLog = append([]*Event(nil), e.ExecutionLog...)
	return &cp
}

// TriggerRequest is the external call that starts an execution.
type TriggerRequest struct {
	PipelineID      string            `json:"pipeline_id"`
	Input           Value             `json:"input"`
	TriggeredBy     string            `json:"triggered_by,omitempty"`
	ExecutionMode   ExecutionMode     `json:"execution_mode,omitempty"`
	Overrides       Value             `json:"overrides,omitempty"`
	CallbackURL     string            `json:"callback_url,omitempty"`
	CallbackHeaders map[string]string `json:"callback_headers,omitempty"`
}

// Mode returns the execution mode, sync when unset.
func (r *TriggerRequest) Mode() ExecutionMode {
	if r.ExecutionMode == "" {
		return ModeSync
	}
	return r.ExecutionMode
}

// ApprovalDecision enumerates the answers to a human-approval step.
type ApprovalDecision string

const (
	DecisionApprove ApprovalDecision = "approve"
	DecisionReject  ApprovalDecision = "reject"
)

// ApprovalRequest resumes a WaitingApproval execution.
type ApprovalRequest struct {
	ExecutionID string           `json:"execution_id"`
	StepID      string           `json:"step_id"`
	Decision    ApprovalDecision `json:"decision"`
	DecidedBy   string           `json:"decided_by,omitempty"`
	Comment     string           `json:"comment,omitempty"`
}

// Validate checks that the request names a known decision.
func (r *ApprovalRequest) Validate() error {
	if r.ExecutionID == "" || r.StepID == "" {
		return NewError(ErrCodeValidation, "execution_id and step_id are required")
	}
	if r.Decision != DecisionApprove && r.Decision != DecisionReject {
		return NewErrorf(ErrCodeValidation, "decision must be approve or reject, got %q", r.Decision)
	}
	return nil
}

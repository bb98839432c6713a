package engine

import (
	"github.com/rendis/agentpipe/pkg/schema"
)

// ConnState is the resolution of one forward connection.
type ConnState string

const (
	ConnUnresolved ConnState = "unresolved"
	ConnFired      ConnState = "fired"
	ConnDead       ConnState = "dead"
)

// Verdict is the readiness decision for a pending step.
type Verdict int

const (
	VerdictWait  Verdict = iota // some incoming connection is still unresolved
	VerdictReady                // dependencies satisfied
	VerdictPrune                // every incoming resolved but the step can never run
)

// Frontier tracks the Pending/Ready/Done partition of one execution and the
// state of every forward connection. It is owned by the control loop.
type Frontier struct {
	g      *Graph
	status map[string]schema.StepStatus
	conns  []ConnState
}

// NewFrontier starts every step Pending and every connection unresolved.
func NewFrontier(g *Graph) *Frontier {
	f := &Frontier{
		g:      g,
		status: make(map[string]schema.StepStatus, len(g.Order)),
		conns:  make([]ConnState, len(g.Conns)),
	}
	for _, id := range g.Order {
		f.status[id] = schema.StepPending
	}
	for i := range f.conns {
		f.conns[i] = ConnUnresolved
	}
	return f
}

// Status returns the status of a step.
func (f *Frontier) Status(id string) schema.StepStatus {
	return f.status[id]
}

// SetStatus records a step status.
func (f *Frontier) SetStatus(id string, s schema.StepStatus) {
	f.status[id] = s
}

// Conn returns the state of connection idx.
func (f *Frontier) Conn(idx int) ConnState {
	return f.conns[idx]
}

// Resolve settles an unresolved connection. Settled connections never change.
func (f *Frontier) Resolve(idx int, fired bool) {
	if f.conns[idx] != ConnUnresolved {
		return
	}
	if fired {
		f.conns[idx] = ConnFired
	} else {
		f.conns[idx] = ConnDead
	}
}

// KillOutgoing marks every unresolved outgoing connection of id dead.
func (f *Frontier) KillOutgoing(id string) {
	for _, idx := range f.g.Out[id] {
		f.Resolve(idx, false)
	}
}

// Verdict decides whether a pending step may run. Data connections join:
// all must be resolved. Gate connections (success, error, trigger,
// condition) unblock on the first that fires. At least one incoming
// connection must have fired.
func (f *Frontier) Verdict(id string) Verdict {
	in := f.g.In[id]
	if len(in) == 0 {
		return VerdictReady
	}

	dataResolved := true
	hasGate, gateFired, anyFired, allResolved := false, false, false, true
	for _, idx := range in {
		c := f.g.Conns[idx]
		st := f.conns[idx]
		if st == ConnUnresolved {
			allResolved = false
		}
		if st == ConnFired {
			anyFired = true
		}
		if c.Kind().IsGate() {
			hasGate = true
			if st == ConnFired {
				gateFired = true
			}
		} else if st == ConnUnresolved {
			dataResolved = false
		}
	}

	if dataResolved && (!hasGate || gateFired) && anyFired {
		return VerdictReady
	}
	if allResolved {
		return VerdictPrune
	}
	return VerdictWait
}

// FiredIncoming returns the indices of fired incoming connections of id, in
// definition order.
func (f *Frontier) FiredIncoming(id string) []int {
	var out []int
	for _, idx := range f.g.In[id] {
		if f.conns[idx] == ConnFired {
			out = append(out, idx)
		}
	}
	return out
}

// AnyFiredOut reports whether any outgoing connection of id fired.
func (f *Frontier) AnyFiredOut(id string) bool {
	for _, idx := range f.g.Out[id] {
		if f.conns[idx] == ConnFired {
			return true
		}
	}
	return false
}

// With returns the step ids in the given status, in definition order.
func (f *Frontier) With(s schema.StepStatus) []string {
	var out []string
	for _, id := range f.g.Order {
		if f.status[id] == s {
			out = append(out, id)
		}
	}
	return out
}

// Statuses returns a copy of every step status.
func (f *Frontier) Statuses() map[string]schema.StepStatus {
	cp := make(map[string]schema.StepStatus, len(f.status))
	for k, v := range f.status {
		cp[k] = v
	}
	return cp
}

// ConnStates returns a copy of every connection state.
func (f *Frontier) ConnStates() []ConnState {
	return append([]ConnState(nil), f.conns...)
}

// restoreFrontier rebuilds a frontier from persisted state.
func restoreFrontier(g *Graph, statuses map[string]schema.StepStatus, conns []ConnState) (*Frontier, error) {
	if len(conns) != len(g.Conns) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"snapshot has %d connection states, definition has %d", len(conns), len(g.Conns))
	}
	f := NewFrontier(g)
	for id, s := range statuses {
		if _, ok := f.status[id]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "snapshot references unknown step %q", id)
		}
		f.status[id] = s
	}
	copy(f.conns, conns)
	return f, nil
}

package engine

import (
	"fmt"

	"github.com/rendis/agentpipe/pkg/schema"
)

// Graph is the scheduling index of a pipeline definition. Connections are
// addressed by their position in Conns; loop back-edges are left out since
// they never gate readiness.
type Graph struct {
	Def   *schema.PipelineDefinition
	Order []string             // step ids in definition order
	Conns []*schema.Connection // forward connections
	In    map[string][]int     // step id -> incoming connection indices
	Out   map[string][]int     // step id -> outgoing connection indices
	Body  map[string][]string  // loop id -> body step ids
	Owner map[string]string    // body step id -> loop id

	steps map[string]*schema.Step
}

// NewGraph indexes def. It checks only what scheduling relies on; full
// structural checks belong to the validator.
func NewGraph(def *schema.PipelineDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline definition is nil")
	}
	if len(def.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline has no steps")
	}

	g := &Graph{
		Def:   def,
		In:    make(map[string][]int, len(def.Steps)),
		Out:   make(map[string][]int, len(def.Steps)),
		Body:  make(map[string][]string),
		Owner: make(map[string]string),
		steps: make(map[string]*schema.Step, len(def.Steps)),
	}

	for i, s := range def.Steps {
		if s == nil || s.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step at index %d has no id", i)
		}
		if _, dup := g.steps[s.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step id %q", s.ID)
		}
		g.steps[s.ID] = s
		g.Order = append(g.Order, s.ID)
	}

	for _, c := range def.Connections {
		if c == nil {
			continue
		}
		if _, ok := g.steps[c.Source]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "connection %s: unknown source %q", c.Label(), c.Source)
		}
		if _, ok := g.steps[c.Target]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "connection %s: unknown target %q", c.Label(), c.Target)
		}
		if def.IsBackEdge(c) {
			continue
		}
		idx := len(g.Conns)
		g.Conns = append(g.Conns, c)
		g.Out[c.Source] = append(g.Out[c.Source], idx)
		g.In[c.Target] = append(g.In[c.Target], idx)
	}

	for _, id := range g.Order {
		if g.steps[id].Variant != schema.VariantLoop {
			continue
		}
		body := def.LoopBody(id)
		g.Body[id] = body
		for _, b := range body {
			if owner, taken := g.Owner[b]; taken && owner != id {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"step %q is in the body of both %q and %q", b, owner, id)
			}
			g.Owner[b] = id
		}
	}

	return g, nil
}

// Step returns a step by id.
func (g *Graph) Step(id string) *schema.Step {
	return g.steps[id]
}

// InBody reports whether the step runs inside a loop rather than in a wave.
func (g *Graph) InBody(id string) bool {
	_, ok := g.Owner[id]
	return ok
}

// IsEntry reports whether the step has no incoming connections.
func (g *Graph) IsEntry(id string) bool {
	return len(g.In[id]) == 0
}

// BodyConn returns the connection from loopID into body step id.
func (g *Graph) BodyConn(loopID, id string) (*schema.Connection, error) {
	for _, idx := range g.In[id] {
		if c := g.Conns[idx]; c.Source == loopID && c.Kind() == schema.ConnData {
			return c, nil
		}
	}
	return nil, fmt.Errorf("no data connection from loop %q to %q", loopID, id)
}

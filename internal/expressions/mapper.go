package expressions

import (
	"context"
	"sort"
	"strings"

	"github.com/rendis/agentpipe/pkg/schema"
)

// JQPrefix marks a mapping source that is a jq program rather than a path.
const JQPrefix = "jq:"

// Mapper is the Data Mapper. It projects fields out of upstream payloads and
// the execution context into step inputs, and out of raw step outputs onto
// named output ports.
//
// A source is either a dotted/indexed path (`classify.labels[0]`) or a jq
// program prefixed with "jq:". Paths that do not resolve yield null; only a
// malformed source or a failing jq program is an error.
type Mapper struct {
	jq *GoJQEngine
}

// NewMapper creates a Mapper. A nil engine gets a private GoJQ engine.
func NewMapper(jq *GoJQEngine) *Mapper {
	if jq == nil {
		jq = NewGoJQEngine()
	}
	return &Mapper{jq: jq}
}

// Resolve evaluates one source against root.
func (m *Mapper) Resolve(ctx context.Context, source string, root schema.Value) (schema.Value, error) {
	if prog, ok := strings.CutPrefix(strings.TrimSpace(source), JQPrefix); ok {
		out, err := m.jq.Run(ctx, strings.TrimSpace(prog), root.Native())
		if err != nil {
			return schema.Null(), err
		}
		return schema.FromNative(out), nil
	}
	segs, err := ParsePath(source)
	if err != nil {
		return schema.Null(), err
	}
	v, _ := LookupSegments(root, segs)
	return v, nil
}

// Project builds a mapping of target field -> resolved source. Target fields
// may be dotted to build nested mappings. Fields are resolved in sorted order
// so overlapping targets are deterministic.
func (m *Mapper) Project(ctx context.Context, mapping map[string]string, root schema.Value) (schema.Value, error) {
	out := schema.EmptyMapping()
	for _, target := range sortedKeys(mapping) {
		v, err := m.Resolve(ctx, mapping[target], root)
		if err != nil {
			return schema.Null(), schema.AsError(err, schema.ErrCodeExpression).
				WithDetails(map[string]any{"target": target, "source": mapping[target]})
		}
		out = SetPath(out, target, v)
	}
	return out, nil
}

// ApplyConnection projects a connection's payload through its data mapping.
// Without a mapping the payload passes through unchanged.
func (m *Mapper) ApplyConnection(ctx context.Context, conn *schema.Connection, payload schema.Value) (schema.Value, error) {
	if len(conn.DataMapping) == 0 {
		return payload, nil
	}
	return m.Project(ctx, conn.DataMapping, payload)
}

// MergePayload folds one incoming payload into a step input. A mapping on the
// default port merges field by field; the first non-mapping payload on the
// default port becomes the input; anything else is stored under its port name.
func MergePayload(input schema.Value, port string, payload schema.Value) schema.Value {
	if port == "" {
		port = schema.DefaultPort
	}
	if port == schema.DefaultPort {
		if input.IsNull() {
			return payload
		}
		if payload.Kind() == schema.KindMapping && input.Kind() == schema.KindMapping {
			return input.Merge(payload)
		}
	}
	if input.Kind() != schema.KindMapping && !input.IsNull() {
		input = schema.EmptyMapping().With(schema.DefaultPort, input)
	}
	return input.With(port, payload)
}

// ResolveInput applies a step's input mapping on top of base. Mapping sources
// resolve against the full execution context.
func (m *Mapper) ResolveInput(ctx context.Context, step *schema.Step, base, scope schema.Value) (schema.Value, error) {
	if len(step.InputMapping) == 0 {
		return base, nil
	}
	projected, err := m.Project(ctx, step.InputMapping, scope)
	if err != nil {
		return schema.Null(), schema.AsError(err, schema.ErrCodeExpression).WithStep(step.ID)
	}
	if base.Kind() != schema.KindMapping {
		return projected, nil
	}
	return base.Merge(projected), nil
}

// ProjectOutput maps a raw output onto named ports. The default port carries
// the raw output unless the output mapping names it.
func (m *Mapper) ProjectOutput(ctx context.Context, step *schema.Step, raw schema.Value) (map[string]schema.Value, error) {
	ports := map[string]schema.Value{schema.DefaultPort: raw}
	for _, port := range sortedKeys(step.OutputMapping) {
		v, err := m.Resolve(ctx, step.OutputMapping[port], raw)
		if err != nil {
			return nil, schema.AsError(err, schema.ErrCodeExpression).WithStep(step.ID).
				WithDetails(map[string]any{"port": port})
		}
		ports[port] = v
	}
	return ports, nil
}

// Check reports whether a mapping source is well formed.
func (m *Mapper) Check(source string) error {
	if prog, ok := strings.CutPrefix(strings.TrimSpace(source), JQPrefix); ok {
		return m.jq.Check(strings.TrimSpace(prog), nil)
	}
	_, err := ParsePath(source)
	return err
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package expressions

import (
	"context"
	"sort"
	"strings"

	"github.com/rendis/agentpipe/internal/secrets"
	"github.com/rendis/agentpipe/pkg/schema"
)

// Interpolator resolves ${{...}} references inside string values of step config
// (webhook URLs, headers, bodies). References are paths into the execution
// context (`${{ input.user }}`, `${{ steps.fetch.url }}`, `${{ config.region }}`)
// or secrets (`${{ secrets.API_TOKEN }}`).
// Two-pass: first resolves context references, second resolves secrets, so a
// secret value is never itself scanned for references.
type Interpolator struct {
	vault secrets.Vault
}

// NewInterpolator creates a new Interpolator with an optional Vault for secret resolution.
func NewInterpolator(vault secrets.Vault) *Interpolator {
	return &Interpolator{vault: vault}
}

// Resolve walks v and interpolates every string in it. A string that is exactly
// one reference takes the referenced value with its type; references embedded in
// longer text are rendered as text.
func (interp *Interpolator) Resolve(ctx context.Context, v schema.Value, scope schema.Value) (schema.Value, error) {
	switch v.Kind() {
	case schema.KindString:
		s, _ := v.AsString()
		return interp.ResolveString(ctx, s, scope)
	case schema.KindSequence:
		items := v.Items()
		for i, item := range items {
			r, err := interp.Resolve(ctx, item, scope)
			if err != nil {
				return schema.Null(), err
			}
			items[i] = r
		}
		return schema.Sequence(items...), nil
	case schema.KindMapping:
		fields := v.Fields()
		for k, f := range fields {
			r, err := interp.Resolve(ctx, f, scope)
			if err != nil {
				return schema.Null(), err
			}
			fields[k] = r
		}
		return schema.Mapping(fields), nil
	}
	return v, nil
}

// ResolveString interpolates a single string.
func (interp *Interpolator) ResolveString(ctx context.Context, s string, scope schema.Value) (schema.Value, error) {
	if !HasInterpolation(s) {
		return schema.String(s), nil
	}

	// Whole-value reference keeps its type.
	if ref, ok := wholeReference(s); ok {
		v, err := interp.resolveExpr(ctx, ref, scope)
		if err != nil {
			return schema.Null(), err
		}
		return v, nil
	}

	// Pass 1: context references.
	resolved, err := interp.resolvePass(ctx, s, scope, false)
	if err != nil {
		return schema.Null(), err
	}

	// Pass 2: secrets only.
	resolved, err = interp.resolvePass(ctx, resolved, scope, true)
	if err != nil {
		return schema.Null(), err
	}
	return schema.String(resolved), nil
}

// resolvePass scans for ${{...}} tokens and resolves them.
// If secretPass is false, it resolves everything except secrets.* and leaves secrets untouched.
// If secretPass is true, it only resolves secrets.* references.
func (interp *Interpolator) resolvePass(ctx context.Context, input string, scope schema.Value, secretPass bool) (string, error) {
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + 3

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(input[start:end])
		if strings.Contains(expr, "${{") {
			return "", schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}
		if expr == "" {
			return "", schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{  }}")
		}

		isSecret := strings.HasPrefix(expr, "secrets.")
		if secretPass != isSecret {
			result.WriteString(input[i+idx : end+2])
			i = end + 2
			continue
		}

		val, err := interp.resolveExpr(ctx, expr, scope)
		if err != nil {
			return "", err
		}
		result.WriteString(val.Text())

		i = end + 2
	}

	return result.String(), nil
}

// resolveExpr resolves one reference.
func (interp *Interpolator) resolveExpr(ctx context.Context, expr string, scope schema.Value) (schema.Value, error) {
	if strings.HasPrefix(expr, "secrets.") {
		return interp.resolveSecret(ctx, expr)
	}

	segs, err := ParsePath(expr)
	if err != nil || len(segs) == 0 {
		return schema.Null(), schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid reference ${{%s}}", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	v, ok := LookupSegments(scope, segs)
	if !ok {
		if _, rootOK := scope.Get(segs[0].Key); !rootOK {
			available := scope.Keys()
			sort.Strings(available)
			return schema.Null(), schema.NewErrorf(schema.ErrCodeInterpolation,
				"unknown name %q in ${{%s}}; available: %s", segs[0].Key, expr, strings.Join(available, ", ")).
				WithDetails(map[string]any{"expression": expr, "available": available})
		}
		return schema.Null(), schema.NewErrorf(schema.ErrCodeInterpolation,
			"field not found in ${{%s}}", expr).
			WithDetails(map[string]any{"expression": expr})
	}
	return v, nil
}

// resolveSecret resolves secrets.<key> via the Vault.
func (interp *Interpolator) resolveSecret(ctx context.Context, expr string) (schema.Value, error) {
	key := strings.TrimPrefix(expr, "secrets.")
	if key == "" {
		return schema.Null(), schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid secret reference %q: expected secrets.<KEY>", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	if interp.vault == nil {
		return schema.Null(), schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve secret %q: no vault configured", key).
			WithDetails(map[string]any{"expression": expr})
	}

	val, err := interp.vault.Resolve(ctx, key)
	if err != nil {
		return schema.Null(), schema.NewErrorf(schema.ErrCodeInterpolation,
			"failed to resolve secret %q: %s", key, err.Error()).
			WithDetails(map[string]any{"expression": expr}).WithCause(err)
	}
	return schema.String(string(val)), nil
}

// wholeReference reports whether s is exactly one ${{...}} token.
func wholeReference(s string) (string, bool) {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "${{") || !strings.HasSuffix(t, "}}") {
		return "", false
	}
	inner := t[3 : len(t)-2]
	if strings.Contains(inner, "${{") || strings.Contains(inner, "}}") {
		return "", false
	}
	inner = strings.TrimSpace(inner)
	return inner, inner != ""
}

// HasInterpolation checks if a string contains any ${{...}} reference.
func HasInterpolation(s string) bool {
	return strings.Contains(s, "${{")
}

// References returns the first path segment of every non-secret reference in s,
// in order of appearance and without duplicates.
func References(s string) []string {
	var refs []string
	seen := make(map[string]bool)
	for {
		idx := strings.Index(s, "${{")
		if idx == -1 {
			break
		}
		rest := s[idx+3:]
		closeIdx := strings.Index(rest, "}}")
		if closeIdx == -1 {
			break
		}
		expr := strings.TrimSpace(rest[:closeIdx])
		s = rest[closeIdx+2:]
		if expr == "" || strings.HasPrefix(expr, "secrets.") {
			continue
		}
		segs, err := ParsePath(expr)
		if err != nil || len(segs) == 0 {
			continue
		}
		if name := segs[0].Key; !seen[name] {
			seen[name] = true
			refs = append(refs, name)
		}
	}
	return refs
}

// StringsIn collects every string contained in v, depth first.
func StringsIn(v schema.Value) []string {
	var out []string
	var walk func(schema.Value)
	walk = func(v schema.Value) {
		switch v.Kind() {
		case schema.KindString:
			s, _ := v.AsString()
			out = append(out, s)
		case schema.KindSequence:
			for _, item := range v.Items() {
				walk(item)
			}
		case schema.KindMapping:
			for _, k := range v.Keys() {
				f, _ := v.Get(k)
				walk(f)
			}
		}
	}
	walk(v)
	return out
}

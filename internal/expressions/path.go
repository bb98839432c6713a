package expressions

import (
	"strconv"
	"strings"

	"github.com/rendis/agentpipe/pkg/schema"
)

// Segment is one step of a path: a mapping key or a sequence index.
type Segment struct {
	Key     string
	Index   int
	IsIndex bool
}

// ParsePath splits a dotted/indexed path such as `classify.labels[0].name`
// or `fetch["content-type"]`. The empty path and "$" address the root.
func ParsePath(path string) ([]Segment, error) {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "$")
	path = strings.TrimPrefix(path, ".")

	var segs []Segment
	i := 0
	for i < len(path) {
		switch path[i] {
		case '.':
			i++
			if i >= len(path) || path[i] == '.' || path[i] == '[' {
				return nil, pathErr(path, "empty segment")
			}
		case '[':
			end := strings.IndexByte(path[i:], ']')
			if end == -1 {
				return nil, pathErr(path, "unclosed [")
			}
			inner := strings.TrimSpace(path[i+1 : i+end])
			i += end + 1
			if inner == "" {
				return nil, pathErr(path, "empty index")
			}
			if q := inner[0]; q == '"' || q == '\'' {
				if len(inner) < 2 || inner[len(inner)-1] != q {
					return nil, pathErr(path, "unterminated quoted key")
				}
				segs = append(segs, Segment{Key: inner[1 : len(inner)-1]})
				continue
			}
			n, err := strconv.Atoi(inner)
			if err != nil {
				return nil, pathErr(path, "index "+strconv.Quote(inner)+" is not an integer")
			}
			segs = append(segs, Segment{Index: n, IsIndex: true})
		default:
			j := i
			for j < len(path) && path[j] != '.' && path[j] != '[' {
				j++
			}
			segs = append(segs, Segment{Key: path[i:j]})
			i = j
		}
	}
	return segs, nil
}

func pathErr(path, msg string) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "invalid path %q: %s", path, msg).
		WithDetails(map[string]any{"path": path})
}

// Lookup resolves path inside root. The boolean is false when any segment is
// missing or the path is malformed.
func Lookup(root schema.Value, path string) (schema.Value, bool) {
	segs, err := ParsePath(path)
	if err != nil {
		return schema.Null(), false
	}
	return LookupSegments(root, segs)
}

// LookupSegments walks pre-parsed segments. A numeric key also indexes a sequence,
// so `items.0` and `items[0]` agree.
func LookupSegments(root schema.Value, segs []Segment) (schema.Value, bool) {
	cur := root
	for _, seg := range segs {
		var ok bool
		switch {
		case seg.IsIndex:
			cur, ok = cur.Index(seg.Index)
		case cur.Kind() == schema.KindSequence:
			n, err := strconv.Atoi(seg.Key)
			if err != nil {
				return schema.Null(), false
			}
			cur, ok = cur.Index(n)
		default:
			cur, ok = cur.Get(seg.Key)
		}
		if !ok {
			return schema.Null(), false
		}
	}
	return cur, true
}

// SetPath returns a copy of root with val stored at a dotted key path,
// creating intermediate mappings. Index segments are treated as keys.
func SetPath(root schema.Value, path string, val schema.Value) schema.Value {
	segs, err := ParsePath(path)
	if err != nil || len(segs) == 0 {
		return root.With(path, val)
	}
	return setSegments(root, segs, val)
}

func setSegments(root schema.Value, segs []Segment, val schema.Value) schema.Value {
	key := segs[0].Key
	if segs[0].IsIndex {
		key = strconv.Itoa(segs[0].Index)
	}
	if len(segs) == 1 {
		return root.With(key, val)
	}
	child, _ := root.Get(key)
	return root.With(key, setSegments(child, segs[1:], val))
}

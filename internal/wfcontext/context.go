// Package wfcontext implements the per-instance mutable variable bag
// (§3 "Instance State / context"): dotted-path reads, deep-merge
// writes, and ${a.b.c} template interpolation for gateway conditions
// and task field templating (send-task to/subject/body, receive-task
// correlation keys).
package wfcontext

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/valyala/fasttemplate"
)

// Store is the mutable per-instance context. Safe for concurrent use:
// the engine serializes its own bookkeeping but user-written context
// mutations from parallel branches are last-writer-wins by design
// (§5 "Shared resource policy") — Store only guarantees the map itself
// never races.
type Store struct {
	mu   sync.Mutex
	vars map[string]any
}

// New creates a Store seeded with the given initial variables. The
// map is copied; later mutation of the caller's map does not affect
// the Store.
func New(initial map[string]any) *Store {
	s := &Store{vars: make(map[string]any, len(initial))}
	for k, v := range initial {
		s.vars[k] = v
	}
	return s
}

// Get reads a dotted path such as "order.customer.name". Returns
// (nil, false) if any segment is missing or not a map.
func (s *Store) Get(path string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lookup(s.vars, path)
}

// MustGet reads a dotted path, returning nil if absent. Convenient for
// interpolation and condition evaluation where a missing variable
// should render empty rather than error.
func (s *Store) MustGet(path string) any {
	v, _ := s.Get(path)
	return v
}

func lookup(vars map[string]any, path string) (any, bool) {
	segs := strings.Split(path, ".")
	var cur any = vars
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// Set writes a single top-level or dotted-path variable, creating
// intermediate maps as needed.
func (s *Store) Set(path string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	setPath(s.vars, path, value)
}

func setPath(vars map[string]any, path string, value any) {
	segs := strings.Split(path, ".")
	cur := vars
	for i, seg := range segs {
		if i == len(segs)-1 {
			cur[seg] = value
			return
		}
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
}

// Merge deep-merges result into the context: task results are merged
// key by key, with nested maps merged recursively and any other value
// (including slices) overwriting the previous value outright (§3).
func (s *Store) Merge(result map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deepMerge(s.vars, result)
}

func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		if srcMap, ok := v.(map[string]any); ok {
			if dstMap, ok := dst[k].(map[string]any); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
			merged := make(map[string]any, len(srcMap))
			deepMerge(merged, srcMap)
			dst[k] = merged
			continue
		}
		dst[k] = v
	}
}

// Snapshot returns a deep copy of the current variables, safe for a
// caller to read or serialize without holding the Store's lock.
func (s *Store) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deepCopy(s.vars)
}

func deepCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = deepCopy(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// Interpolate replaces ${a.b.c} placeholders in s with values read
// from the context, via dotted-path lookup. Missing variables render
// as empty string. Non-string values are formatted with fmt's default
// verb, matching how the teacher's prompt-assembly code renders
// interpolated values.
func (s *Store) Interpolate(tmpl string) (string, error) {
	t, err := fasttemplate.NewTemplate(tmpl, "${", "}")
	if err != nil {
		// Not every string contains a placeholder; fasttemplate errors
		// on unbalanced tags, which we treat as "no interpolation".
		return tmpl, nil //nolint:nilerr
	}
	out := t.ExecuteFuncString(func(w io.Writer, tag string) (int, error) {
		v := s.MustGet(strings.TrimSpace(tag))
		return w.Write([]byte(formatValue(v)))
	})
	return out, nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

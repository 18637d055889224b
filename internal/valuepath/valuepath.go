// Package valuepath reads and writes values inside nested value trees using
// dot-separated paths.
//
// A value tree is built from map[string]any and []any containers. Path
// segments address map keys or, for slices, decimal indices. Bracket index
// syntax is accepted as an alias: "items[0].name" is the same path as
// "items.0.name".
package valuepath

import (
	"reflect"
	"strconv"
	"strings"
)

// Separator joins path segments.
const Separator = "."

// Split breaks a path into its segments.
// An empty path has no segments and addresses the root.
func Split(path string) []string {
	if path == "" {
		return nil
	}
	if strings.IndexByte(path, '[') >= 0 {
		path = strings.NewReplacer("[", Separator, "]", "").Replace(path)
		path = strings.TrimPrefix(path, Separator)
	}
	return strings.Split(path, Separator)
}

// Join builds a path from segments, skipping empty ones.
func Join(segments ...string) string {
	var b strings.Builder
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(Separator)
		}
		b.WriteString(seg)
	}
	return b.String()
}

// Get returns the value stored at path.
// The second result is false if any segment along the way is missing.
func Get(root any, path string) (any, bool) {
	current := root
	for _, seg := range Split(path) {
		next, ok := child(current, seg)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

// Has reports whether path resolves to a value in root.
func Has(root any, path string) bool {
	_, ok := Get(root, path)
	return ok
}

func child(container any, seg string) (any, bool) {
	switch c := container.(type) {
	case map[string]any:
		v, ok := c[seg]
		return v, ok
	case []any:
		idx, ok := index(seg)
		if !ok || idx >= len(c) {
			return nil, false
		}
		return c[idx], true
	default:
		return nil, false
	}
}

func index(seg string) (int, bool) {
	idx, err := strconv.Atoi(seg)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

// Set writes value at path inside root, creating intermediate maps for
// missing segments.
//
// Set returns false without modifying root when the path is empty, when an
// existing intermediate value is not a container, or when a slice index is
// malformed or lies beyond the end of the slice. Writing to the index equal
// to a slice's length appends.
func Set(root map[string]any, path string, value any) bool {
	segs := Split(path)
	if root == nil || len(segs) == 0 {
		return false
	}
	_, ok := setIn(root, segs, value)
	return ok
}

func setIn(container any, segs []string, value any) (any, bool) {
	seg, rest := segs[0], segs[1:]

	switch c := container.(type) {
	case map[string]any:
		if len(rest) == 0 {
			c[seg] = value
			return c, true
		}
		next, exists := c[seg]
		if !exists || next == nil {
			next = make(map[string]any)
		}
		updated, ok := setIn(next, rest, value)
		if !ok {
			return c, false
		}
		c[seg] = updated
		return c, true

	case []any:
		idx, ok := index(seg)
		if !ok || idx > len(c) {
			return c, false
		}
		if idx == len(c) {
			if len(rest) == 0 {
				return append(c, value), true
			}
			updated, _ := setIn(make(map[string]any), rest, value)
			return append(c, updated), true
		}
		if len(rest) == 0 {
			c[idx] = value
			return c, true
		}
		next := c[idx]
		if next == nil {
			next = make(map[string]any)
		}
		updated, ok := setIn(next, rest, value)
		if !ok {
			return c, false
		}
		c[idx] = updated
		return c, true

	default:
		return container, false
	}
}

// Delete removes the value at path. It reports whether anything was removed.
// Slice elements cannot be deleted.
func Delete(root map[string]any, path string) bool {
	segs := Split(path)
	if len(segs) == 0 {
		return false
	}
	parent, ok := Get(root, Join(segs[:len(segs)-1]...))
	if !ok {
		return false
	}
	m, ok := parent.(map[string]any)
	if !ok {
		return false
	}
	key := segs[len(segs)-1]
	if _, exists := m[key]; !exists {
		return false
	}
	delete(m, key)
	return true
}

// Clone returns a deep copy of v. Maps and slices are copied recursively;
// every other value is returned as is.
func Clone(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case []any:
		if val == nil {
			return val
		}
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = Clone(elem)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, s := range val {
			out[k] = s
		}
		return out
	case map[string]bool:
		out := make(map[string]bool, len(val))
		for k, b := range val {
			out[k] = b
		}
		return out
	default:
		return v
	}
}

// CloneMap deep-copies a value tree. A nil map clones to an empty map.
func CloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = Clone(v)
	}
	return out
}

// Equal reports whether two values are deeply equal.
func Equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

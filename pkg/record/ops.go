package record

import (
	"maps"
	"reflect"
	"slices"
	"strings"
)

// Change is a single flattened path whose value is new or different.
type Change struct {
	Path  string
	Value any
}

// Lookup walks a dotted path. A list met before the path is exhausted ends
// the walk and is returned as the value, so "diagnosticos.0.nombre"
// resolves to the diagnosticos list itself.
func Lookup(m Map, path string) (any, bool) {
	var cur any = m
	for seg := range strings.SplitSeq(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			return node, true
		default:
			return nil, false
		}
	}
	return cur, true
}

// Present reports whether v counts as filled in: not nil, not a blank
// string, not an empty list or map.
func Present(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(x) != ""
	case []any:
		return len(x) > 0
	case []string:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}

// DeepMerge merges src into dst and returns dst. Nested maps are merged
// recursively; any other value in src replaces the one in dst. A nil dst
// is allocated.
func DeepMerge(dst, src Map) Map {
	if dst == nil {
		dst = make(Map, len(src))
	}
	for k, sv := range src {
		sm, sok := sv.(map[string]any)
		dm, dok := dst[k].(map[string]any)
		if sok && dok {
			dst[k] = DeepMerge(dm, sm)
			continue
		}
		dst[k] = sv
	}
	return dst
}

// Flatten maps every leaf to its dotted path. Lists are leaves; empty maps
// produce no entries.
func Flatten(m Map) map[string]any {
	out := make(map[string]any)
	flattenInto(out, "", m)
	return out
}

func flattenInto(out map[string]any, prefix string, m Map) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flattenInto(out, path, child)
			continue
		}
		out[path] = v
	}
}

// Diff returns the paths of curr whose value is absent from prev or differs
// from it, sorted by path. Paths removed from curr are not reported.
func Diff(prev, curr Map) []Change {
	before := Flatten(prev)
	after := Flatten(curr)
	var changes []Change
	for _, path := range slices.Sorted(maps.Keys(after)) {
		v := after[path]
		if old, ok := before[path]; ok && reflect.DeepEqual(old, v) {
			continue
		}
		changes = append(changes, Change{Path: path, Value: v})
	}
	return changes
}

// Clone returns a deep copy of m. Lists and maps are copied; scalars are
// shared.
func Clone(m Map) Map {
	if m == nil {
		return nil
	}
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies a JSON-shaped value.
func CloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return Clone(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = CloneValue(e)
		}
		return out
	default:
		return v
	}
}

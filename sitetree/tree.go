// Package sitetree holds the structured document edited in place: a nested
// tree of maps, lists and scalars addressed by dotted paths.
//
// A Tree is a value. Set and Remove never write into their input; they copy
// the containers along the path and share every other branch, so snapshots
// kept by the history stay intact.
//
// Usage:
//
//	tree, _ := sitetree.FromJSON(raw)
//	next, err := sitetree.Set(tree, "services.1.title", "Roofing")
//	v, ok, _ := sitetree.Resolve(next, "services.1.title")
package sitetree

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Tree is the root mapping. Nested nodes are map[string]any, []any, string,
// float64, bool or nil, the shapes encoding/json decodes into.
type Tree map[string]any

// FromJSON decodes a JSON object into a Tree.
func FromJSON(data []byte) (Tree, error) {
	var t Tree
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("sitetree: decode: %w", err)
	}
	if t == nil {
		t = Tree{}
	}
	return t, nil
}

// Get returns the value at p. The boolean is false when any segment is
// missing or walks into a scalar or past the end of a list.
func (t Tree) Get(p Path) (any, bool) {
	var cur any = map[string]any(t)
	for _, seg := range p {
		switch c := cur.(type) {
		case map[string]any:
			v, ok := c[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, ok := index(seg)
			if !ok || i >= len(c) {
				return nil, false
			}
			cur = c[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// MaxListGap bounds how far past the end of a list With may write. The gap
// is filled with nils; a larger index is a *PathError.
const MaxListGap = 16

// With returns a new tree with v written at p. Missing or scalar
// intermediates become empty maps. A list is indexed when the segment is a
// non-negative integer; an index past the end grows the list with nils, at
// most MaxListGap of them.
func (t Tree) With(p Path, v any) (Tree, error) {
	if len(p) == 0 {
		return nil, &PathError{Reason: "empty path"}
	}
	out, err := setAt(map[string]any(t), p, p, v)
	if err != nil {
		return nil, err
	}
	return Tree(out.(map[string]any)), nil
}

// Without returns a new tree with the node at p removed. A list element is
// spliced out, and an out-of-range index returns t itself. A map key is kept
// and set to nil so the field can be re-created later. A missing parent
// returns t itself.
func (t Tree) Without(p Path) (Tree, error) {
	out, _, err := t.Cut(p)
	return out, err
}

// Cut is Without that also reports whether anything changed.
func (t Tree) Cut(p Path) (Tree, bool, error) {
	if len(p) == 0 {
		return nil, false, &PathError{Reason: "empty path"}
	}
	out, changed, err := removeAt(map[string]any(t), p, p)
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return t, false, nil
	}
	return Tree(out.(map[string]any)), true, nil
}

// Resolve parses path and reads it from t.
func Resolve(t Tree, path string) (any, bool, error) {
	p, err := ParsePath(path)
	if err != nil {
		return nil, false, err
	}
	v, ok := t.Get(p)
	return v, ok, nil
}

// Set parses path and returns t with v written at it.
func Set(t Tree, path string, v any) (Tree, error) {
	p, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	return t.With(p, v)
}

// Remove parses path and returns t with that node removed.
func Remove(t Tree, path string) (Tree, error) {
	p, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	return t.Without(p)
}

func setAt(node any, full, rest Path, v any) (any, error) {
	if len(rest) == 0 {
		return v, nil
	}
	seg := rest[0]

	if list, ok := node.([]any); ok {
		i, ok := index(seg)
		if !ok {
			return nil, &PathError{Path: full.String(), Reason: fmt.Sprintf("segment %q indexes a list", seg)}
		}
		n := len(list)
		if i-n > MaxListGap {
			return nil, &PathError{Path: full.String(), Reason: fmt.Sprintf("index %d is too far past the end of a list of %d", i, n)}
		}
		if i >= n {
			n = i + 1
		}
		out := make([]any, n)
		copy(out, list)
		var child any
		if i < len(list) {
			child = list[i]
		}
		if len(rest) > 1 && !isContainer(child) {
			child = map[string]any{}
		}
		nv, err := setAt(child, full, rest[1:], v)
		if err != nil {
			return nil, err
		}
		out[i] = nv
		return out, nil
	}

	m, _ := node.(map[string]any)
	out := make(map[string]any, len(m)+1)
	for k, x := range m {
		out[k] = x
	}
	child := m[seg]
	if len(rest) > 1 && !isContainer(child) {
		child = map[string]any{}
	}
	nv, err := setAt(child, full, rest[1:], v)
	if err != nil {
		return nil, err
	}
	out[seg] = nv
	return out, nil
}

func removeAt(node any, full, rest Path) (any, bool, error) {
	seg := rest[0]

	if list, ok := node.([]any); ok {
		i, ok := index(seg)
		if !ok {
			return nil, false, &PathError{Path: full.String(), Reason: fmt.Sprintf("segment %q indexes a list", seg)}
		}
		if i >= len(list) {
			return node, false, nil
		}
		if len(rest) == 1 {
			out := make([]any, 0, len(list)-1)
			out = append(out, list[:i]...)
			out = append(out, list[i+1:]...)
			return out, true, nil
		}
		child := list[i]
		if !isContainer(child) {
			return node, false, nil
		}
		nv, changed, err := removeAt(child, full, rest[1:])
		if err != nil || !changed {
			return node, false, err
		}
		out := make([]any, len(list))
		copy(out, list)
		out[i] = nv
		return out, true, nil
	}

	m, _ := node.(map[string]any)
	if len(rest) == 1 {
		if v, ok := m[seg]; ok && v == nil {
			return node, false, nil
		}
		out := make(map[string]any, len(m)+1)
		for k, x := range m {
			out[k] = x
		}
		out[seg] = nil
		return out, true, nil
	}
	child := m[seg]
	if !isContainer(child) {
		return node, false, nil
	}
	nv, changed, err := removeAt(child, full, rest[1:])
	if err != nil || !changed {
		return node, false, err
	}
	out := make(map[string]any, len(m)+1)
	for k, x := range m {
		out[k] = x
	}
	out[seg] = nv
	return out, true, nil
}

func isContainer(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}

// Clone returns a deep copy of t. Trees are never mutated in place, so this
// is only needed before handing a tree to code that might.
func Clone(t Tree) Tree {
	if t == nil {
		return nil
	}
	return Tree(cloneNode(map[string]any(t)).(map[string]any))
}

func cloneNode(v any) any {
	switch c := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(c))
		for k, x := range c {
			out[k] = cloneNode(x)
		}
		return out
	case []any:
		out := make([]any, len(c))
		for i, x := range c {
			out[i] = cloneNode(x)
		}
		return out
	default:
		return v
	}
}

// Equal reports deep equality of two trees. A nil tree equals an empty one.
func Equal(a, b Tree) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(map[string]any(a), map[string]any(b))
}

package sitetree

import (
	"sort"
	"strconv"
)

// Leaf is a scalar node and its address.
type Leaf struct {
	Path  Path
	Value any
}

// Leaves lists every scalar node of t depth-first. Map keys are visited in
// sorted order and lists in index order, so the result is deterministic for
// equal trees.
func Leaves(t Tree) []Leaf {
	var out []Leaf
	walk(map[string]any(t), nil, func(p Path, v any) {
		out = append(out, Leaf{Path: p, Value: v})
	})
	return out
}

// Walk calls fn for every scalar node of t in the order of Leaves.
func Walk(t Tree, fn func(p Path, v any)) {
	walk(map[string]any(t), nil, fn)
}

func walk(node any, prefix Path, fn func(Path, any)) {
	switch c := node.(type) {
	case map[string]any:
		keys := make([]string, 0, len(c))
		for k := range c {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walk(c[k], prefix.Append(k), fn)
		}
	case []any:
		for i, x := range c {
			walk(x, prefix.Append(strconv.Itoa(i)), fn)
		}
	default:
		fn(prefix, node)
	}
}

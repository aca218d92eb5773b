package sitetree

import (
	"fmt"
	"strconv"
	"strings"
)

// Path addresses one node of a Tree. Segments are map keys or decimal list
// indices. On the wire a Path is dot-joined: "services.2.title".
type Path []string

// PathError reports a malformed path. It signals a caller bug and is never
// swallowed by this package.
type PathError struct {
	Path   string
	Reason string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("sitetree: path %q: %s", e.Path, e.Reason)
}

// ParsePath splits a dot-joined address. Empty input and empty segments
// ("a..b", ".a", "a.") are rejected.
func ParsePath(s string) (Path, error) {
	if s == "" {
		return nil, &PathError{Path: s, Reason: "empty path"}
	}
	segs := strings.Split(s, ".")
	for i, seg := range segs {
		if seg == "" {
			return nil, &PathError{Path: s, Reason: fmt.Sprintf("empty segment at position %d", i)}
		}
	}
	return Path(segs), nil
}

// MustParsePath is ParsePath for literals known to be valid.
func MustParsePath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the dot-joined form.
func (p Path) String() string { return strings.Join(p, ".") }

// Parent returns the path without its last segment.
func (p Path) Parent() Path {
	if len(p) == 0 {
		return nil
	}
	return p[:len(p)-1]
}

// Last returns the final segment, or "" for the empty path.
func (p Path) Last() string {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

// Append returns a new path with extra segments. The receiver is not aliased.
func (p Path) Append(segs ...string) Path {
	out := make(Path, 0, len(p)+len(segs))
	out = append(out, p...)
	return append(out, segs...)
}

// Equal reports whether two paths have the same segments.
func (p Path) Equal(o Path) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// index parses a list index segment. Negative numbers are not indices.
func index(seg string) (int, bool) {
	i, err := strconv.Atoi(seg)
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}

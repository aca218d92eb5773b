package autosave

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"

	"github.com/hazyhaar/liveedit/editor"
	"github.com/hazyhaar/liveedit/sitetree"
)

// fragmentLen is the number of text runes kept in an element ID.
const fragmentLen = 20

// noText stands in for the fragment of an element without text.
const noText = "no-text"

var strict = bluemonday.StrictPolicy()

// ElementID derives the persistence slot of the element at p from the tree
// it was first edited in: "<type>-<text fragment>-<index>", lowercased.
// The type is elementType, or a guess from the field name. The fragment is
// the first 20 runes of the element's text with markup stripped and
// whitespace runs turned into dashes, or "no-text". The index is the
// element's position among the tree's leaves. Equal trees give equal IDs.
func ElementID(tree sitetree.Tree, p sitetree.Path, elementType string) string {
	typ := strings.ToLower(strings.TrimSpace(elementType))
	if typ == "" {
		typ = string(EditTypeFor(p, ""))
	}
	v, _ := tree.Get(p)
	frag := Fragment(firstText(v))
	if frag == "" {
		frag = noText
	}
	return strings.ToLower(typ + "-" + frag + "-" + strconv.Itoa(leafIndex(tree, p)))
}

// Fragment is the sanitized text part of an element ID.
func Fragment(s string) string {
	text := html.UnescapeString(strict.Sanitize(s))
	var b strings.Builder
	n := 0
	space := false
	for _, r := range strings.TrimSpace(text) {
		if n >= fragmentLen {
			break
		}
		n++
		switch {
		case unicode.IsSpace(r):
			if !space {
				b.WriteByte('-')
			}
			space = true
			continue
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_':
			b.WriteRune(unicode.ToLower(r))
		}
		space = false
	}
	return b.String()
}

func firstText(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case nil:
		return ""
	case map[string]any, []any:
		var out string
		sitetree.Walk(sitetree.Tree{"v": c}, func(_ sitetree.Path, leaf any) {
			if s, ok := leaf.(string); ok && out == "" && strings.TrimSpace(s) != "" {
				out = s
			}
		})
		return out
	default:
		return scalarText(c)
	}
}

func scalarText(v any) string {
	switch c := v.(type) {
	case float64:
		return strconv.FormatFloat(c, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(c)
	default:
		return ""
	}
}

// leafIndex is the position of the first leaf at or under p. A path with no
// leaf yet gets the position after the last one.
func leafIndex(tree sitetree.Tree, p sitetree.Path) int {
	leaves := sitetree.Leaves(tree)
	for i, l := range leaves {
		if hasPrefix(l.Path, p) {
			return i
		}
	}
	return len(leaves)
}

func hasPrefix(p, prefix sitetree.Path) bool {
	if len(p) < len(prefix) {
		return false
	}
	return p[:len(prefix)].Equal(prefix)
}

// EditTypeFor classifies an edit as an image or a text edit.
func EditTypeFor(p sitetree.Path, elementType string) EditType {
	switch strings.ToLower(elementType) {
	case "image", "img":
		return EditImage
	case "":
	default:
		return EditText
	}
	for i := len(p) - 1; i >= 0; i-- {
		if _, err := strconv.Atoi(p[i]); err == nil {
			continue
		}
		if editor.IsImageKey(p[i]) {
			return EditImage
		}
		break
	}
	return EditText
}

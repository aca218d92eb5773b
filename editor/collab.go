package editor

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/liveedit/sitetree"
)

// Report is a validator verdict.
type Report struct {
	OK      bool     `json:"ok"`
	Reasons []string `json:"reasons,omitempty"`
}

// Validator inspects a candidate tree before it becomes visible. A failing
// report stops the edit: nothing is committed, rendered or emitted.
type Validator interface {
	Validate(ctx context.Context, tree sitetree.Tree) Report
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, tree sitetree.Tree) Report

func (f ValidatorFunc) Validate(ctx context.Context, tree sitetree.Tree) Report { return f(ctx, tree) }

// ValidationError carries the reasons of a failed validation.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	if len(e.Reasons) == 0 {
		return "editor: validation failed"
	}
	return "editor: validation failed: " + strings.Join(e.Reasons, "; ")
}

// SafeImg maps an image URL to one that is safe to render, substituting a
// placeholder for missing or invalid URLs.
type SafeImg func(raw string) string

// DefaultPlaceholder is the image shown in place of a bad URL.
const DefaultPlaceholder = "/static/placeholder.svg"

// NewSafeImg accepts http(s) URLs, root-relative paths and data:image URIs.
// Anything else becomes placeholder.
func NewSafeImg(placeholder string) SafeImg {
	if placeholder == "" {
		placeholder = DefaultPlaceholder
	}
	return func(raw string) string {
		s := strings.TrimSpace(raw)
		switch {
		case s == "", s == "undefined", s == "null":
			return placeholder
		case strings.HasPrefix(s, "data:image/"):
			return s
		case strings.HasPrefix(s, "/") && !strings.HasPrefix(s, "//"):
			return s
		}
		u, err := url.Parse(s)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return placeholder
		}
		return u.String()
	}
}

// Renderer turns a tree into the markup the user edits in place. Each
// editable element carries a data-path attribute with its ElementPath.
type Renderer interface {
	Render(ctx context.Context, tree sitetree.Tree, safeImg SafeImg) ([]byte, error)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, tree sitetree.Tree, safeImg SafeImg) ([]byte, error)

func (f RendererFunc) Render(ctx context.Context, tree sitetree.Tree, safeImg SafeImg) ([]byte, error) {
	return f(ctx, tree, safeImg)
}

// HTMLRenderer is a plain structural renderer used for previews and by the
// headless surface. Site templates replace it in production.
type HTMLRenderer struct{}

// Render writes one <article> with a <section> per container and one
// element per scalar field.
func (HTMLRenderer) Render(_ context.Context, tree sitetree.Tree, safeImg SafeImg) ([]byte, error) {
	if safeImg == nil {
		safeImg = NewSafeImg("")
	}
	root := &html.Node{Type: html.ElementNode, Data: "article", DataAtom: atom.Article}
	renderNode(root, map[string]any(tree), nil, safeImg)

	var buf bytes.Buffer
	if err := html.Render(&buf, root); err != nil {
		return nil, fmt.Errorf("editor: render: %w", err)
	}
	return buf.Bytes(), nil
}

func renderNode(parent *html.Node, v any, p sitetree.Path, safeImg SafeImg) {
	switch c := v.(type) {
	case map[string]any:
		sec := parent
		if len(p) > 0 {
			sec = element("section", p)
			parent.AppendChild(sec)
		}
		keys := make([]string, 0, len(c))
		for k := range c {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			renderNode(sec, c[k], p.Append(k), safeImg)
		}
	case []any:
		sec := element("section", p)
		parent.AppendChild(sec)
		for i, x := range c {
			renderNode(sec, x, p.Append(strconv.Itoa(i)), safeImg)
		}
	case nil:
		// Deleted field: nothing to show.
	default:
		s := fmt.Sprint(c)
		if isImageField(p) {
			img := element("img", p)
			img.Attr = append(img.Attr, html.Attribute{Key: "src", Val: safeImg(s)})
			parent.AppendChild(img)
			return
		}
		tag := "p"
		if k := p.Last(); k == "title" || k == "name" || k == "company_name" {
			tag = "h2"
		}
		el := element(tag, p)
		el.AppendChild(&html.Node{Type: html.TextNode, Data: s})
		parent.AppendChild(el)
	}
}

func element(tag string, p sitetree.Path) *html.Node {
	n := &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))}
	if len(p) > 0 {
		n.Attr = []html.Attribute{{Key: "data-path", Val: p.String()}}
	}
	return n
}

// isImageField guesses from the field name whether a scalar is an image URL.
func isImageField(p sitetree.Path) bool {
	for i := len(p) - 1; i >= 0; i-- {
		if _, err := strconv.Atoi(p[i]); err == nil {
			continue
		}
		return IsImageKey(p[i])
	}
	return false
}

// IsImageKey reports whether a field name conventionally holds an image URL.
func IsImageKey(k string) bool {
	k = strings.ToLower(k)
	switch k {
	case "src", "url", "image", "images", "logo", "photo", "photos", "avatar", "hero_image", "background":
		return true
	}
	return strings.HasSuffix(k, "_image") || strings.HasSuffix(k, "_img") ||
		(strings.HasSuffix(k, "_url") && strings.Contains(k, "image"))
}

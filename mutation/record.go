// Package mutation describes the in-place edits observed on the Content
// Surface, before they are reported to the host as bridge messages.
//
// A rendered element carries the ElementPath of the tree node it shows
// (the data-path attribute). The surface records what the user did to it
// as Records, compresses bursts (keystrokes) and turns what is left into
// UpdateElement / DeleteElement messages.
package mutation

import (
	"strings"

	"github.com/hazyhaar/liveedit/bridge"
)

// Op is the kind of in-place change.
type Op string

const (
	OpText   Op = "text"   // text content edited
	OpAttr   Op = "attr"   // attribute changed (img src, link href)
	OpRemove Op = "remove" // element deleted
	OpInsert Op = "insert" // element inserted; no tree counterpart, never reported
)

// Record is a single in-place change on one rendered element.
type Record struct {
	Op       Op     `json:"op"`
	Path     string `json:"path"`           // ElementPath from data-path
	Tag      string `json:"tag,omitempty"`  // rendered tag, e.g. "h1", "img"
	Name     string `json:"name,omitempty"` // attribute name for attr
	Value    string `json:"value,omitempty"`
	OldValue string `json:"old_value,omitempty"`
}

// Batch is what one flush of a Batcher delivers.
type Batch struct {
	PageID  string   `json:"page_id"`
	Seq     uint64   `json:"seq"` // monotonically increasing per Batcher
	Records []Record `json:"records"`
}

// ElementType names the kind of element a record touches, as carried in the
// elementType field of bridge messages.
func (r Record) ElementType() string {
	switch {
	case r.Op == OpAttr && r.Name == "src":
		return "image"
	case r.Tag == "img":
		return "image"
	case r.Tag != "":
		return strings.ToLower(r.Tag)
	default:
		return "text"
	}
}

// Messages turns records into the bridge messages reporting them. Inserts
// and attribute changes other than src/href are not reported: the tree has
// no field for them.
func Messages(records []Record) []bridge.Message {
	out := make([]bridge.Message, 0, len(records))
	for _, r := range records {
		if r.Path == "" {
			continue
		}
		switch r.Op {
		case OpText:
			out = append(out, bridge.UpdateElement{Path: r.Path, NewValue: r.Value, ElementType: r.ElementType()})
		case OpAttr:
			if r.Name != "src" && r.Name != "href" {
				continue
			}
			out = append(out, bridge.UpdateElement{Path: r.Path, NewValue: r.Value, ElementType: r.ElementType()})
		case OpRemove:
			out = append(out, bridge.DeleteElement{Path: r.Path, ElementType: r.ElementType(), Reason: "removed in place"})
		}
	}
	return out
}

package editor

import (
	"context"
	"fmt"
	"time"

	"github.com/hazyhaar/liveedit/history"
	"github.com/hazyhaar/liveedit/sitetree"
)

// Origin tells where an edit came from.
type Origin string

const (
	OriginHost    Origin = "host"    // structural update from the editing shell
	OriginSurface Origin = "surface" // direct in-place edit reported by the surface
	OriginAgent   Origin = "agent"   // MCP tool call
)

// Command is one of UpdateField, DeleteElement, Undo, Redo or
// RequestHistoryStatus.
type Command interface {
	command()
}

// UpdateField writes Value at Path.
type UpdateField struct {
	Path        string
	Value       any
	ElementType string
	Origin      Origin
}

// DeleteElement removes the node at Path. Captured is filled in by Apply
// with the value that was there.
type DeleteElement struct {
	Path        string
	ElementType string
	Reason      string
	Origin      Origin
	Captured    any
}

// Undo steps the history back.
type Undo struct{}

// Redo steps the history forward.
type Redo struct{}

// RequestHistoryStatus re-broadcasts the history affordances.
type RequestHistoryStatus struct{}

func (UpdateField) command()          {}
func (DeleteElement) command()        {}
func (Undo) command()                 {}
func (Redo) command()                 {}
func (RequestHistoryStatus) command() {}

// Result is what Apply reports back.
type Result struct {
	Applied  bool           `json:"applied"`
	Captured any            `json:"captured,omitempty"`
	Status   history.Status `json:"status"`
}

// ChangeKind names the event carried by a Change.
type ChangeKind string

const (
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
	ChangeUndo   ChangeKind = "undo"
	ChangeRedo   ChangeKind = "redo"
	ChangeReset  ChangeKind = "reset"
)

// Change is the notification published after every committed edit,
// undo, redo or reset.
type Change struct {
	PageID      string
	Kind        ChangeKind
	Path        sitetree.Path // nil for undo, redo and reset
	ElementType string
	Origin      Origin
	Before      any           // value at Path before the edit
	After       any           // value at Path after the edit
	Baseline    sitetree.Tree // tree before the edit
	Tree        sitetree.Tree // tree after the edit
	Status      history.Status
	At          time.Time
}

// Apply dispatches a command to the matching operation.
func (h *Host) Apply(ctx context.Context, cmd Command) (Result, error) {
	switch c := cmd.(type) {
	case UpdateField:
		origin := c.Origin
		if origin == "" {
			origin = OriginHost
		}
		if err := h.applyField(ctx, c.Path, c.Value, c.ElementType, origin); err != nil {
			return Result{Status: h.HistoryStatus()}, err
		}
		return Result{Applied: true, Status: h.HistoryStatus()}, nil
	case DeleteElement:
		origin := c.Origin
		if origin == "" {
			origin = OriginHost
		}
		captured, err := h.applyDelete(ctx, c.Path, c.ElementType, c.Reason, origin)
		if err != nil {
			return Result{Status: h.HistoryStatus()}, err
		}
		return Result{Applied: true, Captured: captured, Status: h.HistoryStatus()}, nil
	case Undo:
		ok, err := h.ApplyUndo(ctx)
		return Result{Applied: ok, Status: h.HistoryStatus()}, err
	case Redo:
		ok, err := h.ApplyRedo(ctx)
		return Result{Applied: ok, Status: h.HistoryStatus()}, err
	case RequestHistoryStatus:
		h.BroadcastHistory(ctx)
		return Result{Status: h.HistoryStatus()}, nil
	default:
		return Result{}, fmt.Errorf("editor: unknown command %T", cmd)
	}
}

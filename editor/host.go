// Package editor is the Edit Coordinator: it owns the canonical SiteTree of
// an editing session and keeps the Host Controller and the Content Surface
// in step over the bridge.
//
// The Host is the only writer. The Surface reports what the user did in
// place and re-renders from whatever the host pushes; it never edits its own
// copy. Field updates and deletes move the tree forward and only emit a
// HistoryUpdate; undo and redo also push the whole tree back to the surface
// with UpdateBootstrapData.
//
// Usage:
//
//	host := editor.NewHost("home", tree, editor.WithValidator(v))
//	host.Attach(ctx, bridge.NewEndpoint(transport, bridge.WithName("host")))
//	err := host.ApplyFieldUpdate(ctx, "company_name", "Acme", editor.OriginHost)
package editor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/hazyhaar/liveedit/bridge"
	"github.com/hazyhaar/liveedit/history"
	"github.com/hazyhaar/liveedit/sitetree"
)

// ErrNotEditing is returned by Stage when no element is selected.
var ErrNotEditing = errors.New("editor: no element selected")

// AuthFunc answers RequestAuthStatus for the surface.
type AuthFunc func(ctx context.Context) bool

// HostOption configures a Host.
type HostOption func(*Host)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) HostOption {
	return func(h *Host) { h.logger = l }
}

// WithValidator installs the pre-render validation collaborator.
func WithValidator(v Validator) HostOption {
	return func(h *Host) { h.validator = v }
}

// WithAuth sets how RequestAuthStatus is answered. Default: never
// authenticated.
func WithAuth(fn AuthFunc) HostOption {
	return func(h *Host) { h.auth = fn }
}

// WithHistory passes options to the history manager.
func WithHistory(opts ...history.Option) HostOption {
	return func(h *Host) { h.histOpts = append(h.histOpts, opts...) }
}

// WithHistoryObserver receives every HistoryUpdate the host emits, for the
// host-side toolbar. fn runs with the host locked and must not call back
// into it.
func WithHistoryObserver(fn func(bridge.HistoryUpdate)) HostOption {
	return func(h *Host) { h.observer = fn }
}

// EditState is Idle (Active false) or Editing(Path).
type EditState struct {
	Active bool          `json:"active"`
	Path   sitetree.Path `json:"path,omitempty"`
}

type stagedEdit struct {
	path        sitetree.Path
	value       any
	elementType string
}

// Host is the Edit Coordinator of one editing session.
type Host struct {
	pageID    string
	logger    *slog.Logger
	validator Validator
	auth      AuthFunc
	observer  func(bridge.HistoryUpdate)
	histOpts  []history.Option
	hist      *history.Manager

	mu     sync.Mutex
	ep     *bridge.Endpoint
	state  EditState
	staged *stagedEdit

	subMu   sync.Mutex
	subs    map[int]chan Change
	nextSub int
}

// NewHost creates the coordinator for pageID with initial as the history
// floor.
func NewHost(pageID string, initial sitetree.Tree, opts ...HostOption) *Host {
	h := &Host{
		pageID: pageID,
		subs:   make(map[int]chan Change),
	}
	for _, o := range opts {
		o(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With("page_id", pageID)
	if h.auth == nil {
		h.auth = func(context.Context) bool { return false }
	}
	h.hist = history.New(initial, h.histOpts...)
	return h
}

// PageID returns the page this host edits.
func (h *Host) PageID() string { return h.pageID }

// Attach connects a surface endpoint, replacing any previous one, and
// pushes the current tree and history affordances so the new surface can
// render. The caller runs ep.Run.
func (h *Host) Attach(ctx context.Context, ep *bridge.Endpoint) {
	ep.Handle(bridge.KindUpdateElement, func(ctx context.Context, m bridge.Message) {
		u := m.(bridge.UpdateElement)
		if err := h.applyField(ctx, u.Path, u.NewValue, u.ElementType, OriginSurface); err != nil {
			h.logger.Warn("editor: surface update rejected", "path", u.Path, "error", err)
		}
	})
	ep.Handle(bridge.KindDeleteElement, func(ctx context.Context, m bridge.Message) {
		d := m.(bridge.DeleteElement)
		if _, err := h.applyDelete(ctx, d.Path, d.ElementType, d.Reason, OriginSurface); err != nil {
			h.logger.Warn("editor: surface delete rejected", "path", d.Path, "error", err)
		}
	})
	ep.Handle(bridge.KindUndo, func(ctx context.Context, _ bridge.Message) {
		if _, err := h.ApplyUndo(ctx); err != nil {
			h.logger.Warn("editor: undo rejected", "error", err)
		}
	})
	ep.Handle(bridge.KindRedo, func(ctx context.Context, _ bridge.Message) {
		if _, err := h.ApplyRedo(ctx); err != nil {
			h.logger.Warn("editor: redo rejected", "error", err)
		}
	})
	ep.Handle(bridge.KindRequestHistoryStatus, func(ctx context.Context, _ bridge.Message) {
		h.BroadcastHistory(ctx)
	})
	ep.Handle(bridge.KindRequestAuthStatus, func(ctx context.Context, _ bridge.Message) {
		ep.Post(ctx, bridge.AuthStatusResponse{IsAuthenticated: h.auth(ctx)})
	})
	ep.Handle(bridge.KindHistoryUpdate, func(_ context.Context, m bridge.Message) {
		h.logger.Debug("editor: surface history notice", "can_undo", m.(bridge.HistoryUpdate).CanUndo)
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	h.ep = ep
	ep.Post(ctx, bridge.UpdateBootstrapData{Data: h.hist.Current().Tree})
	ep.Post(ctx, h.historyUpdate())
}

// Detach forgets the surface endpoint if it is still ep. Messages emitted
// while detached are dropped.
func (h *Host) Detach(ep *bridge.Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ep == ep {
		h.ep = nil
	}
}

// Tree returns the canonical tree.
func (h *Host) Tree() sitetree.Tree { return h.hist.Current().Tree }

// Get reads one field of the canonical tree.
func (h *Host) Get(path string) (any, bool, error) {
	return sitetree.Resolve(h.Tree(), path)
}

// HistoryStatus returns the current undo/redo affordances.
func (h *Host) HistoryStatus() history.Status { return h.hist.Status() }

// History returns the timeline, oldest first.
func (h *Host) History() []history.Entry { return h.hist.Entries() }

// State returns the selection state.
func (h *Host) State() EditState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Select makes path the active element. If another element is active its
// exit actions run first: a staged value is committed and the selection
// cleared.
func (h *Host) Select(ctx context.Context, path string) error {
	p, err := sitetree.ParsePath(path)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Active && h.state.Path.Equal(p) {
		return nil
	}
	if err := h.exitLocked(ctx); err != nil {
		return err
	}
	h.state = EditState{Active: true, Path: p}
	return nil
}

// Deselect runs the exit actions of the active element and returns to Idle.
func (h *Host) Deselect(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitLocked(ctx)
}

// Stage records a pending value for the active element, e.g. the text being
// typed. It is committed by the exit actions.
func (h *Host) Stage(value any, elementType string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.state.Active {
		return ErrNotEditing
	}
	h.staged = &stagedEdit{path: h.state.Path, value: value, elementType: elementType}
	return nil
}

func (h *Host) exitLocked(ctx context.Context) error {
	staged := h.staged
	h.staged = nil
	h.state = EditState{}
	if staged == nil {
		return nil
	}
	if cur, ok := h.hist.Current().Tree.Get(staged.path); ok && reflect.DeepEqual(cur, staged.value) {
		return nil
	}
	return h.commitFieldLocked(ctx, staged.path, staged.value, staged.elementType, OriginHost)
}

// ApplyFieldUpdate writes value at path, commits it and emits a
// HistoryUpdate. It never pushes the tree back to the surface.
func (h *Host) ApplyFieldUpdate(ctx context.Context, path string, value any, origin Origin) error {
	return h.applyField(ctx, path, value, "", origin)
}

func (h *Host) applyField(ctx context.Context, path string, value any, elementType string, origin Origin) error {
	p, err := sitetree.ParsePath(path)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	// A later write to the element being edited wins over its staged value.
	if h.staged != nil && h.staged.path.Equal(p) {
		h.staged = nil
	}
	return h.commitFieldLocked(ctx, p, value, elementType, origin)
}

func (h *Host) commitFieldLocked(ctx context.Context, p sitetree.Path, value any, elementType string, origin Origin) error {
	base := h.hist.Current().Tree
	next, err := base.With(p, value)
	if err != nil {
		return err
	}
	if err := h.validate(ctx, next); err != nil {
		return err
	}
	before, _ := base.Get(p)
	h.hist.Commit(next, fmt.Sprintf("update %s", p))
	h.logger.Debug("editor: field updated", "path", p.String(), "origin", origin)

	h.emitLocked(ctx, h.historyUpdate())
	h.publish(Change{
		Kind: ChangeUpdate, Path: p, ElementType: elementType, Origin: origin,
		Before: before, After: value, Baseline: base, Tree: next,
	})
	return nil
}

// ApplyDelete removes the node at path and returns the value that was
// there. The captured value is informational; the delete is undone through
// the history like any other edit.
func (h *Host) ApplyDelete(ctx context.Context, path, elementType string) (any, error) {
	return h.applyDelete(ctx, path, elementType, "", OriginHost)
}

func (h *Host) applyDelete(ctx context.Context, path, elementType, reason string, origin Origin) (any, error) {
	p, err := sitetree.ParsePath(path)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	base := h.hist.Current().Tree
	captured, _ := base.Get(p)
	next, changed, err := base.Cut(p)
	if err != nil {
		return nil, err
	}
	if !changed {
		h.logger.Debug("editor: delete changed nothing", "path", p.String(), "origin", origin)
		return captured, nil
	}
	if err := h.validate(ctx, next); err != nil {
		return nil, err
	}
	if h.staged != nil && h.staged.path.Equal(p) {
		h.staged = nil
	}
	if h.state.Active && h.state.Path.Equal(p) {
		h.state = EditState{}
	}
	h.hist.Commit(next, fmt.Sprintf("delete %s", p))
	h.logger.Debug("editor: element deleted", "path", p.String(), "origin", origin, "reason", reason)

	h.emitLocked(ctx, h.historyUpdate())
	h.publish(Change{
		Kind: ChangeDelete, Path: p, ElementType: elementType, Origin: origin,
		Before: captured, Baseline: base, Tree: next,
	})
	return captured, nil
}

// ApplyUndo steps back. On success the surface receives the restored tree
// and both sides a HistoryUpdate. It returns false, emitting nothing, when
// there is nothing to undo.
func (h *Host) ApplyUndo(ctx context.Context) (bool, error) {
	return h.step(ctx, ChangeUndo)
}

// ApplyRedo steps forward, with the same emissions as ApplyUndo.
func (h *Host) ApplyRedo(ctx context.Context) (bool, error) {
	return h.step(ctx, ChangeRedo)
}

func (h *Host) step(ctx context.Context, kind ChangeKind) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.staged = nil
	h.state = EditState{}
	base := h.hist.Current().Tree

	var e history.Entry
	var ok bool
	if kind == ChangeUndo {
		e, ok = h.hist.Undo()
	} else {
		e, ok = h.hist.Redo()
	}
	if !ok {
		h.logger.Debug("editor: nothing to "+string(kind), "status", h.hist.Status())
		return false, nil
	}
	if err := h.validate(ctx, e.Tree); err != nil {
		// Put the cursor back where it was; nothing has been shown.
		if kind == ChangeUndo {
			h.hist.Redo()
		} else {
			h.hist.Undo()
		}
		return false, err
	}

	if h.ep != nil {
		h.ep.Post(ctx, bridge.UpdateBootstrapData{Data: e.Tree})
	}
	h.emitLocked(ctx, h.historyUpdate())
	h.publish(Change{Kind: kind, Baseline: base, Tree: e.Tree})
	return true, nil
}

// BroadcastHistory re-sends the current affordances to both sides.
func (h *Host) BroadcastHistory(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.emitLocked(ctx, h.historyUpdate())
}

// Reset replaces the tree and drops the history, e.g. after regenerating the
// site. The surface gets the new tree.
func (h *Host) Reset(ctx context.Context, tree sitetree.Tree) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.validate(ctx, tree); err != nil {
		return err
	}
	base := h.hist.Current().Tree
	h.staged = nil
	h.state = EditState{}
	h.hist.Reset(tree)
	if h.ep != nil {
		h.ep.Post(ctx, bridge.UpdateBootstrapData{Data: tree})
	}
	h.emitLocked(ctx, h.historyUpdate())
	h.publish(Change{Kind: ChangeReset, Baseline: base, Tree: tree})
	return nil
}

func (h *Host) historyUpdate() bridge.HistoryUpdate {
	st := h.hist.Status()
	return bridge.HistoryUpdate{
		CanUndo:      st.CanUndo,
		CanRedo:      st.CanRedo,
		HistorySize:  st.Size,
		CurrentIndex: st.Index,
	}
}

// emitLocked sends hu to the surface and to the local observer.
func (h *Host) emitLocked(ctx context.Context, hu bridge.HistoryUpdate) {
	if h.ep != nil {
		h.ep.Post(ctx, hu)
	}
	if h.observer != nil {
		h.observer(hu)
	}
}

func (h *Host) validate(ctx context.Context, tree sitetree.Tree) error {
	if h.validator == nil {
		return nil
	}
	rep := h.validator.Validate(ctx, tree)
	if !rep.OK {
		h.logger.Warn("editor: validation failed", "reasons", rep.Reasons)
		return &ValidationError{Reasons: rep.Reasons}
	}
	return nil
}

// Subscribe returns a channel of Changes and a cancel function. Delivery is
// non-blocking: a subscriber that falls more than buffer changes behind
// misses changes.
func (h *Host) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Change, buffer)
	h.subMu.Lock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = ch
	h.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.subMu.Lock()
			delete(h.subs, id)
			h.subMu.Unlock()
			close(ch)
		})
	}
}

func (h *Host) publish(c Change) {
	c.PageID = h.pageID
	c.Status = h.hist.Status()
	c.At = time.Now()

	h.subMu.Lock()
	defer h.subMu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- c:
		default:
			h.logger.Warn("editor: change dropped, subscriber full", "kind", c.Kind)
		}
	}
}

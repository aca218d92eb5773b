// Package autosave persists committed element edits to a remote endpoint,
// debounced per element and gated on the user being signed in.
//
// A Coordinator listens to the changes of one editor.Host. Every field
// update or delete restarts that element's debounce timer and marks it
// pending. When the timer fires the Coordinator asks its AuthGate once per
// page load whether the user is signed in; if not, nothing is sent and the
// element stays pending. Otherwise the edit goes to the Persister, and the
// element shows saved for a short while, or error. Failed saves are not
// retried.
//
// Usage:
//
//	c := autosave.New("home", client, client, autosave.WithLogger(logger))
//	changes, cancel := host.Subscribe(64)
//	defer cancel()
//	go c.Run(ctx, changes)
package autosave

import (
	"context"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/liveedit/editor"
	"github.com/hazyhaar/liveedit/sitetree"
)

// Status is the save state shown next to an element.
type Status string

const (
	StatusNeutral Status = ""
	StatusPending Status = "pending"
	StatusSaved   Status = "saved"
	StatusError   Status = "error"
)

// EditType tells the endpoint which content shape an edit carries.
type EditType string

const (
	EditText  EditType = "text"
	EditImage EditType = "image"
)

// Content is {"text": ...} for text edits and {"src": ...} for image edits.
type Content map[string]any

// Edit is one persisted element edit.
type Edit struct {
	PageID          string   `json:"pageId"`
	ElementID       string   `json:"elementId"`
	EditType        EditType `json:"editType"`
	OriginalContent Content  `json:"originalContent"`
	EditedContent   Content  `json:"editedContent"`
}

// Persister stores an edit. A non-nil error marks the element as failed.
type Persister interface {
	SaveEdit(ctx context.Context, e Edit) error
}

// PersisterFunc adapts a function to Persister.
type PersisterFunc func(ctx context.Context, e Edit) error

func (f PersisterFunc) SaveEdit(ctx context.Context, e Edit) error { return f(ctx, e) }

// AuthGate reports whether the current user may persist edits.
type AuthGate interface {
	Authenticated(ctx context.Context) (bool, error)
}

// AuthFunc adapts a function to AuthGate.
type AuthFunc func(ctx context.Context) (bool, error)

func (f AuthFunc) Authenticated(ctx context.Context) (bool, error) { return f(ctx) }

// Defaults.
const (
	DefaultDebounce       = time.Second
	DefaultSavedTTL       = 2 * time.Second
	DefaultPersistTimeout = 10 * time.Second
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithDebounce sets the quiet period after the last edit of an element.
func WithDebounce(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.debounce = d
		}
	}
}

// WithSavedTTL sets how long an element shows saved before going neutral.
func WithSavedTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.savedTTL = d
		}
	}
}

// WithPersistTimeout bounds a single save call.
func WithPersistTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// OnStatus is called on every status transition, outside the lock.
func OnStatus(fn func(elementID string, s Status)) Option {
	return func(c *Coordinator) { c.onStatus = fn }
}

type pendingEdit struct {
	edit  Edit
	gen   int
	timer *time.Timer
}

// Coordinator debounces and persists the edits of one page.
type Coordinator struct {
	pageID    string
	persister Persister
	gate      AuthGate
	logger    *slog.Logger
	debounce  time.Duration
	savedTTL  time.Duration
	timeout   time.Duration
	onStatus  func(string, Status)
	ugc       *bluemonday.Policy

	mu       sync.Mutex
	pending  map[string]*pendingEdit
	statuses map[string]Status
	revert   map[string]*time.Timer
	ids      map[string]*slot // path -> element ID
	authSet  bool
	authOK   bool
	stopped  bool
	inflight sync.WaitGroup
}

// New creates a Coordinator for pageID.
func New(pageID string, p Persister, gate AuthGate, opts ...Option) *Coordinator {
	c := &Coordinator{
		pageID:    pageID,
		persister: p,
		gate:      gate,
		logger:    slog.Default(),
		debounce:  DefaultDebounce,
		savedTTL:  DefaultSavedTTL,
		timeout:   DefaultPersistTimeout,
		ugc:       bluemonday.UGCPolicy(),
		pending:   make(map[string]*pendingEdit),
		statuses:  make(map[string]Status),
		revert:    make(map[string]*time.Timer),
		ids:       make(map[string]*slot),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run consumes changes until ctx is done or the channel closes, then stops
// all timers and waits for in-flight saves.
func (c *Coordinator) Run(ctx context.Context, changes <-chan editor.Change) {
	defer c.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			c.Observe(ch)
		}
	}
}

// Observe handles one committed change. Undo, redo and reset are not
// persisted; a reset also forgets the element ID cache.
func (c *Coordinator) Observe(ch editor.Change) {
	switch ch.Kind {
	case editor.ChangeUpdate, editor.ChangeDelete:
	case editor.ChangeReset:
		c.mu.Lock()
		c.ids = make(map[string]*slot)
		c.mu.Unlock()
		return
	default:
		return
	}
	if len(ch.Path) == 0 {
		return
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	id := c.slotLocked(ch)
	typ := EditTypeFor(ch.Path, ch.ElementType)

	p := c.pending[id]
	if p == nil {
		p = &pendingEdit{edit: Edit{
			PageID:          c.pageID,
			ElementID:       id,
			EditType:        typ,
			OriginalContent: c.content(typ, ch.Before),
		}}
		c.pending[id] = p
	}
	p.gen++
	p.edit.EditType = typ
	p.edit.EditedContent = c.content(typ, ch.After)
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(c.debounce, func() { c.fire(id) })
	if t := c.revert[id]; t != nil {
		t.Stop()
		delete(c.revert, id)
	}
	changed := c.setLocked(id, StatusPending)
	c.mu.Unlock()
	c.notify(id, StatusPending, changed)
}

func (c *Coordinator) content(typ EditType, v any) Content {
	if typ == EditImage {
		s, _ := v.(string)
		return Content{"src": s}
	}
	switch s := v.(type) {
	case string:
		return Content{"text": c.ugc.Sanitize(s)}
	case nil:
		return Content{"text": ""}
	default:
		return Content{"text": s}
	}
}

// fire runs when an element's debounce window closes.
func (c *Coordinator) fire(id string) {
	c.mu.Lock()
	p := c.pending[id]
	if p == nil || c.stopped {
		c.mu.Unlock()
		return
	}
	edit, gen := p.edit, p.gen
	c.inflight.Add(1)
	c.mu.Unlock()
	defer c.inflight.Done()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if !c.authorized(ctx) {
		c.logger.Debug("autosave: not signed in, edit kept pending", "page", c.pageID, "element", id)
		return
	}

	err := c.persister.SaveEdit(ctx, edit)

	c.mu.Lock()
	if c.pending[id] != p || p.gen != gen {
		// A newer edit of the same element arrived while saving; its own
		// timer will persist it.
		c.mu.Unlock()
		return
	}
	delete(c.pending, id)
	status := StatusSaved
	if err != nil {
		status = StatusError
	}
	changed := c.setLocked(id, status)
	if status == StatusSaved && !c.stopped {
		c.revert[id] = time.AfterFunc(c.savedTTL, func() { c.clearSaved(id) })
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("autosave: save failed", "page", c.pageID, "element", id, "error", err)
	} else {
		c.logger.Debug("autosave: saved", "page", c.pageID, "element", id, "type", edit.EditType)
	}
	c.notify(id, status, changed)
}

func (c *Coordinator) clearSaved(id string) {
	c.mu.Lock()
	if c.statuses[id] != StatusSaved {
		c.mu.Unlock()
		return
	}
	delete(c.revert, id)
	changed := c.setLocked(id, StatusNeutral)
	c.mu.Unlock()
	c.notify(id, StatusNeutral, changed)
}

// authorized resolves the gate once. Errors are not cached so that a
// transient failure does not block saving for the whole page load.
func (c *Coordinator) authorized(ctx context.Context) bool {
	c.mu.Lock()
	if c.authSet {
		ok := c.authOK
		c.mu.Unlock()
		return ok
	}
	c.mu.Unlock()
	if c.gate == nil {
		return false
	}
	ok, err := c.gate.Authenticated(ctx)
	if err != nil {
		c.logger.Warn("autosave: auth check failed", "page", c.pageID, "error", err)
		return false
	}
	c.mu.Lock()
	c.authSet, c.authOK = true, ok
	c.mu.Unlock()
	return ok
}

// ResetAuth forgets the cached auth answer, as a page reload would.
func (c *Coordinator) ResetAuth() {
	c.mu.Lock()
	c.authSet, c.authOK = false, false
	c.mu.Unlock()
}

func (c *Coordinator) setLocked(id string, s Status) bool {
	if c.statuses[id] == s {
		return false
	}
	if s == StatusNeutral {
		delete(c.statuses, id)
	} else {
		c.statuses[id] = s
	}
	return true
}

func (c *Coordinator) notify(id string, s Status, changed bool) {
	if changed && c.onStatus != nil {
		c.onStatus(id, s)
	}
}

// Status returns the save state of an element.
func (c *Coordinator) Status(elementID string) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statuses[elementID]
}

// Statuses returns a copy of every non-neutral element state.
func (c *Coordinator) Statuses() map[string]Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Status, len(c.statuses))
	for k, v := range c.statuses {
		out[k] = v
	}
	return out
}

// ElementIDFor returns the cached element ID of a path, if it was edited.
func (c *Coordinator) ElementIDFor(path string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sl, ok := c.ids[path]; ok {
		return sl.id, true
	}
	return "", false
}

// slot is the persistence identity of the element at one path. seen holds
// every value the element had while it owned the slot; a path whose value is
// not among them now shows some other element.
type slot struct {
	id   string
	seen []any
}

func (sl *slot) knows(v any) bool {
	for _, x := range sl.seen {
		if reflect.DeepEqual(x, v) {
			return true
		}
	}
	return false
}

func (sl *slot) remember(v any) {
	if !sl.knows(v) {
		sl.seen = append(sl.seen, v)
	}
}

// slotLocked returns the element ID for ch and keeps the path cache in step
// with it. A splice out of a list moves the slots of the later siblings down
// one index and frees the deleted one.
func (c *Coordinator) slotLocked(ch editor.Change) string {
	key := ch.Path.String()
	sl := c.ids[key]
	if sl == nil || !sl.knows(ch.Before) {
		sl = &slot{id: ElementID(ch.Baseline, ch.Path, ch.ElementType)}
		c.ids[key] = sl
	}
	sl.remember(ch.Before)

	if ch.Kind == editor.ChangeDelete {
		if parent, _ := ch.Baseline.Get(ch.Path.Parent()); isList(parent) {
			c.shiftLocked(ch.Path)
			return sl.id
		}
		c.dropUnderLocked(key)
	}
	sl.remember(ch.After)
	return sl.id
}

// shiftLocked frees the slots at and under the spliced path and renumbers
// those of its later siblings.
func (c *Coordinator) shiftLocked(p sitetree.Path) {
	prefix := p.Parent()
	cut, _ := strconv.Atoi(p.Last())
	next := make(map[string]*slot, len(c.ids))
	for k, sl := range c.ids {
		q, err := sitetree.ParsePath(k)
		if err != nil || len(q) <= len(prefix) || !q[:len(prefix)].Equal(prefix) {
			next[k] = sl
			continue
		}
		i, err := strconv.Atoi(q[len(prefix)])
		switch {
		case err != nil || i < cut:
			next[k] = sl
		case i > cut:
			moved := q.Append()
			moved[len(prefix)] = strconv.Itoa(i - 1)
			next[moved.String()] = sl
		}
	}
	c.ids = next
}

// dropUnderLocked forgets the slots of descendants of a nulled map key.
func (c *Coordinator) dropUnderLocked(key string) {
	for k := range c.ids {
		if strings.HasPrefix(k, key+".") {
			delete(c.ids, k)
		}
	}
}

func isList(v any) bool {
	_, ok := v.([]any)
	return ok
}

// Flush fires every pending element now instead of waiting for its timer.
func (c *Coordinator) Flush() {
	c.mu.Lock()
	var ids []string
	for id, p := range c.pending {
		if p.timer != nil && p.timer.Stop() {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.fire(id)
	}
}

// Stop cancels all timers and waits for in-flight saves. Pending edits
// are dropped.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.stopped = true
	for _, p := range c.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	for _, t := range c.revert {
		t.Stop()
	}
	c.mu.Unlock()
	c.inflight.Wait()
}

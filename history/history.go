// Package history keeps the linear undo/redo timeline of a SiteTree editing
// session.
//
// The undo stack holds every committed snapshot, oldest first; its top is
// the current tree and its bottom is the floor that can never be undone.
// The redo stack holds snapshots stepped back over by Undo. A commit clears
// the redo stack, so an abandoned branch is gone for good.
//
// A Manager is pure state: no I/O, no callbacks. The caller propagates
// results to whoever renders them.
package history

import (
	"sync"
	"time"

	"github.com/hazyhaar/liveedit/idgen"
	"github.com/hazyhaar/liveedit/sitetree"
)

// DefaultMaxSize bounds the undo stack when no option overrides it.
const DefaultMaxSize = 50

// Entry is an immutable snapshot. The tree it points to is never written.
type Entry struct {
	ID        string        `json:"id"`
	Tree      sitetree.Tree `json:"tree"`
	Label     string        `json:"label"`
	Timestamp time.Time     `json:"timestamp"`
}

// Status is what toolbars need to enable their undo/redo affordances.
type Status struct {
	CanUndo bool `json:"canUndo"`
	CanRedo bool `json:"canRedo"`
	Size    int  `json:"historySize"`
	Index   int  `json:"currentIndex"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxSize bounds the undo stack. Values below 2 are raised to 2 so that
// at least one step can be undone.
func WithMaxSize(n int) Option {
	return func(m *Manager) {
		if n < 2 {
			n = 2
		}
		m.max = n
	}
}

// WithClock overrides time.Now for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides the entry ID strategy.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(m *Manager) { m.newID = gen }
}

// Manager owns the two stacks. It is safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	undo  []Entry
	redo  []Entry
	max   int
	now   func() time.Time
	newID idgen.Generator
}

// New creates a Manager whose floor is initial.
func New(initial sitetree.Tree, opts ...Option) *Manager {
	m := &Manager{
		max:   DefaultMaxSize,
		now:   time.Now,
		newID: idgen.Prefixed("hst_", idgen.Default),
	}
	for _, o := range opts {
		o(m)
	}
	m.undo = []Entry{m.entry(initial, "initial")}
	return m
}

func (m *Manager) entry(tree sitetree.Tree, label string) Entry {
	if tree == nil {
		tree = sitetree.Tree{}
	}
	return Entry{ID: m.newID(), Tree: tree, Label: label, Timestamp: m.now()}
}

// Commit records tree as the new current snapshot. The redo stack is
// discarded and the oldest entry is evicted when the bound is exceeded.
func (m *Manager) Commit(tree sitetree.Tree, label string) Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entry(tree, label)
	m.undo = append(m.undo, e)
	m.redo = nil
	m.evict()
	return e
}

func (m *Manager) evict() {
	if over := len(m.undo) - m.max; over > 0 {
		kept := make([]Entry, m.max)
		copy(kept, m.undo[over:])
		m.undo = kept
	}
}

// Undo steps back one snapshot and returns the entry that is now current.
// It returns false at the floor.
func (m *Manager) Undo() (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.undo) <= 1 {
		return Entry{}, false
	}
	top := m.undo[len(m.undo)-1]
	m.undo = m.undo[:len(m.undo)-1]
	m.redo = append(m.redo, top)
	return m.undo[len(m.undo)-1], true
}

// Redo re-applies the most recently undone snapshot and returns it. The
// entry goes back on the undo stack; the rest of the redo stack is kept.
// It returns false when nothing was undone.
func (m *Manager) Redo() (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.redo) == 0 {
		return Entry{}, false
	}
	e := m.redo[len(m.redo)-1]
	m.redo = m.redo[:len(m.redo)-1]
	m.undo = append(m.undo, e)
	m.evict()
	return e, true
}

// Current returns the entry at the top of the undo stack.
func (m *Manager) Current() Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.undo[len(m.undo)-1]
}

// Status reports the undo/redo affordances. Size counts every reachable
// snapshot; Index is the position of the current one.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		CanUndo: len(m.undo) > 1,
		CanRedo: len(m.redo) > 0,
		Size:    len(m.undo) + len(m.redo),
		Index:   len(m.undo) - 1,
	}
}

// Entries returns the timeline oldest first, undone entries included.
func (m *Manager) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.undo)+len(m.redo))
	out = append(out, m.undo...)
	for i := len(m.redo) - 1; i >= 0; i-- {
		out = append(out, m.redo[i])
	}
	return out
}

// Reset drops the timeline and installs tree as the new floor.
func (m *Manager) Reset(tree sitetree.Tree) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.undo = []Entry{m.entry(tree, "initial")}
	m.redo = nil
}

// MaxSize returns the bound of the undo stack.
func (m *Manager) MaxSize() int { return m.max }

package autosave

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/liveedit/editor"
	"github.com/hazyhaar/liveedit/sitetree"
)

func baseline() sitetree.Tree {
	return sitetree.Tree{
		"company_name": "Old Co",
		"logo":         "/img/logo.png",
		"services": []any{
			map[string]any{"title": "Roofing", "description": "<p>We fix <b>roofs</b> fast and well</p>"},
		},
	}
}

func update(path string, before, after any) editor.Change {
	return editor.Change{
		PageID:   "home",
		Kind:     editor.ChangeUpdate,
		Path:     sitetree.MustParsePath(path),
		Before:   before,
		After:    after,
		Baseline: baseline(),
	}
}

type recorder struct {
	mu    sync.Mutex
	edits []Edit
	err   error
	ch    chan Edit
}

func newRecorder() *recorder { return &recorder{ch: make(chan Edit, 16)} }

func (r *recorder) SaveEdit(_ context.Context, e Edit) error {
	r.mu.Lock()
	r.edits = append(r.edits, e)
	err := r.err
	r.mu.Unlock()
	r.ch <- e
	return err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.edits)
}

func signedIn(ok bool) AuthGate {
	return AuthFunc(func(context.Context) (bool, error) { return ok, nil })
}

func waitStatus(t *testing.T, c *Coordinator, id string, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Status(id) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("status of %s: got %q, want %q", id, c.Status(id), want)
}

func TestCoordinator_NotSignedInNeverPersists(t *testing.T) {
	rec := newRecorder()
	c := New("home", rec, signedIn(false), WithDebounce(10*time.Millisecond))
	defer c.Stop()

	c.Observe(update("company_name", "Old Co", "New Co"))
	id, _ := c.ElementIDFor("company_name")
	time.Sleep(60 * time.Millisecond)

	if rec.count() != 0 {
		t.Fatalf("persisted %d edits while signed out", rec.count())
	}
	if got := c.Status(id); got != StatusPending {
		t.Fatalf("got %q, want pending", got)
	}
}

func TestCoordinator_DebounceRestarts(t *testing.T) {
	rec := newRecorder()
	c := New("home", rec, signedIn(true), WithDebounce(50*time.Millisecond))
	defer c.Stop()

	c.Observe(update("company_name", "Old Co", "N"))
	time.Sleep(20 * time.Millisecond)
	c.Observe(update("company_name", "N", "New Co"))

	select {
	case e := <-rec.ch:
		if e.OriginalContent["text"] != "Old Co" || e.EditedContent["text"] != "New Co" {
			t.Fatalf("got %+v", e)
		}
		if e.PageID != "home" || e.EditType != EditText {
			t.Fatalf("got %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no save")
	}
	time.Sleep(80 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("saves: got %d, want 1", rec.count())
	}
}

func TestCoordinator_IndependentTimers(t *testing.T) {
	rec := newRecorder()
	c := New("home", rec, signedIn(true), WithDebounce(10*time.Millisecond))
	defer c.Stop()

	c.Observe(update("company_name", "Old Co", "A"))
	c.Observe(update("logo", "/img/logo.png", "/img/new.png"))

	seen := map[EditType]Edit{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-rec.ch:
			seen[e.EditType] = e
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d saves, want 2", i)
		}
	}
	if seen[EditImage].EditedContent["src"] != "/img/new.png" {
		t.Fatalf("image edit: got %+v", seen[EditImage])
	}
	if seen[EditText].EditedContent["text"] != "A" {
		t.Fatalf("text edit: got %+v", seen[EditText])
	}
}

func TestCoordinator_SavedRevertsToNeutral(t *testing.T) {
	rec := newRecorder()
	var mu sync.Mutex
	var trail []Status
	c := New("home", rec, signedIn(true),
		WithDebounce(5*time.Millisecond),
		WithSavedTTL(30*time.Millisecond),
		OnStatus(func(_ string, s Status) {
			mu.Lock()
			trail = append(trail, s)
			mu.Unlock()
		}),
	)
	defer c.Stop()

	c.Observe(update("company_name", "Old Co", "New Co"))
	id, _ := c.ElementIDFor("company_name")
	waitStatus(t, c, id, StatusSaved)
	waitStatus(t, c, id, StatusNeutral)

	mu.Lock()
	defer mu.Unlock()
	want := []Status{StatusPending, StatusSaved, StatusNeutral}
	if len(trail) != len(want) {
		t.Fatalf("got %v, want %v", trail, want)
	}
	for i := range want {
		if trail[i] != want[i] {
			t.Fatalf("got %v, want %v", trail, want)
		}
	}
}

func TestCoordinator_ErrorNotRetried(t *testing.T) {
	rec := newRecorder()
	rec.err = errors.New("503")
	c := New("home", rec, signedIn(true), WithDebounce(5*time.Millisecond))
	defer c.Stop()

	c.Observe(update("company_name", "Old Co", "New Co"))
	id, _ := c.ElementIDFor("company_name")
	waitStatus(t, c, id, StatusError)
	time.Sleep(40 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("saves: got %d, want 1", rec.count())
	}
}

func TestCoordinator_AuthResolvedOnce(t *testing.T) {
	rec := newRecorder()
	calls := 0
	var mu sync.Mutex
	gate := AuthFunc(func(context.Context) (bool, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return true, nil
	})
	c := New("home", rec, gate, WithDebounce(5*time.Millisecond))
	defer c.Stop()

	c.Observe(update("company_name", "Old Co", "A"))
	<-rec.ch
	c.Observe(update("logo", "/img/logo.png", "/b.png"))
	<-rec.ch

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("auth calls: got %d, want 1", calls)
	}
}

func TestCoordinator_IgnoresUndoRedo(t *testing.T) {
	rec := newRecorder()
	c := New("home", rec, signedIn(true), WithDebounce(5*time.Millisecond))
	defer c.Stop()
	c.Observe(editor.Change{Kind: editor.ChangeUndo})
	c.Observe(editor.Change{Kind: editor.ChangeRedo})
	time.Sleep(30 * time.Millisecond)
	if rec.count() != 0 || len(c.Statuses()) != 0 {
		t.Fatalf("undo/redo should not persist: %d saves, %v", rec.count(), c.Statuses())
	}
}

func TestCoordinator_DeleteSendsEmptyText(t *testing.T) {
	rec := newRecorder()
	c := New("home", rec, signedIn(true), WithDebounce(5*time.Millisecond))
	defer c.Stop()

	ch := update("services.0.title", "Roofing", nil)
	ch.Kind = editor.ChangeDelete
	ch.ElementType = "h2"
	c.Observe(ch)

	e := <-rec.ch
	if e.EditedContent["text"] != "" || e.OriginalContent["text"] != "Roofing" {
		t.Fatalf("got %+v", e)
	}
	if e.ElementID != "h2-roofing-3" {
		t.Fatalf("element id: got %q", e.ElementID)
	}
}

func TestCoordinator_FromHost(t *testing.T) {
	rec := newRecorder()
	h := editor.NewHost("home", baseline())
	changes, cancel := h.Subscribe(8)
	defer cancel()

	c := New("home", rec, signedIn(true), WithDebounce(5*time.Millisecond))
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go c.Run(ctx, changes)

	if err := h.ApplyFieldUpdate(ctx, "company_name", "Acme", editor.OriginHost); err != nil {
		t.Fatal(err)
	}
	select {
	case e := <-rec.ch:
		if e.EditedContent["text"] != "Acme" {
			t.Fatalf("got %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no save from host change")
	}
}

func TestCoordinator_SpliceFreesSlot(t *testing.T) {
	rec := newRecorder()
	h := editor.NewHost("home", sitetree.Tree{"services": []any{"Alpha", "Bravo", "Charlie"}})
	changes, cancel := h.Subscribe(8)
	defer cancel()

	c := New("home", rec, signedIn(true), WithDebounce(5*time.Millisecond))
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go c.Run(ctx, changes)

	save := func() Edit {
		t.Helper()
		select {
		case e := <-rec.ch:
			return e
		case <-time.After(2 * time.Second):
			t.Fatal("no save")
			return Edit{}
		}
	}

	if err := h.ApplyFieldUpdate(ctx, "services.2", "Charlie 2", editor.OriginHost); err != nil {
		t.Fatal(err)
	}
	charlie := save()

	if _, err := h.ApplyDelete(ctx, "services.0", "text"); err != nil {
		t.Fatal(err)
	}
	alpha := save()
	if alpha.ElementID != "text-alpha-0" || alpha.EditedContent["text"] != "" {
		t.Fatalf("delete: got %+v", alpha)
	}

	if err := h.ApplyFieldUpdate(ctx, "services.0", "Bravo edited", editor.OriginHost); err != nil {
		t.Fatal(err)
	}
	bravo := save()
	if bravo.ElementID == alpha.ElementID {
		t.Fatalf("bravo reused the deleted element's slot %q", alpha.ElementID)
	}
	if bravo.OriginalContent["text"] != "Bravo" {
		t.Fatalf("bravo original: got %+v", bravo.OriginalContent)
	}

	// Charlie moved from index 2 to 1 and keeps its slot.
	if err := h.ApplyFieldUpdate(ctx, "services.1", "Charlie 3", editor.OriginHost); err != nil {
		t.Fatal(err)
	}
	if again := save(); again.ElementID != charlie.ElementID {
		t.Fatalf("charlie: got slot %q, want %q", again.ElementID, charlie.ElementID)
	}
}

func TestElementID(t *testing.T) {
	tree := baseline()
	tests := []struct {
		path, typ, want string
	}{
		{"company_name", "h1", "h1-old-co-0"},
		{"logo", "", "image-imglogopng-1"},
		{"services.0.title", "", "text-roofing-3"},
		{"services.0.description", "p", "p-we-fix-roofs-fast-an-2"},
		{"services.0", "article", "article-we-fix-roofs-fast-an-2"},
		{"brand_new", "", "text-no-text-4"},
		{"logo", "img", "img-imglogopng-1"},
	}
	for _, tt := range tests {
		got := ElementID(tree, sitetree.MustParsePath(tt.path), tt.typ)
		if got != tt.want {
			t.Fatalf("ElementID(%s): got %q, want %q", tt.path, got, tt.want)
		}
	}
	if got := ElementID(sitetree.Tree{"divider": "***"}, sitetree.MustParsePath("divider"), "hr"); got != "hr-no-text-0" {
		t.Fatalf("punctuation only: got %q", got)
	}
	// Stable across identical renders.
	if ElementID(baseline(), sitetree.MustParsePath("company_name"), "h1") != ElementID(tree, sitetree.MustParsePath("company_name"), "h1") {
		t.Fatal("element id not stable")
	}
}

func TestFragment(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Hello   World", "hello-world"},
		{"<b>Bold</b> &amp; more", "bold--more"},
		{"  ", ""},
		{"abcdefghijklmnopqrstuvwxyz", "abcdefghijklmnopqrst"},
	}
	for _, tt := range tests {
		if got := Fragment(tt.in); got != tt.want {
			t.Fatalf("Fragment(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}

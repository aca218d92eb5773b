package editor

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/hazyhaar/liveedit/bridge"
	"github.com/hazyhaar/liveedit/sitetree"
)

func siteTree(t *testing.T) sitetree.Tree {
	t.Helper()
	tree, err := sitetree.FromJSON([]byte(`{
		"company_name": "Old Co",
		"services": [
			{"title": "Roofing", "description": "Roofs"},
			{"title": "Siding", "description": "Walls"}
		],
		"contact": {"phone": "555-0100"}
	}`))
	if err != nil {
		t.Fatal(err)
	}
	return tree
}

// rawSurface attaches a pipe to h and returns its far end, with the
// bootstrap push and initial HistoryUpdate already consumed.
func rawSurface(t *testing.T, h *Host) bridge.Transport {
	t.Helper()
	hostT, surfT := bridge.Pipe()
	t.Cleanup(func() { hostT.Close(); surfT.Close() })
	h.Attach(context.Background(), bridge.NewEndpoint(hostT, bridge.WithName("host")))
	if _, ok := next(t, surfT).(bridge.UpdateBootstrapData); !ok {
		t.Fatal("attach should push the tree first")
	}
	if _, ok := next(t, surfT).(bridge.HistoryUpdate); !ok {
		t.Fatal("attach should push history affordances")
	}
	return surfT
}

func next(t *testing.T, tr bridge.Transport) bridge.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	frame, err := tr.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	m, err := bridge.Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return m
}

func expectSilence(t *testing.T, tr bridge.Transport) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if frame, err := tr.Recv(ctx); err == nil {
		t.Fatalf("unexpected message: %s", frame)
	}
}

func TestFieldEditSync(t *testing.T) {
	var local []bridge.HistoryUpdate
	h := NewHost("home", siteTree(t), WithHistoryObserver(func(hu bridge.HistoryUpdate) {
		local = append(local, hu)
	}))
	surf := rawSurface(t, h)

	if err := h.ApplyFieldUpdate(context.Background(), "company_name", "Acme", OriginHost); err != nil {
		t.Fatal(err)
	}
	if !h.HistoryStatus().CanUndo {
		t.Fatal("canUndo should be true")
	}
	hu, ok := next(t, surf).(bridge.HistoryUpdate)
	if !ok {
		t.Fatal("expected HistoryUpdate")
	}
	if !hu.CanUndo || hu.CanRedo {
		t.Fatalf("got %+v, want canUndo only", hu)
	}
	expectSilence(t, surf)

	if len(local) != 1 || !local[0].CanUndo {
		t.Fatalf("local observer: got %+v", local)
	}
	if v, _, _ := h.Get("company_name"); v != "Acme" {
		t.Fatalf("tree: got %v, want Acme", v)
	}
}

func TestUndoAfterDelete(t *testing.T) {
	h := NewHost("home", siteTree(t))
	surf := rawSurface(t, h)
	ctx := context.Background()

	captured, err := h.ApplyDelete(ctx, "services.0", "service")
	if err != nil {
		t.Fatal(err)
	}
	if c, ok := captured.(map[string]any); !ok || c["title"] != "Roofing" {
		t.Fatalf("captured: got %v", captured)
	}
	next(t, surf) // HistoryUpdate

	ok, err := h.ApplyUndo(ctx)
	if err != nil || !ok {
		t.Fatalf("undo: ok=%v err=%v", ok, err)
	}
	v, _, _ := h.Get("services.0")
	if !reflect.DeepEqual(v, captured) {
		t.Fatalf("services.0: got %v, want %v", v, captured)
	}

	push, ok := next(t, surf).(bridge.UpdateBootstrapData)
	if !ok {
		t.Fatal("undo should push the tree")
	}
	if !sitetree.Equal(push.Data, siteTree(t)) {
		t.Fatalf("pushed tree: got %v", push.Data)
	}
	hu, ok := next(t, surf).(bridge.HistoryUpdate)
	if !ok || hu.CanUndo || !hu.CanRedo {
		t.Fatalf("history after undo: got %+v", hu)
	}
}

func TestDeleteMissingIsNoop(t *testing.T) {
	h := NewHost("home", siteTree(t))
	surf := rawSurface(t, h)
	changes, cancel := h.Subscribe(4)
	defer cancel()
	ctx := context.Background()

	for _, path := range []string{"hero.title", "services.9"} {
		captured, err := h.ApplyDelete(ctx, path, "text")
		if err != nil || captured != nil {
			t.Fatalf("%s: got %v, %v", path, captured, err)
		}
	}
	if h.HistoryStatus().CanUndo {
		t.Fatal("a delete that changes nothing should not be committed")
	}
	if !sitetree.Equal(h.Tree(), siteTree(t)) {
		t.Fatalf("tree changed: %v", h.Tree())
	}
	select {
	case c := <-changes:
		t.Fatalf("unexpected change: %+v", c)
	default:
	}
	expectSilence(t, surf)
}

func TestFieldUpdate_IndexFarPastEnd(t *testing.T) {
	h := NewHost("home", siteTree(t))
	surf := rawSurface(t, h)
	err := h.ApplyFieldUpdate(context.Background(), "services.99999999999999", "X", OriginSurface)
	var pe *sitetree.PathError
	if !errors.As(err, &pe) {
		t.Fatalf("got %v, want *sitetree.PathError", err)
	}
	if h.HistoryStatus().CanUndo {
		t.Fatal("nothing should be committed")
	}
	expectSilence(t, surf)
}

func TestUndoWithoutHistoryEmitsNothing(t *testing.T) {
	h := NewHost("home", siteTree(t))
	surf := rawSurface(t, h)
	ok, err := h.ApplyUndo(context.Background())
	if ok || err != nil {
		t.Fatalf("got ok=%v err=%v", ok, err)
	}
	ok, _ = h.ApplyRedo(context.Background())
	if ok {
		t.Fatal("redo should report false")
	}
	expectSilence(t, surf)
}

func TestRedoPushesTree(t *testing.T) {
	h := NewHost("home", siteTree(t))
	surf := rawSurface(t, h)
	ctx := context.Background()

	h.ApplyFieldUpdate(ctx, "company_name", "Acme", OriginHost)
	next(t, surf)
	h.ApplyUndo(ctx)
	next(t, surf)
	next(t, surf)

	if ok, _ := h.ApplyRedo(ctx); !ok {
		t.Fatal("redo failed")
	}
	push := next(t, surf).(bridge.UpdateBootstrapData)
	if push.Data["company_name"] != "Acme" {
		t.Fatalf("redo push: got %v", push.Data["company_name"])
	}
}

func TestSelect_ExitCommitsStaged(t *testing.T) {
	h := NewHost("home", siteTree(t))
	ctx := context.Background()

	if err := h.Stage("x", "text"); !errors.Is(err, ErrNotEditing) {
		t.Fatalf("stage while idle: got %v", err)
	}
	if err := h.Select(ctx, "company_name"); err != nil {
		t.Fatal(err)
	}
	if err := h.Stage("Typed Co", "h1"); err != nil {
		t.Fatal(err)
	}
	if h.HistoryStatus().CanUndo {
		t.Fatal("staging must not commit")
	}
	if err := h.Select(ctx, "contact.phone"); err != nil {
		t.Fatal(err)
	}
	if v, _, _ := h.Get("company_name"); v != "Typed Co" {
		t.Fatalf("got %v, want Typed Co", v)
	}
	st := h.State()
	if !st.Active || st.Path.String() != "contact.phone" {
		t.Fatalf("state: got %+v", st)
	}
	if err := h.Deselect(ctx); err != nil {
		t.Fatal(err)
	}
	if h.State().Active {
		t.Fatal("expected idle")
	}
	if h.HistoryStatus().Size != 2 {
		t.Fatalf("size: got %d, want 2", h.HistoryStatus().Size)
	}
}

func TestSelect_UnchangedStageDoesNotCommit(t *testing.T) {
	h := NewHost("home", siteTree(t))
	ctx := context.Background()
	h.Select(ctx, "company_name")
	h.Stage("Old Co", "h1")
	h.Deselect(ctx)
	if h.HistoryStatus().CanUndo {
		t.Fatal("unchanged value should not be committed")
	}
}

func TestSelect_MalformedPath(t *testing.T) {
	h := NewHost("home", siteTree(t))
	var pe *sitetree.PathError
	if err := h.Select(context.Background(), "a..b"); !errors.As(err, &pe) {
		t.Fatalf("got %v, want PathError", err)
	}
}

func TestLastWriterWins_StructuralAfterStaged(t *testing.T) {
	h := NewHost("home", siteTree(t))
	ctx := context.Background()
	h.Select(ctx, "company_name")
	h.Stage("typed in place", "h1")
	if err := h.ApplyFieldUpdate(ctx, "company_name", "Structural", OriginHost); err != nil {
		t.Fatal(err)
	}
	h.Deselect(ctx)
	if v, _, _ := h.Get("company_name"); v != "Structural" {
		t.Fatalf("got %v, want Structural", v)
	}
}

func TestApplyFieldUpdate_MalformedPath(t *testing.T) {
	h := NewHost("home", siteTree(t))
	err := h.ApplyFieldUpdate(context.Background(), "", "x", OriginHost)
	var pe *sitetree.PathError
	if !errors.As(err, &pe) {
		t.Fatalf("got %v, want PathError", err)
	}
}

func TestValidationIsHardStop(t *testing.T) {
	v := ValidatorFunc(func(_ context.Context, tree sitetree.Tree) Report {
		if tree["company_name"] == "Other Tenant LLC" {
			return Report{OK: false, Reasons: []string{"foreign business name"}}
		}
		return Report{OK: true}
	})
	h := NewHost("home", siteTree(t), WithValidator(v))
	surf := rawSurface(t, h)

	err := h.ApplyFieldUpdate(context.Background(), "company_name", "Other Tenant LLC", OriginHost)
	var ve *ValidationError
	if !errors.As(err, &ve) || len(ve.Reasons) != 1 {
		t.Fatalf("got %v, want ValidationError", err)
	}
	if h.HistoryStatus().CanUndo {
		t.Fatal("rejected edit must not be committed")
	}
	expectSilence(t, surf)
}

func TestValidationFailureOnUndoRestoresCursor(t *testing.T) {
	reject := false
	v := ValidatorFunc(func(_ context.Context, tree sitetree.Tree) Report {
		if reject && tree["company_name"] == "Old Co" {
			return Report{OK: false, Reasons: []string{"stale"}}
		}
		return Report{OK: true}
	})
	h := NewHost("home", siteTree(t), WithValidator(v))
	ctx := context.Background()
	h.ApplyFieldUpdate(ctx, "company_name", "Acme", OriginHost)
	reject = true

	ok, err := h.ApplyUndo(ctx)
	if ok || err == nil {
		t.Fatalf("got ok=%v err=%v, want failure", ok, err)
	}
	if v, _, _ := h.Get("company_name"); v != "Acme" {
		t.Fatalf("tree: got %v, want Acme", v)
	}
	st := h.HistoryStatus()
	if !st.CanUndo || st.CanRedo {
		t.Fatalf("status: got %+v", st)
	}
}

func TestSubscribe(t *testing.T) {
	h := NewHost("home", siteTree(t))
	ch, cancel := h.Subscribe(8)
	defer cancel()
	ctx := context.Background()

	h.ApplyFieldUpdate(ctx, "contact.phone", "555-0199", OriginHost)
	h.ApplyDelete(ctx, "services.1", "service")
	h.ApplyUndo(ctx)

	c := <-ch
	if c.Kind != ChangeUpdate || c.Path.String() != "contact.phone" || c.Before != "555-0100" || c.After != "555-0199" {
		t.Fatalf("update change: got %+v", c)
	}
	if c.PageID != "home" {
		t.Fatalf("page id: got %q", c.PageID)
	}
	c = <-ch
	if c.Kind != ChangeDelete || c.ElementType != "service" {
		t.Fatalf("delete change: got %+v", c)
	}
	c = <-ch
	if c.Kind != ChangeUndo || c.Path != nil {
		t.Fatalf("undo change: got %+v", c)
	}
}

func TestApply_Commands(t *testing.T) {
	h := NewHost("home", siteTree(t))
	ctx := context.Background()

	res, err := h.Apply(ctx, UpdateField{Path: "company_name", Value: "Acme"})
	if err != nil || !res.Applied || !res.Status.CanUndo {
		t.Fatalf("update: %+v %v", res, err)
	}
	res, err = h.Apply(ctx, DeleteElement{Path: "contact.phone"})
	if err != nil || res.Captured != "555-0100" {
		t.Fatalf("delete: %+v %v", res, err)
	}
	v, ok, _ := h.Get("contact.phone")
	if !ok || v != nil {
		t.Fatalf("deleted map key: got %v (ok=%v), want kept nil", v, ok)
	}
	res, _ = h.Apply(ctx, Undo{})
	if !res.Applied || !res.Status.CanRedo {
		t.Fatalf("undo: %+v", res)
	}
	res, _ = h.Apply(ctx, Redo{})
	if !res.Applied {
		t.Fatalf("redo: %+v", res)
	}
	res, _ = h.Apply(ctx, RequestHistoryStatus{})
	if res.Applied || res.Status.Size != 3 {
		t.Fatalf("status: %+v", res)
	}
}

func TestReset(t *testing.T) {
	h := NewHost("home", siteTree(t))
	surf := rawSurface(t, h)
	ctx := context.Background()
	h.ApplyFieldUpdate(ctx, "company_name", "Acme", OriginHost)
	next(t, surf)

	if err := h.Reset(ctx, sitetree.Tree{"company_name": "Fresh"}); err != nil {
		t.Fatal(err)
	}
	if h.HistoryStatus().CanUndo {
		t.Fatal("reset should drop history")
	}
	push := next(t, surf).(bridge.UpdateBootstrapData)
	if push.Data["company_name"] != "Fresh" {
		t.Fatalf("push: got %v", push.Data)
	}
}

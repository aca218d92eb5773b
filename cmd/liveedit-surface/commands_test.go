package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/liveedit/bridge"
	"github.com/hazyhaar/liveedit/editor"
	"github.com/hazyhaar/liveedit/sitetree"
)

func session(t *testing.T) (*editor.Host, *editor.Surface) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hostT, surfT := bridge.Pipe()
	t.Cleanup(func() { hostT.Close(); surfT.Close() })

	host := editor.NewHost("home", sitetree.Tree{
		"company_name": "Old Co",
		"services":     []any{map[string]any{"title": "Roofing"}, map[string]any{"title": "Siding"}},
	}, editor.WithAuth(func(context.Context) bool { return true }))
	hostEP := bridge.NewEndpoint(hostT, bridge.WithName("host"))
	host.Attach(ctx, hostEP)
	go hostEP.Run(ctx)

	surfEP := bridge.NewEndpoint(surfT, bridge.WithName("surface"))
	surf := editor.NewSurface(surfEP)
	go surfEP.Run(ctx)
	surf.Load(ctx)
	waitFor(t, func() bool { return surf.Tree() != nil })
	return host, surf
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestExecLine_EditUndoRedo(t *testing.T) {
	host, surf := session(t)
	ctx := context.Background()
	var out bytes.Buffer

	if _, err := execLine(ctx, surf, "edit company_name Acme Roofing Ltd", &out); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return host.Tree()["company_name"] == "Acme Roofing Ltd" })

	if _, err := execLine(ctx, surf, "undo", &out); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return surf.Tree()["company_name"] == "Old Co" })

	if _, err := execLine(ctx, surf, "redo", &out); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return surf.Tree()["company_name"] == "Acme Roofing Ltd" })
}

func TestExecLine_DeleteAndShow(t *testing.T) {
	host, surf := session(t)
	ctx := context.Background()
	var out bytes.Buffer

	if _, err := execLine(ctx, surf, "delete services.0", &out); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(host.Tree()["services"].([]any)) == 1 })

	// The surface only sees the new tree after an undo/redo push, so show
	// reads what it has.
	if _, err := execLine(ctx, surf, "show services.1.title", &out); err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(out.String()); got != `"Siding"` {
		t.Fatalf("show: got %q", got)
	}
}

func TestExecLine_JSONValues(t *testing.T) {
	host, surf := session(t)
	ctx := context.Background()

	if _, err := execLine(ctx, surf, `edit stats {"years": 12}`, &bytes.Buffer{}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		m, ok := host.Tree()["stats"].(map[string]any)
		return ok && m["years"] == float64(12)
	})
}

func TestExecLine_Errors(t *testing.T) {
	_, surf := session(t)
	ctx := context.Background()
	for _, line := range []string{"edit company_name", "delete", "frobnicate", "edit a..b x", "show missing"} {
		if _, err := execLine(ctx, surf, line, &bytes.Buffer{}); err == nil {
			t.Errorf("%q: expected error", line)
		}
	}
	if quit, _ := execLine(ctx, surf, "quit", &bytes.Buffer{}); !quit {
		t.Error("quit should end the session")
	}
	if quit, err := execLine(ctx, surf, "   ", &bytes.Buffer{}); quit || err != nil {
		t.Errorf("blank line: %v %v", quit, err)
	}
}

func TestExecLine_Status(t *testing.T) {
	_, surf := session(t)
	var out bytes.Buffer
	waitFor(t, func() bool {
		ok, _ := surf.Authenticated(context.Background())
		return ok
	})
	if _, err := execLine(context.Background(), surf, "status", &out); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "authenticated=true") {
		t.Fatalf("status: got %q", out.String())
	}
}

func TestParseValue(t *testing.T) {
	if v := parseValue("12"); v != float64(12) {
		t.Errorf("number: got %#v", v)
	}
	if v := parseValue("Acme Co"); v != "Acme Co" {
		t.Errorf("text: got %#v", v)
	}
	if v := parseValue(`"quoted"`); v != "quoted" {
		t.Errorf("quoted: got %#v", v)
	}
}

package studio

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/liveedit/auth"
	"github.com/hazyhaar/liveedit/bridge"
	"github.com/hazyhaar/liveedit/bridge/wsbridge"
	"github.com/hazyhaar/liveedit/dbopen"
	"github.com/hazyhaar/liveedit/editor"
	"github.com/hazyhaar/liveedit/pageedits"
)

const homeJSON = `{
	"company_name": "Old Co",
	"logo": "/img/logo.png",
	"services": [{"title": "Roofing", "description": "We fix roofs"}]
}`

type fixture struct {
	srv   *Server
	ts    *httptest.Server
	store *pageedits.SQLiteStore
	token string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "home.json"), []byte(homeJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	hash, err := auth.HashPassword("hunter22")
	if err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.SitesDir = dir
	cfg.SitesPoll = 20 * time.Millisecond
	cfg.JWTSecret = strings.Repeat("k", 32)
	cfg.Autosave.Debounce = 10 * time.Millisecond
	cfg.Autosave.SavedTTL = 50 * time.Millisecond
	cfg.Users = []auth.User{{ID: "u1", Name: "Dana", Email: "dana@example.com", PasswordHash: hash}}

	store, err := pageedits.NewSQLiteStore(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	srv, err := New(cfg, store)
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	token, err := auth.GenerateToken(cfg.Secret(), &auth.Claims{UserID: "u1", Name: "Dana", Email: "dana@example.com"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{srv: srv, ts: ts, store: store, token: token}
}

func (f *fixture) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()
	var req *http.Request
	var err error
	if body != "" {
		req, err = http.NewRequest(method, f.ts.URL+path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, err = http.NewRequest(method, f.ts.URL+path, nil)
	}
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNew_Validation(t *testing.T) {
	cfg := DefaultConfig()
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("expected error for missing secret")
	}
	cfg.JWTSecret = strings.Repeat("k", 32)
	cfg.Bridge = BridgeConfig{Transport: "redis", RedisAddr: "localhost:6379"}
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("expected error for redis transport without a client")
	}
}

func TestLoadSite(t *testing.T) {
	f := newFixture(t)
	tree, err := f.srv.LoadSite("home")
	if err != nil {
		t.Fatal(err)
	}
	if tree["company_name"] != "Old Co" {
		t.Fatalf("got %v", tree)
	}
	if _, err := f.srv.LoadSite("missing"); err != ErrNoSite {
		t.Fatalf("missing site: got %v, want ErrNoSite", err)
	}
	if _, err := f.srv.LoadSite("../etc/passwd"); err == nil {
		t.Fatal("expected error for traversal")
	}
}

func TestLoginThenAPI(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/auth/login", "", `{"email":"dana@example.com","password":"hunter22"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: got %d", resp.StatusCode)
	}
	var login struct {
		Token string `json:"token"`
	}
	json.NewDecoder(resp.Body).Decode(&login)
	if login.Token == "" {
		t.Fatal("login returned no token")
	}

	resp = f.do(t, http.MethodGet, "/api/me", login.Token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me: got %d", resp.StatusCode)
	}
	resp = f.do(t, http.MethodGet, "/api/me", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous me: got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Trace-ID") == "" {
		t.Fatal("shield stack not applied")
	}
}

// A surface connected over WebSocket edits in place; the host commits and
// autosave stores the edit for the signed-in user.
func TestWebSocketSession(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := wsbridge.Dial(ctx, "ws"+strings.TrimPrefix(f.ts.URL, "http")+"/ws/home",
		http.Header{"Authorization": {"Bearer " + f.token}})
	if err != nil {
		t.Fatal(err)
	}
	ep := bridge.NewEndpoint(conn, bridge.WithName("surface"))
	surf := editor.NewSurface(ep)
	go ep.Run(ctx)
	defer ep.Close()

	surf.Load(ctx)
	eventually(t, "bootstrap", func() bool { return surf.Tree() != nil })
	if ok, err := surf.Authenticated(ctx); err != nil || !ok {
		t.Fatalf("authenticated: %v %v", ok, err)
	}
	if sessions := f.srv.Registry().List(); len(sessions) != 1 || sessions[0].UserID != "u1" {
		t.Fatalf("sessions: %+v", sessions)
	}

	if err := surf.EditInPlace(ctx, "company_name", "Acme", "h1"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "history update", func() bool { return surf.History().CanUndo })

	var edits []pageedits.Edit
	eventually(t, "stored edit", func() bool {
		edits, _ = f.store.List(ctx, "u1", "home")
		return len(edits) == 1
	})
	e := edits[0]
	if e.ElementID != "h1-old-co-0" || e.EditedContent["text"] != "Acme" || e.OriginalContent["text"] != "Old Co" {
		t.Fatalf("stored edit: %+v", e)
	}

	ep.Close()
	eventually(t, "session close", func() bool { return len(f.srv.Registry().List()) == 0 })
}

func TestWebSocketSession_Anonymous(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := wsbridge.Dial(ctx, "ws"+strings.TrimPrefix(f.ts.URL, "http")+"/ws/home", nil)
	if err != nil {
		t.Fatal(err)
	}
	ep := bridge.NewEndpoint(conn, bridge.WithName("surface"))
	surf := editor.NewSurface(ep)
	go ep.Run(ctx)
	defer ep.Close()

	surf.Load(ctx)
	if ok, err := surf.Authenticated(ctx); err != nil || ok {
		t.Fatalf("anonymous surface: got %v, %v", ok, err)
	}
	surf.EditInPlace(ctx, "company_name", "Acme", "h1")
	eventually(t, "history update", func() bool { return surf.History().CanUndo })

	time.Sleep(100 * time.Millisecond)
	edits, _ := f.store.List(ctx, "", "home")
	if len(edits) != 0 {
		t.Fatalf("anonymous edit was persisted: %+v", edits)
	}
}

func TestWebSocket_UnknownPage(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/ws/nowhere", f.token, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("got %d, want 404", resp.StatusCode)
	}
}

func TestSessionEndpoints(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/pages/home/sessions", f.token, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("open: got %d", resp.StatusCode)
	}
	var out struct {
		SessionID string `json:"session_id"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	if !strings.HasPrefix(out.SessionID, "ses_") {
		t.Fatalf("session id = %q", out.SessionID)
	}

	// Websocket mode has no redis bus to attach to.
	resp = f.do(t, http.MethodPost, "/api/sessions/"+out.SessionID+"/attach", f.token, "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("attach: got %d, want 409", resp.StatusCode)
	}

	other, _ := auth.GenerateToken(f.srv.cfg.Secret(), &auth.Claims{UserID: "u2"}, time.Hour)
	resp = f.do(t, http.MethodDelete, "/api/sessions/"+out.SessionID, other, "")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign delete: got %d, want 403", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/preview/home?session="+out.SessionID, f.token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session preview: got %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodDelete, "/api/sessions/"+out.SessionID, f.token, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: got %d", resp.StatusCode)
	}
	resp = f.do(t, http.MethodDelete, "/api/sessions/"+out.SessionID, f.token, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete: got %d, want 404", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/api/pages/home/sessions", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous open: got %d, want 401", resp.StatusCode)
	}
}

func TestPreview(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/preview/home", f.token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("content type %q", ct)
	}
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "Old Co") {
		t.Fatalf("preview missing text: %s", buf.String())
	}
	if resp := f.do(t, http.MethodGet, "/preview/nowhere", f.token, ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown page: got %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/healthz", "", "")
	var h struct {
		Status string `json:"status"`
		Bridge string `json:"bridge"`
	}
	json.NewDecoder(resp.Body).Decode(&h)
	if h.Status != "ok" || h.Bridge != "websocket" {
		t.Fatalf("got %+v", h)
	}
}

func TestReloadSites(t *testing.T) {
	f := newFixture(t)
	sess, err := f.srv.OpenSession("home", &auth.Claims{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Host.ApplyFieldUpdate(context.Background(), "logo", "/img/new.png", editor.OriginHost); err != nil {
		t.Fatal(err)
	}

	regenerated := strings.Replace(homeJSON, "Old Co", "Regenerated Roofing Co", 1)
	if err := os.WriteFile(filepath.Join(f.srv.cfg.SitesDir, "home.json"), []byte(regenerated), 0o644); err != nil {
		t.Fatal(err)
	}
	eventually(t, "site reload", func() bool {
		return sess.Host.Tree()["company_name"] == "Regenerated Roofing Co"
	})
	if got := sess.Host.Tree()["logo"]; got != "/img/logo.png" {
		t.Fatalf("reload should replace the tree, logo = %v", got)
	}
	if sess.Host.HistoryStatus().CanUndo {
		t.Fatal("reload should drop history")
	}
}

type bearer struct {
	token string
	next  http.RoundTripper
}

func (b bearer) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.Header.Set("Authorization", "Bearer "+b.token)
	return b.next.RoundTrip(r)
}

func TestMCPOverHTTP(t *testing.T) {
	f := newFixture(t)
	sess, err := f.srv.OpenSession("home", &auth.Claims{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client := mcp.NewClient(&mcp.Implementation{Name: "liveedit-test", Version: "0.0.1"}, nil)
	cs, err := client.Connect(ctx, &mcp.StreamableClientTransport{
		Endpoint:   f.ts.URL + "/mcp",
		HTTPClient: &http.Client{Transport: bearer{token: f.token, next: http.DefaultTransport}},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cs.Close()

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "liveedit_update_field",
		Arguments: map[string]any{"session_id": sess.ID, "path": "company_name", "value": "Acme"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("tool error: %+v", res.Content)
	}
	if got := sess.Host.Tree()["company_name"]; got != "Acme" {
		t.Fatalf("tree after MCP update: %v", got)
	}
}

package shield

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/liveedit/kit"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

func TestHeadToGet(t *testing.T) {
	var method string
	h := HeadToGet(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { method = r.Method }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodHead, "/", nil))
	if method != http.MethodGet {
		t.Fatalf("got %s, want GET", method)
	}
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(DefaultHeaders())(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("missing nosniff")
	}
	if !strings.Contains(rec.Header().Get("Content-Security-Policy"), "connect-src 'self' ws: wss:") {
		t.Fatalf("CSP: %q", rec.Header().Get("Content-Security-Policy"))
	}

	rec = httptest.NewRecorder()
	SecurityHeaders(HeaderConfig{XFrameOptions: "DENY"})(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("Content-Security-Policy") != "" || rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatalf("got %v", rec.Header())
	}
}

func TestMaxBody(t *testing.T) {
	var readErr error
	h := MaxBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		_, readErr = r.Body.Read(buf)
		for readErr == nil {
			_, readErr = r.Body.Read(buf)
		}
	}))
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"text":"far too long"}`))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if readErr == nil || readErr.Error() == "EOF" {
		t.Fatalf("expected a body limit error, got %v", readErr)
	}
}

func TestTrace(t *testing.T) {
	var traceID, transport string
	h := Trace(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = kit.GetTraceID(r.Context())
		transport = kit.GetTransport(r.Context())
		if GetLogger(r.Context()) == nil {
			t.Fatal("nil logger")
		}
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if len(traceID) != 12 || rec.Header().Get("X-Trace-ID") != traceID {
		t.Fatalf("trace id %q, header %q", traceID, rec.Header().Get("X-Trace-ID"))
	}
	if transport != "http" {
		t.Fatalf("transport: got %q, want http", transport)
	}
}

func TestTrace_ClientID(t *testing.T) {
	h := Trace(nil)(ok)
	for in, keep := range map[string]bool{
		"surface0001":         true,
		"short":               false,
		"Has-Upper-And-Dash!": false,
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Trace-ID", in)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if got := rec.Header().Get("X-Trace-ID"); (got == in) != keep {
			t.Fatalf("%q: echoed %q, keep=%v", in, got, keep)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(Rule{Endpoint: "POST /auth/login", Max: 2, Window: time.Minute})
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }
	h := rl.Middleware(ok)

	do := func(method, path, ip string) int {
		req := httptest.NewRequest(method, path, nil)
		req.RemoteAddr = ip + ":1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if code := do(http.MethodPost, "/auth/login", "1.2.3.4"); code != http.StatusOK {
			t.Fatalf("request %d: got %d", i, code)
		}
	}
	if code := do(http.MethodPost, "/auth/login", "1.2.3.4"); code != http.StatusTooManyRequests {
		t.Fatalf("third request: got %d, want 429", code)
	}
	// Other clients and unlisted endpoints are unaffected.
	if code := do(http.MethodPost, "/auth/login", "5.6.7.8"); code != http.StatusOK {
		t.Fatalf("other ip: got %d", code)
	}
	if code := do(http.MethodGet, "/api/me", "1.2.3.4"); code != http.StatusOK {
		t.Fatalf("unlisted endpoint: got %d", code)
	}

	now = now.Add(2 * time.Minute)
	if code := do(http.MethodPost, "/auth/login", "1.2.3.4"); code != http.StatusOK {
		t.Fatalf("after window: got %d", code)
	}
	rl.gc()
}

func TestExtractIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "9.9.9.9, 10.0.0.1")
	if got := ExtractIP(req); got != "9.9.9.9" {
		t.Fatalf("got %q", got)
	}
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "1.1.1.1:80"
	if got := ExtractIP(req); got != "1.1.1.1" {
		t.Fatalf("got %q", got)
	}
}

func TestStack(t *testing.T) {
	if got := len(Stack(nil, nil)); got != 4 {
		t.Fatalf("got %d middlewares, want 4", got)
	}
	if got := len(Stack(nil, NewRateLimiter(LoginRule))); got != 5 {
		t.Fatalf("got %d middlewares, want 5", got)
	}
}

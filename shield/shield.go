// Package shield holds the HTTP middleware every liveedit server runs:
// security headers, body limits, request tracing, rate limiting and HEAD
// handling.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.Stack(logger, shield.NewRateLimiter(shield.LoginRule)) {
//	    r.Use(mw)
//	}
package shield

import (
	"log/slog"
	"net/http"
)

// Stack returns the middleware chain, outermost first: HeadToGet,
// SecurityHeaders, MaxBody, Trace, then rl when non-nil.
func Stack(logger *slog.Logger, rl *RateLimiter) []func(http.Handler) http.Handler {
	stack := []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(1 << 20),
		Trace(logger),
	}
	if rl != nil {
		stack = append(stack, rl.Middleware)
	}
	return stack
}

// HeadToGet lets GET routes answer HEAD. net/http discards the body.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}

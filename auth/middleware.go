package auth

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hazyhaar/liveedit/kit"
)

type claimsKey struct{}

// Middleware extracts a JWT from the "token" cookie or, failing that, the
// Authorization Bearer header. Valid claims are stored in the request
// context together with kit.UserIDKey and kit.HandleKey. Missing or invalid
// tokens pass through anonymously; use RequireAuth or RequireAPI to enforce.
func Middleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := TokenFromRequest(r)
			if tokenStr == "" {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := ValidateToken(secret, tokenStr)
			if err != nil {
				http.SetCookie(w, &http.Cookie{Name: CookieName, MaxAge: -1, Path: "/"})
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// TokenFromRequest returns the raw token of r, cookie first.
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
		return h[7:]
	}
	return ""
}

// WithClaims stores claims in ctx.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	ctx = context.WithValue(ctx, claimsKey{}, claims)
	ctx = kit.WithUserID(ctx, claims.UserID)
	if claims.Name != "" {
		ctx = kit.WithHandle(ctx, claims.Name)
	}
	return ctx
}

// GetClaims retrieves the Claims from the context, or nil if absent.
func GetClaims(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

// RequireAuth redirects unauthenticated page requests to /login.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetClaims(r.Context()) == nil {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAPI answers 401 with an empty JSON object for unauthenticated API
// requests.
func RequireAPI(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetClaims(r.Context()) == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(struct{}{})
			return
		}
		next.ServeHTTP(w, r)
	})
}

package auth

import (
	"net/http"
	"time"
)

// CookieName is the session cookie carrying the JWT.
const CookieName = "token"

// SetTokenCookie writes the JWT as an HttpOnly cookie living as long as
// maxAge. An empty domain leaves the cookie host-only.
func SetTokenCookie(w http.ResponseWriter, token, domain string, maxAge time.Duration, secure bool) {
	c := &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   secure,
	}
	if domain != "" {
		c.Domain = domain
	}
	http.SetCookie(w, c)
}

// ClearTokenCookie removes the JWT cookie set with the same domain.
func ClearTokenCookie(w http.ResponseWriter, domain string) {
	c := &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	}
	if domain != "" {
		c.Domain = domain
	}
	http.SetCookie(w, c)
}

package auth

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/liveedit/safe"
)

// User is an account allowed to sign in to the editor.
type User struct {
	ID           string `yaml:"id" json:"id"`
	Name         string `yaml:"name" json:"name"`
	Email        string `yaml:"email" json:"email"`
	Role         string `yaml:"role" json:"role,omitempty"`
	PasswordHash string `yaml:"password_hash" json:"-"` // bcrypt
}

// HashPassword returns the bcrypt hash of password at the default cost.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash: %w", err)
	}
	return string(h), nil
}

// LoginConfig configures a Login handler.
type LoginConfig struct {
	Secret       []byte
	Users        []User
	Expiry       time.Duration // default 24h
	CookieDomain string
	Secure       bool
	Logger       *slog.Logger
}

// Login signs users in with email and password and hands out a session
// cookie.
type Login struct {
	secret []byte
	users  map[string]User // by lowercased email
	expiry time.Duration
	domain string
	secure bool
	logger *slog.Logger
}

// dummyHash is compared against when the email is unknown so that both
// paths cost one bcrypt comparison.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("liveedit-dummy"), bcrypt.MinCost)

// NewLogin validates cfg and builds the handler.
func NewLogin(cfg LoginConfig) (*Login, error) {
	if err := safe.ValidateSecret(cfg.Secret); err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	l := &Login{
		secret: cfg.Secret,
		users:  make(map[string]User, len(cfg.Users)),
		expiry: cfg.Expiry,
		domain: cfg.CookieDomain,
		secure: cfg.Secure,
		logger: cfg.Logger,
	}
	for _, u := range cfg.Users {
		if u.Email == "" || u.PasswordHash == "" {
			return nil, fmt.Errorf("auth: user %q needs an email and a password hash", u.Name)
		}
		if u.ID == "" {
			u.ID = strings.ToLower(u.Email)
		}
		l.users[strings.ToLower(u.Email)] = u
	}
	return l, nil
}

// Handler serves POST /login and POST /logout. The caller strips any
// prefix.
//
//	chi:      r.Mount("/auth", http.StripPrefix("/auth", l.Handler()))
//	ServeMux: l.RegisterMux(mux, "/auth")
func (l *Login) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/login":
			l.handleLogin(w, r)
		case r.Method == http.MethodPost && r.URL.Path == "/logout":
			l.handleLogout(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

// RegisterMux registers the login routes on a standard ServeMux.
func (l *Login) RegisterMux(mux *http.ServeMux, basePath string) {
	bp := strings.TrimRight(basePath, "/")
	mux.HandleFunc("POST "+bp+"/login", l.handleLogin)
	mux.HandleFunc("POST "+bp+"/logout", l.handleLogout)
}

// Token issues a signed token for a known user, for tools and tests.
func (l *Login) Token(email string) (string, error) {
	u, ok := l.users[strings.ToLower(email)]
	if !ok {
		return "", fmt.Errorf("auth: unknown user %q", email)
	}
	return GenerateToken(l.secret, l.claims(u), l.expiry)
}

func (l *Login) claims(u User) *Claims {
	return &Claims{UserID: u.ID, Name: u.Name, Email: u.Email, Role: u.Role}
}

func (l *Login) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 16*1024)

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, "invalid request body", http.StatusBadRequest)
		return
	}

	u, ok := l.users[strings.ToLower(strings.TrimSpace(req.Email))]
	hash := dummyHash
	if ok {
		hash = []byte(u.PasswordHash)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(req.Password)); err != nil || !ok {
		l.logger.Info("auth: login rejected", "email", req.Email)
		jsonErr(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := GenerateToken(l.secret, l.claims(u), l.expiry)
	if err != nil {
		l.logger.Error("auth: sign token", "error", err)
		jsonErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	SetTokenCookie(w, token, l.domain, l.expiry, l.secure)
	l.logger.Info("auth: login", "user", u.ID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"name": u.Name, "email": u.Email, "token": token})
}

func (l *Login) handleLogout(w http.ResponseWriter, _ *http.Request) {
	ClearTokenCookie(w, l.domain)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func jsonErr(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Package studio assembles a liveedit server: login, the page-edit API,
// editing sessions reached over WebSocket or Redis, the MCP endpoint and
// page previews, all on one chi router.
//
// Usage:
//
//	cfg, _ := studio.LoadConfig("liveedit.yaml")
//	srv, _ := studio.New(cfg, store, studio.WithLogger(logger))
//	defer srv.Close()
//	http.ListenAndServe(cfg.Listen, srv.Handler())
package studio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/redis/go-redis/v9"

	"github.com/hazyhaar/liveedit/auth"
	"github.com/hazyhaar/liveedit/autosave"
	"github.com/hazyhaar/liveedit/bridge"
	"github.com/hazyhaar/liveedit/bridge/redisbus"
	"github.com/hazyhaar/liveedit/bridge/wsbridge"
	"github.com/hazyhaar/liveedit/editor"
	"github.com/hazyhaar/liveedit/history"
	"github.com/hazyhaar/liveedit/idgen"
	"github.com/hazyhaar/liveedit/kit"
	"github.com/hazyhaar/liveedit/pageedits"
	"github.com/hazyhaar/liveedit/safe"
	"github.com/hazyhaar/liveedit/shield"
	"github.com/hazyhaar/liveedit/sitetree"
	"github.com/hazyhaar/liveedit/watch"
)

// Version is reported by the MCP server and /healthz.
const Version = "0.3.0"

// ErrNoSite is returned when a page has no site file.
var ErrNoSite = errors.New("studio: site not found")

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithRedis sets the client used when bridge.transport is redis.
func WithRedis(rdb redis.UniversalClient) Option {
	return func(s *Server) { s.rdb = rdb }
}

// WithValidator installs the data-integrity check run before every commit.
func WithValidator(v editor.Validator) Option {
	return func(s *Server) { s.validator = v }
}

// WithSessionIDs overrides the session ID generator.
func WithSessionIDs(gen idgen.Generator) Option {
	return func(s *Server) { s.newSession = gen }
}

// Server is a running liveedit instance.
type Server struct {
	cfg        *Config
	logger     *slog.Logger
	store      pageedits.Store
	api        *pageedits.Server
	login      *auth.Login
	limiter    *shield.RateLimiter
	reg        *editor.Registry
	mcp        *mcp.Server
	rdb        redis.UniversalClient
	bus        *redisbus.Bus
	validator  editor.Validator
	newSession idgen.Generator
	safeImg    editor.SafeImg

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	bases map[string]sitetree.Tree // session ID -> site file content at open or last reload
}

// New validates cfg and wires the server around store. The caller keeps
// ownership of store.
func New(cfg *Config, store pageedits.Store, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("studio: %w", err)
	}
	s := &Server{
		cfg:        cfg,
		store:      store,
		reg:        editor.NewRegistry(),
		bases:      make(map[string]sitetree.Tree),
		newSession: idgen.Session,
		safeImg:    editor.NewSafeImg(editor.DefaultPlaceholder),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if cfg.Bridge.Transport == "redis" {
		if s.rdb == nil {
			return nil, fmt.Errorf("studio: bridge.transport is redis but no client was given")
		}
		s.bus = redisbus.New(s.rdb, cfg.Bridge.RedisPrefix)
	}

	var err error
	s.api, err = pageedits.NewServer(pageedits.Config{Store: store, Secret: cfg.Secret(), Logger: s.logger})
	if err != nil {
		return nil, err
	}
	s.login, err = auth.NewLogin(auth.LoginConfig{
		Secret:       cfg.Secret(),
		Users:        cfg.Users,
		CookieDomain: cfg.CookieDomain,
		Secure:       cfg.SecureCookie,
		Logger:       s.logger,
	})
	if err != nil {
		return nil, err
	}

	s.mcp = mcp.NewServer(&mcp.Implementation{Name: "liveedit", Version: Version}, nil)
	editor.RegisterMCP(s.mcp, s.reg, s.logger)

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.limiter = shield.NewRateLimiter(shield.LoginRule)
	s.limiter.StartGC(s.ctx.Done(), time.Minute)

	if cfg.SitesPoll > 0 {
		w := watch.New(watch.DirVersion(cfg.SitesDir, "*.json"), watch.Options{
			Interval: cfg.SitesPoll,
			Debounce: cfg.SitesPoll / 2,
			Logger:   s.logger,
		})
		go w.OnChange(s.ctx, func() error { return s.ReloadSites(s.ctx) })
	}
	return s, nil
}

// Handler returns the full route tree:
//
//	POST   /auth/login, /auth/logout
//	*      /api/...                          page-edit API
//	POST   /api/pages/{pageId}/sessions      open a session (redis surfaces)
//	POST   /api/sessions/{sessionId}/attach  start bridging it over redis
//	DELETE /api/sessions/{sessionId}
//	GET    /ws/{pageId}                      one session per WebSocket
//	*      /mcp                              streamable HTTP MCP
//	GET    /preview/{pageId}[?session=]
//	GET    /healthz
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.Stack(s.logger, s.limiter) {
		r.Use(mw)
	}
	r.Use(auth.Middleware(s.cfg.Secret()))

	r.Mount("/auth", http.StripPrefix("/auth", s.login.Handler()))
	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAPI)
			r.Post("/pages/{pageId}/sessions", s.handleOpenSession)
			r.Post("/sessions/{sessionId}/attach", s.handleAttach)
			r.Delete("/sessions/{sessionId}", s.handleCloseSession)
		})
		r.Mount("/", s.api.Handler())
	})
	r.Get("/ws/{pageId}", s.handleWS)
	r.With(auth.RequireAPI).Handle("/mcp", mcp.NewStreamableHTTPHandler(
		func(*http.Request) *mcp.Server { return s.mcp }, nil,
	))
	r.With(auth.RequireAPI).Get("/preview/{pageId}", s.handlePreview)
	r.Get("/healthz", s.handleHealth)
	return r
}

// Registry exposes the open sessions.
func (s *Server) Registry() *editor.Registry { return s.reg }

// Close ends every session and stops background work.
func (s *Server) Close() {
	s.cancel()
	s.reg.CloseAll()
}

// LoadSite reads <sites_dir>/<pageID>.json.
func (s *Server) LoadSite(pageID string) (sitetree.Tree, error) {
	if err := safe.ValidateIdentifier(pageID); err != nil {
		return nil, err
	}
	path, err := safe.SafePath(s.cfg.SitesDir, pageID+".json")
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSite
	}
	if err != nil {
		return nil, fmt.Errorf("studio: read site %s: %w", pageID, err)
	}
	return sitetree.FromJSON(data)
}

// OpenSession starts a host for pageID owned by claims (nil for an
// anonymous viewer) with its autosave coordinator. The session has no
// surface until Attach.
func (s *Server) OpenSession(pageID string, claims *auth.Claims) (*editor.Session, error) {
	tree, err := s.LoadSite(pageID)
	if err != nil {
		return nil, err
	}
	id := s.newSession()
	userID := ""
	if claims != nil {
		userID = claims.UserID
	}
	logger := s.logger.With("session_id", id)

	hostOpts := []editor.HostOption{
		editor.WithLogger(logger),
		editor.WithAuth(func(context.Context) bool { return userID != "" }),
		editor.WithHistory(history.WithMaxSize(s.cfg.HistoryMax)),
	}
	if s.validator != nil {
		hostOpts = append(hostOpts, editor.WithValidator(s.validator))
	}
	host := editor.NewHost(pageID, tree, hostOpts...)

	changes, unsubscribe := host.Subscribe(64)
	coord := autosave.New(pageID, s.api.Persister(userID),
		autosave.AuthFunc(func(context.Context) (bool, error) { return userID != "", nil }),
		autosave.WithLogger(logger),
		autosave.WithDebounce(s.cfg.Autosave.Debounce),
		autosave.WithSavedTTL(s.cfg.Autosave.SavedTTL),
	)
	ctx, stop := context.WithCancel(s.ctx)
	go coord.Run(ctx, changes)

	sess := s.reg.OpenAs(id, userID, host)
	s.mu.Lock()
	s.bases[id] = tree
	s.mu.Unlock()
	sess.OnClose(func() {
		unsubscribe()
		coord.Flush()
		stop()
		s.mu.Lock()
		delete(s.bases, id)
		s.mu.Unlock()
	})
	logger.Info("studio: session opened", "page_id", pageID, "user", userID)
	return sess, nil
}

// Attach bridges sess to a surface over t until the transport closes or
// ctx ends, then closes the session.
func (s *Server) Attach(ctx context.Context, sess *editor.Session, t bridge.Transport) error {
	logger := s.logger.With("session_id", sess.ID)
	ep := bridge.NewEndpoint(t, bridge.WithName("host"), bridge.WithLogger(logger))
	ctx = kit.WithSessionID(kit.WithPageID(ctx, sess.PageID), sess.ID)

	sess.OnClose(func() {
		sess.Host.Detach(ep)
		ep.Close()
	})
	sess.Host.Attach(ctx, ep)
	err := ep.Run(ctx)

	st := ep.Stats()
	logger.Info("studio: surface detached", "sent", st.Sent, "received", st.Received, "dropped", st.Dropped)
	if cerr := s.reg.Close(sess.ID); cerr != nil && !errors.Is(cerr, editor.ErrNoSession) {
		logger.Warn("studio: close session", "error", cerr)
	}
	return err
}

// ReloadSites resets every open session whose site file changed since it
// was loaded. Edit history of those sessions is dropped.
func (s *Server) ReloadSites(ctx context.Context) error {
	var errs []error
	for _, sess := range s.reg.List() {
		tree, err := s.LoadSite(sess.PageID)
		if errors.Is(err, ErrNoSite) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.mu.Lock()
		base, ok := s.bases[sess.ID]
		s.mu.Unlock()
		if !ok || sitetree.Equal(base, tree) {
			continue
		}
		if err := sess.Host.Reset(ctx, tree); err != nil {
			errs = append(errs, fmt.Errorf("studio: reset %s: %w", sess.ID, err))
			continue
		}
		s.mu.Lock()
		s.bases[sess.ID] = tree
		s.mu.Unlock()
		s.logger.Info("studio: site reloaded", "session_id", sess.ID, "page_id", sess.PageID)
	}
	return errors.Join(errs...)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sess, err := s.OpenSession(chi.URLParam(r, "pageId"), auth.GetClaims(r.Context()))
	if err != nil {
		s.sessionErr(w, r, err)
		return
	}
	conn, err := wsbridge.Upgrade(w, r)
	if err != nil {
		shield.GetLogger(r.Context()).Warn("studio: websocket upgrade", "error", err)
		s.reg.Close(sess.ID)
		return
	}
	// The request context ends with the hijacked connection's handler, so
	// the session runs on the server context.
	if err := s.Attach(s.ctx, sess, conn); err != nil {
		shield.GetLogger(r.Context()).Debug("studio: websocket closed", "error", err)
	}
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.OpenSession(chi.URLParam(r, "pageId"), auth.GetClaims(r.Context()))
	if err != nil {
		s.sessionErr(w, r, err)
		return
	}
	resp := map[string]string{"session_id": sess.ID, "page_id": sess.PageID}
	if s.bus != nil {
		resp["host_channel"] = s.bus.Channel(sess.ID, "s2h")
		resp["surface_channel"] = s.bus.Channel(sess.ID, "h2s")
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	if s.bus == nil {
		jsonErr(w, "redis bridge is not enabled", http.StatusConflict)
		return
	}
	t, err := s.bus.Host(r.Context(), sess.ID)
	if err != nil {
		shield.GetLogger(r.Context()).Error("studio: redis attach", "session_id", sess.ID, "error", err)
		jsonErr(w, "bridge unavailable", http.StatusBadGateway)
		return
	}
	go s.Attach(s.ctx, sess, t)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	s.reg.Close(sess.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ownedSession(w http.ResponseWriter, r *http.Request) (*editor.Session, bool) {
	sess, err := s.reg.Get(chi.URLParam(r, "sessionId"))
	if err != nil {
		jsonErr(w, "session not found", http.StatusNotFound)
		return nil, false
	}
	if sess.UserID != auth.GetClaims(r.Context()).UserID {
		jsonErr(w, "forbidden", http.StatusForbidden)
		return nil, false
	}
	return sess, true
}

func (s *Server) sessionErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNoSite):
		jsonErr(w, "site not found", http.StatusNotFound)
	case errors.Is(err, safe.ErrPathTraversal):
		jsonErr(w, "invalid page id", http.StatusBadRequest)
	default:
		shield.GetLogger(r.Context()).Error("studio: open session", "error", err)
		jsonErr(w, "internal error", http.StatusInternalServerError)
	}
}

// handlePreview renders the site file, or the live tree of ?session=.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	pageID := chi.URLParam(r, "pageId")
	var tree sitetree.Tree
	if id := r.URL.Query().Get("session"); id != "" {
		sess, err := s.reg.Get(id)
		if err != nil || sess.PageID != pageID {
			jsonErr(w, "session not found", http.StatusNotFound)
			return
		}
		tree = sess.Host.Tree()
	} else {
		var err error
		if tree, err = s.LoadSite(pageID); err != nil {
			s.sessionErr(w, r, err)
			return
		}
	}
	markup, err := editor.HTMLRenderer{}.Render(r.Context(), tree, s.safeImg)
	if err != nil {
		shield.GetLogger(r.Context()).Error("studio: render", "page_id", pageID, "error", err)
		jsonErr(w, "render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(markup)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  Version,
		"sessions": len(s.reg.List()),
		"bridge":   s.cfg.Bridge.Transport,
	})
}

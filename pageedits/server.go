package pageedits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/liveedit/auth"
	"github.com/hazyhaar/liveedit/autosave"
	"github.com/hazyhaar/liveedit/editor"
	"github.com/hazyhaar/liveedit/safe"
)

// Config holds what a Server needs.
type Config struct {
	Store  Store
	Secret []byte // JWT secret; requests without a valid token get 401 {}
	Logger *slog.Logger
}

// Server serves the page-edit API.
type Server struct {
	store   Store
	secret  []byte
	logger  *slog.Logger
	ugc     *bluemonday.Policy
	safeImg editor.SafeImg
}

// NewServer validates cfg.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("pageedits: Store is required")
	}
	if err := safe.ValidateSecret(cfg.Secret); err != nil {
		return nil, fmt.Errorf("pageedits: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		store:   cfg.Store,
		secret:  cfg.Secret,
		logger:  cfg.Logger,
		ugc:     bluemonday.UGCPolicy(),
		safeImg: editor.NewSafeImg(editor.DefaultPlaceholder),
	}, nil
}

// Handler returns a chi router serving the API relative to its mount
// point:
//
//	POST   /save-page-edit
//	GET    /get-page-edits/{pageId}
//	DELETE /delete-page-edit/{pageId}/{elementId}
//	GET    /me
//
//	chi:      r.Mount("/api", s.Handler())
//	ServeMux: s.RegisterMux(mux, "/api")
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(auth.Middleware(s.secret), auth.RequireAPI)
	r.Post("/save-page-edit", s.handleSave)
	r.Get("/get-page-edits/{pageId}", s.handleList)
	r.Delete("/delete-page-edit/{pageId}/{elementId}", s.handleDelete)
	r.Get("/me", s.handleMe)
	return r
}

// RegisterMux registers the API on a standard ServeMux under basePath.
func (s *Server) RegisterMux(mux *http.ServeMux, basePath string) {
	bp := strings.TrimRight(basePath, "/")
	wrap := func(h http.HandlerFunc) http.Handler {
		return auth.Middleware(s.secret)(auth.RequireAPI(h))
	}
	mux.Handle("POST "+bp+"/save-page-edit", wrap(s.handleSave))
	mux.Handle("GET "+bp+"/get-page-edits/{pageId}", wrap(s.handleList))
	mux.Handle("DELETE "+bp+"/delete-page-edit/{pageId}/{elementId}", wrap(s.handleDelete))
	mux.Handle("GET "+bp+"/me", wrap(s.handleMe))
}

// param reads a path parameter from chi or from a ServeMux pattern.
func param(r *http.Request, name string) string {
	if v := chi.URLParam(r, name); v != "" {
		return v
	}
	return r.PathValue(name)
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, safe.MaxBody)

	var req autosave.Edit
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, "invalid request body", http.StatusBadRequest)
		return
	}
	e := s.edit(claims.UserID, req)
	if err := e.Validate(); err != nil {
		jsonErr(w, err.Error(), http.StatusBadRequest)
		return
	}

	saved, err := s.store.Save(r.Context(), e)
	if err != nil {
		s.logger.Error("pageedits: save", "user", e.UserID, "page", e.PageID, "element", e.ElementID, "error", err)
		jsonErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.logger.Debug("pageedits: saved", "user", e.UserID, "page", e.PageID, "element", e.ElementID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "edit": saved})
}

// sanitize cleans edited text with the UGC policy and replaces unsafe
// image sources with the placeholder.
func (s *Server) sanitize(typ autosave.EditType, c autosave.Content) autosave.Content {
	if c == nil {
		return nil
	}
	out := make(autosave.Content, len(c))
	for k, v := range c {
		out[k] = v
	}
	if txt, ok := out["text"].(string); ok {
		out["text"] = s.ugc.Sanitize(txt)
	}
	if src, ok := out["src"].(string); ok && typ == autosave.EditImage && src != "" {
		out["src"] = s.safeImg(src)
	}
	return out
}

// Persister saves edits for userID straight into the store, with the same
// sanitizing as the HTTP endpoint. Hosts running in the server process use
// it instead of a Client.
func (s *Server) Persister(userID string) autosave.Persister {
	return autosave.PersisterFunc(func(ctx context.Context, req autosave.Edit) error {
		_, err := s.store.Save(ctx, s.edit(userID, req))
		return err
	})
}

func (s *Server) edit(userID string, req autosave.Edit) Edit {
	e := Edit{
		UserID:          userID,
		PageID:          req.PageID,
		ElementID:       req.ElementID,
		EditType:        req.EditType,
		OriginalContent: req.OriginalContent,
		EditedContent:   s.sanitize(req.EditType, req.EditedContent),
	}
	if e.OriginalContent == nil {
		e.OriginalContent = autosave.Content{}
	}
	return e
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	pageID := param(r, "pageId")
	if err := safe.ValidateIdentifier(pageID); err != nil {
		jsonErr(w, "invalid page id", http.StatusBadRequest)
		return
	}
	edits, err := s.store.List(r.Context(), claims.UserID, pageID)
	if err != nil {
		s.logger.Error("pageedits: list", "user", claims.UserID, "page", pageID, "error", err)
		jsonErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	byElement := make(map[string]Edit, len(edits))
	for _, e := range edits {
		byElement[e.ElementID] = e
	}
	writeJSON(w, http.StatusOK, map[string]any{"edits": byElement})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	pageID, elementID := param(r, "pageId"), param(r, "elementId")
	err := s.store.Delete(r.Context(), claims.UserID, pageID, elementID)
	switch {
	case errors.Is(err, ErrNotFound):
		jsonErr(w, "edit not found", http.StatusNotFound)
	case err != nil:
		s.logger.Error("pageedits: delete", "user", claims.UserID, "page", pageID, "element", elementID, "error", err)
		jsonErr(w, "internal error", http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	c := auth.GetClaims(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"name": c.Name, "email": c.Email})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonErr(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}

package editor

import (
	"context"
	"log/slog"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/liveedit/kit"
)

// RegisterMCP exposes the sessions of reg as MCP tools, so an agent can
// edit the open page the same way the editing shell does.
func RegisterMCP(srv *mcp.Server, reg *Registry, logger *slog.Logger) {
	t := &mcpTools{reg: reg, logger: logger, md: converter.NewConverter(
		converter.WithPlugins(base.NewBasePlugin(), commonmark.NewCommonmarkPlugin()),
	)}
	t.registerSessions(srv)
	t.registerGetField(srv)
	t.registerUpdateField(srv)
	t.registerDelete(srv)
	t.registerUndo(srv)
	t.registerRedo(srv)
	t.registerHistoryStatus(srv)
}

type mcpTools struct {
	reg    *Registry
	logger *slog.Logger
	md     *converter.Converter
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

var sessionProp = map[string]any{"type": "string", "description": "Editing session ID"}

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

func (r *sessionRequest) SessionKey() string { return r.SessionID }

func (t *mcpTools) host(ctx context.Context) (*Host, error) {
	s, err := t.reg.Get(kit.GetSessionID(ctx))
	if err != nil {
		return nil, err
	}
	return s.Host, nil
}

func (t *mcpTools) wrap(name string, ep kit.Endpoint) kit.Endpoint {
	return kit.Logging(t.logger, name)(ep)
}

// --- sessions ---

type sessionInfo struct {
	SessionID string `json:"session_id"`
	PageID    string `json:"page_id"`
	CanUndo   bool   `json:"canUndo"`
	CanRedo   bool   `json:"canRedo"`
}

func (t *mcpTools) registerSessions(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "liveedit_sessions",
		Description: "List open editing sessions.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(ctx context.Context, _ any) (any, error) {
		var out []sessionInfo
		for _, s := range t.reg.List() {
			st := s.Host.HistoryStatus()
			out = append(out, sessionInfo{SessionID: s.ID, PageID: s.PageID, CanUndo: st.CanUndo, CanRedo: st.CanRedo})
		}
		return out, nil
	}
	kit.RegisterMCPTool(srv, tool, t.wrap(tool.Name, endpoint), kit.DecodeJSON[struct{}])
}

// --- get_field ---

type getFieldRequest struct {
	sessionRequest
	Path string `json:"path"`
}

type getFieldResponse struct {
	Path     string `json:"path"`
	Found    bool   `json:"found"`
	Value    any    `json:"value"`
	Markdown string `json:"markdown,omitempty"`
}

func (t *mcpTools) registerGetField(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "liveedit_get_field",
		Description: "Read one field of the page being edited. HTML values are also returned as Markdown.",
		InputSchema: inputSchema(map[string]any{
			"session_id": sessionProp,
			"path":       map[string]any{"type": "string", "description": "Dotted element path, e.g. services.2.title"},
		}, []string{"session_id", "path"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*getFieldRequest)
		h, err := t.host(ctx)
		if err != nil {
			return nil, err
		}
		v, ok, err := h.Get(r.Path)
		if err != nil {
			return nil, err
		}
		resp := getFieldResponse{Path: r.Path, Found: ok, Value: v}
		if s, isStr := v.(string); isStr && strings.Contains(s, "<") {
			if md, err := t.md.ConvertString(s); err == nil {
				resp.Markdown = strings.TrimSpace(md)
			}
		}
		return resp, nil
	}
	kit.RegisterMCPTool(srv, tool, t.wrap(tool.Name, endpoint), kit.DecodeJSON[getFieldRequest])
}

// --- update_field ---

type updateFieldRequest struct {
	sessionRequest
	Path  string `json:"path"`
	Value any    `json:"value"`
}

func (t *mcpTools) registerUpdateField(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "liveedit_update_field",
		Description: "Write a value at a path of the page being edited. The edit is undoable.",
		InputSchema: inputSchema(map[string]any{
			"session_id": sessionProp,
			"path":       map[string]any{"type": "string", "description": "Dotted element path"},
			"value":      map[string]any{"description": "New value (string, number, object or array)"},
		}, []string{"session_id", "path", "value"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*updateFieldRequest)
		h, err := t.host(ctx)
		if err != nil {
			return nil, err
		}
		return h.Apply(ctx, UpdateField{Path: r.Path, Value: r.Value, Origin: OriginAgent})
	}
	kit.RegisterMCPTool(srv, tool, t.wrap(tool.Name, endpoint), kit.DecodeJSON[updateFieldRequest])
}

// --- delete ---

type deleteRequest struct {
	sessionRequest
	Path        string `json:"path"`
	ElementType string `json:"element_type,omitempty"`
}

func (t *mcpTools) registerDelete(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "liveedit_delete",
		Description: "Delete the element at a path. List items are removed; fields are blanked. Returns the deleted value.",
		InputSchema: inputSchema(map[string]any{
			"session_id":   sessionProp,
			"path":         map[string]any{"type": "string", "description": "Dotted element path"},
			"element_type": map[string]any{"type": "string", "description": "Element kind, e.g. service, image, text"},
		}, []string{"session_id", "path"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*deleteRequest)
		h, err := t.host(ctx)
		if err != nil {
			return nil, err
		}
		return h.Apply(ctx, DeleteElement{Path: r.Path, ElementType: r.ElementType, Origin: OriginAgent, Reason: "agent"})
	}
	kit.RegisterMCPTool(srv, tool, t.wrap(tool.Name, endpoint), kit.DecodeJSON[deleteRequest])
}

// --- undo / redo ---

func (t *mcpTools) registerUndo(srv *mcp.Server) {
	t.registerStep(srv, "liveedit_undo", "Undo the last edit of a session.", Undo{})
}

func (t *mcpTools) registerRedo(srv *mcp.Server) {
	t.registerStep(srv, "liveedit_redo", "Redo the last undone edit of a session.", Redo{})
}

func (t *mcpTools) registerStep(srv *mcp.Server, name, desc string, cmd Command) {
	tool := &mcp.Tool{
		Name:        name,
		Description: desc,
		InputSchema: inputSchema(map[string]any{"session_id": sessionProp}, []string{"session_id"}),
	}
	endpoint := func(ctx context.Context, _ any) (any, error) {
		h, err := t.host(ctx)
		if err != nil {
			return nil, err
		}
		return h.Apply(ctx, cmd)
	}
	kit.RegisterMCPTool(srv, tool, t.wrap(name, endpoint), kit.DecodeJSON[sessionRequest])
}

// --- history_status ---

type historyStatusResponse struct {
	CanUndo      bool     `json:"canUndo"`
	CanRedo      bool     `json:"canRedo"`
	HistorySize  int      `json:"historySize"`
	CurrentIndex int      `json:"currentIndex"`
	Labels       []string `json:"labels"`
}

func (t *mcpTools) registerHistoryStatus(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "liveedit_history_status",
		Description: "Show the undo/redo state and the edit labels of a session.",
		InputSchema: inputSchema(map[string]any{"session_id": sessionProp}, []string{"session_id"}),
	}
	endpoint := func(ctx context.Context, _ any) (any, error) {
		h, err := t.host(ctx)
		if err != nil {
			return nil, err
		}
		st := h.HistoryStatus()
		resp := historyStatusResponse{CanUndo: st.CanUndo, CanRedo: st.CanRedo, HistorySize: st.Size, CurrentIndex: st.Index}
		for _, e := range h.History() {
			resp.Labels = append(resp.Labels, e.Label)
		}
		return resp, nil
	}
	kit.RegisterMCPTool(srv, tool, t.wrap(tool.Name, endpoint), kit.DecodeJSON[sessionRequest])
}

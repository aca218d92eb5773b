// Package kit carries request-scoped values shared by the HTTP, WebSocket
// and MCP entry points, and the transport-neutral Endpoint type the MCP
// tools are written against.
package kit

import "context"

// key is a typed context key. Distinct instances never collide, even when
// they share a name.
type key[T any] struct{ name string }

func (k *key[T]) set(ctx context.Context, v T) context.Context {
	return context.WithValue(ctx, k, v)
}

func (k *key[T]) get(ctx context.Context) (T, bool) {
	v, ok := ctx.Value(k).(T)
	return v, ok
}

var (
	userIDKey    = &key[string]{"user_id"}
	handleKey    = &key[string]{"handle"}
	transportKey = &key[string]{"transport"} // http, ws, redis, mcp
	traceIDKey   = &key[string]{"trace_id"}
	sessionIDKey = &key[string]{"session_id"}
	pageIDKey    = &key[string]{"page_id"}
)

// loggable lists the keys Attrs reports, in output order.
var loggable = []*key[string]{traceIDKey, userIDKey, pageIDKey, sessionIDKey}

func WithUserID(ctx context.Context, id string) context.Context { return userIDKey.set(ctx, id) }
func WithHandle(ctx context.Context, h string) context.Context  { return handleKey.set(ctx, h) }
func WithTraceID(ctx context.Context, id string) context.Context {
	return traceIDKey.set(ctx, id)
}
func WithSessionID(ctx context.Context, id string) context.Context {
	return sessionIDKey.set(ctx, id)
}
func WithPageID(ctx context.Context, id string) context.Context { return pageIDKey.set(ctx, id) }

// WithTransport records which entry point the call came through.
func WithTransport(ctx context.Context, t string) context.Context {
	return transportKey.set(ctx, t)
}

func GetUserID(ctx context.Context) string    { v, _ := userIDKey.get(ctx); return v }
func GetHandle(ctx context.Context) string    { v, _ := handleKey.get(ctx); return v }
func GetTraceID(ctx context.Context) string   { v, _ := traceIDKey.get(ctx); return v }
func GetSessionID(ctx context.Context) string { v, _ := sessionIDKey.get(ctx); return v }
func GetPageID(ctx context.Context) string    { v, _ := pageIDKey.get(ctx); return v }

// GetTransport defaults to "http" when nothing set it.
func GetTransport(ctx context.Context) string {
	if v, ok := transportKey.get(ctx); ok {
		return v
	}
	return "http"
}

// Attrs returns the non-empty identifiers in ctx as slog key/value pairs.
func Attrs(ctx context.Context) []any {
	var out []any
	for _, k := range loggable {
		if v, ok := k.get(ctx); ok && v != "" {
			out = append(out, k.name, v)
		}
	}
	return out
}

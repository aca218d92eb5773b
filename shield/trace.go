package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/liveedit/idgen"
	"github.com/hazyhaar/liveedit/kit"
)

var newTraceID = idgen.NanoID(12)

type loggerKey struct{}

// Trace gives every request a trace ID and a logger derived from base that
// carries it. A client-supplied X-Trace-ID is kept when it looks like one of
// ours, so a surface can correlate its calls; anything else is replaced.
// The ID is echoed back in X-Trace-ID.
func Trace(base *slog.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Trace-ID")
			if !validTraceID(id) {
				id = newTraceID()
			}
			w.Header().Set("X-Trace-ID", id)

			ctx := kit.WithTransport(kit.WithTraceID(r.Context(), id), "http")
			l := base.With("trace_id", id, "method", r.Method, "path", r.URL.Path)
			l.Debug("request", "remote_addr", r.RemoteAddr)
			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, loggerKey{}, l)))
		})
	}
}

func validTraceID(s string) bool {
	if len(s) < 8 || len(s) > 32 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'z') {
			return false
		}
	}
	return true
}

// GetLogger returns the request logger set by Trace, or slog.Default().
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// Command liveedit-surface is a headless Content Surface. It joins an
// editing session over WebSocket or Redis and takes edit commands on stdin.
//
// Usage:
//
//	liveedit-surface -server http://localhost:8090 -page home -email dana@example.com -password hunter22
//	liveedit-surface -page home -bridge redis -redis localhost:6379 -token "$TOKEN"
//
// Commands: edit <path> <value>, delete <path>, undo, redo, status,
// show [path], quit.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/hazyhaar/liveedit/bridge"
	"github.com/hazyhaar/liveedit/bridge/redisbus"
	"github.com/hazyhaar/liveedit/bridge/wsbridge"
	"github.com/hazyhaar/liveedit/editor"
	"github.com/hazyhaar/liveedit/idgen"
	"github.com/hazyhaar/liveedit/safe"
	"github.com/hazyhaar/liveedit/sitetree"
)

type options struct {
	server      string
	page        string
	token       string
	email       string
	password    string
	transport   string
	redisAddr   string
	redisPrefix string
}

func main() {
	var o options
	flag.StringVar(&o.server, "server", "http://localhost:8090", "liveedit server base URL")
	flag.StringVar(&o.page, "page", "home", "page to edit")
	flag.StringVar(&o.token, "token", "", "session token (skips login)")
	flag.StringVar(&o.email, "email", "", "login email")
	flag.StringVar(&o.password, "password", "", "login password")
	flag.StringVar(&o.transport, "bridge", "websocket", "bridge transport: websocket or redis")
	flag.StringVar(&o.redisAddr, "redis", "localhost:6379", "redis address for -bridge redis")
	flag.StringVar(&o.redisPrefix, "redis-prefix", redisbus.DefaultPrefix, "redis channel prefix")
	logLevel := flag.String("log-level", "warn", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelWarn
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, o); err != nil {
		logger.Error("liveedit-surface: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, o options) error {
	if o.token == "" && o.email != "" {
		tok, err := login(ctx, o.server, o.email, o.password)
		if err != nil {
			return err
		}
		o.token = tok
	}

	t, attach, err := connect(ctx, o)
	if err != nil {
		return err
	}
	ep := bridge.NewEndpoint(t, bridge.WithName("surface"), bridge.WithLogger(logger))
	defer ep.Close()

	surf := editor.NewSurface(ep,
		editor.WithSurfaceLogger(logger),
		editor.WithSafeImg(editor.NewSafeImg(editor.DefaultPlaceholder)),
		editor.OnRender(func(_ sitetree.Tree, markup []byte) {
			fmt.Printf("~ rendered %d bytes\n", len(markup))
		}),
		editor.OnHistory(func(hu bridge.HistoryUpdate) {
			fmt.Printf("~ history canUndo=%t canRedo=%t size=%d\n", hu.CanUndo, hu.CanRedo, hu.HistorySize)
		}),
	)
	go func() {
		if err := ep.Run(ctx); err != nil {
			logger.Warn("liveedit-surface: bridge closed", "error", err)
		}
	}()
	if attach != nil {
		if err := attach(ctx); err != nil {
			return err
		}
	}
	surf.Load(ctx)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := execLine(ctx, surf, line, os.Stdout)
			if err != nil {
				fmt.Println("!", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// connect opens the transport. For redis it also returns the call that
// asks the server to start bridging, made once the surface is subscribed.
func connect(ctx context.Context, o options) (bridge.Transport, func(context.Context) error, error) {
	switch o.transport {
	case "websocket":
		u, err := url.Parse(o.server)
		if err != nil {
			return nil, nil, fmt.Errorf("server url: %w", err)
		}
		u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
		u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + url.PathEscape(o.page)
		header := http.Header{"X-Trace-Id": {traceID}}
		if o.token != "" {
			header.Set("Authorization", "Bearer "+o.token)
		}
		c, err := wsbridge.Dial(ctx, u.String(), header)
		return c, nil, err

	case "redis":
		if o.token == "" {
			return nil, nil, fmt.Errorf("redis sessions need -token or -email")
		}
		var sess struct {
			SessionID string `json:"session_id"`
		}
		if err := call(ctx, o.server, http.MethodPost, "/api/pages/"+url.PathEscape(o.page)+"/sessions", o.token, nil, &sess); err != nil {
			return nil, nil, fmt.Errorf("open session: %w", err)
		}
		rdb := redis.NewClient(&redis.Options{Addr: o.redisAddr})
		t, err := redisbus.New(rdb, o.redisPrefix).Surface(ctx, sess.SessionID)
		if err != nil {
			rdb.Close()
			return nil, nil, err
		}
		attach := func(ctx context.Context) error {
			return call(ctx, o.server, http.MethodPost, "/api/sessions/"+sess.SessionID+"/attach", o.token, nil, nil)
		}
		return t, attach, nil

	default:
		return nil, nil, fmt.Errorf("unknown bridge %q", o.transport)
	}
}

func login(ctx context.Context, server, email, password string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	body := map[string]string{"email": email, "password": password}
	if err := call(ctx, server, http.MethodPost, "/auth/login", "", body, &out); err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	return out.Token, nil
}

// traceID tags every request of this run so server logs can be grepped for it.
var traceID = idgen.NanoID(12)()

func call(ctx context.Context, server, method, path, token string, in, out any) error {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(server, "/")+path, &body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("X-Trace-ID", traceID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := safe.LimitedReadAll(resp.Body, safe.MaxBody)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil && len(data) > 0 {
		return json.Unmarshal(data, out)
	}
	return nil
}

// Command liveedit serves in-place editing sessions for site previews.
//
// Usage:
//
//	liveedit -config liveedit.yaml
//	liveedit -config liveedit.yaml -listen :9000 -log-level debug
//	liveedit -hash-password 'secret'        # print a bcrypt hash for users[]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hazyhaar/liveedit/auth"
	"github.com/hazyhaar/liveedit/studio"
)

func main() {
	configPath := flag.String("config", "liveedit.yaml", "path to the YAML config file")
	listen := flag.String("listen", "", "override listen address")
	logLevel := flag.String("log-level", "", "override log level: debug, info, warn, error")
	hashPassword := flag.String("hash-password", "", "print the bcrypt hash of a password and exit")
	flag.Parse()

	if *hashPassword != "" {
		h, err := auth.HashPassword(*hashPassword)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(h)
		return
	}

	cfg, err := studio.LoadConfig(*configPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg); err != nil {
		logger.Error("liveedit: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg *studio.Config) error {
	store, closeStore, err := studio.OpenStore(ctx, cfg.DB)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer closeStore()

	opts := []studio.Option{studio.WithLogger(logger)}
	if cfg.Bridge.Transport == "redis" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Bridge.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.Bridge.RedisAddr, err)
		}
		defer rdb.Close()
		opts = append(opts, studio.WithRedis(rdb))
	}

	app, err := studio.New(cfg, store, opts...)
	if err != nil {
		return err
	}
	defer app.Close()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("liveedit: listening", "addr", cfg.Listen, "db", cfg.DB.Driver, "bridge", cfg.Bridge.Transport)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("liveedit: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("liveedit: shutdown", "error", err)
	}
	return nil
}

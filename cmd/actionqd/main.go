// Command actionqd is the action execution queue daemon: it drains approved
// Gmail triage actions (trash, delete, label, unsubscribe, spam/phishing
// reports) from a durable queue against the user's mailbox.
//
// Usage:
//
//	actionqd [--config path/to/config.yaml]
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

	"github.com/trimbox/actionq/internal/clock"
	"github.com/trimbox/actionq/internal/config"
	"github.com/trimbox/actionq/internal/executor"
	"github.com/trimbox/actionq/internal/gmail"
	"github.com/trimbox/actionq/internal/metrics"
	"github.com/trimbox/actionq/internal/queue"
	"github.com/trimbox/actionq/internal/store"
	"github.com/trimbox/actionq/internal/store/bolt"
	"github.com/trimbox/actionq/internal/store/sqlite"
	wstransport "github.com/trimbox/actionq/internal/transport/websocket"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "actionqd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx := context.Background()

	// ── 3. Open the queue store ──────────────────────────────────────────────
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	logger.Info("actionqd starting",
		"backend", string(cfg.Storage.Backend),
		"path", cfg.Storage.Path,
		"workers", cfg.Queue.Workers,
	)

	// ── 4. Build the Gmail capability adapter ────────────────────────────────
	provider, err := gmail.NewClient(ctx, cfg.Gmail)
	if err != nil {
		return fmt.Errorf("gmail client: %w", err)
	}

	// ── 5. Assemble the queue service ────────────────────────────────────────
	metricsReg := &metrics.Registry{}
	clk := clock.System{}
	exec := executor.New(provider, nil, clk, logger)
	svc := queue.New(cfg, st, exec, clk, metricsReg, logger)

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}
	defer svc.Stop()

	// ── 6. Start the Prometheus metrics listener ─────────────────────────────
	if cfg.Metrics.Enabled {
		addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		go func() {
			logger.Info("metrics server listening", "addr", addr)
			if err := http.ListenAndServe(addr, metricsReg.Handler()); err != nil {
				logger.Warn("metrics server error", "error", err)
			}
		}()
	}

	// ── 7. Start the WebSocket progress feed ─────────────────────────────────
	if cfg.Progress.Enabled {
		addr := fmt.Sprintf("127.0.0.1:%d", cfg.Progress.Port)
		feed := &wstransport.Handler{Source: svc, Logger: logger}
		mux := http.NewServeMux()
		mux.Handle("GET /progress/ws", feed)
		go func() {
			logger.Info("progress feed listening", "addr", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Warn("progress feed error", "error", err)
			}
		}()
	}

	// ── 8. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	logger.Info("shutting down", "signal", sig.String())
	// Deferred svc.Stop lets in-flight provider calls finish and record their
	// outcomes; anything still queued resumes on the next start.
	return nil
}

// openStore opens the configured storage backend.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		return sqlite.Open(cfg.Storage.Path)
	default:
		return bolt.Open(cfg.Storage.Path)
	}
}

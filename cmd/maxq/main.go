// Command maxq is the MaxQ server: it wires the Persistence Layer, Process
// Registry, Flow/Step Executors, DAG-aware Scheduler, and Orchestrator
// behind the HTTP boundary (spec §6.3), runs the Startup Reconciler (spec
// §4.8) before accepting traffic, and shuts down cleanly on SIGINT/SIGTERM.
// Grounded on cmd/sandbox/main.go's signal.NotifyContext +
// http.Server.Shutdown lifecycle, composed here under one
// golang.org/x/sync/errgroup.Group per SPEC_FULL.md's DOMAIN STACK decision.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codespin-ai/maxq/internal/config"
	"github.com/codespin-ai/maxq/internal/flowexec"
	"github.com/codespin-ai/maxq/internal/httpapi"
	"github.com/codespin-ai/maxq/internal/orchestrator"
	"github.com/codespin-ai/maxq/internal/registry"
	"github.com/codespin-ai/maxq/internal/scheduler"
	"github.com/codespin-ai/maxq/internal/stepexec"
	"github.com/codespin-ai/maxq/internal/store/sqlite"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "maxq:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(cfg.DataDir, "maxq.db")

	st, err := sqlite.New(dbPath, sqlite.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := st.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	reg := registry.New(logger)
	flowExec := flowexec.New(reg)
	stepExec := stepexec.New(reg)

	orch := orchestrator.New(st, reg, flowExec, orchestrator.Config{
		FlowsRoot:     cfg.FlowsRoot,
		APIURL:        cfg.APIURL,
		MaxLogCapture: cfg.MaxLogCapture,
		AbortGraceMs:  cfg.AbortGraceMs,
	}, logger)

	// Startup Reconciler (spec §4.8) runs before anything else touches the
	// store, so a crashed prior instance's running rows never get claimed.
	if n, err := orch.Reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconcile: %w", err)
	} else if n > 0 {
		logger.Info("startup reconciler marked stale runs failed", "count", n)
	}

	sched := scheduler.New(st, stepExec, orch, scheduler.Config{
		IntervalMs:         cfg.SchedulerIntervalMs,
		BatchSize:          cfg.SchedulerBatchSize,
		MaxConcurrentSteps: cfg.MaxConcurrentSteps,
		FlowsRoot:          cfg.FlowsRoot,
		APIURL:             cfg.APIURL,
		MaxLogCapture:      cfg.MaxLogCapture,
	}, logger)

	api := httpapi.New(st, orch, cfg.APIKey, logger)
	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      api.Mux(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})

	g.Go(func() error {
		logger.Info("maxq listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("maxq stopped")
	return nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

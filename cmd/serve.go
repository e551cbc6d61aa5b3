package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dawei-ai/dawei/internal/config"
	"github.com/dawei-ai/dawei/internal/gateway"
	"github.com/dawei-ai/dawei/internal/llm"
	"github.com/dawei-ai/dawei/internal/scheduler"
	"github.com/dawei-ai/dawei/internal/telemetry"
	"github.com/dawei-ai/dawei/internal/workspace"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket gateway server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.ResolveHome(), 0o755); err != nil {
		slog.Error("failed to create home directory", "path", cfg.ResolveHome(), "error", err)
		os.Exit(1)
	}

	metrics, err := telemetry.New()
	if err != nil {
		slog.Warn("metrics disabled", "error", err)
		metrics = nil
	}

	stack := llm.NewStack(cfg, metrics)
	manager := llm.NewManager(cfg, stack, nil)
	wsService := workspace.NewService(cfg)
	sched := scheduler.NewManager(cfg.Scheduler)

	srv := gateway.New(cfg, wsService, manager, sched)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := srv.Run(ctx)

	// Drain in dependency order: no new frames, then no scheduled runs,
	// then no in-flight provider calls.
	sched.StopAll()
	stack.Stop()

	if runErr != nil && !errors.Is(runErr, http.ErrServerClosed) {
		slog.Error("gateway exited", "error", runErr)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

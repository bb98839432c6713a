package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/agentpipe/internal/scheduler"
	"github.com/rendis/agentpipe/internal/streaming"
	"github.com/rendis/agentpipe/pkg/mcp"
)

func (c *cli) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the MCP tools over stdio, run schedules and expose metrics",
		Long: `Serve the agentpipe MCP tools on stdin/stdout until stdin closes or the
process is interrupted.

When metrics_addr is set, an HTTP listener exposes /metrics (Prometheus)
and /events (server-sent execution events, filtered by ?execution_id= and
?types=). When scheduler.enabled is true, cron schedules are triggered in
the background.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.withApp(cmd, func(_ context.Context, a *app) error {
				return c.serve(ctx, a)
			})
		},
	}
	cmd.Flags().String("metrics-addr", "", "HTTP listen address for /metrics and /events (empty disables)")
	cmd.Flags().Bool("scheduler", true, "trigger cron schedules")
	_ = c.v.BindPFlag("metrics_addr", cmd.Flags().Lookup("metrics-addr"))
	_ = c.v.BindPFlag("scheduler.enabled", cmd.Flags().Lookup("scheduler"))
	return cmd
}

func (c *cli) serve(ctx context.Context, a *app) error {
	logger := a.logger

	if a.cfg.Scheduler.Enabled {
		var opts []scheduler.Option
		if a.cfg.Scheduler.Interval > 0 {
			opts = append(opts, scheduler.WithInterval(a.cfg.Scheduler.Interval))
		}
		sched := scheduler.NewScheduler(a.store, a.intake, logger, opts...)
		if err := sched.RecoverMissed(ctx); err != nil {
			logger.Warn("recover missed schedules", slog.Any("error", err))
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer func() { _ = sched.Stop() }()
	}

	if a.cfg.MetricsAddr != "" {
		srv := newHTTPServer(a)
		go func() {
			logger.Info("http listener started", slog.String("addr", a.cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http listener failed", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	mcpSrv := mcp.NewServer(mcp.ServerDeps{
		Intake:    a.intake,
		Store:     a.store,
		Validator: a.validator,
		Hub:       a.hub,
		Logger:    logger,
	})
	logger.Info("mcp server started on stdio", slog.String("db_path", a.cfg.DBPath))
	if err := mcpSrv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newHTTPServer builds the metrics and event stream listener.
func newHTTPServer(a *app) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", a.metrics.Handler())
	mux.Handle("GET /events", streaming.SSEHandler(a.hub, a.logger))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

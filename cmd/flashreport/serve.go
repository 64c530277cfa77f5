package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/flashreport/flashreport/internal/api"
	"github.com/flashreport/flashreport/internal/auth"
	"github.com/flashreport/flashreport/internal/metrics"
	"github.com/flashreport/flashreport/internal/scheduler"
	"github.com/flashreport/flashreport/internal/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the API and run the pipeline on a schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, !noScheduler)
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "Serve the API without running scheduled cycles")
	return cmd
}

func serve(ctx context.Context, withScheduler bool) error {
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	logger := a.logger
	logger.Info("starting flashreport")

	// Migration failures are not fatal so a read-only replica can still serve.
	if err := a.migrate(ctx); err != nil {
		logger.Warn("failed to run migrations, continuing anyway", "error", err)
	}

	reg, err := metrics.NewRegistry()
	if err != nil {
		return err
	}
	if err := reg.RegisterDB(a.db, "flashreport"); err != nil {
		return err
	}
	httpMetrics, err := metrics.NewHTTPCollector(reg)
	if err != nil {
		return err
	}

	p, err := a.buildPipeline(reg)
	if err != nil {
		return err
	}
	defer p.close()

	authenticator := auth.New(a.cfg.Auth)
	if !authenticator.Enabled() {
		logger.Warn("ADMIN_JWT_SECRET or ADMIN_PASSWORD_HASH not set, pipeline endpoints are disabled")
	}

	mux := http.NewServeMux()
	api.SetupRoutes(mux, api.Routes{
		Events:  a.store,
		Pinger:  a.store,
		Auth:    authenticator,
		Runner:  p.manager,
		Metrics: reg.Handler(),
		Logger:  logger,
	})
	srv := server.New(a.cfg.Server, logger, httpMetrics.InstrumentHandler(mux))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if withScheduler {
		sched := scheduler.NewPipelineScheduler(p.manager, a.cfg.Pipeline.Interval, logger)
		g.Go(func() error {
			sched.Start(gctx)
			return nil
		})
	}

	err = g.Wait()
	logger.Info("flashreport stopped")
	return err
}

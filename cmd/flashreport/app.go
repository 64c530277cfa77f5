package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/flashreport/flashreport/internal/analysis"
	"github.com/flashreport/flashreport/internal/clustering"
	"github.com/flashreport/flashreport/internal/config"
	"github.com/flashreport/flashreport/internal/database"
	"github.com/flashreport/flashreport/internal/eventmanager"
	"github.com/flashreport/flashreport/internal/logging"
	"github.com/flashreport/flashreport/internal/metrics"
	"github.com/flashreport/flashreport/internal/notify"
	"github.com/flashreport/flashreport/internal/store"
	"github.com/flashreport/flashreport/internal/telemetry"
	"github.com/flashreport/flashreport/migrations"
)

// app holds the process-wide dependencies shared by the subcommands.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	db      *sql.DB
	store   *database.PostgresStore
	tracing *telemetry.Tracing
}

const tracingShutdownTimeout = 5 * time.Second

// loadApp reads configuration, builds the logger, installs tracing and
// connects to Postgres.
func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	tracing, err := telemetry.Setup(ctx, cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	logger.Info("connecting to database")
	db, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		shutdownTracing(tracing, logger)
		return nil, err
	}
	logger.Info("database connected")

	return &app{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		store:   database.NewPostgresStore(db, logger),
		tracing: tracing,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close database", "error", err)
	}
	shutdownTracing(a.tracing, a.logger)
}

// shutdownTracing flushes buffered spans. It gets a fresh context because the
// command's context is usually cancelled by the time it runs.
func shutdownTracing(t *telemetry.Tracing, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), tracingShutdownTimeout)
	defer cancel()
	if err := t.Shutdown(ctx); err != nil {
		logger.Warn("failed to flush traces", "error", err)
	}
}

func (a *app) migrate(ctx context.Context) error {
	return database.RunMigrations(ctx, a.db, migrations.FS, a.logger)
}

// pipeline bundles the wired cycle manager with what its callers also need.
type pipeline struct {
	manager   *eventmanager.Manager
	publisher notify.Publisher
}

func (p *pipeline) close() {
	_ = p.publisher.Close()
}

// buildPipeline wires clustering, analysis and run recording. reg may be nil,
// in which case nothing is exported to Prometheus.
func (a *app) buildPipeline(reg *metrics.Registry) (*pipeline, error) {
	var collector *metrics.PipelineCollector
	if reg != nil {
		var err error
		collector, err = metrics.NewPipelineCollector(reg)
		if err != nil {
			return nil, fmt.Errorf("init pipeline metrics: %w", err)
		}
	}

	publisher, err := a.publisher()
	if err != nil {
		return nil, err
	}

	provider, err := analysis.NewProvider(a.cfg.Analysis, a.logger)
	if err != nil {
		_ = publisher.Close()
		return nil, fmt.Errorf("init analysis provider: %w", err)
	}
	if provider == nil {
		a.logger.Warn("no analysis provider configured, clusters will not be analyzed")
	} else {
		a.logger.Info("analysis provider configured", "provider", provider.Name())
	}

	instructions, err := analysis.LoadInstructions(a.cfg.Analysis.InstructionsFile)
	if err != nil {
		_ = publisher.Close()
		return nil, err
	}

	clusterRec, analysisRec, runObs := recorders(collector)

	clusterer := clustering.NewPipeline(a.store, clustering.Config{
		MatchWindow: a.cfg.Pipeline.MatchWindow,
		Workers:     a.cfg.Pipeline.Workers,
	}, clusterRec, a.logger)

	stage := analysis.NewStage(
		analysis.NewPreparer(a.store),
		provider,
		analysis.NewWriter(a.store, publisher, a.logger),
		analysis.StageConfig{
			BatchSize:    a.cfg.Analysis.BatchSize,
			Timeout:      a.cfg.Analysis.Timeout,
			MinInterval:  a.cfg.Analysis.MinInterval,
			Instructions: instructions,
			Retry:        analysis.DefaultRetryPolicy(),
		},
		analysisRec,
		a.logger,
	)

	var runs store.RunLog = database.NewPipelineRunRepository(a.db)
	manager := eventmanager.NewManager(clusterer, stage, runs, runObs, a.cfg.Pipeline.SignalLookback, a.logger)
	return &pipeline{manager: manager, publisher: publisher}, nil
}

// recorders avoids handing typed-nil collectors to the stages.
func recorders(c *metrics.PipelineCollector) (clustering.Recorder, analysis.Recorder, eventmanager.RunObserver) {
	if c == nil {
		return nil, nil, nil
	}
	return c, c, c
}

func (a *app) publisher() (notify.Publisher, error) {
	if a.cfg.Notify.NATSURL == "" {
		a.logger.Info("NATS_URL not set, alerts are only persisted")
		return notify.NopPublisher{}, nil
	}
	pub, err := notify.NewNATSPublisher(a.cfg.Notify.NATSURL, a.cfg.Notify.AlertSubject, a.logger)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return pub, nil
}

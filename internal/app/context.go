// Package app wires the journeyline services from a workspace and config.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"journeyline/internal/config"
	"journeyline/internal/db"
	"journeyline/internal/domain"
	"journeyline/internal/framework"
	"journeyline/internal/jobs"
	"journeyline/internal/journey"
	"journeyline/internal/migrate"
	"journeyline/internal/observability"
	"journeyline/internal/policy"
)

// App holds the services shared by the CLI, the API server and the worker.
type App struct {
	Workspace    string
	Config       *config.Config
	DB           *sql.DB
	Gateway      db.Gateway
	Frameworks   *framework.Registry
	Orchestrator journey.Orchestrator
	Jobs         jobs.Service
	Workers      *jobs.Registry
	Logger       *slog.Logger
}

// LoadConfig reads the config at path, or the workspace config when path is
// empty. A workspace without a config file gets the built-in defaults.
func LoadConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

// Open opens and migrates the workspace database and builds every service.
func Open(ctx context.Context, workspace string, cfg *config.Config) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger := observability.Logger()
	conn, err := db.Open(db.Config{
		Workspace:     workspace,
		MaxOpenConns:  cfg.Database.MaxOpenConns,
		BusyTimeoutMS: cfg.Database.BusyTimeoutMS,
	})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	g := db.NewGateway(conn)
	g.Retry = db.RetryPolicy{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay(),
		MaxDelay:   cfg.Retry.MaxDelay(),
	}
	g.Logger = logger

	engine, err := loadPolicy(ctx, cfg.Policy)
	if err != nil {
		conn.Close()
		return nil, err
	}

	reg := framework.NewDefaultRegistry(executorFor(cfg.Executor))
	orch := journey.New(g, cfg, reg)
	orch.Policy = engine
	orch.Logger = logger
	orch.OnNonFatal = func(err error) {
		logger.Warn("non-fatal journey error", "error", err)
	}

	svc := jobs.NewService(g)
	svc.Logger = logger

	workers := jobs.NewRegistry()
	if err := workers.Register(domain.JobTypeJourneyExecution,
		jobs.WithRetry(cfg.Jobs.WorkerAttempts, cfg.Jobs.WorkerRetryDelay(), jobs.JourneyWorker(orch))); err != nil {
		conn.Close()
		return nil, err
	}

	return &App{
		Workspace:    workspace,
		Config:       cfg,
		DB:           conn,
		Gateway:      g,
		Frameworks:   reg,
		Orchestrator: orch,
		Jobs:         svc,
		Workers:      workers,
		Logger:       logger,
	}, nil
}

func executorFor(cfg config.Executor) framework.Executor {
	if cfg.Kind == "http" {
		return framework.NewHTTPExecutor(cfg.BaseURL, cfg.Token, cfg.Timeout())
	}
	return framework.LocalExecutor{}
}

func loadPolicy(ctx context.Context, cfg config.Policy) (*policy.Engine, error) {
	content := ""
	if cfg.File != "" {
		data, err := os.ReadFile(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("read policy %s: %w", cfg.File, err)
		}
		content = string(data)
	}
	engine, err := policy.NewEngine(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	return engine, nil
}

// NewDispatcher returns a job dispatcher that also requeues sessions whose
// executor disappeared.
func (a *App) NewDispatcher() *jobs.Dispatcher {
	d := jobs.NewDispatcher(a.Jobs, a.Workers, a.Config.Jobs)
	d.Logger = a.Logger
	d.Sweep = jobs.RequeueStalled(a.Jobs, a.Orchestrator, a.Config.Jobs.BatchSize)
	return d
}

func (a *App) Close() error {
	if a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

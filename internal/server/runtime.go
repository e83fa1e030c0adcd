package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackzampolin/mathbank/internal/blob"
	"github.com/jackzampolin/mathbank/internal/config"
	"github.com/jackzampolin/mathbank/internal/export"
	"github.com/jackzampolin/mathbank/internal/extract"
	"github.com/jackzampolin/mathbank/internal/home"
	"github.com/jackzampolin/mathbank/internal/ingest"
	"github.com/jackzampolin/mathbank/internal/llmcall"
	"github.com/jackzampolin/mathbank/internal/pipeline"
	"github.com/jackzampolin/mathbank/internal/providers"
	"github.com/jackzampolin/mathbank/internal/reconcile"
	"github.com/jackzampolin/mathbank/internal/store"
	"github.com/jackzampolin/mathbank/internal/store/firestore"
	"github.com/jackzampolin/mathbank/internal/store/sqlstore"
	"github.com/jackzampolin/mathbank/internal/svcctx"
	"github.com/jackzampolin/mathbank/internal/usage"
)

// RuntimeConfig configures OpenRuntime.
type RuntimeConfig struct {
	Config *config.Config
	Home   *home.Dir
	// DSN overrides Config.Store.DSN, e.g. with the managed postgres container.
	DSN    string
	Logger *slog.Logger
}

// Runtime is the wired service graph shared by the server and the local CLI
// commands.
type Runtime struct {
	Services  *svcctx.Services
	Recorder  *llmcall.Recorder
	Scheduler *pipeline.Scheduler

	logger  *slog.Logger
	closers []func() error
}

// OpenRuntime opens the stores and wires every service. Nothing runs in the
// background until Recorder.Start and Scheduler.Run are called.
func OpenRuntime(ctx context.Context, rc RuntimeConfig) (*Runtime, error) {
	cfg := rc.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := rc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{logger: logger}

	rows, err := openStore(ctx, cfg.Store, rc.DSN, rc.Home, logger)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, rows.Close)

	blobs, err := openBlobs(ctx, cfg.Blobs, rc.Home, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if c, ok := blobs.(interface{ Close() error }); ok {
		rt.closers = append(rt.closers, c.Close)
	}

	registry := providers.NewRegistry()
	registry.SetLogger(logger)
	// Without a client the extractor reports no model, which has no daily
	// budget, so the pipeline stays parked until a config reload fixes it.
	if err := registry.Reload(ctx, cfg.ToRegistryConfig()); err != nil {
		logger.Warn("ai provider not configured", "provider", cfg.AI.Provider, "error", err)
	}

	rateLimiter := providers.NewRateLimiter(cfg.AI.RequestsPerMinute)
	limiter := usage.New(usage.Config{Store: rows, Limits: cfg.Pipeline.Limits(), Logger: logger})
	rt.Recorder = llmcall.NewRecorder(llmcall.RecorderConfig{Store: rows, Logger: logger})
	extractor := extract.New(extract.Config{
		Clients:     registry,
		RateLimiter: rateLimiter,
		Recorder:    rt.Recorder,
		Logger:      logger,
	})

	ctrl := pipeline.NewController(pipeline.Config{
		Store:             rows,
		Blobs:             blobs,
		Extractor:         extractor,
		Usage:             limiter,
		Reconciler:        reconcile.New(rows, logger),
		MaxSchemaFailures: cfg.Pipeline.MaxSchemaFailures,
		BackoffBase:       cfg.Pipeline.BackoffBase,
		BackoffMax:        cfg.Pipeline.BackoffMax,
		Logger:            logger,
	})
	rt.Scheduler = pipeline.NewScheduler(ctrl, pipeline.SchedulerConfig{
		FastInterval: cfg.Pipeline.FastInterval,
		SlowInterval: cfg.Pipeline.SlowInterval,
		StepTimeout:  cfg.Pipeline.StepTimeout,
		Logger:       logger,
	})

	ingester := ingest.New(ingest.Config{
		Store:    rows,
		Blobs:    blobs,
		Renderer: ingest.Poppler{DPI: cfg.Ingest.DPI},
		Waker:    ctrl,
		Workers:  cfg.Ingest.Workers,
		Logger:   logger,
	})

	rt.Services = &svcctx.Services{
		Store:        rows,
		Blobs:        blobs,
		Registry:     registry,
		RateLimiter:  rateLimiter,
		Usage:        limiter,
		Controller:   ctrl,
		Ingester:     ingester,
		Exporter:     export.NewService(rows, logger),
		Home:         rc.Home,
		Logger:       logger,
		PreviewWidth: cfg.Blobs.PreviewWidth,
	}
	return rt, nil
}

// Apply pushes reloadable settings into the running services: the AI
// provider, the per-minute rate and the daily limits. Store and blob
// settings need a restart.
func (rt *Runtime) Apply(ctx context.Context, cfg *config.Config) {
	svc := rt.Services
	if err := svc.Registry.Reload(ctx, cfg.ToRegistryConfig()); err != nil {
		rt.logger.Error("failed to reload ai provider, keeping previous client", "error", err)
	}
	svc.RateLimiter.SetRequestsPerMinute(cfg.AI.RequestsPerMinute)
	svc.Usage.SetLimits(cfg.Pipeline.Limits())
	if cfg.Blobs.PreviewWidth > 0 {
		svc.PreviewWidth = cfg.Blobs.PreviewWidth
	}
	rt.logger.Info("runtime settings reloaded",
		"provider", cfg.AI.Provider,
		"model", cfg.AI.Model,
		"requests_per_minute", cfg.AI.RequestsPerMinute)
}

// Close flushes the recorder and closes the stores in reverse order.
func (rt *Runtime) Close() error {
	if rt.Recorder != nil {
		rt.Recorder.Stop()
	}
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg config.StoreConfig, dsn string, h *home.Dir, logger *slog.Logger) (store.Store, error) {
	if dsn == "" {
		dsn = config.ResolveEnvVars(cfg.DSN)
	}
	switch cfg.Driver {
	case "sqlite", "":
		if dsn == "" {
			if h == nil {
				return nil, fmt.Errorf("sqlite store needs a dsn or a home directory")
			}
			dsn = h.DatabasePath()
		}
		return sqlstore.Open(ctx, sqlstore.Config{Driver: "sqlite", DSN: dsn, Logger: logger})
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("postgres store needs a dsn")
		}
		return sqlstore.Open(ctx, sqlstore.Config{Driver: "postgres", DSN: dsn, MaxConns: cfg.MaxConns, Logger: logger})
	case "firestore":
		return firestore.Open(ctx, config.ResolveEnvVars(cfg.ProjectID), logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func openBlobs(ctx context.Context, cfg config.BlobsConfig, h *home.Dir, logger *slog.Logger) (blob.Store, error) {
	switch cfg.Driver {
	case "local", "":
		dir := cfg.Dir
		if dir == "" {
			if h == nil {
				return nil, fmt.Errorf("local blob store needs a dir or a home directory")
			}
			dir = h.PagesDir()
		}
		return blob.NewLocal(dir)
	case "gcs":
		return blob.NewGCS(ctx, cfg.Bucket, logger)
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}

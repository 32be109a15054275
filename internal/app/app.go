// Package app wires configuration into long-lived services, acting as the
// dependency injection container for the CLI.
package app

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/gridfetch/internal/batch"
	"github.com/JakeFAU/gridfetch/internal/clock/system"
	"github.com/JakeFAU/gridfetch/internal/collector"
	"github.com/JakeFAU/gridfetch/internal/config"
	"github.com/JakeFAU/gridfetch/internal/fetcher"
	collyfetcher "github.com/JakeFAU/gridfetch/internal/fetcher/colly"
	"github.com/JakeFAU/gridfetch/internal/hash/sha256"
	"github.com/JakeFAU/gridfetch/internal/id/uuid"
	"github.com/JakeFAU/gridfetch/internal/joblist"
	"github.com/JakeFAU/gridfetch/internal/metrics"
	"github.com/JakeFAU/gridfetch/internal/publisher/pubsub"
	"github.com/JakeFAU/gridfetch/internal/storage/gcs"
	"github.com/JakeFAU/gridfetch/internal/storage/local"
	"github.com/JakeFAU/gridfetch/internal/storage/postgres"
	"github.com/JakeFAU/gridfetch/internal/validate"
	"github.com/JakeFAU/gridfetch/internal/worker"
)

// App holds the services shared by every command.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	registry     *fetcher.Registry
	metrics      *metrics.Metrics
	orchestrator *batch.Orchestrator

	closers []func() error
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Registry exposes the source registry.
func (a *App) Registry() *fetcher.Registry {
	return a.registry
}

// Metrics exposes the run metrics.
func (a *App) Metrics() *metrics.Metrics {
	return a.metrics
}

// Orchestrator returns the batch orchestrator.
func (a *App) Orchestrator() *batch.Orchestrator {
	return a.orchestrator
}

// New builds the App. Optional sinks are enabled only when configured and
// fail fast when they cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, metrics: metrics.New()}

	registry, err := NewRegistry(cfg.Sources)
	if err != nil {
		return nil, err
	}
	a.registry = registry
	logger.Info("sources registered", zap.Strings("pairs", registry.Pairs()))

	deps := batch.Deps{
		Fetcher:   registry,
		Validator: validate.New(nil),
		Hasher:    sha256.New(),
		Clock:     system.New(),
		IDs:       uuid.New(),
		Metrics:   a.metrics,
	}

	if cfg.Raw.Enabled {
		raw, err := local.New(local.Config{BaseDir: cfg.Raw.Dir})
		if err != nil {
			return nil, fmt.Errorf("init raw output: %w", err)
		}
		deps.Raw = raw
		logger.Info("raw output enabled", zap.String("dir", cfg.Raw.Dir))
	}

	if cfg.Upload.GCSBucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, a.abort(fmt.Errorf("create gcs client: %w", err))
		}
		a.closers = append(a.closers, client.Close)
		uploader, err := gcs.New(client, gcs.Config{Bucket: cfg.Upload.GCSBucket, Prefix: cfg.Upload.Prefix})
		if err != nil {
			return nil, a.abort(err)
		}
		deps.Uploader = uploader
		logger.Info("gcs upload enabled", zap.String("bucket", cfg.Upload.GCSBucket))
	}

	if cfg.DB.DSN != "" {
		store, err := postgres.NewLedgerStore(ctx, postgres.LedgerStoreConfig{
			DSN:      cfg.DB.DSN,
			Table:    cfg.DB.Table,
			MaxConns: cfg.DB.MaxConns,
		})
		if err != nil {
			return nil, a.abort(fmt.Errorf("init ledger store: %w", err))
		}
		a.closers = append(a.closers, func() error { store.Close(); return nil })
		deps.Ledgers = store
		logger.Info("postgres ledger enabled", zap.String("table", cfg.DB.Table))
	}

	if cfg.PubSub.TopicName != "" {
		pub, err := pubsub.Dial(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, a.abort(err)
		}
		a.closers = append(a.closers, pub.Close)
		deps.Publisher = pub
		logger.Info("run notifications enabled", zap.String("topic", cfg.PubSub.TopicName))
	}

	orch, err := batch.New(deps, batch.Config{
		JobsFile:    cfg.Jobs.File,
		Fields:      joblist.Fields{Source: cfg.Jobs.SourceField, Category: cfg.Jobs.CategoryField},
		Concurrency: cfg.Jobs.Concurrency,
		Worker: worker.Config{
			Timeout: cfg.Jobs.Timeout,
		},
		ArchiveDir:     cfg.Archive.Dir,
		ResultsDir:     cfg.Results.Dir,
		Location:       cfg.DisplayLocation(),
		Topic:          cfg.PubSub.TopicName,
		PushgatewayURL: cfg.Metrics.PushgatewayURL,
		MetricsJob:     cfg.Metrics.JobName,
	}, logger.Named("batch"))
	if err != nil {
		return nil, a.abort(err)
	}
	a.orchestrator = orch
	return a, nil
}

// NewRegistry registers one colly source per configured (source, category)
// pair. A source without categories serves its default category.
func NewRegistry(sources map[string]config.SourceConfig) (*fetcher.Registry, error) {
	registry := fetcher.NewRegistry()
	for id, src := range sources {
		source, err := collyfetcher.New(collyfetcher.Config{URL: src.URL, UserAgent: "gridfetch"})
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", id, err)
		}
		categories := src.Categories
		if len(categories) == 0 {
			categories = []string{string(collector.DefaultCategory(id))}
		}
		for _, c := range categories {
			if err := registry.Register(collector.Category(c), id, source.Fetch); err != nil {
				return nil, err
			}
		}
	}
	return registry, nil
}

func (a *App) abort(err error) error {
	if closeErr := a.closeAll(); closeErr != nil {
		return fmt.Errorf("%w (cleanup: %v)", err, closeErr)
	}
	return err
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Close releases clients and flushes the logger.
func (a *App) Close() {
	if err := a.closeAll(); err != nil {
		a.logger.Warn("error closing services", zap.Error(err))
	}
	_ = a.logger.Sync()
}

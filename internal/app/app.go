// Package app initializes and holds the long-lived application services,
// acting as a dependency injection container for the datasync commands.
package app

import (
	"context"
	"fmt"
	"sync"

	gcs "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ama66/datasync/internal/config"
	"github.com/ama66/datasync/internal/ingest"
	"github.com/ama66/datasync/internal/logging"
	"github.com/ama66/datasync/internal/notify"
	notifymemory "github.com/ama66/datasync/internal/notify/memory"
	notifypubsub "github.com/ama66/datasync/internal/notify/pubsub"
	"github.com/ama66/datasync/internal/policy/ratelimit"
	"github.com/ama66/datasync/internal/progress"
	progresssinks "github.com/ama66/datasync/internal/progress/sinks"
	"github.com/ama66/datasync/internal/storage"
	gcsstorage "github.com/ama66/datasync/internal/storage/gcs"
	localstorage "github.com/ama66/datasync/internal/storage/local"
	memoryStorage "github.com/ama66/datasync/internal/storage/memory"
	pgstore "github.com/ama66/datasync/internal/storage/postgres"
	"github.com/ama66/datasync/internal/store"
	"github.com/ama66/datasync/internal/telemetry"
)

// App holds the shared, long-lived services: logger, stores, page archive,
// publisher, rate-limit governor, and the progress hub. It is built once at
// startup and handed to the commands that need it.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	pool      *pgxpool.Pool
	gcsClient *gcs.Client

	events      ingest.EventStore
	checkpoints ingest.CheckpointStore
	runs        store.RunRepository
	archive     ingest.BlobStore
	publisher   ingest.Publisher

	registry  *prometheus.Registry
	hub       *progress.Hub
	governor  *ratelimit.Governor
	telemetry *telemetry.Providers

	closeOnce sync.Once
}

// New builds the application container from the loaded configuration. It is
// the central point for service initialization and fails fast if any
// critical service cannot be brought up.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}

	logger.Info("building application services")
	if err := a.setupStores(ctx); err != nil {
		return nil, err
	}
	if err := a.setupArchive(ctx); err != nil {
		return nil, err
	}
	if err := a.setupPublisher(ctx); err != nil {
		return nil, err
	}
	if err := a.setupProgress(ctx); err != nil {
		return nil, err
	}
	if cfg.Telemetry.Enabled {
		if err := a.setupTelemetry(ctx); err != nil {
			return nil, err
		}
	}

	a.governor = ratelimit.New(ratelimit.Config{
		MinInterval:    cfg.MinRequestInterval(),
		SafetyMargin:   cfg.PenaltyMargin(),
		DefaultPenalty: cfg.PenaltyDefault(),
	})

	logger.Info("application services initialized")
	return a, nil
}

func (a *App) setupStores(ctx context.Context) error {
	switch a.cfg.DB.Driver {
	case "postgres":
		pool, err := pgstore.Connect(ctx, pgstore.Config{
			DSN:      a.cfg.DB.DSN,
			MaxConns: int32(a.cfg.DB.MaxConns),
			MinConns: int32(a.cfg.DB.MinConns),
		})
		if err != nil {
			return fmt.Errorf("database init failed: %w", err)
		}
		a.pool = pool
		events, err := pgstore.NewEventStore(pool)
		if err != nil {
			return fmt.Errorf("event store init failed: %w", err)
		}
		checkpoints, err := pgstore.NewCheckpointStore(pool)
		if err != nil {
			return fmt.Errorf("checkpoint store init failed: %w", err)
		}
		runs, err := pgstore.NewRunStore(pool)
		if err != nil {
			return fmt.Errorf("run store init failed: %w", err)
		}
		a.events = events
		a.checkpoints = checkpoints
		a.runs = runs
		a.logger.Info("postgres stores initialized", zap.Int("max_conns", a.cfg.DB.MaxConns))
	case "memory":
		a.logger.Info("using in-memory stores")
		a.events = memoryStorage.NewEventStore()
		a.checkpoints = memoryStorage.NewCheckpointStore()
		a.runs = memoryStorage.NewRunStore()
	default:
		return fmt.Errorf("unknown db driver: %s", a.cfg.DB.Driver)
	}
	return nil
}

func (a *App) setupArchive(ctx context.Context) error {
	switch a.cfg.Archive.Provider {
	case "gcs":
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		blob, err := gcsstorage.New(client, a.cfg.Archive.GCSBucket)
		if err != nil {
			return fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.archive = blob
		a.logger.Info("using GCS page archive", zap.String("bucket", a.cfg.Archive.GCSBucket))
	case "local":
		blob, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.LocalDir})
		if err != nil {
			return fmt.Errorf("local archive init failed: %w", err)
		}
		a.archive = blob
		a.logger.Info("using local page archive", zap.String("dir", a.cfg.Archive.LocalDir))
	case "memory":
		a.logger.Info("using in-memory page archive")
		a.archive = memoryStorage.NewBlobStore()
	case "noop":
		a.logger.Info("page archiving disabled")
		a.archive = storage.NoOpArchive{}
	default:
		return fmt.Errorf("unknown archive provider: %s", a.cfg.Archive.Provider)
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	switch a.cfg.Notify.Provider {
	case "pubsub":
		pub, err := notifypubsub.New(ctx, a.cfg.Notify.ProjectID, a.cfg.Notify.TopicID)
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.publisher = pub
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Notify.ProjectID),
			zap.String("topic", a.cfg.Notify.TopicID),
		)
	case "memory":
		a.logger.Info("using in-memory publisher")
		a.publisher = notifymemory.New()
	case "noop":
		a.logger.Info("batch notifications disabled")
		a.publisher = notify.NoOpPublisher{}
	default:
		return fmt.Errorf("unknown notify provider: %s", a.cfg.Notify.Provider)
	}
	return nil
}

func (a *App) setupProgress(ctx context.Context) error {
	promSink, err := progresssinks.NewPrometheusSink(a.registry)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	a.hub = progress.NewHub(progress.Config{
		BaseContext: ctx,
		Logger:      a.logger.Named("progress_hub"),
	},
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
		progresssinks.NewStoreSink(a.runs, a.logger.Named("progress_store")),
	)
	return nil
}

func (a *App) setupTelemetry(ctx context.Context) error {
	providers, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "datasync",
		ProjectID:   a.cfg.Telemetry.ProjectID,
		Registerer:  a.registry,
	})
	if err != nil {
		return fmt.Errorf("telemetry init failed: %w", err)
	}
	a.telemetry = providers
	a.logger.Info("telemetry initialized",
		zap.Bool("cloud_trace", a.cfg.Telemetry.ProjectID != ""),
	)
	return nil
}

// Close gracefully shuts down all services in the container. Both the Cobra
// post-run hook and the command error paths call it, so it is safe to call
// more than once; only the first call does the work.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if a.hub != nil {
			if err := a.hub.Close(ctx); err != nil {
				a.logger.Warn("progress hub close failed", zap.Error(err))
			}
		}
		if a.telemetry != nil {
			if err := a.telemetry.Shutdown(ctx); err != nil {
				a.logger.Warn("telemetry shutdown failed", zap.Error(err))
			}
		}
		if closer, ok := a.publisher.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				a.logger.Warn("publisher close failed", zap.Error(err))
			}
		}
		if a.gcsClient != nil {
			if err := a.gcsClient.Close(); err != nil {
				a.logger.Warn("gcs client close failed", zap.Error(err))
			}
		}
		if a.pool != nil {
			a.pool.Close()
		}
		if err := a.logger.Sync(); err != nil {
			// Best effort; syncing stderr commonly fails on ttys.
			a.logger.Debug("logger sync failed", zap.Error(err))
		}
	})
	return nil
}

// Config returns the configuration the container was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// EventStore exposes the configured event store.
func (a *App) EventStore() ingest.EventStore {
	return a.events
}

// CheckpointStore exposes the configured checkpoint store.
func (a *App) CheckpointStore() ingest.CheckpointStore {
	return a.checkpoints
}

// Runs exposes the configured run history repository.
func (a *App) Runs() store.RunRepository {
	return a.runs
}

// Archive exposes the configured raw page archive.
func (a *App) Archive() ingest.BlobStore {
	return a.archive
}

// Publisher exposes the configured batch-commit publisher.
func (a *App) Publisher() ingest.Publisher {
	return a.publisher
}

// Emitter returns the progress hub for pipeline instrumentation.
func (a *App) Emitter() progress.Emitter {
	return a.hub
}

// Gate returns the shared upstream rate-limit gate.
func (a *App) Gate() ingest.Gate {
	return a.governor
}

// Registry returns the metrics registry backing /metrics.
func (a *App) Registry() *prometheus.Registry {
	return a.registry
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ama66/datasync/internal/api"
	"github.com/ama66/datasync/internal/clock/system"
	"github.com/ama66/datasync/internal/config"
	"github.com/ama66/datasync/internal/id/uuid"
	"github.com/ama66/datasync/internal/ingest"
	"github.com/ama66/datasync/internal/progress"
	"github.com/ama66/datasync/internal/upstream"
)

// newRunCmd creates and configures the 'run' subcommand. It retrieves the
// application instance from the context and uses it to assemble and run the
// drain pipeline.
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs one full drain of the upstream event stream",
		Long: `Walks the upstream /events endpoint page by page, persisting each batch
and checkpointing after every durable write. The walk resumes from the
stored cursor and exits once the stream reports no more pages.`,

		RunE: runDrainCommand,
	}
	return cmd
}

func runDrainCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg := appInstance.Config()
	logger := appInstance.Logger()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Server.Enabled {
		shutdown := startOpsServer(appInstance, cfg, logger)
		defer shutdown()
	}

	pipeline, err := buildDrainPipeline(appInstance, cfg, logger)
	if err != nil {
		return closeAppOnError(cmd.Context(), appInstance, logger, err)
	}

	summary, err := pipeline.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return closeAppOnError(cmd.Context(), appInstance, logger, fmt.Errorf("run drain: %w", err))
	}

	logger.Info("Drain command finished.",
		zap.Int("pages", summary.Pages),
		zap.Int64("events", summary.Events),
		zap.Int64("inserted", summary.Inserted),
		zap.Int64("duplicates", summary.Duplicates),
		zap.Int("cursor_resets", summary.Resets),
		zap.Duration("elapsed", summary.Elapsed),
	)
	return nil
}

func buildDrainPipeline(appInstance App, cfg config.Config, logger *zap.Logger) (*ingest.Pipeline, error) {
	client, err := upstream.New(upstream.Config{
		BaseURL:   cfg.Upstream.BaseURL,
		APIKey:    cfg.Upstream.APIKey,
		PageSize:  cfg.Upstream.PageSize,
		Timeout:   cfg.HTTPTimeout(),
		UserAgent: cfg.Upstream.UserAgent,
	})
	if err != nil {
		return nil, fmt.Errorf("init upstream client: %w", err)
	}

	// One run identity threads through every progress event the walk emits.
	// v7 keeps archive object names in chronological order.
	rawID, err := uuid.New().NewRawID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	runID := progress.UUIDToBytes(rawID)

	walker := ingest.NewWalker(
		client,
		appInstance.Gate(),
		appInstance.CheckpointStore(),
		appInstance.Emitter(),
		ingest.WalkerConfig{
			RetryDelay: cfg.RetryDelay(),
			RunID:      runID,
		},
		logger.Named("walker"),
	)

	pipeline := ingest.NewPipeline(
		walker,
		appInstance.EventStore(),
		appInstance.CheckpointStore(),
		appInstance.Archive(),
		appInstance.Publisher(),
		appInstance.Emitter(),
		system.New(),
		ingest.PipelineConfig{
			Workers:    cfg.Drain.Workers,
			BlobPrefix: cfg.Archive.Prefix,
			Topic:      cfg.Notify.TopicID,
			RunID:      runID,
		},
		logger.Named("pipeline"),
	)
	return pipeline, nil
}

// closeAppOnError closes the container before a drain error surfaces. Cobra
// skips PersistentPostRun when RunE fails, so without this close the hub
// never drains and the terminal RUN_ERROR event dies in its buffer.
func closeAppOnError(ctx context.Context, appInstance App, logger *zap.Logger, err error) error {
	if closeErr := appInstance.Close(ctx); closeErr != nil {
		logger.Warn("App close after failed drain left errors behind", zap.Error(closeErr))
	}
	return err
}

// startOpsServer brings up the operational HTTP endpoints next to the drain
// and returns the function that tears them down.
func startOpsServer(appInstance App, cfg config.Config, logger *zap.Logger) func() {
	opsAPI := api.NewServer(
		appInstance.CheckpointStore(),
		appInstance.EventStore(),
		appInstance.Runs(),
		appInstance.Registry(),
		logger.Named("api"),
	)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           opsAPI.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Ops server listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Ops server failed", zap.Error(err))
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Ops server shutdown error", zap.Error(err))
		}
	}
}

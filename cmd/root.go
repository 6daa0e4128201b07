// Package cmd defines and implements the CLI commands for the datasync executable.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ama66/datasync/internal/app"
	"github.com/ama66/datasync/internal/config"
	"github.com/ama66/datasync/internal/ingest"
	"github.com/ama66/datasync/internal/progress"
	"github.com/ama66/datasync/internal/store"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
// This allows us to inject a mock app during tests.
type App interface {
	Close(ctx context.Context) error
	Config() config.Config
	Logger() *zap.Logger
	EventStore() ingest.EventStore
	CheckpointStore() ingest.CheckpointStore
	Runs() store.RunRepository
	Archive() ingest.BlobStore
	Publisher() ingest.Publisher
	Emitter() progress.Emitter
	Gate() ingest.Gate
	Registry() *prometheus.Registry
}

// newApp is the application factory. It's a variable so we can
// replace it with a mock factory in our tests.
var newApp func(ctx context.Context, cfgPath string) (App, error) = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "datasync",
		Short: "Drains a paginated upstream event API into durable storage.",
		Long: `datasync walks an upstream /events endpoint cursor by cursor, normalizes
each page, and lands the records in storage exactly once. A checkpoint
saved after every durable batch lets an interrupted drain resume where
it stopped.`,

		// This hook runs AFTER flags are parsed but BEFORE the subcommand's
		// RunE. This is the place to build and inject the application.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}

			// Store the app instance in the context for subcommands to use.
			ctx := context.WithValue(cmd.Context(), appKey, appInstance)
			cmd.SetContext(ctx)
			return nil
		},

		// This hook ensures services are shut down gracefully.
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				if err := appInstance.Close(cmd.Context()); err != nil {
					appInstance.Logger().Warn("Shutdown left errors behind", zap.Error(err))
				}
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./datasync.yaml)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newMigrateCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	cmd, err := newRootCmd().ExecuteC()
	if err != nil {
		// A failed RunE skips PersistentPostRun, so the container may
		// still be open here. Close is idempotent, so commands that
		// already closed on their own error path are unaffected.
		if appInstance, resolveErr := resolveApp(cmd.Context()); resolveErr == nil {
			if closeErr := appInstance.Close(cmd.Context()); closeErr != nil {
				appInstance.Logger().Warn("Shutdown left errors behind", zap.Error(closeErr))
			}
		}
		zap.L().Fatal("Command execution failed", zap.Error(err))
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

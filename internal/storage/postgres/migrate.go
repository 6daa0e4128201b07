package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsDir = "migrations"

// Migrator applies the schema migrations embedded in the binary.
type Migrator struct {
	dsn    string
	logger *zap.Logger
}

// NewMigrator returns a migrator backed by goose.
func NewMigrator(dsn string, logger *zap.Logger) (Migrator, error) {
	if dsn == "" {
		return Migrator{}, errors.New("empty database dsn")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return Migrator{dsn: dsn, logger: logger}, nil
}

// Up applies pending migrations.
func (m Migrator) Up(ctx context.Context) error {
	return m.withDB(func(db *sql.DB) error {
		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()

		m.logger.Info("applying migrations")
		if err := goose.UpContext(runCtx, db, migrationsDir); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		m.logger.Info("migrations applied")
		return nil
	})
}

// Status reports applied and pending migrations.
func (m Migrator) Status(ctx context.Context) error {
	return m.withDB(func(db *sql.DB) error {
		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()

		if err := goose.StatusContext(runCtx, db, migrationsDir); err != nil {
			return fmt.Errorf("migration status: %w", err)
		}
		return nil
	})
}

// Down rolls back migrations either to the previous version or a specific
// target version.
func (m Migrator) Down(ctx context.Context, targetVersion int64) error {
	return m.withDB(func(db *sql.DB) error {
		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()

		if targetVersion > 0 {
			m.logger.Info("rolling back migrations", zap.Int64("target", targetVersion))
			if err := goose.DownToContext(runCtx, db, migrationsDir, targetVersion); err != nil {
				return fmt.Errorf("rollback to version %d: %w", targetVersion, err)
			}
		} else {
			m.logger.Info("rolling back latest migration")
			if err := goose.DownContext(runCtx, db, migrationsDir); err != nil {
				return fmt.Errorf("rollback latest migration: %w", err)
			}
		}

		m.logger.Info("rollback complete")
		return nil
	})
}

func (m Migrator) withDB(fn func(*sql.DB) error) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}

	db, err := sql.Open("pgx", m.dsn)
	if err != nil {
		return fmt.Errorf("open sql connection: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping sql connection: %w", err)
	}

	return fn(db)
}

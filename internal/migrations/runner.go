// Package migrations applies pending schema migrations once the database
// is reachable.
//
// Migrations are versioned files ("0001_create_recipes.up.sql") applied in
// version order with golang-migrate. Applied versions are recorded in the
// migrations table, so re-running with nothing pending is a no-op. The
// postgres driver takes an advisory lock for the duration of a run, which
// keeps concurrently starting replicas from applying the same migration
// twice.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/krystofrezac/stevedore/internal/config"
	"github.com/krystofrezac/stevedore/internal/failure"
	_ "github.com/lib/pq"
)

// Opener returns a migrate instance connected to cfg's database.
type Opener func(ctx context.Context, cfg config.Database) (*migrate.Migrate, error)

type Runner struct {
	logger *slog.Logger
	open   Opener
}

// NewRunner returns a Runner reading migrations from the directory and
// recording them in the table named by migrations.
func NewRunner(logger *slog.Logger, migrations config.Migrations) *Runner {
	return NewRunnerWithOpener(logger, PostgresOpener(os.DirFS(migrations.Dir), migrations.Table))
}

func NewRunnerWithOpener(logger *slog.Logger, open Opener) *Runner {
	return &Runner{logger: logger, open: open}
}

// PostgresOpener reads migrations from the root of fsys and applies them
// through lib/pq.
func PostgresOpener(fsys fs.FS, table string) Opener {
	return func(ctx context.Context, cfg config.Database) (*migrate.Migrate, error) {
		sourceDriver, err := iofs.New(fsys, ".")
		if err != nil {
			return nil, fmt.Errorf("read migrations: %w", err)
		}

		db, err := sql.Open("postgres", cfg.DSN())
		if err != nil {
			sourceDriver.Close()
			return nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			sourceDriver.Close()
			db.Close()
			return nil, err
		}

		databaseDriver, err := postgres.WithInstance(db, &postgres.Config{
			MigrationsTable: table,
			DatabaseName:    cfg.Name,
		})
		if err != nil {
			sourceDriver.Close()
			db.Close()
			return nil, err
		}

		return withDrivers("postgres", sourceDriver, databaseDriver)
	}
}

var newMigrate = migrate.NewWithInstance

// withDrivers closes both drivers when they cannot be joined into a
// migrate instance. On success the instance owns them.
func withDrivers(databaseName string, sourceDriver source.Driver, databaseDriver database.Driver) (*migrate.Migrate, error) {
	m, err := newMigrate("iofs", sourceDriver, databaseName, databaseDriver)
	if err != nil {
		sourceDriver.Close()
		databaseDriver.Close()
		return nil, err
	}
	return m, nil
}

// ApplyMigrations applies every migration not yet recorded as applied.
// It must only be called once the database is known to be reachable.
func (r *Runner) ApplyMigrations(ctx context.Context, cfg config.Database) (err error) {
	m, err := r.open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("%w: open: %w", failure.ErrMigration, err)
	}
	defer func() {
		sourceErr, databaseErr := m.Close()
		if closeErr := errors.Join(sourceErr, databaseErr); closeErr != nil {
			r.logger.Warn("Failed to close migration drivers", "err", closeErr)
		}
	}()
	m.Log = migrateLogger{logger: r.logger}

	before := r.version(m)
	r.logger.Info("Applying migrations", "version", before)

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			m.GracefulStop <- true
		case <-stopped:
		}
	}()

	err = m.Up()
	// A graceful stop makes Up return nil with migrations still pending.
	if ctx.Err() != nil {
		version := r.version(m)
		r.logger.Info("Migrations interrupted", "from", before, "to", version)
		return fmt.Errorf("interrupted at version %s: %w", version, ctx.Err())
	}
	switch {
	case err == nil:
	case errors.Is(err, migrate.ErrNoChange):
		r.logger.Info("No pending migrations", "version", before)
		return nil
	default:
		var dirty migrate.ErrDirty
		if errors.As(err, &dirty) {
			return fmt.Errorf("%w: database is dirty at version %d, fix it manually and force the version", failure.ErrMigration, dirty.Version)
		}
		return fmt.Errorf("%w: %w", failure.ErrMigration, err)
	}

	r.logger.Info("Migrations applied", "from", before, "to", r.version(m))
	return nil
}

func (r *Runner) version(m *migrate.Migrate) string {
	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		return "none"
	case err != nil:
		return "unknown"
	case dirty:
		return fmt.Sprintf("%d (dirty)", version)
	default:
		return fmt.Sprintf("%d", version)
	}
}

type migrateLogger struct {
	logger *slog.Logger
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l migrateLogger) Verbose() bool {
	return l.logger.Enabled(context.Background(), slog.LevelDebug)
}

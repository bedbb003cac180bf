package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// MigrationResult reports the schema version before and after a run.
type MigrationResult struct {
	From  uint
	To    uint
	Dirty bool
}

// Applied reports whether the run moved the schema forward.
func (r MigrationResult) Applied() bool { return r.To != r.From }

// Migrate applies every pending up migration embedded in the binary.
// Cancelling ctx stops the run after the migration in flight.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (MigrationResult, error) {
	var res MigrationResult
	if logger == nil {
		logger = slog.Default()
	}

	m, err := newMigrator(pool, logger)
	if err != nil {
		return res, err
	}
	defer m.Close()

	res.From, res.Dirty, err = currentVersion(m)
	if err != nil {
		return res, err
	}
	if res.Dirty {
		return res, fmt.Errorf("schema is dirty at version %d; fix it by hand and force the version", res.From)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			m.GracefulStop <- true
		case <-done:
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		res.To, res.Dirty, _ = currentVersion(m)
		return res, fmt.Errorf("failed to apply migrations: %w", err)
	}
	res.To, res.Dirty, err = currentVersion(m)
	if err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil && res.To == res.From {
		return res, err
	}
	return res, nil
}

func newMigrator(pool *pgxpool.Pool, logger *slog.Logger) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	// Closing the migrator closes this *sql.DB but leaves the pool open.
	sqlDB := stdlib.OpenDBFromPool(pool)
	driver, err := pgxmigrate.WithInstance(sqlDB, &pgxmigrate.Config{})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		driver.Close()
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	m.Log = &migrateLogger{logger: logger.With("component", "migrate")}
	return m, nil
}

func currentVersion(m *migrate.Migrate) (uint, bool, error) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, dirty, nil
}

// migrateLogger routes migrate's printf output to slog.
type migrateLogger struct {
	logger *slog.Logger
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *migrateLogger) Verbose() bool { return false }

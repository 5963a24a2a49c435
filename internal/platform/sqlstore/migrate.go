package sqlstore

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

// MigrationTableName is the table goose records applied versions in.
const MigrationTableName = "schema_migrations"

//go:embed migrations
var migrationFiles embed.FS

// slogGooseLogger adapts the goose logger interface to slog. Fatalf logs
// at error level and does not exit; failures surface as returned errors.
type slogGooseLogger struct {
	logger *slog.Logger
}

func (l slogGooseLogger) Printf(format string, v ...any) {
	l.logger.Info(fmt.Sprintf(format, v...))
}

func (l slogGooseLogger) Fatalf(format string, v ...any) {
	l.logger.Error(fmt.Sprintf(format, v...))
}

func (s *Store) provider() (*goose.Provider, error) {
	var (
		gooseDialect goose.Dialect
		dir          string
	)
	switch s.dialect {
	case DialectPostgres:
		gooseDialect, dir = goose.DialectPostgres, "migrations/postgres"
	case DialectSQLite:
		gooseDialect, dir = goose.DialectSQLite3, "migrations/sqlite"
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDialect, s.dialect)
	}

	fsys, err := fs.Sub(migrationFiles, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	versions, err := database.NewStore(gooseDialect, MigrationTableName)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration store: %w", err)
	}

	return goose.NewProvider("", s.db, fsys,
		goose.WithStore(versions),
		goose.WithLogger(slogGooseLogger{logger: s.logger}),
		goose.WithDisableGlobalRegistry(true),
	)
}

// Migrate applies all pending migrations and returns the resulting schema
// version.
func (s *Store) Migrate(ctx context.Context) (int64, error) {
	p, err := s.provider()
	if err != nil {
		return 0, err
	}

	results, err := p.Up(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to apply migrations: %w", err)
	}
	for _, r := range results {
		s.logger.InfoContext(ctx, "applied migration",
			"version", r.Source.Version,
			"path", r.Source.Path,
			"duration", r.Duration)
	}

	version, err := p.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// MigrateDown rolls back the most recent migration.
func (s *Store) MigrateDown(ctx context.Context) error {
	p, err := s.provider()
	if err != nil {
		return err
	}

	r, err := p.Down(ctx)
	if err != nil {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	s.logger.InfoContext(ctx, "rolled back migration", "version", r.Source.Version)
	return nil
}

// MigrationStatus describes one known migration.
type MigrationStatus struct {
	Version int64
	Path    string
	Applied bool
}

// Migrations lists every embedded migration and whether it is applied.
func (s *Store) Migrations(ctx context.Context) ([]MigrationStatus, error) {
	p, err := s.provider()
	if err != nil {
		return nil, err
	}

	statuses, err := p.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read migration status: %w", err)
	}

	out := make([]MigrationStatus, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, MigrationStatus{
			Version: st.Source.Version,
			Path:    st.Source.Path,
			Applied: st.State == goose.StateApplied,
		})
	}
	return out, nil
}

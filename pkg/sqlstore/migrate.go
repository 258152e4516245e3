package sqlstore

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"sync"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

//go:embed migrations/*/*.sql
var migrationsFS embed.FS

// MigrationTable records applied schema versions.
const MigrationTable = "schema_migrations"

// goose keeps its dialect, filesystem and logger in package globals.
var gooseMu sync.Mutex

type gooseLogger struct {
	log *zerolog.Logger
}

func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.log.Info().Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l gooseLogger) Fatalf(format string, v ...interface{}) {
	l.log.Error().Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (s *Store) prepareGoose(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(gooseLogger{log: zerolog.Ctx(s.withLogger(ctx))})
	goose.SetTableName(MigrationTable)
	if err := goose.SetDialect(s.dialect.goose); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	return nil
}

func (s *Store) migrationsDir() string {
	return "migrations/" + s.dialect.name
}

// Migrate applies every pending embedded migration for the store's dialect.
func (s *Store) Migrate(ctx context.Context) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := s.prepareGoose(ctx); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, s.db, s.migrationsDir()); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// SchemaVersion returns the latest applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int64, error) {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := s.prepareGoose(ctx); err != nil {
		return 0, err
	}
	v, err := goose.GetDBVersionContext(ctx, s.db)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// Package sqlstore is the durable task store: PostgreSQL through pgx in
// production, SQLite through modernc.org/sqlite for development and tests.
//
// Every lifecycle transition is a single conditional UPDATE (or one
// transaction), so the row status is the authority on who owns a task.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	// Register the "pgx" and "sqlite" database/sql drivers.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Store is a database/sql backed durable store.
type Store struct {
	db      *sql.DB
	dialect dialect
	log     zerolog.Logger
}

// Options tunes the connection pool. Zero values keep the defaults.
type Options struct {
	MaxOpenConns int
	// Logger receives migration progress and rollback failures. Nil
	// discards them.
	Logger *zerolog.Logger
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, driver, dsn string, opts Options) (*Store, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}

	sqlDriver := DriverPostgres
	if d.name == sqliteDialect.name {
		sqlDriver = DriverSQLite
	}
	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.name, err)
	}

	s := newStore(db, d)
	if opts.Logger != nil {
		s.log = *opts.Logger
	}
	if d.name == postgresDialect.name && opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
		db.SetMaxIdleConns(opts.MaxOpenConns)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle. driver selects the SQL dialect.
func New(db *sql.DB, driver string) (*Store, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	return newStore(db, d), nil
}

func newStore(db *sql.DB, d dialect) *Store {
	if d.name == sqliteDialect.name {
		// SQLite allows one writer; serialise through a single connection
		// instead of surfacing SQLITE_BUSY to callers.
		db.SetMaxOpenConns(1)
	}
	return &Store{db: db, dialect: d, log: zerolog.Nop()}
}

// withLogger attaches the store's logger to ctx unless ctx already carries
// one.
func (s *Store) withLogger(ctx context.Context) context.Context {
	if zerolog.Ctx(ctx).GetLevel() != zerolog.Disabled {
		return ctx
	}
	return s.log.WithContext(ctx)
}

// Name identifies the backend in stats snapshots: "postgres" or "sqlite".
func (s *Store) Name() string {
	return s.dialect.name
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", s.dialect.name, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
)

// TxFn is run inside a transaction by RunInTransaction.
type TxFn func(ctx context.Context, tx *sql.Tx) error

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// RunInTransaction runs fn in a transaction, committing if it returns nil and
// rolling back otherwise. Panics roll back and are re-raised. Rollback
// failures are logged to the logger attached to ctx.
//
// fn must only use tx: on SQLite the pool holds a single connection.
func RunInTransaction(ctx context.Context, db *sql.DB, fn TxFn) (err error) {
	log := zerolog.Ctx(ctx)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				log.Error().Err(rbErr).Interface("panic", p).Msg("rollback after panic failed")
			}
			panic(p)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error().Err(rbErr).AnErr("original_error", err).Msg("rollback failed")
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

package sqlstore

import (
	"errors"
	"fmt"

	"github.com/guido-cesarano/ingestq/pkg/tasks"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgreSQL error codes
const (
	uniqueViolationCode  = "23505"
	checkViolationCode   = "23514"
	notNullViolationCode = "23502"
)

// mapError translates constraint violations into task validation errors.
// Everything else is returned as-is so callers can treat it as a backend fault.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolationCode:
			return fmt.Errorf("%w: duplicate id (%s): %v", tasks.ErrInvalidTask, pgErr.ConstraintName, err)
		case checkViolationCode:
			return fmt.Errorf("%w: check constraint violation (%s): %v", tasks.ErrInvalidTask, pgErr.ConstraintName, err)
		case notNullViolationCode:
			return fmt.Errorf("%w: not null violation (%s): %v", tasks.ErrInvalidTask, pgErr.ColumnName, err)
		}
	}
	return err
}

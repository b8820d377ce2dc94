package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/openclinic/medrag/pkg/fault"
)

// isNoRows reports whether err is the pgx "no rows" sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// classify maps a pgx error into the medrag fault taxonomy at the store
// boundary, so callers never have to inspect driver-specific types.
//
//   - undefined table / undefined column → SchemaError (run the init mode to
//     re-create the schema)
//   - unique violation → Conflict
//   - other integrity violations → InvalidInput
//   - context expiry → passed through (KindOf resolves it to DeadlineExceeded)
//   - everything else → StoreUnavailable
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42P01", "42703": // undefined_table, undefined_column
			return fault.Wrap(fault.SchemaError, err,
				"postgres store: %s: schema missing or mismatched (run with -mode init)", op)
		case "23505": // unique_violation
			return fault.Wrap(fault.Conflict, err, "postgres store: %s", op)
		}
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "23" { // integrity_constraint_violation
			return fault.Wrap(fault.InvalidInput, err, "postgres store: %s", op)
		}
	}
	return fault.Wrap(fault.StoreUnavailable, err, "postgres store: %s", op)
}

package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// IsUniqueViolation reports whether err is a unique-constraint violation
// from either supported driver.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	// modernc.org/sqlite surfaces SQLITE_CONSTRAINT_UNIQUE /
	// SQLITE_CONSTRAINT_PRIMARYKEY as formatted messages.
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

// InsertOrGet attempts the insert and, on a unique-constraint violation,
// fetches the already-existing row via fetch. It returns created=true when
// the insert won, created=false when an existing row was fetched. Any other
// insert error propagates unchanged.
//
// When q is a transaction the attempt is wrapped in a savepoint so the
// violation does not abort the enclosing transaction.
func InsertOrGet(ctx context.Context, q Querier, insertSQL string, args []any, fetch func(context.Context) error) (bool, error) {
	_, inTx := q.(interface{ Commit() error })
	if inTx {
		if _, err := q.ExecContext(ctx, "SAVEPOINT insert_or_get"); err != nil {
			return false, fmt.Errorf("savepoint: %w", err)
		}
	}

	_, err := q.ExecContext(ctx, insertSQL, args...)
	if err == nil {
		if inTx {
			if _, err := q.ExecContext(ctx, "RELEASE SAVEPOINT insert_or_get"); err != nil {
				return false, fmt.Errorf("release savepoint: %w", err)
			}
		}
		return true, nil
	}

	if !IsUniqueViolation(err) {
		return false, err
	}

	if inTx {
		// Postgres poisons the transaction after any failed statement;
		// rolling back to the savepoint makes it usable again.
		if _, rbErr := q.ExecContext(ctx, "ROLLBACK TO SAVEPOINT insert_or_get"); rbErr != nil {
			return false, fmt.Errorf("rollback to savepoint: %w", rbErr)
		}
	}

	if err := fetch(ctx); err != nil {
		return false, fmt.Errorf("fetch existing row after conflict: %w", err)
	}
	return false, nil
}

package pgstore

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pthm/dls"
)

// PostgreSQL error codes.
const (
	pgUniqueViolation       = "23505"
	pgForeignKeyViolation   = "23503"
	pgSerializationFailure  = "40001"
	pgDeadlockDetected      = "40P01"
	pgUndefinedTable        = "42P01"
	pgConnectionClassPrefix = "08"
	pgAdminShutdown         = "57P01"
)

// mapError maps driver errors onto the dls error taxonomy, prefixed with
// the failing operation.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, dls.ErrNotFound)
	}
	if isTransient(err) {
		return fmt.Errorf("%s: %w: %v", op, dls.ErrTransient, err)
	}

	switch code := sqlState(err); code {
	case pgUniqueViolation:
		return &dls.Error{
			Kind:    dls.ErrNotConsistent,
			Message: op + ": conflicting row",
			Details: map[string]any{"constraint": constraintName(err)},
		}
	case pgForeignKeyViolation:
		return &dls.Error{
			Kind:    dls.ErrNotFound,
			Message: op + ": referenced row does not exist",
			Details: map[string]any{"constraint": constraintName(err)},
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	code := sqlState(err)
	return code == pgSerializationFailure ||
		code == pgDeadlockDetected ||
		code == pgAdminShutdown ||
		strings.HasPrefix(code, pgConnectionClassPrefix)
}

func constraintName(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}

// sqlState extracts the SQLSTATE code from a PostgreSQL error.
// Works with multiple drivers via interface detection:
//   - pgx/pgconn: SQLState() string
//   - lib/pq: Code field (via error interface)
//
// Returns empty string if the error doesn't contain a SQLSTATE.
func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}

	type sqlStateErr interface{ SQLState() string }
	var se sqlStateErr
	if errors.As(err, &se) {
		return se.SQLState()
	}

	type codeErr interface{ Code() string }
	if e, ok := err.(codeErr); ok {
		return e.Code()
	}

	// Format: "... (SQLSTATE 42P01)" or "SQLSTATE: 42P01"
	errStr := err.Error()
	for _, prefix := range []string{"SQLSTATE ", "SQLSTATE: "} {
		if idx := strings.Index(errStr, prefix); idx >= 0 {
			start := idx + len(prefix)
			if start+5 <= len(errStr) {
				return errStr[start : start+5]
			}
		}
	}
	return ""
}

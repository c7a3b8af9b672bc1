/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

// Package pgx registers a retryable-error predicate for the jackc/pgx stdlib driver.
// Importing it for side effects makes dbevolve.DoInTx retry transient Postgres
// errors (deadlocks, serialization failures) when a retry policy is configured.
package pgx

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/acronis/go-dbevolve"
)

// ErrCode defines the type for PostgreSQL error codes.
type ErrCode string

// PostgreSQL error codes that are considered transient.
const (
	ErrCodeDeadlockDetected     ErrCode = "40P01"
	ErrCodeSerializationFailure ErrCode = "40001"
	ErrCodeUniqueViolation      ErrCode = "23505"
)

// ErrCodeFromError extracts the PostgreSQL error code from an error produced by the
// pgx driver. An empty string is returned if the error is not a PgError.
func ErrCodeFromError(err error) ErrCode {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return ErrCode(pgErr.Code)
	}
	return ""
}

func init() {
	dbevolve.RegisterIsRetryableFunc(&stdlib.Driver{}, func(err error) bool {
		switch ErrCodeFromError(err) {
		case ErrCodeDeadlockDetected, ErrCodeSerializationFailure:
			return true
		}
		return false
	})
}

// CheckInvalidCachedPlanError reports whether the passed error was caused by a
// prepared statement whose cached plan was invalidated by a schema change.
// Statements failing this way may be retried: pgx flushes them from its cache.
func CheckInvalidCachedPlanError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 0A000 (feature_not_supported) with this message is how the backend reports
		// a cached plan that must not change result type.
		return pgErr.Code == "0A000" && strings.Contains(pgErr.Message, "cached plan must not change result type")
	}
	return false
}

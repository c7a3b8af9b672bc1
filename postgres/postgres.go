/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

// Package postgres registers a retryable-error predicate for the lib/pq driver.
// Importing it for side effects makes dbevolve.DoInTx retry transient Postgres
// errors (deadlocks, serialization failures) when a retry policy is configured.
package postgres

import (
	"errors"

	"github.com/lib/pq"

	"github.com/acronis/go-dbevolve"
)

// ErrCode defines the type for PostgreSQL error codes.
type ErrCode string

// PostgreSQL error codes that are considered transient.
const (
	ErrCodeDeadlockDetected     ErrCode = "40P01"
	ErrCodeSerializationFailure ErrCode = "40001"
)

// ErrCodeFromError extracts the PostgreSQL error code from an error produced by the
// lib/pq driver. An empty string is returned if the error is not a pq.Error.
func ErrCodeFromError(err error) ErrCode {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return ErrCode(pqErr.Code)
	}
	return ""
}

func init() {
	dbevolve.RegisterIsRetryableFunc(&pq.Driver{}, func(err error) bool {
		switch ErrCodeFromError(err) {
		case ErrCodeDeadlockDetected, ErrCodeSerializationFailure:
			return true
		}
		return false
	})
}

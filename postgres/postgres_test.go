/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package postgres

import (
	"database/sql/driver"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-dbevolve"
)

func TestPostgresIsRetryable(t *testing.T) {
	isRetryable := dbevolve.GetIsRetryable(&pq.Driver{})
	require.NotNil(t, isRetryable)
	// enum all retriable errors
	retriable := []ErrCode{
		ErrCodeDeadlockDetected,
		ErrCodeSerializationFailure,
	}
	for _, code := range retriable {
		var err error
		err = &pq.Error{Code: pq.ErrorCode(code)}
		require.True(t, isRetryable(err))
		err = fmt.Errorf("Wrapped error: %w", err)
		require.True(t, isRetryable(err))
		err = fmt.Errorf("One more time wrapped error: %w", err)
		require.True(t, isRetryable(err))
	}

	require.False(t, isRetryable(driver.ErrBadConn))
}

func TestErrCodeFromError(t *testing.T) {
	var err error = &pq.Error{Code: "40001"}
	require.Equal(t, ErrCodeSerializationFailure, ErrCodeFromError(err))
	require.Equal(t, ErrCodeSerializationFailure, ErrCodeFromError(fmt.Errorf("wrapped: %w", err)))
	require.Equal(t, ErrCode(""), ErrCodeFromError(fmt.Errorf("plain error")))
}

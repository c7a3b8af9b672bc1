/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package txkit

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestLockRow(t *testing.T) {
	locker, err := NewPessimisticLocker("accounts")
	require.NoError(t, err)

	t.Run("row exists", func(t *testing.T) {
		db, mock, mockErr := sqlmock.New()
		require.NoError(t, mockErr)
		defer db.Close()

		mock.ExpectQuery(`SELECT "id" FROM "accounts" .* FOR UPDATE`).
			WithArgs("a1").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("a1"))

		found, lockErr := locker.LockRow(context.Background(), db, "a1")
		require.NoError(t, lockErr)
		require.True(t, found)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("row missing", func(t *testing.T) {
		db, mock, mockErr := sqlmock.New()
		require.NoError(t, mockErr)
		defer db.Close()

		mock.ExpectQuery(`SELECT "id" FROM "accounts" .* FOR UPDATE`).
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		found, lockErr := locker.LockRow(context.Background(), db, "missing")
		require.NoError(t, lockErr)
		require.False(t, found)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLockRowShared(t *testing.T) {
	locker, err := NewPessimisticLocker("accounts")
	require.NoError(t, err)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT "id" FROM "accounts" .* FOR SHARE`).
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("a1"))

	found, err := locker.LockRowShared(context.Background(), db, "a1")
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockTable(t *testing.T) {
	locker, err := NewPessimisticLocker("accounts")
	require.NoError(t, err)

	t.Run("allowed mode", func(t *testing.T) {
		db, mock, mockErr := sqlmock.New()
		require.NoError(t, mockErr)
		defer db.Close()

		mock.ExpectExec("LOCK TABLE accounts IN SHARE ROW EXCLUSIVE MODE").
			WillReturnResult(sqlmock.NewResult(0, 0))

		require.NoError(t, locker.LockTable(context.Background(), db, LockModeShareRowExclusive))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown mode is rejected before reaching the database", func(t *testing.T) {
		lockErr := locker.LockTable(context.Background(), nil, LockMode("VERY EXCLUSIVE"))
		require.Error(t, lockErr)
		require.Contains(t, lockErr.Error(), `unsupported lock mode "VERY EXCLUSIVE"`)
	})
}

func TestNewPessimisticLockerValidation(t *testing.T) {
	_, err := NewPessimisticLocker("accounts; DROP TABLE accounts")
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid table identifier")

	_, err = NewPessimisticLockerWithIDColumn("accounts", "id; --")
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid column identifier")
}

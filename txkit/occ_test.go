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

func TestNewOptimisticLocker(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		locker, err := NewOptimisticLocker("game_sessions")
		require.NoError(t, err)
		require.Equal(t, "id", locker.idColumn)
		require.Equal(t, "version", locker.versionColumn)
	})

	t.Run("custom columns", func(t *testing.T) {
		locker, err := NewOptimisticLocker("game_sessions",
			WithIDColumn("session_id"), WithVersionColumn("revision"))
		require.NoError(t, err)
		require.Equal(t, "session_id", locker.idColumn)
		require.Equal(t, "revision", locker.versionColumn)
	})

	t.Run("invalid table", func(t *testing.T) {
		_, err := NewOptimisticLocker("sessions; DROP TABLE sessions")
		require.Error(t, err)
		require.Contains(t, err.Error(), "invalid table identifier")
	})
}

func TestUpdateWithVersionCheck(t *testing.T) {
	locker, err := NewOptimisticLocker("game_sessions")
	require.NoError(t, err)

	t.Run("version matches, one row updated", func(t *testing.T) {
		db, mock, mockErr := sqlmock.New()
		require.NoError(t, mockErr)
		defer db.Close()

		// goqu orders SET columns and WHERE conditions alphabetically; the version
		// bump is a literal and takes no placeholder.
		mock.ExpectExec(`UPDATE "game_sessions" SET`).
			WithArgs("alice", "s1", int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		updated, updateErr := locker.UpdateWithVersionCheck(context.Background(), db, "s1", 7,
			map[string]interface{}{"winner": "alice"})
		require.NoError(t, updateErr)
		require.True(t, updated)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stale version, no rows updated", func(t *testing.T) {
		db, mock, mockErr := sqlmock.New()
		require.NoError(t, mockErr)
		defer db.Close()

		mock.ExpectExec(`UPDATE "game_sessions" SET`).
			WithArgs("alice", "s1", int64(6)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		updated, updateErr := locker.UpdateWithVersionCheck(context.Background(), db, "s1", 6,
			map[string]interface{}{"winner": "alice"})
		require.NoError(t, updateErr)
		require.False(t, updated, "a concurrent writer advanced the version first")
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("version column cannot be set directly", func(t *testing.T) {
		_, updateErr := locker.UpdateWithVersionCheck(context.Background(), nil, "s1", 7,
			map[string]interface{}{"version": 99})
		require.Error(t, updateErr)
		require.Contains(t, updateErr.Error(), `column "version" cannot be updated directly`)
	})

	t.Run("no fields", func(t *testing.T) {
		_, updateErr := locker.UpdateWithVersionCheck(context.Background(), nil, "s1", 7, nil)
		require.EqualError(t, updateErr, "no fields to update")
	})
}

func TestSelectForUpdateWithVersion(t *testing.T) {
	locker, err := NewOptimisticLocker("game_sessions")
	require.NoError(t, err)

	t.Run("row found", func(t *testing.T) {
		db, mock, mockErr := sqlmock.New()
		require.NoError(t, mockErr)
		defer db.Close()

		mock.ExpectQuery(`SELECT \* FROM "game_sessions" .* FOR UPDATE`).
			WithArgs("s1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "winner", "version"}).
				AddRow("s1", []byte("alice"), int64(7)))

		row, selectErr := locker.SelectForUpdateWithVersion(context.Background(), db, "s1")
		require.NoError(t, selectErr)
		require.NotNil(t, row)
		require.Equal(t, int64(7), row.Version)
		require.Equal(t, "s1", row.Data["id"])
		require.Equal(t, "alice", row.Data["winner"], "byte slices come back as strings")
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing row yields nil without error", func(t *testing.T) {
		db, mock, mockErr := sqlmock.New()
		require.NoError(t, mockErr)
		defer db.Close()

		mock.ExpectQuery(`SELECT \* FROM "game_sessions" .* FOR UPDATE`).
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows([]string{"id", "winner", "version"}))

		row, selectErr := locker.SelectForUpdateWithVersion(context.Background(), db, "missing")
		require.NoError(t, selectErr)
		require.Nil(t, row)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

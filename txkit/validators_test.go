/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package txkit

import (
	"context"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestBalanceValidator(t *testing.T) {
	validator, err := NewBalanceValidator("accounts", "balance", 100)
	require.NoError(t, err)
	require.Equal(t, "balance_accounts", validator.Name())

	t.Run("negative and excessive balances in one pass", func(t *testing.T) {
		db, mock, mockErr := sqlmock.New()
		require.NoError(t, mockErr)
		defer db.Close()

		mock.ExpectQuery("SELECT id, balance FROM accounts WHERE balance < 0 OR balance >").
			WithArgs(100.0).
			WillReturnRows(sqlmock.NewRows([]string{"id", "balance"}).
				AddRow("a1", -5.0).
				AddRow("a2", 250.0))

		outcome, validateErr := validator.Validate(context.Background(), db)
		require.NoError(t, validateErr)
		require.False(t, outcome.IsValid)
		require.Len(t, outcome.Violations, 2)

		require.Equal(t, ViolationTypeNegativeBalance, outcome.Violations[0].Type)
		require.Equal(t, SeverityError, outcome.Violations[0].Severity)
		require.Contains(t, outcome.Violations[0].Message, "a1")

		require.Equal(t, ViolationTypeExcessiveBalance, outcome.Violations[1].Type)
		require.Equal(t, SeverityWarning, outcome.Violations[1].Severity)
		require.Contains(t, outcome.Violations[1].Message, "a2")
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("all balances within bounds", func(t *testing.T) {
		db, mock, mockErr := sqlmock.New()
		require.NoError(t, mockErr)
		defer db.Close()

		mock.ExpectQuery("SELECT id, balance FROM accounts").
			WithArgs(100.0).
			WillReturnRows(sqlmock.NewRows([]string{"id", "balance"}))

		outcome, validateErr := validator.Validate(context.Background(), db)
		require.NoError(t, validateErr)
		require.True(t, outcome.IsValid)
		require.Empty(t, outcome.Violations)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("query error becomes a validation_error violation", func(t *testing.T) {
		db, mock, mockErr := sqlmock.New()
		require.NoError(t, mockErr)
		defer db.Close()

		mock.ExpectQuery("SELECT id, balance FROM accounts").
			WithArgs(100.0).
			WillReturnError(fmt.Errorf("relation does not exist"))

		outcome, validateErr := validator.Validate(context.Background(), db)
		require.NoError(t, validateErr)
		require.False(t, outcome.IsValid)
		require.Len(t, outcome.Violations, 1)
		require.Equal(t, ViolationTypeValidationError, outcome.Violations[0].Type)
		require.Equal(t, "balance_accounts", outcome.Violations[0].Rule)
		require.Contains(t, outcome.Violations[0].Message, "relation does not exist")
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestReferentialIntegrityValidator(t *testing.T) {
	validator, err := NewReferentialIntegrityValidator("wallets", "owner_id", "users", "id")
	require.NoError(t, err)
	require.Equal(t, "referential_wallets_owner_id", validator.Name())

	t.Run("orphaned references", func(t *testing.T) {
		db, mock, mockErr := sqlmock.New()
		require.NoError(t, mockErr)
		defer db.Close()

		mock.ExpectQuery("SELECT c.id, c.owner_id FROM wallets c LEFT JOIN users p").
			WillReturnRows(sqlmock.NewRows([]string{"id", "owner_id"}).
				AddRow("w9", []byte("u404")))

		outcome, validateErr := validator.Validate(context.Background(), db)
		require.NoError(t, validateErr)
		require.False(t, outcome.IsValid)
		require.Len(t, outcome.Violations, 1)
		require.Equal(t, ViolationTypeOrphanedReference, outcome.Violations[0].Type)
		require.Contains(t, outcome.Violations[0].Message, "u404")
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("clean references", func(t *testing.T) {
		db, mock, mockErr := sqlmock.New()
		require.NoError(t, mockErr)
		defer db.Close()

		mock.ExpectQuery("SELECT c.id, c.owner_id FROM wallets c LEFT JOIN users p").
			WillReturnRows(sqlmock.NewRows([]string{"id", "owner_id"}))

		outcome, validateErr := validator.Validate(context.Background(), db)
		require.NoError(t, validateErr)
		require.True(t, outcome.IsValid)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSessionStateValidator(t *testing.T) {
	validator, err := NewSessionStateValidator("game_sessions", "session_members", "session_id")
	require.NoError(t, err)
	require.Equal(t, "session_state_game_sessions", validator.Name())

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT m.id FROM session_members m LEFT JOIN game_sessions s").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("m1"))
	mock.ExpectQuery("SELECT id FROM game_sessions WHERE ended_at IS NOT NULL").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("s2"))

	outcome, err := validator.Validate(context.Background(), db)
	require.NoError(t, err)
	require.False(t, outcome.IsValid)
	require.Len(t, outcome.Violations, 2)
	require.Equal(t, ViolationTypeOrphanedSessionRow, outcome.Violations[0].Type)
	require.Contains(t, outcome.Violations[0].Message, "m1")
	require.Equal(t, ViolationTypeInvertedSessionTime, outcome.Violations[1].Type)
	require.Contains(t, outcome.Violations[1].Message, "s2")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestValidatorConstructorsRejectBadIdentifiers(t *testing.T) {
	_, err := NewBalanceValidator("accounts; --", "balance", 100)
	require.Error(t, err)

	_, err = NewReferentialIntegrityValidator("wallets", "owner_id", "users u JOIN secrets", "id")
	require.Error(t, err)

	_, err = NewSessionStateValidator("game_sessions", "session_members", "session_id OR 1=1")
	require.Error(t, err)
}

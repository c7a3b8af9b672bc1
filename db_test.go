/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package dbevolve

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/acronis/go-appkit/config"
	"github.com/acronis/go-appkit/retry"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		ping    bool
		wantErr bool
	}{
		{
			name: "successful open without ping",
			cfg: &Config{
				Dialect: DialectPgx,
				Postgres: PostgresConfig{
					Host:     "pg-host",
					Port:     5432,
					User:     "pg-user",
					Password: "pg-password",
					Database: "pg_db",
					SSLMode:  PostgresSSLModeDisable,
				},
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: config.TimeDuration(time.Minute * 10),
			},
			ping:    false,
			wantErr: false,
		},
		{
			name: "error on unsupported dialect",
			cfg: &Config{
				Dialect: Dialect("unknown"),
			},
			ping:    false,
			wantErr: true,
		},
		{
			name: "error on ping",
			cfg: &Config{
				Dialect: DialectPgx,
				Postgres: PostgresConfig{
					Host:     "127.0.0.1",
					Port:     1, // nothing listens here
					User:     "pg-user",
					Password: "pg-password",
					Database: "pg_db",
					SSLMode:  PostgresSSLModeDisable,
				},
			},
			ping:    true,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dbConn, err := Open(tt.cfg, tt.ping)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				require.NotNil(t, dbConn)
				require.NoError(t, dbConn.Close())
			}
		})
	}
}

func TestDoInTx(t *testing.T) {
	tests := []struct {
		name         string
		initMock     func(m sqlmock.Sqlmock)
		fn           func(txCtx *TxContext) error
		wantErr      error
		wantPanicErr error
	}{
		{
			name: "success",
			initMock: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectCommit()
			},
			fn: func(txCtx *TxContext) error {
				return nil
			},
		},
		{
			name: "error on begin",
			initMock: func(m sqlmock.Sqlmock) {
				m.ExpectBegin().WillReturnError(fmt.Errorf("begin error"))
			},
			fn: func(txCtx *TxContext) error {
				return nil
			},
			wantErr: fmt.Errorf("begin tx: begin error"),
		},
		{
			name: "error on commit",
			initMock: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectCommit().WillReturnError(fmt.Errorf("commit error"))
			},
			fn: func(txCtx *TxContext) error {
				return nil
			},
			wantErr: fmt.Errorf("commit tx: commit error"),
		},
		{
			name: "error in func",
			initMock: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectRollback()
			},
			fn: func(txCtx *TxContext) error {
				return fmt.Errorf("fn error")
			},
			wantErr: fmt.Errorf("fn error"),
		},
		{
			name: "panic in func",
			initMock: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectRollback()
			},
			fn: func(txCtx *TxContext) error {
				panic(fmt.Errorf("panic"))
			},
			wantPanicErr: fmt.Errorf("panic"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer func() {
				require.NoError(t, mock.ExpectationsWereMet())
			}()

			tt.initMock(mock)

			if tt.wantPanicErr != nil {
				require.PanicsWithError(t, tt.wantPanicErr.Error(), func() {
					_ = DoInTx(context.Background(), db, tt.fn)
				})
				return
			}
			err = DoInTx(context.Background(), db, tt.fn)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.EqualError(t, err, tt.wantErr.Error())
		})
	}
}

func TestDoInTxWithRetryPolicy(t *testing.T) {
	retryableError := errors.New("retryable error")

	retryPolicy := retry.NewConstantBackoffPolicy(time.Millisecond*50, 3)

	tests := []struct {
		name       string
		initMock   func(m sqlmock.Sqlmock)
		fnProvider func() func(txCtx *TxContext) error
		wantErr    error
	}{
		{
			name: "success, no retry attempts",
			initMock: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
				m.ExpectCommit()
			},
			fnProvider: func() func(txCtx *TxContext) error {
				return func(txCtx *TxContext) error {
					rows, queryErr := txCtx.QueryContext(context.Background(), "SELECT 1")
					if queryErr != nil {
						return queryErr
					}
					defer rows.Close()
					return rows.Err()
				}
			},
		},
		{
			name: "success after retry",
			initMock: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectRollback()
				m.ExpectBegin()
				m.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
				m.ExpectCommit()
			},
			fnProvider: func() func(txCtx *TxContext) error {
				var attempts int
				return func(txCtx *TxContext) error {
					attempts++
					if attempts < 2 {
						return retryableError
					}
					rows, queryErr := txCtx.QueryContext(context.Background(), "SELECT 1")
					if queryErr != nil {
						return queryErr
					}
					defer rows.Close()
					return rows.Err()
				}
			},
		},
		{
			name: "fail, no retry on non-retryable error",
			initMock: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectRollback()
			},
			fnProvider: func() func(txCtx *TxContext) error {
				return func(txCtx *TxContext) error {
					return fmt.Errorf("non-retryable error")
				}
			},
			wantErr: fmt.Errorf("non-retryable error"),
		},
		{
			name: "fail, max retry attempts exceeded",
			initMock: func(m sqlmock.Sqlmock) {
				// 4 attempts: 1 initial + 3 retries
				m.ExpectBegin()
				m.ExpectRollback()
				m.ExpectBegin()
				m.ExpectRollback()
				m.ExpectBegin()
				m.ExpectRollback()
				m.ExpectBegin()
				m.ExpectRollback()
			},
			fnProvider: func() func(txCtx *TxContext) error {
				return func(txCtx *TxContext) error {
					return retryableError
				}
			},
			wantErr: retryableError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)

			UnregisterAllIsRetryableFuncs(db.Driver())
			RegisterIsRetryableFunc(db.Driver(), func(err error) bool {
				return errors.Is(err, retryableError)
			})
			defer UnregisterAllIsRetryableFuncs(db.Driver())

			tt.initMock(mock)

			err = DoInTx(context.Background(), db, tt.fnProvider(), WithRetryPolicy(retryPolicy))
			if tt.wantErr == nil {
				require.NoError(t, err)
			} else {
				require.EqualError(t, err, tt.wantErr.Error())
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestGetIsRetryableCombinesFuncs(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer UnregisterAllIsRetryableFuncs(db.Driver())

	firstErr := errors.New("first")
	secondErr := errors.New("second")

	UnregisterAllIsRetryableFuncs(db.Driver())
	require.Nil(t, GetIsRetryable(db.Driver()))

	RegisterIsRetryableFunc(db.Driver(), func(err error) bool { return errors.Is(err, firstErr) })
	RegisterIsRetryableFunc(db.Driver(), func(err error) bool { return errors.Is(err, secondErr) })

	isRetryable := GetIsRetryable(db.Driver())
	require.NotNil(t, isRetryable)
	require.True(t, isRetryable(firstErr))
	require.True(t, isRetryable(secondErr))
	require.False(t, isRetryable(errors.New("third")))
}

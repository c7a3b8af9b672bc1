/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

// Package dbevolve provides the transactional foundation for zero-downtime schema
// evolution: connection opening, a transaction boundary that builds a TxContext for
// application code, and a registry of driver-specific retryable-error predicates.
package dbevolve

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/acronis/go-appkit/retry"
	"github.com/cenkalti/backoff/v4"
)

// Dialect defines possible values for the SQL dialects that are supported.
type Dialect string

// Supported SQL dialects. Both speak PostgreSQL; they differ only in the driver
// used for the connection.
const (
	DialectPostgres Dialect = "postgres"
	DialectPgx      Dialect = "pgx"
)

// Default values for the connection pool parameters.
const (
	DefaultMaxOpenConns    = 16
	DefaultMaxIdleConns    = 8
	DefaultConnMaxLifetime = 10 * time.Minute
)

// Open opens a new database connection using the passed configuration.
// If ping is true, the connection is verified with a ping before returning.
func Open(cfg *Config, ping bool) (*sql.DB, error) {
	driverName, dsn := cfg.DriverNameAndDSN()
	if driverName == "" {
		return nil, fmt.Errorf("unsupported sql dialect %q", cfg.Dialect)
	}

	dbConn, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime))

	if ping {
		if err = dbConn.Ping(); err != nil {
			_ = dbConn.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
	}

	return dbConn, nil
}

type txOptions struct {
	retryPolicy retry.Policy
	sqlTxOpts   *sql.TxOptions
	timeout     int64
}

// TxOption is an option for DoInTx.
type TxOption func(*txOptions)

// WithRetryPolicy makes DoInTx retry the whole transaction according to the passed
// policy when the function fails with an error that the driver's registered
// retryable-error predicate recognizes (e.g. deadlocks or serialization failures).
func WithRetryPolicy(policy retry.Policy) TxOption {
	return func(o *txOptions) {
		o.retryPolicy = policy
	}
}

// WithTxOptions sets sql.TxOptions (isolation level, read-only) for the transaction
// started by DoInTx.
func WithTxOptions(sqlTxOpts *sql.TxOptions) TxOption {
	return func(o *txOptions) {
		o.sqlTxOpts = sqlTxOpts
	}
}

// DoInTx begins a transaction, builds a TxContext around it, calls the passed
// function, and commits the transaction if the function returns nil or rolls it
// back otherwise. Panics from the function are propagated after rollback.
func DoInTx(ctx context.Context, dbConn *sql.DB, fn func(txCtx *TxContext) error, opts ...TxOption) error {
	var options txOptions
	for _, opt := range opts {
		opt(&options)
	}

	if options.retryPolicy == nil {
		return doInTxOnce(ctx, dbConn, fn, &options)
	}

	isRetryable := GetIsRetryable(dbConn.Driver())
	bo := backoff.WithContext(options.retryPolicy.NewBackOff(), ctx)
	return backoff.Retry(func() error {
		err := doInTxOnce(ctx, dbConn, fn, &options)
		if err != nil && (isRetryable == nil || !isRetryable(err)) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}

func doInTxOnce(ctx context.Context, dbConn *sql.DB, fn func(txCtx *TxContext) error, options *txOptions) (err error) {
	tx, err := dbConn.BeginTx(ctx, options.sqlTxOpts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	txCtx := newTxContext(tx, options.sqlTxOpts)

	defer func() {
		if p := recover(); p != nil {
			txCtx.finish(TxStatusRolledBack)
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(txCtx); err != nil {
		txCtx.finish(TxStatusRolledBack)
		_ = tx.Rollback() // nolint: errcheck // The error from fn is more important.
		return err
	}

	if err = tx.Commit(); err != nil {
		txCtx.finish(TxStatusRolledBack)
		return fmt.Errorf("commit tx: %w", err)
	}
	txCtx.finish(TxStatusCommitted)
	return nil
}

// IsRetryableFunc is a function that reports whether an error is transient and the
// operation that produced it may be retried.
type IsRetryableFunc func(err error) bool

var (
	isRetryableFuncsMu sync.RWMutex
	isRetryableFuncs   = make(map[reflect.Type][]IsRetryableFunc)
)

// RegisterIsRetryableFunc registers a new IsRetryableFunc for the given driver.
// The registry is keyed by the driver's dynamic type, so any instance of the same
// driver can be used for lookup. Multiple functions may be registered; an error is
// retryable if any of them says so.
func RegisterIsRetryableFunc(d driver.Driver, fn IsRetryableFunc) {
	isRetryableFuncsMu.Lock()
	defer isRetryableFuncsMu.Unlock()
	key := reflect.TypeOf(d)
	isRetryableFuncs[key] = append(isRetryableFuncs[key], fn)
}

// UnregisterAllIsRetryableFuncs unregisters all IsRetryableFuncs for the given driver.
func UnregisterAllIsRetryableFuncs(d driver.Driver) {
	isRetryableFuncsMu.Lock()
	defer isRetryableFuncsMu.Unlock()
	delete(isRetryableFuncs, reflect.TypeOf(d))
}

// GetIsRetryable returns a single predicate combining all IsRetryableFuncs
// registered for the given driver, or nil if none are registered.
func GetIsRetryable(d driver.Driver) IsRetryableFunc {
	isRetryableFuncsMu.RLock()
	fns := isRetryableFuncs[reflect.TypeOf(d)]
	isRetryableFuncsMu.RUnlock()
	if len(fns) == 0 {
		return nil
	}
	return func(err error) bool {
		for _, fn := range fns {
			if fn(err) {
				return true
			}
		}
		return false
	}
}

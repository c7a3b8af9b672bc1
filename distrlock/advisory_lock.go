/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

// Package distrlock provides a distributed lock built on PostgreSQL
// session-level advisory locks. Lock keys are arbitrary strings hashed on the
// server with hashtext(), so cooperating processes only need to agree on the
// key, not on a numeric lock id.
package distrlock

import (
	"context"
	"database/sql"
	"fmt"
)

const (
	acquireLockQuery = "SELECT pg_try_advisory_lock(hashtext($1))"
	releaseLockQuery = "SELECT pg_advisory_unlock(hashtext($1))"
)

// SQLQuerier is a subset of *sql.DB and *sql.Tx used by the lock.
type SQLQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// ErrLockNotAcquired is returned by DoExclusively when the lock is held by
// another session.
var ErrLockNotAcquired = fmt.Errorf("advisory lock not acquired")

// AdvisoryLock is a named session-level advisory lock. The lock is owned by the
// database session that acquired it and disappears with the session, so no TTL
// bookkeeping is needed.
type AdvisoryLock struct {
	Key string
}

// NewAdvisoryLock creates a new initialized (but not acquired) advisory lock.
func NewAdvisoryLock(key string) (AdvisoryLock, error) {
	if key == "" {
		return AdvisoryLock{}, fmt.Errorf("lock key cannot be empty")
	}
	return AdvisoryLock{Key: key}, nil
}

// Acquire tries to take the lock without blocking and reports whether it was
// granted. The same session may acquire the same lock repeatedly; each grant
// needs a matching Release.
func (l AdvisoryLock) Acquire(ctx context.Context, querier SQLQuerier) (bool, error) {
	var acquired bool
	if err := querier.QueryRowContext(ctx, acquireLockQuery, l.Key).Scan(&acquired); err != nil {
		return false, fmt.Errorf("acquire advisory lock with key %s: %w", l.Key, err)
	}
	return acquired, nil
}

// Release releases the lock and reports whether the session actually held it.
// A false result means the lock was not held by this session; PostgreSQL logs a
// warning in that case but the call itself succeeds.
func (l AdvisoryLock) Release(ctx context.Context, querier SQLQuerier) (bool, error) {
	var released bool
	if err := querier.QueryRowContext(ctx, releaseLockQuery, l.Key).Scan(&released); err != nil {
		return false, fmt.Errorf("release advisory lock with key %s: %w", l.Key, err)
	}
	return released, nil
}

// Logger is an interface for logging release errors.
type Logger interface {
	Errorf(format string, args ...interface{})
}

type doOptions struct {
	logger Logger
}

// DoOption is an option for DoExclusively.
type DoOption func(*doOptions)

// WithLogger sets logger for DoExclusively.
func WithLogger(logger Logger) DoOption {
	return func(o *doOptions) {
		o.logger = logger
	}
}

// DoExclusively acquires the advisory lock with the given key, calls the passed
// function and releases the lock when the function is finished. If the lock is
// held by another session, ErrLockNotAcquired is returned without calling fn.
//
// Acquire and Release must run on the same session, so a single connection is
// pinned from the pool for the whole call.
func DoExclusively(
	ctx context.Context,
	dbConn *sql.DB,
	key string,
	fn func(ctx context.Context) error,
	options ...DoOption,
) error {
	var opts doOptions
	for _, opt := range options {
		opt(&opts)
	}
	if opts.logger == nil {
		opts.logger = disabledLogger{}
	}

	lock, err := NewAdvisoryLock(key)
	if err != nil {
		return err
	}

	conn, err := dbConn.Conn(ctx)
	if err != nil {
		return fmt.Errorf("obtain connection: %w", err)
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			opts.logger.Errorf("failed to return connection for lock with key %s, error: %v", key, closeErr)
		}
	}()

	acquired, err := lock.Acquire(ctx, conn)
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("%w: key %s", ErrLockNotAcquired, key)
	}

	defer func() {
		released, releaseErr := lock.Release(context.WithoutCancel(ctx), conn)
		if releaseErr != nil {
			opts.logger.Errorf("failed to release lock with key %s, error: %v", key, releaseErr)
		} else if !released {
			opts.logger.Errorf("lock with key %s was not held at release time", key)
		}
	}()

	return fn(ctx)
}

type disabledLogger struct{}

func (disabledLogger) Errorf(msg string, args ...interface{}) {}

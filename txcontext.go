/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package dbevolve

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TxStatus defines possible values for the lifecycle state of a TxContext.
type TxStatus string

// Transaction statuses.
const (
	TxStatusActive     TxStatus = "active"
	TxStatusCommitted  TxStatus = "committed"
	TxStatusRolledBack TxStatus = "rolledback"
)

// TxConfig carries the effective transaction parameters of a TxContext.
type TxConfig struct {
	IsolationLevel sql.IsolationLevel
	Timeout        time.Duration
	ReadOnly       bool
	AutoCommit     bool
}

// TxOperation is a single statement recorded in the operations log of a TxContext.
type TxOperation struct {
	Statement string
	ArgsCount int
	Duration  time.Duration
	Err       error
}

// TxContext wraps a running transaction with an identifier, effective
// configuration, an operations log and savepoint bookkeeping. It satisfies the
// Querier interfaces of the evolution, txkit and distrlock packages, so
// application code running inside the transactional boundary can share it.
type TxContext struct {
	ID        string
	Config    TxConfig
	StartTime time.Time

	tx *sql.Tx

	mu         sync.Mutex
	status     TxStatus
	operations []TxOperation
	savepoints map[string]struct{}
}

func newTxContext(tx *sql.Tx, sqlTxOpts *sql.TxOptions) *TxContext {
	cfg := TxConfig{}
	if sqlTxOpts != nil {
		cfg.IsolationLevel = sqlTxOpts.Isolation
		cfg.ReadOnly = sqlTxOpts.ReadOnly
	}
	return &TxContext{
		ID:         uuid.NewString(),
		Config:     cfg,
		StartTime:  time.Now(),
		tx:         tx,
		status:     TxStatusActive,
		savepoints: make(map[string]struct{}),
	}
}

// Tx returns the underlying transaction.
func (c *TxContext) Tx() *sql.Tx {
	return c.tx
}

// Status returns the current lifecycle state of the transaction.
func (c *TxContext) Status() TxStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Operations returns a copy of the operations log.
func (c *TxContext) Operations() []TxOperation {
	c.mu.Lock()
	defer c.mu.Unlock()
	ops := make([]TxOperation, len(c.operations))
	copy(ops, c.operations)
	return ops
}

func (c *TxContext) finish(status TxStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == TxStatusActive {
		c.status = status
	}
}

func (c *TxContext) record(stmt string, argsCount int, start time.Time, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations = append(c.operations, TxOperation{
		Statement: stmt,
		ArgsCount: argsCount,
		Duration:  time.Since(start),
		Err:       err,
	})
}

// ExecContext executes a statement within the transaction and records it in the
// operations log.
func (c *TxContext) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	start := time.Now()
	res, err := c.tx.ExecContext(ctx, query, args...)
	c.record(query, len(args), start, err)
	return res, err
}

// QueryContext executes a query within the transaction and records it in the
// operations log.
func (c *TxContext) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	start := time.Now()
	rows, err := c.tx.QueryContext(ctx, query, args...)
	c.record(query, len(args), start, err)
	return rows, err
}

// QueryRowContext executes a single-row query within the transaction and records
// it in the operations log.
func (c *TxContext) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	start := time.Now()
	row := c.tx.QueryRowContext(ctx, query, args...)
	c.record(query, len(args), start, nil)
	return row
}

var savepointNameRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Savepoint creates a named savepoint within the transaction.
func (c *TxContext) Savepoint(ctx context.Context, name string) error {
	if !savepointNameRegexp.MatchString(name) {
		return fmt.Errorf("invalid savepoint name %q", name)
	}
	if _, err := c.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("create savepoint %s: %w", name, err)
	}
	c.mu.Lock()
	c.savepoints[name] = struct{}{}
	c.mu.Unlock()
	return nil
}

// RollbackToSavepoint rolls the transaction back to a previously created savepoint.
func (c *TxContext) RollbackToSavepoint(ctx context.Context, name string) error {
	c.mu.Lock()
	_, ok := c.savepoints[name]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown savepoint %q", name)
	}
	if _, err := c.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
		return fmt.Errorf("rollback to savepoint %s: %w", name, err)
	}
	return nil
}

// ReleaseSavepoint releases a previously created savepoint.
func (c *TxContext) ReleaseSavepoint(ctx context.Context, name string) error {
	c.mu.Lock()
	_, ok := c.savepoints[name]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown savepoint %q", name)
	}
	if _, err := c.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release savepoint %s: %w", name, err)
	}
	c.mu.Lock()
	delete(c.savepoints, name)
	c.mu.Unlock()
	return nil
}

/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

// Package txkit provides transaction-scoped primitives for application code
// running inside a transactional boundary: atomicity and consistency helpers,
// isolation and durability checks, optimistic and pessimistic concurrency
// control and a saga runner with per-step compensation.
//
// All primitives accept a Querier, which is satisfied by *sql.DB, *sql.Tx and
// *dbevolve.TxContext, so they compose with dbevolve.DoInTx.
package txkit

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
)

// Querier is the minimal query contract the primitives need.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Operation is a single unit of work executed within a shared transaction.
type Operation func(ctx context.Context, q Querier) (interface{}, error)

// EnsureAtomicity runs every operation in order and collects their results.
// The first failing operation aborts the sequence: its error is returned and no
// partial results are exposed. Atomicity of already executed statements is the
// enclosing transaction's concern.
func EnsureAtomicity(ctx context.Context, q Querier, operations []Operation) ([]interface{}, error) {
	results := make([]interface{}, 0, len(operations))
	for i, op := range operations {
		result, err := op(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i+1, err)
		}
		results = append(results, result)
	}
	return results, nil
}

var identifierRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validateIdentifier(kind, name string) error {
	if !identifierRegexp.MatchString(name) {
		return fmt.Errorf("invalid %s identifier %q", kind, name)
	}
	return nil
}

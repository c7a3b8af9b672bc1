/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package txkit

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
)

// LockMode defines possible values for PostgreSQL table-level lock modes.
type LockMode string

// Table-level lock modes.
const (
	LockModeAccessShare          LockMode = "ACCESS SHARE"
	LockModeRowShare             LockMode = "ROW SHARE"
	LockModeRowExclusive         LockMode = "ROW EXCLUSIVE"
	LockModeShareUpdateExclusive LockMode = "SHARE UPDATE EXCLUSIVE"
	LockModeShare                LockMode = "SHARE"
	LockModeShareRowExclusive    LockMode = "SHARE ROW EXCLUSIVE"
	LockModeExclusive            LockMode = "EXCLUSIVE"
	LockModeAccessExclusive      LockMode = "ACCESS EXCLUSIVE"
)

var allowedLockModes = map[LockMode]struct{}{
	LockModeAccessShare:          {},
	LockModeRowShare:             {},
	LockModeRowExclusive:         {},
	LockModeShareUpdateExclusive: {},
	LockModeShare:                {},
	LockModeShareRowExclusive:    {},
	LockModeExclusive:            {},
	LockModeAccessExclusive:      {},
}

// PessimisticLocker takes row and table locks for the duration of the
// surrounding transaction. Locks release on commit or rollback; there is no
// explicit unlock.
type PessimisticLocker struct {
	table    string
	idColumn string
}

// NewPessimisticLocker creates a locker for the given table keyed by the "id"
// column.
func NewPessimisticLocker(table string) (*PessimisticLocker, error) {
	return NewPessimisticLockerWithIDColumn(table, "id")
}

// NewPessimisticLockerWithIDColumn creates a locker keyed by a custom column.
func NewPessimisticLockerWithIDColumn(table, idColumn string) (*PessimisticLocker, error) {
	if err := validateIdentifier("table", table); err != nil {
		return nil, err
	}
	if err := validateIdentifier("column", idColumn); err != nil {
		return nil, err
	}
	return &PessimisticLocker{table: table, idColumn: idColumn}, nil
}

// LockRow takes an exclusive row lock with SELECT ... FOR UPDATE and reports
// whether the row exists. The call blocks until any competing lock is released.
func (l *PessimisticLocker) LockRow(ctx context.Context, q Querier, id interface{}) (bool, error) {
	return l.lockRow(ctx, q, id, func(ds *goqu.SelectDataset) *goqu.SelectDataset {
		return ds.ForUpdate(exp.Wait)
	})
}

// LockRowShared takes a shared row lock with SELECT ... FOR SHARE: concurrent
// readers are admitted, writers wait.
func (l *PessimisticLocker) LockRowShared(ctx context.Context, q Querier, id interface{}) (bool, error) {
	return l.lockRow(ctx, q, id, func(ds *goqu.SelectDataset) *goqu.SelectDataset {
		return ds.ForShare(exp.Wait)
	})
}

func (l *PessimisticLocker) lockRow(
	ctx context.Context, q Querier, id interface{},
	lock func(ds *goqu.SelectDataset) *goqu.SelectDataset,
) (bool, error) {
	query, args, err := lock(goquDialect.From(l.table).
		Prepared(true).
		Select(goqu.C(l.idColumn)).
		Where(goqu.Ex{l.idColumn: id})).
		ToSQL()
	if err != nil {
		return false, fmt.Errorf("build row lock for table %s: %w", l.table, err)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("lock row in table %s: %w", l.table, err)
	}
	defer rows.Close()

	found := rows.Next()
	if err := rows.Err(); err != nil {
		return false, err
	}
	return found, nil
}

// LockTable locks the whole table in the given mode. The mode is checked
// against the fixed PostgreSQL mode list since LOCK TABLE does not take bind
// parameters.
func (l *PessimisticLocker) LockTable(ctx context.Context, q Querier, mode LockMode) error {
	if _, ok := allowedLockModes[mode]; !ok {
		return fmt.Errorf("unsupported lock mode %q", mode)
	}
	if _, err := q.ExecContext(ctx, fmt.Sprintf("LOCK TABLE %s IN %s MODE", l.table, mode)); err != nil {
		return fmt.Errorf("lock table %s: %w", l.table, err)
	}
	return nil
}

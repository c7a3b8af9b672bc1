/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package txkit

import (
	"context"
	"fmt"
	"strconv"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // Register the postgres dialect.
	"github.com/doug-martin/goqu/v9/exp"
)

var goquDialect = goqu.Dialect("postgres")

// OptimisticLocker implements version-column based optimistic concurrency
// control over a single table.
type OptimisticLocker struct {
	table         string
	idColumn      string
	versionColumn string
}

// OptimisticLockerOption is a configuration option for OptimisticLocker.
type OptimisticLockerOption func(l *OptimisticLocker)

// WithIDColumn overrides the default "id" key column.
func WithIDColumn(column string) OptimisticLockerOption {
	return func(l *OptimisticLocker) {
		l.idColumn = column
	}
}

// WithVersionColumn overrides the default "version" column.
func WithVersionColumn(column string) OptimisticLockerOption {
	return func(l *OptimisticLocker) {
		l.versionColumn = column
	}
}

// NewOptimisticLocker creates a locker for the given table.
func NewOptimisticLocker(table string, options ...OptimisticLockerOption) (*OptimisticLocker, error) {
	locker := &OptimisticLocker{
		table:         table,
		idColumn:      "id",
		versionColumn: "version",
	}
	for _, opt := range options {
		opt(locker)
	}
	if err := validateIdentifier("table", locker.table); err != nil {
		return nil, err
	}
	if err := validateIdentifier("column", locker.idColumn); err != nil {
		return nil, err
	}
	if err := validateIdentifier("column", locker.versionColumn); err != nil {
		return nil, err
	}
	return locker, nil
}

// UpdateWithVersionCheck applies fields to the row with the given id only if
// its version still equals expectedVersion, bumping the version in the same
// statement. It reports true when exactly one row changed; false means a
// concurrent writer advanced the version first and the caller should re-read
// and retry.
func (l *OptimisticLocker) UpdateWithVersionCheck(
	ctx context.Context, q Querier, id interface{}, expectedVersion int64, fields map[string]interface{},
) (bool, error) {
	if len(fields) == 0 {
		return false, fmt.Errorf("no fields to update")
	}

	record := goqu.Record{}
	for column, value := range fields {
		if err := validateIdentifier("column", column); err != nil {
			return false, err
		}
		if column == l.idColumn || column == l.versionColumn {
			return false, fmt.Errorf("column %q cannot be updated directly", column)
		}
		record[column] = value
	}
	record[l.versionColumn] = goqu.L(l.versionColumn + " + 1")

	query, args, err := goquDialect.Update(l.table).
		Prepared(true).
		Set(record).
		Where(goqu.Ex{l.idColumn: id, l.versionColumn: expectedVersion}).
		ToSQL()
	if err != nil {
		return false, fmt.Errorf("build update for table %s: %w", l.table, err)
	}

	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update table %s: %w", l.table, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

// VersionedRow is a row snapshot taken under a row lock.
type VersionedRow struct {
	Data    map[string]interface{}
	Version int64
}

// SelectForUpdateWithVersion reads the row with the given id under FOR UPDATE
// and returns its column data along with the current version. A missing row
// yields a nil result and no error.
func (l *OptimisticLocker) SelectForUpdateWithVersion(
	ctx context.Context, q Querier, id interface{},
) (*VersionedRow, error) {
	query, args, err := goquDialect.From(l.table).
		Prepared(true).
		Where(goqu.Ex{l.idColumn: id}).
		ForUpdate(exp.Wait).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build select for table %s: %w", l.table, err)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select from table %s: %w", l.table, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	data, err := scanRowToMap(rows)
	if err != nil {
		return nil, err
	}

	version, err := versionFromValue(data[l.versionColumn])
	if err != nil {
		return nil, fmt.Errorf("column %s of table %s: %w", l.versionColumn, l.table, err)
	}
	return &VersionedRow{Data: data, Version: version}, nil
}

func scanRowToMap(rows interface {
	Columns() ([]string, error)
	Scan(dest ...interface{}) error
}) (map[string]interface{}, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	values := make([]interface{}, len(columns))
	pointers := make([]interface{}, len(columns))
	for i := range values {
		pointers[i] = &values[i]
	}
	if err := rows.Scan(pointers...); err != nil {
		return nil, err
	}
	data := make(map[string]interface{}, len(columns))
	for i, column := range columns {
		value := values[i]
		if b, ok := value.([]byte); ok {
			value = string(b)
		}
		data[column] = value
	}
	return data, nil
}

func versionFromValue(value interface{}) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	case nil:
		return 0, fmt.Errorf("version value is missing")
	default:
		return 0, fmt.Errorf("unsupported version value type %T", value)
	}
}

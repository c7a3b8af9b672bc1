/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package evolution

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Default names for the bookkeeping tables. Both names are part of the wire
// contract and may be overridden with WithTableNames.
const (
	DefaultRecordsTableName = "schema_migrations"
	DefaultLogTableName     = "schema_evolution_log"
)

const createRecordsTableQuery = `CREATE TABLE IF NOT EXISTS %s (
	version VARCHAR(64) NOT NULL PRIMARY KEY,
	applied_at TIMESTAMP NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	checksum VARCHAR(64) NOT NULL DEFAULT '',
	execution_time_ms BIGINT NOT NULL DEFAULT 0,
	rollback_available BOOLEAN NOT NULL DEFAULT false
)`

const createLogTableQuery = `CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	migration_version VARCHAR(64) NOT NULL,
	operation_type VARCHAR(16) NOT NULL,
	started_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP NOT NULL,
	success BOOLEAN NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT ''
)`

func ensureTables(ctx context.Context, q Querier, recordsTable, logTable string) error {
	if _, err := q.ExecContext(ctx, fmt.Sprintf(createRecordsTableQuery, recordsTable)); err != nil {
		return fmt.Errorf("create %s table: %w", recordsTable, err)
	}
	if _, err := q.ExecContext(ctx, fmt.Sprintf(createLogTableQuery, logTable)); err != nil {
		return fmt.Errorf("create %s table: %w", logTable, err)
	}
	return nil
}

// upsertRecord persists a migration record. Insert-or-update semantics on the
// version primary key are the documented safety net against concurrent runs of
// the same migration from multiple callers.
func upsertRecord(ctx context.Context, q Querier, table string, rec *MigrationRecord) error {
	query := fmt.Sprintf(`INSERT INTO %s
		(version, applied_at, description, checksum, execution_time_ms, rollback_available)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (version) DO UPDATE SET
			applied_at = EXCLUDED.applied_at,
			description = EXCLUDED.description,
			checksum = EXCLUDED.checksum,
			execution_time_ms = EXCLUDED.execution_time_ms,
			rollback_available = EXCLUDED.rollback_available`, table)
	if _, err := q.ExecContext(ctx, query,
		rec.Version, rec.AppliedAt, rec.Description, rec.Checksum,
		rec.ExecutionTime.Milliseconds(), rec.RollbackAvailable); err != nil {
		return fmt.Errorf("insert migration record: %w", err)
	}
	return nil
}

func deleteRecord(ctx context.Context, q Querier, table, version string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE version = $1", table)
	if _, err := q.ExecContext(ctx, query, version); err != nil {
		return fmt.Errorf("delete migration record: %w", err)
	}
	return nil
}

func insertLogEntry(ctx context.Context, q Querier, table string, entry *LogEntry) error {
	query := fmt.Sprintf(`INSERT INTO %s
		(migration_version, operation_type, started_at, completed_at, success, error_message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`, table)
	if _, err := q.ExecContext(ctx, query,
		entry.MigrationVersion, string(entry.OperationType), entry.StartedAt, entry.CompletedAt,
		entry.Success, entry.ErrorMessage, entry.Metadata); err != nil {
		return fmt.Errorf("insert evolution log entry: %w", err)
	}
	return nil
}

func queryCurrentVersion(ctx context.Context, q Querier, table string) (string, error) {
	query := fmt.Sprintf("SELECT version FROM %s ORDER BY version DESC LIMIT 1", table)
	var version string
	err := q.QueryRowContext(ctx, query).Scan(&version)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query current version: %w", err)
	}
	return version, nil
}

func queryHistory(ctx context.Context, q Querier, table string) ([]MigrationRecord, error) {
	query := fmt.Sprintf(`SELECT version, applied_at, description, checksum, execution_time_ms, rollback_available
		FROM %s ORDER BY version`, table)
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query migration history: %w", err)
	}
	defer rows.Close()

	var records []MigrationRecord
	for rows.Next() {
		var rec MigrationRecord
		var execMs int64
		if err := rows.Scan(&rec.Version, &rec.AppliedAt, &rec.Description, &rec.Checksum,
			&execMs, &rec.RollbackAvailable); err != nil {
			return nil, fmt.Errorf("scan migration record: %w", err)
		}
		rec.ExecutionTime = time.Duration(execMs) * time.Millisecond
		records = append(records, rec)
	}
	return records, rows.Err()
}

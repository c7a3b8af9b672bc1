/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package txkit

import (
	"context"
	"strings"
)

// VerifyIsolation reports whether the session's effective transaction isolation
// level matches the expected one. Level names are compared case-insensitively
// with underscores and spaces treated as equal, so "repeatable_read" matches
// the "repeatable read" PostgreSQL reports. Any query error yields false.
func VerifyIsolation(ctx context.Context, q Querier, expected string) bool {
	var level string
	if err := q.QueryRowContext(ctx, "SHOW transaction_isolation").Scan(&level); err != nil {
		return false
	}
	return normalizeIsolationLevel(level) == normalizeIsolationLevel(expected)
}

func normalizeIsolationLevel(level string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(level)), "_", " ")
}

// DurabilityCheck is a caller-supplied probe that must succeed for the state to
// count as durable, e.g. a SELECT asserting a just-committed row is visible.
type DurabilityCheck struct {
	Name string
	SQL  string
}

// EnsureDurability confirms the WAL is reachable by resolving the current WAL
// file name and then runs every caller-supplied check. Any failure, including
// the WAL probe itself, yields false.
func EnsureDurability(ctx context.Context, q Querier, checks []DurabilityCheck) bool {
	var walFile string
	if err := q.QueryRowContext(ctx, "SELECT pg_walfile_name(pg_current_wal_lsn())").Scan(&walFile); err != nil {
		return false
	}
	if walFile == "" {
		return false
	}

	for _, check := range checks {
		rows, err := q.QueryContext(ctx, check.SQL)
		if err != nil {
			return false
		}
		for rows.Next() {
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return false
		}
		if err := rows.Close(); err != nil {
			return false
		}
	}
	return true
}

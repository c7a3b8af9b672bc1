/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

// Package evolution implements zero-downtime schema evolution for PostgreSQL:
// a declarative migration description is validated, executed as a staged,
// rollback-capable sequence of operations, and tracked in bookkeeping tables.
package evolution

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Querier is the minimal query contract the evolution engine needs. It is
// satisfied by *sql.DB, *sql.Tx and *dbevolve.TxContext.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Migration describes a complete zero-downtime schema migration. Stages execute
// strictly in slice order; each stage is an independent transactional unit.
type Migration struct {
	// Version is a unique, sortable identifier, e.g. "2026.03.14.0001".
	Version     string
	Description string

	// RequiredVersion, when set, must match the currently applied version for the
	// migration to run.
	RequiredVersion string

	// Dependencies lists versions that must already be applied.
	Dependencies []string

	Stages []Stage

	DataMigration         *DataMigrationPlan
	BackwardCompatibility *CompatibilitySetup
	Rollback              *RollbackConfiguration

	// PreValidation checks gate execution before any stage runs; Validation
	// checks run as part of post-migration validation.
	PreValidation *ValidationConfiguration
	Validation    *ValidationConfiguration

	// CleanupDelay is how long to keep backward-compatibility shims after a
	// successful run before removing them. Zero keeps them indefinitely.
	CleanupDelay time.Duration
}

// Checksum returns a stable digest of the migration's stage SQL, recorded with the
// migration record for drift detection.
func (m *Migration) Checksum() string {
	h := sha256.New()
	for _, stage := range m.Stages {
		for _, step := range stage.Steps {
			h.Write([]byte(step.SQL))
			h.Write([]byte{0})
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Stage is an ordered group of steps executed within one transaction.
type Stage struct {
	Name        string
	Description string
	Steps       []Step
	CanRollback bool

	// DisableTx executes the stage's steps outside a transaction. Required for
	// statements like CREATE INDEX CONCURRENTLY that PostgreSQL refuses to run
	// inside a transaction block.
	DisableTx bool
}

// Step is a single retryable, optionally conditional SQL statement.
type Step struct {
	SQL    string
	Params []interface{}

	// Condition is a query; the step is skipped when it yields zero rows.
	Condition string

	RetryPolicy *RetryPolicy
}

// RetryPolicy bounds synchronous retries of a single statement with a fixed delay.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// Placeholders substituted into batched data operation SQL.
const (
	LimitPlaceholder  = "{LIMIT}"
	OffsetPlaceholder = "{OFFSET}"
)

// DefaultBatchSize is the number of rows moved per data migration batch.
const DefaultBatchSize = 1000

// DataMigrationPlan describes batched long-running data movement performed after
// all stages have committed.
type DataMigrationPlan struct {
	Operations []DataOperation
	BatchSize  int
}

// DataOperation is a SQL template containing {LIMIT} and {OFFSET} placeholders.
// It is executed repeatedly with an increasing offset until a batch affects fewer
// rows than the batch size.
type DataOperation struct {
	Name string
	SQL  string
}

// CompatibilitySetup declares views/functions installed before a breaking
// structural change so old access patterns keep working during the transition.
type CompatibilitySetup struct {
	Shims []CompatibilityShim
}

// CompatibilityShim is a single named compatibility object.
type CompatibilityShim struct {
	Name      string
	CreateSQL string
	DropSQL   string
}

// RollbackConfiguration holds ordered undo steps plus safety-check queries.
// Undo steps are applied in reverse of forward application.
type RollbackConfiguration struct {
	Steps        []RollbackStep
	SafetyChecks []SafetyCheck
}

// RollbackStep is a single undo statement.
type RollbackStep struct {
	SQL         string
	Description string
}

// SafetyCheck is a query that must yield zero rows for a rollback to be
// considered safe; any returned row describes a blocking condition.
type SafetyCheck struct {
	Name string
	SQL  string
}

// ValidationConfiguration holds named SQL validators run during post-migration
// validation.
type ValidationConfiguration struct {
	Validators []CheckRule
}

// CheckRule is a named SQL check. The query must return one row whose columns
// match Expected; a mismatch fails with ErrorMessage unless WarningOnly is set.
type CheckRule struct {
	Name         string
	SQL          string
	Expected     map[string]interface{}
	ErrorMessage string
	WarningOnly  bool
}

// MigrationRecord is one row of the schema_migrations bookkeeping table.
type MigrationRecord struct {
	Version           string
	AppliedAt         time.Time
	Description       string
	Checksum          string
	ExecutionTime     time.Duration
	RollbackAvailable bool
}

// LogEntry is one row of the append-only schema_evolution_log table.
type LogEntry struct {
	MigrationVersion string
	OperationType    OperationType
	StartedAt        time.Time
	CompletedAt      time.Time
	Success          bool
	ErrorMessage     string
	Metadata         string
}

// OperationType defines possible values for evolution log operations.
type OperationType string

// Evolution log operation types.
const (
	OperationApply    OperationType = "apply"
	OperationRollback OperationType = "rollback"
	OperationValidate OperationType = "validate"
)

var identifierRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Column type declarations may carry parameters and multi-word type names,
// e.g. NUMERIC(12,2) or TIMESTAMP WITH TIME ZONE.
var columnTypeRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_ ,()\[\]]*$`)

func validateIdentifier(kind, name string) error {
	if !identifierRegexp.MatchString(name) {
		return fmt.Errorf("invalid %s identifier %q", kind, name)
	}
	return nil
}

func validateColumnType(typ string) error {
	if !columnTypeRegexp.MatchString(strings.TrimSpace(typ)) {
		return fmt.Errorf("invalid column type %q", typ)
	}
	return nil
}

/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package evolution

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/cenkalti/backoff/v4"

	"github.com/acronis/go-dbevolve"
)

// DefaultBatchPause is the pause between data migration batches. It exists to
// avoid holding locks continuously during large data moves.
const DefaultBatchPause = 100 * time.Millisecond

// Manager orchestrates the full migration lifecycle: validation,
// backward-compatibility setup, staged execution, batched data migration,
// post-validation, rollback and history bookkeeping.
type Manager struct {
	db     *sql.DB
	logger log.FieldLogger

	recordsTable string
	logTable     string

	metrics       dbevolve.MetricsCollector
	preValidator  PreMigrationValidator
	safetyChecker RollbackSafetyChecker

	batchPause time.Duration
	now        func() time.Time
	schedule   func(delay time.Duration, fn func())

	mu       sync.Mutex
	registry map[string]*Migration
}

// ManagerOption is a functional option for Manager configuration.
type ManagerOption func(*Manager)

// WithTableNames sets custom names for the bookkeeping tables.
func WithTableNames(recordsTable, logTable string) ManagerOption {
	return func(m *Manager) {
		m.recordsTable = recordsTable
		m.logTable = logTable
	}
}

// WithMetrics sets a collector for migration execution metrics.
func WithMetrics(collector dbevolve.MetricsCollector) ManagerOption {
	return func(m *Manager) {
		m.metrics = collector
	}
}

// WithPreMigrationValidator overrides the strategy that gates migration
// execution before any stage runs.
func WithPreMigrationValidator(v PreMigrationValidator) ManagerOption {
	return func(m *Manager) {
		m.preValidator = v
	}
}

// WithRollbackSafetyChecker overrides the strategy that decides whether a
// rollback plan is safe to execute.
func WithRollbackSafetyChecker(c RollbackSafetyChecker) ManagerOption {
	return func(m *Manager) {
		m.safetyChecker = c
	}
}

// WithBatchPause sets the pause between data migration batches.
func WithBatchPause(pause time.Duration) ManagerOption {
	return func(m *Manager) {
		m.batchPause = pause
	}
}

// WithClock sets the time source. Used by tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithCleanupScheduler sets the scheduler used for deferred shim removal.
// Used by tests; the default is time.AfterFunc.
func WithCleanupScheduler(schedule func(delay time.Duration, fn func())) ManagerOption {
	return func(m *Manager) {
		m.schedule = schedule
	}
}

// NewManager creates a new schema evolution manager.
func NewManager(db *sql.DB, logger log.FieldLogger, opts ...ManagerOption) (*Manager, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	m := &Manager{
		db:           db,
		logger:       logger,
		recordsTable: DefaultRecordsTableName,
		logTable:     DefaultLogTableName,
		metrics:      nopMetrics{},
		batchPause:   DefaultBatchPause,
		now:          time.Now,
		registry:     make(map[string]*Migration),
	}
	m.schedule = func(delay time.Duration, fn func()) {
		time.AfterFunc(delay, fn)
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.preValidator == nil {
		m.preValidator = &defaultPreMigrationValidator{recordsTable: m.recordsTable}
	}
	if m.safetyChecker == nil {
		m.safetyChecker = &defaultRollbackSafetyChecker{}
	}

	return m, nil
}

// Initialize creates the bookkeeping tables if they are absent. Idempotent.
func (m *Manager) Initialize(ctx context.Context) error {
	return ensureTables(ctx, m.db, m.recordsTable, m.logTable)
}

// Register makes a migration known to the manager so its rollback configuration
// can be used later by RollbackToVersion. Execute registers implicitly.
func (m *Manager) Register(migration *Migration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registry[migration.Version] = migration
}

func (m *Manager) registered(version string) *Migration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry[version]
}

// CurrentVersion returns the highest applied migration version, or an empty
// string when no migration has been applied.
func (m *Manager) CurrentVersion(ctx context.Context) (string, error) {
	return queryCurrentVersion(ctx, m.db, m.recordsTable)
}

// History returns all applied migration records ordered by version.
func (m *Manager) History(ctx context.Context) ([]MigrationRecord, error) {
	return queryHistory(ctx, m.db, m.recordsTable)
}

// Execute runs a zero-downtime migration: pre-validation, backward-compatibility
// setup, stages (each in its own transaction), batched data migration and
// post-validation. A stage failure halts execution without undoing already
// committed stages; a post-validation failure triggers one automatic rollback
// attempt before the original error is returned. On success a migration record
// and a success log entry are persisted.
func (m *Manager) Execute(ctx context.Context, migration *Migration) error {
	if migration == nil {
		return fmt.Errorf("migration cannot be nil")
	}
	if migration.Version == "" {
		return fmt.Errorf("migration version cannot be empty")
	}

	if err := m.Initialize(ctx); err != nil {
		return err
	}
	m.Register(migration)

	started := m.now()
	execErr := m.executeLifecycle(ctx, migration)
	completed := m.now()

	outcome := dbevolve.MetricsOutcomeCommitted
	if execErr != nil {
		outcome = dbevolve.MetricsOutcomeFailed
	}
	m.metrics.ObserveMigrationDuration(migration.Version, outcome, completed.Sub(started))

	entry := &LogEntry{
		MigrationVersion: migration.Version,
		OperationType:    OperationApply,
		StartedAt:        started,
		CompletedAt:      completed,
		Success:          execErr == nil,
		Metadata:         fmt.Sprintf(`{"stages":%d}`, len(migration.Stages)),
	}
	if execErr != nil {
		entry.ErrorMessage = execErr.Error()
		if logErr := insertLogEntry(ctx, m.db, m.logTable, entry); logErr != nil {
			m.logger.Error(fmt.Sprintf("failed to log migration %s failure: %v", migration.Version, logErr))
		}
		return execErr
	}

	record := &MigrationRecord{
		Version:           migration.Version,
		AppliedAt:         completed,
		Description:       migration.Description,
		Checksum:          migration.Checksum(),
		ExecutionTime:     completed.Sub(started),
		RollbackAvailable: migration.Rollback != nil && len(migration.Rollback.Steps) > 0,
	}
	if err := upsertRecord(ctx, m.db, m.recordsTable, record); err != nil {
		return err
	}
	if err := insertLogEntry(ctx, m.db, m.logTable, entry); err != nil {
		return err
	}

	m.logger.Info(fmt.Sprintf("Applied migration %s in %s", migration.Version, record.ExecutionTime))
	return nil
}

func (m *Manager) executeLifecycle(ctx context.Context, migration *Migration) error {
	if err := m.preValidator.ValidatePreMigration(ctx, m.db, migration); err != nil {
		return fmt.Errorf("pre-migration validation: %w", err)
	}

	if migration.PreValidation != nil {
		for i := range migration.PreValidation.Validators {
			rule := &migration.PreValidation.Validators[i]
			if err := runCheckRule(ctx, m.db, rule); err != nil {
				if rule.WarningOnly {
					m.logger.Warn(fmt.Sprintf("Pre-migration check %s: %v", rule.Name, err))
					continue
				}
				return fmt.Errorf("pre-migration check: %w", err)
			}
		}
	}

	shimsInstalled := false
	if migration.BackwardCompatibility != nil && len(migration.BackwardCompatibility.Shims) > 0 {
		if err := m.installShims(ctx, migration.BackwardCompatibility); err != nil {
			return fmt.Errorf("install compatibility shims: %w", err)
		}
		shimsInstalled = true
	}

	for i := range migration.Stages {
		stage := &migration.Stages[i]
		if err := m.executeStage(ctx, stage); err != nil {
			return fmt.Errorf("execute stage %s: %w", stage.Name, err)
		}
		m.metrics.IncStageExecutions(migration.Version)
		m.logger.Info(fmt.Sprintf("Executed stage %s of migration %s", stage.Name, migration.Version))
	}

	if migration.DataMigration != nil && len(migration.DataMigration.Operations) > 0 {
		if err := m.runDataMigration(ctx, migration.DataMigration); err != nil {
			return fmt.Errorf("data migration: %w", err)
		}
	}

	if err := m.runPostValidation(ctx, migration); err != nil {
		m.logger.Error(fmt.Sprintf("Post-migration validation of %s failed: %v", migration.Version, err))
		m.attemptAutoRollback(ctx, migration)
		return fmt.Errorf("post-migration validation: %w", err)
	}

	if shimsInstalled && migration.CleanupDelay > 0 {
		m.scheduleShimCleanup(migration)
	}

	return nil
}

func (m *Manager) installShims(ctx context.Context, setup *CompatibilitySetup) error {
	return dbevolve.DoInTx(ctx, m.db, func(txCtx *dbevolve.TxContext) error {
		for _, shim := range setup.Shims {
			if _, err := txCtx.ExecContext(ctx, shim.CreateSQL); err != nil {
				return fmt.Errorf("install shim %s: %w", shim.Name, err)
			}
		}
		return nil
	})
}

func (m *Manager) scheduleShimCleanup(migration *Migration) {
	version := migration.Version
	shims := migration.BackwardCompatibility.Shims
	m.schedule(migration.CleanupDelay, func() {
		ctx := context.Background()
		for _, shim := range shims {
			if shim.DropSQL == "" {
				continue
			}
			if _, err := m.db.ExecContext(ctx, shim.DropSQL); err != nil {
				m.logger.Error(fmt.Sprintf("failed to remove compatibility shim %s of migration %s: %v",
					shim.Name, version, err))
				continue
			}
			m.logger.Info(fmt.Sprintf("Removed compatibility shim %s of migration %s", shim.Name, version))
		}
	})
}

// executeStage runs a stage inside its own transaction, unless the stage
// disables transactional execution (e.g. for CREATE INDEX CONCURRENTLY).
func (m *Manager) executeStage(ctx context.Context, stage *Stage) error {
	if stage.DisableTx {
		return m.executeSteps(ctx, m.db, stage)
	}
	return dbevolve.DoInTx(ctx, m.db, func(txCtx *dbevolve.TxContext) error {
		return m.executeSteps(ctx, txCtx, stage)
	})
}

func (m *Manager) executeSteps(ctx context.Context, q Querier, stage *Stage) error {
	for i := range stage.Steps {
		step := &stage.Steps[i]

		if step.Condition != "" {
			matched, err := conditionMatches(ctx, q, step.Condition)
			if err != nil {
				return fmt.Errorf("step %d condition: %w", i+1, err)
			}
			if !matched {
				m.logger.Info(fmt.Sprintf("Skipped step %d of stage %s: condition yielded no rows", i+1, stage.Name))
				continue
			}
		}

		if err := executeStepWithRetry(ctx, q, step); err != nil {
			return fmt.Errorf("execute step %d: %w", i+1, err)
		}
	}
	return nil
}

func conditionMatches(ctx context.Context, q Querier, condition string) (bool, error) {
	rows, err := q.QueryContext(ctx, condition)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	matched := rows.Next()
	return matched, rows.Err()
}

// executeStepWithRetry runs a single statement with a bounded synchronous retry
// loop: fixed delay, no jitter. Exhausting attempts surfaces the last error.
func executeStepWithRetry(ctx context.Context, q Querier, step *Step) error {
	op := func() error {
		_, err := q.ExecContext(ctx, step.SQL, step.Params...)
		return err
	}

	if step.RetryPolicy == nil || step.RetryPolicy.MaxAttempts <= 1 {
		return op()
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(step.RetryPolicy.Delay),
			uint64(step.RetryPolicy.MaxAttempts-1)),
		ctx)
	return backoff.Retry(op, bo)
}

func (m *Manager) runPostValidation(ctx context.Context, migration *Migration) error {
	if migration.Validation != nil {
		for i := range migration.Validation.Validators {
			rule := &migration.Validation.Validators[i]
			if err := runCheckRule(ctx, m.db, rule); err != nil {
				if rule.WarningOnly {
					m.logger.Warn(fmt.Sprintf("Post-migration check %s: %v", rule.Name, err))
					continue
				}
				return err
			}
		}
	}
	return m.runIntegrityCheck(ctx, migration)
}

// runIntegrityCheck verifies the bookkeeping tables are readable and every
// declared dependency is still recorded as applied.
func (m *Manager) runIntegrityCheck(ctx context.Context, migration *Migration) error {
	records, err := queryHistory(ctx, m.db, m.recordsTable)
	if err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	applied := make(map[string]struct{}, len(records))
	for i := range records {
		applied[records[i].Version] = struct{}{}
	}
	for _, dep := range migration.Dependencies {
		if _, ok := applied[dep]; !ok {
			return fmt.Errorf("integrity check: dependency %s disappeared from migration history", dep)
		}
	}
	return nil
}

// attemptAutoRollback makes one rollback attempt after a post-validation
// failure. Its own failure is logged but never masks the original error.
func (m *Manager) attemptAutoRollback(ctx context.Context, migration *Migration) {
	if migration.Rollback == nil || len(migration.Rollback.Steps) == 0 {
		m.logger.Warn(fmt.Sprintf("Migration %s has no rollback configuration; leaving applied stages in place",
			migration.Version))
		return
	}

	started := m.now()
	err := dbevolve.DoInTx(ctx, m.db, func(txCtx *dbevolve.TxContext) error {
		steps := migration.Rollback.Steps
		for i := len(steps) - 1; i >= 0; i-- {
			if _, execErr := txCtx.ExecContext(ctx, steps[i].SQL); execErr != nil {
				return fmt.Errorf("rollback step %d: %w", i+1, execErr)
			}
		}
		return nil
	})

	outcome := dbevolve.MetricsOutcomeRolledBack
	if err != nil {
		outcome = dbevolve.MetricsOutcomeFailed
		m.logger.Error(fmt.Sprintf("Automatic rollback of migration %s failed: %v", migration.Version, err))
	} else {
		m.logger.Info(fmt.Sprintf("Automatically rolled back migration %s after validation failure", migration.Version))
	}
	m.metrics.IncRollbacks(outcome)

	entry := &LogEntry{
		MigrationVersion: migration.Version,
		OperationType:    OperationRollback,
		StartedAt:        started,
		CompletedAt:      m.now(),
		Success:          err == nil,
		Metadata:         `{"trigger":"post_validation_failure"}`,
	}
	if err != nil {
		entry.ErrorMessage = err.Error()
	}
	if logErr := insertLogEntry(ctx, m.db, m.logTable, entry); logErr != nil {
		m.logger.Error(fmt.Sprintf("failed to log automatic rollback of %s: %v", migration.Version, logErr))
	}
}

// runCheckRule executes a named SQL check and compares the returned row to the
// expected key/value set.
func runCheckRule(ctx context.Context, q Querier, rule *CheckRule) error {
	rows, err := q.QueryContext(ctx, rule.SQL)
	if err != nil {
		return fmt.Errorf("check %s: %w", rule.Name, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if rowsErr := rows.Err(); rowsErr != nil {
			return fmt.Errorf("check %s: %w", rule.Name, rowsErr)
		}
		return fmt.Errorf("check %s returned no rows: %s", rule.Name, rule.ErrorMessage)
	}

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("check %s: %w", rule.Name, err)
	}
	values := make([]interface{}, len(columns))
	scanTargets := make([]interface{}, len(columns))
	for i := range values {
		scanTargets[i] = &values[i]
	}
	if err := rows.Scan(scanTargets...); err != nil {
		return fmt.Errorf("check %s: %w", rule.Name, err)
	}

	got := make(map[string]interface{}, len(columns))
	for i, col := range columns {
		// Drivers commonly return text columns as []byte.
		if b, ok := values[i].([]byte); ok {
			got[col] = string(b)
			continue
		}
		got[col] = values[i]
	}
	for key, want := range rule.Expected {
		actual, ok := got[key]
		if !ok {
			return fmt.Errorf("check %s: column %q missing from result: %s", rule.Name, key, rule.ErrorMessage)
		}
		if fmt.Sprint(actual) != fmt.Sprint(want) {
			return fmt.Errorf("check %s: column %q = %v, want %v: %s",
				rule.Name, key, actual, want, rule.ErrorMessage)
		}
	}
	return nil
}

type nopMetrics struct{}

func (nopMetrics) ObserveMigrationDuration(version, outcome string, duration time.Duration) {}
func (nopMetrics) IncStageExecutions(version string)                                        {}
func (nopMetrics) IncDataBatches()                                                          {}
func (nopMetrics) IncRollbacks(outcome string)                                              {}

func sortedVersionsDesc(records []MigrationRecord) []string {
	versions := make([]string, 0, len(records))
	for i := range records {
		versions = append(versions, records[i].Version)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(versions)))
	return versions
}

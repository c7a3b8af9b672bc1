/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package evolution

import (
	"context"
	"fmt"

	"github.com/acronis/go-dbevolve"
)

// RollbackPlan is the ordered set of migrations to undo to reach a target version.
type RollbackPlan struct {
	TargetVersion string
	// Migrations to undo, newest first.
	Migrations []*Migration
}

// RollbackStepResult reports the outcome of a single executed undo step.
type RollbackStepResult struct {
	Version     string
	Description string
	SQL         string
	Success     bool
	Err         error
}

// RollbackResult is the structured outcome of RollbackToVersion. A planned-unsafe
// rollback yields Success=false with Risks populated and no error; only
// unexpected step failures are returned as errors.
type RollbackResult struct {
	Success       bool
	TargetVersion string
	StepsExecuted int
	StepResults   []RollbackStepResult
	Risks         []string
	Error         string
}

// RollbackSafetyChecker decides whether a rollback plan may be executed. The
// default implementation runs each migration's declared safety-check queries; a
// check yielding any row names a blocking risk.
type RollbackSafetyChecker interface {
	CheckRollbackSafety(ctx context.Context, q Querier, plan *RollbackPlan) ([]string, error)
}

type defaultRollbackSafetyChecker struct{}

func (defaultRollbackSafetyChecker) CheckRollbackSafety(ctx context.Context, q Querier, plan *RollbackPlan) ([]string, error) {
	var risks []string
	for _, migration := range plan.Migrations {
		if migration.Rollback == nil {
			continue
		}
		for _, check := range migration.Rollback.SafetyChecks {
			matched, err := conditionMatches(ctx, q, check.SQL)
			if err != nil {
				return nil, fmt.Errorf("safety check %s: %w", check.Name, err)
			}
			if matched {
				risks = append(risks,
					fmt.Sprintf("safety check %s of migration %s reported blocking rows", check.Name, migration.Version))
			}
		}
	}
	return risks, nil
}

// RollbackToVersion reverses all migrations applied after the target version.
// It builds a plan from the registered migrations, validates its safety (an
// unsafe plan is reported as a non-error failure result), executes the undo
// steps in reverse of forward application and verifies the resulting version.
func (m *Manager) RollbackToVersion(ctx context.Context, targetVersion string) (*RollbackResult, error) {
	result := &RollbackResult{TargetVersion: targetVersion}

	records, err := m.History(ctx)
	if err != nil {
		return nil, err
	}

	plan := &RollbackPlan{TargetVersion: targetVersion}
	var planRisks []string
	for _, version := range sortedVersionsDesc(records) {
		if version <= targetVersion {
			continue
		}
		migration := m.registered(version)
		if migration == nil {
			planRisks = append(planRisks, fmt.Sprintf("migration %s is not registered; its rollback steps are unknown", version))
			continue
		}
		if migration.Rollback == nil || len(migration.Rollback.Steps) == 0 {
			planRisks = append(planRisks, fmt.Sprintf("migration %s has no rollback configuration", version))
			continue
		}
		plan.Migrations = append(plan.Migrations, migration)
	}

	if len(plan.Migrations) == 0 && len(planRisks) == 0 {
		result.Success = true
		return result, nil
	}

	safetyRisks, err := m.safetyChecker.CheckRollbackSafety(ctx, m.db, plan)
	if err != nil {
		return nil, fmt.Errorf("rollback safety check: %w", err)
	}
	result.Risks = append(planRisks, safetyRisks...)
	if len(result.Risks) > 0 {
		result.Error = "rollback plan is unsafe"
		m.metrics.IncRollbacks(dbevolve.MetricsOutcomeFailed)
		m.logger.Warn(fmt.Sprintf("Refusing rollback to version %s: %d risk(s) found", targetVersion, len(result.Risks)))
		return result, nil
	}

	for _, migration := range plan.Migrations {
		if err := m.rollbackOne(ctx, migration, result); err != nil {
			m.metrics.IncRollbacks(dbevolve.MetricsOutcomeFailed)
			result.Error = err.Error()
			return result, err
		}
	}

	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return result, err
	}
	if current != targetVersion && !(current == "" && targetVersion == "") {
		err := fmt.Errorf("rollback verification: current version is %q, want %q", current, targetVersion)
		result.Error = err.Error()
		return result, err
	}

	result.Success = true
	m.metrics.IncRollbacks(dbevolve.MetricsOutcomeRolledBack)
	m.logger.Info(fmt.Sprintf("Rolled back to version %s (%d step(s) executed)", targetVersion, result.StepsExecuted))
	return result, nil
}

// rollbackOne undoes a single migration within one transaction: rollback steps
// in reverse of forward order, then removal of the migration record.
func (m *Manager) rollbackOne(ctx context.Context, migration *Migration, result *RollbackResult) error {
	started := m.now()
	err := dbevolve.DoInTx(ctx, m.db, func(txCtx *dbevolve.TxContext) error {
		steps := migration.Rollback.Steps
		for i := len(steps) - 1; i >= 0; i-- {
			step := steps[i]
			_, execErr := txCtx.ExecContext(ctx, step.SQL)
			result.StepResults = append(result.StepResults, RollbackStepResult{
				Version:     migration.Version,
				Description: step.Description,
				SQL:         step.SQL,
				Success:     execErr == nil,
				Err:         execErr,
			})
			if execErr != nil {
				return fmt.Errorf("rollback step %d of migration %s: %w", i+1, migration.Version, execErr)
			}
			result.StepsExecuted++
		}
		return deleteRecord(ctx, txCtx, m.recordsTable, migration.Version)
	})

	entry := &LogEntry{
		MigrationVersion: migration.Version,
		OperationType:    OperationRollback,
		StartedAt:        started,
		CompletedAt:      m.now(),
		Success:          err == nil,
		Metadata:         `{"trigger":"rollback_to_version"}`,
	}
	if err != nil {
		entry.ErrorMessage = err.Error()
	}
	if logErr := insertLogEntry(ctx, m.db, m.logTable, entry); logErr != nil {
		m.logger.Error(fmt.Sprintf("failed to log rollback of %s: %v", migration.Version, logErr))
	}
	return err
}

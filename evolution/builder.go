/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package evolution

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MigrationConfig is the portable, declarative migration description consumed by
// BuildFromConfig.
type MigrationConfig struct {
	Version         string
	Description     string
	RequiredVersion string
	Dependencies    []string

	PreChecks  []CheckRule
	Steps      []ConfigStep
	PostChecks []CheckRule
	Rollback   []RollbackStep

	BackwardCompatibility *CompatibilitySetup
	CleanupDelay          time.Duration
}

// BuildFromConfig translates a declarative migration description into the
// concrete plan the evolution manager consumes. It is pure and deterministic:
// repeated calls on identical input produce structurally identical output.
func BuildFromConfig(cfg *MigrationConfig) (*Migration, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Version == "" {
		return nil, fmt.Errorf("config version cannot be empty")
	}

	b := &planBuilder{}
	for i, step := range cfg.Steps {
		if step == nil {
			return nil, fmt.Errorf("step %d is nil", i+1)
		}
		if err := step.appendTo(b); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}

	migration := &Migration{
		Version:               cfg.Version,
		Description:           cfg.Description,
		RequiredVersion:       cfg.RequiredVersion,
		Dependencies:          cfg.Dependencies,
		BackwardCompatibility: cfg.BackwardCompatibility,
		CleanupDelay:          cfg.CleanupDelay,
	}

	if len(b.stageSteps) > 0 {
		migration.Stages = []Stage{{
			Name:        "schema_changes",
			Description: fmt.Sprintf("schema changes of migration %s", cfg.Version),
			Steps:       b.stageSteps,
			CanRollback: len(cfg.Rollback) > 0,
			DisableTx:   b.disableTx,
		}}
	}

	if len(b.dataOps) > 0 {
		migration.DataMigration = &DataMigrationPlan{
			Operations: b.dataOps,
			BatchSize:  b.batchSize,
		}
	}

	if len(cfg.Rollback) > 0 {
		migration.Rollback = &RollbackConfiguration{Steps: cfg.Rollback}
	}
	if len(cfg.PreChecks) > 0 {
		migration.PreValidation = &ValidationConfiguration{Validators: cfg.PreChecks}
	}
	if len(cfg.PostChecks) > 0 {
		migration.Validation = &ValidationConfiguration{Validators: cfg.PostChecks}
	}

	return migration, nil
}

// Runner couples the config builder with an evolution manager.
type Runner struct {
	manager *Manager
}

// NewRunner creates a new config-driven migration runner.
func NewRunner(manager *Manager) (*Runner, error) {
	if manager == nil {
		return nil, fmt.Errorf("manager cannot be nil")
	}
	return &Runner{manager: manager}, nil
}

// Run builds a migration from the config, validates the plan and executes it.
// An invalid plan fails with an error joining all issue messages; warnings do
// not block execution.
func (r *Runner) Run(ctx context.Context, cfg *MigrationConfig) error {
	migration, err := BuildFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("build migration %s: %w", cfg.Version, err)
	}

	if err := r.manager.Initialize(ctx); err != nil {
		return err
	}

	result := r.manager.ValidatePlan(ctx, migration)
	if !result.IsValid {
		return fmt.Errorf("migration %s failed validation: %s",
			migration.Version, strings.Join(result.IssueMessages(), "; "))
	}

	return r.manager.Execute(ctx, migration)
}

// RollbackTo delegates to the evolution manager.
func (r *Runner) RollbackTo(ctx context.Context, version string) (*RollbackResult, error) {
	return r.manager.RollbackToVersion(ctx, version)
}

/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package evolution

import (
	"context"
	"fmt"
	"strings"
)

// DataTransformation declares a field-level mapping between two schema versions
// of a table pair. The planner turns it into schema-change statements and one
// batched data movement step.
type DataTransformation struct {
	SourceTable string
	TargetTable string

	// SourceColumns and TargetColumns declare column name -> type for both sides.
	SourceColumns map[string]string
	TargetColumns map[string]string

	// Mappings are applied in order; their order defines the column order of the
	// generated INSERT ... SELECT.
	Mappings []FieldMapping
}

// FieldMapping maps one source column (or a raw transform expression) to a
// target column.
type FieldMapping struct {
	Source string
	Target string

	// Type, when set and different from the declared target type, produces an
	// ALTER COLUMN ... TYPE statement.
	Type string

	// Nullable, when set, produces a DROP NOT NULL (true) or SET NOT NULL (false)
	// statement.
	Nullable *bool

	// Transform is a raw SQL expression used instead of the source column.
	Transform string
}

// TransformationPlan is the output of PlanTransformation: ordered schema-change
// statements and batched data steps with {LIMIT}/{OFFSET} placeholders intact.
type TransformationPlan struct {
	SchemaChanges []string
	DataSteps     []string
}

// PlanTransformation computes the schema-change and batched data-movement
// statements for a declarative field mapping. It is pure: repeated calls on
// identical input produce identical output.
func PlanTransformation(t *DataTransformation) (*TransformationPlan, error) {
	if err := validateIdentifier("table", t.SourceTable); err != nil {
		return nil, err
	}
	if err := validateIdentifier("table", t.TargetTable); err != nil {
		return nil, err
	}
	if len(t.Mappings) == 0 {
		return nil, fmt.Errorf("transformation from %s to %s has no field mappings", t.SourceTable, t.TargetTable)
	}

	plan := &TransformationPlan{}
	targetColumns := make([]string, 0, len(t.Mappings))
	selectExprs := make([]string, 0, len(t.Mappings))

	for i := range t.Mappings {
		m := &t.Mappings[i]
		if err := validateIdentifier("column", m.Target); err != nil {
			return nil, err
		}
		declaredType, ok := t.TargetColumns[m.Target]
		if !ok {
			return nil, fmt.Errorf("target column %q is not declared in the %s schema", m.Target, t.TargetTable)
		}

		if m.Transform == "" {
			if err := validateIdentifier("column", m.Source); err != nil {
				return nil, err
			}
			if _, ok := t.SourceColumns[m.Source]; !ok {
				return nil, fmt.Errorf("source column %q is not declared in the %s schema", m.Source, t.SourceTable)
			}
			selectExprs = append(selectExprs, t.SourceTable+"."+m.Source)
		} else {
			selectExprs = append(selectExprs, m.Transform)
		}
		targetColumns = append(targetColumns, m.Target)

		if m.Type != "" {
			if err := validateColumnType(m.Type); err != nil {
				return nil, err
			}
			if !strings.EqualFold(strings.TrimSpace(m.Type), strings.TrimSpace(declaredType)) {
				plan.SchemaChanges = append(plan.SchemaChanges,
					fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s", t.TargetTable, m.Target, m.Type))
			}
		}
		if m.Nullable != nil {
			if *m.Nullable {
				plan.SchemaChanges = append(plan.SchemaChanges,
					fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP NOT NULL", t.TargetTable, m.Target))
			} else {
				plan.SchemaChanges = append(plan.SchemaChanges,
					fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET NOT NULL", t.TargetTable, m.Target))
			}
		}
	}

	plan.DataSteps = append(plan.DataSteps, fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s LIMIT %s OFFSET %s ON CONFLICT DO NOTHING",
		t.TargetTable,
		strings.Join(targetColumns, ", "),
		strings.Join(selectExprs, ", "),
		t.SourceTable,
		LimitPlaceholder,
		OffsetPlaceholder,
	))

	return plan, nil
}

// TransformOptions configures ExecuteTransformation.
type TransformOptions struct {
	// DryRun returns the plan without executing anything.
	DryRun bool

	BatchSize   int
	StartOffset int

	// PostValidation rules are checked after all data steps finished.
	PostValidation []CheckRule
}

// ExecuteTransformation plans a transformation and applies it: schema changes
// sequentially, then data steps batch-by-batch, then post-validation rules.
func (m *Manager) ExecuteTransformation(ctx context.Context, t *DataTransformation, opts *TransformOptions) (*TransformationPlan, error) {
	if opts == nil {
		opts = &TransformOptions{}
	}

	plan, err := PlanTransformation(t)
	if err != nil {
		return nil, err
	}
	if opts.DryRun {
		return plan, nil
	}

	for _, stmt := range plan.SchemaChanges {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return plan, fmt.Errorf("schema change %q: %w", stmt, err)
		}
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	for i, stmt := range plan.DataSteps {
		op := DataOperation{Name: fmt.Sprintf("transform_%s_%d", t.TargetTable, i+1), SQL: stmt}
		if err := m.runDataOperation(ctx, &op, batchSize, opts.StartOffset); err != nil {
			return plan, err
		}
	}

	for i := range opts.PostValidation {
		rule := &opts.PostValidation[i]
		if err := runCheckRule(ctx, m.db, rule); err != nil {
			if rule.WarningOnly {
				m.logger.Warn(fmt.Sprintf("Transformation check %s: %v", rule.Name, err))
				continue
			}
			return plan, err
		}
	}

	return plan, nil
}

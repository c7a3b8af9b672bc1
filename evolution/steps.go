/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package evolution

import (
	"fmt"
	"strings"
	"time"
)

// Default retry policy for concurrent index builds, which fail transiently when
// they conflict with long-running transactions.
var defaultIndexRetryPolicy = RetryPolicy{MaxAttempts: 3, Delay: 5 * time.Second}

// ConfigStep is one declarative migration step. It is a sealed interface: the
// set of implementations is fixed at compile time, so dispatch is exhaustive by
// construction and an unknown step type cannot exist.
type ConfigStep interface {
	appendTo(b *planBuilder) error
}

type planBuilder struct {
	stageSteps []Step
	dataOps    []DataOperation
	batchSize  int
	disableTx  bool
	customSeq  int
}

// AddColumn adds a column guarded with IF NOT EXISTS.
type AddColumn struct {
	Table   string
	Column  string
	Type    string
	NotNull bool

	// Default is a raw SQL expression, e.g. "false" or "''".
	Default string
}

func (s AddColumn) appendTo(b *planBuilder) error {
	if err := validateIdentifier("table", s.Table); err != nil {
		return err
	}
	if err := validateIdentifier("column", s.Column); err != nil {
		return err
	}
	if err := validateColumnType(s.Type); err != nil {
		return err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", s.Table, s.Column, s.Type)
	if s.NotNull {
		sb.WriteString(" NOT NULL")
	}
	if s.Default != "" {
		fmt.Fprintf(&sb, " DEFAULT %s", s.Default)
	}
	b.stageSteps = append(b.stageSteps, Step{SQL: sb.String()})
	return nil
}

// DropColumn drops a column guarded with IF EXISTS.
type DropColumn struct {
	Table  string
	Column string
}

func (s DropColumn) appendTo(b *planBuilder) error {
	if err := validateIdentifier("table", s.Table); err != nil {
		return err
	}
	if err := validateIdentifier("column", s.Column); err != nil {
		return err
	}
	b.stageSteps = append(b.stageSteps, Step{
		SQL: fmt.Sprintf("ALTER TABLE %s DROP COLUMN IF EXISTS %s", s.Table, s.Column),
	})
	return nil
}

// ModifyColumn changes column attributes. Each present field produces its own
// independent ALTER COLUMN statement.
type ModifyColumn struct {
	Table  string
	Column string

	// Type, when non-empty, changes the column type.
	Type string

	// NotNull, when set, adds (true) or drops (false) the NOT NULL constraint.
	NotNull *bool

	// Default, when set, installs the given default expression; an empty
	// expression drops the default.
	Default *string
}

func (s ModifyColumn) appendTo(b *planBuilder) error {
	if err := validateIdentifier("table", s.Table); err != nil {
		return err
	}
	if err := validateIdentifier("column", s.Column); err != nil {
		return err
	}

	if s.Type != "" {
		if err := validateColumnType(s.Type); err != nil {
			return err
		}
		b.stageSteps = append(b.stageSteps, Step{
			SQL: fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s", s.Table, s.Column, s.Type),
		})
	}
	if s.NotNull != nil {
		action := "SET NOT NULL"
		if !*s.NotNull {
			action = "DROP NOT NULL"
		}
		b.stageSteps = append(b.stageSteps, Step{
			SQL: fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s %s", s.Table, s.Column, action),
		})
	}
	if s.Default != nil {
		stmt := fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP DEFAULT", s.Table, s.Column)
		if *s.Default != "" {
			stmt = fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET DEFAULT %s", s.Table, s.Column, *s.Default)
		}
		b.stageSteps = append(b.stageSteps, Step{SQL: stmt})
	}
	return nil
}

// AddIndex builds an index concurrently so writes are not blocked. The stage
// carrying it runs outside a transaction: PostgreSQL refuses CREATE INDEX
// CONCURRENTLY inside a transaction block.
type AddIndex struct {
	Table   string
	Columns []string

	// Name is optional; the default is idx_<table>_<columns joined with _>.
	Name   string
	Unique bool

	// Where is an optional partial-index predicate.
	Where string
}

func (s AddIndex) appendTo(b *planBuilder) error {
	if err := validateIdentifier("table", s.Table); err != nil {
		return err
	}
	if len(s.Columns) == 0 {
		return fmt.Errorf("index on table %s has no columns", s.Table)
	}
	for _, col := range s.Columns {
		if err := validateIdentifier("column", col); err != nil {
			return err
		}
	}
	name := s.Name
	if name == "" {
		name = "idx_" + s.Table + "_" + strings.Join(s.Columns, "_")
	}
	if err := validateIdentifier("index", name); err != nil {
		return err
	}

	var sb strings.Builder
	sb.WriteString("CREATE ")
	if s.Unique {
		sb.WriteString("UNIQUE ")
	}
	fmt.Fprintf(&sb, "INDEX CONCURRENTLY IF NOT EXISTS %s ON %s (%s)", name, s.Table, strings.Join(s.Columns, ", "))
	if s.Where != "" {
		fmt.Fprintf(&sb, " WHERE %s", s.Where)
	}

	retryPolicy := defaultIndexRetryPolicy
	b.stageSteps = append(b.stageSteps, Step{SQL: sb.String(), RetryPolicy: &retryPolicy})
	b.disableTx = true
	return nil
}

// CustomSQL appends raw SQL verbatim. When Batch is set, the SQL must contain
// the {LIMIT} and {OFFSET} placeholders and is routed to the batched data
// migration instead of the stage.
type CustomSQL struct {
	Name   string
	SQL    string
	Params []interface{}
	Batch  bool

	// Condition, when set, skips the step if the query yields zero rows.
	Condition string
}

func (s CustomSQL) appendTo(b *planBuilder) error {
	if strings.TrimSpace(s.SQL) == "" {
		return fmt.Errorf("custom step has empty sql")
	}
	b.customSeq++

	if s.Batch {
		if !strings.Contains(s.SQL, LimitPlaceholder) || !strings.Contains(s.SQL, OffsetPlaceholder) {
			return fmt.Errorf("batched custom step must contain %s and %s placeholders",
				LimitPlaceholder, OffsetPlaceholder)
		}
		name := s.Name
		if name == "" {
			name = fmt.Sprintf("custom_%d", b.customSeq)
		}
		b.dataOps = append(b.dataOps, DataOperation{Name: name, SQL: s.SQL})
		return nil
	}

	b.stageSteps = append(b.stageSteps, Step{SQL: s.SQL, Params: s.Params, Condition: s.Condition})
	return nil
}

// TransformData delegates to the data transformation planner: its schema-change
// statements become stage steps and its data steps become batched operations.
type TransformData struct {
	Transformation DataTransformation

	// BatchSize overrides the default batch size of the whole data migration.
	BatchSize int
}

func (s TransformData) appendTo(b *planBuilder) error {
	plan, err := PlanTransformation(&s.Transformation)
	if err != nil {
		return err
	}
	for _, stmt := range plan.SchemaChanges {
		b.stageSteps = append(b.stageSteps, Step{SQL: stmt})
	}
	for i, stmt := range plan.DataSteps {
		b.dataOps = append(b.dataOps, DataOperation{
			Name: fmt.Sprintf("transform_%s_%d", s.Transformation.TargetTable, i+1),
			SQL:  stmt,
		})
	}
	if s.BatchSize > 0 {
		b.batchSize = s.BatchSize
	}
	return nil
}

/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package evolution

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func sampleTransformation() *DataTransformation {
	nullable := false
	return &DataTransformation{
		SourceTable: "users_old",
		TargetTable: "users_new",
		SourceColumns: map[string]string{
			"id":    "BIGINT",
			"name":  "TEXT",
			"money": "INTEGER",
		},
		TargetColumns: map[string]string{
			"id":      "BIGINT",
			"name":    "TEXT",
			"balance": "NUMERIC(12,2)",
		},
		Mappings: []FieldMapping{
			{Source: "id", Target: "id"},
			{Source: "name", Target: "name", Nullable: &nullable},
			{Target: "balance", Type: "NUMERIC(12,2)", Transform: "users_old.money / 100.0"},
		},
	}
}

func TestPlanTransformation(t *testing.T) {
	plan, err := PlanTransformation(sampleTransformation())
	require.NoError(t, err)

	require.Equal(t, []string{
		"ALTER TABLE users_new ALTER COLUMN name SET NOT NULL",
	}, plan.SchemaChanges)

	require.Len(t, plan.DataSteps, 1)
	require.Equal(t,
		"INSERT INTO users_new (id, name, balance) "+
			"SELECT users_old.id, users_old.name, users_old.money / 100.0 FROM users_old "+
			"LIMIT {LIMIT} OFFSET {OFFSET} ON CONFLICT DO NOTHING",
		plan.DataSteps[0])
}

func TestPlanTransformationTypeChange(t *testing.T) {
	transformation := sampleTransformation()
	// Declared target type differs from the mapped one.
	transformation.TargetColumns["balance"] = "INTEGER"

	plan, err := PlanTransformation(transformation)
	require.NoError(t, err)
	require.Contains(t, plan.SchemaChanges, "ALTER TABLE users_new ALTER COLUMN balance TYPE NUMERIC(12,2)")
}

func TestPlanTransformationIsDeterministic(t *testing.T) {
	first, err := PlanTransformation(sampleTransformation())
	require.NoError(t, err)
	second, err := PlanTransformation(sampleTransformation())
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestPlanTransformationValidationErrors(t *testing.T) {
	t.Run("undeclared target column", func(t *testing.T) {
		transformation := sampleTransformation()
		transformation.Mappings = append(transformation.Mappings, FieldMapping{Source: "id", Target: "missing"})
		_, err := PlanTransformation(transformation)
		require.Error(t, err)
		require.Contains(t, err.Error(), `target column "missing" is not declared`)
	})

	t.Run("undeclared source column", func(t *testing.T) {
		transformation := sampleTransformation()
		transformation.Mappings[0].Source = "missing"
		_, err := PlanTransformation(transformation)
		require.Error(t, err)
		require.Contains(t, err.Error(), `source column "missing" is not declared`)
	})

	t.Run("no mappings", func(t *testing.T) {
		transformation := sampleTransformation()
		transformation.Mappings = nil
		_, err := PlanTransformation(transformation)
		require.Error(t, err)
		require.Contains(t, err.Error(), "has no field mappings")
	})

	t.Run("invalid table identifier", func(t *testing.T) {
		transformation := sampleTransformation()
		transformation.SourceTable = "users_old; DROP TABLE users_old"
		_, err := PlanTransformation(transformation)
		require.Error(t, err)
		require.Contains(t, err.Error(), "invalid table identifier")
	})
}

func TestExecuteTransformationDryRun(t *testing.T) {
	manager, mock, closeFn := newTestManager(t)
	defer closeFn()

	plan, err := manager.ExecuteTransformation(context.Background(), sampleTransformation(),
		&TransformOptions{DryRun: true})
	require.NoError(t, err)
	require.NotNil(t, plan)
	require.NotEmpty(t, plan.DataSteps)
	// Dry run touches nothing.
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteTransformation(t *testing.T) {
	manager, mock, closeFn := newTestManager(t)
	defer closeFn()

	mock.ExpectExec("ALTER TABLE users_new ALTER COLUMN name SET NOT NULL").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("LIMIT 2 OFFSET 0").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("LIMIT 2 OFFSET 2").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT count AS n FROM users_new").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(3))

	plan, err := manager.ExecuteTransformation(context.Background(), sampleTransformation(),
		&TransformOptions{
			BatchSize: 2,
			PostValidation: []CheckRule{{
				Name:     "row_count",
				SQL:      "SELECT count AS n FROM users_new",
				Expected: map[string]interface{}{"n": 3},
			}},
		})
	require.NoError(t, err)
	require.NotNil(t, plan)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteTransformationResume(t *testing.T) {
	manager, mock, closeFn := newTestManager(t)
	defer closeFn()

	mock.ExpectExec("ALTER TABLE users_new ALTER COLUMN name SET NOT NULL").
		WillReturnResult(sqlmock.NewResult(0, 0))
	// Resuming at a non-zero offset skips the already processed rows.
	mock.ExpectExec("LIMIT 2 OFFSET 4").WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := manager.ExecuteTransformation(context.Background(), sampleTransformation(),
		&TransformOptions{BatchSize: 2, StartOffset: 4})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

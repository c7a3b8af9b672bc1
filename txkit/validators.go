/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package txkit

import (
	"context"
	"fmt"
)

// Violation types produced by the bundled validators.
const (
	ViolationTypeNegativeBalance     = "negative_balance"
	ViolationTypeExcessiveBalance    = "excessive_balance"
	ViolationTypeOrphanedReference   = "orphaned_reference"
	ViolationTypeOrphanedSessionRow  = "orphaned_session_row"
	ViolationTypeInvertedSessionTime = "inverted_session_time"
)

// BalanceValidator flags rows whose balance column is negative (error) or
// above a configured ceiling (warning). Both checks run in the same pass, so a
// single run can report violations of both kinds.
type BalanceValidator struct {
	table   string
	column  string
	ceiling float64
}

// NewBalanceValidator creates a validator for the given table and balance
// column. Ceiling is the warning threshold for suspiciously large balances.
func NewBalanceValidator(table, column string, ceiling float64) (*BalanceValidator, error) {
	if err := validateIdentifier("table", table); err != nil {
		return nil, err
	}
	if err := validateIdentifier("column", column); err != nil {
		return nil, err
	}
	return &BalanceValidator{table: table, column: column, ceiling: ceiling}, nil
}

// Name implements Validator.
func (v *BalanceValidator) Name() string {
	return "balance_" + v.table
}

// Validate implements Validator. A query error is reported as a single
// validation_error violation rather than returned.
func (v *BalanceValidator) Validate(ctx context.Context, q Querier) (ValidationOutcome, error) {
	query := fmt.Sprintf("SELECT id, %s FROM %s WHERE %s < 0 OR %s > $1",
		v.column, v.table, v.column, v.column)
	rows, err := q.QueryContext(ctx, query, v.ceiling)
	if err != nil {
		return queryErrorOutcome(v.Name(), err), nil
	}
	defer rows.Close()

	outcome := ValidationOutcome{IsValid: true}
	for rows.Next() {
		var id interface{}
		var balance float64
		if err := rows.Scan(&id, &balance); err != nil {
			return queryErrorOutcome(v.Name(), err), nil
		}
		if balance < 0 {
			outcome.IsValid = false
			outcome.Violations = append(outcome.Violations, Violation{
				Rule:     v.Name(),
				Type:     ViolationTypeNegativeBalance,
				Severity: SeverityError,
				Message:  fmt.Sprintf("row %v of table %s has negative %s %v", id, v.table, v.column, balance),
			})
			continue
		}
		outcome.Violations = append(outcome.Violations, Violation{
			Rule:     v.Name(),
			Type:     ViolationTypeExcessiveBalance,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("row %v of table %s has %s %v above ceiling %v", id, v.table, v.column, balance, v.ceiling),
		})
	}
	if err := rows.Err(); err != nil {
		return queryErrorOutcome(v.Name(), err), nil
	}
	return outcome, nil
}

// ReferentialIntegrityValidator flags child rows whose foreign key resolves to
// no parent row.
type ReferentialIntegrityValidator struct {
	childTable  string
	fkColumn    string
	parentTable string
	parentKey   string
}

// NewReferentialIntegrityValidator creates a validator checking that every
// non-null childTable.fkColumn value exists as parentTable.parentKey.
func NewReferentialIntegrityValidator(
	childTable, fkColumn, parentTable, parentKey string,
) (*ReferentialIntegrityValidator, error) {
	for _, id := range []struct{ kind, name string }{
		{"table", childTable}, {"column", fkColumn}, {"table", parentTable}, {"column", parentKey},
	} {
		if err := validateIdentifier(id.kind, id.name); err != nil {
			return nil, err
		}
	}
	return &ReferentialIntegrityValidator{
		childTable:  childTable,
		fkColumn:    fkColumn,
		parentTable: parentTable,
		parentKey:   parentKey,
	}, nil
}

// Name implements Validator.
func (v *ReferentialIntegrityValidator) Name() string {
	return fmt.Sprintf("referential_%s_%s", v.childTable, v.fkColumn)
}

// Validate implements Validator.
func (v *ReferentialIntegrityValidator) Validate(ctx context.Context, q Querier) (ValidationOutcome, error) {
	query := fmt.Sprintf(
		"SELECT c.id, c.%s FROM %s c LEFT JOIN %s p ON c.%s = p.%s WHERE c.%s IS NOT NULL AND p.%s IS NULL",
		v.fkColumn, v.childTable, v.parentTable, v.fkColumn, v.parentKey, v.fkColumn, v.parentKey)
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return queryErrorOutcome(v.Name(), err), nil
	}
	defer rows.Close()

	outcome := ValidationOutcome{IsValid: true}
	for rows.Next() {
		var id, fk interface{}
		if err := rows.Scan(&id, &fk); err != nil {
			return queryErrorOutcome(v.Name(), err), nil
		}
		outcome.IsValid = false
		outcome.Violations = append(outcome.Violations, Violation{
			Rule:     v.Name(),
			Type:     ViolationTypeOrphanedReference,
			Severity: SeverityError,
			Message: fmt.Sprintf("row %v of table %s references missing %s.%s value %v",
				id, v.childTable, v.parentTable, v.parentKey, rawToString(fk)),
		})
	}
	if err := rows.Err(); err != nil {
		return queryErrorOutcome(v.Name(), err), nil
	}
	return outcome, nil
}

// SessionStateValidator flags two classes of broken session state: member rows
// pointing at a session that no longer exists, and sessions whose recorded end
// precedes their start.
type SessionStateValidator struct {
	sessionsTable string
	membersTable  string
	memberFK      string
}

// NewSessionStateValidator creates a validator over a sessions table and its
// members table linked through memberFK.
func NewSessionStateValidator(sessionsTable, membersTable, memberFK string) (*SessionStateValidator, error) {
	if err := validateIdentifier("table", sessionsTable); err != nil {
		return nil, err
	}
	if err := validateIdentifier("table", membersTable); err != nil {
		return nil, err
	}
	if err := validateIdentifier("column", memberFK); err != nil {
		return nil, err
	}
	return &SessionStateValidator{
		sessionsTable: sessionsTable,
		membersTable:  membersTable,
		memberFK:      memberFK,
	}, nil
}

// Name implements Validator.
func (v *SessionStateValidator) Name() string {
	return "session_state_" + v.sessionsTable
}

// Validate implements Validator.
func (v *SessionStateValidator) Validate(ctx context.Context, q Querier) (ValidationOutcome, error) {
	outcome := ValidationOutcome{IsValid: true}

	orphanQuery := fmt.Sprintf(
		"SELECT m.id FROM %s m LEFT JOIN %s s ON m.%s = s.id WHERE s.id IS NULL",
		v.membersTable, v.sessionsTable, v.memberFK)
	orphans, err := collectIDs(ctx, q, orphanQuery)
	if err != nil {
		return queryErrorOutcome(v.Name(), err), nil
	}
	for _, id := range orphans {
		outcome.IsValid = false
		outcome.Violations = append(outcome.Violations, Violation{
			Rule:     v.Name(),
			Type:     ViolationTypeOrphanedSessionRow,
			Severity: SeverityError,
			Message:  fmt.Sprintf("row %s of table %s belongs to no session", id, v.membersTable),
		})
	}

	invertedQuery := fmt.Sprintf(
		"SELECT id FROM %s WHERE ended_at IS NOT NULL AND ended_at < started_at", v.sessionsTable)
	inverted, err := collectIDs(ctx, q, invertedQuery)
	if err != nil {
		return queryErrorOutcome(v.Name(), err), nil
	}
	for _, id := range inverted {
		outcome.IsValid = false
		outcome.Violations = append(outcome.Violations, Violation{
			Rule:     v.Name(),
			Type:     ViolationTypeInvertedSessionTime,
			Severity: SeverityError,
			Message:  fmt.Sprintf("session %s of table %s ended before it started", id, v.sessionsTable),
		})
	}

	return outcome, nil
}

func collectIDs(ctx context.Context, q Querier, query string) ([]string, error) {
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id interface{}
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, rawToString(id))
	}
	return ids, rows.Err()
}

func rawToString(value interface{}) string {
	if b, ok := value.([]byte); ok {
		return string(b)
	}
	return fmt.Sprint(value)
}

func queryErrorOutcome(rule string, err error) ValidationOutcome {
	return ValidationOutcome{
		IsValid: false,
		Violations: []Violation{{
			Rule:     rule,
			Type:     ViolationTypeValidationError,
			Severity: SeverityError,
			Message:  err.Error(),
		}},
	}
}

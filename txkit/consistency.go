/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package txkit

import (
	"context"
)

// Severity defines possible values for the severity of a consistency violation.
type Severity string

// Violation severities.
const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// ViolationTypeValidationError marks a violation synthesized from a validator
// that failed with an error instead of producing an outcome.
const ViolationTypeValidationError = "validation_error"

// Violation is a single business-rule violation found by a validator.
type Violation struct {
	// Rule is the name of the validator that produced the violation.
	Rule     string
	Type     string
	Severity Severity
	Message  string
}

// ValidationOutcome is the result of a single validator run.
type ValidationOutcome struct {
	IsValid    bool
	Violations []Violation
}

// Validator checks one named business rule against the current transaction state.
type Validator interface {
	Name() string
	Validate(ctx context.Context, q Querier) (ValidationOutcome, error)
}

// ConsistencyResult aggregates the outcomes of a validator batch.
type ConsistencyResult struct {
	IsValid    bool
	Violations []Violation
}

// EnforceConsistency runs every validator even if an earlier one fails. A
// validator returning an error is converted into a single violation tagged with
// that validator's name instead of aborting the batch. The aggregate is valid
// only if every validator passed and none errored.
func EnforceConsistency(ctx context.Context, q Querier, validators []Validator) ConsistencyResult {
	result := ConsistencyResult{IsValid: true}
	for _, validator := range validators {
		outcome, err := validator.Validate(ctx, q)
		if err != nil {
			result.IsValid = false
			result.Violations = append(result.Violations, Violation{
				Rule:     validator.Name(),
				Type:     ViolationTypeValidationError,
				Severity: SeverityError,
				Message:  err.Error(),
			})
			continue
		}
		if !outcome.IsValid {
			result.IsValid = false
		}
		result.Violations = append(result.Violations, outcome.Violations...)
	}
	return result
}

/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package txkit

import (
	"context"
	"fmt"

	"github.com/acronis/go-appkit/log"
)

// SagaStepFunc is the forward action of a saga step.
type SagaStepFunc func(ctx context.Context, q Querier) (interface{}, error)

// CompensationFunc undoes the effect of a completed saga step.
type CompensationFunc func(ctx context.Context, q Querier) error

type sagaStep struct {
	name string
	run  SagaStepFunc
}

// SagaStepResult is the outcome of a single completed saga step.
type SagaStepResult struct {
	Name  string
	Value interface{}
}

// Saga runs a sequence of named steps and, on failure, compensates the steps
// that already completed in reverse order. Compensations run within the same
// Querier as the forward steps, so under an open transaction the pattern
// degenerates to a plain rollback; its value shows with a plain *sql.DB or
// across external side effects.
type Saga struct {
	logger        log.FieldLogger
	steps         []sagaStep
	compensations map[string]CompensationFunc
}

// NewSaga creates a new empty saga.
func NewSaga(logger log.FieldLogger) (*Saga, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &Saga{
		logger:        logger,
		compensations: make(map[string]CompensationFunc),
	}, nil
}

// AddStep appends a named forward step.
func (s *Saga) AddStep(name string, run SagaStepFunc) *Saga {
	s.steps = append(s.steps, sagaStep{name: name, run: run})
	return s
}

// AddCompensation registers the compensation for the step with the given name.
// Steps without a registered compensation are skipped during unwinding.
func (s *Saga) AddCompensation(name string, compensate CompensationFunc) *Saga {
	s.compensations[name] = compensate
	return s
}

// Execute runs the steps in registration order. When a step fails, the
// compensations of the strictly prior completed steps run in reverse order and
// the step's error is returned; the failed step itself is never compensated.
// A failing compensation is logged and skipped so the remaining ones still run.
func (s *Saga) Execute(ctx context.Context, q Querier) ([]SagaStepResult, error) {
	completed := make([]SagaStepResult, 0, len(s.steps))
	for _, step := range s.steps {
		value, err := step.run(ctx, q)
		if err != nil {
			s.compensate(ctx, q, completed)
			return nil, fmt.Errorf("saga step %s: %w", step.name, err)
		}
		completed = append(completed, SagaStepResult{Name: step.name, Value: value})
	}
	return completed, nil
}

func (s *Saga) compensate(ctx context.Context, q Querier, completed []SagaStepResult) {
	for i := len(completed) - 1; i >= 0; i-- {
		name := completed[i].Name
		compensate, ok := s.compensations[name]
		if !ok {
			continue
		}
		s.logger.Info(fmt.Sprintf("compensating saga step %s", name))
		if err := compensate(ctx, q); err != nil {
			s.logger.Error(fmt.Sprintf("compensation of saga step %s failed: %v", name, err))
		}
	}
}

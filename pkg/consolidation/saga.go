package consolidation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oceanbase/memtier-go/pkg/types"
)

// Step is one forward action of a saga and the action that undoes it.
//
// Undo must tolerate running when Do failed halfway or never took effect.
type Step struct {
	Name string
	Do   func(ctx context.Context) error
	Undo func(ctx context.Context) error
}

// StepError reports the saga step that failed.
type StepError struct {
	Step string
	Err  error

	// Compensation holds the errors of undo actions that failed in turn.
	Compensation []error
}

func (e *StepError) Error() string {
	if len(e.Compensation) == 0 {
		return fmt.Sprintf("step %s: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("step %s: %v (%d compensations failed)", e.Step, e.Err, len(e.Compensation))
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Saga runs steps in order. Before a step runs its Undo is recorded; when a
// step fails every recorded Undo runs in reverse order.
//
// Each Do and Undo gets its own timeout. Undo runs on a context detached
// from the caller's, so compensation still happens after a cancellation.
type Saga struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewSaga creates a Saga bounding each action by timeout (0 = unbounded).
func NewSaga(timeout time.Duration, logger *slog.Logger) *Saga {
	if logger == nil {
		logger = slog.Default()
	}
	return &Saga{timeout: timeout, logger: logger}
}

// Run executes steps. It returns a *StepError when a step fails, after
// compensating.
func (s *Saga) Run(ctx context.Context, steps ...Step) error {
	var undo []Step
	for _, step := range steps {
		if step.Undo != nil {
			undo = append(undo, step)
		}
		if err := s.call(ctx, step.Do); err != nil {
			stepErr := &StepError{Step: step.Name, Err: types.Translate(err)}
			stepErr.Compensation = s.compensate(ctx, undo)
			return stepErr
		}
	}
	return nil
}

func (s *Saga) compensate(ctx context.Context, undo []Step) []error {
	base := context.WithoutCancel(ctx)
	var errs []error
	for i := len(undo) - 1; i >= 0; i-- {
		step := undo[i]
		if err := s.call(base, step.Undo); err != nil {
			s.logger.ErrorContext(ctx, "saga compensation failed",
				slog.String("step", step.Name), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("undo %s: %w", step.Name, err))
		}
	}
	return errs
}

func (s *Saga) call(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return fn(ctx)
}

package condition

import (
	"context"
	"fmt"
	"time"

	"reminders/internal/reminder"
)

// FlagReader looks up a status flag. found=false means the flag was never
// written; err is reserved for the lookup itself failing.
type FlagReader interface {
	GetFlag(ctx context.Context, key string) (value bool, found bool, err error)
}

// Evaluator decides whether a job should stop repeating.
type Evaluator interface {
	ShouldStop(ctx context.Context, j *reminder.Job, now time.Time) (bool, error)
}

type EvaluatorFunc func(ctx context.Context, j *reminder.Job, now time.Time) (bool, error)

func (f EvaluatorFunc) ShouldStop(ctx context.Context, j *reminder.Job, now time.Time) (bool, error) {
	return f(ctx, j, now)
}

// Checker routes a job to the evaluator registered for its stop condition
// type. Unknown types never stop a job.
type Checker struct {
	evaluators map[string]Evaluator
}

func NewChecker(flags FlagReader) *Checker {
	fc := FlagCheck{Flags: flags}
	return &Checker{evaluators: map[string]Evaluator{
		reminder.StopDBCheck:  fc,
		reminder.StopAPICheck: fc,
		reminder.StopUntil:    EvaluatorFunc(untilCheck),
	}}
}

// Register adds or replaces the evaluator for kind.
func (c *Checker) Register(kind string, e Evaluator) {
	c.evaluators[kind] = e
}

func (c *Checker) ShouldStop(ctx context.Context, j *reminder.Job, now time.Time) (bool, error) {
	e, ok := c.evaluators[j.StopConditionType]
	if !ok {
		return false, nil
	}
	return e.ShouldStop(ctx, j, now)
}

// FlagCheck stops a job once the flag named by its condition value is true.
type FlagCheck struct {
	Flags FlagReader
}

func (f FlagCheck) ShouldStop(ctx context.Context, j *reminder.Job, _ time.Time) (bool, error) {
	if j.StopConditionValue == "" {
		return false, nil
	}
	v, found, err := f.Flags.GetFlag(ctx, j.StopConditionValue)
	if err != nil {
		return false, fmt.Errorf("read status flag %q: %w", j.StopConditionValue, err)
	}
	return found && v, nil
}

func untilCheck(_ context.Context, j *reminder.Job, now time.Time) (bool, error) {
	deadline, err := time.Parse(time.RFC3339, j.StopConditionValue)
	if err != nil {
		return false, fmt.Errorf("parse until condition %q: %w", j.StopConditionValue, err)
	}
	return !now.Before(deadline), nil
}

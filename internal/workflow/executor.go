package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Outcome describes a finished step execution.
type Outcome struct {
	Data      map[string]any
	Attempts  int
	Skipped   bool // guard returned false
	Recovered bool // attempts failed, OnError succeeded
}

// Executor runs single steps: guard, required inputs, per-attempt timeout,
// retries with linear backoff, then the recovery callback.
type Executor struct {
	// Backoff is multiplied by the attempt number between attempts.
	Backoff time.Duration
}

// NewExecutor creates an executor with the given base backoff (default 500ms).
func NewExecutor(backoff time.Duration) *Executor {
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &Executor{Backoff: backoff}
}

// Execute runs step. ErrAwaitInput from the step is returned as is.
func (e *Executor) Execute(ctx context.Context, step *Step, sc *StepContext) (Outcome, error) {
	if step.Guard != nil && !step.Guard(sc) {
		return Outcome{Skipped: true}, nil
	}
	if missing := missingInputs(step.Requires, sc); len(missing) > 0 {
		return Outcome{}, fmt.Errorf("%w: step %q requires %v", ErrPreconditionFailed, step.ID, missing)
	}

	attempts := step.Retries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		data, err := e.attempt(ctx, step, sc)
		if err == nil {
			return Outcome{Data: data, Attempts: attempt}, nil
		}
		if errors.Is(err, ErrAwaitInput) {
			return Outcome{Attempts: attempt}, err
		}
		lastErr = err
		if ctx.Err() != nil {
			return Outcome{Attempts: attempt}, ctx.Err()
		}
		slog.Debug("workflow step attempt failed", "step", step.ID, "attempt", attempt, "error", err)
		if attempt < attempts {
			if err := sleep(ctx, e.Backoff*time.Duration(attempt)); err != nil {
				return Outcome{Attempts: attempt}, err
			}
		}
	}

	serr := &StepError{StepID: step.ID, Attempts: attempts, Err: lastErr}
	if step.OnError == nil {
		return Outcome{Attempts: attempts}, serr
	}
	data, rerr := step.OnError(ctx, sc, lastErr)
	if rerr != nil {
		serr.RecoveryErr = rerr
		return Outcome{Attempts: attempts}, serr
	}
	slog.Info("workflow step recovered", "step", step.ID, "attempts", attempts, "error", lastErr)
	return Outcome{Data: data, Attempts: attempts, Recovered: true}, nil
}

func (e *Executor) attempt(ctx context.Context, step *Step, sc *StepContext) (data map[string]any, err error) {
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %q panicked: %v", step.ID, r)
		}
	}()
	return step.Run(ctx, sc)
}

func missingInputs(keys []string, sc *StepContext) []string {
	var missing []string
	for _, k := range keys {
		if _, ok := sc.Data(k); !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

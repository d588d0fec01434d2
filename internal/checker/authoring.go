package checker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cochaviz/runbox/internal/logging"
	"github.com/cochaviz/runbox/internal/models"
	"github.com/cochaviz/runbox/internal/sandbox"
)

// TaskPreparedCodeInvalidError rejects a task whose setup code errors.
type TaskPreparedCodeInvalidError struct {
	Code   string
	Stdout string
	Stderr string
}

func (e *TaskPreparedCodeInvalidError) Error() string {
	return fmt.Sprintf("prepared code is invalid: %s", lastLine(e.Stderr))
}

// TaskCodeInvalidError rejects a task whose check at Index raised an
// exception outside the suppressed categories.
type TaskCodeInvalidError struct {
	Index  int
	Code   string
	Stderr string
}

func (e *TaskCodeInvalidError) Error() string {
	return fmt.Sprintf("test %d is invalid: %s", e.Index, lastLine(e.Stderr))
}

// Validator pre-flights author-written code before a task is published.
// Every check runs in its own anonymous session.
type Validator struct {
	Creator sandbox.Creator
	Timeout time.Duration
	// Suppressed overrides DefaultSuppressed when non-nil.
	Suppressed []string
	Logger     *slog.Logger
}

// ValidateTask validates the prepared code and checks of task using the
// task's own timeout when the validator has none.
func (v *Validator) ValidateTask(ctx context.Context, task models.CodeTask) error {
	validator := *v
	if validator.Timeout <= 0 {
		validator.Timeout = task.Timeout
	}
	return validator.ValidateAuthoredCode(ctx, task.PreparedCode, task.TestCases())
}

// ValidateAuthoredCode runs preparedCode once and then every wrapped check
// concurrently. The first genuine failure cancels the checks still running
// and is returned once every session has been released.
func (v *Validator) ValidateAuthoredCode(ctx context.Context, preparedCode string, tests []models.TestCase) error {
	if v.Creator == nil {
		return errors.New("validator has no session creator")
	}
	logger := logging.Ensure(v.Logger).With("component", "authoring")

	if err := v.validatePrepared(ctx, preparedCode, logger); err != nil {
		return err
	}

	suppressed := v.Suppressed
	if suppressed == nil {
		suppressed = DefaultSuppressed
	}

	started := time.Now()
	group, groupCtx := errgroup.WithContext(ctx)
	for _, test := range tests {
		group.Go(func() error {
			return v.validateTest(groupCtx, test, suppressed, logger)
		})
	}
	if err := group.Wait(); err != nil {
		logger.Info("authored code rejected", "error", err, "duration", time.Since(started))
		return err
	}

	logger.Info("authored code validated", "tests", len(tests), "duration", time.Since(started))
	return nil
}

func (v *Validator) validatePrepared(ctx context.Context, preparedCode string, logger *slog.Logger) error {
	if preparedCode == "" {
		return nil
	}
	return sandbox.WithSession(ctx, v.Creator, v.Timeout, nil, logger, func(session sandbox.Session) error {
		result, err := session.Execute(ctx, preparedCode, true)
		var invalid *sandbox.CodeInvalidError
		if errors.As(err, &invalid) {
			return &TaskPreparedCodeInvalidError{Code: preparedCode, Stdout: invalid.Stdout, Stderr: invalid.Stderr}
		}
		if err != nil {
			return fmt.Errorf("execute prepared code: %w", err)
		}
		if result.TimedOut {
			return &TaskPreparedCodeInvalidError{Code: preparedCode, Stdout: result.Stdout, Stderr: result.Stderr}
		}
		return nil
	})
}

func (v *Validator) validateTest(ctx context.Context, test models.TestCase, suppressed []string, logger *slog.Logger) error {
	wrapped := wrapForAuthoring(test.Index, test.Code, suppressed)
	return sandbox.WithSession(ctx, v.Creator, v.Timeout, nil, logger, func(session sandbox.Session) error {
		result, err := session.Execute(ctx, wrapped, true)
		var invalid *sandbox.CodeInvalidError
		if errors.As(err, &invalid) {
			return &TaskCodeInvalidError{Index: test.Index, Code: test.Code, Stderr: invalid.Stderr}
		}
		if err != nil {
			return fmt.Errorf("execute test %d: %w", test.Index, err)
		}
		// A check that cannot finish on an empty answer will not finish on
		// a real one either.
		if result.TimedOut {
			return &TaskCodeInvalidError{Index: test.Index, Code: test.Code, Stderr: result.Stderr}
		}
		return nil
	})
}

func lastLine(s string) string {
	lines := nonEmptyLines(s)
	if len(lines) == 0 {
		return "no output"
	}
	return lines[len(lines)-1]
}

package checker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cochaviz/runbox/internal/logging"
	"github.com/cochaviz/runbox/internal/models"
	"github.com/cochaviz/runbox/internal/sandbox"
)

// AllPassed is the failing index reported when every stage passed, and also
// when the submission itself failed before any check ran.
const AllPassed = -1

const passedDiagnostic = "ok"

// TestRunResult is the verdict of one submission check. FailingIndex is
// AllPassed unless a check failed.
type TestRunResult struct {
	Diagnostic   string
	FailingIndex int
	// SubmissionFailed is set when the submission errored before any check
	// ran. FailingIndex is then AllPassed.
	SubmissionFailed bool
}

// Passed reports whether the submission and every check succeeded.
func (r TestRunResult) Passed() bool {
	return r.FailingIndex == AllPassed && !r.SubmissionFailed
}

// CheckSubmission runs preparedCode joined with submission once, then each
// test in declared order inside the same session, stopping at the first
// stage that writes to stderr. Each test sees the previous stage's output
// bound to stdout and stderr. Stage failures are data; a returned error
// means the session itself failed.
func CheckSubmission(ctx context.Context, session sandbox.Session, submission, preparedCode string, tests []models.TestCase, logger *slog.Logger) (TestRunResult, error) {
	logger = logging.Ensure(logger).With("component", "checker", "session_id", session.ID())

	first, err := session.Execute(ctx, joinPrepared(preparedCode, submission), false)
	if err != nil {
		return TestRunResult{}, fmt.Errorf("execute submission: %w", err)
	}
	if first.Failed() {
		logger.Info("submission failed before tests", "timed_out", first.TimedOut)
		return TestRunResult{
			Diagnostic:       submissionDiagnostic(first),
			FailingIndex:     AllPassed,
			SubmissionFailed: true,
		}, nil
	}

	previous := first
	for _, test := range tests {
		started := time.Now()
		result, err := session.Execute(ctx, bindOutputs(previous.Stdout, previous.Stderr, test.Code), false)
		if err != nil {
			return TestRunResult{}, fmt.Errorf("execute test %d: %w", test.Index, err)
		}
		if result.Failed() {
			logger.Info("test failed", "index", test.Index, "timed_out", result.TimedOut, "duration", time.Since(started))
			return TestRunResult{
				Diagnostic:   testDiagnostic(first, test.Index, result),
				FailingIndex: test.Index,
			}, nil
		}
		logger.Debug("test passed", "index", test.Index, "duration", time.Since(started))
		previous = result
	}

	return TestRunResult{Diagnostic: passedDiagnostic, FailingIndex: AllPassed}, nil
}

// CheckTask provisions a session scoped to identity, checks submission
// against task and releases the session on every path.
func CheckTask(ctx context.Context, creator sandbox.Creator, task models.CodeTask, identity *sandbox.Identity, submission string, logger *slog.Logger) (TestRunResult, error) {
	var verdict TestRunResult
	err := sandbox.WithSession(ctx, creator, task.Timeout, identity, logger, func(session sandbox.Session) error {
		var err error
		verdict, err = CheckSubmission(ctx, session, submission, task.PreparedCode, task.TestCases(), logger)
		return err
	})
	return verdict, err
}

func submissionDiagnostic(result sandbox.ExecutionResult) string {
	var b strings.Builder
	writeSection(&b, "Output", result.Stdout)
	writeSection(&b, "Error", result.Stderr)
	return strings.TrimRight(b.String(), "\n")
}

func testDiagnostic(submission sandbox.ExecutionResult, index int, result sandbox.ExecutionResult) string {
	var b strings.Builder
	writeSection(&b, "Output", submission.Stdout)
	writeSection(&b, fmt.Sprintf("Test %d failed", index+1), result.Stderr)
	return strings.TrimRight(b.String(), "\n")
}

func writeSection(b *strings.Builder, title, body string) {
	if strings.TrimSpace(body) == "" {
		return
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	b.WriteString(title)
	b.WriteString(":\n")
	b.WriteString(strings.TrimRight(body, "\n"))
	b.WriteString("\n")
}

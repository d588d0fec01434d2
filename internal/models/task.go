package models

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TestCase is one author-written check in the guest language. Index mirrors
// the position of the check inside its task.
type TestCase struct {
	Index int
	Code  string
}

// CodeTask is the input contract supplied by the task layer: optional setup
// code, the ordered checks, the per-execution timeout and the attempts limit.
type CodeTask struct {
	ID            int64         `yaml:"id"`
	Title         string        `yaml:"title,omitempty"`
	PreparedCode  string        `yaml:"prepared_code,omitempty"`
	Tests         []string      `yaml:"tests"`
	Timeout       time.Duration `yaml:"timeout"`
	AttemptsLimit int           `yaml:"attempts_limit,omitempty"`
}

// TestCases returns the task's checks in declared order.
func (t CodeTask) TestCases() []TestCase {
	return NewTestCases(t.Tests...)
}

// HasPreparedCode reports whether the task carries setup code.
func (t CodeTask) HasPreparedCode() bool {
	return strings.TrimSpace(t.PreparedCode) != ""
}

// AttemptsLeft reports how many submissions remain after used attempts.
// A zero limit means unlimited and always returns -1.
func (t CodeTask) AttemptsLeft(used int) int {
	if t.AttemptsLimit <= 0 {
		return -1
	}
	if used >= t.AttemptsLimit {
		return 0
	}
	return t.AttemptsLimit - used
}

// Validate checks the structural invariants of a task.
func (t CodeTask) Validate() error {
	if t.Timeout <= 0 {
		return fmt.Errorf("task timeout must be positive, got %s", t.Timeout)
	}
	if t.AttemptsLimit < 0 {
		return fmt.Errorf("attempts limit must not be negative, got %d", t.AttemptsLimit)
	}
	if len(t.Tests) == 0 {
		return errors.New("task declares no tests")
	}
	for idx, code := range t.Tests {
		if strings.TrimSpace(code) == "" {
			return fmt.Errorf("test %d is empty", idx)
		}
	}
	return nil
}

// NewTestCases builds test cases whose indices follow argument order.
func NewTestCases(codes ...string) []TestCase {
	if len(codes) == 0 {
		return nil
	}
	cases := make([]TestCase, len(codes))
	for idx, code := range codes {
		cases[idx] = TestCase{Index: idx, Code: code}
	}
	return cases
}

// LoadCodeTask reads and validates a YAML task description.
func LoadCodeTask(path string) (CodeTask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CodeTask{}, fmt.Errorf("read task %s: %w", path, err)
	}
	var task CodeTask
	if err := yaml.Unmarshal(data, &task); err != nil {
		return CodeTask{}, fmt.Errorf("decode task %s: %w", path, err)
	}
	if err := task.Validate(); err != nil {
		return CodeTask{}, fmt.Errorf("invalid task %s: %w", path, err)
	}
	return task, nil
}

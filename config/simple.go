package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cochaviz/runbox/internal/checker"
	"github.com/cochaviz/runbox/internal/logging"
	"github.com/cochaviz/runbox/internal/models"
	"github.com/cochaviz/runbox/internal/sandbox"
)

// RunFragment executes code once in a fresh anonymous session. Stderr
// output is returned as data.
func RunFragment(ctx context.Context, cfg Config, code string, timeout time.Duration, logger *slog.Logger) (sandbox.ExecutionResult, error) {
	logger = logging.Ensure(logger).With("component", "config.simple")

	factory, err := cfg.NewFactory(logger)
	if err != nil {
		return sandbox.ExecutionResult{}, fmt.Errorf("create sandbox factory: %w", err)
	}
	defer factory.Close()

	var result sandbox.ExecutionResult
	err = sandbox.WithSession(ctx, factory, timeout, nil, logger, func(session sandbox.Session) error {
		var err error
		result, err = session.Execute(ctx, code, false)
		return err
	})
	return result, err
}

// CheckSubmission loads the task at taskPath and checks submission against
// it in a session scoped to identity.
func CheckSubmission(ctx context.Context, cfg Config, taskPath, submission string, identity *sandbox.Identity, logger *slog.Logger) (models.CodeTask, checker.TestRunResult, error) {
	logger = logging.Ensure(logger).With("component", "config.simple")

	task, err := models.LoadCodeTask(taskPath)
	if err != nil {
		return models.CodeTask{}, checker.TestRunResult{}, err
	}

	factory, err := cfg.NewFactory(logger)
	if err != nil {
		return task, checker.TestRunResult{}, fmt.Errorf("create sandbox factory: %w", err)
	}
	defer factory.Close()

	logger.Info("checking submission", "task_id", task.ID, "tests", len(task.Tests))
	verdict, err := checker.CheckTask(ctx, factory, task, identity, submission, logger)
	if err != nil {
		return task, checker.TestRunResult{}, err
	}
	return task, verdict, nil
}

// ValidateTask loads the task at taskPath and validates its author-written
// code before publication.
func ValidateTask(ctx context.Context, cfg Config, taskPath string, logger *slog.Logger) (models.CodeTask, error) {
	logger = logging.Ensure(logger).With("component", "config.simple")

	task, err := models.LoadCodeTask(taskPath)
	if err != nil {
		return models.CodeTask{}, err
	}

	factory, err := cfg.NewFactory(logger)
	if err != nil {
		return task, fmt.Errorf("create sandbox factory: %w", err)
	}
	defer factory.Close()

	validator := &checker.Validator{Creator: factory, Logger: logger}
	return task, validator.ValidateTask(ctx, task)
}

// CollectStaleRuns removes VM run directories older than maxAge whose
// hypervisor is gone, as left behind by a crashed host process.
func CollectStaleRuns(cfg Config, maxAge time.Duration, logger *slog.Logger) ([]string, error) {
	logger = logging.Ensure(logger).With("component", "config.simple")

	launcher, err := sandbox.NewVMLauncher(cfg.Sandbox.VM, logger)
	if err != nil {
		return nil, err
	}
	manager, err := sandbox.NewVMManager(cfg.Sandbox.VM, launcher, logger)
	if err != nil {
		return nil, err
	}
	defer manager.Close()

	removed, err := manager.CollectStale(maxAge, time.Now())
	for _, path := range removed {
		logger.Info("removed stale run directory", "path", path)
	}
	return removed, err
}

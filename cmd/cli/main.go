package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cochaviz/runbox/config"
	"github.com/cochaviz/runbox/internal/checker"
	"github.com/cochaviz/runbox/internal/logging"
	"github.com/cochaviz/runbox/internal/models"
	"github.com/cochaviz/runbox/internal/sandbox"
	"github.com/cochaviz/runbox/internal/setup"
)

// errVerdict marks a command that ran to completion but reports a failing
// result. It maps to exit status 1 without an error log line.
var errVerdict = errors.New("failing verdict")

type app struct {
	configPath string
	logLevel   string
	logFormat  string

	levelVar slog.LevelVar
	logger   *slog.Logger
	cfg      config.Config
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{}
	a.levelVar.Set(slog.LevelWarn)
	a.logger = logging.New(logging.ModeCLI, os.Stderr, &a.levelVar)
	slog.SetDefault(a.logger)

	root := newRootCommand(a)
	if err := root.ExecuteContext(ctx); err != nil {
		switch {
		case errors.Is(err, errVerdict):
			os.Exit(1)
		case errors.Is(err, context.Canceled):
			a.logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		a.logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "runbox",
		Short:         "CLI for 'runbox': run and check untrusted code submissions in a sandbox",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", setup.ConfigFile(), "Path to the runbox configuration file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Set log verbosity (debug, info, warning, error); overrides the configuration")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "Set log format (cli, json); overrides the configuration")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return a.configure(cmd, cmd.ErrOrStderr())
	}

	root.AddCommand(
		newExecCommand(a),
		newCheckCommand(a),
		newValidateCommand(a),
		newSetupCommand(a),
		newVMCommand(a),
	)
	return root
}

// configure loads the configuration file, falling back to the defaults
// when the default path has not been written yet, and rebuilds the logger.
func (a *app) configure(cmd *cobra.Command, w io.Writer) error {
	cfg, err := config.Load(a.configPath)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config"):
		cfg = config.DefaultConfig()
	default:
		return err
	}

	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}
	logger, err := cfg.Logger(w, &a.levelVar)
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = logger
	slog.SetDefault(logger)
	setup.SetLogger(logger.With("component", "setup"))
	return nil
}

// verifySetup only warns: development hosts run without `runbox setup`
// using the built-in defaults.
func verifySetup(logger *slog.Logger) {
	logger = logger.With("action", "verify_setup")
	if err := setup.Verify(); err != nil {
		logger.Warn("setup verification failed", "error", err, "hint", "run 'runbox setup' to initialize the host")
		return
	}
	logger.Debug("setup verification succeeded")
}

func newExecCommand(a *app) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "exec <file|->",
		Args:  cobra.ExactArgs(1),
		Short: "Run one code fragment in a fresh sandbox session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := a.logger.With("command", "exec")
			verifySetup(cmdLogger)

			code, err := readSource(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			result, err := config.RunFragment(cmd.Context(), a.cfg, code, timeout, cmdLogger)
			if err != nil {
				return err
			}

			fmt.Fprint(cmd.OutOrStdout(), result.Stdout)
			fmt.Fprint(cmd.ErrOrStderr(), result.Stderr)
			if result.Failed() {
				return errVerdict
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Wall-clock limit for the fragment (default from configuration)")
	return cmd
}

func newCheckCommand(a *app) *cobra.Command {
	var (
		taskPath       string
		submissionPath string
		taskID         int64
		userID         int64
		attemptsUsed   int
	)

	cmd := &cobra.Command{
		Use:   "check",
		Args:  cobra.NoArgs,
		Short: "Check a submission against a task's tests",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := a.logger.With("command", "check", "task", taskPath)
			verifySetup(cmdLogger)

			submission, err := readSource(cmd.InOrStdin(), submissionPath)
			if err != nil {
				return err
			}

			var identity *sandbox.Identity
			if cmd.Flags().Changed("user-id") {
				identity = &sandbox.Identity{TaskID: taskID, UserID: userID}
			}

			task, verdict, err := config.CheckSubmission(cmd.Context(), a.cfg, taskPath, submission, identity, cmdLogger)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "task:\t%d %s\n", task.ID, task.Title)
			fmt.Fprintf(out, "passed:\t%t\n", verdict.Passed())
			fmt.Fprintf(out, "failing_test:\t%d\n", verdict.FailingIndex)
			if left := task.AttemptsLeft(attemptsUsed + 1); left >= 0 {
				fmt.Fprintf(out, "attempts_left:\t%d\n", left)
			}
			fmt.Fprintln(out, verdict.Diagnostic)

			if !verdict.Passed() {
				return errVerdict
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&taskPath, "task", "", "Path to the task YAML file")
	cmd.Flags().StringVar(&submissionPath, "submission", "-", "Path to the submission source, or - for stdin")
	cmd.Flags().Int64Var(&taskID, "task-id", 0, "Task identifier used to scope the session (defaults to the task's id)")
	cmd.Flags().Int64Var(&userID, "user-id", 0, "User identifier used to scope the session")
	cmd.Flags().IntVar(&attemptsUsed, "attempts-used", 0, "Attempts the user made before this one")
	_ = cmd.MarkFlagRequired("task")

	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("user-id") && !cmd.Flags().Changed("task-id") {
			task, err := loadTaskID(taskPath)
			if err != nil {
				return err
			}
			taskID = task
		}
		return nil
	}
	return cmd
}

func newValidateCommand(a *app) *cobra.Command {
	var taskPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Args:  cobra.NoArgs,
		Short: "Validate a task's prepared code and tests before publishing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := a.logger.With("command", "validate", "task", taskPath)
			verifySetup(cmdLogger)

			task, err := config.ValidateTask(cmd.Context(), a.cfg, taskPath, cmdLogger)
			if err != nil {
				if isAuthoringError(err) {
					fmt.Fprintf(cmd.OutOrStdout(), "invalid:\t%v\n", err)
					return errVerdict
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "valid:\t%d %s (%d tests)\n", task.ID, task.Title, len(task.Tests))
			return nil
		},
	}

	cmd.Flags().StringVar(&taskPath, "task", "", "Path to the task YAML file")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func newSetupCommand(a *app) *cobra.Command {
	var (
		clearConfig bool
		teardown    bool
	)

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Initialize the host with the default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := a.logger.With("command", "setup")

			if teardown {
				if err := setup.TeardownHost(a.cfg.HostConfig()); err != nil {
					return fmt.Errorf("tear down host: %w", err)
				}
				cmdLogger.Info("host teardown completed")
				return nil
			}

			alreadyConfigured := setup.Verify() == nil
			if alreadyConfigured && !clearConfig {
				cmdLogger.Warn("system already configured", "hint", "use 'runbox setup --clear' to reinitialize")
				return nil
			}

			if clearConfig {
				logArgs := []any{}
				if alreadyConfigured {
					logArgs = append(logArgs, "action", "reinitializing existing configuration")
				}
				cmdLogger.Info("clearing existing configuration", logArgs...)
				if err := setup.ClearConfig(); err != nil {
					return fmt.Errorf("clear configuration: %w", err)
				}
				cmdLogger.Info("existing configuration cleared")
			}

			if err := setup.SetupHost(cmd.Context(), a.cfg.HostConfig()); err != nil {
				return fmt.Errorf("initialize host: %w", err)
			}

			data, err := config.Marshal(a.cfg)
			if err != nil {
				return err
			}
			if err := setup.WriteConfig(data); err != nil {
				return err
			}
			cmdLogger.Info("host initialization completed", "config", setup.ConfigFile())
			return nil
		},
	}

	cmd.Flags().BoolVarP(&clearConfig, "clear", "C", false, "Remove existing setup configuration before initializing")
	cmd.Flags().BoolVar(&teardown, "teardown", false, "Remove the sandbox network namespace instead of initializing")

	return cmd
}

func newVMCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vm",
		Short: "Maintain the vm backend's run state",
	}
	cmd.AddCommand(newVMOverlayGCCommand(a))
	return cmd
}

func newVMOverlayGCCommand(a *app) *cobra.Command {
	var maxAge time.Duration

	cmd := &cobra.Command{
		Use:   "overlay-gc",
		Args:  cobra.NoArgs,
		Short: "Remove run directories and disk overlays left behind by crashed sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := a.logger.With("command", "vm.overlay-gc", "run_dir", a.cfg.Sandbox.VM.RunDir)

			removed, err := config.CollectStaleRuns(a.cfg, maxAge, cmdLogger)
			for _, path := range removed {
				fmt.Fprintln(cmd.OutOrStdout(), path)
			}
			if err != nil {
				return err
			}
			cmdLogger.Info("stale run directories removed", "count", len(removed))
			return nil
		},
	}

	cmd.Flags().DurationVar(&maxAge, "max-age", time.Hour, "Only remove run directories older than this")
	return cmd
}

func readSource(stdin io.Reader, path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("source path is required")
	}
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

func loadTaskID(path string) (int64, error) {
	task, err := models.LoadCodeTask(path)
	if err != nil {
		return 0, err
	}
	return task.ID, nil
}

func isAuthoringError(err error) bool {
	var prepared *checker.TaskPreparedCodeInvalidError
	var test *checker.TaskCodeInvalidError
	return errors.As(err, &prepared) || errors.As(err, &test)
}

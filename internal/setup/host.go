package setup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strings"
)

const sandboxShell = "/usr/sbin/nologin"

// HostConfig captures what a host needs before sessions can be acquired.
type HostConfig struct {
	SandboxUser   string
	WorkspaceRoot string
	RunDir        string
	Namespace     string
}

// DefaultHostConfig mirrors the defaults of the shipped configuration. Local
// sessions lease uids from a range there, so no account is created.
func DefaultHostConfig() HostConfig {
	return HostConfig{
		WorkspaceRoot: WorkspaceDir(),
		RunDir:        RunDir(),
		Namespace:     "runbox",
	}
}

// SetupHost creates the sandbox account, the storage directories and the
// network namespace named in cfg. Every step is idempotent.
func SetupHost(ctx context.Context, cfg HostConfig) error {
	logger := getLogger()
	if err := requireRoot(); err != nil {
		return err
	}

	if cfg.SandboxUser != "" {
		if err := EnsureSandboxUser(ctx, cfg.SandboxUser); err != nil {
			return err
		}
	}

	for _, dir := range []string{cfg.WorkspaceRoot, cfg.RunDir} {
		if dir == "" {
			continue
		}
		if err := ensureDirectory(dir, 0o711); err != nil {
			return err
		}
		logger.Info("directory ready", "path", dir)
	}

	if cfg.Namespace != "" {
		if err := SetupNamespace(cfg.Namespace); err != nil {
			return err
		}
	}
	return nil
}

// TeardownHost removes the network namespace created by SetupHost. The
// account and directories are left in place.
func TeardownHost(cfg HostConfig) error {
	if err := requireRoot(); err != nil {
		return err
	}
	if cfg.Namespace == "" {
		return nil
	}
	return RemoveNamespace(cfg.Namespace)
}

// EnsureSandboxUser creates a system account without a home directory or
// login shell unless one named name already exists.
func EnsureSandboxUser(ctx context.Context, name string) error {
	logger := getLogger().With("user", name)
	if strings.TrimSpace(name) == "" {
		return errors.New("sandbox user name is empty")
	}

	_, err := user.Lookup(name)
	if err == nil {
		logger.Info("sandbox user already present")
		return nil
	}
	var unknown user.UnknownUserError
	if !errors.As(err, &unknown) {
		return fmt.Errorf("lookup user %s: %w", name, err)
	}

	if err := ensureCommands("useradd"); err != nil {
		return err
	}
	if err := runCommand(ctx, "useradd", "--system", "--no-create-home", "--shell", sandboxShell, name); err != nil {
		return fmt.Errorf("create user %s: %w", name, err)
	}
	logger.Info("sandbox user created")
	return nil
}

func ensureDirectory(path string, perm os.FileMode) error {
	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := os.Chmod(path, perm); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}

func requireRoot() error {
	if os.Geteuid() != 0 {
		return errors.New("run me as root")
	}
	return nil
}

func ensureCommands(names ...string) error {
	for _, name := range names {
		if _, err := exec.LookPath(name); err != nil {
			return fmt.Errorf("%s not found: %w", name, err)
		}
	}
	return nil
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

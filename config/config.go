// Package config loads the runbox host configuration and wires it into the
// end-to-end flows used by the CLI.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/runbox/internal/logging"
	"github.com/cochaviz/runbox/internal/sandbox"
	"github.com/cochaviz/runbox/internal/setup"
)

const (
	DefaultNamespace   = "runbox"
	DefaultSSHUser     = "runbox"
	DefaultSSHPassword = "runbox"
	defaultLogLevel    = "warning"
	defaultLogFormat   = "cli"
)

// DefaultUIDRange is the block of unprivileged uids local sessions lease
// from, one per session. It sits above the range useradd hands out.
var DefaultUIDRange = []uint32{200000, 265535}

// LogConfig selects the handler and verbosity of the process logger.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// Config is the host configuration file written by `runbox setup`.
type Config struct {
	Log     LogConfig      `yaml:"log,omitempty"`
	Sandbox sandbox.Config `yaml:",inline"`
}

// DefaultConfig returns the configuration written on a fresh host.
func DefaultConfig() Config {
	return Config{
		Log: LogConfig{Level: defaultLogLevel, Format: defaultLogFormat},
		Sandbox: sandbox.Config{
			Backend:        sandbox.BackendLocal,
			Interpreter:    append([]string(nil), sandbox.DefaultInterpreter...),
			InterruptGrace: sandbox.DefaultInterruptGrace,
			DefaultTimeout: sandbox.DefaultTimeout,
			Local: sandbox.LocalConfig{
				WorkspaceRoot:    setup.WorkspaceDir(),
				UIDRange:         append([]uint32(nil), DefaultUIDRange...),
				NetworkNamespace: DefaultNamespace,
			},
			VM: sandbox.VMConfig{
				Launcher:    sandbox.LauncherQEMU,
				BaseImage:   filepath.Join(setup.ImageDir(), "base.qcow2"),
				RunDir:      setup.RunDir(),
				SSHUser:     DefaultSSHUser,
				SSHPassword: DefaultSSHPassword,
			},
		},
	}
}

// Load reads path over DefaultConfig. Unknown keys are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data over DefaultConfig and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := DefaultConfig()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Marshal encodes cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(cfg); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// Validate checks the fields NewFactory cannot default.
func (c Config) Validate() error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if _, err := logging.ParseMode(c.Log.Format); err != nil {
		return err
	}
	if len(c.Sandbox.Interpreter) == 0 || strings.TrimSpace(c.Sandbox.Interpreter[0]) == "" {
		return errors.New("interpreter command is empty")
	}
	if c.Sandbox.InterruptGrace < 0 || c.Sandbox.DefaultTimeout < 0 {
		return errors.New("durations must not be negative")
	}

	switch c.Sandbox.Backend {
	case sandbox.BackendLocal:
		local := c.Sandbox.Local
		if strings.TrimSpace(local.WorkspaceRoot) == "" {
			return errors.New("local.workspace_root is required")
		}
		if len(local.UIDRange) > 0 {
			if len(local.UIDRange) != 2 {
				return fmt.Errorf("local.uid_range needs [first, last], got %v", local.UIDRange)
			}
			if local.UIDRange[0] == 0 || local.UIDRange[0] > local.UIDRange[1] {
				return fmt.Errorf("local.uid_range %v is empty or includes root", local.UIDRange)
			}
		}
	case sandbox.BackendVM:
		vm := c.Sandbox.VM
		if strings.TrimSpace(vm.BaseImage) == "" {
			return errors.New("vm.base_image is required")
		}
		if strings.TrimSpace(vm.RunDir) == "" {
			return errors.New("vm.run_dir is required")
		}
		if vm.SSHPassword == "" && vm.SSHKeyPath == "" {
			return errors.New("vm.ssh_password or vm.ssh_key_path is required")
		}
		if vm.CloudInit != "" && !filepath.IsAbs(vm.CloudInit) {
			return fmt.Errorf("vm.cloud_init must be an absolute path to a user-data file, got %q", vm.CloudInit)
		}
		switch vm.Launcher {
		case "", sandbox.LauncherQEMU, sandbox.LauncherLibvirt:
		default:
			return fmt.Errorf("unknown vm.launcher %q", vm.Launcher)
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Sandbox.Backend)
	}
	return nil
}

// Logger builds the process logger described by c.Log, writing to w.
func (c Config) Logger(w io.Writer, level *slog.LevelVar) (*slog.Logger, error) {
	mode, err := logging.ParseMode(c.Log.Format)
	if err != nil {
		return nil, err
	}
	parsed, err := logging.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	if level == nil {
		level = new(slog.LevelVar)
	}
	level.Set(parsed)
	return logging.New(mode, w, level), nil
}

// HostConfig lists what `runbox setup` must prepare for c.
func (c Config) HostConfig() setup.HostConfig {
	host := setup.HostConfig{}
	switch c.Sandbox.Backend {
	case sandbox.BackendVM:
		host.RunDir = c.Sandbox.VM.RunDir
	default:
		// Leased uids need no account.
		if len(c.Sandbox.Local.UIDRange) == 0 {
			host.SandboxUser = c.Sandbox.Local.User
		}
		host.WorkspaceRoot = c.Sandbox.Local.WorkspaceRoot
		host.Namespace = c.Sandbox.Local.NetworkNamespace
	}
	return host
}

// NewFactory builds the session factory for c.
func (c Config) NewFactory(logger *slog.Logger, opts ...sandbox.Option) (*sandbox.Factory, error) {
	return sandbox.NewFactory(c.Sandbox, logger, opts...)
}

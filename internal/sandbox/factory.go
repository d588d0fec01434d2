package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/runbox/internal/logging"
)

// Defaults applied by NewFactory when the configuration leaves them unset.
const (
	DefaultTimeout        = 10 * time.Second
	DefaultInterruptGrace = 2 * time.Second
	DefaultSourceSuffix   = ".py"
)

// DefaultInterpreter runs the guest language in isolated mode without
// writing bytecode caches. Isolated mode ignores PYTHON* variables, so
// interpreter behaviour is set through flags only.
var DefaultInterpreter = []string{"python3", "-I", "-B"}

// Config selects and parameterises the isolation backend.
type Config struct {
	Backend        Backend       `yaml:"backend"`
	Interpreter    []string      `yaml:"interpreter,omitempty"`
	SourceSuffix   string        `yaml:"source_suffix,omitempty"`
	InterruptGrace time.Duration `yaml:"interrupt_grace,omitempty"`
	DefaultTimeout time.Duration `yaml:"default_timeout,omitempty"`

	Local LocalConfig `yaml:"local"`
	VM    VMConfig    `yaml:"vm"`
}

// Factory constructs sessions for the configured backend. Create is pure
// construction; provisioning happens in Session.Acquire.
type Factory struct {
	cfg    Config
	vms    *VMManager
	uids   *uidPool
	logger *slog.Logger
}

var _ Creator = (*Factory)(nil)

// Option customises a Factory.
type Option func(*factoryOptions)

type factoryOptions struct {
	launcher VMLauncher
}

// WithVMLauncher overrides the launcher selected by VMConfig.Launcher.
func WithVMLauncher(launcher VMLauncher) Option {
	return func(o *factoryOptions) {
		o.launcher = launcher
	}
}

// NewFactory validates cfg and returns a factory for its backend.
func NewFactory(cfg Config, logger *slog.Logger, opts ...Option) (*Factory, error) {
	logger = logging.Ensure(logger).With("component", "sandbox")

	var options factoryOptions
	for _, opt := range opts {
		opt(&options)
	}

	if len(cfg.Interpreter) == 0 {
		cfg.Interpreter = append([]string(nil), DefaultInterpreter...)
	}
	if strings.TrimSpace(cfg.Interpreter[0]) == "" {
		return nil, errors.New("interpreter command is empty")
	}
	if cfg.SourceSuffix == "" {
		cfg.SourceSuffix = DefaultSourceSuffix
	}
	if cfg.InterruptGrace <= 0 {
		cfg.InterruptGrace = DefaultInterruptGrace
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}

	factory := &Factory{cfg: cfg, logger: logger}

	switch cfg.Backend {
	case BackendLocal, "":
		factory.cfg.Backend = BackendLocal
		if strings.TrimSpace(cfg.Local.WorkspaceRoot) == "" {
			return nil, errors.New("local backend requires a workspace root")
		}
		if len(cfg.Local.UIDRange) > 0 {
			pool, err := newUIDPool(cfg.Local.UIDRange, filepath.Join(cfg.Local.WorkspaceRoot, uidLeaseDir))
			if err != nil {
				return nil, err
			}
			factory.uids = pool
		}
	case BackendVM:
		launcher := options.launcher
		if launcher == nil {
			var err error
			if launcher, err = NewVMLauncher(cfg.VM, logger); err != nil {
				return nil, err
			}
		}
		manager, err := NewVMManager(cfg.VM, launcher, logger)
		if err != nil {
			return nil, err
		}
		factory.vms = manager
	default:
		return nil, fmt.Errorf("unknown sandbox backend %q", cfg.Backend)
	}

	return factory, nil
}

// Close releases backend-wide resources. Sessions must be released first.
func (f *Factory) Close() error {
	if f.vms == nil {
		return nil
	}
	return f.vms.Close()
}

// Backend reports the isolation variant this factory hands out.
func (f *Factory) Backend() Backend {
	return f.cfg.Backend
}

// Create returns an unprovisioned session. A nil identity yields an
// anonymous session, as used by authoring-time validation. A non-positive
// timeout falls back to the configured default.
func (f *Factory) Create(timeout time.Duration, identity *Identity) Session {
	if timeout <= 0 {
		timeout = f.cfg.DefaultTimeout
	}
	id := sessionID(identity, time.Now())
	logger := f.logger.With("session_id", id, "backend", string(f.cfg.Backend))

	var b backend
	switch f.cfg.Backend {
	case BackendVM:
		b = newVMBackend(f.vms, f.cfg.Interpreter, logger)
	default:
		b = newLocalBackend(f.cfg.Local, f.uids, f.cfg.Interpreter, f.cfg.SourceSuffix, f.cfg.InterruptGrace, logger)
	}
	return newSession(id, timeout, f.cfg.InterruptGrace, b, logger)
}

// WithSession creates and acquires a session, runs fn and releases the
// session exactly once on every path. A teardown failure is logged and
// joined after fn's error, never in place of it.
func WithSession(ctx context.Context, creator Creator, timeout time.Duration, identity *Identity, logger *slog.Logger, fn func(Session) error) (err error) {
	session := creator.Create(timeout, identity)
	defer func() {
		if releaseErr := session.Release(); releaseErr != nil {
			logging.Ensure(logger).Error("release sandbox session", "session_id", session.ID(), "error", releaseErr)
			err = errors.Join(err, releaseErr)
		}
	}()

	if err := session.Acquire(ctx); err != nil {
		return err
	}
	return fn(session)
}

func sessionID(identity *Identity, now time.Time) string {
	if identity == nil {
		return "anon-" + uuid.NewString()
	}
	return fmt.Sprintf("task%d-user%d-%d", identity.TaskID, identity.UserID, now.UnixNano())
}

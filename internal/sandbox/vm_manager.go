package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cochaviz/runbox/arch"
	"github.com/cochaviz/runbox/internal/logging"
)

// Launcher names accepted in VMConfig.Launcher.
const (
	LauncherQEMU    = "qemu"
	LauncherLibvirt = "libvirt"
)

// VM defaults applied by NewVMManager.
const (
	DefaultVMMemoryMB     = 512
	DefaultVMCPUs         = 1
	DefaultVMBootTimeout  = 2 * time.Minute
	DefaultConnectionURI  = "qemu:///session"
	DefaultGuestWorkdir   = "/tmp/runbox"
	DefaultGuestUser      = "runbox"
	overlayFileName       = "disk-overlay.qcow2"
	seedFileName          = "seed.iso"
	pidFileName           = "vm.pid"
	defaultSSHDialTimeout = 5 * time.Second
)

// VMConfig configures the virtual-machine backend.
type VMConfig struct {
	Launcher  string `yaml:"launcher,omitempty"`
	BaseImage string `yaml:"base_image"`
	// Arch is the guest architecture of BaseImage. It defaults to the host
	// architecture and selects the emulator when QEMUBinary is unset.
	Arch          string        `yaml:"arch,omitempty"`
	RunDir        string        `yaml:"run_dir"`
	QEMUBinary    string        `yaml:"qemu_binary,omitempty"`
	MemoryMB      int           `yaml:"memory_mb,omitempty"`
	VCPUs         int           `yaml:"vcpus,omitempty"`
	ConnectionURI string        `yaml:"connection_uri,omitempty"`
	BootTimeout   time.Duration `yaml:"boot_timeout,omitempty"`
	SSHUser       string        `yaml:"ssh_user,omitempty"`
	SSHPassword   string        `yaml:"ssh_password,omitempty"`
	SSHKeyPath    string        `yaml:"ssh_key_path,omitempty"`
	GuestWorkdir  string        `yaml:"guest_workdir,omitempty"`
	// CloudInit points at a user-data document for the seed image. When
	// empty a minimal document enabling the SSH account is generated.
	CloudInit string `yaml:"cloud_init,omitempty"`
	// DisableSeed skips the seed image for base images that are already
	// configured for SSH access.
	DisableSeed bool `yaml:"disable_seed,omitempty"`
}

func (c *VMConfig) applyDefaults() {
	if c.Launcher == "" {
		c.Launcher = LauncherQEMU
	}
	if c.Arch == "" {
		c.Arch = string(arch.Host())
		if c.Arch == "" {
			c.Arch = string(arch.X86_64)
		}
	}
	if c.QEMUBinary == "" {
		c.QEMUBinary = arch.Normalize(c.Arch).QEMUSystemBinary()
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = DefaultVMMemoryMB
	}
	if c.VCPUs <= 0 {
		c.VCPUs = DefaultVMCPUs
	}
	if c.ConnectionURI == "" {
		c.ConnectionURI = DefaultConnectionURI
	}
	if c.BootTimeout <= 0 {
		c.BootTimeout = DefaultVMBootTimeout
	}
	if c.SSHUser == "" {
		c.SSHUser = DefaultGuestUser
	}
	if c.GuestWorkdir == "" {
		c.GuestWorkdir = DefaultGuestWorkdir
	}
}

// VMLauncher starts and stops the hypervisor process for an instance.
type VMLauncher interface {
	// Launch boots inst from its overlay and seed, forwarding inst.Port on
	// the loopback interface to the guest's SSH port.
	Launch(ctx context.Context, inst *VMInstance) error
	// Alive reports whether the hypervisor for inst is still running.
	Alive(inst *VMInstance) bool
	// Terminate stops inst and returns once it is confirmed gone.
	Terminate(inst *VMInstance) error
}

// VMManager owns the lifecycle of throwaway VMs: overlay, seed, port,
// launch and confirmed teardown.
type VMManager struct {
	Config   VMConfig
	launcher VMLauncher
	logger   *slog.Logger
}

// NewVMManager validates cfg and applies defaults.
func NewVMManager(cfg VMConfig, launcher VMLauncher, logger *slog.Logger) (*VMManager, error) {
	if launcher == nil {
		return nil, errors.New("vm launcher is required")
	}
	cfg.applyDefaults()
	if strings.TrimSpace(cfg.BaseImage) == "" {
		return nil, errors.New("vm backend requires a base image")
	}
	if strings.TrimSpace(cfg.RunDir) == "" {
		return nil, errors.New("vm backend requires a run directory")
	}
	guest, err := arch.Parse(cfg.Arch)
	if err != nil {
		return nil, fmt.Errorf("vm guest: %w", err)
	}
	cfg.Arch = string(guest)
	if cfg.SSHPassword == "" && cfg.SSHKeyPath == "" {
		return nil, errors.New("vm backend requires an ssh password or key")
	}
	return &VMManager{
		Config:   cfg,
		launcher: launcher,
		logger:   logging.Ensure(logger),
	}, nil
}

// Provision creates and boots a fresh VM for the session id. On failure
// everything created so far is removed before returning.
func (m *VMManager) Provision(ctx context.Context, id string) (inst *VMInstance, err error) {
	runDir, err := ensureRunDirectory(filepath.Join(m.Config.RunDir, id))
	if err != nil {
		return nil, &ProvisioningError{Backend: BackendVM, Stage: "run directory", Err: err}
	}

	inst = &VMInstance{ID: id, RunDir: runDir, State: VMBooting}
	logger := m.logger.With("vm", id, "run_dir", runDir)

	defer func() {
		if err == nil {
			return
		}
		if cleanupErr := m.Teardown(inst); cleanupErr != nil {
			logger.Error("cleanup after failed vm provisioning", "error", cleanupErr)
		}
		inst = nil
	}()

	fail := func(stage string, err error) error {
		return &ProvisioningError{Backend: BackendVM, Stage: stage, Err: err}
	}

	baseAbs, overlay, err := createDiskOverlay(ctx, m.Config.BaseImage, filepath.Join(runDir, overlayFileName))
	if err != nil {
		return inst, fail("overlay", err)
	}
	inst.OverlayPath = overlay
	logger.Debug("created overlay disk", "base_image", baseAbs, "overlay", overlay)

	if !m.Config.DisableSeed {
		userData, err := m.userData()
		if err != nil {
			return inst, fail("seed", err)
		}
		seed := filepath.Join(runDir, seedFileName)
		if err := writeSeedISO(seed, id, userData); err != nil {
			return inst, fail("seed", err)
		}
		inst.SeedPath = seed
	}

	port, err := reserveLoopbackPort()
	if err != nil {
		return inst, fail("port", err)
	}
	inst.Port = port

	if err := m.launcher.Launch(ctx, inst); err != nil {
		return inst, fail("launch", err)
	}
	if inst.PID > 0 {
		if err := os.WriteFile(filepath.Join(runDir, pidFileName), []byte(strconv.Itoa(inst.PID)), 0o644); err != nil {
			return inst, fail("launch", fmt.Errorf("write pid file: %w", err))
		}
	}
	logger.Info("vm launched", "ssh_address", inst.Address(), "pid", inst.PID)
	return inst, nil
}

// Teardown terminates inst, confirms the hypervisor is gone and removes
// its run directory. It is safe on partially provisioned instances.
func (m *VMManager) Teardown(inst *VMInstance) error {
	if inst == nil {
		return nil
	}

	var errs []error
	if inst.State != VMTerminated {
		if err := m.launcher.Terminate(inst); err != nil {
			errs = append(errs, fmt.Errorf("terminate vm %s: %w", inst.ID, err))
		}
		if m.launcher.Alive(inst) {
			errs = append(errs, fmt.Errorf("vm %s still running after terminate", inst.ID))
		} else {
			inst.State = VMTerminated
		}
	}

	if inst.RunDir != "" {
		if err := os.RemoveAll(inst.RunDir); err != nil {
			errs = append(errs, fmt.Errorf("remove run directory %q: %w", inst.RunDir, err))
		} else if _, err := os.Stat(inst.RunDir); !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("run directory %q still present", inst.RunDir))
		}
	}
	return errors.Join(errs...)
}

// Alive reports whether the hypervisor for inst is still running.
func (m *VMManager) Alive(inst *VMInstance) bool {
	return inst != nil && m.launcher.Alive(inst)
}

// Close releases launcher resources such as a hypervisor connection.
func (m *VMManager) Close() error {
	if closer, ok := m.launcher.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// CollectStale removes run directories under the run root that are older
// than maxAge and whose recorded hypervisor process is gone. It returns
// the removed paths.
func (m *VMManager) CollectStale(maxAge time.Duration, now time.Time) ([]string, error) {
	entries, err := os.ReadDir(m.Config.RunDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read run directory %q: %w", m.Config.RunDir, err)
	}

	var removed []string
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(m.Config.RunDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < maxAge {
			continue
		}
		if pid, ok := readPIDFile(filepath.Join(path, pidFileName)); ok && processAlive(pid) {
			m.logger.Debug("skipping run directory with live vm", "path", path, "pid", pid)
			continue
		}
		// Libvirt domains record no pid; the run directory is named after
		// the instance, so ask the launcher.
		if m.launcher.Alive(&VMInstance{ID: entry.Name(), RunDir: path}) {
			m.logger.Debug("skipping run directory with live vm", "path", path)
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, fmt.Errorf("remove %q: %w", path, err))
			continue
		}
		removed = append(removed, path)
	}
	return removed, errors.Join(errs...)
}

func (m *VMManager) userData() (string, error) {
	if m.Config.CloudInit != "" {
		data, err := os.ReadFile(m.Config.CloudInit)
		if err != nil {
			return "", fmt.Errorf("read cloud-init user data: %w", err)
		}
		return string(data), nil
	}
	authorizedKey, err := authorizedKeyFor(m.Config.SSHKeyPath)
	if err != nil {
		return "", err
	}
	return defaultCloudInit(m.Config.SSHUser, m.Config.SSHPassword, authorizedKey), nil
}

// NewVMLauncher returns the launcher named by cfg.Launcher.
func NewVMLauncher(cfg VMConfig, logger *slog.Logger) (VMLauncher, error) {
	cfg.applyDefaults()
	switch cfg.Launcher {
	case LauncherQEMU:
		return NewQEMULauncher(cfg, logger), nil
	case LauncherLibvirt:
		return NewLibvirtLauncher(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown vm launcher %q", cfg.Launcher)
	}
}

// reserveLoopbackPort asks the kernel for a free loopback port. The port
// is released before the hypervisor binds it.
func reserveLoopbackPort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("reserve loopback port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

func readPIDFile(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

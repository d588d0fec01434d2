package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cochaviz/runbox/arch"
	"github.com/cochaviz/runbox/internal/logging"
)

const qemuExitTimeout = 10 * time.Second

// QEMULauncher runs each VM as a detached qemu-system process with user-mode
// networking.
type QEMULauncher struct {
	cfg    VMConfig
	logger *slog.Logger

	mu    sync.Mutex
	procs map[string]*qemuProcess
}

type qemuProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
	log  *os.File
}

var _ VMLauncher = (*QEMULauncher)(nil)

func NewQEMULauncher(cfg VMConfig, logger *slog.Logger) *QEMULauncher {
	cfg.applyDefaults()
	return &QEMULauncher{
		cfg:    cfg,
		logger: logging.Ensure(logger),
		procs:  map[string]*qemuProcess{},
	}
}

func (l *QEMULauncher) Launch(ctx context.Context, inst *VMInstance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	binary, err := exec.LookPath(l.cfg.QEMUBinary)
	if err != nil {
		return fmt.Errorf("%s not found in PATH: %w", l.cfg.QEMUBinary, err)
	}

	logFile, err := os.OpenFile(filepath.Join(inst.RunDir, "qemu.log"), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open qemu log: %w", err)
	}

	// Not tied to ctx: the VM outlives the provisioning call.
	cmd := exec.Command(binary, qemuArgs(l.cfg, inst, kvmAvailable(l.cfg))...)
	cmd.Dir = inst.RunDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("start %s: %w", l.cfg.QEMUBinary, err)
	}

	proc := &qemuProcess{cmd: cmd, done: make(chan struct{}), log: logFile}
	go func() {
		proc.err = cmd.Wait()
		proc.log.Close()
		close(proc.done)
	}()

	inst.PID = cmd.Process.Pid
	l.mu.Lock()
	l.procs[inst.ID] = proc
	l.mu.Unlock()

	l.logger.Debug("qemu started", "vm", inst.ID, "pid", inst.PID, "port", inst.Port)
	return nil
}

func (l *QEMULauncher) Alive(inst *VMInstance) bool {
	proc := l.lookup(inst.ID)
	if proc == nil {
		return inst.PID > 0 && processAlive(inst.PID)
	}
	select {
	case <-proc.done:
		return false
	default:
		return true
	}
}

func (l *QEMULauncher) Terminate(inst *VMInstance) error {
	proc := l.lookup(inst.ID)
	if proc == nil {
		if inst.PID > 0 && processAlive(inst.PID) {
			if err := unix.Kill(-inst.PID, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
				return fmt.Errorf("kill qemu group %d: %w", inst.PID, err)
			}
		}
		return nil
	}

	// The overlay is discarded, so there is nothing to flush.
	if err := unix.Kill(-proc.cmd.Process.Pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill qemu group %d: %w", proc.cmd.Process.Pid, err)
	}

	select {
	case <-proc.done:
	case <-time.After(qemuExitTimeout):
		return fmt.Errorf("qemu pid %d did not exit within %s", proc.cmd.Process.Pid, qemuExitTimeout)
	}

	l.mu.Lock()
	delete(l.procs, inst.ID)
	l.mu.Unlock()
	l.logger.Debug("qemu stopped", "vm", inst.ID, "pid", inst.PID)
	return nil
}

func (l *QEMULauncher) lookup(id string) *qemuProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[id]
}

func qemuArgs(cfg VMConfig, inst *VMInstance, kvm bool) []string {
	args := []string{
		"-name", inst.ID,
		"-m", strconv.Itoa(cfg.MemoryMB),
		"-smp", strconv.Itoa(cfg.VCPUs),
		"-display", "none",
		"-monitor", "none",
		"-serial", "file:" + filepath.Join(inst.RunDir, "console.log"),
		"-drive", fmt.Sprintf("file=%s,if=virtio,format=qcow2", inst.OverlayPath),
		"-netdev", fmt.Sprintf("user,id=net0,hostfwd=tcp:127.0.0.1:%d-:22", inst.Port),
		"-device", "virtio-net-pci,netdev=net0",
	}
	if inst.SeedPath != "" {
		args = append(args, "-drive", fmt.Sprintf("file=%s,if=virtio,format=raw,readonly=on", inst.SeedPath))
	}
	if kvm {
		args = append(args, "-enable-kvm", "-cpu", "host")
	}
	return args
}

// kvmAvailable reports whether guests of cfg.Arch can run accelerated on
// this host.
func kvmAvailable(cfg VMConfig) bool {
	if !arch.Normalize(cfg.Arch).Accelerated(arch.Host()) {
		return false
	}
	return unix.Access("/dev/kvm", unix.R_OK|unix.W_OK) == nil
}

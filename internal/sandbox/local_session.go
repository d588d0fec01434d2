package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// LocalConfig configures the local-process backend.
type LocalConfig struct {
	// WorkspaceRoot holds one directory per session.
	WorkspaceRoot string `yaml:"workspace_root"`
	// UIDRange is an inclusive [first, last] range of unprivileged uids.
	// When set, every session runs under its own uid leased from the range
	// and User is ignored. Requires root.
	UIDRange []uint32 `yaml:"uid_range,omitempty,flow"`
	// User is the dedicated low-privilege account guest code runs as when
	// no UIDRange is configured. Empty means the caller's own account,
	// which is only suitable for development.
	User string `yaml:"user,omitempty"`
	// NetworkNamespace, when set, names a pre-created network namespace
	// guest processes are started in.
	NetworkNamespace string `yaml:"network_namespace,omitempty"`
}

const guestPath = "/usr/local/bin:/usr/bin:/bin"

type localBackend struct {
	cfg         LocalConfig
	interpreter []string
	suffix      string
	grace       time.Duration
	logger      *slog.Logger
	uids        *uidPool

	workspace   string
	credential  *syscall.Credential
	lease       *uidLease
	interpBin   string
	fragmentSeq int
}

func newLocalBackend(cfg LocalConfig, uids *uidPool, interpreter []string, suffix string, grace time.Duration, logger *slog.Logger) *localBackend {
	return &localBackend{
		cfg:         cfg,
		interpreter: append([]string(nil), interpreter...),
		suffix:      suffix,
		grace:       grace,
		logger:      logger,
		uids:        uids,
	}
}

func (b *localBackend) kind() Backend {
	return BackendLocal
}

func (b *localBackend) provision(ctx context.Context, sessionID string) error {
	fail := func(stage string, err error) error {
		return &ProvisioningError{Backend: BackendLocal, Stage: stage, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return fail("start", err)
	}

	root, err := ensureRunDirectory(b.cfg.WorkspaceRoot)
	if err != nil {
		return fail("workspace root", err)
	}

	credential, err := b.leaseCredential(sessionID)
	if err != nil {
		return fail("privileges", err)
	}
	b.credential = credential

	if err := checkNamespace(b.cfg.NetworkNamespace); err != nil {
		return fail("network namespace", err)
	}

	interpBin, err := exec.LookPath(b.interpreter[0])
	if err != nil {
		return fail("interpreter", err)
	}
	b.interpBin = interpBin

	workspace := filepath.Join(root, sessionID)
	if err := os.Mkdir(workspace, 0o770); err != nil {
		return fail("workspace", fmt.Errorf("create workspace %q: %w", workspace, err))
	}
	b.workspace = workspace
	if err := os.Chmod(workspace, 0o770); err != nil {
		return fail("workspace", fmt.Errorf("chmod workspace %q: %w", workspace, err))
	}
	if credential != nil {
		if err := os.Chown(workspace, int(credential.Uid), int(credential.Gid)); err != nil {
			return fail("workspace", fmt.Errorf("chown workspace %q: %w", workspace, err))
		}
	}

	uid := os.Geteuid()
	if credential != nil {
		uid = int(credential.Uid)
	}
	b.logger.Debug("local workspace prepared",
		"workspace", workspace,
		"uid", uid,
		"network_namespace", b.cfg.NetworkNamespace,
	)
	return nil
}

func (b *localBackend) start(_ context.Context, code string) (fragment, error) {
	if b.workspace == "" {
		return nil, errors.New("workspace not provisioned")
	}

	b.fragmentSeq++
	sourcePath := filepath.Join(b.workspace, fmt.Sprintf("fragment-%03d%s", b.fragmentSeq, b.suffix))
	if err := os.WriteFile(sourcePath, []byte(code), 0o640); err != nil {
		return nil, fmt.Errorf("write fragment: %w", err)
	}
	if b.credential != nil {
		if err := os.Chown(sourcePath, int(b.credential.Uid), int(b.credential.Gid)); err != nil {
			return nil, fmt.Errorf("chown fragment: %w", err)
		}
	}

	args := append(append([]string(nil), b.interpreter[1:]...), sourcePath)
	cmd := exec.Command(b.interpBin, args...)
	cmd.Dir = b.workspace
	cmd.Env = guestEnv(b.workspace)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:    true,
		Credential: b.credential,
	}
	// Bounds Wait when an escaped grandchild keeps the output pipes open.
	cmd.WaitDelay = b.grace

	frag := &localFragment{
		cmd:    cmd,
		stdout: newOutputBuffer(),
		stderr: newOutputBuffer(),
	}
	cmd.Stdout = frag.stdout
	cmd.Stderr = frag.stderr

	if err := startInNamespace(cmd, b.cfg.NetworkNamespace); err != nil {
		return nil, fmt.Errorf("start interpreter: %w", err)
	}
	b.logger.Debug("fragment started", "pid", cmd.Process.Pid, "source", filepath.Base(sourcePath))
	return frag, nil
}

// guestEnv is the complete environment of a guest process. The interpreter
// runs isolated and ignores PYTHON* variables, so none are set.
func guestEnv(workspace string) []string {
	return []string{
		"HOME=" + workspace,
		"TMPDIR=" + workspace,
		"PATH=" + guestPath,
		"LANG=C.UTF-8",
	}
}

// leaseCredential picks the identity guest processes run as: a uid leased
// for this session when a range is configured, the configured account
// otherwise.
func (b *localBackend) leaseCredential(sessionID string) (*syscall.Credential, error) {
	if b.uids == nil {
		return resolveCredential(b.cfg.User)
	}
	if os.Geteuid() != 0 {
		return nil, errors.New("per-session uids require root")
	}

	lease, err := b.uids.acquire(sessionID)
	if err != nil {
		return nil, err
	}
	// A crashed run may have left processes behind under this uid.
	if err := killUID(lease.uid, b.grace); err != nil {
		return nil, errors.Join(fmt.Errorf("clear uid %d: %w", lease.uid, err), lease.release())
	}
	b.lease = lease
	return &syscall.Credential{
		Uid:    lease.uid,
		Gid:    lease.uid,
		Groups: []uint32{},
	}, nil
}

func (b *localBackend) teardown() []error {
	var errs []error
	if b.lease != nil {
		// Every process still running under the session uid is an orphan.
		if err := killUID(b.lease.uid, b.grace); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, b.removeWorkspace()...)
	if len(errs) == 0 && b.lease != nil {
		if err := b.lease.release(); err != nil {
			errs = append(errs, err)
		}
		b.lease = nil
	}
	return errs
}

func (b *localBackend) removeWorkspace() []error {
	if b.workspace == "" {
		return nil
	}
	workspace := b.workspace

	var errs []error
	if err := os.RemoveAll(workspace); err != nil {
		// Guest code may have stripped permissions from its own files.
		if chmodErr := makeTreeWritable(workspace); chmodErr != nil {
			b.logger.Debug("restore workspace permissions", "error", chmodErr)
		}
		if err := os.RemoveAll(workspace); err != nil {
			errs = append(errs, fmt.Errorf("remove workspace %q: %w", workspace, err))
		}
	}
	if _, err := os.Stat(workspace); err == nil {
		errs = append(errs, fmt.Errorf("workspace %q still exists after removal", workspace))
	} else if !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, fmt.Errorf("confirm workspace removal: %w", err))
	}
	if len(errs) == 0 {
		b.workspace = ""
	}
	return errs
}

type localFragment struct {
	cmd    *exec.Cmd
	stdout *outputBuffer
	stderr *outputBuffer

	// stopping is set once the engine itself signals the fragment.
	stopping atomic.Bool
}

func (f *localFragment) wait() error {
	err := f.cmd.Wait()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		f.noteForeignSignal(exitErr)
		return nil
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		return nil
	}
	return err
}

// noteForeignSignal records on stderr that the interpreter died from a
// signal the engine did not send, so the run cannot pass as clean.
func (f *localFragment) noteForeignSignal(exitErr *exec.ExitError) {
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok || !status.Signaled() || f.stopping.Load() {
		return
	}
	_, _ = fmt.Fprintf(f.stderr, "\nterminated by signal %s\n", status.Signal())
}

func (f *localFragment) interrupt() error {
	f.stopping.Store(true)
	return signalTree(f.cmd.Process.Pid, unix.SIGTERM)
}

func (f *localFragment) kill() error {
	f.stopping.Store(true)
	return signalTree(f.cmd.Process.Pid, unix.SIGKILL)
}

func (f *localFragment) output() (string, string) {
	return f.stdout.String(), f.stderr.String()
}

// resolveCredential maps the sandbox account onto the credential guest
// processes are started with. A nil credential means "run as the caller".
func resolveCredential(name string) (*syscall.Credential, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}

	account, err := user.Lookup(name)
	if err != nil {
		return nil, fmt.Errorf("lookup sandbox user %q: %w", name, err)
	}
	uid, err := strconv.ParseUint(account.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parse uid of %q: %w", name, err)
	}
	gid, err := strconv.ParseUint(account.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parse gid of %q: %w", name, err)
	}

	if uid == 0 {
		return nil, fmt.Errorf("sandbox user %q must not be root", name)
	}
	if int(uid) == os.Geteuid() {
		return nil, nil
	}
	if os.Geteuid() != 0 {
		return nil, fmt.Errorf("switching to sandbox user %q requires root", name)
	}

	return &syscall.Credential{
		Uid:    uint32(uid),
		Gid:    uint32(gid),
		Groups: []uint32{},
	}, nil
}

func makeTreeWritable(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return os.Chmod(path, 0o700)
		}
		return nil
	})
}

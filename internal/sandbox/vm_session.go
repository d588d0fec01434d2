package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

const remoteKillTimeout = 5 * time.Second

type vmBackend struct {
	manager     *VMManager
	interpreter []string
	logger      *slog.Logger

	inst        *VMInstance
	client      *ssh.Client
	workdir     string
	fragmentSeq int
}

func newVMBackend(manager *VMManager, interpreter []string, logger *slog.Logger) *vmBackend {
	return &vmBackend{
		manager:     manager,
		interpreter: append([]string(nil), interpreter...),
		logger:      logger,
	}
}

func (b *vmBackend) kind() Backend {
	return BackendVM
}

func (b *vmBackend) provision(ctx context.Context, sessionID string) error {
	inst, err := b.manager.Provision(ctx, sessionID)
	if err != nil {
		return err
	}
	b.inst = inst

	client, err := b.manager.Connect(ctx, inst)
	if err != nil {
		return err
	}
	b.client = client

	workdir := path.Join(b.manager.Config.GuestWorkdir, sessionID)
	if _, err := runRemote(client, "mkdir -p "+shellQuote(workdir)); err != nil {
		return &ProvisioningError{Backend: BackendVM, Stage: "guest workdir", Err: err}
	}
	b.workdir = workdir
	b.logger.Debug("guest workdir prepared", "workdir", workdir, "vm", inst.ID)
	return nil
}

func (b *vmBackend) start(_ context.Context, code string) (fragment, error) {
	if b.client == nil {
		return nil, errors.New("guest shell not connected")
	}

	session, err := b.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh session: %w", err)
	}

	b.fragmentSeq++
	pidFile := path.Join(b.workdir, fmt.Sprintf(".fragment-%03d.pid", b.fragmentSeq))
	command := fmt.Sprintf("cd %s && echo $$ > %s && exec %s -",
		shellQuote(b.workdir), shellQuote(pidFile), shellJoin(b.interpreter))

	frag := &vmFragment{
		client:  b.client,
		session: session,
		pidFile: pidFile,
		stdout:  newOutputBuffer(),
		stderr:  newOutputBuffer(),
	}
	session.Stdin = strings.NewReader(code)
	session.Stdout = frag.stdout
	session.Stderr = frag.stderr

	if err := session.Start(command); err != nil {
		session.Close()
		return nil, fmt.Errorf("start remote interpreter: %w", err)
	}
	return frag, nil
}

func (b *vmBackend) teardown() []error {
	var errs []error
	if b.client != nil {
		if err := b.client.Close(); err != nil && !errors.Is(err, io.EOF) {
			b.logger.Debug("close guest shell", "error", err)
		}
		b.client = nil
	}
	if b.inst != nil {
		if err := b.manager.Teardown(b.inst); err != nil {
			errs = append(errs, err)
		} else {
			b.inst = nil
		}
	}
	return errs
}

type vmFragment struct {
	client  *ssh.Client
	session *ssh.Session
	pidFile string
	stdout  *outputBuffer
	stderr  *outputBuffer
}

func (f *vmFragment) wait() error {
	err := f.session.Wait()
	if err == nil {
		return nil
	}
	var exitErr *ssh.ExitError
	var missingErr *ssh.ExitMissingError
	if errors.As(err, &exitErr) || errors.As(err, &missingErr) {
		return nil
	}
	return err
}

func (f *vmFragment) interrupt() error {
	return f.session.Signal(ssh.SIGINT)
}

// kill stops the remote interpreter through a second channel and then
// closes the fragment's own channel, which unblocks wait.
func (f *vmFragment) kill() error {
	var errs []error
	_ = f.session.Signal(ssh.SIGKILL)

	done := make(chan error, 1)
	go func() {
		_, err := runRemote(f.client, fmt.Sprintf("kill -KILL $(cat %s) 2>/dev/null; rm -f %s",
			shellQuote(f.pidFile), shellQuote(f.pidFile)))
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			errs = append(errs, err)
		}
	case <-time.After(remoteKillTimeout):
		errs = append(errs, fmt.Errorf("remote kill did not finish within %s", remoteKillTimeout))
	}

	if err := f.session.Close(); err != nil && !errors.Is(err, io.EOF) {
		errs = append(errs, fmt.Errorf("close ssh session: %w", err))
	}
	return errors.Join(errs...)
}

func (f *vmFragment) output() (string, string) {
	return f.stdout.String(), f.stderr.String()
}

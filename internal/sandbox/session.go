package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MaxOutputBytes caps each captured stream of a fragment.
const MaxOutputBytes = 1 << 20

const truncationNotice = "\n[output truncated]"

// backend is implemented by each isolation variant. A backend belongs to
// exactly one session and is never used concurrently.
type backend interface {
	kind() Backend
	provision(ctx context.Context, sessionID string) error
	start(ctx context.Context, code string) (fragment, error)
	// teardown removes everything provision created, including partial
	// state left by a failed provision.
	teardown() []error
}

// fragment is one in-flight execution started by a backend.
type fragment interface {
	// wait blocks until the fragment exits. A guest exiting with a non-zero
	// status is not an error; only transport or process failures are.
	wait() error
	// interrupt politely asks the fragment to stop.
	interrupt() error
	// kill forcibly stops the fragment without touching the session.
	kill() error
	output() (stdout, stderr string)
}

// session implements the execution and cancellation protocol shared by all
// backends.
type session struct {
	id      string
	timeout time.Duration
	grace   time.Duration
	backend backend
	logger  *slog.Logger

	mu      sync.Mutex
	state   SessionState
	running fragment

	releaseOnce sync.Once
	releaseErr  error
}

var _ Session = (*session)(nil)

func newSession(id string, timeout, grace time.Duration, b backend, logger *slog.Logger) *session {
	return &session{
		id:      id,
		timeout: timeout,
		grace:   grace,
		backend: b,
		logger:  logger,
		state:   SessionNew,
	}
}

func (s *session) ID() string {
	return s.id
}

func (s *session) Timeout() time.Duration {
	return s.timeout
}

func (s *session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) Acquire(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case SessionNew:
		s.state = SessionProvisioning
	case SessionTornDown:
		s.mu.Unlock()
		return ErrSessionReleased
	default:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("session %s already acquired (state %s)", s.id, state)
	}
	s.mu.Unlock()

	started := time.Now()
	s.logger.Debug("provisioning sandbox session")

	if err := s.backend.provision(ctx, s.id); err != nil {
		if !errors.Is(err, ErrProvisioning) {
			err = &ProvisioningError{Backend: s.backend.kind(), Stage: "provision", Err: err}
		}
		if cleanupErr := newTeardownError(s.id, s.backend.teardown()); cleanupErr != nil {
			s.logger.Error("cleanup after failed provisioning incomplete", "error", cleanupErr)
		}
		s.setState(SessionTornDown)
		s.logger.Error("sandbox provisioning failed", "error", err)
		return err
	}

	s.setState(SessionReady)
	s.logger.Info("sandbox session ready", "duration", time.Since(started).Round(time.Millisecond))
	return nil
}

func (s *session) Execute(ctx context.Context, code string, raiseOnStderr bool) (ExecutionResult, error) {
	if err := s.begin(); err != nil {
		return ExecutionResult{}, err
	}

	frag, err := s.backend.start(ctx, code)
	if err != nil {
		s.end()
		return ExecutionResult{}, fmt.Errorf("start fragment: %w", err)
	}
	s.setRunning(frag)
	defer s.end()

	result, err := s.await(ctx, frag)
	if err != nil {
		return result, err
	}
	if raiseOnStderr && result.Failed() && !result.TimedOut {
		return result, &CodeInvalidError{
			Code:   code,
			Stdout: result.Stdout,
			Stderr: result.Stderr,
		}
	}
	return result, nil
}

func (s *session) Interrupt() error {
	s.mu.Lock()
	frag := s.running
	s.mu.Unlock()
	if frag == nil {
		return nil
	}
	return frag.interrupt()
}

func (s *session) Release() error {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		previous := s.state
		frag := s.running
		s.state = SessionTornDown
		s.mu.Unlock()

		// A failed Acquire already cleaned up after itself.
		if previous == SessionNew || previous == SessionTornDown {
			return
		}

		var errs []error
		if frag != nil {
			if err := frag.kill(); err != nil {
				errs = append(errs, fmt.Errorf("kill running fragment: %w", err))
			}
		}
		errs = append(errs, s.backend.teardown()...)

		s.releaseErr = newTeardownError(s.id, errs)
		if s.releaseErr != nil {
			s.logger.Error("sandbox teardown incomplete", "error", s.releaseErr)
			return
		}
		s.logger.Info("sandbox session released")
	})
	return s.releaseErr
}

// await waits for frag to finish, the session deadline or ctx, whichever
// comes first. The deadline produces a synthesized result, never an error.
func (s *session) await(ctx context.Context, frag fragment) (ExecutionResult, error) {
	done := make(chan error, 1)
	go func() {
		done <- frag.wait()
	}()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		stdout, stderr := frag.output()
		result := ExecutionResult{Stdout: stdout, Stderr: stderr}
		if err != nil {
			return result, fmt.Errorf("wait for fragment: %w", err)
		}
		return result, nil
	case <-timer.C:
		s.logger.Warn("fragment exceeded timeout, interrupting", "timeout", s.timeout)
		s.stop(frag, done)
		stdout, _ := frag.output()
		return ExecutionResult{
			Stdout:   stdout,
			Stderr:   timeoutDiagnostic(s.timeout),
			TimedOut: true,
			Timeout:  s.timeout,
		}, nil
	case <-ctx.Done():
		s.logger.Debug("fragment cancelled", "reason", ctx.Err())
		s.stop(frag, done)
		stdout, stderr := frag.output()
		return ExecutionResult{Stdout: stdout, Stderr: stderr}, ctx.Err()
	}
}

// stop interrupts frag and escalates to kill once the grace period passes.
func (s *session) stop(frag fragment, done <-chan error) {
	if err := frag.interrupt(); err != nil {
		s.logger.Debug("interrupt failed", "error", err)
	}

	grace := time.NewTimer(s.grace)
	defer grace.Stop()
	select {
	case <-done:
		return
	case <-grace.C:
	}

	s.logger.Warn("fragment ignored interrupt, killing", "grace", s.grace)
	if err := frag.kill(); err != nil {
		s.logger.Warn("kill fragment failed", "error", err)
	}

	reaped := time.NewTimer(s.grace)
	defer reaped.Stop()
	select {
	case <-done:
	case <-reaped.C:
		s.logger.Error("fragment still running after kill")
	}
}

func (s *session) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case SessionReady:
		s.state = SessionExecuting
		return nil
	case SessionExecuting:
		return ErrSessionBusy
	case SessionTornDown:
		return ErrSessionReleased
	default:
		return ErrSessionNotReady
	}
}

func (s *session) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = nil
	if s.state == SessionExecuting {
		s.state = SessionReady
	}
}

func (s *session) setRunning(frag fragment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = frag
}

func (s *session) setState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// outputBuffer is a size-capped writer safe for concurrent Write and String.
type outputBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newOutputBuffer() *outputBuffer {
	return &outputBuffer{limit: MaxOutputBytes}
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + truncationNotice
	}
	return b.buf.String()
}

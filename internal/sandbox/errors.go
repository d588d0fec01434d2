package sandbox

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrProvisioning matches every *ProvisioningError.
	ErrProvisioning = errors.New("sandbox provisioning failed")
	// ErrSessionNotReady is returned when Execute is called before Acquire.
	ErrSessionNotReady = errors.New("sandbox session is not ready")
	// ErrSessionBusy is returned when Execute overlaps another Execute.
	ErrSessionBusy = errors.New("sandbox session is already executing")
	// ErrSessionReleased is returned for any call after Release.
	ErrSessionReleased = errors.New("sandbox session has been released")
)

// ProvisioningError reports a failed Acquire. The session is torn down.
type ProvisioningError struct {
	Backend Backend
	Stage   string
	Err     error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provision %s sandbox: %s: %v", e.Backend, e.Stage, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

func (e *ProvisioningError) Is(target error) bool {
	return target == ErrProvisioning
}

// CodeInvalidError is returned by Execute with raiseOnStderr when the
// fragment wrote to stderr.
type CodeInvalidError struct {
	Code   string
	Stdout string
	Stderr string
}

func (e *CodeInvalidError) Error() string {
	return fmt.Sprintf("code wrote to stderr: %s", summaryLine(e.Stderr))
}

// TeardownError collects everything that went wrong while releasing a session.
type TeardownError struct {
	SessionID string
	Errs      []error
}

func (e *TeardownError) Error() string {
	parts := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		parts = append(parts, err.Error())
	}
	return fmt.Sprintf("teardown session %s: %s", e.SessionID, strings.Join(parts, "; "))
}

func (e *TeardownError) Unwrap() []error {
	return e.Errs
}

func newTeardownError(sessionID string, errs []error) error {
	var kept []error
	for _, err := range errs {
		if err != nil {
			kept = append(kept, err)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return &TeardownError{SessionID: sessionID, Errs: kept}
}

func summaryLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		// Tracebacks end with the exception line.
		return strings.TrimSpace(s[idx+1:])
	}
	return s
}

package sandbox

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Backend selects the isolation variant a Factory hands out.
type Backend string

// Supported backends.
const (
	BackendLocal Backend = "local"
	BackendVM    Backend = "vm"
)

// Identity scopes a session to one student's attempt at one task.
type Identity struct {
	TaskID int64
	UserID int64
}

// SessionState tracks the lifecycle of a Session.
type SessionState string

const (
	SessionNew          SessionState = "new"
	SessionProvisioning SessionState = "provisioning"
	SessionReady        SessionState = "ready"
	SessionExecuting    SessionState = "executing"
	SessionTornDown     SessionState = "torn-down"
)

// VMState tracks the lifecycle of a VMInstance.
type VMState string

const (
	VMBooting    VMState = "booting"
	VMReachable  VMState = "reachable"
	VMTerminated VMState = "terminated"
)

// ExecutionResult is the captured output of one fragment. A non-empty Stderr
// is the only failure signal; a nil error from Execute does not imply success.
type ExecutionResult struct {
	Stdout string
	Stderr string

	// TimedOut is set when the fragment was interrupted at the session
	// deadline. Stderr then holds a diagnostic naming Timeout.
	TimedOut bool
	Timeout  time.Duration
}

// Failed reports whether the fragment wrote to stderr.
func (r ExecutionResult) Failed() bool {
	return r.Stderr != ""
}

// Session is one exclusively owned isolated execution environment. It is
// provisioned by Acquire, driven through Execute and destroyed by Release.
type Session interface {
	ID() string
	Timeout() time.Duration
	State() SessionState

	// Acquire provisions the workspace. On failure nothing is left behind.
	Acquire(ctx context.Context) error
	// Execute runs one fragment within the session timeout. When
	// raiseOnStderr is set, a fragment writing to stderr fails with
	// *CodeInvalidError. Timeouts are always returned as data.
	Execute(ctx context.Context, code string, raiseOnStderr bool) (ExecutionResult, error)
	// Interrupt asks the running fragment, if any, to stop.
	Interrupt() error
	// Release tears the session down. Only the first call has an effect.
	Release() error
}

// Creator hands out unprovisioned sessions.
type Creator interface {
	Create(timeout time.Duration, identity *Identity) Session
}

// VMInstance describes the virtual machine backing one VM session.
type VMInstance struct {
	ID          string
	RunDir      string
	OverlayPath string
	SeedPath    string
	Port        int
	PID         int
	State       VMState
}

// Address returns the host-side address forwarded to the guest's SSH port.
func (i *VMInstance) Address() string {
	return "127.0.0.1:" + strconv.Itoa(i.Port)
}

func timeoutDiagnostic(timeout time.Duration) string {
	return fmt.Sprintf("timed out after %s seconds", strconv.FormatFloat(timeout.Seconds(), 'f', -1, 64))
}

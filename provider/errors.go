package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
)

// ErrCancelled is returned when a caller abandons an in-flight provider
// call. The remote side effect is not necessarily stopped.
var ErrCancelled = errors.New("provider call cancelled")

// ProvisionError indicates sandbox creation (or teardown) failed:
// quota exhaustion, an invalid environment, or an unavailable
// daemon/API.
type ProvisionError struct {
	Kind        Kind
	Environment string
	Reason      string
	Err         error
}

func (e *ProvisionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provision failed (%s/%s): %s: %v", e.Kind, e.Environment, e.Reason, e.Err)
	}
	return fmt.Sprintf("provision failed (%s/%s): %s", e.Kind, e.Environment, e.Reason)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// ExecutionError indicates a sandbox-level fault during execution.
// It is distinct from a run that completed with a nonzero exit status;
// that is reported as a successful Result with populated Stderr.
type ExecutionError struct {
	SandboxID string
	Reason    string
	Err       error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("execution failed in sandbox %s: %s: %v", e.SandboxID, e.Reason, e.Err)
	}
	return fmt.Sprintf("execution failed in sandbox %s: %s", e.SandboxID, e.Reason)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// TimeoutError indicates the execution timeout elapsed. The sandbox
// itself is NOT destroyed on timeout; Partial carries whatever output
// was captured before the deadline.
type TimeoutError struct {
	SandboxID string
	Timeout   time.Duration
	Partial   Result
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution in sandbox %s timed out after %s", e.SandboxID, e.Timeout)
}

// FileNotFoundError indicates the requested path does not exist inside
// the sandbox.
type FileNotFoundError struct {
	Path string
}

func (e *FileNotFoundError) Error() string {
	return fmt.Sprintf("file not found in sandbox: %s", e.Path)
}

// FileAccessError indicates a sandbox file operation failed for a
// reason other than the path not existing.
type FileAccessError struct {
	Path string
	Err  error
}

func (e *FileAccessError) Error() string {
	return fmt.Sprintf("file access failed for %s: %v", e.Path, e.Err)
}

func (e *FileAccessError) Unwrap() error { return e.Err }

// transientError marks a fault as likely to succeed on retry.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// MarkTransient wraps err so IsTransient reports true for it. Backends
// use it for network timeouts, 5xx-equivalent responses, and connection
// refusals during create/destroy.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is classified as a transient fault.
// Permanent faults (invalid arguments, quota denial, not-found) must
// never be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var marked *transientError
	if errors.As(err, &marked) {
		return true
	}

	// Cancellation and deadline expiry of the caller's context are not
	// retryable: the caller gave up.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrCancelled) {
		return false
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

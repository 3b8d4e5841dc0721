package tool

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/provider"
)

// Dispatcher resolves tool names and executes them against a sandbox
// with a clamped per-call timeout.
type Dispatcher struct {
	logger   *zap.Logger
	registry *Registry

	// maxTimeout is the system-wide ceiling; a caller-requested timeout
	// above it is clamped, zero means the ceiling applies.
	maxTimeout time.Duration
}

// NewDispatcher creates a Dispatcher over the given registry.
func NewDispatcher(logger *zap.Logger, registry *Registry, maxTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		logger:     logger,
		registry:   registry,
		maxTimeout: maxTimeout,
	}
}

// Registry returns the dispatcher's tool registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch resolves, validates and executes one invocation. Argument
// validation is a precondition check: a malformed mapping or unknown
// tool fails before any provider call. A provider timeout comes back
// as the partial result plus the timeout error; the sandbox is not
// assumed dead.
func (d *Dispatcher) Dispatch(ctx context.Context, target Target, inv Invocation) (Result, error) {
	t, ok := d.registry.Get(inv.Tool)
	if !ok {
		return Result{}, &InvalidArgumentsError{Tool: inv.Tool, Reason: "unknown tool"}
	}

	if err := t.Validate(inv.Args); err != nil {
		return Result{}, err
	}

	timeout := inv.Timeout
	if timeout <= 0 || timeout > d.maxTimeout {
		timeout = d.maxTimeout
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := t.Exec(ctxWithTimeout, target, inv.Args)

	var timeoutErr *provider.TimeoutError
	if errors.As(err, &timeoutErr) {
		// Surface whatever output was captured before the deadline.
		result.Stdout = timeoutErr.Partial.Stdout
		result.Stderr = timeoutErr.Partial.Stderr
		result.ExitCode = timeoutErr.Partial.ExitCode
	}

	d.logger.Debug("tool dispatched",
		zap.String("tool", inv.Tool),
		zap.Duration("elapsed", time.Since(start)),
		zap.Bool("failed", err != nil))

	return result, err
}

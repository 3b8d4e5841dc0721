package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/isdmx/sandboxd/provider"
)

// State is a session lifecycle phase.
type State string

// Lifecycle states. Destroyed and Failed are terminal; a failed
// session holds no live resources and never accepts tool calls.
const (
	StatePending      State = "pending"
	StateProvisioning State = "provisioning"
	StateReady        State = "ready"
	StateDestroying   State = "destroying"
	StateDestroyed    State = "destroyed"
	StateFailed       State = "failed"
)

// InvalidStateError indicates an operation that is illegal for the
// session's current lifecycle phase. No provider call is made.
type InvalidStateError struct {
	ID    string
	State State
	Op    string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("session %s: cannot %s in state %q", e.ID, e.Op, e.State)
}

// Session binds one sandbox instance to one stream of tool
// invocations. All mutation goes through its transition methods, which
// a single mutex serializes.
type Session struct {
	ID          string
	Kind        provider.Kind
	Environment provider.Environment
	CreatedAt   time.Time

	mu           sync.Mutex // serializes lifecycle transitions
	state        State
	handle       *provider.Handle
	lastActivity time.Time
	inflight     int
	flagged      bool // destroy retries exhausted; backend resource may leak

	execMu chan struct{} // per-handle execution lock for exclusive providers

	// lifeCtx is cancelled when destroy begins, releasing in-flight
	// provider waits.
	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	artifacts []provider.Artifact
}

// New allocates a pending session with a fresh id and no backend
// resources.
func New(kind provider.Kind, env provider.Environment) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now().UTC()

	s := &Session{
		ID:           uuid.NewString(),
		Kind:         kind,
		Environment:  env,
		CreatedAt:    now,
		execMu:       make(chan struct{}, 1),
		state:        StatePending,
		lastActivity: now,
		lifeCtx:      ctx,
		lifeCancel:   cancel,
	}
	return s
}

// State returns the current lifecycle state. A reader may observe a
// session mid-transition with its pre-transition state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handle returns the active sandbox handle, nil until provisioned.
func (s *Session) Handle() *provider.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// LastActivity returns the time of the most recent tool call, or the
// creation time if none happened. Idle-reaping built on this is
// external policy; the core never auto-destroys a session.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Touch updates the last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now().UTC()
}

// Flagged reports whether the session was marked for manual
// reconciliation after destroy retries were exhausted.
func (s *Session) Flagged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flagged
}

// Context returns the session lifetime context. It is cancelled when
// destroy begins so in-flight provider calls stop waiting.
func (s *Session) Context() context.Context {
	return s.lifeCtx
}

// BeginProvisioning moves pending → provisioning.
func (s *Session) BeginProvisioning() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePending {
		return &InvalidStateError{ID: s.ID, State: s.state, Op: "provision"}
	}
	s.state = StateProvisioning
	return nil
}

// MarkReady records the provisioned handle and moves provisioning → ready.
func (s *Session) MarkReady(handle *provider.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateProvisioning {
		return &InvalidStateError{ID: s.ID, State: s.state, Op: "mark ready"}
	}
	s.handle = handle
	s.state = StateReady
	return nil
}

// MarkFailed moves provisioning → failed. A failed session holds no
// live resources.
func (s *Session) MarkFailed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateProvisioning {
		return &InvalidStateError{ID: s.ID, State: s.state, Op: "mark failed"}
	}
	s.state = StateFailed
	return nil
}

// BeginInvocation admits a tool call. Only a ready session accepts
// invocations; every other state returns InvalidStateError before any
// provider call is made.
func (s *Session) BeginInvocation() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return &InvalidStateError{ID: s.ID, State: s.state, Op: "invoke tool"}
	}
	s.inflight++
	return nil
}

// EndInvocation marks a tool call finished and updates last-activity,
// on success and failure alike.
func (s *Session) EndInvocation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight--
	s.lastActivity = time.Now().UTC()
}

// Inflight returns the number of tool calls currently executing.
func (s *Session) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

// BeginDestroy moves the session into destroying. Destroy is legal
// from pending, provisioning, ready and failed; a session already
// destroying or destroyed reports already=true so the caller returns
// success without a duplicate provider call. In-flight invocations are
// released via context cancellation; no new ones may start.
func (s *Session) BeginDestroy() (already bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateDestroyed, StateDestroying:
		return true, nil
	case StatePending, StateProvisioning, StateReady, StateFailed:
		s.state = StateDestroying
		s.lifeCancel()
		return false, nil
	default:
		return false, &InvalidStateError{ID: s.ID, State: s.state, Op: "destroy"}
	}
}

// MarkDestroyed finishes teardown. flagged records that the provider
// destroy ultimately failed and the backend resource may still exist.
func (s *Session) MarkDestroyed(flagged bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateDestroyed
	s.flagged = flagged
}

// LockExecution serializes tool execution for providers that declare
// exclusive access. It respects caller cancellation.
func (s *Session) LockExecution(ctx context.Context) error {
	select {
	case s.execMu <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UnlockExecution releases the per-handle execution lock.
func (s *Session) UnlockExecution() {
	<-s.execMu
}

// AddArtifacts accumulates artifacts captured from tool results for
// archival at destroy time.
func (s *Session) AddArtifacts(artifacts []provider.Artifact) {
	if len(artifacts) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts = append(s.artifacts, artifacts...)
}

// Artifacts returns the accumulated artifacts.
func (s *Session) Artifacts() []provider.Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]provider.Artifact, len(s.artifacts))
	copy(out, s.artifacts)
	return out
}

// Info is a read-only snapshot of a session for introspection.
type Info struct {
	ID           string        `json:"id"`
	Provider     provider.Kind `json:"provider"`
	Environment  string        `json:"environment"`
	State        State         `json:"state"`
	SandboxID    string        `json:"sandbox_id,omitempty"`
	Flagged      bool          `json:"flagged,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`
}

// Snapshot returns a consistent copy of the session's observable state.
func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		ID:           s.ID,
		Provider:     s.Kind,
		Environment:  s.Environment.Name,
		State:        s.state,
		Flagged:      s.flagged,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
	}
	if s.handle != nil {
		info.SandboxID = s.handle.ID
	}
	return info
}

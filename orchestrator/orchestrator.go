package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/metrics"
	"github.com/isdmx/sandboxd/provider"
	"github.com/isdmx/sandboxd/retry"
	"github.com/isdmx/sandboxd/session"
	"github.com/isdmx/sandboxd/storage"
	"github.com/isdmx/sandboxd/tool"
)

// Options holds the retry policies applied to provider calls. Destroy
// is retried more aggressively than create: a leaked sandbox is a
// worse outcome than a slow teardown.
type Options struct {
	CreateRetry  retry.Policy
	DestroyRetry retry.Policy
}

// Orchestrator composes the session state machine, the provider
// clients and the tool dispatcher behind one session-oriented
// contract. Safe for concurrent use.
type Orchestrator struct {
	logger     *zap.Logger
	clients    map[provider.Kind]provider.Client
	dispatcher *tool.Dispatcher
	sink       storage.ArtifactSink // nil disables archiving
	collector  *metrics.Collector
	opts       Options

	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// New creates an Orchestrator. sink may be nil when no storage
// collaborator is configured.
func New(
	logger *zap.Logger,
	clients map[provider.Kind]provider.Client,
	dispatcher *tool.Dispatcher,
	sink storage.ArtifactSink,
	collector *metrics.Collector,
	opts Options,
) *Orchestrator {
	if opts.CreateRetry.Classify == nil {
		opts.CreateRetry.Classify = provider.IsTransient
	}
	if opts.DestroyRetry.Classify == nil {
		opts.DestroyRetry.Classify = provider.IsTransient
	}

	return &Orchestrator{
		logger:     logger,
		clients:    clients,
		dispatcher: dispatcher,
		sink:       sink,
		collector:  collector,
		opts:       opts,
		sessions:   make(map[string]*session.Session),
	}
}

// CreateSession provisions a sandbox for the given environment and
// returns the new session id once the session is ready. On provision
// failure the session is left registered in the failed state, holding
// no live resources, and the ProvisionError propagates.
func (o *Orchestrator) CreateSession(ctx context.Context, kind provider.Kind, env provider.Environment) (string, error) {
	client, ok := o.clients[kind]
	if !ok {
		return "", &provider.ProvisionError{Kind: kind, Environment: env.Name,
			Reason: fmt.Sprintf("no client configured for provider %q", kind)}
	}

	sess := session.New(kind, env)

	o.mu.Lock()
	o.sessions[sess.ID] = sess
	o.mu.Unlock()
	o.collector.ActiveSessions.Inc()

	if err := sess.BeginProvisioning(); err != nil {
		return "", err
	}

	o.logger.Info("provisioning session",
		zap.String("session_id", sess.ID),
		zap.String("provider", string(kind)),
		zap.String("environment", env.Name))

	handle, err := retry.Do(ctx, o.opts.CreateRetry, func() (*provider.Handle, error) {
		return client.Create(ctx, env, env.Limits)
	})
	if err != nil {
		if markErr := sess.MarkFailed(); markErr != nil {
			o.logger.Error("failed to mark session failed", zap.String("session_id", sess.ID), zap.Error(markErr))
		}
		o.collector.ProvisionFailures.WithLabelValues(string(kind)).Inc()
		o.logger.Error("session provisioning failed",
			zap.String("session_id", sess.ID),
			zap.String("environment", env.Name),
			zap.Error(err))
		return "", err
	}

	if err := sess.MarkReady(handle); err != nil {
		// Destroy raced provisioning and won; release the fresh sandbox
		// under the same retry policy as a regular teardown.
		o.logger.Warn("session destroyed during provisioning, releasing sandbox",
			zap.String("session_id", sess.ID),
			zap.String("sandbox_id", handle.ID))
		releaseErr := retry.DoVoid(ctx, o.opts.DestroyRetry, func() error {
			return client.Destroy(ctx, handle)
		})
		if releaseErr != nil {
			sess.MarkDestroyed(true)
			o.collector.DestroyFailures.WithLabelValues(string(kind)).Inc()
			o.archive(ctx, sess, handle.ID)
			o.logger.Error("sandbox release after aborted provisioning exhausted retries, flagged for reconciliation",
				zap.String("session_id", sess.ID),
				zap.String("sandbox_id", handle.ID),
				zap.Error(releaseErr))
		}
		return "", err
	}

	o.collector.SessionsCreated.WithLabelValues(string(kind)).Inc()
	o.logger.Info("session ready",
		zap.String("session_id", sess.ID),
		zap.String("sandbox_id", handle.ID))

	return sess.ID, nil
}

// InvokeTool executes one tool invocation inside the session's
// sandbox. Only a ready session accepts invocations; concurrent
// invocations against one session proceed in parallel unless the
// provider requires exclusive access. The last-activity timestamp is
// updated on success and failure alike.
func (o *Orchestrator) InvokeTool(ctx context.Context, sessionID string, inv tool.Invocation) (tool.Result, error) {
	sess, err := o.lookup(sessionID)
	if err != nil {
		return tool.Result{}, err
	}

	if err := sess.BeginInvocation(); err != nil {
		return tool.Result{}, err
	}
	defer sess.EndInvocation()

	client := o.clients[sess.Kind]

	// The invocation stops waiting when either the caller cancels or
	// the session is destroyed underneath it.
	invCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sess.Context(), cancel)
	defer stop()

	if client.ExclusiveExecution() {
		if lockErr := sess.LockExecution(invCtx); lockErr != nil {
			return tool.Result{}, fmt.Errorf("session %s: %w", sessionID, provider.ErrCancelled)
		}
		defer sess.UnlockExecution()
	}

	target := tool.Target{
		Client:  client,
		Handle:  sess.Handle(),
		Runtime: sess.Environment.Runtime,
	}

	start := time.Now()
	result, err := o.dispatcher.Dispatch(invCtx, target, inv)

	status := "ok"
	if err != nil {
		status = "error"
		// Distinguish "session torn down underneath us" from a genuine
		// provider fault.
		if invCtx.Err() == context.Canceled && ctx.Err() == nil {
			err = fmt.Errorf("session %s: %w", sessionID, provider.ErrCancelled)
		}
	}

	o.collector.ToolInvocations.WithLabelValues(inv.Tool, status).Inc()
	o.collector.ToolDuration.WithLabelValues(inv.Tool).Observe(time.Since(start).Seconds())

	sess.AddArtifacts(result.Artifacts)

	return result, err
}

// DestroySession tears down the session's sandbox and evicts it from
// the registry. It succeeds logically even when the provider call
// exhausts its retries: the session is still marked destroyed and the
// leak is flagged for reconciliation via DestroyFailedError. Unknown
// ids are a no-op success so the call can be repeated safely.
func (o *Orchestrator) DestroySession(ctx context.Context, sessionID string) error {
	sess, err := o.lookup(sessionID)
	if err != nil {
		// Already destroyed and evicted, or never existed; either way
		// there is nothing to reclaim.
		o.logger.Debug("destroy of unknown session", zap.String("session_id", sessionID))
		return nil
	}

	already, err := sess.BeginDestroy()
	if err != nil {
		return err
	}
	if already {
		return nil
	}

	client := o.clients[sess.Kind]
	handle := sess.Handle()

	var destroyErr error
	if handle != nil {
		destroyErr = retry.DoVoid(ctx, o.opts.DestroyRetry, func() error {
			return client.Destroy(ctx, handle)
		})
	}

	flagged := destroyErr != nil
	sess.MarkDestroyed(flagged)

	o.mu.Lock()
	delete(o.sessions, sess.ID)
	o.mu.Unlock()
	o.collector.ActiveSessions.Dec()

	o.archive(ctx, sess, "")

	if flagged {
		o.collector.DestroyFailures.WithLabelValues(string(sess.Kind)).Inc()
		o.logger.Error("sandbox teardown exhausted retries, flagged for reconciliation",
			zap.String("session_id", sess.ID),
			zap.String("sandbox_id", handle.ID),
			zap.Error(destroyErr))
		return &DestroyFailedError{ID: sess.ID, Err: destroyErr}
	}

	o.collector.SessionsDestroyed.WithLabelValues(string(sess.Kind)).Inc()
	o.logger.Info("session destroyed", zap.String("session_id", sess.ID))
	return nil
}

// GetSession returns a read-only snapshot of one session.
func (o *Orchestrator) GetSession(sessionID string) (session.Info, error) {
	sess, err := o.lookup(sessionID)
	if err != nil {
		return session.Info{}, err
	}
	return sess.Snapshot(), nil
}

// ListSessions returns snapshots of all live sessions ordered by
// creation time. A session mid-transition appears with its
// pre-transition state.
func (o *Orchestrator) ListSessions() []session.Info {
	o.mu.RLock()
	infos := make([]session.Info, 0, len(o.sessions))
	for _, sess := range o.sessions {
		infos = append(infos, sess.Snapshot())
	}
	o.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Shutdown destroys every live session. Wired to process shutdown so
// no sandbox outlives the orchestrator.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.RLock()
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	o.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		if err := o.DestroySession(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		o.logger.Warn("shutdown completed with teardown failures", zap.Int("failures", len(errs)))
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) lookup(sessionID string) (*session.Session, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	sess, ok := o.sessions[sessionID]
	if !ok {
		return nil, &NotFoundError{ID: sessionID}
	}
	return sess, nil
}

// archive hands the session's metadata and artifacts to the storage
// collaborator. Best effort: an archive failure never blocks teardown.
// sandboxID fills in a handle the session never adopted, as when a
// destroy won the race against provisioning.
func (o *Orchestrator) archive(ctx context.Context, sess *session.Session, sandboxID string) {
	if o.sink == nil {
		return
	}

	info := sess.Snapshot()
	if sandboxID == "" {
		sandboxID = info.SandboxID
	}
	rec := storage.SessionRecord{
		ID:          info.ID,
		Provider:    string(info.Provider),
		Environment: info.Environment,
		SandboxID:   sandboxID,
		Flagged:     info.Flagged,
		CreatedAt:   info.CreatedAt,
		DestroyedAt: time.Now().UTC(),
	}

	var artifacts []storage.ArtifactRecord
	for _, a := range sess.Artifacts() {
		artifacts = append(artifacts, storage.ArtifactRecord{
			SessionID:   info.ID,
			Path:        a.Path,
			ContentType: a.ContentType,
			Data:        a.Data,
			CapturedAt:  rec.DestroyedAt,
		})
	}

	if err := o.sink.ArchiveSession(ctx, rec, artifacts); err != nil {
		o.logger.Error("failed to archive session",
			zap.String("session_id", info.ID),
			zap.Error(err))
	}
}

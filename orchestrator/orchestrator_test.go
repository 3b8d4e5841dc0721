package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/sandboxd/metrics"
	"github.com/isdmx/sandboxd/provider"
	"github.com/isdmx/sandboxd/retry"
	"github.com/isdmx/sandboxd/session"
	"github.com/isdmx/sandboxd/storage"
	"github.com/isdmx/sandboxd/tool"
)

// fakeClient implements provider.Client with scriptable failures
type fakeClient struct {
	mu sync.Mutex

	createErrs  []error // consumed one per Create call
	destroyErrs []error // consumed one per Destroy call
	exclusive   bool

	executeFn func(ctx context.Context, code string) (provider.Result, error)
	createFn  func() // runs mid-create, before the handle is returned

	createCalls  int
	destroyCalls int
	executeCalls int32
	executing    int32
	maxExecuting int32
}

func (f *fakeClient) Create(_ context.Context, env provider.Environment, limits provider.Limits) (*provider.Handle, error) {
	f.mu.Lock()
	f.createCalls++
	n := f.createCalls
	hook := f.createFn
	var err error
	if len(f.createErrs) > 0 {
		err = f.createErrs[0]
		f.createErrs = f.createErrs[1:]
	}
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if hook != nil {
		hook()
	}
	return &provider.Handle{
		ID:        fmt.Sprintf("sbx-%d", n),
		Kind:      provider.KindLocal,
		Limits:    limits,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (f *fakeClient) Execute(ctx context.Context, _ *provider.Handle, code, _ string, _ time.Duration) (provider.Result, error) {
	atomic.AddInt32(&f.executeCalls, 1)
	cur := atomic.AddInt32(&f.executing, 1)
	for {
		max := atomic.LoadInt32(&f.maxExecuting)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxExecuting, max, cur) {
			break
		}
	}
	defer atomic.AddInt32(&f.executing, -1)

	if f.executeFn != nil {
		return f.executeFn(ctx, code)
	}
	return provider.Result{Stdout: "4\n"}, nil
}

func (f *fakeClient) ReadFile(_ context.Context, _ *provider.Handle, _ string) ([]byte, error) {
	return []byte("content"), nil
}

func (f *fakeClient) WriteFile(_ context.Context, _ *provider.Handle, _ string, _ []byte) error {
	return nil
}

func (f *fakeClient) ListFiles(_ context.Context, _ *provider.Handle, _ string) ([]string, error) {
	return []string{"main.py"}, nil
}

func (f *fakeClient) Destroy(_ context.Context, _ *provider.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyCalls++
	if len(f.destroyErrs) > 0 {
		err := f.destroyErrs[0]
		f.destroyErrs = f.destroyErrs[1:]
		return err
	}
	return nil
}

func (f *fakeClient) ExclusiveExecution() bool { return f.exclusive }

// captureSink records archived sessions
type captureSink struct {
	mu        sync.Mutex
	records   []storage.SessionRecord
	artifacts map[string][]storage.ArtifactRecord
}

func (c *captureSink) ArchiveSession(_ context.Context, rec storage.SessionRecord, artifacts []storage.ArtifactRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
	if c.artifacts == nil {
		c.artifacts = map[string][]storage.ArtifactRecord{}
	}
	c.artifacts[rec.ID] = artifacts
	return nil
}

func testEnv() provider.Environment {
	return provider.Environment{Name: "py-basic", Image: "python:3.11-slim", Runtime: "python"}
}

func newTestOrchestrator(t *testing.T, client *fakeClient, sink storage.ArtifactSink) *Orchestrator {
	t.Helper()
	logger := zaptest.NewLogger(t)

	registry := tool.NewRegistry(logger)
	tool.RegisterBuiltins(registry, 1024)
	dispatcher := tool.NewDispatcher(logger, registry, 5*time.Second)

	policy := retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}

	return New(
		logger,
		map[provider.Kind]provider.Client{provider.KindLocal: client},
		dispatcher,
		sink,
		metrics.NewCollector(),
		Options{CreateRetry: policy, DestroyRetry: policy},
	)
}

func TestCreateSession(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		client := &fakeClient{}
		o := newTestOrchestrator(t, client, nil)

		id, err := o.CreateSession(ctx, provider.KindLocal, testEnv())
		require.NoError(t, err)
		require.NotEmpty(t, id)

		info, err := o.GetSession(id)
		require.NoError(t, err)
		assert.Equal(t, session.StateReady, info.State)
		assert.Equal(t, "sbx-1", info.SandboxID)
		assert.Equal(t, 1, client.createCalls)
	})

	t.Run("UnknownProvider", func(t *testing.T) {
		o := newTestOrchestrator(t, &fakeClient{}, nil)

		_, err := o.CreateSession(ctx, provider.KindCloud, testEnv())
		require.Error(t, err)

		var perr *provider.ProvisionError
		require.ErrorAs(t, err, &perr)
	})

	t.Run("RetriesTransientProvisionFaults", func(t *testing.T) {
		client := &fakeClient{
			createErrs: []error{
				provider.MarkTransient(errors.New("daemon starting")),
				provider.MarkTransient(errors.New("daemon starting")),
			},
		}
		o := newTestOrchestrator(t, client, nil)

		id, err := o.CreateSession(ctx, provider.KindLocal, testEnv())
		require.NoError(t, err)

		info, err := o.GetSession(id)
		require.NoError(t, err)
		assert.Equal(t, session.StateReady, info.State)
		assert.Equal(t, 3, client.createCalls)
	})

	t.Run("PermanentFaultFailsWithoutRetry", func(t *testing.T) {
		client := &fakeClient{
			createErrs: []error{errors.New("quota exceeded")},
		}
		o := newTestOrchestrator(t, client, nil)

		_, err := o.CreateSession(ctx, provider.KindLocal, testEnv())
		require.Error(t, err)
		assert.Equal(t, 1, client.createCalls)
	})

	t.Run("ExhaustedRetriesLeaveFailedSession", func(t *testing.T) {
		client := &fakeClient{
			createErrs: []error{
				provider.MarkTransient(errors.New("unavailable")),
				provider.MarkTransient(errors.New("unavailable")),
				provider.MarkTransient(errors.New("unavailable")),
			},
		}
		o := newTestOrchestrator(t, client, nil)

		_, err := o.CreateSession(ctx, provider.KindLocal, testEnv())
		require.Error(t, err)
		assert.Equal(t, 3, client.createCalls)

		// The failed session stays inspectable and holds no resources.
		infos := o.ListSessions()
		require.Len(t, infos, 1)
		assert.Equal(t, session.StateFailed, infos[0].State)
		assert.Empty(t, infos[0].SandboxID)
	})

	t.Run("DestroyDuringProvisioningReleasesSandbox", func(t *testing.T) {
		created := make(chan struct{})
		proceed := make(chan struct{})
		client := &fakeClient{
			createFn: func() {
				close(created)
				<-proceed
			},
		}
		o := newTestOrchestrator(t, client, nil)

		done := make(chan error, 1)
		go func() {
			_, createErr := o.CreateSession(ctx, provider.KindLocal, testEnv())
			done <- createErr
		}()

		<-created
		id := o.ListSessions()[0].ID
		require.NoError(t, o.DestroySession(ctx, id))
		close(proceed)

		require.Error(t, <-done)
		assert.Equal(t, 1, client.destroyCalls)
		assert.Empty(t, o.ListSessions())
	})

	t.Run("ReleaseAfterAbortedProvisioningRetriesAndFlags", func(t *testing.T) {
		flaky := provider.MarkTransient(errors.New("api down"))
		created := make(chan struct{})
		proceed := make(chan struct{})
		client := &fakeClient{
			destroyErrs: []error{flaky, flaky, flaky},
			createFn: func() {
				close(created)
				<-proceed
			},
		}
		sink := &captureSink{}
		o := newTestOrchestrator(t, client, sink)

		done := make(chan error, 1)
		go func() {
			_, createErr := o.CreateSession(ctx, provider.KindLocal, testEnv())
			done <- createErr
		}()

		<-created
		id := o.ListSessions()[0].ID
		require.NoError(t, o.DestroySession(ctx, id))
		close(proceed)
		require.Error(t, <-done)

		// The release ran under the teardown retry policy; exhaustion
		// archives the leaked sandbox as flagged.
		assert.Equal(t, 3, client.destroyCalls)
		require.NotEmpty(t, sink.records)
		last := sink.records[len(sink.records)-1]
		assert.True(t, last.Flagged)
		assert.Equal(t, "sbx-1", last.SandboxID)
	})
}

func TestInvokeTool(t *testing.T) {
	ctx := context.Background()

	t.Run("ExecuteCode", func(t *testing.T) {
		client := &fakeClient{}
		o := newTestOrchestrator(t, client, nil)
		id, err := o.CreateSession(ctx, provider.KindLocal, testEnv())
		require.NoError(t, err)

		result, err := o.InvokeTool(ctx, id, tool.Invocation{
			Tool: tool.NameExecuteCode,
			Args: map[string]any{"code": "print(2+2)"},
		})
		require.NoError(t, err)
		assert.Equal(t, "4\n", result.Stdout)
		assert.Equal(t, 0, result.ExitCode)
	})

	t.Run("NonzeroExitIsSuccess", func(t *testing.T) {
		client := &fakeClient{
			executeFn: func(context.Context, string) (provider.Result, error) {
				return provider.Result{Stderr: "ZeroDivisionError", ExitCode: 1}, nil
			},
		}
		o := newTestOrchestrator(t, client, nil)
		id, err := o.CreateSession(ctx, provider.KindLocal, testEnv())
		require.NoError(t, err)

		result, err := o.InvokeTool(ctx, id, tool.Invocation{
			Tool: tool.NameExecuteCode,
			Args: map[string]any{"code": "1/0"},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, result.ExitCode)
		assert.Contains(t, result.Stderr, "ZeroDivisionError")
	})

	t.Run("UnknownSession", func(t *testing.T) {
		o := newTestOrchestrator(t, &fakeClient{}, nil)

		_, err := o.InvokeTool(ctx, "no-such-id", tool.Invocation{Tool: tool.NameExecuteCode})
		require.Error(t, err)

		var nfe *NotFoundError
		require.ErrorAs(t, err, &nfe)
	})

	t.Run("FailedSessionRejectsInvocations", func(t *testing.T) {
		client := &fakeClient{
			createErrs: []error{errors.New("quota exceeded")},
		}
		o := newTestOrchestrator(t, client, nil)

		_, err := o.CreateSession(ctx, provider.KindLocal, testEnv())
		require.Error(t, err)
		id := o.ListSessions()[0].ID

		_, err = o.InvokeTool(ctx, id, tool.Invocation{
			Tool: tool.NameExecuteCode,
			Args: map[string]any{"code": "pass"},
		})
		require.Error(t, err)

		var ise *session.InvalidStateError
		require.ErrorAs(t, err, &ise)
		assert.Equal(t, session.StateFailed, ise.State)
		assert.Zero(t, atomic.LoadInt32(&client.executeCalls))
	})

	t.Run("UpdatesLastActivity", func(t *testing.T) {
		client := &fakeClient{}
		o := newTestOrchestrator(t, client, nil)
		id, err := o.CreateSession(ctx, provider.KindLocal, testEnv())
		require.NoError(t, err)

		before, err := o.GetSession(id)
		require.NoError(t, err)

		time.Sleep(2 * time.Millisecond)
		_, err = o.InvokeTool(ctx, id, tool.Invocation{
			Tool: tool.NameExecuteCode,
			Args: map[string]any{"code": "pass"},
		})
		require.NoError(t, err)

		after, err := o.GetSession(id)
		require.NoError(t, err)
		assert.True(t, after.LastActivity.After(before.LastActivity))
	})

	t.Run("FileRoundTrip", func(t *testing.T) {
		client := &fakeClient{}
		o := newTestOrchestrator(t, client, nil)
		id, err := o.CreateSession(ctx, provider.KindLocal, testEnv())
		require.NoError(t, err)

		_, err = o.InvokeTool(ctx, id, tool.Invocation{
			Tool: tool.NameFileWrite,
			Args: map[string]any{"path": "/workdir/in.txt", "content": "hello"},
		})
		require.NoError(t, err)

		result, err := o.InvokeTool(ctx, id, tool.Invocation{
			Tool: tool.NameFileRead,
			Args: map[string]any{"path": "/workdir/in.txt"},
		})
		require.NoError(t, err)
		assert.Equal(t, []byte("content"), result.Values["content"])
	})

	t.Run("ExclusiveProviderSerializesExecutions", func(t *testing.T) {
		client := &fakeClient{
			exclusive: true,
			executeFn: func(ctx context.Context, _ string) (provider.Result, error) {
				time.Sleep(5 * time.Millisecond)
				return provider.Result{}, nil
			},
		}
		o := newTestOrchestrator(t, client, nil)
		id, err := o.CreateSession(ctx, provider.KindLocal, testEnv())
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, invErr := o.InvokeTool(ctx, id, tool.Invocation{
					Tool: tool.NameExecuteCode,
					Args: map[string]any{"code": "pass"},
				})
				assert.NoError(t, invErr)
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), atomic.LoadInt32(&client.maxExecuting))
	})
}

func TestDestroySession(t *testing.T) {
	ctx := context.Background()

	t.Run("DestroyAndEvict", func(t *testing.T) {
		client := &fakeClient{}
		o := newTestOrchestrator(t, client, nil)
		id, err := o.CreateSession(ctx, provider.KindLocal, testEnv())
		require.NoError(t, err)

		require.NoError(t, o.DestroySession(ctx, id))
		assert.Equal(t, 1, client.destroyCalls)

		_, err = o.GetSession(id)
		var nfe *NotFoundError
		require.ErrorAs(t, err, &nfe)
	})

	t.Run("IdempotentAfterEviction", func(t *testing.T) {
		client := &fakeClient{}
		o := newTestOrchestrator(t, client, nil)
		id, err := o.CreateSession(ctx, provider.KindLocal, testEnv())
		require.NoError(t, err)

		require.NoError(t, o.DestroySession(ctx, id))
		require.NoError(t, o.DestroySession(ctx, id))
		assert.Equal(t, 1, client.destroyCalls)
	})

	t.Run("UnknownIDIsNoop", func(t *testing.T) {
		o := newTestOrchestrator(t, &fakeClient{}, nil)
		require.NoError(t, o.DestroySession(ctx, "never-existed"))
	})

	t.Run("FailedSessionNeedsNoProviderCall", func(t *testing.T) {
		client := &fakeClient{
			createErrs: []error{errors.New("quota exceeded")},
		}
		o := newTestOrchestrator(t, client, nil)
		_, err := o.CreateSession(ctx, provider.KindLocal, testEnv())
		require.Error(t, err)
		id := o.ListSessions()[0].ID

		require.NoError(t, o.DestroySession(ctx, id))
		assert.Equal(t, 0, client.destroyCalls)
		assert.Empty(t, o.ListSessions())
	})

	t.Run("RetriesTransientTeardownFaults", func(t *testing.T) {
		client := &fakeClient{
			destroyErrs: []error{provider.MarkTransient(errors.New("api flake"))},
		}
		o := newTestOrchestrator(t, client, nil)
		id, err := o.CreateSession(ctx, provider.KindLocal, testEnv())
		require.NoError(t, err)

		require.NoError(t, o.DestroySession(ctx, id))
		assert.Equal(t, 2, client.destroyCalls)
	})

	t.Run("ExhaustedTeardownFlagsAndEvicts", func(t *testing.T) {
		flaky := provider.MarkTransient(errors.New("api down"))
		client := &fakeClient{destroyErrs: []error{flaky, flaky, flaky}}
		sink := &captureSink{}
		o := newTestOrchestrator(t, client, sink)
		id, err := o.CreateSession(ctx, provider.KindLocal, testEnv())
		require.NoError(t, err)

		err = o.DestroySession(ctx, id)
		require.Error(t, err)

		var dfe *DestroyFailedError
		require.ErrorAs(t, err, &dfe)
		assert.Equal(t, id, dfe.ID)
		assert.Equal(t, 3, client.destroyCalls)

		// Evicted despite the failure; the leak is archived as flagged.
		assert.Empty(t, o.ListSessions())
		require.Len(t, sink.records, 1)
		assert.True(t, sink.records[0].Flagged)
	})

	t.Run("ArchivesArtifactsOnDestroy", func(t *testing.T) {
		client := &fakeClient{
			executeFn: func(context.Context, string) (provider.Result, error) {
				return provider.Result{
					Stdout: "ok\n",
					Artifacts: []provider.Artifact{
						{Path: "/workdir/plot.png", ContentType: "image/png", Data: []byte{1, 2}},
					},
				}, nil
			},
		}
		sink := &captureSink{}
		o := newTestOrchestrator(t, client, sink)
		id, err := o.CreateSession(ctx, provider.KindLocal, testEnv())
		require.NoError(t, err)

		_, err = o.InvokeTool(ctx, id, tool.Invocation{
			Tool: tool.NameExecuteCode,
			Args: map[string]any{"code": "plot()"},
		})
		require.NoError(t, err)

		require.NoError(t, o.DestroySession(ctx, id))
		require.Len(t, sink.records, 1)
		assert.Equal(t, "py-basic", sink.records[0].Environment)
		require.Len(t, sink.artifacts[id], 1)
		assert.Equal(t, "/workdir/plot.png", sink.artifacts[id][0].Path)
	})

	t.Run("CancelsInflightInvocations", func(t *testing.T) {
		started := make(chan struct{})
		client := &fakeClient{
			executeFn: func(ctx context.Context, _ string) (provider.Result, error) {
				close(started)
				<-ctx.Done()
				return provider.Result{}, ctx.Err()
			},
		}
		o := newTestOrchestrator(t, client, nil)
		id, err := o.CreateSession(ctx, provider.KindLocal, testEnv())
		require.NoError(t, err)

		invDone := make(chan error, 1)
		go func() {
			_, invErr := o.InvokeTool(ctx, id, tool.Invocation{
				Tool: tool.NameExecuteCode,
				Args: map[string]any{"code": "sleep forever"},
			})
			invDone <- invErr
		}()

		<-started
		require.NoError(t, o.DestroySession(ctx, id))

		select {
		case invErr := <-invDone:
			require.Error(t, invErr)
			assert.ErrorIs(t, invErr, provider.ErrCancelled)
		case <-time.After(2 * time.Second):
			t.Fatal("invocation not released by destroy")
		}
	})

	t.Run("ConcurrentDestroyCallsDestroyOnce", func(t *testing.T) {
		client := &fakeClient{}
		o := newTestOrchestrator(t, client, nil)
		id, err := o.CreateSession(ctx, provider.KindLocal, testEnv())
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, o.DestroySession(ctx, id))
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, client.destroyCalls)
	})
}

func TestConcurrentInvokesWithDestroy(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{
		executeFn: func(ctx context.Context, _ string) (provider.Result, error) {
			select {
			case <-time.After(time.Duration(1+time.Now().UnixNano()%5) * time.Millisecond):
				return provider.Result{Stdout: "done"}, nil
			case <-ctx.Done():
				return provider.Result{}, ctx.Err()
			}
		},
	}
	o := newTestOrchestrator(t, client, nil)
	id, err := o.CreateSession(ctx, provider.KindLocal, testEnv())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Either a result or a clean rejection; never a panic or hang.
			o.InvokeTool(ctx, id, tool.Invocation{ //nolint:errcheck
				Tool: tool.NameExecuteCode,
				Args: map[string]any{"code": "pass"},
			})
		}()
	}

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, o.DestroySession(ctx, id))
	wg.Wait()

	assert.Equal(t, 1, client.destroyCalls)
	assert.Empty(t, o.ListSessions())
}

func TestListSessions(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, &fakeClient{}, nil)

	assert.Empty(t, o.ListSessions())

	id1, err := o.CreateSession(ctx, provider.KindLocal, testEnv())
	require.NoError(t, err)
	id2, err := o.CreateSession(ctx, provider.KindLocal, testEnv())
	require.NoError(t, err)

	infos := o.ListSessions()
	require.Len(t, infos, 2)
	assert.Equal(t, id1, infos[0].ID)
	assert.Equal(t, id2, infos[1].ID)
}

func TestShutdown(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{}
	sink := &captureSink{}
	o := newTestOrchestrator(t, client, sink)

	for i := 0; i < 3; i++ {
		_, err := o.CreateSession(ctx, provider.KindLocal, testEnv())
		require.NoError(t, err)
	}

	require.NoError(t, o.Shutdown(ctx))
	assert.Empty(t, o.ListSessions())
	assert.Equal(t, 3, client.destroyCalls)
	assert.Len(t, sink.records, 3)
}

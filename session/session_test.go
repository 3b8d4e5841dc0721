package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/sandboxd/provider"
)

func newReadySession(t *testing.T) *Session {
	t.Helper()
	s := New(provider.KindLocal, provider.Environment{Name: "py-basic", Runtime: "python"})
	require.NoError(t, s.BeginProvisioning())
	require.NoError(t, s.MarkReady(&provider.Handle{ID: "sbx-1", Kind: provider.KindLocal}))
	return s
}

func TestNewSession(t *testing.T) {
	s := New(provider.KindLocal, provider.Environment{Name: "py-basic"})

	assert.NotEmpty(t, s.ID)
	assert.Equal(t, StatePending, s.State())
	assert.Nil(t, s.Handle())
	assert.False(t, s.LastActivity().IsZero())

	other := New(provider.KindLocal, provider.Environment{Name: "py-basic"})
	assert.NotEqual(t, s.ID, other.ID)
}

func TestLifecycleTransitions(t *testing.T) {
	t.Run("HappyPath", func(t *testing.T) {
		s := New(provider.KindLocal, provider.Environment{Name: "py-basic"})

		require.NoError(t, s.BeginProvisioning())
		assert.Equal(t, StateProvisioning, s.State())

		require.NoError(t, s.MarkReady(&provider.Handle{ID: "sbx-1"}))
		assert.Equal(t, StateReady, s.State())
		assert.Equal(t, "sbx-1", s.Handle().ID)

		already, err := s.BeginDestroy()
		require.NoError(t, err)
		assert.False(t, already)
		assert.Equal(t, StateDestroying, s.State())

		s.MarkDestroyed(false)
		assert.Equal(t, StateDestroyed, s.State())
		assert.False(t, s.Flagged())
	})

	t.Run("ProvisioningFailure", func(t *testing.T) {
		s := New(provider.KindLocal, provider.Environment{Name: "py-basic"})
		require.NoError(t, s.BeginProvisioning())
		require.NoError(t, s.MarkFailed())
		assert.Equal(t, StateFailed, s.State())

		// A failed session still allows destroy so it can be evicted.
		already, err := s.BeginDestroy()
		require.NoError(t, err)
		assert.False(t, already)
	})

	t.Run("ProvisionTwice", func(t *testing.T) {
		s := New(provider.KindLocal, provider.Environment{Name: "py-basic"})
		require.NoError(t, s.BeginProvisioning())

		err := s.BeginProvisioning()
		require.Error(t, err)

		var ise *InvalidStateError
		require.ErrorAs(t, err, &ise)
		assert.Equal(t, StateProvisioning, ise.State)
	})

	t.Run("MarkReadyAfterDestroy", func(t *testing.T) {
		s := New(provider.KindLocal, provider.Environment{Name: "py-basic"})
		require.NoError(t, s.BeginProvisioning())

		_, err := s.BeginDestroy()
		require.NoError(t, err)

		err = s.MarkReady(&provider.Handle{ID: "sbx-1"})
		require.Error(t, err)
	})
}

func TestBeginInvocation(t *testing.T) {
	t.Run("OnlyReadyAcceptsInvocations", func(t *testing.T) {
		s := New(provider.KindLocal, provider.Environment{Name: "py-basic"})

		err := s.BeginInvocation()
		require.Error(t, err)

		var ise *InvalidStateError
		require.ErrorAs(t, err, &ise)
		assert.Equal(t, StatePending, ise.State)
	})

	t.Run("TracksInflight", func(t *testing.T) {
		s := newReadySession(t)

		require.NoError(t, s.BeginInvocation())
		require.NoError(t, s.BeginInvocation())
		assert.Equal(t, 2, s.Inflight())

		s.EndInvocation()
		assert.Equal(t, 1, s.Inflight())
	})

	t.Run("EndInvocationTouchesActivity", func(t *testing.T) {
		s := newReadySession(t)
		before := s.LastActivity()

		time.Sleep(2 * time.Millisecond)
		require.NoError(t, s.BeginInvocation())
		s.EndInvocation()

		assert.True(t, s.LastActivity().After(before))
	})

	t.Run("RejectedAfterDestroyBegins", func(t *testing.T) {
		s := newReadySession(t)
		_, err := s.BeginDestroy()
		require.NoError(t, err)

		err = s.BeginInvocation()
		require.Error(t, err)
	})
}

func TestBeginDestroy(t *testing.T) {
	t.Run("IdempotentWhileDestroying", func(t *testing.T) {
		s := newReadySession(t)

		already, err := s.BeginDestroy()
		require.NoError(t, err)
		assert.False(t, already)

		already, err = s.BeginDestroy()
		require.NoError(t, err)
		assert.True(t, already)

		s.MarkDestroyed(false)
		already, err = s.BeginDestroy()
		require.NoError(t, err)
		assert.True(t, already)
	})

	t.Run("CancelsLifetimeContext", func(t *testing.T) {
		s := newReadySession(t)

		select {
		case <-s.Context().Done():
			t.Fatal("context done before destroy")
		default:
		}

		_, err := s.BeginDestroy()
		require.NoError(t, err)

		select {
		case <-s.Context().Done():
		case <-time.After(time.Second):
			t.Fatal("context not cancelled by destroy")
		}
	})

	t.Run("FlaggedOnExhaustedTeardown", func(t *testing.T) {
		s := newReadySession(t)
		_, err := s.BeginDestroy()
		require.NoError(t, err)

		s.MarkDestroyed(true)
		assert.Equal(t, StateDestroyed, s.State())
		assert.True(t, s.Flagged())
	})

	t.Run("OnlyOneCallerWinsConcurrently", func(t *testing.T) {
		s := newReadySession(t)

		var wg sync.WaitGroup
		wins := make(chan bool, 20)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				already, err := s.BeginDestroy()
				require.NoError(t, err)
				if !already {
					wins <- true
				}
			}()
		}
		wg.Wait()
		close(wins)

		assert.Len(t, wins, 1)
	})
}

func TestLockExecution(t *testing.T) {
	t.Run("Serializes", func(t *testing.T) {
		s := newReadySession(t)
		require.NoError(t, s.LockExecution(context.Background()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		err := s.LockExecution(ctx)
		require.Error(t, err)

		s.UnlockExecution()
		require.NoError(t, s.LockExecution(context.Background()))
		s.UnlockExecution()
	})
}

func TestArtifacts(t *testing.T) {
	s := newReadySession(t)

	s.AddArtifacts(nil)
	assert.Empty(t, s.Artifacts())

	s.AddArtifacts([]provider.Artifact{{Path: "/workdir/plot.png", ContentType: "image/png"}})
	s.AddArtifacts([]provider.Artifact{{Path: "/workdir/out.csv", ContentType: "text/csv"}})

	arts := s.Artifacts()
	require.Len(t, arts, 2)
	assert.Equal(t, "/workdir/plot.png", arts[0].Path)
}

func TestSnapshot(t *testing.T) {
	s := newReadySession(t)
	info := s.Snapshot()

	assert.Equal(t, s.ID, info.ID)
	assert.Equal(t, provider.KindLocal, info.Provider)
	assert.Equal(t, "py-basic", info.Environment)
	assert.Equal(t, StateReady, info.State)
	assert.Equal(t, "sbx-1", info.SandboxID)
	assert.False(t, info.Flagged)
}

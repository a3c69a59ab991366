package nexus

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultWorkerCount(t *testing.T) {
	assert.Equal(t, 1, defaultWorkerCount(true))
	assert.GreaterOrEqual(t, defaultWorkerCount(false), 1)
}

func TestRuntimeStartTwiceFails(t *testing.T) {
	rt := New(WithWorkerCount(1))
	rt.AddService(ServiceFunc{ServiceName: "noop"})
	require.NoError(t, rt.Start())
	defer rt.Shutdown()

	assert.ErrorIs(t, rt.Start(), ErrAlreadyStarted)
}

func TestRuntimeNextWorkerLoopRoundRobins(t *testing.T) {
	rt := New(WithWorkerCount(3))
	rt.AddService(ServiceFunc{ServiceName: "noop"})
	require.NoError(t, rt.Start())
	defer rt.Shutdown()

	first := rt.NextWorkerLoop()
	second := rt.NextWorkerLoop()
	third := rt.NextWorkerLoop()
	fourth := rt.NextWorkerLoop()

	assert.NotEqual(t, first.ID(), second.ID())
	assert.NotEqual(t, second.ID(), third.ID())
	assert.Equal(t, first.ID(), fourth.ID())
}

func TestRuntimeRunsServiceInitAndRun(t *testing.T) {
	var initCalled, runCalled atomic.Bool
	rt := New(WithWorkerCount(1))
	rt.AddService(ServiceFunc{
		ServiceName: "tracked",
		InitFunc:    func(rt *Runtime) error { initCalled.Store(true); return nil },
		RunFunc:     func(rt *Runtime) error { runCalled.Store(true); return nil },
	})
	require.NoError(t, rt.Start())
	defer rt.Shutdown()

	assert.True(t, initCalled.Load())
	assert.True(t, runCalled.Load())
}

func TestRuntimeContinuesAfterServiceInitFailure(t *testing.T) {
	var secondRan atomic.Bool
	rt := New(WithWorkerCount(1))
	rt.AddService(ServiceFunc{
		ServiceName: "broken",
		InitFunc:    func(rt *Runtime) error { return errors.New("init boom") },
		RunFunc:     func(rt *Runtime) error { t.Fatal("Run must not execute after Init failure"); return nil },
	})
	rt.AddService(ServiceFunc{
		ServiceName: "healthy",
		RunFunc:     func(rt *Runtime) error { secondRan.Store(true); return nil },
	})
	require.NoError(t, rt.Start())
	defer rt.Shutdown()

	assert.True(t, secondRan.Load())
}

func TestRuntimeAutoShutdownWhenIdle(t *testing.T) {
	rt := New(WithWorkerCount(1))
	require.NoError(t, rt.Start())

	done := make(chan struct{})
	go func() {
		rt.Join()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runtime with no services/listeners did not auto-shutdown")
	}
}

func TestRuntimeShutdownIsIdempotent(t *testing.T) {
	rt := New(WithWorkerCount(1))
	rt.AddService(ServiceFunc{ServiceName: "noop"})
	require.NoError(t, rt.Start())

	require.NoError(t, rt.Shutdown())
	require.NoError(t, rt.Shutdown())
}

func TestRuntimeActiveEndpointBlocksAutoShutdown(t *testing.T) {
	// Exercises checkAutoShutdown's idle calculation directly, bypassing
	// Start's own background auto-shutdown goroutine so the assertion isn't
	// racing against it.
	rt := New()
	rt.mu.Lock()
	rt.started = true
	rt.mu.Unlock()

	rt.RegisterActiveEndpoint(42)
	rt.checkAutoShutdown()

	rt.mu.Lock()
	started := rt.started
	rt.mu.Unlock()
	assert.True(t, started, "an active endpoint must prevent auto-shutdown")

	rt.UnregisterActiveEndpoint(42)

	rt.mu.Lock()
	started = rt.started
	rt.mu.Unlock()
	assert.False(t, started, "releasing the last active endpoint should trigger auto-shutdown")
}

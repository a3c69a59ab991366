package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLoop(t *testing.T) *SelectorLoop {
	t.Helper()
	loop, err := NewSelectorLoop(0, zap.NewNop().Sugar())
	require.NoError(t, err)
	go loop.Run()
	t.Cleanup(func() {
		loop.Shutdown()
		loop.Join()
	})
	return loop
}

func TestScheduledTimerFires(t *testing.T) {
	timer := NewScheduledTimer(zap.NewNop().Sugar())
	timer.Start()
	t.Cleanup(timer.Shutdown)

	loop := newTestLoop(t)
	loop.BindTimer(timer)

	fired := make(chan struct{}, 1)
	timer.Schedule(loop, 20*time.Millisecond, func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer callback did not fire within 1s")
	}
}

func TestScheduledTimerCancelSuppressesCallback(t *testing.T) {
	timer := NewScheduledTimer(zap.NewNop().Sugar())
	timer.Start()
	t.Cleanup(timer.Shutdown)

	loop := newTestLoop(t)
	loop.BindTimer(timer)

	fired := make(chan struct{}, 1)
	handle := timer.Schedule(loop, 50*time.Millisecond, func() { fired <- struct{}{} })
	handle.Cancel()

	select {
	case <-fired:
		t.Fatal("canceled timer callback fired")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestScheduledTimerCancelIdempotent(t *testing.T) {
	timer := NewScheduledTimer(zap.NewNop().Sugar())
	timer.Start()
	t.Cleanup(timer.Shutdown)

	loop := newTestLoop(t)
	handle := timer.Schedule(loop, time.Minute, func() {})
	handle.Cancel()
	require.NotPanics(t, func() { handle.Cancel() })
}

func TestNextDeadlineReflectsEarliestEntry(t *testing.T) {
	timer := NewScheduledTimer(zap.NewNop().Sugar())
	timer.Start()
	t.Cleanup(timer.Shutdown)

	loop := newTestLoop(t)
	_, ok := timer.NextDeadline()
	require.False(t, ok)

	timer.Schedule(loop, 5*time.Second, func() {})
	d, ok := timer.NextDeadline()
	require.True(t, ok)
	require.True(t, d > 0 && d <= 5*time.Second)
}

package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gouk/unicore/thread"
)

func newThread(t *testing.T, name string) *thread.Thread {
	t.Helper()
	var th thread.Thread
	require.NoError(t, thread.InitBare(&th, 0x1000, 0x2000, 0, false, nil, name, nil, nil))
	return &th
}

func TestSpawnRunsBodyToCompletion(t *testing.T) {
	defer func() { thread.YieldHook = nil }()

	s := New()
	s.Install()

	var ran bool
	th := newThread(t, "solo")
	s.Spawn(th, func() { ran = true })

	s.RunUntilIdle()
	assert.True(t, ran)
}

func TestYieldReturnsControlRoundRobin(t *testing.T) {
	defer func() { thread.YieldHook = nil }()

	s := New()
	s.Install()

	var order []string
	a := newThread(t, "a")
	b := newThread(t, "b")

	s.Spawn(a, func() {
		order = append(order, "a1")
		s.Yield()
		order = append(order, "a2")
	})
	s.Spawn(b, func() {
		order = append(order, "b1")
		s.Yield()
		order = append(order, "b2")
	})

	// Each RunUntilIdle drain gives every currently-ready thread one turn;
	// a yielding thread re-enqueues itself via OnWokeup once woken.
	s.RunUntilIdle()
	assert.Equal(t, []string{"a1", "b1"}, order)

	// a/b parked in s.Yield() directly (not via thread.Block), so their
	// RUNNABLE flag was never cleared; re-ready them through the same
	// OnWokeup hook thread.Wakeup would have used had they blocked through
	// the Thread API.
	s.OnWokeup(a)
	s.OnWokeup(b)
	s.RunUntilIdle()
	assert.Equal(t, []string{"a1", "b1", "a2", "b2"}, order)
}

func TestWaitJoinsSpawnedBodies(t *testing.T) {
	defer func() { thread.YieldHook = nil }()

	s := New()
	s.Install()

	th := newThread(t, "joins")
	s.Spawn(th, func() {})
	s.RunUntilIdle()

	assert.NoError(t, s.Wait())
}

func TestWaitSurfacesPanickingThreadBody(t *testing.T) {
	defer func() { thread.YieldHook = nil }()

	s := New()
	s.Install()

	th := newThread(t, "panics")
	s.Spawn(th, func() { panic("boom") })
	s.RunUntilIdle()

	err := s.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panics")
}

func TestCurrentReflectsRunningThread(t *testing.T) {
	defer func() { thread.YieldHook = nil }()

	s := New()
	s.Install()

	var observed *thread.Thread
	th := newThread(t, "observe")
	s.Spawn(th, func() { observed = s.Current() })

	s.RunUntilIdle()
	assert.Same(t, th, observed)
	assert.Nil(t, s.Current())
}

package loop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := New(16, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = l.Run(ctx) }()
	t.Cleanup(cancel)
	return l
}

func TestDoRunsOnLoopInOrder(t *testing.T) {
	l := startLoop(t)
	var seen []int
	for i := 0; i < 5; i++ {
		i := i
		require.NoError(t, l.Post(func() { seen = append(seen, i) }))
	}
	var snapshot []int
	require.NoError(t, l.Do(context.Background(), func() error {
		snapshot = append(snapshot, seen...)
		return nil
	}))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, snapshot)
}

func TestDoReturnsTaskError(t *testing.T) {
	l := startLoop(t)
	want := errors.New("task failed")
	assert.ErrorIs(t, l.Do(context.Background(), func() error { return want }), want)
}

func TestPanicDoesNotStopLoop(t *testing.T) {
	l := startLoop(t)
	require.NoError(t, l.Post(func() { panic("boom") }))
	err := l.Do(context.Background(), func() error { panic("again") })
	require.Error(t, err)
	require.NoError(t, l.Do(context.Background(), func() error { return nil }))
}

func TestGoPostsContinuation(t *testing.T) {
	l := startLoop(t)
	done := make(chan string, 1)
	var fromIO string
	l.Go(func() { fromIO = "io" }, func() { done <- fromIO + "+then" })

	select {
	case got := <-done:
		assert.Equal(t, "io+then", got)
	case <-time.After(2 * time.Second):
		t.Fatal("continuation never ran")
	}
}

func TestAfterFuncRunsOnLoop(t *testing.T) {
	l := startLoop(t)
	fired := make(chan struct{})
	l.AfterFunc(10*time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestPostAfterClose(t *testing.T) {
	l := New(1, zerolog.Nop())
	l.Close()
	assert.ErrorIs(t, l.Post(func() {}), ErrClosed)
	assert.ErrorIs(t, l.Do(context.Background(), func() error { return nil }), ErrClosed)
}

func TestManualAdvanceFiresInDeadlineOrder(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var fired []string
	m.AfterFunc(30*time.Millisecond, func() { fired = append(fired, "c") })
	m.AfterFunc(10*time.Millisecond, func() {
		fired = append(fired, "a")
		m.AfterFunc(5*time.Millisecond, func() { fired = append(fired, "b") })
	})
	stopped := m.AfterFunc(20*time.Millisecond, func() { fired = append(fired, "x") })
	require.True(t, stopped.Stop())

	m.Advance(25 * time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, 1, m.PendingTimers())

	m.Advance(10 * time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Equal(t, time.Unix(0, 0).Add(35*time.Millisecond), m.Now())
}

func TestManualHoldIO(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	m.HoldIO(true)
	var steps []string
	m.Go(func() { steps = append(steps, "io") }, func() { steps = append(steps, "then") })
	assert.Empty(t, steps)
	assert.Equal(t, 1, m.FlushIO())
	assert.Equal(t, []string{"io", "then"}, steps)
}

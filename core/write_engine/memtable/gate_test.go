package memtable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	flushmanager "github.com/sushant-115/pagejournal/core/write_engine/flush_manager"
)

func closedWithin(ch <-chan struct{}, d time.Duration) bool {
	select {
	case <-ch:
		return true
	case <-time.After(d):
		return false
	}
}

// TestWriteGate_CloseWaitsForAdmitted checks that a closer waits for every
// admitted operation and that new operations wait for the closer.
func TestWriteGate_CloseWaitsForAdmitted(t *testing.T) {
	g := NewWriteGate()
	g.Enter()
	g.Enter()

	closed := make(chan struct{})
	go func() {
		g.Close()
		close(closed)
	}()
	require.False(t, closedWithin(closed, 50*time.Millisecond))

	g.Exit()
	require.False(t, closedWithin(closed, 50*time.Millisecond))
	g.Exit()
	require.True(t, closedWithin(closed, time.Second))

	entered := make(chan struct{})
	go func() {
		g.Enter()
		close(entered)
	}()
	require.False(t, closedWithin(entered, 50*time.Millisecond))

	g.Open()
	require.True(t, closedWithin(entered, time.Second))
	require.Equal(t, 1, g.Admitted())
	g.Exit()
}

// TestWriteGate_ClosersQueue checks that a second closer waits for the first
// to reopen the gate.
func TestWriteGate_ClosersQueue(t *testing.T) {
	g := NewWriteGate()
	g.Close()

	second := make(chan struct{})
	go func() {
		g.Close()
		close(second)
	}()
	require.False(t, closedWithin(second, 50*time.Millisecond))

	g.Open()
	require.True(t, closedWithin(second, time.Second))
	g.Open()
}

// TestWriteGate_ShutdownRejects checks that nothing is admitted, and nobody
// blocks, after a shutdown.
func TestWriteGate_ShutdownRejects(t *testing.T) {
	g := NewWriteGate()
	require.True(t, g.Enter())

	shut := make(chan struct{})
	go func() {
		g.Shutdown()
		close(shut)
	}()
	require.False(t, closedWithin(shut, 50*time.Millisecond))
	g.Exit()
	require.True(t, closedWithin(shut, time.Second))

	require.False(t, g.Enter())
	require.False(t, g.Close())
}

// TestWriteGate_CloseUnlessHeldRefusesHolders checks that a held admission
// makes the closer fail at once, while ordinary admissions are waited for.
func TestWriteGate_CloseUnlessHeldRefusesHolders(t *testing.T) {
	g := NewWriteGate()
	require.True(t, g.Hold())
	require.Equal(t, 1, g.Held())
	require.Equal(t, 1, g.Admitted())

	done := make(chan error, 1)
	go func() { done <- g.CloseUnlessHeld() }()
	select {
	case err := <-done:
		require.ErrorIs(t, err, flushmanager.ErrStoreLocked)
	case <-time.After(time.Second):
		t.Fatal("closer waited on a held admission")
	}

	g.Release()
	require.Zero(t, g.Held())
	require.Zero(t, g.Admitted())

	require.True(t, g.Enter())
	closeErr := make(chan error, 1)
	closed := make(chan struct{})
	go func() {
		closeErr <- g.CloseUnlessHeld()
		close(closed)
	}()
	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.closed
	}, time.Second, time.Millisecond)
	require.False(t, closedWithin(closed, 50*time.Millisecond))

	// A hold requested while the closer drains waits behind it.
	held := make(chan struct{})
	go func() {
		g.Hold()
		close(held)
	}()
	require.False(t, closedWithin(held, 50*time.Millisecond))

	g.Exit()
	require.True(t, closedWithin(closed, time.Second))
	require.NoError(t, <-closeErr)
	require.False(t, closedWithin(held, 50*time.Millisecond))

	g.Open()
	require.True(t, closedWithin(held, time.Second))
	require.ErrorIs(t, g.CloseUnlessHeld(), flushmanager.ErrStoreLocked)
	g.Release()
	require.NoError(t, g.CloseUnlessHeld())
	g.Open()
}

func TestWriteGate_CloseUnlessHeldAfterShutdown(t *testing.T) {
	g := NewWriteGate()
	g.Shutdown()
	require.False(t, g.Hold())
	require.ErrorIs(t, g.CloseUnlessHeld(), flushmanager.ErrStoreClosed)
}

package bh2

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOutflowAcquirePartial(t *testing.T) {
	f := newOutflow(10, time.Second)

	n, err := f.acquire(nil, 100)
	require.NoError(t, err)
	require.Equal(t, int64(10), n)
	require.Equal(t, int64(0), f.available())
}

func TestOutflowAcquireZero(t *testing.T) {
	f := newOutflow(10, time.Second)

	n, err := f.acquire(nil, 0)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, int64(10), f.available())
}

func TestOutflowAcquireBlocksUntilAdd(t *testing.T) {
	f := newOutflow(0, time.Minute)

	got := make(chan int64)
	go func() {
		n, err := f.acquire(nil, 100)
		require.NoError(t, err)
		got <- n
	}()

	select {
	case n := <-got:
		t.Fatalf("acquire returned %d before window credit", n)
	case <-time.After(50 * time.Millisecond):
	}

	f.add(42)
	select {
	case n := <-got:
		require.Equal(t, int64(42), n)
	case <-time.After(time.Second):
		t.Fatal("acquire did not wake after window credit")
	}
}

func TestOutflowAcquireTimeoutRechecks(t *testing.T) {
	f := newOutflow(0, 10*time.Millisecond)

	// credit the window without going through add, so no waiter is woken
	// and only the timeout path can observe the new window.
	go func() {
		time.Sleep(30 * time.Millisecond)
		f.mu.Lock()
		f.avail = 5
		f.mu.Unlock()
	}()

	n, err := f.acquire(nil, 100)
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
}

func TestOutflowAcquireDone(t *testing.T) {
	f := newOutflow(0, time.Minute)

	done := make(chan struct{})
	close(done)

	_, err := f.acquire(done, 100)
	require.Error(t, err)

	cerr, ok := asConnError(err)
	require.True(t, ok)
	require.Equal(t, ErrCodeCancel, cerr.Code)
}

func TestOutflowAddOverflow(t *testing.T) {
	f := newOutflow(maxWindowSize, time.Second)

	avail, ok := f.add(1)
	require.False(t, ok)
	require.Equal(t, int64(maxWindowSize)+1, avail)
}

func TestOutflowAdjustInitialNegative(t *testing.T) {
	f := newOutflow(100, time.Second)

	f.adjustInitial(-150)
	require.Equal(t, int64(-50), f.available())

	// the window only admits writes again once credited back above zero
	f.add(51)
	require.Equal(t, int64(1), f.available())
}

func TestInflowTake(t *testing.T) {
	f := newInflow(100)

	require.True(t, f.take(60))
	require.True(t, f.take(40))
	require.False(t, f.take(1))
}

func TestInflowReleaseBatches(t *testing.T) {
	f := newInflow(100)
	require.True(t, f.take(80))

	// below half the limit nothing is announced
	require.Zero(t, f.release(30, 100))
	require.Zero(t, f.release(19, 100))

	// crossing the threshold flushes the accumulated increment
	require.Equal(t, int64(50), f.release(1, 100))

	// the window grew back by the announced increment
	require.True(t, f.take(70))
	require.False(t, f.take(1))
}

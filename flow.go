package bh2

import (
	"sync"
	"time"
)

// outflow is the outbound flow-control window of a connection or of a single
// stream. Handler goroutines acquire window before writing DATA frames while
// the connection dispatcher goroutine credits it from WINDOW_UPDATE frames,
// so this is the one flow-control structure that needs a lock.
type outflow struct {
	mu      sync.Mutex
	avail   int64
	updated chan struct{}

	// blockTimeout bounds how long a single wait for window credit may
	// last before the writer re-checks the window.
	blockTimeout time.Duration
}

func newOutflow(initial uint32, blockTimeout time.Duration) *outflow {
	return &outflow{
		avail:        int64(initial),
		updated:      make(chan struct{}),
		blockTimeout: blockTimeout,
	}
}

// add credits the window by n (positive or negative) and wakes all waiters.
// It reports the new window size and whether it still fits in 2^31-1.
func (f *outflow) add(n int64) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.avail += n
	close(f.updated)
	f.updated = make(chan struct{})

	return f.avail, f.avail <= maxWindowSize
}

// adjustInitial applies an INITIAL_WINDOW_SIZE change: the window moves by
// the delta between the new and old value and may become negative.
func (f *outflow) adjustInitial(delta int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.avail += delta
	close(f.updated)
	f.updated = make(chan struct{})
}

// available returns the current window size.
func (f *outflow) available() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.avail
}

// acquire takes up to max bytes from the window, blocking while the window
// is empty. Each wait is bounded by the block timeout after which the window
// is re-checked rather than blocking indefinitely. Returns the number of
// bytes acquired (at least 1 unless max is 0) or an error when done closes
// before any window becomes available.
func (f *outflow) acquire(done <-chan struct{}, max int64) (int64, error) {
	if max == 0 {
		return 0, nil
	}

	timer := time.NewTimer(f.blockTimeout)
	defer timer.Stop()

	for {
		f.mu.Lock()
		if f.avail > 0 {
			n := min(f.avail, max)
			f.avail -= n
			f.mu.Unlock()

			return n, nil
		}
		updated := f.updated
		f.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(f.blockTimeout)

		select {
		case <-updated:
		case <-timer.C:
			// re-check the window after the timeout
		case <-done:
			return 0, connError(ErrCodeCancel, "connection closed while waiting for flow-control window")
		}
	}
}

// inflow tracks the inbound flow-control window of a connection or stream.
// take is only called from the connection dispatcher goroutine; release is
// called from stream goroutines as the handler consumes body data, hence
// the lock.
type inflow struct {
	mu     sync.Mutex
	window int64
	unsent int64
}

func newInflow(initial uint32) *inflow {
	return &inflow{window: int64(initial)}
}

// take reserves n inbound bytes. A peer overrunning the advertised window is
// a flow-control fault.
func (f *inflow) take(n int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if n > f.window {
		return false
	}
	f.window -= n

	return true
}

// release returns n consumed bytes to the window and reports the increment
// to announce via WINDOW_UPDATE, batching small increments until at least
// half of limit has accumulated.
func (f *inflow) release(n, limit int64) (increment int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.unsent += n
	if f.unsent < limit/2 {
		return 0
	}

	increment = f.unsent
	f.unsent = 0
	f.window += increment

	return increment
}

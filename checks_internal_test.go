package bh2

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type goAwayCall struct {
	lastStreamID uint32
	code         ErrCode
	debugData    string
}

type fakeGoAwayWriter struct {
	calls []goAwayCall
}

func (w *fakeGoAwayWriter) WriteGoAway(lastStreamID uint32, code ErrCode, debugData string) error {
	w.calls = append(w.calls, goAwayCall{lastStreamID, code, debugData})

	return nil
}

type fakeControl struct {
	finishCalls int
	closeCalls  []bool
}

func (c *fakeControl) finish()              { c.finishCalls++ }
func (c *fakeControl) close(interrupt bool) { c.closeCalls = append(c.closeCalls, interrupt) }

type checksFixture struct {
	checks  *connChecks
	writer  *fakeGoAwayWriter
	control *fakeControl
	clock   *fakeClock
}

type fakeClock struct {
	now int64
}

func (c *fakeClock) advance(d time.Duration) { c.now += d.Nanoseconds() }

func newChecksFixture(t *testing.T, maxRapidResets int, period time.Duration) *checksFixture {
	t.Helper()

	writer := &fakeGoAwayWriter{}
	control := &fakeControl{}
	clock := &fakeClock{}

	cfg := DefaultConfig()
	cfg.MaxRapidResets = maxRapidResets
	cfg.RapidResetCheckPeriod = period

	checks := newConnChecks(cfg, zaptest.NewLogger(t), writer, control, nil)
	checks.now = func() int64 { return clock.now }

	return &checksFixture{checks: checks, writer: writer, control: control, clock: clock}
}

func TestRapidResetWithinBudget(t *testing.T) {
	fix := newChecksFixture(t, 3, 10*time.Second)

	for i := 0; i < 3; i++ {
		require.NoError(t, fix.checks.rapidResetCheck())
		fix.clock.advance(time.Second)
	}

	require.Empty(t, fix.writer.calls)
	require.Zero(t, fix.control.finishCalls)
}

func TestRapidResetOverBudget(t *testing.T) {
	// three rapid resets within one second against a budget of two: the
	// third one closes the connection.
	fix := newChecksFixture(t, 2, 10*time.Second)

	require.NoError(t, fix.checks.rapidResetCheck())
	fix.clock.advance(500 * time.Millisecond)
	require.NoError(t, fix.checks.rapidResetCheck())
	fix.clock.advance(500 * time.Millisecond)

	err := fix.checks.rapidResetCheck()
	require.Error(t, err)

	cerr, ok := asConnError(err)
	require.True(t, ok)
	require.Equal(t, ErrCodeEnhanceYourCalm, cerr.Code)

	require.Len(t, fix.writer.calls, 1)
	require.Equal(t, uint32(0), fix.writer.calls[0].lastStreamID)
	require.Equal(t, ErrCodeEnhanceYourCalm, fix.writer.calls[0].code)
	require.Equal(t, 1, fix.control.finishCalls)
	require.Equal(t, []bool{true}, fix.control.closeCalls)
}

func TestRapidResetDisabled(t *testing.T) {
	fix := newChecksFixture(t, -1, 10*time.Second)

	for i := 0; i < 1_000; i++ {
		require.NoError(t, fix.checks.rapidResetCheck())
	}

	require.Empty(t, fix.writer.calls)
}

func TestRapidResetWindowRestart(t *testing.T) {
	// resets spaced further apart than the check period never accumulate
	// across windows.
	fix := newChecksFixture(t, 2, 10*time.Second)

	for i := 0; i < 10; i++ {
		fix.clock.advance(11 * time.Second)
		require.NoError(t, fix.checks.rapidResetCheck())
	}

	require.Empty(t, fix.writer.calls)
	require.Equal(t, 1, fix.checks.rapidResetCnt)
}

func TestRapidResetWindowBoundary(t *testing.T) {
	fix := newChecksFixture(t, 2, 10*time.Second)

	require.NoError(t, fix.checks.rapidResetCheck())
	require.NoError(t, fix.checks.rapidResetCheck())

	// a new window opens, so the budget is fresh and two more stay legal
	fix.clock.advance(10*time.Second + time.Nanosecond)
	require.NoError(t, fix.checks.rapidResetCheck())
	require.NoError(t, fix.checks.rapidResetCheck())

	require.Error(t, fix.checks.rapidResetCheck())
}

func TestMadeYouResetRequiresBothConditions(t *testing.T) {
	// the counter reaching 13 satisfies the proportionality bound
	// (13 > 50/4) but not the budget of 100, so the connection stays open.
	fix := newChecksFixture(t, 100, 10*time.Second)

	for i := 0; i < 13; i++ {
		require.NoError(t, fix.checks.madeYouResetCheck(50))
	}
	require.Empty(t, fix.writer.calls)

	// with the budget exceeded too, the next reset closes
	for i := 13; i < 100; i++ {
		require.NoError(t, fix.checks.madeYouResetCheck(50))
	}
	err := fix.checks.madeYouResetCheck(50)
	require.Error(t, err)

	cerr, ok := asConnError(err)
	require.True(t, ok)
	require.Equal(t, ErrCodeEnhanceYourCalm, cerr.Code)
}

func TestMadeYouResetProportionalityGuard(t *testing.T) {
	// many legitimate streams: the counter exceeds the budget but stays
	// under a quarter of the highest stream id, so no closure.
	fix := newChecksFixture(t, 2, 10*time.Second)

	for i := 0; i < 100; i++ {
		require.NoError(t, fix.checks.madeYouResetCheck(10_000))
	}

	require.Empty(t, fix.writer.calls)
}

func TestMadeYouResetDisabled(t *testing.T) {
	fix := newChecksFixture(t, -1, 10*time.Second)

	for i := 0; i < 1_000; i++ {
		require.NoError(t, fix.checks.madeYouResetCheck(1))
	}

	require.Empty(t, fix.writer.calls)
}

package bh2

import (
	"time"

	"go.uber.org/zap"
)

// connectionControl is the connection surface the abuse checks act upon:
// suppressing the automatic GOAWAY and tearing the connection down.
type connectionControl interface {
	finish()
	close(interrupt bool)
}

// goAwayWriter emits a GOAWAY frame synchronously. A minimal default
// settings context suffices; GOAWAY needs nothing client-specific.
type goAwayWriter interface {
	WriteGoAway(lastStreamID uint32, code ErrCode, debugData string) error
}

// connChecks holds the transient per-connection abuse counters. Created once
// per accepted connection and discarded when it closes.
//
// Not thread safe, expected to run on the connection dispatcher goroutine.
type connChecks struct {
	period         int64 // rapid-reset window, nanoseconds
	maxRapidResets int

	logs    *zap.Logger
	writer  goAwayWriter
	control connectionControl
	metrics *Metrics

	now func() int64

	rapidResetCnt         int
	rapidResetPeriodStart int64
	serverResetCnt        int
}

func newConnChecks(cfg Config, logs *zap.Logger, writer goAwayWriter, control connectionControl, metrics *Metrics) *connChecks {
	return &connChecks{
		period:         cfg.RapidResetCheckPeriod.Nanoseconds(),
		maxRapidResets: cfg.MaxRapidResets,
		logs:           logs,
		writer:         writer,
		control:        control,
		metrics:        metrics,
		now:            func() int64 { return time.Now().UnixNano() },
	}
}

// rapidResetCheck records one client-side rapid reset: a stream reset before
// any response bytes were written (CVE-2023-44487). The counter is a fixed
// window, not a sliding one: when the check period has elapsed since the
// window start the window restarts at count 1, otherwise the count grows and
// the connection is force-closed once it exceeds the budget.
func (c *connChecks) rapidResetCheck() error {
	if c.maxRapidResets == -1 {
		return nil
	}

	now := c.now()
	if now-c.rapidResetPeriodStart > c.period {
		c.rapidResetCnt = 1
		c.rapidResetPeriodStart = now

		return nil
	}

	c.rapidResetCnt++
	if c.rapidResetCnt > c.maxRapidResets {
		c.metrics.incRapidResetClosures()

		return c.closeConnection("rapid reset attack detected")
	}

	return nil
}

// madeYouResetCheck records one server-initiated stream reset. The connection
// is force-closed only when the monotonic counter exceeds the rapid-reset
// budget AND a quarter of the highest stream id seen so far; the second
// condition guards against false positives on connections with many
// legitimate streams.
func (c *connChecks) madeYouResetCheck(lastStreamID uint32) error {
	if c.maxRapidResets == -1 {
		return nil
	}

	c.serverResetCnt++
	if c.serverResetCnt > c.maxRapidResets && int64(c.serverResetCnt) > int64(lastStreamID)/4 {
		c.metrics.incMadeYouResetClosures()

		return c.closeConnection("made-you-reset attack detected")
	}

	return nil
}

// closeConnection hard-stops the connection once an attack is suspected,
// trading graceful degradation of in-flight streams for safety: best-effort
// GOAWAY, suppress any later automatic GOAWAY, interrupt processing, and
// unwind the dispatch loop with a terminal error.
func (c *connChecks) closeConnection(cause string) error {
	c.logs.Debug("force-closing connection", zap.String("cause", cause))

	if err := c.writer.WriteGoAway(0, ErrCodeEnhanceYourCalm, cause); err != nil {
		c.logs.Debug("goaway write failed during force-close", zap.Error(err))
	}

	c.control.finish()
	c.control.close(true)

	return connError(ErrCodeEnhanceYourCalm, "%s", cause)
}

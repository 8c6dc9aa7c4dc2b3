package bh2

import (
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
)

// Logger can be implemented to get informed about important handler states.
type Logger interface {
	LogUnhandledServeError(err error)
	LogImplicitFlushError(err error)
}

type zapLogger struct{ logs *zap.Logger }

func (l zapLogger) LogUnhandledServeError(err error) {
	l.logs.Error("unhandled serve error", zap.Error(err))
}

func (l zapLogger) LogImplicitFlushError(err error) {
	l.logs.Error("error while flushing implicitly", zap.Error(err))
}

// NewZapLogger adapts a zap logger to the [Logger] interface.
func NewZapLogger(logs *zap.Logger) Logger {
	return zapLogger{logs.Named("bh2")}
}

// TestLogger counts handler-plane log events for assertions.
type TestLogger struct {
	tb testing.TB

	NumLogUnhandledServeError int64
	NumLogImplicitFlushError  int64
}

func NewTestLogger(tb testing.TB) *TestLogger {
	return &TestLogger{tb: tb}
}

func (l *TestLogger) LogUnhandledServeError(err error) {
	atomic.AddInt64(&l.NumLogUnhandledServeError, 1)
	l.tb.Logf("bh2: unhandled serve error: %s", err)
}

func (l *TestLogger) LogImplicitFlushError(err error) {
	atomic.AddInt64(&l.NumLogImplicitFlushError, 1)
	l.tb.Logf("bh2: error while flushing implicitly: %s", err)
}

var _ Logger = &TestLogger{}

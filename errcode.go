package bh2

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ErrCode is an HTTP/2 error code as defined in RFC 9113 section 7.
type ErrCode uint32

const (
	ErrCodeNoError            ErrCode = 0x0
	ErrCodeProtocol           ErrCode = 0x1
	ErrCodeInternal           ErrCode = 0x2
	ErrCodeFlowControl        ErrCode = 0x3
	ErrCodeSettingsTimeout    ErrCode = 0x4
	ErrCodeStreamClosed       ErrCode = 0x5
	ErrCodeFrameSize          ErrCode = 0x6
	ErrCodeRefusedStream      ErrCode = 0x7
	ErrCodeCancel             ErrCode = 0x8
	ErrCodeCompression        ErrCode = 0x9
	ErrCodeConnect            ErrCode = 0xa
	ErrCodeEnhanceYourCalm    ErrCode = 0xb
	ErrCodeInadequateSecurity ErrCode = 0xc
	ErrCodeHTTP11Required     ErrCode = 0xd
)

var errCodeNames = map[ErrCode]string{
	ErrCodeNoError:            "NO_ERROR",
	ErrCodeProtocol:           "PROTOCOL_ERROR",
	ErrCodeInternal:           "INTERNAL_ERROR",
	ErrCodeFlowControl:        "FLOW_CONTROL_ERROR",
	ErrCodeSettingsTimeout:    "SETTINGS_TIMEOUT",
	ErrCodeStreamClosed:       "STREAM_CLOSED",
	ErrCodeFrameSize:          "FRAME_SIZE_ERROR",
	ErrCodeRefusedStream:      "REFUSED_STREAM",
	ErrCodeCancel:             "CANCEL",
	ErrCodeCompression:        "COMPRESSION_ERROR",
	ErrCodeConnect:            "CONNECT_ERROR",
	ErrCodeEnhanceYourCalm:    "ENHANCE_YOUR_CALM",
	ErrCodeInadequateSecurity: "INADEQUATE_SECURITY",
	ErrCodeHTTP11Required:     "HTTP_1_1_REQUIRED",
}

func (e ErrCode) String() string {
	if name, ok := errCodeNames[e]; ok {
		return name
	}

	return fmt.Sprintf("unknown error code 0x%x", uint32(e))
}

// ConnError is a connection-fatal protocol fault. The dispatch loop treats it
// as terminal: a GOAWAY carrying the code is emitted (unless one was already
// sent) and the connection is torn down. It is never retried.
type ConnError struct {
	Code ErrCode
	err  error
}

// connError creates a new connection-level error with a formatted diagnostic.
func connError(code ErrCode, format string, args ...any) *ConnError {
	return &ConnError{Code: code, err: errors.Newf(format, args...)}
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("http2 connection error %s: %s", e.Code, e.err)
}

func (e *ConnError) Unwrap() error { return e.err }

// StreamError is a fault scoped to a single stream. The connection answers it
// with RST_STREAM and keeps serving other streams.
type StreamError struct {
	StreamID uint32
	Code     ErrCode
	err      error
}

func streamError(streamID uint32, code ErrCode, format string, args ...any) *StreamError {
	return &StreamError{StreamID: streamID, Code: code, err: errors.Newf(format, args...)}
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("http2 stream %d error %s: %s", e.StreamID, e.Code, e.err)
}

func (e *StreamError) Unwrap() error { return e.err }

// asConnError unwraps any error chain looking for a *ConnError.
func asConnError(err error) (*ConnError, bool) {
	var cerr *ConnError
	ok := errors.As(err, &cerr)

	return cerr, ok
}

// asStreamError unwraps any error chain looking for a *StreamError.
func asStreamError(err error) (*StreamError, bool) {
	var serr *StreamError
	ok := errors.As(err, &serr)

	return serr, ok
}

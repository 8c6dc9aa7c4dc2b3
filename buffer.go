package bh2

import (
	"bytes"
	"net/http"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrBufferFull is returned when a write would grow the response buffer past
// its configured limit. Nothing is written in that case.
var ErrBufferFull = errors.New("bh2: response buffer is full")

var responseBufPool = sync.Pool{
	New: func() any { return bytes.NewBuffer(nil) },
}

// ResponseBuffer implements http.ResponseWriter while holding all writes in
// memory until flushed. This is what allows handlers to return errors and
// middleware to replace a half-written response wholesale: until the first
// flush nothing has touched the underlying writer.
type ResponseBuffer struct {
	resp    http.ResponseWriter
	buf     *bytes.Buffer
	limit   int
	status  int
	header  http.Header
	flushed bool // explicit flush happened, Reset is no longer possible
	sent    bool // status and headers were written to the underlying writer
}

// NewResponseWriter wraps resp in a buffered writer. A negative limit means
// the buffer may grow without bound.
func NewResponseWriter(resp http.ResponseWriter, limit int) ResponseWriter {
	return newBufferResponse(resp, limit)
}

func newBufferResponse(resp http.ResponseWriter, limit int) *ResponseBuffer {
	buf, _ := responseBufPool.Get().(*bytes.Buffer)
	buf.Reset()

	return &ResponseBuffer{
		resp:   resp,
		buf:    buf,
		limit:  limit,
		header: make(http.Header),
	}
}

// Header returns the buffered header map; it only reaches the underlying
// writer on flush.
func (w *ResponseBuffer) Header() http.Header { return w.header }

// WriteHeader buffers the status code. Only the first call has effect,
// mirroring the standard library contract.
func (w *ResponseBuffer) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}

// Write appends p to the buffer. When a limit is configured and the write
// would exceed it, nothing is written and ErrBufferFull is returned.
func (w *ResponseBuffer) Write(p []byte) (int, error) {
	if w.limit >= 0 && w.buf.Len()+len(p) > w.limit {
		return 0, ErrBufferFull
	}

	return w.buf.Write(p)
}

// Reset discards all buffered bytes, headers and the status code so a fresh
// response can be formulated. It panics when bytes already reached the
// underlying writer through an explicit flush.
func (w *ResponseBuffer) Reset() {
	if w.flushed {
		panic("bh2: response buffer was already flushed")
	}

	w.buf.Reset()
	w.header = make(http.Header)
	w.status = 0
}

// FlushError writes the buffered response to the underlying writer and
// flushes it. It is picked up by http.NewResponseController, so an explicit
// handler flush streams through. After this, Reset is off the table.
func (w *ResponseBuffer) FlushError() error {
	w.flushed = true
	if err := w.FlushBuffer(); err != nil {
		return err
	}

	if fl, ok := w.resp.(http.Flusher); ok {
		fl.Flush()
	}

	return nil
}

// FlushBuffer writes the buffered status, headers and body to the underlying
// writer without marking the buffer as explicitly flushed.
func (w *ResponseBuffer) FlushBuffer() error {
	if !w.sent {
		dst := w.resp.Header()
		for name, vals := range w.header {
			dst[name] = vals
		}

		status := w.status
		if status == 0 {
			status = http.StatusOK
		}
		w.resp.WriteHeader(status)
		w.sent = true
	}

	if w.buf.Len() == 0 {
		return nil
	}

	if _, err := w.resp.Write(w.buf.Bytes()); err != nil {
		return errors.Wrap(err, "flush response buffer")
	}
	w.buf.Reset()

	return nil
}

// Free returns the internal buffer to the pool. The writer must not be used
// afterwards.
func (w *ResponseBuffer) Free() {
	responseBufPool.Put(w.buf)
	w.buf = nil
}

// Unwrap exposes the underlying writer, supporting http.ResponseController.
func (w *ResponseBuffer) Unwrap() http.ResponseWriter { return w.resp }

// Status returns the buffered status code, defaulting to 200.
func (w *ResponseBuffer) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}

	return w.status
}

var _ ResponseWriter = (*ResponseBuffer)(nil)

package bh2

import (
	"context"
	"net/http"
)

// ResponseWriter implements http.ResponseWriter but the underlying bytes are
// buffered. This allows middleware to reset the writer and formulate a
// completely new response, and it is what lets a handler error replace a
// half-written HTTP/2 response before any frame leaves the connection.
type ResponseWriter interface {
	http.ResponseWriter
	Reset()
	Free()
	FlushBuffer() error
}

// Handler mirrors http.Handler but writes to a buffered response and returns
// an error instead of requiring inline error handling.
type Handler interface {
	ServeBH2(ctx context.Context, w ResponseWriter, r *http.Request) error
}

// HandlerFunc allows casting a function to a [Handler].
type HandlerFunc func(context.Context, ResponseWriter, *http.Request) error

// ServeBH2 implements the [Handler] interface.
func (f HandlerFunc) ServeBH2(ctx context.Context, w ResponseWriter, r *http.Request) error {
	return f(ctx, w, r)
}

// ToStd converts a handler into a standard library http.Handler. The
// implementation creates a buffered response writer and flushes it
// implicitly after serving the request; handler errors reset the buffer and
// render an error response so the client never sees a partial body.
func ToStd(h Handler, bufLimit int, logs Logger) http.Handler {
	return http.HandlerFunc(func(resp http.ResponseWriter, req *http.Request) {
		bresp := NewResponseWriter(resp, bufLimit)
		defer bresp.Free()

		if err := h.ServeBH2(req.Context(), bresp, req); err != nil {
			bresp.Reset()
			renderError(bresp, logs, err)
		}

		if err := bresp.FlushBuffer(); err != nil {
			logs.LogImplicitFlushError(err)
		}
	})
}

// renderError formulates the replacement response for a handler error. An
// [*Error] carries its own status code; anything else is logged and turned
// into a plain 500 with the standard text, so internal error text never
// reaches the wire by accident.
func renderError(w ResponseWriter, logs Logger, err error) {
	if herr, ok := asError(err); ok {
		http.Error(w, http.StatusText(int(herr.Code())), int(herr.Code()))

		return
	}

	logs.LogUnhandledServeError(err)
	http.Error(w,
		http.StatusText(http.StatusInternalServerError),
		http.StatusInternalServerError)
}

package h2apptest

import (
	"net/http"
	"net/http/httptest"

	"github.com/advdv/bh2"
)

// CallHandler invokes a [bh2.HandlerFunc] with a buffered response writer
// and returns the recorded response. It handles the boilerplate of wrapping
// [httptest.ResponseRecorder] in a [bh2.ResponseWriter] and flushing the
// buffer afterward.
func CallHandler(handler bh2.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	w := bh2.NewResponseWriter(rec, -1)

	if err := handler(req.Context(), w, req); err != nil {
		panic("h2apptest: handler returned error: " + err.Error())
	}

	if err := w.FlushBuffer(); err != nil {
		panic("h2apptest: FlushBuffer failed: " + err.Error())
	}

	return rec
}

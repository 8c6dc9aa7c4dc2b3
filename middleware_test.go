package bh2_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/advdv/bh2"
	"github.com/stretchr/testify/require"
)

func appendingMiddleware(trace *[]string, name string) bh2.Middleware {
	return func(next bh2.Handler) bh2.Handler {
		return bh2.HandlerFunc(func(ctx context.Context, w bh2.ResponseWriter, r *http.Request) error {
			*trace = append(*trace, name+":before")
			err := next.ServeBH2(ctx, w, r)
			*trace = append(*trace, name+":after")

			return err
		})
	}
}

func TestWrapOrder(t *testing.T) {
	var trace []string

	h := bh2.Wrap(
		bh2.HandlerFunc(func(_ context.Context, _ bh2.ResponseWriter, _ *http.Request) error {
			trace = append(trace, "handler")

			return nil
		}),
		appendingMiddleware(&trace, "mw1"),
		appendingMiddleware(&trace, "mw2"),
	)

	rec := httptest.NewRecorder()
	w := bh2.NewResponseWriter(rec, -1)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, h.ServeBH2(req.Context(), w, req))

	// the first middleware is the outermost wrapping
	require.Equal(t, []string{
		"mw1:before", "mw2:before", "handler", "mw2:after", "mw1:after",
	}, trace)
}

func TestWrapWithoutMiddleware(t *testing.T) {
	inner := bh2.HandlerFunc(func(_ context.Context, _ bh2.ResponseWriter, _ *http.Request) error {
		return nil
	})

	rec := httptest.NewRecorder()
	w := bh2.NewResponseWriter(rec, -1)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, bh2.Wrap(inner).ServeBH2(req.Context(), w, req))
}

func TestMiddlewareReplacesResponse(t *testing.T) {
	replaceOnError := func(next bh2.Handler) bh2.Handler {
		return bh2.HandlerFunc(func(ctx context.Context, w bh2.ResponseWriter, r *http.Request) error {
			if err := next.ServeBH2(ctx, w, r); err != nil {
				w.Reset()
				w.WriteHeader(http.StatusTeapot)
				_, _ = w.Write([]byte("replaced"))
			}

			return nil
		})
	}

	logs := bh2.NewTestLogger(t)
	mux := bh2.NewServeMux(logs)
	mux.Use(replaceOnError)
	mux.HandleFunc("GET /fail", func(_ context.Context, w bh2.ResponseWriter, _ *http.Request) error {
		_, _ = w.Write([]byte("half-written response"))

		return bh2.NewError(bh2.CodeInternalServerError, errors.New("boom"))
	})

	rec, req := httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/fail", nil)
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, "replaced", rec.Body.String())
}

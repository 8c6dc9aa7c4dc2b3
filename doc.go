// Package bh2 implements an HTTP/2 server connection core with buffered,
// error-returning handlers.
//
// # Overview
//
// bh2 has two layers. The protocol plane serves accepted connections per
// RFC 9113: frame parsing, settings negotiation, flow control, stream
// lifecycle, and abuse detection against the rapid-reset (CVE-2023-44487)
// and made-you-reset attack patterns. The handler plane extends the
// standard library's HTTP handling with buffered response writers that
// allow complete response rewriting on errors, and handlers that return
// errors instead of requiring inline error handling.
//
// A minimal example:
//
//	mux := bh2.NewServeMux(bh2.NewZapLogger(logs))
//	mux.HandleFunc("GET /items/{id}", func(ctx context.Context, w bh2.ResponseWriter, r *http.Request) error {
//	    item, err := db.GetItem(r.PathValue("id"))
//	    if err != nil {
//	        return bh2.NewError(bh2.CodeNotFound, err)
//	    }
//	    json.NewEncoder(w).Encode(item)
//	    return nil
//	}, "get-item")
//
//	for {
//	    nc, err := ln.Accept()
//	    if err != nil {
//	        return err
//	    }
//	    go bh2.NewConn(nc, bh2.DefaultConfig(), mux, logs, nil).Serve(ctx)
//	}
//
// # Connections and Streams
//
// [Conn] serves one accepted TCP or TLS connection. A single dispatcher
// goroutine owns frame reading and all connection-level bookkeeping,
// including the abuse counters, which are deliberately lock-free. Each
// stream runs its handler on its own goroutine; responses funnel through
// the shared connection writer under flow control.
//
// [Config] bundles the protocol parameters of one listener: frame and
// header size bounds, stream concurrency, flow-control windows, and the
// abuse-detection budgets. Validate rejects impossible values at build
// time; wire-level bounds are enforced by the protocol layer.
//
// # Abuse Detection
//
// The connection tracks two attack patterns. A rapid reset is a stream the
// client resets before any response bytes were written; more than
// [Config.MaxRapidResets] of them inside one [Config.RapidResetCheckPeriod]
// window force-closes the connection with a GOAWAY carrying
// ENHANCE_YOUR_CALM. Made-you-reset counts server-initiated stream resets
// and closes the connection when the counter exceeds both the same budget
// and a quarter of the highest stream id seen. Setting MaxRapidResets to -1
// disables both detectors.
//
// # Buffered Response Writer
//
// The [ResponseWriter] interface extends http.ResponseWriter with
// buffering. All writes are held in memory until explicitly flushed or
// until the handler returns successfully, so a handler error can replace a
// half-written response before any frame leaves the connection.
//
// Key methods:
//   - [ResponseWriter.Reset] clears the buffer and headers for a fresh response
//   - [ResponseWriter.FlushBuffer] writes buffered content to the underlying writer
//   - [ResponseWriter.Free] returns the buffer to a pool (called automatically by the mux)
//
// # Error Handling
//
// When a handler returns an error, the buffer is automatically reset and an
// appropriate HTTP error response is generated:
//
//   - [*Error] (created with [NewError]): uses the error's code and message
//   - Other errors: logged and converted to 500 Internal Server Error
//
// Protocol faults use a separate taxonomy: [ConnError] terminates the
// connection with a GOAWAY carrying its [ErrCode], [StreamError] resets the
// affected stream and keeps the connection serving. Unless
// [Config.SendErrorDetails] is enabled, wire-visible payloads never carry
// internal error text.
//
// # Middleware, Named Routes
//
// [ServeMux] is the HTTP multiplexer of the handler plane: [ServeMux.Use]
// registers [Middleware] (before any Handle call), routes can be named for
// URL generation through [ServeMux.Reverse], and [ServeMux.Mount] nests
// handlers under a path prefix. The mux implements http.Handler, which is
// also the shape the stream layer dispatches into, so it plugs into
// [NewConn] directly.
package bh2

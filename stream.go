package bh2

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// streamState is the RFC 9113 section 5.1 stream state, driven exclusively
// from the connection dispatcher goroutine.
type streamState uint8

const (
	streamIdle streamState = iota
	streamOpen
	streamHalfClosedRemote
	streamHalfClosedLocal
	streamClosed
)

// writeState tracks how far the response side of a stream has progressed.
// Transitions only ever move forward; the dispatcher goroutine reads it to
// decide whether a client reset arrived before any response bytes, which is
// the rapid-reset predicate.
type writeState uint32

const (
	writeStateInit writeState = iota
	writeStateHeadersSent
	writeStateDataSent
	writeStateTrailersSent
	writeStateEnd
)

// inboundQueueSize bounds how many DATA payloads may sit between the
// dispatcher and a slow handler before the dispatcher blocks.
const inboundQueueSize = 32

type inboundData struct {
	data []byte
	// flowLen is the wire payload length including padding; flow-control
	// credit is returned for this amount, not for len(data).
	flowLen   int64
	endStream bool
}

// stream is one HTTP/2 request/response exchange. Created when a complete
// header block arrives, destroyed when the exchange completes or the stream
// is reset. Frame-level bookkeeping happens on the connection dispatcher
// goroutine; the handler runs on its own goroutine and only touches the
// shared connection writer and the flow-control windows.
type stream struct {
	id   uint32
	conn *Conn
	logs *zap.Logger

	state      streamState
	writeState atomic.Uint32

	outflow *outflow
	inflow  *inflow

	inbound chan inboundData

	// remaining request bytes per content-length, -1 when unknown
	remainingLength int64

	closeOnce sync.Once
	done      chan struct{}
	resetCode atomic.Uint32
	wasReset  atomic.Bool
}

func newStream(conn *Conn, id uint32, req *ServerRequest) *stream {
	st := &stream{
		id:              id,
		conn:            conn,
		logs:            conn.logs.With(zap.Uint32("stream", id)),
		state:           streamOpen,
		outflow:         newOutflow(conn.clientSettings().InitialWindowSize, conn.cfg.FlowControlTimeout),
		inflow:          newInflow(conn.cfg.InitialWindowSize),
		inbound:         make(chan inboundData, inboundQueueSize),
		remainingLength: req.ContentLength(),
		done:            make(chan struct{}),
	}

	return st
}

// transitionWriteState moves the response write state forward, rejecting
// regressions and writes after the stream ended.
func (st *stream) transitionWriteState(to writeState) error {
	cur := writeState(st.writeState.Load())
	if to < cur || cur == writeStateEnd {
		return streamError(st.id, ErrCodeInternal, "illegal write state transition %d -> %d", cur, to)
	}
	st.writeState.Store(uint32(to))

	return nil
}

// resetBeforeResponse reports whether the client reset this stream before
// the server wrote any response bytes.
func (st *stream) resetBeforeResponse() bool {
	return writeState(st.writeState.Load()) == writeStateInit
}

// receiveData queues one DATA payload for the handler goroutine, called on
// the dispatcher goroutine. A full queue blocks only while the handler is
// still around to drain it; once the stream or the connection is done the
// payload is dropped and its connection window credit returned, so a peer
// flooding an unread body can never wedge the dispatcher.
func (st *stream) receiveData(data []byte, flowLen int64, endStream bool) error {
	if st.state != streamOpen && st.state != streamHalfClosedLocal {
		return streamError(st.id, ErrCodeStreamClosed, "DATA on stream in state %d", st.state)
	}

	if st.remainingLength >= 0 {
		st.remainingLength -= int64(len(data))
		if st.remainingLength < 0 || (endStream && st.remainingLength != 0) {
			return streamError(st.id, ErrCodeEnhanceYourCalm,
				"request data length does not correspond to the content-length header")
		}
	}

	if endStream {
		st.state = streamHalfClosedRemote
	}

	select {
	case st.inbound <- inboundData{data: data, flowLen: flowLen, endStream: endStream}:
		return nil
	case <-st.done:
		st.conn.releaseConnFlow(flowLen)

		return nil
	case <-st.conn.done:
		return nil
	}
}

// endInbound marks the request side done without data, for HEADERS carrying
// END_STREAM.
func (st *stream) endInbound() {
	st.state = streamHalfClosedRemote

	select {
	case st.inbound <- inboundData{endStream: true}:
	case <-st.done:
	case <-st.conn.done:
	}
}

// receiveRst handles a client RST_STREAM: the stream is closed immediately
// and the handler goroutine is interrupted via the done channel.
func (st *stream) receiveRst(code ErrCode) {
	st.state = streamClosed
	st.wasReset.Store(true)
	st.resetCode.Store(uint32(code))
	st.closeOnce.Do(func() { close(st.done) })
}

// closeForConn interrupts the stream because the connection is going down.
func (st *stream) closeForConn() {
	st.state = streamClosed
	st.closeOnce.Do(func() { close(st.done) })
}

// releaseFlow returns consumed body bytes to the stream and connection
// inbound windows, announcing batched WINDOW_UPDATE increments.
func (st *stream) releaseFlow(n int64) {
	if n == 0 {
		return
	}

	if inc := st.inflow.release(n, int64(st.conn.cfg.InitialWindowSize)); inc > 0 {
		if err := st.conn.writer.WriteWindowUpdate(st.id, uint32(inc)); err != nil {
			st.logs.Debug("stream window update failed", zap.Error(err))
		}
	}
	if inc := st.conn.connInflow.release(n, int64(st.conn.cfg.InitialWindowSize)); inc > 0 {
		if err := st.conn.writer.WriteWindowUpdate(0, uint32(inc)); err != nil {
			st.logs.Debug("connection window update failed", zap.Error(err))
		}
	}
}

// run serves the request on its own goroutine and finishes the response
// side of the stream. Called once per stream.
func (st *stream) run(ctx context.Context, req *ServerRequest) {
	defer st.cleanup()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-st.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	body := &bodyReader{st: st}
	httpReq := req.toHTTP(ctx, body)

	sw := &streamWriter{st: st, header: make(http.Header)}
	st.conn.handler.ServeHTTP(sw, httpReq)

	if st.wasReset.Load() {
		return
	}

	if err := sw.finish(); err != nil {
		st.logs.Debug("finishing response failed", zap.Error(err))
	}
}

// cleanup runs when the handler goroutine exits. The stream leaves the
// connection's table so later frames take the closed-stream path, the done
// channel wakes a dispatcher blocked on a full inbound queue, and credit
// for body chunks the handler never read goes back to the connection
// window.
func (st *stream) cleanup() {
	st.conn.streamDone(st)
	st.closeOnce.Do(func() { close(st.done) })

	for {
		select {
		case chunk := <-st.inbound:
			st.conn.releaseConnFlow(chunk.flowLen)
		default:
			return
		}
	}
}

// bodyReader adapts the inbound DATA queue into the request body. Read only
// runs on the stream's handler goroutine.
type bodyReader struct {
	st    *stream
	cur   []byte
	ended bool
}

func (r *bodyReader) Read(p []byte) (int, error) {
	for len(r.cur) == 0 {
		if r.ended {
			return 0, io.EOF
		}

		select {
		case chunk := <-r.st.inbound:
			r.cur = chunk.data
			r.ended = chunk.endStream
			r.st.releaseFlow(chunk.flowLen)
		case <-r.st.done:
			if r.st.wasReset.Load() {
				return 0, streamError(r.st.id, ErrCode(r.st.resetCode.Load()), "stream reset while reading body")
			}

			return 0, io.ErrUnexpectedEOF
		}
	}

	n := copy(p, r.cur)
	r.cur = r.cur[n:]

	return n, nil
}

func (r *bodyReader) Close() error {
	r.cur = nil
	r.ended = true

	return nil
}

// streamWriter is the frame-level http.ResponseWriter of one stream. The
// buffered handler plane sits on top of it, so by the time bytes arrive
// here the response is final.
type streamWriter struct {
	st     *stream
	header http.Header
	status int

	wroteHeader bool
	wroteData   bool
}

func (w *streamWriter) Header() http.Header { return w.header }

func (w *streamWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = status

	if err := w.st.transitionWriteState(writeStateHeadersSent); err != nil {
		w.st.logs.Debug("response headers skipped", zap.Error(err))

		return
	}

	if err := w.st.conn.writer.WriteHeaders(w.st.id, status, w.header, false); err != nil {
		w.st.logs.Debug("writing response headers failed", zap.Error(err))
	}
}

func (w *streamWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}

	if !w.wroteData {
		if err := w.st.transitionWriteState(writeStateDataSent); err != nil {
			return 0, err
		}
		w.wroteData = true
	}

	return w.st.conn.writer.WriteData(
		w.st.done, w.st.id, p, false, w.st.conn.connOutflow, w.st.outflow)
}

// Flush is a no-op: frames leave the connection as they are written. It
// exists so http.ResponseController finds a flusher.
func (w *streamWriter) Flush() {}

// finish closes the response side: trailers when the handler declared any,
// otherwise an empty DATA frame carrying END_STREAM.
func (w *streamWriter) finish() error {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}

	if trailer := w.collectTrailer(); len(trailer) > 0 {
		if err := w.st.transitionWriteState(writeStateTrailersSent); err != nil {
			return err
		}
		if err := w.st.conn.writer.WriteTrailers(w.st.id, trailer); err != nil {
			return err
		}

		return w.st.transitionWriteState(writeStateEnd)
	}

	if _, err := w.st.conn.writer.WriteData(
		w.st.done, w.st.id, nil, true, w.st.conn.connOutflow, w.st.outflow); err != nil {
		return err
	}

	return w.st.transitionWriteState(writeStateEnd)
}

// collectTrailer gathers header fields declared as trailers through the
// standard library's http.TrailerPrefix convention.
func (w *streamWriter) collectTrailer() map[string][]string {
	var trailer map[string][]string
	for name, vals := range w.header {
		if !strings.HasPrefix(name, http.TrailerPrefix) {
			continue
		}
		if trailer == nil {
			trailer = make(map[string][]string)
		}
		trailer[strings.TrimPrefix(name, http.TrailerPrefix)] = vals
	}

	return trailer
}

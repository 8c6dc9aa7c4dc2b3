package bh2

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/net/http2/hpack"
)

// clientPreface is the fixed byte sequence every HTTP/2 client connection
// starts with, RFC 9113 section 3.4.
const clientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// errClientGoAway signals that the peer announced connection shutdown; the
// dispatch loop treats it as a clean stop.
var errClientGoAway = errors.New("bh2: client sent GOAWAY")

// Conn serves one accepted HTTP/2 connection. A single dispatcher goroutine
// owned by Serve reads and interprets every frame; streams hand their
// responses to the shared frame writer from their own goroutines. All
// connection-level bookkeeping, including the abuse counters, lives on the
// dispatcher goroutine and is unlocked on purpose.
type Conn struct {
	cfg     Config
	logs    *zap.Logger
	handler http.Handler
	metrics *Metrics

	nc     net.Conn
	br     *bufio.Reader
	writer *ConnWriter
	checks *connChecks
	hdec   *hpack.Decoder

	connOutflow *outflow
	connInflow  *inflow

	// dispatcher goroutine state
	peerSettings Settings
	lastStreamID uint32
	emptyFrames  int

	continuation struct {
		active    bool
		trailers  bool
		streamID  uint32
		endStream bool
		block     []byte
	}

	// streams is shared with handler goroutines that remove themselves on
	// completion, hence the lock. Frame dispatch into a stream still only
	// happens on the dispatcher goroutine.
	streamMu sync.Mutex
	streams  map[uint32]*stream

	goAwaySent atomic.Bool
	finished   atomic.Bool
	closeOnce  sync.Once
	done       chan struct{}

	isTLS bool
}

// NewConn prepares an accepted connection for serving. The config is
// expected to have passed Validate; zero values are filled with defaults.
// Metrics may be nil.
func NewConn(nc net.Conn, cfg Config, handler http.Handler, logs *zap.Logger, metrics *Metrics) *Conn {
	cfg = cfg.withDefaults()

	_, isTLS := nc.(*tls.Conn)

	logs = logs.With(
		zap.String("socket", cfg.Name),
		zap.String("remote", nc.RemoteAddr().String()))

	c := &Conn{
		cfg:          cfg,
		logs:         logs,
		handler:      handler,
		metrics:      metrics,
		nc:           nc,
		br:           bufio.NewReader(nc),
		writer:       newConnWriter(nc, logs, metrics),
		hdec:         hpack.NewDecoder(defaultHeaderTableSize, nil),
		connOutflow:  newOutflow(defaultWindowSize, cfg.FlowControlTimeout),
		connInflow:   newInflow(cfg.InitialWindowSize),
		peerSettings: defaultSettings(),
		streams:      make(map[uint32]*stream),
		done:         make(chan struct{}),
		isTLS:        isTLS,
	}
	c.checks = newConnChecks(cfg, logs, c, c, metrics)

	return c
}

// Serve runs the connection until the peer disconnects, the context is
// canceled or a connection-fatal protocol fault occurs. It blocks for the
// connection's lifetime and always closes the underlying net.Conn.
func (c *Conn) Serve(ctx context.Context) error {
	defer c.teardown()

	stop := context.AfterFunc(ctx, func() { c.close(true) })
	defer stop()

	if err := c.readPreface(); err != nil {
		return err
	}

	if err := c.writer.WriteSettings(serverSettings(c.cfg)); err != nil {
		return err
	}
	if c.cfg.InitialWindowSize > defaultWindowSize {
		if err := c.writer.WriteWindowUpdate(0, c.cfg.InitialWindowSize-defaultWindowSize); err != nil {
			return err
		}
	}

	err := c.dispatch(ctx)
	switch {
	case err == nil, errors.Is(err, errClientGoAway), errors.Is(err, io.EOF):
		if !c.finished.Load() {
			_ = c.WriteGoAway(c.lastStreamID, ErrCodeNoError, "")
		}

		return nil
	default:
		if cerr, ok := asConnError(err); ok && !c.finished.Load() {
			detail := ""
			if c.cfg.SendErrorDetails {
				detail = cerr.Error()
			}
			_ = c.WriteGoAway(c.lastStreamID, cerr.Code, detail)
		}

		return err
	}
}

// WriteGoAway emits at most one GOAWAY for the connection's lifetime; later
// calls are dropped so a force-close and the regular teardown can never
// race into a double GOAWAY.
func (c *Conn) WriteGoAway(lastStreamID uint32, code ErrCode, debugData string) error {
	if !c.goAwaySent.CompareAndSwap(false, true) {
		return nil
	}

	return c.writer.WriteGoAway(lastStreamID, code, debugData)
}

// finish suppresses the automatic GOAWAY that teardown would otherwise
// emit.
func (c *Conn) finish() { c.finished.Store(true) }

// close stops the connection. With interrupt set the socket is closed
// immediately, cutting off in-flight frame processing; otherwise the
// dispatcher drains its current frame and exits on the next read.
func (c *Conn) close(interrupt bool) {
	c.closeOnce.Do(func() {
		close(c.done)
		if interrupt {
			_ = c.nc.Close()

			return
		}
		_ = c.nc.SetReadDeadline(time.Now())
	})
}

func (c *Conn) teardown() {
	c.close(true)

	c.streamMu.Lock()
	open := len(c.streams)
	for _, st := range c.streams {
		st.closeForConn()
	}
	c.streams = make(map[uint32]*stream)
	c.streamMu.Unlock()

	c.metrics.addOpenStreams(-float64(open))
	_ = c.nc.Close()

	c.logs.Debug("connection closed")
}

func (c *Conn) readPreface() error {
	buf := make([]byte, len(clientPreface))
	if _, err := io.ReadFull(c.br, buf); err != nil {
		return errors.Wrap(err, "read client preface")
	}
	if string(buf) != clientPreface {
		return connError(ErrCodeProtocol, "invalid client connection preface")
	}

	return nil
}

// dispatch is the frame loop: read one frame, hand it to the handler for
// its type, repeat. Stream-level faults reset the stream and keep the loop
// going; connection-level faults unwind it.
func (c *Conn) dispatch(ctx context.Context) error {
	var hdrBuf [FrameHeaderLen]byte

	for {
		select {
		case <-c.done:
			return nil
		default:
		}

		h, err := readFrameHeader(c.br, hdrBuf[:])
		if err != nil {
			select {
			case <-c.done:
				// close interrupted the read, clean stop
				return nil
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}

			return err
		}

		if h.Length > c.cfg.MaxFrameSize {
			return connError(ErrCodeFrameSize, "frame of %d bytes exceeds max frame size %d", h.Length, c.cfg.MaxFrameSize)
		}
		if err := checkFrameLength(h.Type, h.Length); err != nil {
			return err
		}

		payload := make([]byte, h.Length)
		if _, err := io.ReadFull(c.br, payload); err != nil {
			return errors.Wrap(err, "read frame payload")
		}

		c.logs.Debug("recv frame",
			zap.Stringer("type", h.Type),
			zap.Uint32("stream", h.StreamID),
			zap.Uint32("length", h.Length),
			zap.Uint8("flags", uint8(h.Flags)))

		if c.continuation.active && (h.Type != FrameContinuation || h.StreamID != c.continuation.streamID) {
			return connError(ErrCodeProtocol, "expected CONTINUATION for stream %d, got %s for stream %d",
				c.continuation.streamID, h.Type, h.StreamID)
		}

		if err := c.dispatchFrame(ctx, h, payload); err != nil {
			if serr, ok := asStreamError(err); ok {
				c.logs.Debug("stream fault", zap.Error(serr))
				if err := c.resetStream(serr.StreamID, serr.Code); err != nil {
					return err
				}

				continue
			}

			return err
		}
	}
}

func (c *Conn) dispatchFrame(ctx context.Context, h FrameHeader, payload []byte) error {
	switch h.Type {
	case FrameSettings:
		return c.handleSettings(h, payload)
	case FrameHeaders:
		return c.handleHeaders(ctx, h, payload)
	case FrameContinuation:
		return c.handleContinuation(ctx, h, payload)
	case FrameData:
		return c.handleData(h, payload)
	case FramePriority:
		return c.handlePriority(h, payload)
	case FrameRSTStream:
		return c.handleRSTStream(h, payload)
	case FramePing:
		return c.handlePing(h, payload)
	case FrameGoAway:
		return c.handleGoAway(payload)
	case FrameWindowUpdate:
		return c.handleWindowUpdate(h, payload)
	case FramePushPromise:
		return connError(ErrCodeProtocol, "PUSH_PROMISE from client")
	default:
		// unknown frame types are ignored, RFC 9113 section 4.1
		return nil
	}
}

func (c *Conn) handleSettings(h FrameHeader, payload []byte) error {
	if h.StreamID != 0 {
		return connError(ErrCodeProtocol, "SETTINGS on stream %d", h.StreamID)
	}

	if h.Flags.Has(FlagAck) {
		if h.Length != 0 {
			return connError(ErrCodeFrameSize, "SETTINGS ACK with %d payload bytes", h.Length)
		}

		return nil
	}

	s, err := parseSettings(payload)
	if err != nil {
		return err
	}

	prev := c.peerSettings
	c.peerSettings = s

	c.writer.setMaxFrameSize(s.MaxFrameSize)
	if s.Has(SettingHeaderTableSize) {
		c.writer.updateHeaderTableSize(s.HeaderTableSize)
	}

	if delta := int64(s.InitialWindowSize) - int64(prev.InitialWindowSize); delta != 0 {
		c.streamMu.Lock()
		for _, st := range c.streams {
			st.outflow.adjustInitial(delta)
		}
		c.streamMu.Unlock()
	}

	return c.writer.WriteSettingsAck()
}

func (c *Conn) handlePing(h FrameHeader, payload []byte) error {
	if h.StreamID != 0 {
		return connError(ErrCodeProtocol, "PING on stream %d", h.StreamID)
	}
	if h.Flags.Has(FlagAck) {
		return nil
	}

	return c.writer.WritePingAck(payload)
}

func (c *Conn) handleGoAway(payload []byte) error {
	g, err := parseGoAway(payload)
	if err != nil {
		return err
	}

	c.logs.Debug("client goaway",
		zap.Stringer("code", g.Code),
		zap.Uint32("lastStream", g.LastStreamID),
		zap.ByteString("debug", g.DebugData))

	return errClientGoAway
}

func (c *Conn) handleWindowUpdate(h FrameHeader, payload []byte) error {
	wu, err := parseWindowUpdate(payload)
	if err != nil {
		return err
	}

	if wu.Increment == 0 {
		if h.StreamID == 0 {
			return connError(ErrCodeProtocol, "WINDOW_UPDATE with zero increment")
		}

		return streamError(h.StreamID, ErrCodeProtocol, "WINDOW_UPDATE with zero increment")
	}

	if h.StreamID == 0 {
		if _, ok := c.connOutflow.add(int64(wu.Increment)); !ok {
			return connError(ErrCodeFlowControl, "connection window overflows 2^31-1")
		}

		return nil
	}

	st := c.getStream(h.StreamID)
	if st == nil {
		// stream may have completed; stale updates are not a fault
		return nil
	}
	if _, ok := st.outflow.add(int64(wu.Increment)); !ok {
		return streamError(h.StreamID, ErrCodeFlowControl, "stream window overflows 2^31-1")
	}

	return nil
}

func (c *Conn) handlePriority(h FrameHeader, payload []byte) error {
	if h.StreamID == 0 {
		return connError(ErrCodeProtocol, "PRIORITY on stream 0")
	}

	p, err := parsePriority(payload)
	if err != nil {
		return err
	}
	if p.DependsOn == h.StreamID {
		return streamError(h.StreamID, ErrCodeProtocol, "stream depends on itself")
	}

	// priorities are recorded but do not influence scheduling
	c.logs.Debug("priority",
		zap.Uint32("stream", h.StreamID),
		zap.Uint32("dependsOn", p.DependsOn),
		zap.Uint8("weight", p.Weight))

	return nil
}

func (c *Conn) handleRSTStream(h FrameHeader, payload []byte) error {
	if h.StreamID == 0 {
		return connError(ErrCodeProtocol, "RST_STREAM on stream 0")
	}

	rst, err := parseRSTStream(payload)
	if err != nil {
		return err
	}

	st := c.getStream(h.StreamID)
	if st == nil {
		if h.StreamID > c.lastStreamID {
			return connError(ErrCodeProtocol, "RST_STREAM on idle stream %d", h.StreamID)
		}

		// already completed or reset
		return nil
	}

	rapid := st.resetBeforeResponse()
	st.receiveRst(rst.Code)
	c.removeStream(st.id)

	c.logs.Debug("client reset stream",
		zap.Uint32("stream", h.StreamID),
		zap.Stringer("code", rst.Code),
		zap.Bool("rapid", rapid))

	if rapid {
		return c.checks.rapidResetCheck()
	}

	return nil
}

func (c *Conn) handleHeaders(ctx context.Context, h FrameHeader, payload []byte) error {
	if h.StreamID == 0 {
		return connError(ErrCodeProtocol, "HEADERS on stream 0")
	}

	var err error
	if h.Flags.Has(FlagPadded) {
		if payload, err = stripPadding(payload); err != nil {
			return err
		}
	}
	if h.Flags.Has(FlagPriority) {
		if len(payload) < 5 {
			return connError(ErrCodeFrameSize, "HEADERS too short for priority fields")
		}
		payload = payload[5:]
	}

	trailers := c.getStream(h.StreamID) != nil
	if trailers && !h.Flags.Has(FlagEndStream) {
		return streamError(h.StreamID, ErrCodeProtocol, "trailing HEADERS without END_STREAM")
	}

	c.continuation.active = true
	c.continuation.trailers = trailers
	c.continuation.streamID = h.StreamID
	c.continuation.endStream = h.Flags.Has(FlagEndStream)
	c.continuation.block = append(c.continuation.block[:0], payload...)

	if len(c.continuation.block) > int(c.cfg.MaxHeaderListSize) {
		return connError(ErrCodeEnhanceYourCalm, "header block exceeds max header list size %d", c.cfg.MaxHeaderListSize)
	}

	if h.Flags.Has(FlagEndHeaders) {
		return c.finishHeaderBlock(ctx)
	}

	return nil
}

func (c *Conn) handleContinuation(ctx context.Context, h FrameHeader, payload []byte) error {
	if !c.continuation.active {
		return connError(ErrCodeProtocol, "CONTINUATION without open header block")
	}

	c.continuation.block = append(c.continuation.block, payload...)
	if len(c.continuation.block) > int(c.cfg.MaxHeaderListSize) {
		return connError(ErrCodeEnhanceYourCalm, "header block exceeds max header list size %d", c.cfg.MaxHeaderListSize)
	}

	if h.Flags.Has(FlagEndHeaders) {
		return c.finishHeaderBlock(ctx)
	}

	return nil
}

// finishHeaderBlock decodes a completed header block and either opens a new
// stream or ends the request side for trailing headers. The HPACK decoder
// must see every block, including ones for streams we end up refusing,
// because its dynamic table is connection state.
func (c *Conn) finishHeaderBlock(ctx context.Context) error {
	streamID := c.continuation.streamID
	endStream := c.continuation.endStream
	trailers := c.continuation.trailers
	block := c.continuation.block
	c.continuation.active = false

	fields, err := c.hdec.DecodeFull(block)
	if err != nil {
		return connError(ErrCodeCompression, "header block decoding failed: %s", err)
	}

	if trailers {
		if st := c.getStream(streamID); st != nil {
			st.endInbound()
		}

		return nil
	}

	if streamID%2 == 0 {
		return connError(ErrCodeProtocol, "client stream id %d is not odd", streamID)
	}
	if streamID <= c.lastStreamID {
		return connError(ErrCodeProtocol, "stream id %d not above previous %d", streamID, c.lastStreamID)
	}
	c.lastStreamID = streamID

	if uint32(c.streamCount()) >= c.cfg.MaxConcurrentStreams {
		c.metrics.incStreamsRefused()

		return streamError(streamID, ErrCodeRefusedStream, "too many concurrent streams")
	}

	req, err := newServerRequest(streamID, fields, endStream,
		c.cfg, c.isTLS, c.nc.RemoteAddr(), c.nc.LocalAddr())
	if err != nil {
		return err
	}

	st := newStream(c, streamID, req)
	c.addStream(st)
	c.metrics.addOpenStreams(1)

	if endStream {
		st.endInbound()
	}

	go st.run(ctx, req)

	return nil
}

func (c *Conn) handleData(h FrameHeader, payload []byte) error {
	if h.StreamID == 0 {
		return connError(ErrCodeProtocol, "DATA on stream 0")
	}

	endStream := h.Flags.Has(FlagEndStream)
	if h.Length == 0 && !endStream {
		c.emptyFrames++
		if c.emptyFrames > c.cfg.MaxEmptyFrames {
			return connError(ErrCodeEnhanceYourCalm, "more than %d consecutive empty frames", c.cfg.MaxEmptyFrames)
		}
	} else if h.Length > 0 {
		c.emptyFrames = 0
	}

	// padding counts toward flow control, so take before stripping
	flowLen := int64(h.Length)
	if !c.connInflow.take(flowLen) {
		return connError(ErrCodeFlowControl, "DATA overruns the connection window")
	}

	st := c.getStream(h.StreamID)
	if st == nil {
		c.releaseConnFlow(flowLen)
		if h.StreamID > c.lastStreamID {
			return connError(ErrCodeProtocol, "DATA on idle stream %d", h.StreamID)
		}

		return streamError(h.StreamID, ErrCodeStreamClosed, "DATA on closed stream")
	}

	if !st.inflow.take(flowLen) {
		return streamError(h.StreamID, ErrCodeFlowControl, "DATA overruns the stream window")
	}

	var err error
	if h.Flags.Has(FlagPadded) {
		if payload, err = stripPadding(payload); err != nil {
			return err
		}
	}

	return st.receiveData(payload, flowLen, endStream)
}

// releaseConnFlow returns connection window credit for body bytes that were
// dropped instead of handed to a handler, announcing batched WINDOW_UPDATE
// increments.
func (c *Conn) releaseConnFlow(n int64) {
	if n == 0 {
		return
	}
	if inc := c.connInflow.release(n, int64(c.cfg.InitialWindowSize)); inc > 0 {
		_ = c.writer.WriteWindowUpdate(0, uint32(inc))
	}
}

// resetStream is the server-initiated stream reset path. Every reset feeds
// the made-you-reset detector.
func (c *Conn) resetStream(streamID uint32, code ErrCode) error {
	if st := c.getStream(streamID); st != nil {
		st.receiveRst(code)
		c.removeStream(streamID)
	}

	if err := c.writer.WriteRSTStream(streamID, code); err != nil {
		return err
	}

	return c.checks.madeYouResetCheck(c.lastStreamID)
}

// streamDone is called from a stream's handler goroutine when the exchange
// completed.
func (c *Conn) streamDone(st *stream) {
	c.streamMu.Lock()
	_, present := c.streams[st.id]
	delete(c.streams, st.id)
	c.streamMu.Unlock()

	if present {
		c.metrics.addOpenStreams(-1)
	}
}

// clientSettings returns the peer's current settings snapshot; dispatcher
// goroutine only.
func (c *Conn) clientSettings() Settings { return c.peerSettings }

func (c *Conn) getStream(id uint32) *stream {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()

	return c.streams[id]
}

func (c *Conn) addStream(st *stream) {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()

	c.streams[st.id] = st
}

func (c *Conn) removeStream(id uint32) {
	c.streamMu.Lock()
	_, present := c.streams[id]
	delete(c.streams, id)
	c.streamMu.Unlock()

	if present {
		c.metrics.addOpenStreams(-1)
	}
}

// streamCount reports how many streams are currently tracked.
func (c *Conn) streamCount() int {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()

	return len(c.streams)
}

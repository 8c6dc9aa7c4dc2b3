package bh2

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/net/http2/hpack"
)

// ConnWriter serializes frames onto one connection. It is connection-scoped
// and shared between the dispatcher goroutine (settings, acks, GOAWAY,
// window updates) and stream goroutines (response frames), so every write
// happens under its lock. The HPACK encoder state lives here because header
// blocks of different streams must never interleave on the wire.
type ConnWriter struct {
	mu     sync.Mutex
	out    *bufio.Writer
	hdrBuf bytes.Buffer
	henc   *hpack.Encoder
	logs   *zap.Logger

	metrics *Metrics

	// peer's MAX_FRAME_SIZE, bounds outbound payload splitting
	maxFrameSize atomic.Uint32
}

func newConnWriter(w io.Writer, logs *zap.Logger, metrics *Metrics) *ConnWriter {
	cw := &ConnWriter{
		out:     bufio.NewWriter(w),
		logs:    logs,
		metrics: metrics,
	}
	cw.henc = hpack.NewEncoder(&cw.hdrBuf)
	cw.maxFrameSize.Store(defaultMaxFrameSize)

	return cw
}

// setMaxFrameSize adopts the peer's advertised MAX_FRAME_SIZE.
func (w *ConnWriter) setMaxFrameSize(v uint32) { w.maxFrameSize.Store(v) }

// updateHeaderTableSize adopts the peer's advertised HEADER_TABLE_SIZE for
// the response encoder.
func (w *ConnWriter) updateHeaderTableSize(v uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.henc.SetMaxDynamicTableSize(v)
}

func (w *ConnWriter) writeFrame(h FrameHeader, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.writeFrameLocked(h, payload)
}

func (w *ConnWriter) writeFrameLocked(h FrameHeader, payload []byte) error {
	w.logs.Debug("send frame",
		zap.Stringer("type", h.Type),
		zap.Uint32("stream", h.StreamID),
		zap.Uint32("length", h.Length),
		zap.Uint8("flags", uint8(h.Flags)))

	var hdr [FrameHeaderLen]byte
	if _, err := w.out.Write(h.appendTo(hdr[:0])); err != nil {
		return errors.Wrap(err, "write frame header")
	}

	if len(payload) > 0 {
		if _, err := w.out.Write(payload); err != nil {
			return errors.Wrap(err, "write frame payload")
		}
	}

	return errors.Wrap(w.out.Flush(), "flush frame")
}

// WriteSettings writes a non-ACK SETTINGS frame on stream 0.
func (w *ConnWriter) WriteSettings(s Settings) error {
	payload := s.appendPayload(nil)

	return w.writeFrame(FrameHeader{
		Length: uint32(len(payload)),
		Type:   FrameSettings,
	}, payload)
}

// WriteSettingsAck acknowledges the peer's SETTINGS frame.
func (w *ConnWriter) WriteSettingsAck() error {
	return w.writeFrame(FrameHeader{Type: FrameSettings, Flags: FlagAck}, nil)
}

// WriteGoAway writes a GOAWAY frame on stream 0. Debug data is only ever a
// diagnostic string; callers withhold internal detail unless error details
// were explicitly enabled.
func (w *ConnWriter) WriteGoAway(lastStreamID uint32, code ErrCode, debugData string) error {
	payload := GoAway{
		LastStreamID: lastStreamID,
		Code:         code,
		DebugData:    []byte(debugData),
	}.appendPayload(nil)

	w.metrics.incGoAwaySent()

	return w.writeFrame(FrameHeader{
		Length: uint32(len(payload)),
		Type:   FrameGoAway,
	}, payload)
}

// WriteRSTStream resets a single stream.
func (w *ConnWriter) WriteRSTStream(streamID uint32, code ErrCode) error {
	payload := RSTStream{Code: code}.appendPayload(nil)

	return w.writeFrame(FrameHeader{
		Length:   uint32(len(payload)),
		Type:     FrameRSTStream,
		StreamID: streamID,
	}, payload)
}

// WritePingAck echoes the peer's 8 byte PING payload with the ACK flag.
func (w *ConnWriter) WritePingAck(data []byte) error {
	return w.writeFrame(FrameHeader{
		Length: uint32(len(data)),
		Type:   FramePing,
		Flags:  FlagAck,
	}, data)
}

// WriteWindowUpdate credits the peer's view of our inbound window.
func (w *ConnWriter) WriteWindowUpdate(streamID uint32, increment uint32) error {
	payload := WindowUpdate{Increment: increment}.appendPayload(nil)

	return w.writeFrame(FrameHeader{
		Length:   uint32(len(payload)),
		Type:     FrameWindowUpdate,
		StreamID: streamID,
	}, payload)
}

// WriteHeaders encodes a response header block and writes it as one HEADERS
// frame plus as many CONTINUATION frames as the peer's frame size requires.
func (w *ConnWriter) WriteHeaders(streamID uint32, status int, header map[string][]string, endOfStream bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.hdrBuf.Reset()
	if err := w.henc.WriteField(hpack.HeaderField{Name: ":status", Value: strconv.Itoa(status)}); err != nil {
		return errors.Wrap(err, "encode status")
	}

	for name, vals := range header {
		lower := strings.ToLower(name)
		if !validResponseHeader(lower) {
			continue
		}
		for _, val := range vals {
			if err := w.henc.WriteField(hpack.HeaderField{Name: lower, Value: val}); err != nil {
				return errors.Wrapf(err, "encode header %q", lower)
			}
		}
	}

	block := w.hdrBuf.Bytes()
	maxFrame := int(w.maxFrameSize.Load())

	first := true
	for first || len(block) > 0 {
		frag := block
		if len(frag) > maxFrame {
			frag = frag[:maxFrame]
		}
		block = block[len(frag):]

		h := FrameHeader{Length: uint32(len(frag)), StreamID: streamID}
		if first {
			h.Type = FrameHeaders
			if endOfStream {
				h.Flags |= FlagEndStream
			}
		} else {
			h.Type = FrameContinuation
		}
		if len(block) == 0 {
			h.Flags |= FlagEndHeaders
		}

		if err := w.writeFrameLocked(h, frag); err != nil {
			return err
		}
		first = false
	}

	return nil
}

// WriteTrailers encodes a trailing header block and writes it as a HEADERS
// frame (plus CONTINUATION frames) carrying END_STREAM.
func (w *ConnWriter) WriteTrailers(streamID uint32, trailer map[string][]string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.hdrBuf.Reset()
	for name, vals := range trailer {
		lower := strings.ToLower(name)
		if !validResponseHeader(lower) {
			continue
		}
		for _, val := range vals {
			if err := w.henc.WriteField(hpack.HeaderField{Name: lower, Value: val}); err != nil {
				return errors.Wrapf(err, "encode trailer %q", lower)
			}
		}
	}

	block := w.hdrBuf.Bytes()
	maxFrame := int(w.maxFrameSize.Load())

	first := true
	for first || len(block) > 0 {
		frag := block
		if len(frag) > maxFrame {
			frag = frag[:maxFrame]
		}
		block = block[len(frag):]

		h := FrameHeader{Length: uint32(len(frag)), StreamID: streamID}
		if first {
			h.Type = FrameHeaders
			h.Flags |= FlagEndStream
		} else {
			h.Type = FrameContinuation
		}
		if len(block) == 0 {
			h.Flags |= FlagEndHeaders
		}

		if err := w.writeFrameLocked(h, frag); err != nil {
			return err
		}
		first = false
	}

	return nil
}

// WriteData splits p into DATA frames bounded by the peer's frame size and
// by the connection and stream flow-control windows. It blocks while both
// windows are exhausted, re-checking on the flow-control timeout, and aborts
// when done closes.
func (w *ConnWriter) WriteData(done <-chan struct{}, streamID uint32, p []byte, endOfStream bool, connFlow, streamFlow *outflow) (int, error) {
	written := 0
	maxFrame := int64(w.maxFrameSize.Load())

	for {
		remaining := int64(len(p) - written)
		if remaining == 0 {
			break
		}

		want := min(remaining, maxFrame)
		n, err := streamFlow.acquire(done, want)
		if err != nil {
			return written, err
		}

		got, err := connFlow.acquire(done, n)
		if err != nil {
			streamFlow.add(n)

			return written, err
		}
		if got < n {
			// hand the stream window back what the connection window
			// could not cover
			streamFlow.add(n - got)
		}

		chunk := p[written : written+int(got)]
		h := FrameHeader{
			Length:   uint32(len(chunk)),
			Type:     FrameData,
			StreamID: streamID,
		}
		if endOfStream && written+int(got) == len(p) {
			h.Flags |= FlagEndStream
		}

		if err := w.writeFrame(h, chunk); err != nil {
			return written, err
		}
		written += int(got)
	}

	if len(p) == 0 && endOfStream {
		h := FrameHeader{Type: FrameData, Flags: FlagEndStream, StreamID: streamID}
		if err := w.writeFrame(h, nil); err != nil {
			return 0, err
		}
	}

	return written, nil
}

// validResponseHeader filters connection-specific headers that must not
// appear in HTTP/2 header blocks, RFC 9113 section 8.2.2.
func validResponseHeader(lower string) bool {
	switch lower {
	case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
		return false
	}

	return true
}

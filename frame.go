package bh2

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
)

// FrameHeaderLen is the length of the fixed 9-byte HTTP/2 frame header.
const FrameHeaderLen = 9

// maxFrameLength is the largest payload length expressible on the wire (2^24-1).
const maxFrameLength = 1<<24 - 1

// FrameType identifies an HTTP/2 frame as defined in RFC 9113 section 6.
type FrameType uint8

const (
	FrameData         FrameType = 0x0
	FrameHeaders      FrameType = 0x1
	FramePriority     FrameType = 0x2
	FrameRSTStream    FrameType = 0x3
	FrameSettings     FrameType = 0x4
	FramePushPromise  FrameType = 0x5
	FramePing         FrameType = 0x6
	FrameGoAway       FrameType = 0x7
	FrameWindowUpdate FrameType = 0x8
	FrameContinuation FrameType = 0x9
)

var frameTypeNames = map[FrameType]string{
	FrameData:         "DATA",
	FrameHeaders:      "HEADERS",
	FramePriority:     "PRIORITY",
	FrameRSTStream:    "RST_STREAM",
	FrameSettings:     "SETTINGS",
	FramePushPromise:  "PUSH_PROMISE",
	FramePing:         "PING",
	FrameGoAway:       "GOAWAY",
	FrameWindowUpdate: "WINDOW_UPDATE",
	FrameContinuation: "CONTINUATION",
}

func (t FrameType) String() string {
	if name, ok := frameTypeNames[t]; ok {
		return name
	}

	return "UNKNOWN"
}

// Flags holds the 8 flag bits of a frame header. The meaning of each bit
// depends on the frame type.
type Flags uint8

const (
	// FlagEndStream is valid on DATA and HEADERS frames.
	FlagEndStream Flags = 0x1
	// FlagAck is valid on SETTINGS and PING frames.
	FlagAck Flags = 0x1
	// FlagEndHeaders is valid on HEADERS and CONTINUATION frames.
	FlagEndHeaders Flags = 0x4
	// FlagPadded is valid on DATA, HEADERS and PUSH_PROMISE frames.
	FlagPadded Flags = 0x8
	// FlagPriority is valid on HEADERS frames.
	FlagPriority Flags = 0x20
)

// Has reports whether all bits of f are set.
func (fl Flags) Has(f Flags) bool { return fl&f == f }

// FrameHeader is the decoded 9-byte header preceding every frame payload.
type FrameHeader struct {
	Length   uint32
	Type     FrameType
	Flags    Flags
	StreamID uint32
}

// parseFrameHeader decodes a frame header from exactly FrameHeaderLen bytes.
// The reserved bit of the stream identifier is masked off.
func parseFrameHeader(buf []byte) FrameHeader {
	return FrameHeader{
		Length:   uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2]),
		Type:     FrameType(buf[3]),
		Flags:    Flags(buf[4]),
		StreamID: binary.BigEndian.Uint32(buf[5:]) & (1<<31 - 1),
	}
}

// appendTo appends the wire form of the header to b.
func (h FrameHeader) appendTo(b []byte) []byte {
	return append(b,
		byte(h.Length>>16), byte(h.Length>>8), byte(h.Length),
		byte(h.Type),
		byte(h.Flags),
		byte(h.StreamID>>24), byte(h.StreamID>>16), byte(h.StreamID>>8), byte(h.StreamID))
}

// checkFrameLength enforces the fixed and structural payload lengths of
// RFC 9113 section 6 before the payload is interpreted.
func checkFrameLength(t FrameType, length uint32) error {
	switch t {
	case FramePing:
		if length != 8 {
			return connError(ErrCodeFrameSize, "PING payload must be 8 bytes, is %d", length)
		}
	case FrameRSTStream, FrameWindowUpdate:
		if length != 4 {
			return connError(ErrCodeFrameSize, "%s payload must be 4 bytes, is %d", t, length)
		}
	case FramePriority:
		if length != 5 {
			return connError(ErrCodeFrameSize, "PRIORITY payload must be 5 bytes, is %d", length)
		}
	case FrameSettings:
		if length%6 != 0 {
			return connError(ErrCodeFrameSize, "SETTINGS payload must be a multiple of 6 bytes, is %d", length)
		}
	case FrameGoAway:
		if length < 8 {
			return connError(ErrCodeFrameSize, "GOAWAY payload must be at least 8 bytes, is %d", length)
		}
	}

	return nil
}

// GoAway is the payload of a GOAWAY frame: the sender stops accepting new
// streams and shuts the connection down.
type GoAway struct {
	LastStreamID uint32
	Code         ErrCode
	DebugData    []byte
}

func parseGoAway(payload []byte) (GoAway, error) {
	if len(payload) < 8 {
		return GoAway{}, connError(ErrCodeFrameSize, "GOAWAY payload too short: %d bytes", len(payload))
	}

	return GoAway{
		LastStreamID: binary.BigEndian.Uint32(payload) & (1<<31 - 1),
		Code:         ErrCode(binary.BigEndian.Uint32(payload[4:])),
		DebugData:    payload[8:],
	}, nil
}

func (g GoAway) appendPayload(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, g.LastStreamID)
	b = binary.BigEndian.AppendUint32(b, uint32(g.Code))

	return append(b, g.DebugData...)
}

// RSTStream is the payload of a RST_STREAM frame.
type RSTStream struct {
	Code ErrCode
}

func parseRSTStream(payload []byte) (RSTStream, error) {
	if len(payload) != 4 {
		return RSTStream{}, connError(ErrCodeFrameSize, "RST_STREAM payload must be 4 bytes, is %d", len(payload))
	}

	return RSTStream{Code: ErrCode(binary.BigEndian.Uint32(payload))}, nil
}

func (r RSTStream) appendPayload(b []byte) []byte {
	return binary.BigEndian.AppendUint32(b, uint32(r.Code))
}

// WindowUpdate is the payload of a WINDOW_UPDATE frame.
type WindowUpdate struct {
	Increment uint32
}

func parseWindowUpdate(payload []byte) (WindowUpdate, error) {
	if len(payload) != 4 {
		return WindowUpdate{}, connError(ErrCodeFrameSize, "WINDOW_UPDATE payload must be 4 bytes, is %d", len(payload))
	}

	return WindowUpdate{Increment: binary.BigEndian.Uint32(payload) & (1<<31 - 1)}, nil
}

func (w WindowUpdate) appendPayload(b []byte) []byte {
	return binary.BigEndian.AppendUint32(b, w.Increment)
}

// Priority is the payload of a PRIORITY frame. Priorities are parsed and
// recorded but do not influence scheduling.
type Priority struct {
	DependsOn uint32
	Exclusive bool
	Weight    uint8
}

func parsePriority(payload []byte) (Priority, error) {
	if len(payload) != 5 {
		return Priority{}, connError(ErrCodeFrameSize, "PRIORITY payload must be 5 bytes, is %d", len(payload))
	}

	dep := binary.BigEndian.Uint32(payload)

	return Priority{
		DependsOn: dep & (1<<31 - 1),
		Exclusive: dep&(1<<31) != 0,
		Weight:    payload[4],
	}, nil
}

// stripPadding removes the pad-length octet and trailing padding of a PADDED
// DATA or HEADERS payload.
func stripPadding(payload []byte) ([]byte, error) {
	if len(payload) < 1 {
		return nil, connError(ErrCodeProtocol, "padded frame without pad length octet")
	}

	padLen := int(payload[0])
	rest := payload[1:]
	if padLen > len(rest) {
		return nil, connError(ErrCodeProtocol, "invalid pad length %d for %d payload bytes", padLen, len(rest))
	}

	return rest[:len(rest)-padLen], nil
}

// readFrameHeader reads and decodes one frame header from r.
func readFrameHeader(r io.Reader, buf []byte) (FrameHeader, error) {
	if _, err := io.ReadFull(r, buf[:FrameHeaderLen]); err != nil {
		return FrameHeader{}, errors.Wrap(err, "read frame header")
	}

	return parseFrameHeader(buf[:FrameHeaderLen]), nil
}

package bh2

import (
	"encoding/binary"
	"fmt"
)

// SettingID identifies a parameter of a SETTINGS frame, RFC 9113 section 6.5.2.
type SettingID uint16

const (
	SettingHeaderTableSize      SettingID = 0x1
	SettingEnablePush           SettingID = 0x2
	SettingMaxConcurrentStreams SettingID = 0x3
	SettingInitialWindowSize    SettingID = 0x4
	SettingMaxFrameSize         SettingID = 0x5
	SettingMaxHeaderListSize    SettingID = 0x6
)

var settingNames = map[SettingID]string{
	SettingHeaderTableSize:      "HEADER_TABLE_SIZE",
	SettingEnablePush:           "ENABLE_PUSH",
	SettingMaxConcurrentStreams: "MAX_CONCURRENT_STREAMS",
	SettingInitialWindowSize:    "INITIAL_WINDOW_SIZE",
	SettingMaxFrameSize:         "MAX_FRAME_SIZE",
	SettingMaxHeaderListSize:    "MAX_HEADER_LIST_SIZE",
}

func (s SettingID) String() string {
	if name, ok := settingNames[s]; ok {
		return name
	}

	return fmt.Sprintf("UNKNOWN_SETTING_%d", uint16(s))
}

// Protocol constants relevant to settings validation and flow control.
const (
	// defaultWindowSize is the RFC 9113 initial flow-control window.
	defaultWindowSize = 65_535
	// maxWindowSize is the largest legal flow-control window (2^31-1).
	maxWindowSize = 1<<31 - 1
	// defaultMaxFrameSize is the smallest (and default) MAX_FRAME_SIZE.
	defaultMaxFrameSize = 16_384
	// defaultHeaderTableSize is the RFC 9113 default HPACK table size.
	defaultHeaderTableSize = 4_096
)

// Settings is an immutable snapshot of the peer (or our own) connection
// parameters, exchanged at connection start and replaced on every non-ACK
// SETTINGS frame.
type Settings struct {
	HeaderTableSize      uint32
	EnablePush           bool
	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	MaxHeaderListSize    uint32

	present uint8
}

func settingBit(id SettingID) uint8 { return 1 << (uint8(id) - 1) }

// Has reports whether the setting was explicitly present on the wire (or
// explicitly set by the builder side), as opposed to holding its default.
func (s Settings) Has(id SettingID) bool { return s.present&settingBit(id) != 0 }

// defaultSettings returns the RFC 9113 defaults. MAX_CONCURRENT_STREAMS and
// MAX_HEADER_LIST_SIZE are unbounded by default; they are represented by
// their largest value here.
func defaultSettings() Settings {
	return Settings{
		HeaderTableSize:      defaultHeaderTableSize,
		EnablePush:           true,
		MaxConcurrentStreams: 1<<32 - 1,
		InitialWindowSize:    defaultWindowSize,
		MaxFrameSize:         defaultMaxFrameSize,
		MaxHeaderListSize:    1<<32 - 1,
	}
}

// parseSettings decodes a non-ACK SETTINGS payload into a fresh snapshot.
// Unknown identifiers are ignored per RFC 9113 section 6.5.2. Value bounds
// are validated here because an out-of-range value is a connection error.
func parseSettings(payload []byte) (Settings, error) {
	s := defaultSettings()
	for off := 0; off+6 <= len(payload); off += 6 {
		id := SettingID(binary.BigEndian.Uint16(payload[off:]))
		val := binary.BigEndian.Uint32(payload[off+2:])

		switch id {
		case SettingHeaderTableSize:
			s.HeaderTableSize = val
		case SettingEnablePush:
			if val > 1 {
				return s, connError(ErrCodeProtocol, "ENABLE_PUSH must be 0 or 1, is %d", val)
			}
			s.EnablePush = val == 1
		case SettingMaxConcurrentStreams:
			s.MaxConcurrentStreams = val
		case SettingInitialWindowSize:
			if val > maxWindowSize {
				return s, connError(ErrCodeFlowControl, "INITIAL_WINDOW_SIZE %d exceeds 2^31-1", val)
			}
			s.InitialWindowSize = val
		case SettingMaxFrameSize:
			if val < defaultMaxFrameSize || val > maxFrameLength {
				return s, connError(ErrCodeProtocol, "MAX_FRAME_SIZE must be between 2^14 and 2^24-1, is %d", val)
			}
			s.MaxFrameSize = val
		case SettingMaxHeaderListSize:
			s.MaxHeaderListSize = val
		default:
			continue
		}

		s.present |= settingBit(id)
	}

	return s, nil
}

// serverSettings builds the snapshot we advertise, derived from cfg. Only
// values differing from the protocol defaults are emitted on the wire, with
// the exception of ENABLE_PUSH which is always announced as disabled.
func serverSettings(cfg Config) Settings {
	s := defaultSettings()

	s.EnablePush = false
	s.present |= settingBit(SettingEnablePush)

	if cfg.MaxFrameSize != defaultMaxFrameSize {
		s.MaxFrameSize = cfg.MaxFrameSize
		s.present |= settingBit(SettingMaxFrameSize)
	}

	if cfg.MaxHeaderListSize != s.MaxHeaderListSize {
		s.MaxHeaderListSize = cfg.MaxHeaderListSize
		s.present |= settingBit(SettingMaxHeaderListSize)
	}

	if cfg.MaxConcurrentStreams != s.MaxConcurrentStreams {
		s.MaxConcurrentStreams = cfg.MaxConcurrentStreams
		s.present |= settingBit(SettingMaxConcurrentStreams)
	}

	if cfg.InitialWindowSize != defaultWindowSize {
		s.InitialWindowSize = cfg.InitialWindowSize
		s.present |= settingBit(SettingInitialWindowSize)
	}

	return s
}

// appendPayload appends the explicitly-present settings in wire form.
func (s Settings) appendPayload(b []byte) []byte {
	appendOne := func(b []byte, id SettingID, val uint32) []byte {
		b = binary.BigEndian.AppendUint16(b, uint16(id))

		return binary.BigEndian.AppendUint32(b, val)
	}

	if s.Has(SettingHeaderTableSize) {
		b = appendOne(b, SettingHeaderTableSize, s.HeaderTableSize)
	}
	if s.Has(SettingEnablePush) {
		var v uint32
		if s.EnablePush {
			v = 1
		}
		b = appendOne(b, SettingEnablePush, v)
	}
	if s.Has(SettingMaxConcurrentStreams) {
		b = appendOne(b, SettingMaxConcurrentStreams, s.MaxConcurrentStreams)
	}
	if s.Has(SettingInitialWindowSize) {
		b = appendOne(b, SettingInitialWindowSize, s.InitialWindowSize)
	}
	if s.Has(SettingMaxFrameSize) {
		b = appendOne(b, SettingMaxFrameSize, s.MaxFrameSize)
	}
	if s.Has(SettingMaxHeaderListSize) {
		b = appendOne(b, SettingMaxHeaderListSize, s.MaxHeaderListSize)
	}

	return b
}

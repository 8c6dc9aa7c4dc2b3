package bh2

import (
	"time"

	"github.com/cockroachdb/errors"
)

// DiscoveryType selects a source for reconstructing the URI a client
// originally requested, reconciling proxy-forwarded headers with the raw
// connection peer info.
type DiscoveryType string

const (
	// DiscoverForwarded consults the RFC 7239 Forwarded header.
	DiscoverForwarded DiscoveryType = "forwarded"
	// DiscoverXForwarded consults the X-Forwarded-* header family.
	DiscoverXForwarded DiscoveryType = "x-forwarded"
	// DiscoverHost falls back to the authority and socket information.
	DiscoverHost DiscoveryType = "host"
)

// URIDiscovery configures requested-URI reconstruction for server requests.
type URIDiscovery struct {
	// Types are consulted in order; the first one that yields a value for a
	// component wins.
	Types []DiscoveryType
}

// Config bundles the HTTP/2 protocol parameters of one listener. It is a
// pure value object: wire-level numeric bounds are enforced by the protocol
// layer, Validate only rejects values that could never be legal on the wire.
type Config struct {
	// Name identifies the listener/socket in logs. Defaults to "@default".
	Name string

	// MaxFrameSize is the largest frame payload we are willing to receive.
	// Default 16384, protocol maximum 2^24-1.
	MaxFrameSize uint32

	// MaxHeaderListSize caps the accumulated size of a header block,
	// including continuations. Default 8192.
	MaxHeaderListSize uint32

	// MaxConcurrentStreams caps streams a client may have open at once.
	// Default 8192.
	MaxConcurrentStreams uint32

	// InitialWindowSize is the inbound flow-control window granted per
	// stream. Default 1048576, protocol maximum 2^31-1.
	InitialWindowSize uint32

	// FlowControlTimeout bounds how long an outbound write blocks waiting
	// for a window-size increase before re-checking. Default 100ms.
	FlowControlTimeout time.Duration

	// SendErrorDetails controls whether internal exception text is exposed
	// in wire-visible error payloads. Default false.
	SendErrorDetails bool

	// RapidResetCheckPeriod is the fixed counting window of the rapid-reset
	// detector. Default 10s.
	RapidResetCheckPeriod time.Duration

	// MaxRapidResets is the per-window rapid-reset budget; -1 disables
	// abuse detection entirely. Default 100.
	MaxRapidResets int

	// MaxEmptyFrames caps consecutive zero-length frames. Default 10.
	MaxEmptyFrames int

	// ValidatePath enables request path validation. Default true, which
	// means the zero value of this field is expressed inverted.
	DisablePathValidation bool

	// RequestedURIDiscovery configures requested-URI reconstruction. When
	// nil a host-only discovery context is built.
	RequestedURIDiscovery *URIDiscovery
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

// withDefaults fills zero values, replacing the config decoration step that
// would otherwise happen at runtime: the result carries a listener name and
// a requested-URI-discovery context even when the caller supplied none.
func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "@default"
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = defaultMaxFrameSize
	}
	if c.MaxHeaderListSize == 0 {
		c.MaxHeaderListSize = 8_192
	}
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = 8_192
	}
	if c.InitialWindowSize == 0 {
		c.InitialWindowSize = 1_048_576
	}
	if c.FlowControlTimeout == 0 {
		c.FlowControlTimeout = 100 * time.Millisecond
	}
	if c.RapidResetCheckPeriod == 0 {
		c.RapidResetCheckPeriod = 10 * time.Second
	}
	if c.MaxRapidResets == 0 {
		c.MaxRapidResets = 100
	}
	if c.MaxEmptyFrames == 0 {
		c.MaxEmptyFrames = 10
	}
	if c.RequestedURIDiscovery == nil {
		c.RequestedURIDiscovery = &URIDiscovery{Types: []DiscoveryType{DiscoverHost}}
	}

	return c
}

// Validate rejects parameters that could never be legal on the wire. It is
// invoked synchronously at config-build time; runtime frame handling relies
// on these bounds holding.
func (c Config) Validate() error {
	if c.MaxFrameSize < defaultMaxFrameSize || c.MaxFrameSize > maxFrameLength {
		return errors.Newf("max frame size must be between 16384 and 2^24-1, got %d", c.MaxFrameSize)
	}

	if c.InitialWindowSize > maxWindowSize {
		return errors.Newf("initial window size must not exceed 2^31-1, got %d", c.InitialWindowSize)
	}

	if c.MaxRapidResets < -1 {
		return errors.Newf("max rapid resets must be -1 (disabled) or positive, got %d", c.MaxRapidResets)
	}

	if c.FlowControlTimeout < 0 {
		return errors.Newf("flow control timeout must not be negative, got %s", c.FlowControlTimeout)
	}

	if c.RequestedURIDiscovery != nil {
		for _, dt := range c.RequestedURIDiscovery.Types {
			switch dt {
			case DiscoverForwarded, DiscoverXForwarded, DiscoverHost:
			default:
				return errors.Newf("unknown requested-uri discovery type %q", dt)
			}
		}
	}

	return nil
}

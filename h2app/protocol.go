package h2app

import (
	"time"

	"github.com/advdv/bh2"
	"github.com/cockroachdb/errors"
	"github.com/tidwall/gjson"
)

// NewProtocolConfig builds the HTTP/2 protocol configuration from the
// environment. Defaults apply unless BH2_PROTOCOL_JSON overrides them; the
// blob is queried with gjson paths so partial overrides work:
//
//	{"maxRapidResets": 10, "rapidResetCheckPeriod": "5s", "sendErrorDetails": true}
//
// Recognized keys: maxFrameSize, maxHeaderListSize, maxConcurrentStreams,
// initialWindowSize, maxRapidResets, maxEmptyFrames, sendErrorDetails,
// disablePathValidation, flowControlTimeout, rapidResetCheckPeriod.
func NewProtocolConfig(env Environment) (bh2.Config, error) {
	cfg := bh2.DefaultConfig()
	cfg.Name = env.serviceName()

	if blob := env.protocolJSON(); blob != "" {
		if !gjson.Valid(blob) {
			return cfg, errors.New("BH2_PROTOCOL_JSON is not valid JSON")
		}

		if v := gjson.Get(blob, "maxFrameSize"); v.Exists() {
			cfg.MaxFrameSize = uint32(v.Uint())
		}
		if v := gjson.Get(blob, "maxHeaderListSize"); v.Exists() {
			cfg.MaxHeaderListSize = uint32(v.Uint())
		}
		if v := gjson.Get(blob, "maxConcurrentStreams"); v.Exists() {
			cfg.MaxConcurrentStreams = uint32(v.Uint())
		}
		if v := gjson.Get(blob, "initialWindowSize"); v.Exists() {
			cfg.InitialWindowSize = uint32(v.Uint())
		}
		if v := gjson.Get(blob, "maxRapidResets"); v.Exists() {
			cfg.MaxRapidResets = int(v.Int())
		}
		if v := gjson.Get(blob, "maxEmptyFrames"); v.Exists() {
			cfg.MaxEmptyFrames = int(v.Int())
		}
		if v := gjson.Get(blob, "sendErrorDetails"); v.Exists() {
			cfg.SendErrorDetails = v.Bool()
		}
		if v := gjson.Get(blob, "disablePathValidation"); v.Exists() {
			cfg.DisablePathValidation = v.Bool()
		}

		var err error
		if cfg.FlowControlTimeout, err = durationOverride(blob, "flowControlTimeout", cfg.FlowControlTimeout); err != nil {
			return cfg, err
		}
		if cfg.RapidResetCheckPeriod, err = durationOverride(blob, "rapidResetCheckPeriod", cfg.RapidResetCheckPeriod); err != nil {
			return cfg, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrap(err, "invalid protocol configuration")
	}

	return cfg, nil
}

func durationOverride(blob, path string, fallback time.Duration) (time.Duration, error) {
	v := gjson.Get(blob, path)
	if !v.Exists() {
		return fallback, nil
	}

	d, err := time.ParseDuration(v.String())
	if err != nil {
		return fallback, errors.Wrapf(err, "parse %s override", path)
	}

	return d, nil
}

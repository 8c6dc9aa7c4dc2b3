package bh2

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func appendSetting(b []byte, id SettingID, val uint32) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(id))

	return binary.BigEndian.AppendUint32(b, val)
}

func TestParseSettingsDefaults(t *testing.T) {
	s, err := parseSettings(nil)
	require.NoError(t, err)

	require.Equal(t, uint32(defaultHeaderTableSize), s.HeaderTableSize)
	require.True(t, s.EnablePush)
	require.Equal(t, uint32(defaultWindowSize), s.InitialWindowSize)
	require.Equal(t, uint32(defaultMaxFrameSize), s.MaxFrameSize)
	require.False(t, s.Has(SettingInitialWindowSize))
}

func TestParseSettingsValues(t *testing.T) {
	payload := appendSetting(nil, SettingInitialWindowSize, 1_000_000)
	payload = appendSetting(payload, SettingMaxConcurrentStreams, 250)
	payload = appendSetting(payload, SettingEnablePush, 0)

	s, err := parseSettings(payload)
	require.NoError(t, err)

	require.Equal(t, uint32(1_000_000), s.InitialWindowSize)
	require.True(t, s.Has(SettingInitialWindowSize))
	require.Equal(t, uint32(250), s.MaxConcurrentStreams)
	require.False(t, s.EnablePush)
	require.True(t, s.Has(SettingEnablePush))

	// untouched parameters keep their defaults and report absent
	require.Equal(t, uint32(defaultMaxFrameSize), s.MaxFrameSize)
	require.False(t, s.Has(SettingMaxFrameSize))
}

func TestParseSettingsUnknownIgnored(t *testing.T) {
	payload := appendSetting(nil, SettingID(0xff), 12_345)
	payload = appendSetting(payload, SettingMaxFrameSize, 20_000)

	s, err := parseSettings(payload)
	require.NoError(t, err)
	require.Equal(t, uint32(20_000), s.MaxFrameSize)
}

func TestParseSettingsRejectsBadValues(t *testing.T) {
	for _, tt := range []struct {
		name string
		id   SettingID
		val  uint32
		code ErrCode
	}{
		{"enable push out of range", SettingEnablePush, 2, ErrCodeProtocol},
		{"initial window too large", SettingInitialWindowSize, 1 << 31, ErrCodeFlowControl},
		{"max frame size too small", SettingMaxFrameSize, 16_383, ErrCodeProtocol},
		{"max frame size too large", SettingMaxFrameSize, 1 << 24, ErrCodeProtocol},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseSettings(appendSetting(nil, tt.id, tt.val))
			cerr, ok := asConnError(err)
			require.True(t, ok)
			require.Equal(t, tt.code, cerr.Code)
		})
	}
}

func TestServerSettingsEmitsNonDefaultsOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFrameSize = defaultMaxFrameSize

	s := serverSettings(cfg)

	// push is always announced as disabled
	require.True(t, s.Has(SettingEnablePush))
	require.False(t, s.EnablePush)

	require.False(t, s.Has(SettingMaxFrameSize))
	require.True(t, s.Has(SettingMaxConcurrentStreams))
	require.Equal(t, cfg.MaxConcurrentStreams, s.MaxConcurrentStreams)
	require.True(t, s.Has(SettingMaxHeaderListSize))
	require.True(t, s.Has(SettingInitialWindowSize))
	require.Equal(t, cfg.InitialWindowSize, s.InitialWindowSize)
}

func TestSettingsPayloadRoundtrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFrameSize = 32_768

	out := serverSettings(cfg)
	parsed, err := parseSettings(out.appendPayload(nil))
	require.NoError(t, err)

	require.Equal(t, out.MaxFrameSize, parsed.MaxFrameSize)
	require.Equal(t, out.MaxConcurrentStreams, parsed.MaxConcurrentStreams)
	require.Equal(t, out.InitialWindowSize, parsed.InitialWindowSize)
	require.False(t, parsed.EnablePush)
}

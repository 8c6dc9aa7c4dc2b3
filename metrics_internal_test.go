package bh2

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.incRapidResetClosures()
	m.incMadeYouResetClosures()
	m.incGoAwaySent()
	m.incGoAwaySent()
	m.incStreamsRefused()
	m.addOpenStreams(3)
	m.addOpenStreams(-1)

	require.Equal(t, float64(1), testutil.ToFloat64(m.rapidResetClosures))
	require.Equal(t, float64(1), testutil.ToFloat64(m.madeYouResetClosures))
	require.Equal(t, float64(2), testutil.ToFloat64(m.goAwaySent))
	require.Equal(t, float64(1), testutil.ToFloat64(m.streamsRefused))
	require.Equal(t, float64(2), testutil.ToFloat64(m.openStreams))
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics

	require.NotPanics(t, func() {
		m.incRapidResetClosures()
		m.incMadeYouResetClosures()
		m.incGoAwaySent()
		m.incStreamsRefused()
		m.addOpenStreams(1)
	})
}

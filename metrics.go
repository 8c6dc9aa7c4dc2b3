package bh2

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes connection-safety counters. All methods are nil-safe so
// the protocol code never has to branch on whether metrics were configured.
type Metrics struct {
	rapidResetClosures   prometheus.Counter
	madeYouResetClosures prometheus.Counter
	goAwaySent           prometheus.Counter
	streamsRefused       prometheus.Counter
	openStreams          prometheus.Gauge
}

// NewMetrics registers the connection-safety collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		rapidResetClosures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bh2_rapid_reset_closures_total",
			Help: "Connections force-closed by the rapid-reset detector.",
		}),
		madeYouResetClosures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bh2_made_you_reset_closures_total",
			Help: "Connections force-closed by the made-you-reset detector.",
		}),
		goAwaySent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bh2_goaway_sent_total",
			Help: "GOAWAY frames written.",
		}),
		streamsRefused: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bh2_streams_refused_total",
			Help: "Streams refused over the concurrent stream limit.",
		}),
		openStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bh2_open_streams",
			Help: "Streams currently tracked across connections.",
		}),
	}

	reg.MustRegister(m.rapidResetClosures, m.madeYouResetClosures, m.goAwaySent, m.streamsRefused, m.openStreams)

	return m
}

func (m *Metrics) incRapidResetClosures() {
	if m != nil {
		m.rapidResetClosures.Inc()
	}
}

func (m *Metrics) incMadeYouResetClosures() {
	if m != nil {
		m.madeYouResetClosures.Inc()
	}
}

func (m *Metrics) incGoAwaySent() {
	if m != nil {
		m.goAwaySent.Inc()
	}
}

func (m *Metrics) incStreamsRefused() {
	if m != nil {
		m.streamsRefused.Inc()
	}
}

func (m *Metrics) addOpenStreams(delta float64) {
	if m != nil {
		m.openStreams.Add(delta)
	}
}

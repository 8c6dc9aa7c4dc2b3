package h2app

import (
	"github.com/advdv/bh2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// NewRegistry creates the prometheus registry all collectors register with,
// pre-loaded with the standard Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// NewProtocolMetrics registers the HTTP/2 connection-safety collectors.
func NewProtocolMetrics(reg *prometheus.Registry) *bh2.Metrics {
	return bh2.NewMetrics(reg)
}

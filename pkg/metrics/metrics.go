// Package metrics holds the process-wide Prometheus registry and the
// per-subsystem metric bundles built on top of it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the single registry every metric bundle registers with.
// A private registry keeps third-party libraries from leaking their
// default collectors into our scrape output.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// MustRegister registers collectors with the registry, panicking on
// duplicate registration.
func MustRegister(cs ...prometheus.Collector) {
	Registry.MustRegister(cs...)
}

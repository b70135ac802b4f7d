// Package metrics owns the Prometheus registry a verso process exposes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a registry with the standard Go and process collectors
// and a verso_build_info gauge for version.
func NewRegistry(version, siteID string) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
		Name: "verso_build_info",
		Help: "Build information, always 1",
	}, []string{"version", "site_id"}).WithLabelValues(version, siteID).Set(1)

	return reg
}

// Handler serves the metrics in reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		Registry:          reg,
		EnableOpenMetrics: true,
	})
}

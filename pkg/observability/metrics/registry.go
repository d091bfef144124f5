// Package metrics exposes the process metrics gathered by raincheck.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry combines the default Prometheus registry, where package-level raincheck
// collectors live, with a private registry for collectors added at runtime.
type Registry struct {
	registry *prometheus.Registry
}

// NewRegistry creates a registry carrying the Go build info collector. Runtime and
// process collectors already live in the default registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewBuildInfoCollector())
	return &Registry{registry: reg}
}

// Register registers a custom Prometheus collector.
func (r *Registry) Register(collector prometheus.Collector) error {
	return r.registry.Register(collector)
}

// MustRegister registers collectors and panics on error.
func (r *Registry) MustRegister(collectors ...prometheus.Collector) {
	r.registry.MustRegister(collectors...)
}

// Unregister removes a collector from the registry.
func (r *Registry) Unregister(collector prometheus.Collector) bool {
	return r.registry.Unregister(collector)
}

// Gatherer returns a gatherer over the default and private registries.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return prometheus.Gatherers{prometheus.DefaultGatherer, r.registry}
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.Gatherer(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// WriteToTextfile writes the current metrics to path in the text exposition format,
// for pickup by the node exporter textfile collector.
func (r *Registry) WriteToTextfile(path string) error {
	if path == "" {
		return fmt.Errorf("metrics file path is empty")
	}
	if err := prometheus.WriteToTextfile(path, r.Gatherer()); err != nil {
		return fmt.Errorf("write metrics to %s: %w", path, err)
	}
	return nil
}

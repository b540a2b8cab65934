// Package metrics provides the shared Prometheus registry every
// component of the RPC front-end registers its collectors against, so
// the admin surface can expose them all at one /debug/metrics endpoint
// without colliding with prometheus's process-global default registry
// (which matters for tests that construct more than one front-end in
// the same process).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// NewRegistry returns a fresh registry seeded with the standard Go and
// process collectors, grounded on the teacher's promauto usage in
// internal/escrow/metrics.go.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return reg
}

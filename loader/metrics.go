package loader

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Loads          *prometheus.CounterVec
	LoadErrors     *prometheus.CounterVec
	LinkFailures   *prometheus.CounterVec
	Residents      prometheus.Gauge
	UnloadRefusals prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dynpatch_loader_loads_total",
			Help: "Total number of binaries loaded",
		}, []string{"kind"}),
		LoadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dynpatch_loader_load_errors_total",
			Help: "Total number of binaries that failed to load",
		}, []string{"kind"}),
		LinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dynpatch_loader_link_failures_total",
			Help: "Total number of failed binary links by error",
		}, []string{"error"}),
		Residents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dynpatch_loader_resident_binaries",
			Help: "Number of binaries currently resident",
		}),
		UnloadRefusals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dynpatch_loader_unload_refusals_total",
			Help: "Total number of unloads refused because the binary is patched",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Loads,
			m.LoadErrors,
			m.LinkFailures,
			m.Residents,
			m.UnloadRefusals,
		)
	}
	return m
}

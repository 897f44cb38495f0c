package patch

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Active    prometheus.Gauge
	Failures  *prometheus.CounterVec
	Unpatches prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dynpatch_patcher_active_patches",
			Help: "Number of hooks currently installed",
		}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dynpatch_patcher_failures_total",
			Help: "Total number of refused or failed patches by reason",
		}, []string{"reason"}),
		Unpatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dynpatch_patcher_unpatches_total",
			Help: "Total number of hooks removed",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Active,
			m.Failures,
			m.Unpatches,
		)
	}
	return m
}

// Package telemetry holds the prometheus instrumentation of process-set
// lifecycle events. Metrics are fire-and-forget: no coordination decision ever
// depends on them.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	LiveProcessSets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "collectives",
			Name:      "live_process_sets",
			Help:      "Current number of registered process sets, including the global one.",
		},
	)

	RegistrationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "collectives",
			Name:      "process_set_registrations_total",
			Help:      "Total number of process-set registrations.",
		},
	)

	DeregistrationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "collectives",
			Name:      "process_set_deregistrations_total",
			Help:      "Total number of process-set deregistrations.",
		},
	)

	RemovalsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "collectives",
			Name:      "coordinated_removals_total",
			Help:      "Total number of completed coordinated process-set removals.",
		},
	)

	DeferredAgreementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "collectives",
			Name:      "deferred_agreements_total",
			Help:      "Ready-polling rounds that returned without effect because ranks did not agree yet.",
		},
		[]string{"protocol"},
	)
)

func init() {
	Registry.MustRegister(
		LiveProcessSets,
		RegistrationsTotal,
		DeregistrationsTotal,
		RemovalsTotal,
		DeferredAgreementsTotal,
	)
}

// Handler returns an HTTP handler exposing the library's metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

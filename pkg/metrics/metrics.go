package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Entity gauges
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "skiff_instances_total",
			Help: "Total number of instances by status",
		},
		[]string{"status"},
	)

	RunsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "skiff_runs_total",
			Help: "Total number of runs by status",
		},
		[]string{"status"},
	)

	FleetsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "skiff_fleets_total",
			Help: "Total number of fleets",
		},
	)

	// Reconciler metrics
	ReconcileCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skiff_reconcile_cycles_total",
			Help: "Total reconcile handler invocations by task and outcome",
		},
		[]string{"task", "outcome"},
	)

	ReconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "skiff_reconcile_duration_seconds",
			Help:    "Reconcile handler duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)

	LeasedBatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "skiff_leased_batch_size",
			Help:    "Number of entities leased per dispatch cycle",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
		[]string{"task"},
	)

	// Backend metrics
	BackendCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skiff_backend_calls_total",
			Help: "Total backend adapter calls by kind, method and outcome",
		},
		[]string{"backend", "method", "outcome"},
	)

	OffersReturned = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "skiff_offers_returned",
			Help:    "Offers returned per placement query",
			Buckets: []float64{0, 1, 5, 10, 25, 50},
		},
	)
)

func init() {
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(FleetsTotal)
	prometheus.MustRegister(ReconcileCyclesTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(LeasedBatchSize)
	prometheus.MustRegister(BackendCallsTotal)
	prometheus.MustRegister(OffersReturned)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package metrics exposes Prometheus collectors for the fetch service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal          *prometheus.CounterVec
	fetchDurationSeconds  *prometheus.HistogramVec
	fetchBytesTotal       prometheus.Counter
	admissionRejectsTotal *prometheus.CounterVec
	admissionInFlight     prometheus.Gauge
	admissionWaiting      prometheus.Gauge
	poolTargetSize        *prometheus.GaugeVec
	poolInUse             *prometheus.GaugeVec
	poolScaleEventsTotal  *prometheus.CounterVec
	workerReplacedTotal   *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "renderfetch_fetches_total",
				Help: "Total fetches, labeled by mode and outcome.",
			},
			[]string{"mode", "outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "renderfetch_fetch_duration_seconds",
				Help:    "Histogram of end-to-end fetch latencies, labeled by mode.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"mode"},
		)

		fetchBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "renderfetch_fetch_bytes_total",
				Help: "Total document bytes returned to callers.",
			},
		)

		admissionRejectsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "renderfetch_admission_rejects_total",
				Help: "Requests rejected by the admission controller, labeled by reason.",
			},
			[]string{"reason"},
		)

		admissionInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "renderfetch_admission_in_flight",
				Help: "Fetches currently holding an admission slot.",
			},
		)

		admissionWaiting = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "renderfetch_admission_waiting",
				Help: "Requests parked in the admission waiting room.",
			},
		)

		poolTargetSize = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "renderfetch_pool_target_size",
				Help: "Current renderer pool capacity, labeled by profile.",
			},
			[]string{"profile"},
		)

		poolInUse = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "renderfetch_pool_in_use",
				Help: "Renderer workers currently lent out, labeled by profile.",
			},
			[]string{"profile"},
		)

		poolScaleEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "renderfetch_pool_scale_events_total",
				Help: "Pool scaling events, labeled by profile and direction.",
			},
			[]string{"profile", "direction"},
		)

		workerReplacedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "renderfetch_worker_replaced_total",
				Help: "Workers destroyed and replaced after a failed liveness probe.",
			},
			[]string{"profile"},
		)
	})
}

// Handler returns an http.Handler exposing the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one finished fetch.
func ObserveFetch(mode, outcome string, duration time.Duration, bytes int) {
	if fetchesTotal == nil {
		return
	}
	fetchesTotal.WithLabelValues(mode, outcome).Inc()
	fetchDurationSeconds.WithLabelValues(mode).Observe(duration.Seconds())
	if bytes > 0 {
		fetchBytesTotal.Add(float64(bytes))
	}
}

// ObserveAdmissionReject counts a rejected request. Reason is "queue_full"
// or "queue_timeout".
func ObserveAdmissionReject(reason string) {
	if admissionRejectsTotal == nil {
		return
	}
	admissionRejectsTotal.WithLabelValues(reason).Inc()
}

// SetAdmission updates the admission gauges.
func SetAdmission(inFlight, waiting int) {
	if admissionInFlight == nil {
		return
	}
	admissionInFlight.Set(float64(inFlight))
	admissionWaiting.Set(float64(waiting))
}

// SetPool updates the per-profile pool gauges.
func SetPool(profile string, target, inUse int) {
	if poolTargetSize == nil {
		return
	}
	poolTargetSize.WithLabelValues(profile).Set(float64(target))
	poolInUse.WithLabelValues(profile).Set(float64(inUse))
}

// ObservePoolScale counts a scaling event. Direction is "up", "down" or
// "emergency".
func ObservePoolScale(profile, direction string) {
	if poolScaleEventsTotal == nil {
		return
	}
	poolScaleEventsTotal.WithLabelValues(profile, direction).Inc()
}

// ObserveWorkerReplaced counts a liveness-probe replacement.
func ObserveWorkerReplaced(profile string) {
	if workerReplacedTotal == nil {
		return
	}
	workerReplacedTotal.WithLabelValues(profile).Inc()
}

// Package metrics exposes Prometheus instrumentation for the scenario service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ipsim"

// Recorder holds the service metrics on a private registry.
type Recorder struct {
	registry *prometheus.Registry

	runs            *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	populationCache *prometheus.CounterVec
	resultCache     *prometheus.CounterVec
	generatedRows   prometheus.Counter
	pendingScans    prometheus.Gauge
	loadedPolicies  prometheus.Gauge
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewRecorder creates a recorder with process and Go runtime collectors.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Scenario runs by kind and final status",
			},
			[]string{"kind", "status"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall time of scenario runs",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
			},
			[]string{"kind"},
		),
		populationCache: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "population_cache_lookups_total",
				Help:      "Population cache lookups by result",
			},
			[]string{"result"},
		),
		resultCache: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "result_cache_lookups_total",
				Help:      "KPI result cache lookups by result",
			},
			[]string{"result"},
		),
		generatedRows: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generated_transactions_total",
			Help:      "Synthetic transactions generated",
		}),
		pendingScans: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_scans",
			Help:      "Asynchronous scans submitted but not yet finished",
		}),
		loadedPolicies: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loaded_policies",
			Help:      "Custom review policies compiled into the engine",
		}),
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by method, route and status code",
			},
			[]string{"method", "route", "code"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency by route",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// ObserveRun records a finished run.
func (r *Recorder) ObserveRun(kind, status string, d time.Duration) {
	r.runs.WithLabelValues(kind, status).Inc()
	r.runDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveRequest records a served HTTP request. route must be the matched
// pattern, not the raw path.
func (r *Recorder) ObserveRequest(method, route string, code int, d time.Duration) {
	r.requests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	r.requestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// PopulationCache records a population cache lookup.
func (r *Recorder) PopulationCache(hit bool) {
	r.populationCache.WithLabelValues(hitLabel(hit)).Inc()
}

// ResultCache records a KPI result cache lookup.
func (r *Recorder) ResultCache(hit bool) {
	r.resultCache.WithLabelValues(hitLabel(hit)).Inc()
}

// Generated records n freshly generated rows.
func (r *Recorder) Generated(n int) {
	r.generatedRows.Add(float64(n))
}

// ScanSubmitted and ScanFinished track the async backlog.
func (r *Recorder) ScanSubmitted() { r.pendingScans.Inc() }

func (r *Recorder) ScanFinished() { r.pendingScans.Dec() }

// SetLoadedPolicies records the size of the compiled policy set.
func (r *Recorder) SetLoadedPolicies(n int) {
	r.loadedPolicies.Set(float64(n))
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func hitLabel(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}

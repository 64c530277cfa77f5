// Package metrics exposes Prometheus collectors for the HTTP surface and the
// clustering/analysis pipeline.
package metrics

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flashreport"

// Registry owns the Prometheus registry all collectors register into.
type Registry struct {
	registry *prometheus.Registry
}

// NewRegistry creates a registry with the Go runtime and process collectors.
func NewRegistry() (*Registry, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}
	return &Registry{registry: registry}, nil
}

// Handler returns an HTTP handler for exposing Prometheus metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// RegisterDB exports connection pool statistics for db.
func (r *Registry) RegisterDB(db *sql.DB, name string) error {
	return r.register(collectors.NewDBStatsCollector(db, name))
}

func (r *Registry) register(cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := r.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// HTTPCollector exposes Prometheus metrics for inbound HTTP requests.
type HTTPCollector struct {
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
}

// NewHTTPCollector constructs a collector with default histograms/counters.
func NewHTTPCollector(reg *Registry) (*HTTPCollector, error) {
	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for inbound HTTP requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of inbound HTTP requests.",
	}, []string{"method", "path", "status"})

	if err := reg.register(requestDuration, requestTotal); err != nil {
		return nil, err
	}

	return &HTTPCollector{
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
	}, nil
}

// InstrumentHandler wraps the provided handler to record HTTP metrics.
// Requests routed by a ServeMux are labelled with the matched pattern so
// path parameters do not explode cardinality.
func (c *HTTPCollector) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(rw.status)
		path := r.URL.Path
		if r.Pattern != "" {
			path = r.Pattern
		}

		c.requestTotal.WithLabelValues(r.Method, path, status).Inc()
		c.requestDuration.WithLabelValues(r.Method, path, status).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// PipelineCollector records clustering and analysis outcomes.
type PipelineCollector struct {
	signals        *prometheus.CounterVec
	batches        *prometheus.CounterVec
	analysisWrites prometheus.Counter
	runDuration    *prometheus.HistogramVec
	lastSuccess    prometheus.Gauge
}

// NewPipelineCollector registers the pipeline metrics.
func NewPipelineCollector(reg *Registry) (*PipelineCollector, error) {
	c := &PipelineCollector{
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "clustering",
			Name:      "signals_total",
			Help:      "Signals processed by the clustering pipeline, by outcome.",
		}, []string{"outcome"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "batches_total",
			Help:      "Cluster analysis batches submitted, by result.",
		}, []string{"result"}),
		analysisWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "writes_total",
			Help:      "Analysis rows written.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Duration of full pipeline runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"success"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful pipeline run.",
		}),
	}

	if err := reg.register(c.signals, c.batches, c.analysisWrites, c.runDuration, c.lastSuccess); err != nil {
		return nil, err
	}
	return c, nil
}

// ObserveSignal counts one clustering outcome.
func (c *PipelineCollector) ObserveSignal(outcome string) {
	c.signals.WithLabelValues(outcome).Inc()
}

// ObserveAnalysisBatch counts one analysis batch result.
func (c *PipelineCollector) ObserveAnalysisBatch(result string) {
	c.batches.WithLabelValues(result).Inc()
}

// AddAnalysisWrites adds n written analysis rows.
func (c *PipelineCollector) AddAnalysisWrites(n int) {
	c.analysisWrites.Add(float64(n))
}

// ObserveRun records a completed pipeline run.
func (c *PipelineCollector) ObserveRun(duration time.Duration, success bool, finished time.Time) {
	c.runDuration.WithLabelValues(strconv.FormatBool(success)).Observe(duration.Seconds())
	if success {
		c.lastSuccess.Set(float64(finished.Unix()))
	}
}

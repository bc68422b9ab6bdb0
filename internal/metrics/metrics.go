// Package metrics exposes the archive engine's Prometheus instrumentation:
// parts written, bytes moved through the compress/encrypt pipeline, volume
// changes, password retries, index-sink writes and backend operation
// latency/errors. Field names and the exemplar-on-trace-context pattern
// carry over from the teacher's HTTP/S3-gateway metrics, generalized from
// request/bucket labels to archive-engine labels.
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenchrcum/bararchive/internal/barerr"
)

var defaultRegistry = prometheus.DefaultRegisterer

// Metrics holds every counter/histogram/gauge the archive engine records.
type Metrics struct {
	registry prometheus.Registerer

	partsClosedTotal *prometheus.CounterVec
	bytesInputTotal  *prometheus.CounterVec
	bytesOutputTotal *prometheus.CounterVec
	entryDuration    *prometheus.HistogramVec
	entryErrors      *prometheus.CounterVec

	volumeChangesTotal *prometheus.CounterVec
	volumeFillDuration prometheus.Histogram

	passwordRetriesTotal prometheus.Counter

	indexWriteDuration *prometheus.HistogramVec
	indexWriteErrors   *prometheus.CounterVec

	backendOperationsTotal   *prometheus.CounterVec
	backendOperationDuration *prometheus.HistogramVec
	backendOperationErrors   *prometheus.CounterVec

	activeSessions prometheus.Gauge
	goroutines     prometheus.Gauge
	memoryAlloc    prometheus.Gauge
	memorySys      prometheus.Gauge
}

// NewMetrics builds a Metrics registered against the default Prometheus
// registry.
func NewMetrics() *Metrics {
	return newMetricsWithRegistry(defaultRegistry)
}

// NewMetricsWithRegistry builds a Metrics against a caller-supplied
// registry, for tests that need to avoid collisions with the default
// registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWithRegistry(reg)
}

func newMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		partsClosedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bararchive_parts_closed_total",
				Help: "Total number of archive parts closed (rotated or finished)",
			},
			[]string{"backend"},
		),
		bytesInputTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bararchive_entry_bytes_input_total",
				Help: "Total raw entry bytes fed into the compress/encrypt pipeline",
			},
			[]string{"kind"},
		),
		bytesOutputTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bararchive_entry_bytes_output_total",
				Help: "Total framed bytes written to a part after compression and encryption",
			},
			[]string{"kind"},
		),
		entryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bararchive_entry_duration_seconds",
				Help:    "Time spent writing one entry through the pipeline",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		entryErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bararchive_entry_errors_total",
				Help: "Total entry write/read errors",
			},
			[]string{"kind", "error_type"},
		),
		volumeChangesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bararchive_volume_changes_total",
				Help: "Total medium-change requests, by outcome",
			},
			[]string{"result"}, // ok, unload, aborted
		),
		volumeFillDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bararchive_volume_fill_duration_seconds",
				Help:    "Time spent running a volume's fill pipeline (image, ecc, blank, write)",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
		),
		passwordRetriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bararchive_password_retries_total",
				Help: "Total additional passwords requested after the head of the password pool failed",
			},
		),
		indexWriteDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bararchive_indexsink_write_duration_seconds",
				Help:    "Time spent writing a part's catalog rows, including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"}, // ok, failed
		),
		indexWriteErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bararchive_indexsink_write_errors_total",
				Help: "Total index writes that exhausted their retry budget",
			},
			[]string{"archive"},
		),
		backendOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bararchive_backend_operations_total",
				Help: "Total storage backend operations",
			},
			[]string{"backend", "operation"},
		),
		backendOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bararchive_backend_operation_duration_seconds",
				Help:    "Storage backend operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend", "operation"},
		),
		backendOperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bararchive_backend_operation_errors_total",
				Help: "Total storage backend operation errors",
			},
			[]string{"backend", "operation", "error_type"},
		),
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bararchive_active_sessions",
				Help: "Number of ArchiveWriter/ArchiveReader sessions currently open",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bararchive_goroutines",
				Help: "Number of goroutines",
			},
		),
		memoryAlloc: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bararchive_memory_alloc_bytes",
				Help: "Bytes allocated and not yet freed",
			},
		),
		memorySys: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bararchive_memory_sys_bytes",
				Help: "Total bytes of memory obtained from the OS",
			},
		),
	}
}

// RecordPartClosed records one part being durably closed.
func (m *Metrics) RecordPartClosed(backend string) {
	m.partsClosedTotal.WithLabelValues(backend).Inc()
}

// RecordEntry records one entry's pipeline pass.
func (m *Metrics) RecordEntry(ctx context.Context, kind string, duration time.Duration, inputBytes, outputBytes int64) {
	labels := prometheus.Labels{"kind": kind}

	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.bytesInputTotal.With(labels).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(float64(inputBytes), exemplar)
		} else {
			m.bytesInputTotal.With(labels).Add(float64(inputBytes))
		}
		if observer, ok := m.entryDuration.With(labels).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.entryDuration.With(labels).Observe(duration.Seconds())
		}
	} else {
		m.bytesInputTotal.With(labels).Add(float64(inputBytes))
		m.entryDuration.With(labels).Observe(duration.Seconds())
	}

	m.bytesOutputTotal.With(labels).Add(float64(outputBytes))
}

// RecordEntryError records an entry read/write error.
func (m *Metrics) RecordEntryError(kind, errType string) {
	m.entryErrors.WithLabelValues(kind, errType).Inc()
}

// RecordVolumeChange records the outcome of one medium-change round-trip.
func (m *Metrics) RecordVolumeChange(result string) {
	m.volumeChangesTotal.WithLabelValues(result).Inc()
}

// RecordVolumeFill records how long a volume's fill pipeline took.
func (m *Metrics) RecordVolumeFill(duration time.Duration) {
	m.volumeFillDuration.Observe(duration.Seconds())
}

// RecordPasswordRetry records a fallback to the next password in the pool.
func (m *Metrics) RecordPasswordRetry() {
	m.passwordRetriesTotal.Inc()
}

// RecordIndexWrite records one IndexSink write attempt, including retries
// folded into the duration.
func (m *Metrics) RecordIndexWrite(archive string, duration time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "failed"
		m.indexWriteErrors.WithLabelValues(archive).Inc()
	}
	m.indexWriteDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordBackendOperation records one storage backend call.
func (m *Metrics) RecordBackendOperation(ctx context.Context, backend, operation string, duration time.Duration, err error) {
	labels := prometheus.Labels{"backend": backend, "operation": operation}

	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.backendOperationsTotal.With(labels).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.backendOperationsTotal.With(labels).Inc()
		}
		if observer, ok := m.backendOperationDuration.With(labels).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.backendOperationDuration.With(labels).Observe(duration.Seconds())
		}
	} else {
		m.backendOperationsTotal.With(labels).Inc()
		m.backendOperationDuration.With(labels).Observe(duration.Seconds())
	}

	if err != nil {
		m.backendOperationErrors.WithLabelValues(backend, operation, errorType(err)).Inc()
	}
}

// IncrementActiveSessions increments the open-session gauge.
func (m *Metrics) IncrementActiveSessions() { m.activeSessions.Inc() }

// DecrementActiveSessions decrements the open-session gauge.
func (m *Metrics) DecrementActiveSessions() { m.activeSessions.Dec() }

// UpdateSystemMetrics refreshes the goroutine/memory gauges.
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAlloc.Set(float64(memStats.Alloc))
	m.memorySys.Set(float64(memStats.Sys))
}

// StartSystemMetricsCollector starts a goroutine that periodically
// refreshes the system gauges until ctx is cancelled.
func (m *Metrics) StartSystemMetricsCollector(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.UpdateSystemMetrics()
			}
		}
	}()
}

// Handler returns the HTTP handler serving, in the Prometheus exposition
// format, the registry this Metrics was registered against.
func (m *Metrics) Handler() http.Handler {
	if g, ok := m.registry.(prometheus.Gatherer); ok && m.registry != prometheus.DefaultRegisterer {
		return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// getExemplar extracts a trace ID from ctx and returns it as prometheus
// exemplar labels.
func getExemplar(ctx context.Context) prometheus.Labels {
	if ctx == nil {
		return nil
	}
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if spanContext.IsValid() {
		return prometheus.Labels{"trace_id": spanContext.TraceID().String()}
	}
	return nil
}

// errorType classifies err into a low-cardinality label. barerr-wrapped
// errors report their Kind; anything else falls back to "unknown" so raw
// error strings never become label values.
func errorType(err error) string {
	if kind, ok := barerr.KindOf(err); ok {
		return string(kind)
	}
	return "unknown"
}

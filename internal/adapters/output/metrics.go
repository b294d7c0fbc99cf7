package output

import (
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/logsiem/internal/domain"
)

// PrometheusMetrics implements ports.MetricsCollector and
// ports.ProcessingObserver on a Prometheus registry.
type PrometheusMetrics struct {
	records        *prometheus.CounterVec
	processed      *prometheus.CounterVec
	threats        *prometheus.CounterVec
	ruleHits       *prometheus.CounterVec
	correlation    *prometheus.HistogramVec
	processingTime prometheus.Histogram
	storeErrors    prometheus.Counter
	activeWorkers  prometheus.Gauge
	queueLength    prometheus.Gauge
	trackedKeys    prometheus.Gauge
	totalRecords   prometheus.CounterFunc
	memoryUsage    prometheus.GaugeFunc

	gatherer prometheus.Gatherer
	server   *http.Server
	mu       sync.Mutex
}

type MetricsConfig struct {
	Port string
	Path string
}

func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Port: ":9090",
		Path: "/metrics",
	}
}

// NewPrometheusMetrics registers the collectors on reg, or on the default
// registry when reg is nil. Tests pass a fresh prometheus.NewRegistry().
func NewPrometheusMetrics(reg *prometheus.Registry, namespace string, internalMetrics *domain.AnalysisMetrics) *PrometheusMetrics {
	if namespace == "" {
		namespace = "logsiem"
	}

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	factory := promauto.With(registerer)

	m := &PrometheusMetrics{gatherer: gatherer}

	m.records = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_total",
		Help:      "Classified records by severity",
	}, []string{"severity"})

	m.processed = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_processed_total",
		Help:      "Records handled by the worker pool by outcome",
	}, []string{"result"})

	m.threats = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "threats_total",
		Help:      "Persisted threat records by provenance",
	}, []string{"provenance"})

	m.ruleHits = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rule_hits_total",
		Help:      "Verdicts decided by each rule",
	}, []string{"rule"})

	m.correlation = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "correlation_pass_duration_seconds",
		Help:      "Correlation pass duration by result",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"result"})

	m.processingTime = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "processing_duration_seconds",
		Help:      "Classification plus persistence time per record",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 14),
	})

	m.storeErrors = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_errors_total",
		Help:      "Failed event store calls",
	})

	m.activeWorkers = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_workers",
		Help:      "Number of active worker goroutines",
	})

	m.queueLength = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_length",
		Help:      "Records waiting in the worker pool queue",
	})

	m.trackedKeys = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "window_keys",
		Help:      "Keys currently tracked by the sliding window counters",
	})

	m.totalRecords = factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "intake_records_total",
		Help:      "Records accepted since start",
	}, func() float64 {
		if internalMetrics != nil {
			return float64(internalMetrics.TotalRecords())
		}
		return 0
	})

	m.memoryUsage = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "memory_bytes",
		Help:      "Current heap allocation in bytes",
	}, func() float64 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		return float64(ms.Alloc)
	})

	return m
}

func (m *PrometheusMetrics) IncrementRecords(severity domain.Severity) {
	m.records.WithLabelValues(string(severity)).Inc()
}

func (m *PrometheusMetrics) IncrementRecordsProcessedByResult(result string) {
	m.processed.WithLabelValues(result).Inc()
}

func (m *PrometheusMetrics) IncrementThreats(provenance domain.Provenance) {
	m.threats.WithLabelValues(string(provenance)).Inc()
}

func (m *PrometheusMetrics) IncrementRuleHits(rule string) {
	if rule == "" {
		return
	}
	m.ruleHits.WithLabelValues(rule).Inc()
}

func (m *PrometheusMetrics) ObserveProcessingTime(seconds float64) {
	m.processingTime.Observe(seconds)
}

func (m *PrometheusMetrics) ObserveCorrelationPass(result string, seconds float64) {
	m.correlation.WithLabelValues(result).Observe(seconds)
}

func (m *PrometheusMetrics) IncrementStoreErrors() {
	m.storeErrors.Inc()
}

func (m *PrometheusMetrics) SetActiveWorkers(count int) {
	m.activeWorkers.Set(float64(count))
}

func (m *PrometheusMetrics) SetQueueLength(n int) {
	m.queueLength.Set(float64(n))
}

func (m *PrometheusMetrics) SetTrackedKeys(n int) {
	m.trackedKeys.Set(float64(n))
}

// Handler serves the registry this instance was registered on.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// StartServer serves metrics on config.Port. Extra handlers (such as the
// readiness probe) are mounted on the same mux.
func (m *PrometheusMetrics) StartServer(config MetricsConfig, extra map[string]http.Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mux := http.NewServeMux()
	mux.Handle(config.Path, m.Handler())
	for path, h := range extra {
		mux.Handle(path, h)
	}

	m.server = &http.Server{
		Addr:              config.Port,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := m.server

	go func() {
		log.Info().Str("addr", config.Port).Str("path", config.Path).Msg("Starting Prometheus metrics server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	return nil
}

func (m *PrometheusMetrics) StopServer() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.server != nil {
		return m.server.Close()
	}
	return nil
}

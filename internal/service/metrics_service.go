package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the trust
// substrate and keeps lightweight counters for status snapshots.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	auditEntries    *prometheus.CounterVec
	flushDuration   prometheus.Observer
	flushFailures   prometheus.Counter
	authAttempts    *prometheus.CounterVec
	cacheHitRatio   prometheus.Gauge
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	threats         *prometheus.CounterVec
	scanScore       prometheus.Gauge

	cacheHitCount  uint64
	cacheMissCount uint64
	threatCount    uint64
	authFailures   uint64
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	auditEntries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_entries_total",
		Help: "Total audit entries accepted into the chain",
	}, []string{"category", "level"})

	flushDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "audit_flush_duration_seconds",
		Help:    "Duration of audit buffer flushes",
		Buckets: prometheus.DefBuckets,
	})

	flushFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_flush_failures_total",
		Help: "Total audit flushes that failed and were retried",
	})

	authAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_attempts_total",
		Help: "Total authentication attempts by outcome",
	}, []string{"outcome"})

	cacheHitRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "authz_cache_hit_ratio",
		Help: "Ratio of authorization decision cache hits to total lookups",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authz_cache_hits_total",
		Help: "Total authorization decision cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authz_cache_misses_total",
		Help: "Total authorization decision cache misses",
	})

	threats := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "threats_detected_total",
		Help: "Total threats detected by severity",
	}, []string{"severity"})

	scanScore := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "security_scan_score",
		Help: "Score of the most recent security scan",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, auditEntries, flushDuration,
		flushFailures, authAttempts, cacheHitRatio, cacheHits, cacheMisses, threats, scanScore, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		auditEntries:    auditEntries,
		flushDuration:   flushDuration,
		flushFailures:   flushFailures,
		authAttempts:    authAttempts,
		cacheHitRatio:   cacheHitRatio,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
		threats:         threats,
		scanScore:       scanScore,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics for the admin server.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordAuditEntry counts an accepted audit entry.
func (m *MetricsService) RecordAuditEntry(category, level string) {
	if m == nil {
		return
	}
	m.auditEntries.WithLabelValues(category, level).Inc()
}

// RecordFlush records the outcome and duration of an audit buffer flush.
func (m *MetricsService) RecordFlush(ok bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.flushDuration.Observe(duration.Seconds())
	if !ok {
		m.flushFailures.Inc()
	}
}

// RecordAuthAttempt counts an authentication attempt by outcome.
func (m *MetricsService) RecordAuthAttempt(outcome string) {
	if m == nil {
		return
	}
	m.authAttempts.WithLabelValues(outcome).Inc()
	if outcome != "success" {
		atomic.AddUint64(&m.authFailures, 1)
	}
}

// RecordDecisionCache records an authorization cache lookup and updates
// the hit ratio.
func (m *MetricsService) RecordDecisionCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	total := hits + misses
	if total > 0 {
		m.cacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// RecordThreat counts a detected threat.
func (m *MetricsService) RecordThreat(severity string) {
	if m == nil {
		return
	}
	m.threats.WithLabelValues(severity).Inc()
	atomic.AddUint64(&m.threatCount, 1)
}

// RecordScanScore publishes the most recent security scan score.
func (m *MetricsService) RecordScanScore(score int) {
	if m == nil {
		return
	}
	m.scanScore.Set(float64(score))
}

// ThreatCount returns the total number of threats seen since start.
func (m *MetricsService) ThreatCount() uint64 {
	if m == nil {
		return 0
	}
	return atomic.LoadUint64(&m.threatCount)
}

package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the gateway.
type MetricsService struct {
	registry           *prometheus.Registry
	handler            http.Handler
	requestDuration    *prometheus.HistogramVec
	requestTotal       *prometheus.CounterVec
	trialChecks        *prometheus.CounterVec
	trialBlocked       prometheus.Counter
	audienceResolution prometheus.Histogram
	audienceSize       prometheus.Histogram
	cacheHits          prometheus.Counter
	cacheMisses        prometheus.Counter
	invitesAccepted    prometheus.Counter
	messagesSent       prometheus.Counter
}

// NewMetricsService registers the core collectors.
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

	trialChecks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trial_checks_total",
		Help: "Trial gate evaluations by outcome",
	}, []string{"outcome"})

	trialBlocked := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trial_blocked_writes_total",
		Help: "Write requests rejected by the trial gate",
	})

	audienceResolution := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "audience_resolution_seconds",
		Help:    "Duration of audience resolution",
		Buckets: prometheus.DefBuckets,
	})

	audienceSize := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "audience_recipient_count",
		Help:    "Guardians reached per resolved audience",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	invitesAccepted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "invitations_accepted_total",
		Help: "Guardian invitations accepted",
	})

	messagesSent := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messages_sent_total",
		Help: "Messages fanned out to recipients",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, trialChecks, trialBlocked,
		audienceResolution, audienceSize, cacheHits, cacheMisses, invitesAccepted, messagesSent, goroutines)

	return &MetricsService{
		registry:           registry,
		handler:            promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration:    requestDuration,
		requestTotal:       requestTotal,
		trialChecks:        trialChecks,
		trialBlocked:       trialBlocked,
		audienceResolution: audienceResolution,
		audienceSize:       audienceSize,
		cacheHits:          cacheHits,
		cacheMisses:        cacheMisses,
		invitesAccepted:    invitesAccepted,
		messagesSent:       messagesSent,
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

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordTrialCheck counts a trial gate evaluation.
func (m *MetricsService) RecordTrialCheck(expired bool) {
	if m == nil {
		return
	}
	outcome := "active"
	if expired {
		outcome = "expired"
	}
	m.trialChecks.WithLabelValues(outcome).Inc()
}

// RecordTrialBlock counts a write rejected by the gate.
func (m *MetricsService) RecordTrialBlock() {
	if m == nil {
		return
	}
	m.trialBlocked.Inc()
}

// ObserveAudienceResolution records resolution timing and fan-out size.
func (m *MetricsService) ObserveAudienceResolution(duration time.Duration, recipients int) {
	if m == nil {
		return
	}
	m.audienceResolution.Observe(duration.Seconds())
	m.audienceSize.Observe(float64(recipients))
}

// RecordCacheOperation records a cache hit or miss.
func (m *MetricsService) RecordCacheOperation(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}

// RecordInviteAccepted counts an accepted invitation.
func (m *MetricsService) RecordInviteAccepted() {
	if m == nil {
		return
	}
	m.invitesAccepted.Inc()
}

// RecordMessageSent counts a message fan-out.
func (m *MetricsService) RecordMessageSent() {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
}

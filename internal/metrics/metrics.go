package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for the dispatch engine
type Metrics struct {
	// Delivery counters
	EmailsSentTotal     *prometheus.CounterVec
	EmailsFailedTotal   *prometheus.CounterVec
	EmailsDeferredTotal *prometheus.CounterVec
	EmailsSuppressedTotal prometheus.Counter

	SendDurationSeconds *prometheus.HistogramVec

	// Queue gauges
	QueuePending prometheus.Gauge
	QueueDelayed prometheus.Gauge
	QueueActive  prometheus.Gauge
	QueueDead    prometheus.Gauge

	// Engagement counters
	OpensTotal  *prometheus.CounterVec
	ClicksTotal *prometheus.CounterVec

	// Rate limiting and routing
	RateLimitDeferredTotal *prometheus.CounterVec
	WarmupDeferredTotal    *prometheus.CounterVec
	ProviderFallbackTotal  *prometheus.CounterVec

	// Campaign counters
	CampaignsSentTotal prometheus.Counter
	CampaignEmailsEnqueuedTotal prometheus.Counter

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		EmailsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_emails_sent_total",
				Help: "Total number of successfully delivered emails",
			},
			[]string{"provider"},
		),
		EmailsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_emails_failed_total",
				Help: "Total number of failed send attempts",
			},
			[]string{"provider", "error_kind"},
		),
		EmailsDeferredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_emails_deferred_total",
				Help: "Total number of sends pushed back by a gate",
			},
			[]string{"reason"},
		),
		EmailsSuppressedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatch_emails_suppressed_total",
				Help: "Total number of sends short-circuited by the suppression list",
			},
		),
		SendDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_send_duration_seconds",
				Help:    "Provider send call duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15},
			},
			[]string{"provider"},
		),
		QueuePending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dispatch_queue_pending",
				Help: "Number of jobs waiting to run",
			},
		),
		QueueDelayed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dispatch_queue_delayed",
				Help: "Number of jobs scheduled for the future",
			},
		),
		QueueActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dispatch_queue_active",
				Help: "Number of jobs currently being processed",
			},
		),
		QueueDead: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dispatch_queue_dead",
				Help: "Number of jobs that exhausted their retries",
			},
		),
		OpensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_opens_total",
				Help: "Total number of recorded opens",
			},
			[]string{"source"},
		),
		ClicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_clicks_total",
				Help: "Total number of recorded clicks",
			},
			[]string{"source"},
		),
		RateLimitDeferredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_ratelimit_deferred_total",
				Help: "Total number of sends deferred by the hourly domain limit",
			},
			[]string{"domain"},
		),
		WarmupDeferredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_warmup_deferred_total",
				Help: "Total number of sends deferred by a warmup budget",
			},
			[]string{"domain"},
		),
		ProviderFallbackTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_provider_fallback_total",
				Help: "Total number of sends routed away from the preferred provider",
			},
			[]string{"provider"},
		),
		CampaignsSentTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatch_campaigns_sent_total",
				Help: "Total number of campaigns fanned out",
			},
		),
		CampaignEmailsEnqueuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatch_campaign_emails_enqueued_total",
				Help: "Total number of per-recipient jobs enqueued by campaigns",
			},
		),
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.EmailsSentTotal,
		m.EmailsFailedTotal,
		m.EmailsDeferredTotal,
		m.EmailsSuppressedTotal,
		m.SendDurationSeconds,
		m.QueuePending,
		m.QueueDelayed,
		m.QueueActive,
		m.QueueDead,
		m.OpensTotal,
		m.ClicksTotal,
		m.RateLimitDeferredTotal,
		m.WarmupDeferredTotal,
		m.ProviderFallbackTotal,
		m.CampaignsSentTotal,
		m.CampaignEmailsEnqueuedTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncEmailsSent increments the delivered counter
func IncEmailsSent(provider string) {
	if m := Global(); m != nil {
		m.EmailsSentTotal.WithLabelValues(provider).Inc()
	}
}

// IncEmailsFailed increments the failed counter
func IncEmailsFailed(provider, errorKind string) {
	if m := Global(); m != nil {
		m.EmailsFailedTotal.WithLabelValues(provider, errorKind).Inc()
	}
}

// IncEmailsDeferred increments the deferred counter
func IncEmailsDeferred(reason string) {
	if m := Global(); m != nil {
		m.EmailsDeferredTotal.WithLabelValues(reason).Inc()
	}
}

// IncEmailsSuppressed increments the suppression counter
func IncEmailsSuppressed() {
	if m := Global(); m != nil {
		m.EmailsSuppressedTotal.Inc()
	}
}

// ObserveSendDuration records one provider call duration
func ObserveSendDuration(provider string, seconds float64) {
	if m := Global(); m != nil {
		m.SendDurationSeconds.WithLabelValues(provider).Observe(seconds)
	}
}

// IncOpens increments the open counter
func IncOpens(source string) {
	if m := Global(); m != nil {
		m.OpensTotal.WithLabelValues(source).Inc()
	}
}

// IncClicks increments the click counter
func IncClicks(source string) {
	if m := Global(); m != nil {
		m.ClicksTotal.WithLabelValues(source).Inc()
	}
}

// IncRateLimitDeferred counts a rate-limit deferral
func IncRateLimitDeferred(domain string) {
	if m := Global(); m != nil {
		m.RateLimitDeferredTotal.WithLabelValues(domain).Inc()
	}
}

// IncWarmupDeferred counts a warmup deferral
func IncWarmupDeferred(domain string) {
	if m := Global(); m != nil {
		m.WarmupDeferredTotal.WithLabelValues(domain).Inc()
	}
}

// IncProviderFallback counts a send routed off the preferred provider
func IncProviderFallback(provider string) {
	if m := Global(); m != nil {
		m.ProviderFallbackTotal.WithLabelValues(provider).Inc()
	}
}

// IncCampaignsSent counts a campaign fan-out
func IncCampaignsSent() {
	if m := Global(); m != nil {
		m.CampaignsSentTotal.Inc()
	}
}

// AddCampaignEmailsEnqueued counts recipient jobs created by fan-out
func AddCampaignEmailsEnqueued(n int) {
	if m := Global(); m != nil {
		m.CampaignEmailsEnqueuedTotal.Add(float64(n))
	}
}

// SetQueueDepths updates the queue gauges from a stats snapshot
func SetQueueDepths(pending, delayed, active, dead int64) {
	if m := Global(); m != nil {
		m.QueuePending.Set(float64(pending))
		m.QueueDelayed.Set(float64(delayed))
		m.QueueActive.Set(float64(active))
		m.QueueDead.Set(float64(dead))
	}
}

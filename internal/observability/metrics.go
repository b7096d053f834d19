package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "enhancer"

// Metrics holds every collector the pipeline records to
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
	WebhookResults      *prometheus.CounterVec
	SignatureRejections *prometheus.CounterVec
	QueueDepth          *prometheus.GaugeVec
	JobOutcomes         *prometheus.CounterVec
	JobFailures         *prometheus.CounterVec
	JobDuration         *prometheus.HistogramVec
	DegradedContext     *prometheus.CounterVec
	RetryAttempts       *prometheus.CounterVec
	CircuitState        *prometheus.GaugeVec
	SweepTenants        *prometheus.CounterVec
	SweepDuration       *prometheus.HistogramVec
	IsolationHalted     prometheus.Gauge
	CanaryRuns          *prometheus.CounterVec
	AlertsPublished     *prometheus.CounterVec
}

// NewMetrics creates and registers collectors on a dedicated registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		WebhookResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_results_total",
			Help:      "Inbound ticket webhooks by result",
		}, []string{"result"}),
		SignatureRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signature_rejections_total",
			Help:      "Webhook signatures rejected, by source",
		}, []string{"source"}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs in the queue by state",
		}, []string{"state"}),
		JobOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_outcomes_total",
			Help:      "Finished jobs by terminal phase",
		}, []string{"outcome"}),
		JobFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_failures_total",
			Help:      "Terminal job failures per tenant",
		}, []string{"tenant_id", "reason"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "End-to-end job processing time",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),
		DegradedContext: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_source_failures_total",
			Help:      "Context sources that failed during gathering",
		}, []string{"source"}),
		RetryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Outbound call attempts by dependency kind and result",
		}, []string{"dependency", "result"}),
		CircuitState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state per dependency (0 closed, 1 half-open, 2 open)",
		}, []string{"dependency"}),
		SweepTenants: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_sweep_tenants_total",
			Help:      "Tenants visited by budget sweeps, by result",
		}, []string{"sweep", "result"}),
		SweepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "budget_sweep_duration_seconds",
			Help:      "Budget sweep run time",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"sweep"}),
		IsolationHalted: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "isolation_halted",
			Help:      "1 while processing is halted by an isolation violation",
		}),
		CanaryRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "isolation_canary_runs_total",
			Help:      "Isolation canary runs by result",
		}, []string{"result"}),
		AlertsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_published_total",
			Help:      "Alerts published by kind and result",
		}, []string{"kind", "result"}),
	}
}

// Registry exposes the underlying registry for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

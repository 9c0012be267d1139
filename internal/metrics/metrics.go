// Package metrics exposes Prometheus collectors for the streaming core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatstream"

// Metrics groups every collector. Build one per registry.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	Intake           *prometheus.CounterVec
	MessagesFinal    *prometheus.CounterVec
	ActiveSessions   prometheus.Gauge
	Subscriptions    prometheus.Gauge
	ChunksAppended   prometheus.Counter
	ChunksDuplicate  prometheus.Counter
	EventsDelivered  *prometheus.CounterVec
	SnapshotResumes  prometheus.Counter
	TimeToFirstChunk prometheus.Histogram
	GenerationTime   *prometheus.HistogramVec
	TokensTotal      *prometheus.CounterVec

	AdmissionDecisions *prometheus.CounterVec
	AdmissionQueued    *prometheus.GaugeVec
	AdmissionRunning   *prometheus.GaugeVec

	ProviderAttempts *prometheus.CounterVec
	ProviderErrors   *prometheus.CounterVec

	RateLimitHits *prometheus.CounterVec
}

// New registers every collector on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total", Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds", Help: "HTTP request latency, excluding streams.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "route"}),

		Intake: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "intake_total", Help: "Intake calls by result (created, duplicate, rejected kind).",
		}, []string{"result"}),
		MessagesFinal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_finalized_total", Help: "Finalized messages by status and error kind.",
		}, []string{"status", "kind"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_sessions", Help: "Messages currently pending or streaming.",
		}),
		Subscriptions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "subscriptions", Help: "Connected delivery subscriptions.",
		}),
		ChunksAppended: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "chunks_appended_total", Help: "Chunks accepted into a sequencer buffer.",
		}),
		ChunksDuplicate: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "chunks_duplicate_total", Help: "Chunks dropped as duplicates or late arrivals.",
		}),
		EventsDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_delivered_total", Help: "Events written to delivery channels by type.",
		}, []string{"type"}),
		SnapshotResumes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "snapshot_resumes_total", Help: "Resumes served from a folded snapshot.",
		}),
		TimeToFirstChunk: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "time_to_first_chunk_seconds", Help: "Dispatch to first chunk latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		GenerationTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "generation_duration_seconds", Help: "Dispatch to terminal latency.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"class", "status"}),
		TokensTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tokens_total", Help: "Input and output tokens counted at finalize.",
		}, []string{"direction", "model"}),

		AdmissionDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "admission_decisions_total", Help: "Admission outcomes per class.",
		}, []string{"class", "decision"}),
		AdmissionQueued: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "admission_queued", Help: "Requests waiting per class.",
		}, []string{"class"}),
		AdmissionRunning: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "admission_running", Help: "Generations in flight per class.",
		}, []string{"class"}),

		ProviderAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "provider_attempts_total", Help: "Provider stream attempts.",
		}, []string{"provider", "attempt"}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "provider_errors_total", Help: "Provider failures by kind.",
		}, []string{"provider", "kind"}),

		RateLimitHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limit_hits_total", Help: "Intake requests refused by the rate limiter.",
		}, []string{"tenant"}),
	}
}

// Registry is the registry all collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveHTTP records one finished request.
func (m *Metrics) ObserveHTTP(method, route, status string, d time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// The methods below satisfy admission.Observer.

func (m *Metrics) Admitted(class string, queued bool) {
	decision := "dispatched"
	if queued {
		decision = "queued"
	}
	m.AdmissionDecisions.WithLabelValues(class, decision).Inc()
}

func (m *Metrics) Rejected(class, reason string) {
	m.AdmissionDecisions.WithLabelValues(class, "rejected_"+reason).Inc()
}

func (m *Metrics) Expired(class string) {
	m.AdmissionDecisions.WithLabelValues(class, "expired").Inc()
}

func (m *Metrics) Depth(class string, queued, running int) {
	m.AdmissionQueued.WithLabelValues(class).Set(float64(queued))
	m.AdmissionRunning.WithLabelValues(class).Set(float64(running))
}

// Package metrics exposes operational counters and histograms via
// prometheus/client_golang, covering admission, cache, quota, the queue,
// the LLM client, and the WebSocket hub.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector groups every Prometheus metric exposed by the service.
type Collector struct {
	AdmissionsTotal     *prometheus.CounterVec
	CacheHits           prometheus.Counter
	CacheMisses         prometheus.Counter
	QuotaRejectedTotal  *prometheus.CounterVec
	LockContendedTotal  prometheus.Counter
	JobsPublishedTotal  *prometheus.CounterVec
	JobsConsumedTotal   *prometheus.CounterVec
	JobRetriesTotal     *prometheus.CounterVec
	JobsDeadLetteredTotal prometheus.Counter
	AnalysisDuration    *prometheus.HistogramVec
	LLMCallDuration     *prometheus.HistogramVec
	LLMCircuitState     *prometheus.GaugeVec
	WSConnectionsOpen   prometheus.Gauge
	AlertsFiredTotal    prometheus.Counter
}

// NewCollector registers and returns a Collector bound to reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		AdmissionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "contract_intel_admissions_total",
			Help: "Admission attempts by outcome (enqueued, cached, quota_exceeded, rejected).",
		}, []string{"outcome"}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "contract_intel_cache_hits_total",
			Help: "Analysis cache hits.",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "contract_intel_cache_misses_total",
			Help: "Analysis cache misses.",
		}),
		QuotaRejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "contract_intel_quota_rejected_total",
			Help: "Admission requests rejected for quota exhaustion, by plan.",
		}, []string{"plan"}),
		LockContendedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "contract_intel_lock_contended_total",
			Help: "Single-flight lock acquisitions that found the lock already held.",
		}),
		JobsPublishedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "contract_intel_jobs_published_total",
			Help: "Jobs published to the durable queue, by routing key.",
		}, []string{"queue"}),
		JobsConsumedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "contract_intel_jobs_consumed_total",
			Help: "Jobs consumed from the durable queue, by outcome.",
		}, []string{"queue", "outcome"}),
		JobRetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "contract_intel_job_retries_total",
			Help: "Analysis jobs republished for retry, by attempt number.",
		}, []string{"attempt"}),
		JobsDeadLetteredTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "contract_intel_jobs_dead_lettered_total",
			Help: "Jobs routed to the dead-letter queue after exhausting retries.",
		}),
		AnalysisDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "contract_intel_analysis_duration_seconds",
			Help:    "Wall-clock time to process one analysis job end to end.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 120},
		}, []string{"outcome"}),
		LLMCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "contract_intel_llm_call_duration_seconds",
			Help:    "LLM HTTP call latency per model.",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60},
		}, []string{"model", "status"}),
		LLMCircuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "contract_intel_llm_circuit_state",
			Help: "Circuit breaker state per model: 0=closed, 1=open, 2=half-open.",
		}, []string{"model"}),
		WSConnectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "contract_intel_ws_connections_open",
			Help: "Currently open WebSocket connections.",
		}),
		AlertsFiredTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "contract_intel_alerts_fired_total",
			Help: "Expiry alert jobs published by the scheduler.",
		}),
	}
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// The following are nil-safe instance methods so every pipeline component
// can hold a *Collector field and call these unconditionally: a component
// constructed without SetMetrics (as every existing unit test does) simply
// records nothing.

// ObserveAdmission increments AdmissionsTotal for the given outcome
// (enqueued, cached, quota_exceeded, rejected).
func (c *Collector) ObserveAdmission(outcome string) {
	if c == nil {
		return
	}
	c.AdmissionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveQuotaRejected increments QuotaRejectedTotal for plan.
func (c *Collector) ObserveQuotaRejected(plan string) {
	if c == nil {
		return
	}
	c.QuotaRejectedTotal.WithLabelValues(plan).Inc()
}

// ObserveCacheHit increments CacheHits.
func (c *Collector) ObserveCacheHit() {
	if c == nil {
		return
	}
	c.CacheHits.Inc()
}

// ObserveCacheMiss increments CacheMisses.
func (c *Collector) ObserveCacheMiss() {
	if c == nil {
		return
	}
	c.CacheMisses.Inc()
}

// ObserveLockContended increments LockContendedTotal.
func (c *Collector) ObserveLockContended() {
	if c == nil {
		return
	}
	c.LockContendedTotal.Inc()
}

// ObserveJobPublished increments JobsPublishedTotal for queueName.
func (c *Collector) ObserveJobPublished(queueName string) {
	if c == nil {
		return
	}
	c.JobsPublishedTotal.WithLabelValues(queueName).Inc()
}

// ObserveJobConsumed increments JobsConsumedTotal for (queueName, outcome).
func (c *Collector) ObserveJobConsumed(queueName, outcome string) {
	if c == nil {
		return
	}
	c.JobsConsumedTotal.WithLabelValues(queueName, outcome).Inc()
}

// ObserveJobRetry increments JobRetriesTotal for the given retry attempt
// number.
func (c *Collector) ObserveJobRetry(attempt int) {
	if c == nil {
		return
	}
	c.JobRetriesTotal.WithLabelValues(strconv.Itoa(attempt)).Inc()
}

// ObserveJobDeadLettered increments JobsDeadLetteredTotal.
func (c *Collector) ObserveJobDeadLettered() {
	if c == nil {
		return
	}
	c.JobsDeadLetteredTotal.Inc()
}

// ObserveAnalysisDuration records how long an analysis job took to process,
// labeled by its terminal outcome (completed, failed).
func (c *Collector) ObserveAnalysisDuration(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.AnalysisDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveLLMCall records the latency of one model's call as passed in by
// the caller, labeled by model and status. The llm client passes the time
// spent on a model including its inner retries, with status "ok" or
// "error".
func (c *Collector) ObserveLLMCall(model, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.LLMCallDuration.WithLabelValues(model, status).Observe(d.Seconds())
}

// SetLLMCircuitState reports a model's circuit breaker state: 0=closed,
// 1=open, 2=half-open.
func (c *Collector) SetLLMCircuitState(model string, state int) {
	if c == nil {
		return
	}
	c.LLMCircuitState.WithLabelValues(model).Set(float64(state))
}

// IncWSConnections increments WSConnectionsOpen.
func (c *Collector) IncWSConnections() {
	if c == nil {
		return
	}
	c.WSConnectionsOpen.Inc()
}

// DecWSConnections decrements WSConnectionsOpen.
func (c *Collector) DecWSConnections() {
	if c == nil {
		return
	}
	c.WSConnectionsOpen.Dec()
}

// ObserveAlertFired increments AlertsFiredTotal.
func (c *Collector) ObserveAlertFired() {
	if c == nil {
		return
	}
	c.AlertsFiredTotal.Inc()
}

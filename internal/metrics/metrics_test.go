package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestCollectorRecordsAdmissionOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.AdmissionsTotal.WithLabelValues("enqueued").Inc()
	c.AdmissionsTotal.WithLabelValues("enqueued").Inc()
	c.AdmissionsTotal.WithLabelValues("quota_exceeded").Inc()

	metricFamilies, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	var found bool
	for _, mf := range metricFamilies {
		if mf.GetName() != "contract_intel_admissions_total" {
			continue
		}
		found = true
		for _, m := range mf.GetMetric() {
			if labelValue(m, "outcome") == "enqueued" && m.GetCounter().GetValue() != 2 {
				t.Errorf("expected enqueued=2, got %v", m.GetCounter().GetValue())
			}
		}
	}
	if !found {
		t.Fatal("expected contract_intel_admissions_total to be registered")
	}
}

func TestObserveWrappersRecordAgainstRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObserveAdmission("cached")
	c.ObserveCacheHit()
	c.ObserveCacheMiss()
	c.ObserveQuotaRejected("pro")
	c.ObserveLockContended()
	c.ObserveJobPublished("analysis")
	c.ObserveJobConsumed("analysis", "received")
	c.ObserveJobRetry(1)
	c.ObserveJobDeadLettered()
	c.SetLLMCircuitState("gpt-4o", 1)
	c.IncWSConnections()
	c.ObserveAlertFired()

	metricFamilies, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := make(map[string]bool)
	for _, mf := range metricFamilies {
		names[mf.GetName()] = true
	}
	for _, want := range []string{
		"contract_intel_admissions_total",
		"contract_intel_cache_hits_total",
		"contract_intel_cache_misses_total",
		"contract_intel_quota_rejected_total",
		"contract_intel_lock_contended_total",
		"contract_intel_jobs_published_total",
		"contract_intel_jobs_consumed_total",
		"contract_intel_job_retries_total",
		"contract_intel_jobs_dead_lettered_total",
		"contract_intel_llm_circuit_state",
		"contract_intel_ws_connections_open",
		"contract_intel_alerts_fired_total",
	} {
		if !names[want] {
			t.Errorf("expected %s to be recorded", want)
		}
	}
}

func TestNilCollectorObserveMethodsAreNoops(t *testing.T) {
	var c *Collector
	c.ObserveAdmission("cached")
	c.ObserveCacheHit()
	c.ObserveCacheMiss()
	c.ObserveQuotaRejected("pro")
	c.ObserveLockContended()
	c.ObserveJobPublished("analysis")
	c.ObserveJobConsumed("analysis", "received")
	c.ObserveJobRetry(1)
	c.ObserveJobDeadLettered()
	c.ObserveAnalysisDuration("completed", 0)
	c.ObserveLLMCall("gpt-4o", "ok", 0)
	c.SetLLMCircuitState("gpt-4o", 1)
	c.IncWSConnections()
	c.DecWSConnections()
	c.ObserveAlertFired()
}

func labelValue(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

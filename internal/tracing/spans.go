package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StartAdmissionSpan creates a child span for one admission attempt
// (§4.4): dedup, quota check, single-flight lock, enqueue.
func StartAdmissionSpan(ctx context.Context, tenantID, contractID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "admission.admit",
		trace.WithAttributes(
			attribute.String("contract_intel.tenant_id", tenantID),
			attribute.String("contract_intel.contract_id", contractID),
		),
	)
}

// SetAdmissionOutcome records the terminal outcome of an admission attempt
// (enqueued, cached, quota_exceeded, rejected) on the current span.
func SetAdmissionOutcome(ctx context.Context, outcome string, analysisID string) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("contract_intel.admission_outcome", outcome),
		attribute.String("contract_intel.analysis_id", analysisID),
	)
}

// StartAnalysisSpan creates a child span for one worker pass over an
// analysis job (§4.6).
func StartAnalysisSpan(ctx context.Context, analysisID, contractID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "worker.analyze",
		trace.WithAttributes(
			attribute.String("contract_intel.analysis_id", analysisID),
			attribute.String("contract_intel.contract_id", contractID),
		),
	)
}

// StartLLMCallSpan creates a child span for one outbound call to a model
// endpoint (§4.7), mirroring the shape of an upstream proxy span but
// scoped to the model name rather than a provider/URL pair.
func StartLLMCallSpan(ctx context.Context, model string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "llm.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("contract_intel.model", model)),
	)
}

// SetLLMCallAttributes records the result of one model call on the current
// span.
func SetLLMCallAttributes(ctx context.Context, status string, tokensUsed int) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("contract_intel.llm_status", status),
		attribute.Int("contract_intel.tokens_used", tokensUsed),
	)
}

// StartSchedulerScanSpan creates a span for one pass of the daily
// expiry-alert scan (§4.10).
func StartSchedulerScanSpan(ctx context.Context) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "scheduler.scan")
}

// SetSchedulerScanAttributes records how many alerts a scan fired.
func SetSchedulerScanAttributes(ctx context.Context, candidates, alertsFired int) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.Int("contract_intel.candidates", candidates),
		attribute.Int("contract_intel.alerts_fired", alertsFired),
	)
}

// RecordError records an error on the current span.
func RecordError(ctx context.Context, err error) {
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
}

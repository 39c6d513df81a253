// Package worker implements the analysis queue consumer (§4.6): N
// consumer loops at prefetch=1 running the 5-step algorithm (decode,
// transition to processing, cache recheck, invoke the Model client and
// persist, or retry/dead-letter on failure), plus the simpler `type=diff`
// job variant from the diff pipeline (§4.11).
//
// The panic-recovered per-delivery handling follows the teacher's
// background-loop idiom (internal/cache's StartPurger, daemon.go's
// runPruner): a single malformed or panicking job must never take down a
// consumer loop that other tenants' jobs are relying on.
package worker

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"github.com/lexai-io/contract-intel/internal/admission"
	"github.com/lexai-io/contract-intel/internal/cache"
	"github.com/lexai-io/contract-intel/internal/docstore"
	"github.com/lexai-io/contract-intel/internal/eventbus"
	"github.com/lexai-io/contract-intel/internal/llm"
	"github.com/lexai-io/contract-intel/internal/lock"
	"github.com/lexai-io/contract-intel/internal/metrics"
	"github.com/lexai-io/contract-intel/internal/tracing"
)

// MaxRetries is the default per-job republish budget before dead-lettering
// (§4.6 step 5; retryCount reaches 2 before the job is terminally failed).
const MaxRetries = 2

// DiffJob is the `type=diff` job variant (§4.11): the diff text is
// computed once at admission time and carried on the job, so the worker
// never recomputes it.
type DiffJob struct {
	JobID         string    `json:"jobId"`
	Type          string    `json:"type"`
	ContractID    string    `json:"contractId"`
	TenantID      string    `json:"tenantId"`
	UserID        string    `json:"userId"`
	ContractTitle string    `json:"contractTitle"`
	DiffText      string    `json:"diffText"`
	VersionA      int       `json:"versionA"`
	VersionB      int       `json:"versionB"`
	QueuedAt      time.Time `json:"queuedAt"`
}

// jobEnvelope is decoded first to discover which concrete job shape a
// delivery carries.
type jobEnvelope struct {
	Type string `json:"type"`
}

// analysisCompleteEvent is the §4.8 `analysis:complete` payload.
type analysisCompleteEvent struct {
	ContractID string          `json:"contractId"`
	AnalysisID string          `json:"analysisId"`
	RiskScore  int             `json:"riskScore"`
	RiskLevel  docstore.RiskLevel `json:"riskLevel"`
}

// analysisFailedEvent is the §4.8 `analysis:failed` payload.
type analysisFailedEvent struct {
	ContractID string `json:"contractId"`
	Reason     string `json:"reason"`
}

// diffCompleteEvent is the §4.8 `diff:complete` payload.
type diffCompleteEvent struct {
	ContractID      string   `json:"contractId"`
	VersionA        int      `json:"versionA"`
	VersionB        int      `json:"versionB"`
	Summary         string   `json:"summary"`
	ChangesAnalysis []string `json:"changesAnalysis"`
	NewRisks        []string `json:"newRisks"`
	Recommendation  string   `json:"recommendation"`
}

// ContractStore is the subset of docstore.ContractRepository the worker
// depends on.
type ContractStore interface {
	UpdateExtractedFields(ctx context.Context, contractID string, effectiveAt, expiryAt, renewalAt *time.Time, parties []string) error
}

// AnalysisStore is the subset of docstore.AnalysisRepository the worker
// depends on.
type AnalysisStore interface {
	SetProcessing(ctx context.Context, id string) error
	CompleteFromCache(ctx context.Context, id, summary string, riskScore int, riskLevel docstore.RiskLevel) error
	Complete(ctx context.Context, id string, result docstore.Result, aiModel string, tokensUsed int, processingTimeMs int64) error
	IncrementRetry(ctx context.Context, id string) error
	Fail(ctx context.Context, id, reason string) error
}

// Analyzer is the Model client surface the worker depends on; satisfied
// by *llm.Client.
type Analyzer interface {
	Analyze(ctx context.Context, prompt string) (llm.Outcome, error)
}

// Enqueuer republishes retried jobs; satisfied by *queue.Client.
type Enqueuer interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// Consumer is the subset of *queue.Client the worker depends on for
// reconnect-resilient delivery.
type Consumer interface {
	Run(ctx context.Context, queueName, consumerTag string, handle func(amqp.Delivery)) error
}

// RouteKey is the routing key analysis and diff jobs are published/
// republished under.
const RouteKey = "analysis"

// Service runs the analysis worker algorithm.
type Service struct {
	contracts  ContractStore
	analyses   AnalysisStore
	cache      *cache.Cache
	lock       *lock.Lock
	llm        Analyzer
	events     *eventbus.Publisher
	queue      Enqueuer
	maxRetries int
	log        zerolog.Logger
	metrics    *metrics.Collector
}

// New constructs a Service. maxRetries<=0 uses MaxRetries.
func New(
	contracts ContractStore,
	analyses AnalysisStore,
	c *cache.Cache,
	l *lock.Lock,
	llmClient Analyzer,
	events *eventbus.Publisher,
	enqueuer Enqueuer,
	maxRetries int,
	log zerolog.Logger,
) *Service {
	if maxRetries <= 0 {
		maxRetries = MaxRetries
	}
	return &Service{
		contracts:  contracts,
		analyses:   analyses,
		cache:      c,
		lock:       l,
		llm:        llmClient,
		events:     events,
		queue:      enqueuer,
		maxRetries: maxRetries,
		log:        log.With().Str("component", "worker").Logger(),
	}
}

// SetMetrics attaches a metrics collector. Safe to call once after
// construction; nil is a valid no-op collector.
func (s *Service) SetMetrics(m *metrics.Collector) {
	s.metrics = m
}

// Run consumes queueName via consumer at prefetch=1 (already configured by
// the queue client's Qos) until ctx is cancelled. Call Run once per
// consumer loop; a process typically runs N of these concurrently.
func (s *Service) Run(ctx context.Context, consumer Consumer, queueName, consumerTag string) error {
	return consumer.Run(ctx, queueName, consumerTag, func(d amqp.Delivery) {
		s.handle(ctx, d)
	})
}

// handle dispatches one delivery to the analysis or diff path, recovering
// from any panic so one bad job never kills the consumer loop.
func (s *Service) handle(ctx context.Context, d amqp.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("worker: recovered from panic handling delivery")
			_ = d.Nack(false, false)
		}
	}()

	var env jobEnvelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		s.log.Warn().Err(err).Msg("worker: malformed job envelope, dropping")
		_ = d.Ack(false)
		return
	}

	if env.Type == "diff" {
		s.handleDiff(ctx, d)
		return
	}
	s.handleAnalysis(ctx, d)
}

// handleAnalysis runs the 5-step analysis algorithm (§4.6).
func (s *Service) handleAnalysis(ctx context.Context, d amqp.Delivery) {
	var job admission.Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		s.log.Warn().Err(err).Msg("worker: malformed analysis job, dropping")
		_ = d.Ack(false)
		return
	}
	log := s.log.With().Str("analysisId", job.AnalysisID).Str("contractId", job.ContractID).Logger()

	ctx, span := tracing.StartAnalysisSpan(ctx, job.AnalysisID, job.ContractID)
	defer span.End()

	lockKey := "lock:analysis:" + job.ContentHash
	jobStart := time.Now()

	if err := s.analyses.SetProcessing(ctx, job.AnalysisID); err != nil {
		log.Error().Err(err).Msg("worker: failed to transition to processing")
		s.failOrRetry(ctx, d, job, lockKey, "failed to transition to processing", jobStart)
		return
	}

	// Step 3: cache recheck. If another worker already produced this
	// fingerprint's result, short-circuit without calling the model.
	if entry, hit, err := s.cache.Get(ctx, job.ContentHash); err != nil {
		log.Error().Err(err).Msg("worker: cache recheck failed")
		s.failOrRetry(ctx, d, job, lockKey, "cache recheck failed", jobStart)
		return
	} else if hit {
		if err := s.analyses.CompleteFromCache(ctx, job.AnalysisID, entry.Summary, entry.RiskScore, docstore.RiskLevel(entry.RiskLevel)); err != nil {
			log.Error().Err(err).Msg("worker: failed to complete from cache")
			s.failOrRetry(ctx, d, job, lockKey, "failed to persist cached result", jobStart)
			return
		}
		s.publishComplete(ctx, job.TenantID, job.ContractID, job.AnalysisID, entry.RiskScore, docstore.RiskLevel(entry.RiskLevel))
		_ = s.lock.Release(ctx, lockKey)
		_ = d.Ack(false)
		s.metrics.ObserveAnalysisDuration("cached", time.Since(jobStart))
		return
	}

	// Step 4: invoke the Model client.
	start := time.Now()
	outcome, err := s.llm.Analyze(ctx, job.Content)
	if err != nil {
		log.Warn().Err(err).Msg("worker: model analysis failed")
		tracing.RecordError(ctx, err)
		s.failOrRetry(ctx, d, job, lockKey, err.Error(), jobStart)
		return
	}
	elapsed := time.Since(start).Milliseconds()

	if err := s.analyses.Complete(ctx, job.AnalysisID, outcome.Result, outcome.Model, outcome.TokensUsed, elapsed); err != nil {
		log.Error().Err(err).Msg("worker: failed to persist analysis result")
		s.failOrRetry(ctx, d, job, lockKey, "failed to persist analysis result", jobStart)
		return
	}

	effectiveAt, expiryAt, renewalAt := extractDates(outcome.Result.KeyDates)
	if err := s.contracts.UpdateExtractedFields(ctx, job.ContractID, effectiveAt, expiryAt, renewalAt, outcome.Result.Parties); err != nil {
		log.Warn().Err(err).Msg("worker: failed to update contract extracted fields")
	}

	if err := s.cache.Set(ctx, job.ContentHash, &cache.Entry{
		AnalysisID: job.AnalysisID,
		Summary:    outcome.Result.Summary,
		RiskScore:  outcome.Result.RiskScore,
		RiskLevel:  string(outcome.Result.RiskLevel),
		Clauses:    outcome.Result.Clauses,
	}); err != nil {
		log.Warn().Err(err).Msg("worker: failed to write cache entry")
	}

	s.publishComplete(ctx, job.TenantID, job.ContractID, job.AnalysisID, outcome.Result.RiskScore, outcome.Result.RiskLevel)
	_ = s.lock.Release(ctx, lockKey)
	_ = d.Ack(false)
	s.metrics.ObserveAnalysisDuration("completed", time.Since(jobStart))
}

// failOrRetry implements step 5: republish with an incremented retryCount
// if the budget remains, otherwise fail terminally and dead-letter.
func (s *Service) failOrRetry(ctx context.Context, d amqp.Delivery, job admission.Job, lockKey, reason string, jobStart time.Time) {
	if job.RetryCount < s.maxRetries {
		if err := s.analyses.IncrementRetry(ctx, job.AnalysisID); err != nil {
			s.log.Error().Err(err).Str("analysisId", job.AnalysisID).Msg("worker: failed to increment retry count")
		}
		job.RetryCount++
		body, err := json.Marshal(job)
		if err != nil {
			s.log.Error().Err(err).Str("analysisId", job.AnalysisID).Msg("worker: failed to marshal retry job")
			_ = d.Ack(false)
			return
		}
		if err := s.queue.Publish(ctx, RouteKey, body); err != nil {
			s.log.Error().Err(err).Str("analysisId", job.AnalysisID).Msg("worker: failed to republish retry job")
		}
		_ = d.Ack(false)
		s.metrics.ObserveJobRetry(job.RetryCount)
		s.metrics.ObserveAnalysisDuration("retried", time.Since(jobStart))
		return
	}

	if err := s.analyses.Fail(ctx, job.AnalysisID, reason); err != nil {
		s.log.Error().Err(err).Str("analysisId", job.AnalysisID).Msg("worker: failed to persist terminal failure")
	}
	s.publishFailed(ctx, job.TenantID, job.ContractID, reason)
	_ = s.lock.Release(ctx, lockKey)
	_ = d.Nack(false, false)
	s.metrics.ObserveJobDeadLettered()
	s.metrics.ObserveAnalysisDuration("failed", time.Since(jobStart))
}

// handleDiff runs the simpler one-call diff path (§4.11): no caching, no
// contract mutation, a single `diff:complete` event.
func (s *Service) handleDiff(ctx context.Context, d amqp.Delivery) {
	var job DiffJob
	if err := json.Unmarshal(d.Body, &job); err != nil {
		s.log.Warn().Err(err).Msg("worker: malformed diff job, dropping")
		_ = d.Ack(false)
		return
	}

	outcome, err := s.llm.Analyze(ctx, diffPrompt(job))
	if err != nil {
		s.log.Warn().Err(err).Str("contractId", job.ContractID).Msg("worker: diff analysis failed, dead-lettering")
		_ = d.Nack(false, false)
		return
	}

	s.events.Publish(ctx, "org:"+job.TenantID, "diff:complete", diffCompleteEvent{
		ContractID:      job.ContractID,
		VersionA:        job.VersionA,
		VersionB:        job.VersionB,
		Summary:         outcome.Result.Summary,
		ChangesAnalysis: outcome.Result.Clauses,
		NewRisks:        outcome.Result.Obligations.OtherPartyObligations,
		Recommendation:  string(outcome.Result.RiskLevel),
	})
	_ = d.Ack(false)
}

func diffPrompt(job DiffJob) string {
	return "Contract: " + job.ContractTitle + "\n\nUnified diff between version " +
		strconv.Itoa(job.VersionA) + " and version " + strconv.Itoa(job.VersionB) + ":\n\n" + job.DiffText
}

func (s *Service) publishComplete(ctx context.Context, tenantID, contractID, analysisID string, riskScore int, riskLevel docstore.RiskLevel) {
	s.events.Publish(ctx, "org:"+tenantID, "analysis:complete", analysisCompleteEvent{
		ContractID: contractID,
		AnalysisID: analysisID,
		RiskScore:  riskScore,
		RiskLevel:  riskLevel,
	})
}

func (s *Service) publishFailed(ctx context.Context, tenantID, contractID, reason string) {
	s.events.Publish(ctx, "org:"+tenantID, "analysis:failed", analysisFailedEvent{
		ContractID: contractID,
		Reason:     reason,
	})
}

// dateLayouts are the date/time shapes an LLM response is tried against,
// in order, when extracting keyDates values (the model is asked for JSON
// but not pinned to one date format).
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01-02T15:04:05",
	"January 2, 2006",
	"Jan 2, 2006",
}

// keyDatesFields maps the keyDates keys the worker looks for to the
// Contract field each feeds (§4.6 step 4c: "if the model returned
// parseable effective/expiry/renewal dates, write them"). The spec does
// not pin exact key names, so the worker tries the natural ones and
// silently skips anything it can't parse — consistent with
// UpdateExtractedFields's nil-means-don't-set contract.
var keyDatesFields = []string{"effectiveDate", "expiryDate", "renewalDate"}

// extractDates pulls effective/expiry/renewal dates out of a sanitised
// keyDates map, returning nil for any value that is absent or unparseable.
func extractDates(keyDates map[string]any) (effectiveAt, expiryAt, renewalAt *time.Time) {
	ptrs := []**time.Time{&effectiveAt, &expiryAt, &renewalAt}
	for i, key := range keyDatesFields {
		raw, ok := keyDates[key]
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok || s == "" {
			continue
		}
		if t, ok := parseDate(s); ok {
			*ptrs[i] = &t
		}
	}
	return effectiveAt, expiryAt, renewalAt
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

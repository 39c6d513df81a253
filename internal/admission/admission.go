// Package admission implements the request-time admission service (§4.4):
// dedup by content hash, quota enforcement, single-flight lock, and
// enqueue.
package admission

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexai-io/contract-intel/internal/apierrors"
	"github.com/lexai-io/contract-intel/internal/cache"
	"github.com/lexai-io/contract-intel/internal/docstore"
	"github.com/lexai-io/contract-intel/internal/fingerprint"
	"github.com/lexai-io/contract-intel/internal/lock"
	"github.com/lexai-io/contract-intel/internal/metrics"
	"github.com/lexai-io/contract-intel/internal/quota"
	"github.com/lexai-io/contract-intel/internal/tracing"
)

// MinBodyLength is the boundary below which a body is rejected at
// admission (§8 boundary behaviours).
const MinBodyLength = 50

// Result is the outcome of an admission attempt.
type Result struct {
	AnalysisID string
	State      docstore.State
	Cached     bool
}

// Job is the analysis queue payload (§6).
type Job struct {
	JobID       string    `json:"jobId"`
	ContractID  string    `json:"contractId"`
	AnalysisID  string    `json:"analysisId"`
	TenantID    string    `json:"tenantId"`
	UserID      string    `json:"userId"`
	Content     string    `json:"content"`
	ContentHash string    `json:"contentHash"`
	Version     int       `json:"version"`
	RetryCount  int       `json:"retryCount"`
	QueuedAt    time.Time `json:"queuedAt"`
}

// Enqueuer publishes analysis jobs; satisfied by *queue.Client.
type Enqueuer interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// ContractStore is the subset of docstore.ContractRepository admission
// depends on; satisfied by *docstore.ContractRepository, and by a fake in
// tests.
type ContractStore interface {
	Get(ctx context.Context, tenantID, contractID string) (*docstore.Contract, error)
}

// AnalysisStore is the subset of docstore.AnalysisRepository admission
// depends on.
type AnalysisStore interface {
	Insert(ctx context.Context, a *docstore.Analysis) error
	FindNonTerminal(ctx context.Context, contractID string, version int) (*docstore.Analysis, error)
}

// Service runs the admission algorithm.
type Service struct {
	contracts ContractStore
	analyses  AnalysisStore
	cache     *cache.Cache
	lock      *lock.Lock
	quota     *quota.Accountant
	queue     Enqueuer
	marshal   func(Job) ([]byte, error)
	log       zerolog.Logger
	metrics   *metrics.Collector
}

// New constructs a Service.
func New(
	contracts ContractStore,
	analyses AnalysisStore,
	c *cache.Cache,
	l *lock.Lock,
	q *quota.Accountant,
	enqueuer Enqueuer,
	marshalJob func(Job) ([]byte, error),
	log zerolog.Logger,
) *Service {
	return &Service{
		contracts: contracts,
		analyses:  analyses,
		cache:     c,
		lock:      l,
		quota:     q,
		queue:     enqueuer,
		marshal:   marshalJob,
		log:       log.With().Str("component", "admission").Logger(),
	}
}

// SetMetrics attaches a metrics collector. Safe to call once after
// construction; nil is a valid no-op collector.
func (s *Service) SetMetrics(m *metrics.Collector) {
	s.metrics = m
}

// Admit runs the 8-step admission algorithm for (contractID, tenantID,
// userID), optionally pinned to requestedVersion.
func (s *Service) Admit(ctx context.Context, contractID, tenantID, userID, plan string, requestedVersion *int) (Result, error) {
	ctx, span := tracing.StartAdmissionSpan(ctx, tenantID, contractID)
	defer span.End()

	// Step 1: load contract scoped by tenant.
	contract, err := s.contracts.Get(ctx, tenantID, contractID)
	if err != nil {
		tracing.RecordError(ctx, err)
		return Result{}, err
	}

	// Step 2: resolve target version.
	var version docstore.Version
	var ok bool
	if requestedVersion != nil {
		version, ok = contract.VersionByNumber(*requestedVersion)
		if !ok {
			return Result{}, apierrors.NotFound("version not found", nil)
		}
	} else {
		version, ok = contract.CurrentVersion()
		if !ok {
			return Result{}, apierrors.NotFound("contract has no versions", nil)
		}
	}
	if len(version.Body) < MinBodyLength {
		s.metrics.ObserveAdmission("rejected")
		tracing.SetAdmissionOutcome(ctx, "rejected", "")
		return Result{}, apierrors.Validation("contract body is too short to analyze", nil)
	}
	fp := version.Fingerprint

	// Step 3: cache consult.
	if entry, hit, err := s.cache.Get(ctx, fp); err != nil {
		tracing.RecordError(ctx, err)
		return Result{}, err
	} else if hit {
		s.metrics.ObserveAdmission("cached")
		tracing.SetAdmissionOutcome(ctx, "cached", entry.AnalysisID)
		return Result{AnalysisID: entry.AnalysisID, State: docstore.StateCompleted, Cached: true}, nil
	}

	// Step 4: single-flight lock attempt.
	lockKey := fingerprint.LockKey(fp)
	acquired, err := s.lock.Acquire(ctx, lockKey, lock.TTL)
	if err != nil {
		return Result{}, apierrors.InfrastructureDown("lock store unavailable", err)
	}
	if !acquired {
		if existing, err := s.analyses.FindNonTerminal(ctx, contractID, version.Number); err != nil {
			return Result{}, err
		} else if existing != nil {
			return Result{AnalysisID: existing.ID, State: existing.State, Cached: false}, nil
		}
		// Fall through: proceed as if the lock were held. The in-flight
		// holder (if any) will deduplicate via the worker's cache recheck.
	}

	// Step 5: quota check + step 6 increment happen together so we never
	// create an Analysis row for a request we're about to reject.
	status, err := s.quota.Check(ctx, userID, plan)
	if err != nil {
		return Result{}, apierrors.InfrastructureDown("quota store unavailable", err)
	}
	if !status.Allowed {
		s.metrics.ObserveQuotaRejected(plan)
		s.metrics.ObserveAdmission("quota_exceeded")
		tracing.SetAdmissionOutcome(ctx, "quota_exceeded", "")
		return Result{}, apierrors.QuotaExceeded("monthly analysis quota exceeded", nil)
	}

	analysisID := uuid.New().String()
	analysis := &docstore.Analysis{
		ID:         analysisID,
		TenantID:   tenantID,
		ContractID: contractID,
		Version:    version.Number,
		State:      docstore.StatePending,
		CacheKey:   fp,
		RetryCount: 0,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.analyses.Insert(ctx, analysis); err != nil {
		return Result{}, err
	}

	if err := s.quota.Increment(ctx, userID); err != nil {
		s.log.Warn().Err(err).Str("userId", userID).Msg("quota increment failed after admission accepted")
	}

	job := Job{
		JobID:       uuid.New().String(),
		ContractID:  contractID,
		AnalysisID:  analysisID,
		TenantID:    tenantID,
		UserID:      userID,
		Content:     version.Body,
		ContentHash: fp,
		Version:     version.Number,
		RetryCount:  0,
		QueuedAt:    time.Now().UTC(),
	}
	body, err := s.marshal(job)
	if err != nil {
		return Result{}, err
	}
	if err := s.queue.Publish(ctx, "analysis", body); err != nil {
		return Result{}, apierrors.InfrastructureDown("job publish failed", err)
	}

	s.metrics.ObserveAdmission("enqueued")
	tracing.SetAdmissionOutcome(ctx, "enqueued", analysisID)
	return Result{AnalysisID: analysisID, State: docstore.StatePending, Cached: false}, nil
}

// Package scheduler implements the daily expiry-alert scan (§4.10): a
// robfig/cron/v3 job firing at 02:00 UTC that enumerates contracts nearing
// expiry and enqueues alert jobs with at-most-once-per-threshold firing.
package scheduler

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/lexai-io/contract-intel/internal/docstore"
	"github.com/lexai-io/contract-intel/internal/metrics"
	"github.com/lexai-io/contract-intel/internal/tracing"
)

// AlertWindowMax is the upper bound on days-until-expiry the scan
// considers; contracts further out are skipped entirely (§8 boundary
// behaviours: "remaining==90+1 does not" fire).
const AlertWindowMax = 90

// AlertJob is the payload enqueued to the alert queue for one
// (contract, threshold) firing: {contractId, tenantId, title, expiryDate,
// daysUntilExpiry, threshold}.
type AlertJob struct {
	ContractID      string    `json:"contractId"`
	TenantID        string    `json:"tenantId"`
	Title           string    `json:"title"`
	ExpiryDate      time.Time `json:"expiryDate"`
	DaysUntilExpiry int       `json:"daysUntilExpiry"`
	Threshold       int       `json:"threshold"`
}

// ContractStore is the subset of docstore.ContractRepository the scanner
// depends on.
type ContractStore interface {
	ListExpiringCandidates(ctx context.Context) ([]docstore.Contract, error)
	AppendAlertIfAbsent(ctx context.Context, contractID string, rec docstore.AlertRecord) (bool, error)
}

// Enqueuer publishes alert jobs; satisfied by *queue.Client.
type Enqueuer interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// AlertRouteKey is the routing key alert jobs are published under.
const AlertRouteKey = "alert"

// Scheduler owns the cron schedule and runs the daily scan.
type Scheduler struct {
	contracts ContractStore
	queue     Enqueuer
	cronExpr  string
	log       zerolog.Logger

	cron *cron.Cron

	mu               sync.RWMutex
	defaultAlertDays []int

	metrics *metrics.Collector
}

// New constructs a Scheduler. cronExpr is a standard 5-field cron
// expression interpreted in UTC (default "0 2 * * *"). defaultAlertDays
// seeds the fallback threshold table used for contracts with no
// contract-specific AlertDays; pass nil to fall back to
// docstore.DefaultAlertDays.
func New(contracts ContractStore, queue Enqueuer, cronExpr string, defaultAlertDays []int, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		contracts:        contracts,
		queue:            queue,
		cronExpr:         cronExpr,
		defaultAlertDays: defaultAlertDays,
		log:              log.With().Str("component", "scheduler").Logger(),
	}
}

// SetMetrics attaches a metrics collector. Safe to call once after
// construction; nil is a valid no-op collector.
func (s *Scheduler) SetMetrics(m *metrics.Collector) {
	s.metrics = m
}

// SetDefaultAlertDays replaces the fallback alert-threshold table used by
// contracts with no contract-specific AlertDays. Safe to call concurrently
// with Scan, e.g. from a config hot-reload callback.
func (s *Scheduler) SetDefaultAlertDays(days []int) {
	s.mu.Lock()
	s.defaultAlertDays = days
	s.mu.Unlock()
}

func (s *Scheduler) defaultAlertDaysOrFallback() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.defaultAlertDays) == 0 {
		return docstore.DefaultAlertDays
	}
	return s.defaultAlertDays
}

// Start schedules the daily scan and begins running it. Call Stop to halt
// it gracefully.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC))
	_, err := c.AddFunc(s.cronExpr, func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().Interface("panic", r).Msg("scheduler: recovered from panic during scan")
			}
		}()
		if err := s.Scan(ctx); err != nil {
			s.log.Error().Err(err).Msg("scheduler: scan failed")
		}
	})
	if err != nil {
		return err
	}
	s.cron = c
	c.Start()
	return nil
}

// Stop halts the cron scheduler, waiting for any in-flight scan to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
	}
}

// Scan runs one pass of the expiry-alert algorithm (§4.10): enumerate
// non-deleted contracts with a non-null expiryAt, compute remaining days,
// skip out-of-window contracts, and for each configured threshold not yet
// fired, append the alert record and enqueue the alert job. The append is
// attempted before the enqueue so that a threshold is claimed at most once
// even if two scheduler instances race (only one AppendAlertIfAbsent call
// can succeed per contract/threshold pair).
func (s *Scheduler) Scan(ctx context.Context) error {
	ctx, span := tracing.StartSchedulerScanSpan(ctx)
	defer span.End()

	candidates, err := s.contracts.ListExpiringCandidates(ctx)
	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	now := time.Now().UTC()
	fired := 0
	for _, c := range candidates {
		if c.ExpiryAt == nil {
			continue
		}
		remaining := daysUntil(now, *c.ExpiryAt)
		if remaining < 0 || remaining > AlertWindowMax {
			continue
		}

		alertDays := c.AlertDays
		if len(alertDays) == 0 {
			alertDays = s.defaultAlertDaysOrFallback()
		}
		for _, threshold := range alertDays {
			if remaining > threshold {
				continue
			}
			if hasAlert(c.AlertsSent, threshold) {
				continue
			}
			appended, err := s.contracts.AppendAlertIfAbsent(ctx, c.ID, docstore.AlertRecord{
				Threshold: threshold,
				FiredAt:   now,
			})
			if err != nil {
				s.log.Warn().Err(err).Str("contractId", c.ID).Int("threshold", threshold).Msg("scheduler: failed to append alert record")
				continue
			}
			if !appended {
				// Another scheduler run (or a previous pass this same
				// scan, for an overlapping threshold) already claimed it.
				continue
			}

			job := AlertJob{
				ContractID:      c.ID,
				TenantID:        c.TenantID,
				Title:           c.Title,
				ExpiryDate:      *c.ExpiryAt,
				DaysUntilExpiry: remaining,
				Threshold:       threshold,
			}
			body, err := json.Marshal(job)
			if err != nil {
				s.log.Error().Err(err).Str("contractId", c.ID).Msg("scheduler: failed to marshal alert job")
				continue
			}
			if err := s.queue.Publish(ctx, AlertRouteKey, body); err != nil {
				s.log.Error().Err(err).Str("contractId", c.ID).Msg("scheduler: failed to publish alert job")
				continue
			}
			s.metrics.ObserveAlertFired()
			fired++
		}
	}
	tracing.SetSchedulerScanAttributes(ctx, len(candidates), fired)
	s.log.Info().Int("alertsFired", fired).Msg("scheduler: scan complete")
	return nil
}

// daysUntil returns the number of days from now to t, rounded up to a
// whole day, so an expiry 7 days away counts as remaining==7 (which fires
// the 7-day threshold) and one 91 days away counts as 91 (outside the
// window) even when a scan runs a moment after the expiry was computed.
func daysUntil(now, t time.Time) int {
	d := t.Sub(now)
	return int(math.Ceil(d.Hours() / 24))
}

func hasAlert(sent []docstore.AlertRecord, threshold int) bool {
	for _, rec := range sent {
		if rec.Threshold == threshold {
			return true
		}
	}
	return false
}

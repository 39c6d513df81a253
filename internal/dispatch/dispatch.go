// Package dispatch implements the fire-and-forget submission queue for the
// Mailer and AuditLogger side-effect collaborators (§9). Submissions never
// block the caller (the scheduler and worker hot paths); each is retried a
// bounded number of times on its own background goroutine and dropped with
// a logged warning if it never succeeds. Modeled on the teacher's
// background-goroutine-with-panic-recovery idiom (internal/cache's
// StartPurger, daemon.go's runPruner).
package dispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexai-io/contract-intel/internal/backoff"
)

// maxAttempts bounds how many times a single submission is retried before
// being dropped.
const maxAttempts = 3

// retryBase and retryMax bound the backoff between attempts.
const (
	retryBase = 500 * time.Millisecond
	retryMax  = 5 * time.Second
)

// Mailer sends a notification email. Implementations are external to this
// module (§1 non-goals: email transport internals).
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// AuditLogger records an audit trail entry. External collaborator, same as
// Mailer.
type AuditLogger interface {
	Log(ctx context.Context, tenantID, action, detail string) error
}

// Email is one queued mail submission.
type Email struct {
	To      string
	Subject string
	Body    string
}

// AuditEntry is one queued audit-log submission.
type AuditEntry struct {
	TenantID string
	Action   string
	Detail   string
}

// Queue owns a bounded channel of pending submissions and the worker
// goroutines draining it. Submissions that overflow the channel buffer are
// dropped immediately with a logged warning, rather than blocking the
// caller — callers on the hot path (scheduler, worker) must never wait on
// mail or audit delivery.
type Queue struct {
	mailer Mailer
	audit  AuditLogger
	log    zerolog.Logger

	emails chan Email
	audits chan AuditEntry
}

// New constructs a Queue with the given buffer capacity per submission
// kind.
func New(mailer Mailer, audit AuditLogger, bufferSize int, log zerolog.Logger) *Queue {
	return &Queue{
		mailer: mailer,
		audit:  audit,
		log:    log.With().Str("component", "dispatch").Logger(),
		emails: make(chan Email, bufferSize),
		audits: make(chan AuditEntry, bufferSize),
	}
}

// Run starts the background drain loops. Blocks until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	done := make(chan struct{}, 2)
	go func() { q.drainEmails(ctx); done <- struct{}{} }()
	go func() { q.drainAudits(ctx); done <- struct{}{} }()
	<-done
	<-done
}

// SubmitEmail enqueues an email for delivery, dropping it (with a logged
// warning) if the buffer is full.
func (q *Queue) SubmitEmail(e Email) {
	select {
	case q.emails <- e:
	default:
		q.log.Warn().Str("to", e.To).Msg("dispatch: email queue full, dropping submission")
	}
}

// SubmitAudit enqueues an audit entry, dropping it (with a logged warning)
// if the buffer is full.
func (q *Queue) SubmitAudit(e AuditEntry) {
	select {
	case q.audits <- e:
	default:
		q.log.Warn().Str("tenantId", e.TenantID).Str("action", e.Action).Msg("dispatch: audit queue full, dropping submission")
	}
}

func (q *Queue) drainEmails(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-q.emails:
			q.deliverEmail(ctx, e)
		}
	}
}

func (q *Queue) drainAudits(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-q.audits:
			q.deliverAudit(ctx, e)
		}
	}
}

func (q *Queue) deliverEmail(ctx context.Context, e Email) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error().Interface("panic", r).Msg("dispatch: recovered from panic delivering email")
		}
	}()
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := backoff.Sleep(ctx, backoff.Delay(attempt-1, retryBase, retryMax)); err != nil {
				return
			}
		}
		if err := q.mailer.Send(ctx, e.To, e.Subject, e.Body); err != nil {
			lastErr = err
			continue
		}
		return
	}
	q.log.Warn().Err(lastErr).Str("to", e.To).Int("attempts", maxAttempts).Msg("dispatch: email delivery exhausted retries, dropping")
}

func (q *Queue) deliverAudit(ctx context.Context, e AuditEntry) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error().Interface("panic", r).Msg("dispatch: recovered from panic delivering audit entry")
		}
	}()
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := backoff.Sleep(ctx, backoff.Delay(attempt-1, retryBase, retryMax)); err != nil {
				return
			}
		}
		if err := q.audit.Log(ctx, e.TenantID, e.Action, e.Detail); err != nil {
			lastErr = err
			continue
		}
		return
	}
	q.log.Warn().Err(lastErr).Str("tenantId", e.TenantID).Str("action", e.Action).Int("attempts", maxAttempts).Msg("dispatch: audit delivery exhausted retries, dropping")
}

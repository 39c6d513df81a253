package scheduler

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"github.com/lexai-io/contract-intel/internal/dispatch"
	"github.com/lexai-io/contract-intel/internal/eventbus"
)

// TenantDirectory resolves the members of a tenant who should receive
// expiry notifications. External collaborator (§9): membership and
// contact-address resolution live outside this module.
type TenantDirectory interface {
	Members(ctx context.Context, tenantID string) ([]Member, error)
}

// Member is one tenant member eligible for a notification email.
type Member struct {
	UserID string
	Email  string
}

// Consumer is the subset of *queue.Client the alert worker depends on.
type Consumer interface {
	Run(ctx context.Context, queueName, consumerTag string, handle func(amqp.Delivery)) error
}

// AlertWorker consumes the alert queue, resolves tenant members, emits a
// contract:expiring WebSocket event, and queues a notification email per
// member via the dispatch collaborator.
type AlertWorker struct {
	consumer  Consumer
	directory TenantDirectory
	events    *eventbus.Publisher
	mail      *dispatch.Queue
	log       zerolog.Logger
}

// NewAlertWorker constructs an AlertWorker.
func NewAlertWorker(consumer Consumer, directory TenantDirectory, events *eventbus.Publisher, mail *dispatch.Queue, log zerolog.Logger) *AlertWorker {
	return &AlertWorker{
		consumer:  consumer,
		directory: directory,
		events:    events,
		mail:      mail,
		log:       log.With().Str("component", "scheduler.alertworker").Logger(),
	}
}

// Run consumes the alert queue, at prefetch=1 via the shared queue.Client,
// until ctx is cancelled.
func (w *AlertWorker) Run(ctx context.Context, queueName, consumerTag string) error {
	return w.consumer.Run(ctx, queueName, consumerTag, func(d amqp.Delivery) {
		w.handle(ctx, d)
	})
}

// handle decodes one alert job and dispatches notifications. Delivery
// failures (directory lookup, malformed payload) are nacked without
// requeue — a missed expiry alert is not worth feeding back into the
// queue, per the preserved Open Question decision.
func (w *AlertWorker) handle(ctx context.Context, d amqp.Delivery) {
	var job AlertJob
	if err := json.Unmarshal(d.Body, &job); err != nil {
		w.log.Warn().Err(err).Msg("alertworker: malformed job, dropping")
		_ = d.Nack(false, false)
		return
	}

	members, err := w.directory.Members(ctx, job.TenantID)
	if err != nil {
		w.log.Error().Err(err).Str("tenantId", job.TenantID).Msg("alertworker: failed to resolve tenant members")
		_ = d.Nack(false, false)
		return
	}

	w.events.Publish(ctx, "org:"+job.TenantID, "contract:expiring", struct {
		ContractID      string    `json:"contractId"`
		Title           string    `json:"title"`
		DaysUntilExpiry int       `json:"daysUntilExpiry"`
		ExpiryDate      time.Time `json:"expiryDate"`
	}{job.ContractID, job.Title, job.DaysUntilExpiry, job.ExpiryDate})

	for _, m := range members {
		w.mail.SubmitEmail(dispatch.Email{
			To:      m.Email,
			Subject: "Contract nearing expiry: " + job.Title,
			Body:    expiryEmailBody(job),
		})
	}

	_ = d.Ack(false)
}

func expiryEmailBody(job AlertJob) string {
	return "The contract \"" + job.Title + "\" expires in " + strconv.Itoa(job.DaysUntilExpiry) + " day(s) (on " + job.ExpiryDate.Format("2006-01-02") + ")."
}

package orchestrator

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/FresHHerB/api-gpu-sub002/internal/common"
	"github.com/FresHHerB/api-gpu-sub002/internal/interfaces"
	"github.com/FresHHerB/api-gpu-sub002/internal/models"
)

// Deliverer posts terminal-job webhooks with bounded retries. Delivery is
// at-least-once: state is persisted after every attempt so a restart resumes
// from the recorded attempt count.
type Deliverer struct {
	store     interfaces.JobStore
	transport interfaces.WebhookTransport
	validator *URLValidator
	logger    *common.Logger
	clock     interfaces.Clock
	metrics   *Metrics

	secret      string
	maxAttempts int
	delays      []time.Duration
	workers     int

	queue chan string
}

// NewDeliverer creates a deliverer; Start must be called before Deliver.
func NewDeliverer(
	store interfaces.JobStore,
	transport interfaces.WebhookTransport,
	validator *URLValidator,
	logger *common.Logger,
	config *common.Config,
	clock interfaces.Clock,
	metrics *Metrics,
) *Deliverer {
	return &Deliverer{
		store:       store,
		transport:   transport,
		validator:   validator,
		logger:      logger,
		clock:       clock,
		metrics:     metrics,
		secret:      config.Orchestrator.WebhookSecret,
		maxAttempts: config.Orchestrator.GetMaxWebhookAttempts(),
		delays:      config.Orchestrator.GetWebhookRetryDelays(),
		workers:     config.Orchestrator.GetMaxConcurrentWebhooks(),
		queue:       make(chan string, 256),
	}
}

// Start launches the delivery workers via the orchestrator's goroutine
// spawner.
func (d *Deliverer) Start(ctx context.Context, spawn func(name string, fn func())) {
	for i := 0; i < d.workers; i++ {
		name := fmt.Sprintf("webhook-worker-%d", i)
		spawn(name, func() { d.workerLoop(ctx) })
	}
}

// Deliver queues a job for webhook delivery. Jobs without a webhook URL are
// ignored by the worker. Drops with a warning if the queue is full; the
// supervisor's periodic resume picks up any undelivered terminal webhook.
func (d *Deliverer) Deliver(jobID string) {
	select {
	case d.queue <- jobID:
	default:
		d.logger.Warn().Str("job_id", jobID).Msg("Webhook queue full, dropping delivery request")
	}
}

func (d *Deliverer) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-d.queue:
			d.deliver(ctx, jobID)
		}
	}
}

// deliver runs the attempt loop for one job, persisting state after every
// attempt.
func (d *Deliverer) deliver(ctx context.Context, jobID string) {
	job, err := d.store.Get(ctx, jobID)
	if err != nil {
		d.logger.Warn().Str("job_id", jobID).Err(err).Msg("Webhook: failed to load job")
		return
	}
	if job.WebhookURL == "" || job.Webhook.Delivered {
		return
	}

	ws := job.Webhook
	for ws.AttemptsMade < d.maxAttempts {
		attempt := ws.AttemptsMade + 1

		status, attemptErr := d.attempt(ctx, job, attempt)

		ws.AttemptsMade = attempt
		ws.LastAttemptAt = d.clock.Now()

		success := attemptErr == nil && status >= 200 && status < 300
		if success {
			ws.Delivered = true
			ws.LastError = ""
		} else if attemptErr != nil {
			ws.LastError = attemptErr.Error()
		} else {
			ws.LastError = fmt.Sprintf("http %d", status)
		}

		if err := d.store.UpdateWebhookState(ctx, job.ID, ws); err != nil {
			d.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Webhook: failed to persist delivery state")
		}

		if success {
			d.metrics.WebhookAttempts.WithLabelValues("success").Inc()
			d.logger.Debug().
				Str("job_id", job.ID).
				Int("attempt", attempt).
				Msg("Webhook delivered")
			return
		}
		d.metrics.WebhookAttempts.WithLabelValues("failure").Inc()

		if ws.AttemptsMade >= d.maxAttempts {
			d.metrics.WebhookExhausted.Inc()
			d.logger.Error().
				Str("job_id", job.ID).
				Str("url", job.WebhookURL).
				Int("attempts", ws.AttemptsMade).
				Str("last_error", ws.LastError).
				Str("kind", string(models.ErrKindWebhookDeliveryExhausted)).
				Msg("Webhook delivery exhausted")
			return
		}

		delay := d.delays[min(attempt-1, len(d.delays)-1)]
		select {
		case <-ctx.Done():
			return
		case <-d.clock.After(delay):
		}
	}
}

// attempt builds, signs, and posts one delivery. The URL is re-validated on
// every attempt.
func (d *Deliverer) attempt(ctx context.Context, job *models.Job, attempt int) (int, error) {
	if err := d.validator.Validate(job.WebhookURL); err != nil {
		return 0, err
	}

	payload := models.NewWebhookPayload(job, attempt)
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	headers := map[string]string{
		"Content-Type": "application/json",
	}
	if d.secret != "" {
		headers["X-Signature"] = SignBody(d.secret, body)
	}

	status, _, err := d.transport.Post(ctx, job.WebhookURL, headers, body)
	return status, err
}

// SignBody computes the X-Signature header value for a webhook body.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

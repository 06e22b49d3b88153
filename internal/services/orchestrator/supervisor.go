package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/FresHHerB/api-gpu-sub002/internal/interfaces"
	"github.com/FresHHerB/api-gpu-sub002/internal/models"
)

// superviseLoop drives the dispatchers on the tick interval, the timeout
// scan and webhook resume on their own cadence, and the terminal-job prune
// hourly.
func (o *Orchestrator) superviseLoop(ctx context.Context) {
	cfg := &o.config.Orchestrator

	tick := o.clock.NewTicker(cfg.GetTickInterval())
	defer tick.Stop()
	timeout := o.clock.NewTicker(cfg.GetTimeoutCheckInterval())
	defer timeout.Stop()
	prune := o.clock.NewTicker(pruneInterval(cfg.GetJobTTL()))
	defer prune.Stop()

	o.dispatchTick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.Chan():
			o.dispatchTick(ctx)
		case <-timeout.Chan():
			o.timeoutScan(ctx)
			o.resumeWebhooks(ctx)
		case <-prune.Chan():
			o.pruneOld(ctx)
		}
	}
}

func pruneInterval(ttl time.Duration) time.Duration {
	if ttl < time.Hour {
		return ttl
	}
	return time.Hour
}

// dispatchTick runs both dispatchers and refreshes the slot gauge.
func (o *Orchestrator) dispatchTick(ctx context.Context) {
	o.remoteTick(ctx)
	o.localTick(ctx)

	if n, err := o.store.ActiveSlots(ctx); err == nil {
		o.metrics.ActiveSlots.Set(float64(n))
	}
}

// timeoutScan fails jobs stuck in the queue and times out jobs that have run
// past the execution budget.
func (o *Orchestrator) timeoutScan(ctx context.Context) {
	now := o.clock.Now()
	cfg := &o.config.Orchestrator

	queued, err := o.store.ListByStatus(ctx, models.StatusQueued)
	if err != nil {
		o.logger.Warn().Err(err).Msg("Timeout scan: failed to list queued jobs")
		return
	}
	queueTimeout := cfg.GetQueueTimeout()
	for _, job := range queued {
		if now.Sub(job.CreatedAt) <= queueTimeout {
			continue
		}
		_, err := o.store.TransitionStatus(ctx, job.ID, models.StatusQueued, models.StatusFailed, interfaces.Mutation{
			Error: &models.JobError{
				Kind:    models.ErrKindQueueTimeout,
				Message: "job waited in queue longer than " + queueTimeout.String(),
			},
			CompletedAt: &now,
		})
		if err != nil {
			continue
		}
		o.metrics.JobsFinished.WithLabelValues(string(models.StatusFailed)).Inc()
		o.logger.Warn().
			Str("job_id", job.ID).
			Str("operation", string(job.Operation)).
			Msg("Job failed: queue timeout")
		o.deliverer.Deliver(job.ID)
	}

	active, err := o.store.ListByStatus(ctx, models.StatusSubmitted, models.StatusProcessing)
	if err != nil {
		o.logger.Warn().Err(err).Msg("Timeout scan: failed to list active jobs")
		return
	}
	execTimeout := cfg.GetExecutionTimeout()
	for _, job := range active {
		if now.Sub(job.ExecutionStart()) <= execTimeout {
			continue
		}
		o.timeoutJob(ctx, job, now)
	}
}

// timeoutJob settles one overrunning job as TIMED_OUT and cleans up its
// execution: cancel on the remote endpoint, interrupt the local executor,
// return the slot.
func (o *Orchestrator) timeoutJob(ctx context.Context, job *models.Job, now time.Time) {
	_, err := o.store.TransitionStatus(ctx, job.ID, job.Status, models.StatusTimedOut, interfaces.Mutation{
		Error: &models.JobError{
			Kind:    models.ErrKindExecutionTimeout,
			Message: "job exceeded execution timeout of " + o.config.Orchestrator.GetExecutionTimeout().String(),
		},
		CompletedAt: &now,
	})
	if err != nil {
		// Settled between the list and the CAS.
		if !errors.Is(err, interfaces.ErrPreconditionFailed) {
			o.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Timeout scan: failed to time out job")
		}
		return
	}

	if job.Operation.Class() == models.ClassRemote {
		o.cancelRemote(ctx, job.RemoteJobID)
		o.releaseSlot(ctx, job.ID)
	} else {
		o.cancelLocal(job.ID)
	}

	o.metrics.JobsFinished.WithLabelValues(string(models.StatusTimedOut)).Inc()
	o.logger.Warn().
		Str("job_id", job.ID).
		Str("operation", string(job.Operation)).
		Str("status_before", string(job.Status)).
		Msg("Job timed out")
	o.deliverer.Deliver(job.ID)
}

// pruneOld removes terminal jobs past the retention TTL.
func (o *Orchestrator) pruneOld(ctx context.Context) {
	cutoff := o.clock.Now().Add(-o.config.Orchestrator.GetJobTTL())
	removed, err := o.store.Prune(ctx, cutoff)
	if err != nil {
		o.logger.Warn().Err(err).Msg("Failed to prune terminal jobs")
		return
	}
	if removed > 0 {
		o.logger.Info().Int("removed", removed).Msg("Pruned terminal jobs")
	}
}

// recover adopts or requeues jobs stranded by a crash, then resumes
// undelivered webhooks. Runs once at startup before the supervisor loop.
func (o *Orchestrator) recover(ctx context.Context) {
	stranded, err := o.store.RecoverWorkers(ctx, o.config.Orchestrator.GetLeaseDuration())
	if err != nil {
		o.logger.Error().Err(err).Msg("Recovery: failed to scan for stranded jobs")
		return
	}

	for _, job := range stranded {
		if job.Operation.Class() == models.ClassRemote && job.RemoteJobID != "" {
			o.adoptRemote(ctx, job)
			continue
		}
		// Local jobs and remote jobs that never recorded an id restart from
		// the queue.
		if err := o.store.Requeue(ctx, job.ID); err != nil && !errors.Is(err, interfaces.ErrAlreadyTerminal) {
			o.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Recovery: failed to requeue job")
		} else {
			o.logger.Info().
				Str("job_id", job.ID).
				Str("operation", string(job.Operation)).
				Msg("Recovery: job requeued")
		}
	}

	o.resumeWebhooks(ctx)
}

// adoptRemote decides what to do with a stranded job that has a live remote
// id: one status probe, then either apply the terminal result, resume
// polling, or requeue when the remote side no longer knows the job.
func (o *Orchestrator) adoptRemote(ctx context.Context, job *models.Job) {
	st, err := o.endpoint.Status(ctx, job.RemoteJobID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrRemoteNotFound) {
			// A transient probe failure does not mean the remote job is gone;
			// resume polling it instead of resubmitting. The poll error budget
			// settles the job if the endpoint stays unreachable.
			o.logger.Warn().
				Str("job_id", job.ID).
				Str("remote_job_id", job.RemoteJobID).
				Err(err).
				Msg("Recovery: status probe failed, resuming poll")
			jobID, remoteID, submittedAt := job.ID, job.RemoteJobID, job.ExecutionStart()
			o.safeGo("adopted-poll-"+jobID, func() {
				o.pollRemote(ctx, jobID, remoteID, submittedAt)
			})
			return
		}
		if err := o.store.Requeue(ctx, job.ID); err != nil {
			o.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Recovery: failed to requeue forgotten job")
			return
		}
		o.logger.Info().
			Str("job_id", job.ID).
			Str("remote_job_id", job.RemoteJobID).
			Msg("Recovery: remote job not found, requeued")
		return
	}

	if !st.State.IsTerminal() {
		o.logger.Info().
			Str("job_id", job.ID).
			Str("remote_job_id", job.RemoteJobID).
			Str("state", string(st.State)).
			Msg("Recovery: adopted in-flight remote job")
		jobID, remoteID, submittedAt := job.ID, job.RemoteJobID, job.ExecutionStart()
		o.safeGo("adopted-poll-"+jobID, func() {
			o.pollRemote(ctx, jobID, remoteID, submittedAt)
		})
		return
	}

	switch st.State {
	case interfaces.RemoteCompleted:
		o.finishRemote(ctx, job.ID, models.StatusCompleted, nil, st.Output)
	case interfaces.RemoteFailed:
		o.finishRemote(ctx, job.ID, models.StatusFailed, &models.JobError{
			Kind:    models.ErrKindExecutorError,
			Message: st.Error,
		}, nil)
	case interfaces.RemoteCancelled:
		o.finishRemote(ctx, job.ID, models.StatusCancelled, &models.JobError{
			Kind:    models.ErrKindCancelled,
			Message: "cancelled by remote endpoint",
		}, nil)
	case interfaces.RemoteTimedOut:
		o.finishRemote(ctx, job.ID, models.StatusTimedOut, &models.JobError{
			Kind:    models.ErrKindExecutionTimeout,
			Message: "remote endpoint timed the job out",
		}, nil)
	}
	o.logger.Info().
		Str("job_id", job.ID).
		Str("state", string(st.State)).
		Msg("Recovery: applied terminal remote state")
}

// resumeWebhooks re-queues delivery for terminal jobs whose webhook never
// landed and still has budget left. Runs at startup and on the timeout-check
// cadence, so requests dropped from a full delivery queue are retried.
func (o *Orchestrator) resumeWebhooks(ctx context.Context) {
	terminal, err := o.store.ListByStatus(ctx,
		models.StatusCompleted, models.StatusFailed,
		models.StatusCancelled, models.StatusTimedOut,
	)
	if err != nil {
		o.logger.Warn().Err(err).Msg("Recovery: failed to list terminal jobs")
		return
	}

	resumed := 0
	maxAttempts := o.config.Orchestrator.GetMaxWebhookAttempts()
	for _, job := range terminal {
		if job.WebhookURL == "" || job.Webhook.Delivered || job.Webhook.AttemptsMade >= maxAttempts {
			continue
		}
		o.deliverer.Deliver(job.ID)
		resumed++
	}
	if resumed > 0 {
		o.logger.Info().Int("count", resumed).Msg("Recovery: resumed webhook deliveries")
	}
}

package orchestrator

import (
	"context"
	"errors"

	"github.com/FresHHerB/api-gpu-sub002/internal/interfaces"
	"github.com/FresHHerB/api-gpu-sub002/internal/models"
)

// localTick starts queued local jobs up to the worker pool size. A job is
// claimed with a QUEUED -> PROCESSING transition before its worker starts, so
// a lost claim just returns the pool token.
func (o *Orchestrator) localTick(ctx context.Context) {
	free := cap(o.localSem) - len(o.localSem)
	if free <= 0 {
		return
	}

	jobs, err := o.store.GetQueued(ctx, free, models.ClassLocal)
	if err != nil {
		o.logger.Warn().Err(err).Msg("Dispatcher: failed to list queued local jobs")
		return
	}

	for _, job := range jobs {
		select {
		case o.localSem <- struct{}{}:
		default:
			return
		}

		now := o.clock.Now()
		_, err := o.store.TransitionStatus(ctx, job.ID, models.StatusQueued, models.StatusProcessing, interfaces.Mutation{
			StartedAt:         &now,
			IncrementAttempts: true,
		})
		if err != nil {
			<-o.localSem
			if !errors.Is(err, interfaces.ErrPreconditionFailed) {
				o.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Dispatcher: failed to claim local job")
			}
			continue
		}

		job := job
		o.safeGo("local-exec-"+job.ID, func() {
			defer func() { <-o.localSem }()
			o.runLocal(ctx, job)
		})
	}
}

// runLocal executes one local job. Cancellation interrupts the executor
// through the per-job context; the canceller owns the status transition, so
// a failed CAS here means the job already settled and nothing more happens.
func (o *Orchestrator) runLocal(ctx context.Context, job *models.Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.registerLocalCancel(job.ID, cancel)
	defer o.unregisterLocalCancel(job.ID)

	o.logger.Info().
		Str("job_id", job.ID).
		Str("operation", string(job.Operation)).
		Msg("Local job started")

	result, execErr := o.executor.Run(jobCtx, job.Operation, job.Payload)

	if ctx.Err() != nil {
		// Shutting down: leave the job PROCESSING for recovery to requeue.
		return
	}

	now := o.clock.Now()
	if execErr != nil {
		_, err := o.store.TransitionStatus(ctx, job.ID, models.StatusProcessing, models.StatusFailed, interfaces.Mutation{
			Error:       &models.JobError{Kind: models.ErrKindExecutorError, Message: execErr.Error()},
			CompletedAt: &now,
		})
		if err != nil {
			return
		}
		o.metrics.JobsFinished.WithLabelValues(string(models.StatusFailed)).Inc()
		o.logger.Warn().Str("job_id", job.ID).Err(execErr).Msg("Local job failed")
		o.deliverer.Deliver(job.ID)
		return
	}

	_, err := o.store.TransitionStatus(ctx, job.ID, models.StatusProcessing, models.StatusCompleted, interfaces.Mutation{
		Result:      result,
		CompletedAt: &now,
	})
	if err != nil {
		return
	}
	o.metrics.JobsFinished.WithLabelValues(string(models.StatusCompleted)).Inc()
	o.logger.Info().Str("job_id", job.ID).Msg("Local job completed")
	o.deliverer.Deliver(job.ID)
}

package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/FresHHerB/api-gpu-sub002/internal/interfaces"
	"github.com/FresHHerB/api-gpu-sub002/internal/models"
)

// remoteTick fills free remote slots from the queue, oldest first. Slot
// acquisition happens before the status transition so the cap can never be
// exceeded. Claims and submissions run inline so jobs reach the endpoint in
// creation order; only the poll loop is spawned.
func (o *Orchestrator) remoteTick(ctx context.Context) {
	limit := o.config.Orchestrator.GetMaxRemoteSlots()
	jobs, err := o.store.GetQueued(ctx, limit, models.ClassRemote)
	if err != nil {
		o.logger.Warn().Err(err).Msg("Dispatcher: failed to list queued remote jobs")
		return
	}

	for _, job := range jobs {
		if err := o.store.AcquireSlot(ctx, job.ID); err != nil {
			if errors.Is(err, interfaces.ErrNoSlotsAvailable) {
				return
			}
			o.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Dispatcher: failed to acquire slot")
			return
		}
		o.dispatchRemote(ctx, job)
	}
}

// dispatchRemote moves one queued job through submission, then hands it to
// the poll loop. The caller has already acquired the job's slot.
func (o *Orchestrator) dispatchRemote(ctx context.Context, job *models.Job) {
	now := o.clock.Now()
	_, err := o.store.TransitionStatus(ctx, job.ID, models.StatusQueued, models.StatusSubmitted, interfaces.Mutation{
		SubmittedAt:       &now,
		IncrementAttempts: true,
	})
	if err != nil {
		// Lost the claim: either another dispatcher won (it owns the slot for
		// this job id) or the job was cancelled, in which case the slot must
		// be returned.
		if errors.Is(err, interfaces.ErrPreconditionFailed) {
			if cur, getErr := o.store.Get(ctx, job.ID); getErr == nil && cur.IsTerminal() {
				o.releaseSlot(ctx, job.ID)
			}
			return
		}
		o.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Dispatcher: failed to claim job")
		o.releaseSlot(ctx, job.ID)
		return
	}

	if o.shouldFanout(job) {
		o.runFanout(ctx, job, now)
		return
	}

	remoteID, err := o.endpoint.Submit(ctx, job.Payload)
	if err != nil {
		o.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Dispatcher: submit failed")
		o.finishRemote(ctx, job.ID, models.StatusFailed, &models.JobError{
			Kind:    models.ErrKindSubmitFailed,
			Message: err.Error(),
		}, nil)
		return
	}

	_, err = o.store.TransitionStatus(ctx, job.ID, models.StatusSubmitted, models.StatusSubmitted, interfaces.Mutation{
		RemoteJobID: &remoteID,
	})
	if err != nil {
		// Cancelled between submit and the id write: the remote side is
		// running an orphan, stop it.
		o.logger.Info().Str("job_id", job.ID).Str("remote_job_id", remoteID).Msg("Dispatcher: job settled mid-submit, cancelling remote")
		o.cancelRemote(ctx, remoteID)
		o.releaseSlot(ctx, job.ID)
		return
	}

	o.logger.Info().
		Str("job_id", job.ID).
		Str("operation", string(job.Operation)).
		Str("remote_job_id", remoteID).
		Msg("Job submitted to remote endpoint")

	jobID := job.ID
	o.safeGo("remote-poll-"+jobID, func() { o.pollRemote(ctx, jobID, remoteID, now) })
}

// pollRemote polls one remote job until it settles, then applies the
// terminal status to the store.
func (o *Orchestrator) pollRemote(ctx context.Context, jobID, remoteID string, submittedAt time.Time) {
	onProgress := func() {
		startedAt := o.clock.Now()
		_, err := o.store.TransitionStatus(ctx, jobID, models.StatusSubmitted, models.StatusProcessing, interfaces.Mutation{
			StartedAt: &startedAt,
		})
		if err != nil && !errors.Is(err, interfaces.ErrPreconditionFailed) {
			o.logger.Warn().Str("job_id", jobID).Err(err).Msg("Failed to mark job processing")
		}
	}

	st, jobErr := o.awaitRemote(ctx, jobID, remoteID, submittedAt, onProgress)
	if st == nil && jobErr == nil {
		return
	}
	if jobErr != nil {
		o.finishRemote(ctx, jobID, models.StatusFailed, jobErr, nil)
		return
	}

	switch st.State {
	case interfaces.RemoteCompleted:
		o.finishRemote(ctx, jobID, models.StatusCompleted, nil, st.Output)
	case interfaces.RemoteFailed:
		o.finishRemote(ctx, jobID, models.StatusFailed, &models.JobError{
			Kind:    models.ErrKindExecutorError,
			Message: st.Error,
		}, nil)
	case interfaces.RemoteCancelled:
		o.finishRemote(ctx, jobID, models.StatusCancelled, &models.JobError{
			Kind:    models.ErrKindCancelled,
			Message: "cancelled by remote endpoint",
		}, nil)
	case interfaces.RemoteTimedOut:
		o.finishRemote(ctx, jobID, models.StatusTimedOut, &models.JobError{
			Kind:    models.ErrKindExecutionTimeout,
			Message: "remote endpoint timed the job out",
		}, nil)
	}
}

// awaitRemote polls one remote job id until it reaches a terminal remote
// state. Delays grow from the initial poll delay by the backoff factor up to
// the cap. onProgress fires once per IN_PROGRESS observation; pass nil to
// ignore. Returns (nil, nil) when ctx is cancelled, (nil, err) when polling
// itself gives up (vanished job or exhausted error budget).
func (o *Orchestrator) awaitRemote(ctx context.Context, jobID, remoteID string, submittedAt time.Time, onProgress func()) (*interfaces.RemoteStatus, *models.JobError) {
	cfg := &o.config.Orchestrator
	grace := cfg.GetInitialGracePeriod()
	maxPollErrors := cfg.GetMaxPollErrors()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.GetPollInitialDelay()
	b.MaxInterval = cfg.GetPollMaxDelay()
	b.Multiplier = cfg.GetPollBackoffFactor()
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	pollErrors := 0
	for {
		select {
		case <-ctx.Done():
			return nil, nil
		case <-o.clock.After(b.NextBackOff()):
		}

		st, err := o.endpoint.Status(ctx, remoteID)
		if err != nil {
			if errors.Is(err, interfaces.ErrRemoteNotFound) {
				// A fresh submission may not be visible yet; past the grace
				// period the job is gone for good.
				if o.clock.Now().Sub(submittedAt) <= grace {
					continue
				}
				return nil, &models.JobError{
					Kind:    models.ErrKindVanished,
					Message: "remote job " + remoteID + " not found after grace period",
				}
			}

			pollErrors++
			o.metrics.PollErrors.Inc()
			if pollErrors >= maxPollErrors {
				return nil, &models.JobError{
					Kind:    models.ErrKindPollError,
					Message: "poll error budget exhausted: " + err.Error(),
				}
			}
			o.logger.Warn().
				Str("job_id", jobID).
				Str("remote_job_id", remoteID).
				Int("poll_errors", pollErrors).
				Err(err).
				Msg("Poll error")
			continue
		}
		pollErrors = 0

		switch st.State {
		case interfaces.RemoteInQueue:
			continue

		case interfaces.RemoteInProgress:
			if onProgress != nil {
				onProgress()
			}
			continue

		case interfaces.RemoteCompleted, interfaces.RemoteFailed, interfaces.RemoteCancelled, interfaces.RemoteTimedOut:
			return st, nil

		default:
			o.logger.Warn().
				Str("job_id", jobID).
				Str("state", string(st.State)).
				Msg("Unknown remote state, keeping poll alive")
		}
	}
}

// finishRemote settles a remote job into a terminal status from whichever
// non-terminal status it is in, releases its slot, and queues the webhook.
// If a concurrent settle already won, only the slot release runs.
func (o *Orchestrator) finishRemote(ctx context.Context, jobID string, to models.Status, jobErr *models.JobError, result []byte) {
	now := o.clock.Now()
	mut := interfaces.Mutation{
		Error:       jobErr,
		CompletedAt: &now,
	}
	if result != nil {
		mut.Result = result
	}

	settled := false
	for _, from := range []models.Status{models.StatusSubmitted, models.StatusProcessing} {
		if !models.CanTransition(from, to) {
			continue
		}
		_, err := o.store.TransitionStatus(ctx, jobID, from, to, mut)
		if err == nil {
			settled = true
			break
		}
		if !errors.Is(err, interfaces.ErrPreconditionFailed) {
			o.logger.Warn().Str("job_id", jobID).Err(err).Msg("Failed to settle remote job")
		}
	}

	o.releaseSlot(ctx, jobID)

	if settled {
		o.metrics.JobsFinished.WithLabelValues(string(to)).Inc()
		o.logger.Info().
			Str("job_id", jobID).
			Str("status", string(to)).
			Msg("Remote job settled")
		o.deliverer.Deliver(jobID)
	}
}

// releaseSlot returns the job's slot, logging on failure. The store makes
// release idempotent per job.
func (o *Orchestrator) releaseSlot(ctx context.Context, jobID string) {
	if err := o.store.ReleaseSlot(ctx, jobID); err != nil {
		o.logger.Error().
			Str("job_id", jobID).
			Str("kind", string(models.ErrKindSlotLeak)).
			Err(err).
			Msg("Failed to release remote slot")
	}
}

// cancelRemote is a best-effort cancellation on the remote endpoint.
func (o *Orchestrator) cancelRemote(ctx context.Context, remoteID string) {
	if remoteID == "" {
		return
	}
	if err := o.endpoint.Cancel(ctx, remoteID); err != nil {
		o.logger.Warn().Str("remote_job_id", remoteID).Err(err).Msg("Remote cancel failed")
	}
}

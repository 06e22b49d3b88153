package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/FresHHerB/api-gpu-sub002/internal/interfaces"
	"github.com/FresHHerB/api-gpu-sub002/internal/models"
)

// Service is the ingress facade over the orchestrator: request validation,
// job creation, reads, and cancellation.
type Service struct {
	orch *Orchestrator
}

var _ interfaces.JobService = (*Service)(nil)

// NewService wraps an orchestrator.
func NewService(orch *Orchestrator) *Service {
	return &Service{orch: orch}
}

func (s *Service) Enqueue(ctx context.Context, req interfaces.EnqueueRequest) (*models.Job, error) {
	if !req.Operation.Valid() {
		return nil, fmt.Errorf("unknown operation %q", req.Operation)
	}
	if len(req.Payload) == 0 {
		return nil, fmt.Errorf("payload is required")
	}
	if req.WebhookURL != "" {
		if err := s.orch.validator.Validate(req.WebhookURL); err != nil {
			return nil, err
		}
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	job := &models.Job{
		ID:         uuid.New().String()[:8],
		Operation:  req.Operation,
		Payload:    payload,
		WebhookURL: req.WebhookURL,
		CallerRef:  req.CallerRef,
		Status:     models.StatusQueued,
		CreatedAt:  s.orch.clock.Now(),
	}

	if err := s.orch.store.Enqueue(ctx, job); err != nil {
		return nil, err
	}

	s.orch.metrics.JobsEnqueued.WithLabelValues(string(job.Operation.Class())).Inc()
	s.orch.logger.Info().
		Str("job_id", job.ID).
		Str("operation", string(job.Operation)).
		Str("class", string(job.Operation.Class())).
		Msg("Job enqueued")

	return job, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Job, error) {
	return s.orch.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, limit int) ([]*models.Job, error) {
	return s.orch.store.ListAll(ctx, limit)
}

// Cancel settles a job as CANCELLED from whatever non-terminal status it is
// in, then cleans up its execution. The status transition is the commit
// point: whichever goroutine wins it owns the cleanup, and an in-flight
// dispatcher or poller observing the failed CAS backs off.
func (s *Service) Cancel(ctx context.Context, id string) (*models.Job, error) {
	now := s.orch.clock.Now()
	mut := interfaces.Mutation{
		Error:       &models.JobError{Kind: models.ErrKindCancelled, Message: "cancelled by caller"},
		CompletedAt: &now,
	}

	// The status can move under us (queued job picked up between the read
	// and the CAS), so retry the read-transition pair a few times.
	for attempt := 0; attempt < 3; attempt++ {
		job, err := s.orch.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.IsTerminal() {
			return nil, interfaces.ErrAlreadyTerminal
		}

		updated, err := s.orch.store.TransitionStatus(ctx, id, job.Status, models.StatusCancelled, mut)
		if err != nil {
			if errors.Is(err, interfaces.ErrPreconditionFailed) {
				continue
			}
			return nil, err
		}

		if job.Operation.Class() == models.ClassRemote {
			if job.Status != models.StatusQueued {
				s.orch.cancelRemote(ctx, job.RemoteJobID)
				s.orch.releaseSlot(ctx, id)
			}
		} else if job.Status == models.StatusProcessing {
			s.orch.cancelLocal(id)
		}

		s.orch.metrics.JobsFinished.WithLabelValues(string(models.StatusCancelled)).Inc()
		s.orch.logger.Info().
			Str("job_id", id).
			Str("status_before", string(job.Status)).
			Msg("Job cancelled")
		s.orch.deliverer.Deliver(id)

		return updated, nil
	}
	return nil, interfaces.ErrPreconditionFailed
}

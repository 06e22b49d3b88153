package interfaces

import (
	"context"

	"github.com/FresHHerB/api-gpu-sub002/internal/models"
)

// EnqueueRequest is the validated input for creating a job.
type EnqueueRequest struct {
	Operation  models.Operation `json:"operation"`
	Payload    map[string]any   `json:"payload"`
	WebhookURL string           `json:"webhook_url"`
	CallerRef  map[string]any   `json:"caller_ref,omitempty"`
}

// JobService is the ingress surface the HTTP layer talks to.
type JobService interface {
	// Enqueue validates the request, assigns a job id, and persists the job
	// as QUEUED. The job is picked up asynchronously by the dispatchers.
	Enqueue(ctx context.Context, req EnqueueRequest) (*models.Job, error)

	// Get returns the job by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*models.Job, error)

	// List returns up to limit jobs, newest first.
	List(ctx context.Context, limit int) ([]*models.Job, error)

	// Cancel requests cancellation of a job. Returns ErrAlreadyTerminal when
	// the job has already finished.
	Cancel(ctx context.Context, id string) (*models.Job, error)
}

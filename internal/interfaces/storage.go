// Package interfaces defines the storage and capability contracts the
// orchestration core depends on.
package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/FresHHerB/api-gpu-sub002/internal/models"
)

// Sentinel errors returned by JobStore implementations and the JobService.
var (
	// ErrNotFound indicates the job id is unknown.
	ErrNotFound = errors.New("job not found")

	// ErrPreconditionFailed indicates a CAS transition found a different
	// current status than expected.
	ErrPreconditionFailed = errors.New("job status precondition failed")

	// ErrNoSlotsAvailable indicates the remote slot counter is at its cap.
	ErrNoSlotsAvailable = errors.New("no remote slots available")

	// ErrAlreadyTerminal indicates an operation (e.g. cancel) targeted a job
	// that has already reached a terminal status.
	ErrAlreadyTerminal = errors.New("job already terminal")
)

// Mutation carries the field updates applied atomically with a status
// transition. Nil pointer fields are left untouched.
type Mutation struct {
	RemoteJobID       *string
	IncrementAttempts bool
	Result            json.RawMessage
	Error             *models.JobError
	SubmittedAt       *time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
}

// JobStore is the durable record of every job, the queue ordering, and the
// remote-worker slot counter. Implementations are internally synchronized;
// individual operations are linearizable.
type JobStore interface {
	// Enqueue persists a new QUEUED job.
	Enqueue(ctx context.Context, job *models.Job) error

	// Get returns the job by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*models.Job, error)

	// GetQueued returns up to limit QUEUED jobs of the given operation class,
	// ordered by CreatedAt ascending with ties broken by job id.
	GetQueued(ctx context.Context, limit int, class models.OperationClass) ([]*models.Job, error)

	// TransitionStatus compare-and-swaps the job status and applies the
	// mutation atomically. Returns ErrPreconditionFailed when the current
	// status differs from from. Transitioning to a terminal status clears
	// RemoteJobID. A job's result is write-once.
	TransitionStatus(ctx context.Context, id string, from, to models.Status, mut Mutation) (*models.Job, error)

	// AcquireSlot claims one unit of remote concurrency for the job.
	// Fails with ErrNoSlotsAvailable at the cap.
	AcquireSlot(ctx context.Context, jobID string) error

	// ReleaseSlot returns the job's slot. Idempotent per job: it decrements
	// only if the job currently holds a slot.
	ReleaseSlot(ctx context.Context, jobID string) error

	// ActiveSlots returns the current slot counter value.
	ActiveSlots(ctx context.Context) (int, error)

	// ListByStatus returns all jobs whose status is in the given set.
	ListByStatus(ctx context.Context, statuses ...models.Status) ([]*models.Job, error)

	// ListAll returns up to limit jobs ordered by CreatedAt descending.
	ListAll(ctx context.Context, limit int) ([]*models.Job, error)

	// UpdateWebhookState overwrites the job's webhook delivery state.
	UpdateWebhookState(ctx context.Context, id string, ws models.WebhookState) error

	// RecoverWorkers returns SUBMITTED/PROCESSING jobs whose lease has
	// expired, leaving their status untouched, and reconciles the slot
	// counter to the number of jobs actually in SUBMITTED/PROCESSING.
	RecoverWorkers(ctx context.Context, lease time.Duration) ([]*models.Job, error)

	// Requeue returns a stranded job to QUEUED, clearing its remote job id
	// and releasing its slot. Used only by recovery; regular transitions go
	// through TransitionStatus.
	Requeue(ctx context.Context, id string) error

	// Prune deletes terminal jobs completed before the cutoff, returning the
	// number removed.
	Prune(ctx context.Context, olderThan time.Time) (int, error)

	Close() error
}

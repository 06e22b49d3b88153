// Package memory provides an in-process JobStore used for development and
// tests. All state is lost on restart; the durable backend is the surrealdb
// package.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/FresHHerB/api-gpu-sub002/internal/common"
	"github.com/FresHHerB/api-gpu-sub002/internal/interfaces"
	"github.com/FresHHerB/api-gpu-sub002/internal/models"
)

// Store is a mutex-guarded map of jobs plus the remote slot holder set.
// Jobs are cloned on the way in and out so callers never share memory with
// the store.
type Store struct {
	mu       sync.Mutex
	jobs     map[string]*models.Job
	holders  map[string]bool
	maxSlots int
	clock    interfaces.Clock
	logger   *common.Logger
}

var _ interfaces.JobStore = (*Store)(nil)

// NewStore creates an empty in-memory store with the given remote slot cap.
func NewStore(logger *common.Logger, clock interfaces.Clock, maxSlots int) *Store {
	return &Store{
		jobs:     make(map[string]*models.Job),
		holders:  make(map[string]bool),
		maxSlots: maxSlots,
		clock:    clock,
		logger:   logger,
	}
}

func (s *Store) Enqueue(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return job.Clone(), nil
}

func (s *Store) GetQueued(_ context.Context, limit int, class models.OperationClass) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var queued []*models.Job
	for _, job := range s.jobs {
		if job.Status == models.StatusQueued && job.Operation.Class() == class {
			queued = append(queued, job)
		}
	}
	sortByCreatedAsc(queued)
	if limit > 0 && len(queued) > limit {
		queued = queued[:limit]
	}
	out := make([]*models.Job, len(queued))
	for i, job := range queued {
		out[i] = job.Clone()
	}
	return out, nil
}

func (s *Store) TransitionStatus(_ context.Context, id string, from, to models.Status, mut interfaces.Mutation) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	if !models.CanTransition(from, to) {
		return nil, fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	if job.Status != from {
		return nil, interfaces.ErrPreconditionFailed
	}

	job.Status = to
	applyMutation(job, mut)
	if to.IsTerminal() {
		job.RemoteJobID = ""
	}
	return job.Clone(), nil
}

func applyMutation(job *models.Job, mut interfaces.Mutation) {
	if mut.RemoteJobID != nil {
		job.RemoteJobID = *mut.RemoteJobID
	}
	if mut.IncrementAttempts {
		job.Attempts++
	}
	if mut.Result != nil && job.Result == nil {
		job.Result = append([]byte(nil), mut.Result...)
	}
	if mut.Error != nil {
		e := *mut.Error
		job.Error = &e
	}
	if mut.SubmittedAt != nil {
		job.SubmittedAt = *mut.SubmittedAt
	}
	if mut.StartedAt != nil {
		job.StartedAt = *mut.StartedAt
	}
	if mut.CompletedAt != nil {
		job.CompletedAt = *mut.CompletedAt
	}
}

func (s *Store) AcquireSlot(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.holders[jobID] {
		return nil
	}
	if len(s.holders) >= s.maxSlots {
		return interfaces.ErrNoSlotsAvailable
	}
	s.holders[jobID] = true
	return nil
}

func (s *Store) ReleaseSlot(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.holders, jobID)
	return nil
}

func (s *Store) ActiveSlots(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.holders), nil
}

func (s *Store) ListByStatus(_ context.Context, statuses ...models.Status) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[models.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var matched []*models.Job
	for _, job := range s.jobs {
		if want[job.Status] {
			matched = append(matched, job)
		}
	}
	sortByCreatedAsc(matched)
	out := make([]*models.Job, len(matched))
	for i, job := range matched {
		out[i] = job.Clone()
	}
	return out, nil
}

func (s *Store) ListAll(_ context.Context, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		all = append(all, job)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]*models.Job, len(all))
	for i, job := range all {
		out[i] = job.Clone()
	}
	return out, nil
}

func (s *Store) UpdateWebhookState(_ context.Context, id string, ws models.WebhookState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return interfaces.ErrNotFound
	}
	job.Webhook = ws
	return nil
}

func (s *Store) RecoverWorkers(_ context.Context, lease time.Duration) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var stranded []*models.Job
	holders := make(map[string]bool)
	for _, job := range s.jobs {
		if job.Status != models.StatusSubmitted && job.Status != models.StatusProcessing {
			continue
		}
		if job.Operation.Class() == models.ClassRemote {
			holders[job.ID] = true
		}
		if job.ExecutionStart().Add(lease).Before(now) {
			stranded = append(stranded, job.Clone())
		}
	}

	// The holder set is rebuilt from job status so a crash between a status
	// write and a slot write cannot leak slots.
	if len(holders) != len(s.holders) {
		s.logger.Warn().
			Int("counted", len(holders)).
			Int("recorded", len(s.holders)).
			Msg("Reconciled remote slot counter from job statuses")
	}
	s.holders = holders

	sortByCreatedAsc(stranded)
	return stranded, nil
}

func (s *Store) Requeue(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return interfaces.ErrNotFound
	}
	if job.Status.IsTerminal() {
		return interfaces.ErrAlreadyTerminal
	}
	job.Status = models.StatusQueued
	job.RemoteJobID = ""
	job.SubmittedAt = time.Time{}
	job.StartedAt = time.Time{}
	delete(s.holders, id)
	return nil
}

func (s *Store) Prune(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, job := range s.jobs {
		if job.IsTerminal() && !job.CompletedAt.IsZero() && job.CompletedAt.Before(olderThan) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) Close() error {
	return nil
}

func sortByCreatedAsc(jobs []*models.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}

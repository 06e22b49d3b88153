// Package surrealdb implements the durable JobStore on SurrealDB. Jobs live
// in the job table; the remote slot counter is a single slot_counter record
// kept consistent with a holds_slot flag on each job.
package surrealdb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/FresHHerB/api-gpu-sub002/internal/common"
	"github.com/FresHHerB/api-gpu-sub002/internal/interfaces"
	"github.com/FresHHerB/api-gpu-sub002/internal/models"
)

// jobSelectFields aliases job_id to id for struct mapping.
const jobSelectFields = "job_id as id, operation, payload, webhook_url, caller_ref, status, " +
	"remote_job_id, attempts, result, error_kind, error_message, " +
	"created_at, submitted_at, started_at, completed_at, holds_slot, " +
	"webhook_attempts, webhook_last_at, webhook_last_error, webhook_delivered"

// jobRecord is the flattened wire shape of a job in SurrealDB. Payload and
// result are stored as JSON strings so the opaque bytes survive the CBOR
// round-trip unchanged.
type jobRecord struct {
	ID               string         `json:"id"`
	Operation        string         `json:"operation"`
	Payload          string         `json:"payload"`
	WebhookURL       string         `json:"webhook_url"`
	CallerRef        map[string]any `json:"caller_ref"`
	Status           string         `json:"status"`
	RemoteJobID      string         `json:"remote_job_id"`
	Attempts         int            `json:"attempts"`
	Result           string         `json:"result"`
	ErrorKind        string         `json:"error_kind"`
	ErrorMessage     string         `json:"error_message"`
	CreatedAt        time.Time      `json:"created_at"`
	SubmittedAt      time.Time      `json:"submitted_at"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      time.Time      `json:"completed_at"`
	HoldsSlot        bool           `json:"holds_slot"`
	WebhookAttempts  int            `json:"webhook_attempts"`
	WebhookLastAt    time.Time      `json:"webhook_last_at"`
	WebhookLastError string         `json:"webhook_last_error"`
	WebhookDelivered bool           `json:"webhook_delivered"`
}

func (r *jobRecord) toJob() *models.Job {
	job := &models.Job{
		ID:          r.ID,
		Operation:   models.Operation(r.Operation),
		WebhookURL:  r.WebhookURL,
		CallerRef:   r.CallerRef,
		Status:      models.Status(r.Status),
		RemoteJobID: r.RemoteJobID,
		Attempts:    r.Attempts,
		CreatedAt:   r.CreatedAt,
		SubmittedAt: r.SubmittedAt,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		Webhook: models.WebhookState{
			AttemptsMade:  r.WebhookAttempts,
			LastAttemptAt: r.WebhookLastAt,
			LastError:     r.WebhookLastError,
			Delivered:     r.WebhookDelivered,
		},
	}
	if r.Payload != "" {
		job.Payload = json.RawMessage(r.Payload)
	}
	if r.Result != "" {
		job.Result = json.RawMessage(r.Result)
	}
	if r.ErrorKind != "" {
		job.Error = &models.JobError{
			Kind:    models.ErrorKind(r.ErrorKind),
			Message: r.ErrorMessage,
		}
	}
	return job
}

// JobStore implements interfaces.JobStore using SurrealDB.
type JobStore struct {
	db       *surrealdb.DB
	logger   *common.Logger
	clock    interfaces.Clock
	maxSlots int
}

var _ interfaces.JobStore = (*JobStore)(nil)

// NewJobStore connects to SurrealDB, defines the tables, and ensures the
// slot counter record exists.
func NewJobStore(logger *common.Logger, config *common.Config, clock interfaces.Clock, maxSlots int) (*JobStore, error) {
	ctx := context.Background()

	db, err := surrealdb.New(config.Storage.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
	}

	if _, err := db.SignIn(ctx, map[string]interface{}{
		"user": config.Storage.Username,
		"pass": config.Storage.Password,
	}); err != nil {
		return nil, fmt.Errorf("failed to sign in to SurrealDB: %w", err)
	}

	if err := db.Use(ctx, config.Storage.Namespace, config.Storage.Database); err != nil {
		return nil, fmt.Errorf("failed to select namespace/database: %w", err)
	}

	store, err := NewJobStoreWithDB(db, logger, clock, maxSlots)
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("address", config.Storage.Address).
		Str("namespace", config.Storage.Namespace).
		Str("database", config.Storage.Database).
		Msg("SurrealDB job store initialized")

	return store, nil
}

// NewJobStoreWithDB wraps an already-connected database. Used by tests.
func NewJobStoreWithDB(db *surrealdb.DB, logger *common.Logger, clock interfaces.Clock, maxSlots int) (*JobStore, error) {
	ctx := context.Background()

	// SurrealDB v3 errors on querying non-existent tables.
	for _, table := range []string{"job", "slot_counter"} {
		sql := fmt.Sprintf("DEFINE TABLE IF NOT EXISTS %s SCHEMALESS", table)
		if _, err := surrealdb.Query[any](ctx, db, sql, nil); err != nil {
			return nil, fmt.Errorf("failed to define table %s: %w", table, err)
		}
	}

	s := &JobStore{db: db, logger: logger, clock: clock, maxSlots: maxSlots}
	if err := s.ensureCounter(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JobStore) ensureCounter(ctx context.Context) error {
	type counter struct {
		Active int `json:"active"`
	}
	sql := "SELECT active FROM slot_counter:remote"
	results, err := surrealdb.Query[[]counter](ctx, s.db, sql, nil)
	if err != nil {
		return fmt.Errorf("failed to read slot counter: %w", err)
	}
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		return nil
	}
	createSQL := "CREATE slot_counter:remote SET active = 0"
	if _, err := surrealdb.Query[any](ctx, s.db, createSQL, nil); err != nil {
		return fmt.Errorf("failed to create slot counter: %w", err)
	}
	return nil
}

func (s *JobStore) Enqueue(ctx context.Context, job *models.Job) error {
	sql := `CREATE $rid SET
		job_id = $job_id, operation = $operation, payload = $payload,
		webhook_url = $webhook_url, caller_ref = $caller_ref, status = $status,
		remote_job_id = $remote_job_id, attempts = $attempts, result = $result,
		error_kind = $error_kind, error_message = $error_message,
		created_at = $created_at, submitted_at = $submitted_at,
		started_at = $started_at, completed_at = $completed_at,
		holds_slot = false, webhook_attempts = 0, webhook_last_at = $zero,
		webhook_last_error = '', webhook_delivered = false`
	vars := map[string]any{
		"rid":           surrealmodels.NewRecordID("job", job.ID),
		"job_id":        job.ID,
		"operation":     string(job.Operation),
		"payload":       string(job.Payload),
		"webhook_url":   job.WebhookURL,
		"caller_ref":    job.CallerRef,
		"status":        string(job.Status),
		"remote_job_id": job.RemoteJobID,
		"attempts":      job.Attempts,
		"result":        string(job.Result),
		"error_kind":    "",
		"error_message": "",
		"created_at":    job.CreatedAt,
		"submitted_at":  job.SubmittedAt,
		"started_at":    job.StartedAt,
		"completed_at":  job.CompletedAt,
		"zero":          time.Time{},
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*models.Job, error) {
	sql := "SELECT " + jobSelectFields + " FROM job WHERE job_id = $job_id LIMIT 1"
	vars := map[string]any{"job_id": id}

	jobs, err := s.queryJobs(ctx, sql, vars)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, interfaces.ErrNotFound
	}
	return jobs[0], nil
}

func (s *JobStore) GetQueued(ctx context.Context, limit int, class models.OperationClass) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	sql := "SELECT " + jobSelectFields + " FROM job " +
		"WHERE status = $queued AND string::ends_with(operation, $suffix) = $is_local " +
		"ORDER BY created_at ASC, job_id ASC LIMIT $limit"
	vars := map[string]any{
		"queued":   string(models.StatusQueued),
		"suffix":   models.LocalSuffix,
		"is_local": class == models.ClassLocal,
		"limit":    limit,
	}
	return s.queryJobs(ctx, sql, vars)
}

func (s *JobStore) TransitionStatus(ctx context.Context, id string, from, to models.Status, mut interfaces.Mutation) (*models.Job, error) {
	if !models.CanTransition(from, to) {
		return nil, fmt.Errorf("illegal transition %s -> %s", from, to)
	}

	// Guarded update: the WHERE clause is the CAS. An empty result means the
	// guard failed, which is disambiguated with a follow-up read.
	sets := []string{"status = $to"}
	vars := map[string]any{
		"rid":  surrealmodels.NewRecordID("job", id),
		"from": string(from),
		"to":   string(to),
	}
	if mut.RemoteJobID != nil {
		sets = append(sets, "remote_job_id = $remote_job_id")
		vars["remote_job_id"] = *mut.RemoteJobID
	}
	if mut.IncrementAttempts {
		sets = append(sets, "attempts = attempts + 1")
	}
	if mut.Result != nil {
		// Write-once: keep the first result ever written.
		sets = append(sets, "result = IF result != '' THEN result ELSE $result END")
		vars["result"] = string(mut.Result)
	}
	if mut.Error != nil {
		sets = append(sets, "error_kind = $error_kind", "error_message = $error_message")
		vars["error_kind"] = string(mut.Error.Kind)
		vars["error_message"] = mut.Error.Message
	}
	if mut.SubmittedAt != nil {
		sets = append(sets, "submitted_at = $submitted_at")
		vars["submitted_at"] = *mut.SubmittedAt
	}
	if mut.StartedAt != nil {
		sets = append(sets, "started_at = $started_at")
		vars["started_at"] = *mut.StartedAt
	}
	if mut.CompletedAt != nil {
		sets = append(sets, "completed_at = $completed_at")
		vars["completed_at"] = *mut.CompletedAt
	}
	if to.IsTerminal() {
		sets = append(sets, "remote_job_id = ''")
	}

	sql := "UPDATE $rid SET " + strings.Join(sets, ", ") + " WHERE status = $from RETURN VALUE job_id"
	results, err := surrealdb.Query[[]string](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to transition job: %w", err)
	}

	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		return s.Get(ctx, id)
	}

	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return nil, interfaces.ErrPreconditionFailed
}

func (s *JobStore) AcquireSlot(ctx context.Context, jobID string) error {
	// Idempotent per job: a holder keeps its slot.
	held, err := s.holdsSlot(ctx, jobID)
	if err != nil {
		return err
	}
	if held {
		return nil
	}

	// Guarded increment is the admission check.
	incSQL := "UPDATE slot_counter:remote SET active = active + 1 WHERE active < $max RETURN AFTER"
	type counter struct {
		Active int `json:"active"`
	}
	results, err := surrealdb.Query[[]counter](ctx, s.db, incSQL, map[string]any{"max": s.maxSlots})
	if err != nil {
		return fmt.Errorf("failed to acquire slot: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return interfaces.ErrNoSlotsAvailable
	}

	markSQL := "UPDATE $rid SET holds_slot = true"
	vars := map[string]any{"rid": surrealmodels.NewRecordID("job", jobID)}
	if _, err := surrealdb.Query[any](ctx, s.db, markSQL, vars); err != nil {
		return fmt.Errorf("failed to mark slot holder: %w", err)
	}
	return nil
}

func (s *JobStore) ReleaseSlot(ctx context.Context, jobID string) error {
	// Two-step: clear the flag only if set, decrement only if it was set.
	clearSQL := "UPDATE $rid SET holds_slot = false WHERE holds_slot = true RETURN BEFORE"
	vars := map[string]any{"rid": surrealmodels.NewRecordID("job", jobID)}

	type flag struct {
		HoldsSlot bool `json:"holds_slot"`
	}
	results, err := surrealdb.Query[[]flag](ctx, s.db, clearSQL, vars)
	if err != nil {
		return fmt.Errorf("failed to release slot: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil
	}

	decSQL := "UPDATE slot_counter:remote SET active = math::max([active - 1, 0])"
	if _, err := surrealdb.Query[any](ctx, s.db, decSQL, nil); err != nil {
		return fmt.Errorf("failed to decrement slot counter: %w", err)
	}
	return nil
}

func (s *JobStore) ActiveSlots(ctx context.Context) (int, error) {
	type counter struct {
		Active int `json:"active"`
	}
	sql := "SELECT active FROM slot_counter:remote"
	results, err := surrealdb.Query[[]counter](ctx, s.db, sql, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to read slot counter: %w", err)
	}
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		return (*results)[0].Result[0].Active, nil
	}
	return 0, nil
}

func (s *JobStore) ListByStatus(ctx context.Context, statuses ...models.Status) ([]*models.Job, error) {
	wanted := make([]string, len(statuses))
	for i, st := range statuses {
		wanted[i] = string(st)
	}
	sql := "SELECT " + jobSelectFields + " FROM job WHERE status IN $statuses ORDER BY created_at ASC, job_id ASC"
	vars := map[string]any{"statuses": wanted}
	return s.queryJobs(ctx, sql, vars)
}

func (s *JobStore) ListAll(ctx context.Context, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	sql := "SELECT " + jobSelectFields + " FROM job ORDER BY created_at DESC LIMIT $limit"
	vars := map[string]any{"limit": limit}
	return s.queryJobs(ctx, sql, vars)
}

func (s *JobStore) UpdateWebhookState(ctx context.Context, id string, ws models.WebhookState) error {
	sql := `UPDATE $rid SET
		webhook_attempts = $attempts, webhook_last_at = $last_at,
		webhook_last_error = $last_error, webhook_delivered = $delivered
		RETURN VALUE job_id`
	vars := map[string]any{
		"rid":        surrealmodels.NewRecordID("job", id),
		"attempts":   ws.AttemptsMade,
		"last_at":    ws.LastAttemptAt,
		"last_error": ws.LastError,
		"delivered":  ws.Delivered,
	}

	results, err := surrealdb.Query[[]string](ctx, s.db, sql, vars)
	if err != nil {
		return fmt.Errorf("failed to update webhook state: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

func (s *JobStore) RecoverWorkers(ctx context.Context, lease time.Duration) ([]*models.Job, error) {
	active, err := s.ListByStatus(ctx, models.StatusSubmitted, models.StatusProcessing)
	if err != nil {
		return nil, err
	}

	// Rebuild the counter and holder flags from job statuses so a crash
	// between a status write and a slot write cannot leak slots.
	holders := 0
	for _, job := range active {
		if job.Operation.Class() == models.ClassRemote {
			holders++
		}
	}

	reconcileSQL := `
		UPDATE job SET holds_slot = (status IN [$submitted, $processing] AND !string::ends_with(operation, $suffix));
		UPDATE slot_counter:remote SET active = $holders`
	vars := map[string]any{
		"submitted":  string(models.StatusSubmitted),
		"processing": string(models.StatusProcessing),
		"suffix":     models.LocalSuffix,
		"holders":    holders,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, reconcileSQL, vars); err != nil {
		return nil, fmt.Errorf("failed to reconcile slot counter: %w", err)
	}

	now := s.clock.Now()
	var stranded []*models.Job
	for _, job := range active {
		if job.ExecutionStart().Add(lease).Before(now) {
			stranded = append(stranded, job)
		}
	}

	s.logger.Info().
		Int("active", len(active)).
		Int("stranded", len(stranded)).
		Int("slots", holders).
		Msg("Recovered workers from job statuses")

	return stranded, nil
}

func (s *JobStore) Requeue(ctx context.Context, id string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return interfaces.ErrAlreadyTerminal
	}

	if err := s.ReleaseSlot(ctx, id); err != nil {
		return err
	}

	sql := `UPDATE $rid SET status = $queued, remote_job_id = '',
		submitted_at = $zero, started_at = $zero
		WHERE status IN [$submitted, $processing]`
	vars := map[string]any{
		"rid":        surrealmodels.NewRecordID("job", id),
		"queued":     string(models.StatusQueued),
		"submitted":  string(models.StatusSubmitted),
		"processing": string(models.StatusProcessing),
		"zero":       time.Time{},
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	return nil
}

func (s *JobStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	countSQL := "SELECT count() AS cnt FROM job WHERE status IN $terminal AND completed_at != $zero AND completed_at < $cutoff GROUP ALL"
	terminal := []string{
		string(models.StatusCompleted), string(models.StatusFailed),
		string(models.StatusCancelled), string(models.StatusTimedOut),
	}
	vars := map[string]any{
		"terminal": terminal,
		"cutoff":   olderThan,
		"zero":     time.Time{},
	}

	type countResult struct {
		Cnt int `json:"cnt"`
	}
	results, err := surrealdb.Query[[]countResult](ctx, s.db, countSQL, vars)
	if err != nil {
		return 0, fmt.Errorf("failed to count prunable jobs: %w", err)
	}
	count := 0
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		count = (*results)[0].Result[0].Cnt
	}
	if count == 0 {
		return 0, nil
	}

	deleteSQL := "DELETE FROM job WHERE status IN $terminal AND completed_at != $zero AND completed_at < $cutoff"
	if _, err := surrealdb.Query[any](ctx, s.db, deleteSQL, vars); err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}
	return count, nil
}

func (s *JobStore) Close() error {
	s.db.Close(context.Background())
	return nil
}

func (s *JobStore) holdsSlot(ctx context.Context, jobID string) (bool, error) {
	type flag struct {
		HoldsSlot bool `json:"holds_slot"`
	}
	sql := "SELECT holds_slot FROM job WHERE job_id = $job_id LIMIT 1"
	results, err := surrealdb.Query[[]flag](ctx, s.db, sql, map[string]any{"job_id": jobID})
	if err != nil {
		return false, fmt.Errorf("failed to check slot holder: %w", err)
	}
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		return (*results)[0].Result[0].HoldsSlot, nil
	}
	return false, nil
}

func (s *JobStore) queryJobs(ctx context.Context, sql string, vars map[string]any) ([]*models.Job, error) {
	results, err := surrealdb.Query[[]jobRecord](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}

	var jobs []*models.Job
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			jobs = append(jobs, (*results)[0].Result[i].toJob())
		}
	}
	return jobs, nil
}

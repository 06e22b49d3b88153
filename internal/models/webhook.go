package models

import (
	"encoding/json"
	"time"
)

// WebhookExecution carries execution timing in the webhook payload.
type WebhookExecution struct {
	StartTime  string `json:"startTime"`
	EndTime    string `json:"endTime"`
	DurationMs int64  `json:"durationMs"`
}

// WebhookPayload is the schema-stable body POSTed to a job's webhook URL.
// The operation is reported with the local suffix stripped so receivers see
// one name regardless of where the job ran.
type WebhookPayload struct {
	JobID     string           `json:"jobId"`
	CallerRef map[string]any   `json:"callerRef,omitempty"`
	Status    Status           `json:"status"`
	Operation Operation        `json:"operation"`
	Attempt   int              `json:"attempt"`
	Result    json.RawMessage  `json:"result,omitempty"`
	Error     *JobError        `json:"error,omitempty"`
	Execution WebhookExecution `json:"execution"`
}

// NewWebhookPayload builds the delivery body for a terminal job.
// Replaying with the same (job, attempt) produces an identical body.
func NewWebhookPayload(job *Job, attempt int) *WebhookPayload {
	start := job.ExecutionStart()
	end := job.CompletedAt
	var durationMs int64
	if !end.IsZero() && end.After(start) {
		durationMs = end.Sub(start).Milliseconds()
	}
	return &WebhookPayload{
		JobID:     job.ID,
		CallerRef: job.CallerRef,
		Status:    job.Status,
		Operation: job.Operation.Base(),
		Attempt:   attempt,
		Result:    job.Result,
		Error:     job.Error,
		Execution: WebhookExecution{
			StartTime:  start.UTC().Format(time.RFC3339),
			EndTime:    end.UTC().Format(time.RFC3339),
			DurationMs: durationMs,
		},
	}
}

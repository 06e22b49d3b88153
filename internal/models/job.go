// Package models defines the Job aggregate shared by the orchestration core,
// storage backends, and the HTTP ingress layer.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a Job.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusSubmitted  Status = "SUBMITTED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusTimedOut   Status = "TIMED_OUT"
)

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// validTransitions defines the legal status edges.
// QUEUED -> PROCESSING is the local-class path (no broker step);
// SUBMITTED -> COMPLETED covers a remote job that finishes between polls.
var validTransitions = map[Status][]Status{
	StatusQueued:     {StatusSubmitted, StatusProcessing, StatusFailed, StatusCancelled},
	StatusSubmitted:  {StatusProcessing, StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled},
	StatusCompleted:  {},
	StatusFailed:     {},
	StatusCancelled:  {},
	StatusTimedOut:   {},
}

// CanTransition reports whether from -> to is a legal status edge.
// A self-transition on a non-terminal status is allowed so that mutations
// (e.g. recording the remote job id) can be applied under the same CAS guard.
func CanTransition(from, to Status) bool {
	if from == to {
		return !from.IsTerminal()
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// OperationClass partitions operations between the two dispatchers.
type OperationClass string

const (
	ClassRemote OperationClass = "remote"
	ClassLocal  OperationClass = "local"
)

// LocalSuffix marks the local twin of a remote operation.
const LocalSuffix = "_local"

// Operation identifies the media transformation a job requests.
type Operation string

// Remote operation constants. Each has a local twin with the "_local" suffix
// carrying an identical payload schema.
const (
	OpCaption          Operation = "caption"
	OpImg2Vid          Operation = "img2vid"
	OpAddAudio         Operation = "addaudio"
	OpConcatenate      Operation = "concatenate"
	OpCaptionSegments  Operation = "caption_segments"
	OpCaptionHighlight Operation = "caption_highlight"
	OpTranscribe       Operation = "transcribe"
)

var baseOperations = map[Operation]bool{
	OpCaption:          true,
	OpImg2Vid:          true,
	OpAddAudio:         true,
	OpConcatenate:      true,
	OpCaptionSegments:  true,
	OpCaptionHighlight: true,
	OpTranscribe:       true,
}

// Class returns which dispatcher owns jobs with this operation.
func (o Operation) Class() OperationClass {
	if strings.HasSuffix(string(o), LocalSuffix) {
		return ClassLocal
	}
	return ClassRemote
}

// Base strips the local suffix, yielding the operation name used in webhook
// payloads and executor lookups.
func (o Operation) Base() Operation {
	return Operation(strings.TrimSuffix(string(o), LocalSuffix))
}

// Valid reports whether the operation belongs to the closed set.
func (o Operation) Valid() bool {
	return baseOperations[o.Base()]
}

// ErrorKind classifies job failures for callers and webhooks.
type ErrorKind string

const (
	ErrKindSubmitFailed             ErrorKind = "SubmitFailed"
	ErrKindPollError                ErrorKind = "PollError"
	ErrKindVanished                 ErrorKind = "Vanished"
	ErrKindExecutorError            ErrorKind = "ExecutorError"
	ErrKindCancelled                ErrorKind = "Cancelled"
	ErrKindQueueTimeout             ErrorKind = "QueueTimeout"
	ErrKindExecutionTimeout         ErrorKind = "ExecutionTimeout"
	ErrKindPartialFailure           ErrorKind = "PartialFailure"
	ErrKindWebhookDeliveryExhausted ErrorKind = "WebhookDeliveryExhausted"
	ErrKindSlotLeak                 ErrorKind = "SlotLeak"
)

// JobError is the terminal error recorded on a failed, timed-out, or
// cancelled-with-cause job.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// WebhookState tracks delivery progress for a job's terminal webhook.
type WebhookState struct {
	AttemptsMade  int       `json:"attempts_made"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitzero"`
	LastError     string    `json:"last_error,omitempty"`
	Delivered     bool      `json:"delivered"`
}

// Job is the primary aggregate: one unit of media-processing work.
// The payload and result are opaque to the core; only the executor reads them.
type Job struct {
	ID          string          `json:"id"`
	Operation   Operation       `json:"operation"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	WebhookURL  string          `json:"webhook_url,omitempty"`
	CallerRef   map[string]any  `json:"caller_ref,omitempty"`
	Status      Status          `json:"status"`
	RemoteJobID string          `json:"remote_job_id,omitempty"`
	Attempts    int             `json:"attempts"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *JobError       `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	SubmittedAt time.Time       `json:"submitted_at,omitzero"`
	StartedAt   time.Time       `json:"started_at,omitzero"`
	CompletedAt time.Time       `json:"completed_at,omitzero"`
	Webhook     WebhookState    `json:"webhook_state"`
}

// IsTerminal reports whether the job has reached a terminal status.
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// ExecutionStart returns the instant execution began: StartedAt when set,
// otherwise SubmittedAt (a remote job may complete before the first
// IN_PROGRESS poll), otherwise CreatedAt.
func (j *Job) ExecutionStart() time.Time {
	if !j.StartedAt.IsZero() {
		return j.StartedAt
	}
	if !j.SubmittedAt.IsZero() {
		return j.SubmittedAt
	}
	return j.CreatedAt
}

// Clone returns a deep copy safe for concurrent reads.
func (j *Job) Clone() *Job {
	c := *j
	if j.Payload != nil {
		c.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.CallerRef != nil {
		ref := make(map[string]any, len(j.CallerRef))
		for k, v := range j.CallerRef {
			ref[k] = v
		}
		c.CallerRef = ref
	}
	return &c
}

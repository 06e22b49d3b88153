package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_IsTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "expected %s terminal", s)
	}
	for _, s := range []Status{StatusQueued, StatusSubmitted, StatusProcessing} {
		assert.False(t, s.IsTerminal(), "expected %s non-terminal", s)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusQueued, StatusSubmitted, true},
		{StatusQueued, StatusProcessing, true}, // local path
		{StatusQueued, StatusFailed, true},     // queue timeout
		{StatusQueued, StatusCancelled, true},
		{StatusQueued, StatusCompleted, false},
		{StatusQueued, StatusTimedOut, false},
		{StatusSubmitted, StatusProcessing, true},
		{StatusSubmitted, StatusCompleted, true},
		{StatusSubmitted, StatusFailed, true},
		{StatusSubmitted, StatusTimedOut, true},
		{StatusSubmitted, StatusCancelled, true},
		{StatusSubmitted, StatusQueued, false},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusTimedOut, true},
		{StatusProcessing, StatusCancelled, true},
		{StatusProcessing, StatusSubmitted, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusQueued, false},
		{StatusCancelled, StatusCancelled, false}, // terminal self-transition
		{StatusProcessing, StatusProcessing, true},
		{StatusSubmitted, StatusSubmitted, true}, // remote id recording
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestOperation_Class(t *testing.T) {
	assert.Equal(t, ClassRemote, OpCaption.Class())
	assert.Equal(t, ClassRemote, OpCaptionSegments.Class())
	assert.Equal(t, ClassLocal, Operation("caption_local").Class())
	assert.Equal(t, ClassLocal, Operation("concatenate_local").Class())
}

func TestOperation_Base(t *testing.T) {
	assert.Equal(t, OpCaption, Operation("caption_local").Base())
	assert.Equal(t, OpCaption, OpCaption.Base())
	assert.Equal(t, OpImg2Vid, Operation("img2vid_local").Base())
}

func TestOperation_Valid(t *testing.T) {
	for _, op := range []Operation{
		OpCaption, OpImg2Vid, OpAddAudio, OpConcatenate,
		OpCaptionSegments, OpCaptionHighlight, OpTranscribe,
		"caption_local", "transcribe_local",
	} {
		assert.True(t, op.Valid(), "expected %s valid", op)
	}
	for _, op := range []Operation{"", "burn_dvd", "caption_remote"} {
		assert.False(t, op.Valid(), "expected %s invalid", op)
	}
}

func TestJob_ExecutionStart(t *testing.T) {
	created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	submitted := created.Add(1 * time.Second)
	started := created.Add(3 * time.Second)

	j := &Job{CreatedAt: created}
	assert.Equal(t, created, j.ExecutionStart())

	j.SubmittedAt = submitted
	assert.Equal(t, submitted, j.ExecutionStart())

	j.StartedAt = started
	assert.Equal(t, started, j.ExecutionStart())
}

func TestJob_Clone_Independence(t *testing.T) {
	j := &Job{
		ID:        "a1b2c3d4",
		Operation: OpCaption,
		Payload:   json.RawMessage(`{"url_video":"https://x/a.mp4"}`),
		CallerRef: map[string]any{"roteiro_id": "r-1"},
		Status:    StatusProcessing,
		Error:     nil,
	}
	c := j.Clone()
	c.CallerRef["roteiro_id"] = "r-2"
	c.Payload[0] = ' '
	c.Status = StatusCompleted

	assert.Equal(t, "r-1", j.CallerRef["roteiro_id"])
	assert.Equal(t, byte('{'), j.Payload[0])
	assert.Equal(t, StatusProcessing, j.Status)
}

func TestNewWebhookPayload(t *testing.T) {
	started := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	completed := started.Add(2500 * time.Millisecond)

	job := &Job{
		ID:          "j1",
		Operation:   "caption_local",
		Status:      StatusCompleted,
		Result:      json.RawMessage(`{"video_url":"https://s3/out.mp4"}`),
		CallerRef:   map[string]any{"root_path": "/jobs/j1"},
		StartedAt:   started,
		CompletedAt: completed,
	}

	p := NewWebhookPayload(job, 2)
	require.NotNil(t, p)
	assert.Equal(t, "j1", p.JobID)
	assert.Equal(t, OpCaption, p.Operation, "local suffix stripped")
	assert.Equal(t, 2, p.Attempt)
	assert.Equal(t, int64(2500), p.Execution.DurationMs)
	assert.Equal(t, "2025-06-01T10:00:00Z", p.Execution.StartTime)

	body, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"status":"COMPLETED"`)
	assert.Contains(t, string(body), `"video_url":"https://s3/out.mp4"`)

	// Replaying the same (job, attempt) yields an identical body.
	body2, err := json.Marshal(NewWebhookPayload(job, 2))
	require.NoError(t, err)
	assert.Equal(t, string(body), string(body2))
}

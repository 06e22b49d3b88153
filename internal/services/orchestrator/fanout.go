package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/FresHHerB/api-gpu-sub002/internal/interfaces"
	"github.com/FresHHerB/api-gpu-sub002/internal/models"
)

// fanoutPayload is the part of a caption_segments payload the splitter needs;
// everything else is carried through untouched.
type fanoutPayload struct {
	Segments []json.RawMessage `json:"segments"`
}

// shouldFanout reports whether a job is a caption_segments job large enough
// to split across sibling submissions.
func (o *Orchestrator) shouldFanout(job *models.Job) bool {
	if job.Operation != models.OpCaptionSegments {
		return false
	}
	return segmentCount(job.Payload) > o.config.Orchestrator.GetFanoutThreshold()
}

func segmentCount(payload json.RawMessage) int {
	var p fanoutPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return 0
	}
	return len(p.Segments)
}

// runFanout splits a large caption_segments job across up to fanout_workers
// sibling submissions, all made inline so the dispatcher's ordering holds.
// The parent job holds exactly one slot for the whole fanout; its RemoteJobID
// is the first sibling's id. Polling and merging happen in a spawned
// goroutine: all siblings completing merges their outputs into one result;
// any sibling failing cancels the rest and fails the parent with
// PartialFailure.
func (o *Orchestrator) runFanout(ctx context.Context, job *models.Job, submittedAt time.Time) {
	chunks, err := splitPayload(job.Payload, o.config.Orchestrator.GetFanoutWorkers())
	if err != nil {
		o.finishRemote(ctx, job.ID, models.StatusFailed, &models.JobError{
			Kind:    models.ErrKindSubmitFailed,
			Message: "failed to split payload: " + err.Error(),
		}, nil)
		return
	}

	remoteIDs := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		remoteID, err := o.endpoint.Submit(ctx, chunk)
		if err != nil {
			for _, id := range remoteIDs {
				o.cancelRemote(ctx, id)
			}
			o.finishRemote(ctx, job.ID, models.StatusFailed, &models.JobError{
				Kind:    models.ErrKindSubmitFailed,
				Message: fmt.Sprintf("sibling %d of %d: %s", len(remoteIDs)+1, len(chunks), err.Error()),
			}, nil)
			return
		}
		remoteIDs = append(remoteIDs, remoteID)
	}

	_, err = o.store.TransitionStatus(ctx, job.ID, models.StatusSubmitted, models.StatusSubmitted, interfaces.Mutation{
		RemoteJobID: &remoteIDs[0],
	})
	if err != nil {
		// Cancelled mid-fanout: stop every sibling.
		o.logger.Info().Str("job_id", job.ID).Msg("Fanout: job settled mid-submit, cancelling siblings")
		for _, id := range remoteIDs {
			o.cancelRemote(ctx, id)
		}
		o.releaseSlot(ctx, job.ID)
		return
	}

	o.logger.Info().
		Str("job_id", job.ID).
		Int("siblings", len(remoteIDs)).
		Int("segments", segmentCount(job.Payload)).
		Msg("Fanout submitted")

	o.safeGo("fanout-await-"+job.ID, func() {
		o.awaitFanout(ctx, job, remoteIDs, submittedAt)
	})
}

// awaitFanout polls every sibling to completion and settles the parent.
func (o *Orchestrator) awaitFanout(ctx context.Context, job *models.Job, remoteIDs []string, submittedAt time.Time) {
	var progressOnce sync.Once
	onProgress := func() {
		progressOnce.Do(func() {
			startedAt := o.clock.Now()
			_, _ = o.store.TransitionStatus(ctx, job.ID, models.StatusSubmitted, models.StatusProcessing, interfaces.Mutation{
				StartedAt: &startedAt,
			})
		})
	}

	statuses := make([]*interfaces.RemoteStatus, len(remoteIDs))
	jobErrs := make([]*models.JobError, len(remoteIDs))
	var wg sync.WaitGroup
	for i, remoteID := range remoteIDs {
		i, remoteID := i, remoteID
		wg.Add(1)
		o.safeGo(fmt.Sprintf("fanout-poll-%s-%d", job.ID, i), func() {
			defer wg.Done()
			statuses[i], jobErrs[i] = o.awaitRemote(ctx, job.ID, remoteID, submittedAt, onProgress)
		})
	}
	wg.Wait()

	if ctx.Err() != nil {
		return
	}

	outputs := make([]json.RawMessage, len(remoteIDs))
	var firstFailure string
	for i := range remoteIDs {
		switch {
		case jobErrs[i] != nil:
			if firstFailure == "" {
				firstFailure = jobErrs[i].Error()
			}
		case statuses[i] == nil || statuses[i].State != interfaces.RemoteCompleted:
			if firstFailure == "" {
				state, detail := "unknown", ""
				if statuses[i] != nil {
					state, detail = string(statuses[i].State), statuses[i].Error
				}
				firstFailure = fmt.Sprintf("sibling %s finished %s: %s", remoteIDs[i], state, detail)
			}
		default:
			outputs[i] = statuses[i].Output
		}
	}

	if firstFailure != "" {
		for _, id := range remoteIDs {
			o.cancelRemote(ctx, id)
		}
		o.finishRemote(ctx, job.ID, models.StatusFailed, &models.JobError{
			Kind:    models.ErrKindPartialFailure,
			Message: firstFailure,
		}, nil)
		return
	}

	merged, err := mergeOutputs(outputs)
	if err != nil {
		o.finishRemote(ctx, job.ID, models.StatusFailed, &models.JobError{
			Kind:    models.ErrKindPartialFailure,
			Message: "failed to merge sibling outputs: " + err.Error(),
		}, nil)
		return
	}
	o.finishRemote(ctx, job.ID, models.StatusCompleted, nil, merged)
}

// splitPayload divides the segments array into up to workers contiguous
// chunks, keeping every other payload field intact in each sibling.
func splitPayload(payload json.RawMessage, workers int) ([]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, err
	}
	var p fanoutPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	if len(p.Segments) == 0 {
		return nil, fmt.Errorf("payload has no segments")
	}
	if workers > len(p.Segments) {
		workers = len(p.Segments)
	}

	chunks := make([]json.RawMessage, 0, workers)
	per := (len(p.Segments) + workers - 1) / workers
	for start := 0; start < len(p.Segments); start += per {
		end := min(start+per, len(p.Segments))
		segs, err := json.Marshal(p.Segments[start:end])
		if err != nil {
			return nil, err
		}
		sibling := make(map[string]json.RawMessage, len(fields))
		for k, v := range fields {
			sibling[k] = v
		}
		sibling["segments"] = segs
		chunk, err := json.Marshal(sibling)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// mergeOutputs concatenates sibling outputs in submission order. When every
// output carries a segments array the arrays are flattened into one;
// otherwise the raw outputs are returned as a results array.
func mergeOutputs(outputs []json.RawMessage) (json.RawMessage, error) {
	var merged []json.RawMessage
	flatten := true
	for _, out := range outputs {
		var p fanoutPayload
		if err := json.Unmarshal(out, &p); err != nil || p.Segments == nil {
			flatten = false
			break
		}
		merged = append(merged, p.Segments...)
	}
	if flatten {
		return json.Marshal(map[string]any{"segments": merged})
	}
	return json.Marshal(map[string]any{"results": outputs})
}

package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FresHHerB/api-gpu-sub002/internal/common"
	"github.com/FresHHerB/api-gpu-sub002/internal/interfaces"
	"github.com/FresHHerB/api-gpu-sub002/internal/models"
)

func newTestStore(t *testing.T, maxSlots int) (*Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewStore(common.NewSilentLogger(), clock, maxSlots), clock
}

func newJob(id string, op models.Operation, status models.Status, created time.Time) *models.Job {
	return &models.Job{
		ID:        id,
		Operation: op,
		Status:    status,
		CreatedAt: created,
	}
}

func TestEnqueueAndGet(t *testing.T) {
	store, clock := newTestStore(t, 3)
	ctx := context.Background()

	job := newJob("j1", models.OpCaption, models.StatusQueued, clock.Now())
	require.NoError(t, store.Enqueue(ctx, job))

	got, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "j1", got.ID)
	assert.Equal(t, models.StatusQueued, got.Status)

	// Duplicate ids are rejected.
	assert.Error(t, store.Enqueue(ctx, job))

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestGet_ReturnsClone(t *testing.T) {
	store, clock := newTestStore(t, 3)
	ctx := context.Background()

	job := newJob("j1", models.OpCaption, models.StatusQueued, clock.Now())
	job.Payload = json.RawMessage(`{"url_video":"https://x/a.mp4"}`)
	require.NoError(t, store.Enqueue(ctx, job))

	got, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	got.Status = models.StatusFailed
	got.Payload[0] = ' '

	again, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, again.Status)
	assert.Equal(t, byte('{'), again.Payload[0])
}

func TestGetQueued_FIFOAndClass(t *testing.T) {
	store, clock := newTestStore(t, 3)
	ctx := context.Background()
	base := clock.Now()

	require.NoError(t, store.Enqueue(ctx, newJob("c", models.OpCaption, models.StatusQueued, base.Add(2*time.Second))))
	require.NoError(t, store.Enqueue(ctx, newJob("a", models.OpImg2Vid, models.StatusQueued, base)))
	require.NoError(t, store.Enqueue(ctx, newJob("b", models.OpCaption, models.StatusQueued, base.Add(time.Second))))
	require.NoError(t, store.Enqueue(ctx, newJob("l", "caption_local", models.StatusQueued, base)))
	require.NoError(t, store.Enqueue(ctx, newJob("done", models.OpCaption, models.StatusCompleted, base)))

	remote, err := store.GetQueued(ctx, 10, models.ClassRemote)
	require.NoError(t, err)
	require.Len(t, remote, 3)
	assert.Equal(t, "a", remote[0].ID)
	assert.Equal(t, "b", remote[1].ID)
	assert.Equal(t, "c", remote[2].ID)

	local, err := store.GetQueued(ctx, 10, models.ClassLocal)
	require.NoError(t, err)
	require.Len(t, local, 1)
	assert.Equal(t, "l", local[0].ID)

	limited, err := store.GetQueued(ctx, 2, models.ClassRemote)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestGetQueued_TiesBreakByID(t *testing.T) {
	store, clock := newTestStore(t, 3)
	ctx := context.Background()
	now := clock.Now()

	require.NoError(t, store.Enqueue(ctx, newJob("z", models.OpCaption, models.StatusQueued, now)))
	require.NoError(t, store.Enqueue(ctx, newJob("a", models.OpCaption, models.StatusQueued, now)))

	queued, err := store.GetQueued(ctx, 10, models.ClassRemote)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, "a", queued[0].ID)
	assert.Equal(t, "z", queued[1].ID)
}

func TestTransitionStatus_CAS(t *testing.T) {
	store, clock := newTestStore(t, 3)
	ctx := context.Background()
	now := clock.Now()

	require.NoError(t, store.Enqueue(ctx, newJob("j1", models.OpCaption, models.StatusQueued, now)))

	remoteID := "rp-77"
	got, err := store.TransitionStatus(ctx, "j1", models.StatusQueued, models.StatusSubmitted, interfaces.Mutation{
		SubmittedAt:       &now,
		IncrementAttempts: true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSubmitted, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, now, got.SubmittedAt)

	// Self-transition records the remote id under the same guard.
	got, err = store.TransitionStatus(ctx, "j1", models.StatusSubmitted, models.StatusSubmitted, interfaces.Mutation{
		RemoteJobID: &remoteID,
	})
	require.NoError(t, err)
	assert.Equal(t, "rp-77", got.RemoteJobID)

	// Stale expectation fails without mutating anything.
	_, err = store.TransitionStatus(ctx, "j1", models.StatusQueued, models.StatusProcessing, interfaces.Mutation{})
	assert.ErrorIs(t, err, interfaces.ErrPreconditionFailed)

	cur, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSubmitted, cur.Status)
	assert.Equal(t, 1, cur.Attempts)
}

func TestTransitionStatus_IllegalEdge(t *testing.T) {
	store, clock := newTestStore(t, 3)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, newJob("j1", models.OpCaption, models.StatusQueued, clock.Now())))

	_, err := store.TransitionStatus(ctx, "j1", models.StatusQueued, models.StatusTimedOut, interfaces.Mutation{})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, interfaces.ErrPreconditionFailed)
}

func TestTransitionStatus_TerminalClearsRemoteID(t *testing.T) {
	store, clock := newTestStore(t, 3)
	ctx := context.Background()
	now := clock.Now()

	job := newJob("j1", models.OpCaption, models.StatusSubmitted, now)
	job.RemoteJobID = "rp-1"
	require.NoError(t, store.Enqueue(ctx, job))

	got, err := store.TransitionStatus(ctx, "j1", models.StatusSubmitted, models.StatusCompleted, interfaces.Mutation{
		Result:      json.RawMessage(`{"video_url":"https://s3/out.mp4"}`),
		CompletedAt: &now,
	})
	require.NoError(t, err)
	assert.Empty(t, got.RemoteJobID)
	assert.JSONEq(t, `{"video_url":"https://s3/out.mp4"}`, string(got.Result))
}

func TestTransitionStatus_ResultWriteOnce(t *testing.T) {
	store, clock := newTestStore(t, 3)
	ctx := context.Background()
	now := clock.Now()

	job := newJob("j1", "caption_local", models.StatusProcessing, now)
	job.Result = json.RawMessage(`{"first":true}`)
	require.NoError(t, store.Enqueue(ctx, job))

	got, err := store.TransitionStatus(ctx, "j1", models.StatusProcessing, models.StatusCompleted, interfaces.Mutation{
		Result: json.RawMessage(`{"second":true}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"first":true}`, string(got.Result))
}

func TestSlots_CapAndIdempotentRelease(t *testing.T) {
	store, _ := newTestStore(t, 2)
	ctx := context.Background()

	require.NoError(t, store.AcquireSlot(ctx, "j1"))
	require.NoError(t, store.AcquireSlot(ctx, "j2"))
	assert.ErrorIs(t, store.AcquireSlot(ctx, "j3"), interfaces.ErrNoSlotsAvailable)

	// Re-acquiring for a holder does not double-count.
	require.NoError(t, store.AcquireSlot(ctx, "j1"))
	n, err := store.ActiveSlots(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, store.ReleaseSlot(ctx, "j1"))
	require.NoError(t, store.ReleaseSlot(ctx, "j1"))
	require.NoError(t, store.ReleaseSlot(ctx, "never-held"))

	n, err = store.ActiveSlots(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, store.AcquireSlot(ctx, "j3"))
}

func TestSlots_ConcurrentAcquireNeverExceedsCap(t *testing.T) {
	const slotCap = 3
	store, _ := newTestStore(t, slotCap)
	ctx := context.Background()

	results := make(chan error, 50)
	for i := 0; i < 50; i++ {
		go func(i int) {
			results <- store.AcquireSlot(ctx, fmt.Sprintf("j%d", i))
		}(i)
	}

	acquired := 0
	for i := 0; i < 50; i++ {
		if err := <-results; err == nil {
			acquired++
		}
	}
	assert.Equal(t, slotCap, acquired)

	n, err := store.ActiveSlots(ctx)
	require.NoError(t, err)
	assert.Equal(t, slotCap, n)
}

func TestUpdateWebhookState(t *testing.T) {
	store, clock := newTestStore(t, 3)
	ctx := context.Background()
	now := clock.Now()

	require.NoError(t, store.Enqueue(ctx, newJob("j1", models.OpCaption, models.StatusCompleted, now)))

	ws := models.WebhookState{AttemptsMade: 2, LastAttemptAt: now, Delivered: true}
	require.NoError(t, store.UpdateWebhookState(ctx, "j1", ws))

	got, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, ws, got.Webhook)

	assert.ErrorIs(t, store.UpdateWebhookState(ctx, "nope", ws), interfaces.ErrNotFound)
}

func TestRecoverWorkers_ReturnsExpiredAndReconcilesSlots(t *testing.T) {
	store, clock := newTestStore(t, 3)
	ctx := context.Background()
	start := clock.Now()

	stale := newJob("stale", models.OpCaption, models.StatusSubmitted, start)
	stale.SubmittedAt = start
	require.NoError(t, store.Enqueue(ctx, stale))

	fresh := newJob("fresh", models.OpCaption, models.StatusSubmitted, start)
	fresh.SubmittedAt = start.Add(20 * time.Minute)
	require.NoError(t, store.Enqueue(ctx, fresh))

	localStale := newJob("local-stale", "caption_local", models.StatusProcessing, start)
	localStale.StartedAt = start
	require.NoError(t, store.Enqueue(ctx, localStale))

	require.NoError(t, store.Enqueue(ctx, newJob("idle", models.OpCaption, models.StatusQueued, start)))

	// Simulate a crash that left the counter out of sync.
	require.NoError(t, store.AcquireSlot(ctx, "ghost"))

	clock.Advance(31 * time.Minute)
	stranded, err := store.RecoverWorkers(ctx, 30*time.Minute)
	require.NoError(t, err)

	ids := make([]string, len(stranded))
	for i, j := range stranded {
		ids[i] = j.ID
	}
	assert.ElementsMatch(t, []string{"stale", "local-stale"}, ids)

	// Statuses are untouched; only the counter is reconciled.
	got, err := store.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSubmitted, got.Status)

	n, err := store.ActiveSlots(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "stale + fresh hold slots, ghost dropped, local excluded")
}

func TestRequeue(t *testing.T) {
	store, clock := newTestStore(t, 3)
	ctx := context.Background()
	now := clock.Now()

	job := newJob("j1", models.OpCaption, models.StatusSubmitted, now)
	job.RemoteJobID = "rp-1"
	job.SubmittedAt = now
	job.Attempts = 1
	require.NoError(t, store.Enqueue(ctx, job))
	require.NoError(t, store.AcquireSlot(ctx, "j1"))

	require.NoError(t, store.Requeue(ctx, "j1"))

	got, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Empty(t, got.RemoteJobID)
	assert.True(t, got.SubmittedAt.IsZero())
	assert.Equal(t, 1, got.Attempts, "attempt history survives requeue")

	n, err := store.ActiveSlots(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	done := newJob("j2", models.OpCaption, models.StatusCompleted, now)
	require.NoError(t, store.Enqueue(ctx, done))
	assert.ErrorIs(t, store.Requeue(ctx, "j2"), interfaces.ErrAlreadyTerminal)
	assert.ErrorIs(t, store.Requeue(ctx, "missing"), interfaces.ErrNotFound)
}

func TestPrune(t *testing.T) {
	store, clock := newTestStore(t, 3)
	ctx := context.Background()
	now := clock.Now()

	old := newJob("old", models.OpCaption, models.StatusCompleted, now.Add(-48*time.Hour))
	old.CompletedAt = now.Add(-25 * time.Hour)
	require.NoError(t, store.Enqueue(ctx, old))

	recent := newJob("recent", models.OpCaption, models.StatusFailed, now.Add(-2*time.Hour))
	recent.CompletedAt = now.Add(-time.Hour)
	require.NoError(t, store.Enqueue(ctx, recent))

	running := newJob("running", models.OpCaption, models.StatusProcessing, now.Add(-48*time.Hour))
	require.NoError(t, store.Enqueue(ctx, running))

	removed, err := store.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.Get(ctx, "old")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	_, err = store.Get(ctx, "recent")
	assert.NoError(t, err)
	_, err = store.Get(ctx, "running")
	assert.NoError(t, err)
}

func TestListAll_NewestFirst(t *testing.T) {
	store, clock := newTestStore(t, 3)
	ctx := context.Background()
	base := clock.Now()

	for i := 0; i < 5; i++ {
		job := newJob(fmt.Sprintf("j%d", i), models.OpCaption, models.StatusQueued, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, store.Enqueue(ctx, job))
	}

	all, err := store.ListAll(ctx, 3)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "j4", all[0].ID)
	assert.Equal(t, "j3", all[1].ID)
	assert.Equal(t, "j2", all[2].ID)
}

func TestListByStatus(t *testing.T) {
	store, clock := newTestStore(t, 3)
	ctx := context.Background()
	now := clock.Now()

	require.NoError(t, store.Enqueue(ctx, newJob("q", models.OpCaption, models.StatusQueued, now)))
	require.NoError(t, store.Enqueue(ctx, newJob("s", models.OpCaption, models.StatusSubmitted, now)))
	require.NoError(t, store.Enqueue(ctx, newJob("p", "caption_local", models.StatusProcessing, now)))
	require.NoError(t, store.Enqueue(ctx, newJob("d", models.OpCaption, models.StatusCompleted, now)))

	active, err := store.ListByStatus(ctx, models.StatusSubmitted, models.StatusProcessing)
	require.NoError(t, err)
	require.Len(t, active, 2)
}

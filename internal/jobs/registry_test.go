package jobs

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_UpdateEnforcesMonotonicProgress(t *testing.T) {
	q, _, _ := newTestQueue(t)
	reg := q.Registry()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, EnqueueRequest{ID: "j", Input: themeInput("x")})
	require.NoError(t, err)
	_, err = q.TryDequeueLease(ctx, "w1", time.Minute)
	require.NoError(t, err)

	job, err := reg.Update(ctx, "j", ProgressUpdate(40, "Generating images"))
	require.NoError(t, err)
	assert.Equal(t, 40, job.Progress)
	assert.Equal(t, "Generating images", job.CurrentStep)

	_, err = reg.Update(ctx, "j", ProgressUpdate(20, "back"))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindValidation))

	_, err = reg.Update(ctx, "j", ProgressUpdate(101, "too far"))
	require.Error(t, err)

	failed := StatusFailed
	zero := 0
	job, err = reg.Update(ctx, "j", Update{
		Status:   &failed,
		Progress: &zero,
		Error:    &ErrorRecord{Kind: KindValidation, Message: "boom"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, 0, job.Progress)
	require.NotNil(t, job.Error)
	assert.Equal(t, "boom", job.Error.Message)
	assert.False(t, job.CompletedAt.IsZero())
}

func TestRegistry_UpdateRejectsInvalidTransitions(t *testing.T) {
	q, _, _ := newTestQueue(t)
	reg := q.Registry()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, EnqueueRequest{ID: "j", Input: themeInput("x")})
	require.NoError(t, err)

	_, err = reg.Update(ctx, "j", StatusUpdate(StatusCompleted))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = reg.Cancel(ctx, "j")
	require.NoError(t, err)

	_, err = reg.Update(ctx, "j", StatusUpdate(StatusRunning))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = reg.Update(ctx, "missing", ProgressUpdate(10, "x"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_UpdateGuardsLeaseOwner(t *testing.T) {
	q, _, _ := newTestQueue(t)
	reg := q.Registry()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, EnqueueRequest{ID: "j", Input: themeInput("x")})
	require.NoError(t, err)
	_, err = q.TryDequeueLease(ctx, "w1", time.Minute)
	require.NoError(t, err)

	u := ProgressUpdate(20, "Script ready")
	u.LeaseOwner = "w2"
	_, err = reg.Update(ctx, "j", u)
	assert.ErrorIs(t, err, ErrLeaseExpired)

	u.LeaseOwner = "w1"
	_, err = reg.Update(ctx, "j", u)
	assert.NoError(t, err)
}

func TestRegistry_ListPaginatesNewestFirst(t *testing.T) {
	q, _, clock := newTestQueue(t)
	reg := q.Registry()
	ctx := context.Background()

	for i := range 5 {
		_, err := q.Enqueue(ctx, EnqueueRequest{ID: fmt.Sprintf("j%d", i), Input: themeInput("x")})
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	_, err := reg.Cancel(ctx, "j1")
	require.NoError(t, err)

	page, err := reg.List(ctx, ListOptions{Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "j4", page.Items[0].ID)
	assert.Equal(t, "j3", page.Items[1].ID)

	page, err = reg.List(ctx, ListOptions{Page: 3, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "j0", page.Items[0].ID)

	page, err = reg.List(ctx, ListOptions{Status: StatusCancelled})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, "j1", page.Items[0].ID)
	assert.Equal(t, DefaultPageSize, page.PageSize)

	_, err = reg.List(ctx, ListOptions{Status: "weird"})
	assert.True(t, IsKind(err, KindValidation))
}

func TestRegistry_SnapshotHidesErrorUnlessFailed(t *testing.T) {
	job := &Job{ID: "j", Status: StatusRunning, Error: &ErrorRecord{Kind: KindInternal, Message: "stale"}}
	assert.Nil(t, job.Snapshot().Error)

	job.Status = StatusFailed
	require.NotNil(t, job.Snapshot().Error)
	assert.False(t, job.Snapshot().VideoReady)

	job.Status = StatusCompleted
	job.VideoPath = "/data/j/video.mp4"
	assert.True(t, job.Snapshot().VideoReady)
}

func TestRegistry_DeleteTerminalBefore(t *testing.T) {
	q, _, clock := newTestQueue(t)
	reg := q.Registry()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, EnqueueRequest{ID: "old", Input: themeInput("x")})
	require.NoError(t, err)
	_, err = reg.Cancel(ctx, "old")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, EnqueueRequest{ID: "active", Input: themeInput("x")})
	require.NoError(t, err)

	clock.Advance(48 * time.Hour)
	deleted, err := reg.DeleteTerminalBefore(ctx, clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, deleted)

	_, err = reg.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = reg.Get(ctx, "active")
	assert.NoError(t, err)
}

func TestRegistry_AddWarning(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, EnqueueRequest{ID: "j", Input: themeInput("x")})
	require.NoError(t, err)
	require.NoError(t, q.Registry().AddWarning(ctx, "j", "cue 3 shorter than minimum"))
	require.NoError(t, q.Registry().AddWarning(ctx, "j", "cue 4 shorter than minimum"))

	job, err := q.Registry().Get(ctx, "j")
	require.NoError(t, err)
	assert.Len(t, job.Warnings, 2)
}

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dataimport/internal/importer"
	"github.com/JakeFAU/dataimport/internal/store"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewJobStore(fixedClock{t: now})
	ctx := context.Background()
	job := store.Job{
		ID:     "job-1",
		Status: store.JobQueued,
		Request: importer.ImportRequest{
			OrganizationID: "acme",
			UserName:       "alice",
			Password:       "s3cret",
		},
	}

	require.NoError(t, s.CreateJob(ctx, job))
	require.Error(t, s.CreateJob(ctx, job), "duplicate job")

	stored, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Empty(t, stored.Request.Password)
	require.Nil(t, stored.Started)

	require.NoError(t, s.UpdateJob(ctx, "job-1", store.JobUpdate{Status: store.JobRunning}))
	running, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, running.Started)
	require.Nil(t, running.Finished)

	res := &importer.Result{RunID: "job-1", StatusCode: 200, Body: "OK"}
	require.NoError(t, s.UpdateJob(ctx, "job-1", store.JobUpdate{Status: store.JobSucceeded, Result: res}))
	res.Body = "modified"

	final, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, store.JobSucceeded, final.Status)
	require.True(t, now.Equal(*final.Finished))
	require.Equal(t, "OK", final.Result.Body)
}

func TestJobStoreUnknownJob(t *testing.T) {
	t.Parallel()

	s := NewJobStore(nil)
	_, err := s.GetJob(context.Background(), "nope")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, s.UpdateJob(context.Background(), "nope", store.JobUpdate{Status: store.JobFailed}), store.ErrNotFound)
}

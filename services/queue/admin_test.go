package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"smallbiznis-jobqueue/pkg/errutil"

	"github.com/stretchr/testify/require"
)

func failingFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	f.registry.HandleFunc("broken", func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, errors.New("boom")
	})
	return f
}

func TestRetryPendingKeepsAttempts(t *testing.T) {
	f := failingFixture(t)
	job := f.enqueue(t, EnqueueRequest{TaskType: "broken", MaxAttempts: intPtr(3)})
	f.runOnce(t)

	before := f.job(t, job.ID)
	require.Equal(t, JobStatusPending, before.Status)
	require.Equal(t, 1, before.Attempts)
	require.NotNil(t, before.LastError)

	f.clock.Advance(10 * time.Second)
	for i := 0; i < 2; i++ {
		got, err := f.svc.Retry(context.Background(), job.ID)
		require.NoError(t, err)
		require.Equal(t, JobStatusPending, got.Status)
		require.Equal(t, 1, got.Attempts)
		require.Nil(t, got.LastError)
		require.True(t, got.RunAt.Equal(f.clock.Now()))
	}
}

func TestRetryFailedResetsAttempts(t *testing.T) {
	f := failingFixture(t)
	job := f.enqueue(t, EnqueueRequest{TaskType: "broken", MaxAttempts: intPtr(1)})
	f.runOnce(t)
	require.Equal(t, JobStatusFailed, f.job(t, job.ID).Status)

	got, err := f.svc.Retry(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, JobStatusPending, got.Status)
	require.Equal(t, 0, got.Attempts)
	require.Nil(t, got.LastError)
	require.Nil(t, got.CompletedAt)

	// the fresh budget allows another attempt
	require.Equal(t, 1, f.runOnce(t).Processed)
}

func TestRetryInvalidStates(t *testing.T) {
	f := newFixture(t)
	f.registry.HandleFunc("ok", func(ctx context.Context, payload []byte) ([]byte, error) { return nil, nil })
	done := f.enqueue(t, EnqueueRequest{TaskType: "ok"})
	f.runOnce(t)
	require.Equal(t, JobStatusSucceeded, f.job(t, done.ID).Status)

	_, err := f.svc.Retry(context.Background(), done.ID)
	require.Equal(t, errutil.StatusConflict, errutil.StatusOf(err))
	require.ErrorIs(t, err, ErrInvalidTransition)

	running := &Job{
		ID: "running-1", TaskType: "ok", Payload: []byte(`{}`), Status: JobStatusRunning,
		RunAt: epoch, Attempts: 1, MaxAttempts: 3, LockedBy: strPtr("run-1"),
		CreatedAt: epoch, UpdatedAt: epoch,
	}
	require.NoError(t, f.repo.CreateJob(context.Background(), running))
	_, err = f.svc.Retry(context.Background(), running.ID)
	require.Equal(t, errutil.StatusConflict, errutil.StatusOf(err))

	_, err = f.svc.Retry(context.Background(), "missing")
	require.Equal(t, errutil.StatusNotFound, errutil.StatusOf(err))
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	job := f.enqueue(t, EnqueueRequest{TaskType: "anything"})

	got, err := f.svc.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, JobStatusCancelled, got.Status)
	require.NotNil(t, got.CompletedAt)

	// idempotent
	again, err := f.svc.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, JobStatusCancelled, again.Status)

	// cancelled jobs are never leased
	require.Equal(t, 0, f.runOnce(t).Processed)

	_, err = f.svc.Retry(context.Background(), job.ID)
	require.Equal(t, errutil.StatusConflict, errutil.StatusOf(err))
}

func TestCancelTerminalIsInvalid(t *testing.T) {
	f := failingFixture(t)
	job := f.enqueue(t, EnqueueRequest{TaskType: "broken", MaxAttempts: intPtr(1)})
	f.runOnce(t)

	_, err := f.svc.Cancel(context.Background(), job.ID)
	require.Equal(t, errutil.StatusConflict, errutil.StatusOf(err))
	require.Equal(t, JobStatusFailed, f.job(t, job.ID).Status)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	job := f.enqueue(t, EnqueueRequest{TaskType: "anything"})

	require.NoError(t, f.svc.Delete(context.Background(), job.ID))
	_, err := f.repo.GetJob(context.Background(), job.ID)
	require.ErrorIs(t, err, ErrJobNotFound)

	err = f.svc.Delete(context.Background(), job.ID)
	require.Equal(t, errutil.StatusNotFound, errutil.StatusOf(err))
}

func TestDeleteRefusesRunning(t *testing.T) {
	f := newFixture(t)
	running := &Job{
		ID: "running-1", TaskType: "x", Payload: []byte(`{}`), Status: JobStatusRunning,
		RunAt: epoch, Attempts: 1, MaxAttempts: 3, LockedBy: strPtr("run-1"),
		CreatedAt: epoch, UpdatedAt: epoch,
	}
	require.NoError(t, f.repo.CreateJob(context.Background(), running))

	err := f.svc.Delete(context.Background(), running.ID)
	require.Equal(t, errutil.StatusConflict, errutil.StatusOf(err))
	require.Equal(t, JobStatusRunning, f.job(t, running.ID).Status)
}

func TestApplyAction(t *testing.T) {
	f := newFixture(t)
	job := f.enqueue(t, EnqueueRequest{TaskType: "anything"})

	res, err := f.svc.ApplyAction(context.Background(), job.ID, ActionCancel)
	require.NoError(t, err)
	require.Equal(t, JobStatusCancelled, res.Job.Status)

	res, err = f.svc.ApplyAction(context.Background(), job.ID, ActionDelete)
	require.NoError(t, err)
	require.True(t, res.Deleted)

	_, err = f.svc.ApplyAction(context.Background(), job.ID, Action("explode"))
	require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))

	_, err = f.svc.ApplyAction(context.Background(), "", ActionRetry)
	require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))
}

func TestListJobsPagination(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.enqueue(t, EnqueueRequest{TaskType: "page"})
		f.clock.Advance(time.Second)
	}
	f.enqueue(t, EnqueueRequest{TaskType: "other"})

	req := ListJobsRequest{TaskType: "page"}
	req.Limit = 2

	seen := map[string]bool{}
	pages := 0
	for {
		jobs, info, err := f.svc.ListJobs(context.Background(), req)
		require.NoError(t, err)
		pages++
		for i, job := range jobs {
			require.False(t, seen[job.ID])
			seen[job.ID] = true
			if i > 0 {
				require.True(t, jobs[i-1].CreatedAt.After(job.CreatedAt))
			}
		}
		if !info.HasMore {
			break
		}
		req.Cursor = info.NextCursor
	}
	require.Len(t, seen, 5)
	require.Equal(t, 3, pages)

	_, _, err := f.svc.ListJobs(context.Background(), ListJobsRequest{Status: "bogus"})
	require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))
}

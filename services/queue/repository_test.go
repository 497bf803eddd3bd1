package queue

import (
	"context"
	"testing"
	"time"

	"smallbiznis-jobqueue/services/testutil"

	"github.com/stretchr/testify/require"
)

func newRepo(t *testing.T) Repository {
	t.Helper()
	return NewRepository(testutil.NewTestDB(t, Models()...))
}

func insertJob(t *testing.T, repo Repository, id string, runAt time.Time, attempts, maxAttempts int) {
	t.Helper()
	require.NoError(t, repo.CreateJob(context.Background(), &Job{
		ID:          id,
		TaskType:    "t",
		Payload:     []byte(`{}`),
		Status:      JobStatusPending,
		RunAt:       runAt,
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		CreatedAt:   epoch,
		UpdatedAt:   epoch,
	}))
}

func TestLeaseSelectsDueJobsOnly(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	insertJob(t, repo, "due", epoch.Add(-time.Minute), 0, 3)
	insertJob(t, repo, "future", epoch.Add(time.Minute), 0, 3)
	insertJob(t, repo, "exhausted", epoch.Add(-time.Minute), 3, 3)

	jobs, err := repo.Lease(ctx, "run-1", epoch, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	leased := jobs[0]
	require.Equal(t, "due", leased.ID)
	require.Equal(t, JobStatusRunning, leased.Status)
	require.Equal(t, 1, leased.Attempts)
	require.Equal(t, "run-1", *leased.LockedBy)
	require.True(t, leased.LastRunAt.Equal(epoch))

	// a second lease finds nothing left
	jobs, err = repo.Lease(ctx, "run-2", epoch, 10)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestUpdateJobGuard(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	insertJob(t, repo, "j1", epoch, 0, 3)

	_, err := repo.Lease(ctx, "run-1", epoch, 1)
	require.NoError(t, err)

	ok, err := repo.UpdateJob(ctx, Guard{ID: "j1", From: []JobStatus{JobStatusRunning}, LockedBy: "run-2"},
		map[string]any{"status": JobStatusSucceeded, "updated_at": epoch})
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = repo.UpdateJob(ctx, Guard{ID: "j1", From: []JobStatus{JobStatusRunning}, LockedBy: "run-1"},
		map[string]any{"status": JobStatusSucceeded, "locked_by": nil, "updated_at": epoch})
	require.NoError(t, err)
	require.True(t, ok)

	job, err := repo.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, JobStatusSucceeded, job.Status)
	require.Nil(t, job.LockedBy)
}

func TestDeleteJobGuard(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	insertJob(t, repo, "j1", epoch, 0, 3)

	ok, err := repo.DeleteJob(ctx, "j1", JobStatusFailed)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = repo.DeleteJob(ctx, "j1", JobStatusPending)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSettingsUpsert(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	settings, err := repo.GetSettings(ctx)
	require.NoError(t, err)
	require.True(t, settings.ProcessingEnabled)

	require.NoError(t, repo.SaveSettings(ctx, &Settings{ProcessingEnabled: false, PausedReason: strPtr("incident"), UpdatedAt: epoch}))
	require.NoError(t, repo.SaveSettings(ctx, &Settings{ProcessingEnabled: false, PausedReason: strPtr("still incident"), UpdatedAt: epoch}))

	settings, err = repo.GetSettings(ctx)
	require.NoError(t, err)
	require.False(t, settings.ProcessingEnabled)
	require.Equal(t, "still incident", *settings.PausedReason)
}

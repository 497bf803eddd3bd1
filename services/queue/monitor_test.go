package queue

import (
	"context"
	"testing"
	"time"

	"smallbiznis-jobqueue/pkg/config"

	"github.com/stretchr/testify/require"
)

func seedJob(t *testing.T, f *fixture, id string, status JobStatus, runAt, updatedAt time.Time) {
	t.Helper()
	job := &Job{
		ID:          id,
		TaskType:    "seeded",
		Payload:     []byte(`{}`),
		Status:      status,
		RunAt:       runAt,
		MaxAttempts: 3,
		CreatedAt:   updatedAt,
		UpdatedAt:   updatedAt,
	}
	if status == JobStatusRunning {
		job.Attempts = 1
		job.LockedBy = strPtr("run-x")
		job.LastRunAt = timePtr(updatedAt)
		job.LastError = strPtr("previous attempt failed")
	}
	require.NoError(t, f.repo.CreateJob(context.Background(), job))
}

func TestGetHealth(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()

	seedJob(t, f, "stuck", JobStatusRunning, now.Add(-time.Hour), now.Add(-30*time.Minute))
	seedJob(t, f, "busy", JobStatusRunning, now.Add(-time.Hour), now.Add(-5*time.Minute))
	seedJob(t, f, "late", JobStatusPending, now.Add(-20*time.Minute), now.Add(-time.Hour))
	seedJob(t, f, "due", JobStatusPending, now.Add(-5*time.Minute), now.Add(-time.Hour))
	seedJob(t, f, "future", JobStatusPending, now.Add(time.Hour), now.Add(-time.Hour))

	require.NoError(t, f.repo.CreateRun(context.Background(), &WorkerRun{
		ID: "run-1", Source: SourceCron, Status: RunStatusCompleted, StartedAt: now.Add(-10 * time.Minute),
	}))

	report, err := f.svc.GetHealth(context.Background())
	require.NoError(t, err)

	require.EqualValues(t, 3, report.QueueCounts[JobStatusPending])
	require.EqualValues(t, 2, report.QueueCounts[JobStatusRunning])
	require.EqualValues(t, 0, report.QueueCounts[JobStatusFailed])

	require.Len(t, report.StuckRunning, 1)
	require.Equal(t, "stuck", report.StuckRunning[0].ID)
	require.InDelta(t, 30, report.StuckRunning[0].AgeMinutes, 0.01)
	require.Equal(t, "previous attempt failed", *report.StuckRunning[0].LastError)

	require.Len(t, report.OverduePending, 1)
	require.Equal(t, "late", report.OverduePending[0].ID)
	require.InDelta(t, 20, report.OverduePending[0].OverdueMinutes, 0.01)

	require.Len(t, report.RecentWorkerRuns, 1)
	require.True(t, report.LastTrigger.Stale)
	require.InDelta(t, 10, *report.LastTrigger.AgeMinutes, 0.01)
	require.Equal(t, 5.0, report.LastTrigger.ExpectedCadenceMinutes)

	require.True(t, report.Processing.Enabled)
	require.True(t, report.GeneratedAt.Equal(now))
}

func TestGetHealthFreshTrigger(t *testing.T) {
	f := newFixture(t)

	report, err := f.svc.GetHealth(context.Background())
	require.NoError(t, err)
	require.True(t, report.LastTrigger.Stale)
	require.Nil(t, report.LastTrigger.LastStartedAt)
	require.Empty(t, report.StuckRunning)
	require.Empty(t, report.OverduePending)

	f.runOnce(t)
	f.clock.Advance(time.Minute)

	report, err = f.svc.GetHealth(context.Background())
	require.NoError(t, err)
	require.False(t, report.LastTrigger.Stale)
	require.Len(t, report.RecentWorkerRuns, 1)
}

func TestGetHealthRecentRunsNewestFirst(t *testing.T) {
	f := newFixture(t, withQueueConfig(func(q *config.QueueConfig) { q.RecentRuns = 3 }))
	for i := 0; i < 5; i++ {
		f.runOnce(t)
		f.clock.Advance(time.Minute)
	}

	report, err := f.svc.GetHealth(context.Background())
	require.NoError(t, err)
	require.Len(t, report.RecentWorkerRuns, 3)
	require.True(t, report.RecentWorkerRuns[0].StartedAt.After(report.RecentWorkerRuns[1].StartedAt))
}

func TestGetHealthReportsPause(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SetProcessing(context.Background(), false, "db upgrade")
	require.NoError(t, err)

	report, err := f.svc.GetHealth(context.Background())
	require.NoError(t, err)
	require.False(t, report.Processing.Enabled)
	require.Equal(t, "db upgrade", *report.Processing.PausedReason)
}

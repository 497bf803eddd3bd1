package queue

import (
	"context"
	"time"

	"smallbiznis-jobqueue/pkg/errutil"

	"golang.org/x/sync/errgroup"
)

const healthListLimit = 100

type StuckJob struct {
	ID         string  `json:"id"`
	TaskType   string  `json:"task_type"`
	AgeMinutes float64 `json:"age_minutes"`
	LastError  *string `json:"last_error"`
}

type OverdueJob struct {
	ID             string  `json:"id"`
	TaskType       string  `json:"task_type"`
	OverdueMinutes float64 `json:"overdue_minutes"`
	LastError      *string `json:"last_error"`
}

type TriggerStatus struct {
	LastStartedAt          *time.Time `json:"last_started_at"`
	AgeMinutes             *float64   `json:"age_minutes"`
	ExpectedCadenceMinutes float64    `json:"expected_cadence_minutes"`
	Stale                  bool       `json:"stale"`
}

type ProcessingStatus struct {
	Enabled      bool    `json:"enabled"`
	PausedReason *string `json:"paused_reason"`
}

type HealthReport struct {
	QueueCounts      map[JobStatus]int64 `json:"queue_counts"`
	StuckRunning     []StuckJob          `json:"stuck_running"`
	OverduePending   []OverdueJob        `json:"overdue_pending"`
	RecentWorkerRuns []*WorkerRun        `json:"recent_worker_runs"`
	LastTrigger      TriggerStatus       `json:"last_trigger"`
	Processing       ProcessingStatus    `json:"processing"`
	GeneratedAt      time.Time           `json:"generated_at"`
}

// GetHealth derives the queue health from read-only store queries. Stuck and
// overdue jobs are reported, never touched.
func (s *Service) GetHealth(ctx context.Context) (*HealthReport, error) {
	now := s.now()
	report := &HealthReport{
		StuckRunning:   []StuckJob{},
		OverduePending: []OverdueJob{},
		GeneratedAt:    now,
	}

	var (
		stuck    []*Job
		overdue  []*Job
		runs     []*WorkerRun
		settings *Settings
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		report.QueueCounts, err = s.repo.CountByStatus(gctx)
		return err
	})
	g.Go(func() (err error) {
		stuck, err = s.repo.ListStuck(gctx, now.Add(-s.cfg.StuckThreshold), healthListLimit)
		return err
	})
	g.Go(func() (err error) {
		overdue, err = s.repo.ListOverdue(gctx, now.Add(-s.cfg.OverdueThreshold), healthListLimit)
		return err
	})
	g.Go(func() (err error) {
		runs, err = s.repo.RecentRuns(gctx, s.cfg.RecentRuns)
		return err
	})
	g.Go(func() (err error) {
		settings, err = s.repo.GetSettings(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, errutil.Internal("failed to build health report", err)
	}

	for _, job := range stuck {
		report.StuckRunning = append(report.StuckRunning, StuckJob{
			ID:         job.ID,
			TaskType:   job.TaskType,
			AgeMinutes: minutesBetween(job.UpdatedAt, now),
			LastError:  job.LastError,
		})
	}
	for _, job := range overdue {
		report.OverduePending = append(report.OverduePending, OverdueJob{
			ID:             job.ID,
			TaskType:       job.TaskType,
			OverdueMinutes: minutesBetween(job.RunAt, now),
			LastError:      job.LastError,
		})
	}

	if runs == nil {
		runs = []*WorkerRun{}
	}
	report.RecentWorkerRuns = runs
	report.LastTrigger = s.triggerStatus(runs, now)
	report.Processing = ProcessingStatus{
		Enabled:      settings.ProcessingEnabled,
		PausedReason: settings.PausedReason,
	}

	return report, nil
}

// triggerStatus flags the trigger stale when the newest run is older than the
// expected cadence, or when no run was ever recorded.
func (s *Service) triggerStatus(runs []*WorkerRun, now time.Time) TriggerStatus {
	status := TriggerStatus{
		ExpectedCadenceMinutes: s.cfg.TriggerCadence.Minutes(),
		Stale:                  true,
	}
	if len(runs) == 0 {
		return status
	}

	last := runs[0].StartedAt
	age := minutesBetween(last, now)
	status.LastStartedAt = &last
	status.AgeMinutes = &age
	status.Stale = now.Sub(last) > s.cfg.TriggerCadence
	return status
}

func minutesBetween(from, to time.Time) float64 {
	m := to.Sub(from).Minutes()
	if m < 0 {
		return 0
	}
	return m
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"smallbiznis-jobqueue/pkg/db/pagination"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ListParams filters a job listing. Results are ordered newest first.
type ListParams struct {
	Status   JobStatus
	TaskType string
	After    *pagination.Cursor
	Limit    int
}

// Guard is the compare-and-swap condition of a job update. From restricts the
// current status, LockedBy the lease owner.
type Guard struct {
	ID       string
	From     []JobStatus
	LockedBy string
}

// Repository is the job store. Every status change goes through a guarded
// single-statement update so concurrent writers cannot both win.
type Repository interface {
	AutoMigrate(ctx context.Context) error

	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, params ListParams) ([]*Job, error)
	CountByStatus(ctx context.Context) (map[JobStatus]int64, error)
	ListStuck(ctx context.Context, updatedBefore time.Time, limit int) ([]*Job, error)
	ListOverdue(ctx context.Context, runAtBefore time.Time, limit int) ([]*Job, error)

	// Lease moves up to limit due jobs from pending to running on behalf of runID.
	Lease(ctx context.Context, runID string, now time.Time, limit int) ([]*Job, error)
	UpdateJob(ctx context.Context, guard Guard, values map[string]any) (bool, error)
	DeleteJob(ctx context.Context, id string, from ...JobStatus) (bool, error)

	CreateRun(ctx context.Context, run *WorkerRun) error
	SaveRun(ctx context.Context, run *WorkerRun) error
	RecentRuns(ctx context.Context, limit int) ([]*WorkerRun, error)

	GetSettings(ctx context.Context) (*Settings, error)
	SaveSettings(ctx context.Context, settings *Settings) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository returns a gorm backed Repository implementation.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) AutoMigrate(ctx context.Context) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}
	return r.db.WithContext(ctx).AutoMigrate(Models()...)
}

func (r *gormRepository) CreateJob(ctx context.Context, job *Job) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *gormRepository) GetJob(ctx context.Context, id string) (*Job, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var job Job
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *gormRepository) ListJobs(ctx context.Context, params ListParams) ([]*Job, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	query := r.db.WithContext(ctx).Model(&Job{})
	if params.Status != "" {
		query = query.Where("status = ?", params.Status)
	}
	if params.TaskType != "" {
		query = query.Where("task_type = ?", params.TaskType)
	}
	if params.After != nil {
		query = query.Where("(created_at < ?) OR (created_at = ? AND id < ?)",
			params.After.CreatedAt, params.After.CreatedAt, params.After.ID)
	}
	if params.Limit > 0 {
		query = query.Limit(params.Limit)
	}

	var jobs []*Job
	if err := query.Order("created_at DESC").Order("id DESC").Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *gormRepository) CountByStatus(ctx context.Context) (map[JobStatus]int64, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var rows []struct {
		Status JobStatus
		Total  int64
	}
	err := r.db.WithContext(ctx).Model(&Job{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[JobStatus]int64, len(JobStatuses))
	for _, s := range JobStatuses {
		counts[s] = 0
	}
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}

func (r *gormRepository) ListStuck(ctx context.Context, updatedBefore time.Time, limit int) ([]*Job, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var jobs []*Job
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", JobStatusRunning, updatedBefore).
		Order("updated_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

func (r *gormRepository) ListOverdue(ctx context.Context, runAtBefore time.Time, limit int) ([]*Job, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var jobs []*Job
	err := r.db.WithContext(ctx).
		Where("status = ? AND run_at < ?", JobStatusPending, runAtBefore).
		Order("run_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

const leaseSQL = `
WITH cte AS (
	SELECT id FROM jobs
	WHERE status = ? AND run_at <= ? AND attempts < max_attempts
	ORDER BY run_at ASC, created_at ASC
	LIMIT ?
	FOR UPDATE SKIP LOCKED
)
UPDATE jobs
SET status = ?, attempts = jobs.attempts + 1, last_run_at = ?, locked_by = ?, updated_at = ?
FROM cte
WHERE jobs.id = cte.id
RETURNING jobs.*`

func (r *gormRepository) Lease(ctx context.Context, runID string, now time.Time, limit int) ([]*Job, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}
	if limit <= 0 {
		return nil, nil
	}

	if r.db.Dialector.Name() == "postgres" {
		return r.leaseSkipLocked(ctx, runID, now, limit)
	}
	return r.leaseCompareAndSwap(ctx, runID, now, limit)
}

func (r *gormRepository) leaseSkipLocked(ctx context.Context, runID string, now time.Time, limit int) ([]*Job, error) {
	var jobs []*Job
	err := r.db.WithContext(ctx).Raw(leaseSQL,
		JobStatusPending, now, limit,
		JobStatusRunning, now, runID, now,
	).Scan(&jobs).Error
	if err != nil {
		return nil, err
	}

	// RETURNING does not keep the CTE order
	slices.SortStableFunc(jobs, func(a, b *Job) int {
		if c := a.RunAt.Compare(b.RunAt); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return jobs, nil
}

// leaseCompareAndSwap claims candidates one conditional update at a time. A
// candidate taken by a concurrent run between select and update is skipped.
func (r *gormRepository) leaseCompareAndSwap(ctx context.Context, runID string, now time.Time, limit int) ([]*Job, error) {
	db := r.db.WithContext(ctx)

	var candidates []string
	err := db.Model(&Job{}).
		Where("status = ? AND run_at <= ? AND attempts < max_attempts", JobStatusPending, now).
		Order("run_at ASC").
		Order("created_at ASC").
		Limit(limit).
		Pluck("id", &candidates).Error
	if err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(candidates))
	for _, id := range candidates {
		res := db.Model(&Job{}).
			Where("id = ? AND status = ? AND run_at <= ? AND attempts < max_attempts", id, JobStatusPending, now).
			Updates(map[string]any{
				"status":      JobStatusRunning,
				"attempts":    gorm.Expr("attempts + 1"),
				"last_run_at": now,
				"locked_by":   runID,
				"updated_at":  now,
			})
		if res.Error != nil {
			return jobs, res.Error
		}
		if res.RowsAffected != 1 {
			continue
		}

		var job Job
		if err := db.Where("id = ?", id).First(&job).Error; err != nil {
			return jobs, err
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

func (r *gormRepository) UpdateJob(ctx context.Context, guard Guard, values map[string]any) (bool, error) {
	if r == nil || r.db == nil {
		return false, gorm.ErrInvalidDB
	}

	query := r.db.WithContext(ctx).Model(&Job{}).Where("id = ?", guard.ID)
	if len(guard.From) > 0 {
		query = query.Where("status IN ?", guard.From)
	}
	if guard.LockedBy != "" {
		query = query.Where("locked_by = ?", guard.LockedBy)
	}

	res := query.Updates(values)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *gormRepository) DeleteJob(ctx context.Context, id string, from ...JobStatus) (bool, error) {
	if r == nil || r.db == nil {
		return false, gorm.ErrInvalidDB
	}

	query := r.db.WithContext(ctx).Where("id = ?", id)
	if len(from) > 0 {
		query = query.Where("status IN ?", from)
	}

	res := query.Delete(&Job{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *gormRepository) CreateRun(ctx context.Context, run *WorkerRun) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *gormRepository) SaveRun(ctx context.Context, run *WorkerRun) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}
	return r.db.WithContext(ctx).Model(&WorkerRun{}).Where("id = ?", run.ID).Updates(map[string]any{
		"status":        run.Status,
		"completed_at":  run.CompletedAt,
		"processed":     run.Processed,
		"succeeded":     run.Succeeded,
		"failed":        run.Failed,
		"message":       run.Message,
		"error_message": run.ErrorMessage,
	}).Error
}

func (r *gormRepository) RecentRuns(ctx context.Context, limit int) ([]*WorkerRun, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var runs []*WorkerRun
	err := r.db.WithContext(ctx).
		Order("started_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

// GetSettings returns the stored switch board, or processing enabled when the
// row was never written.
func (r *gormRepository) GetSettings(ctx context.Context) (*Settings, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var settings Settings
	err := r.db.WithContext(ctx).Where("id = ?", settingsRowID).First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &Settings{ID: settingsRowID, ProcessingEnabled: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

func (r *gormRepository) SaveSettings(ctx context.Context, settings *Settings) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}

	settings.ID = settingsRowID
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"processing_enabled", "paused_reason", "updated_at"}),
	}).Create(settings).Error
}

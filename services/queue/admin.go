package queue

import (
	"context"
	"fmt"

	"smallbiznis-jobqueue/pkg/db/pagination"
	"smallbiznis-jobqueue/pkg/errutil"

	"go.uber.org/zap"
)

type Action string

const (
	ActionRetry  Action = "retry"
	ActionCancel Action = "cancel"
	ActionDelete Action = "delete"
)

func invalidTransition(job *Job, action Action) error {
	return errutil.Conflict("invalid transition",
		fmt.Errorf("%w: cannot %s a %s job", ErrInvalidTransition, action, job.Status))
}

// raced means the guarded update lost against a concurrent writer.
func raced(job *Job, action Action) error {
	return errutil.Conflict("invalid transition",
		fmt.Errorf("%w: job %s changed state during %s", ErrInvalidTransition, job.ID, action))
}

// Retry puts a failed job back in line with a fresh attempt budget. On a job
// that is already pending it only clears last_error and makes it due now.
func (s *Service) Retry(ctx context.Context, id string) (*Job, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	values := map[string]any{
		"last_error": nil,
		"run_at":     now,
		"updated_at": now,
	}
	switch job.Status {
	case JobStatusPending:
	case JobStatusFailed:
		values["status"] = JobStatusPending
		values["attempts"] = 0
		values["completed_at"] = nil
		values["locked_by"] = nil
	default:
		return nil, invalidTransition(job, ActionRetry)
	}

	ok, err := s.repo.UpdateJob(ctx, Guard{ID: job.ID, From: []JobStatus{job.Status}}, values)
	if err != nil {
		return nil, errutil.Internal("failed to retry job", err)
	}
	if !ok {
		return nil, raced(job, ActionRetry)
	}

	zap.L().Info("job retried", zap.String("job_id", job.ID), zap.String("from", string(job.Status)))
	return s.GetJob(ctx, id)
}

// Cancel stops a pending or running job. A running handler is not
// interrupted; its outcome is dropped when it finishes.
func (s *Service) Cancel(ctx context.Context, id string) (*Job, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case JobStatusCancelled:
		return job, nil
	case JobStatusPending, JobStatusRunning:
	default:
		return nil, invalidTransition(job, ActionCancel)
	}

	now := s.now()
	ok, err := s.repo.UpdateJob(ctx, Guard{ID: job.ID, From: []JobStatus{JobStatusPending, JobStatusRunning}}, map[string]any{
		"status":       JobStatusCancelled,
		"completed_at": now,
		"locked_by":    nil,
		"updated_at":   now,
	})
	if err != nil {
		return nil, errutil.Internal("failed to cancel job", err)
	}
	if !ok {
		return nil, raced(job, ActionCancel)
	}

	zap.L().Info("job cancelled", zap.String("job_id", job.ID), zap.String("from", string(job.Status)))
	return s.GetJob(ctx, id)
}

// Delete removes a job that is not running. Rows are never removed any
// other way.
func (s *Service) Delete(ctx context.Context, id string) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == JobStatusRunning {
		return invalidTransition(job, ActionDelete)
	}

	ok, err := s.repo.DeleteJob(ctx, job.ID,
		JobStatusPending, JobStatusSucceeded, JobStatusFailed, JobStatusCancelled)
	if err != nil {
		return errutil.Internal("failed to delete job", err)
	}
	if !ok {
		return raced(job, ActionDelete)
	}

	zap.L().Info("job deleted", zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
	return nil
}

// ActionResult is the answer to an admin action. Job is nil after a delete.
type ActionResult struct {
	Job     *Job   `json:"job,omitempty"`
	ID      string `json:"id"`
	Deleted bool   `json:"deleted,omitempty"`
}

func (s *Service) ApplyAction(ctx context.Context, id string, action Action) (*ActionResult, error) {
	if id == "" {
		return nil, errutil.ValidationFailed("invalid action request", nil,
			errutil.WithDetails(errutil.Detail{Field: "job_id", Message: "is required"}))
	}

	var (
		job *Job
		err error
	)
	switch action {
	case ActionRetry:
		job, err = s.Retry(ctx, id)
	case ActionCancel:
		job, err = s.Cancel(ctx, id)
	case ActionDelete:
		if err := s.Delete(ctx, id); err != nil {
			return nil, err
		}
		return &ActionResult{ID: id, Deleted: true}, nil
	default:
		return nil, errutil.ValidationFailed("invalid action request", nil,
			errutil.WithDetails(errutil.Detail{Field: "action", Message: "must be one of retry, cancel, delete"}))
	}
	if err != nil {
		return nil, err
	}
	return &ActionResult{Job: job, ID: job.ID}, nil
}

// SetProcessing flips the global processing switch. The reason is kept only
// while processing is paused.
func (s *Service) SetProcessing(ctx context.Context, enabled bool, reason string) (*Settings, error) {
	settings := &Settings{
		ProcessingEnabled: enabled,
		UpdatedAt:         s.now(),
	}
	if !enabled && reason != "" {
		settings.PausedReason = strPtr(reason)
	}

	if err := s.repo.SaveSettings(ctx, settings); err != nil {
		return nil, errutil.Internal("failed to save processing settings", err)
	}

	zap.L().Info("processing setting changed", zap.Bool("enabled", enabled), zap.String("reason", reason))
	return settings, nil
}

func (s *Service) GetProcessing(ctx context.Context) (*Settings, error) {
	settings, err := s.repo.GetSettings(ctx)
	if err != nil {
		return nil, errutil.Internal("failed to load processing settings", err)
	}
	return settings, nil
}

type ListJobsRequest struct {
	pagination.Pagination
	Status   JobStatus `form:"status"`
	TaskType string    `form:"task_type"`
}

func (s *Service) ListJobs(ctx context.Context, req ListJobsRequest) ([]*Job, *pagination.PageInfo, error) {
	if req.Status != "" && !req.Status.Valid() {
		return nil, nil, errutil.ValidationFailed("invalid list request", nil,
			errutil.WithDetails(errutil.Detail{Field: "status", Message: "unknown status"}))
	}

	page := req.Pagination.Normalize()
	params := ListParams{
		Status:   req.Status,
		TaskType: req.TaskType,
		Limit:    page.Limit + 1,
	}
	if page.Cursor != "" {
		cursor, err := pagination.DecodeCursor(page.Cursor)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid cursor", err)
		}
		params.After = cursor
	}

	jobs, err := s.repo.ListJobs(ctx, params)
	if err != nil {
		return nil, nil, errutil.Internal("failed to list jobs", err)
	}

	jobs, info, err := pagination.Page(jobs, page.Limit, func(j *Job) pagination.Cursor {
		return pagination.Cursor{CreatedAt: j.CreatedAt, ID: j.ID}
	})
	if err != nil {
		return nil, nil, errutil.Internal("failed to paginate jobs", err)
	}
	if jobs == nil {
		jobs = []*Job{}
	}
	return jobs, info, nil
}

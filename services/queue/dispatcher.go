package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"smallbiznis-jobqueue/pkg/errutil"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

// Trigger sources recorded on WorkerRun.Source.
const (
	SourceManual = "manual"
	SourceHTTP   = "http"
	SourceCron   = "cron"
	SourceAsynq  = "asynq"
)

// NormalizeSource keeps metric labels bounded: anything that is not a known
// trigger source is recorded as fallback.
func NormalizeSource(source, fallback string) string {
	switch source {
	case SourceManual, SourceHTTP, SourceCron, SourceAsynq:
		return source
	}
	return fallback
}

type outcome string

const (
	outcomeSucceeded outcome = "succeeded"
	outcomeRetried   outcome = "retried"
	outcomeFailed    outcome = "failed"
	outcomeDiscarded outcome = "discarded"
)

// RunOnce is one bounded dispatcher invocation: it leases up to batchSize due
// jobs, executes them on a bounded pool and records the run. Handler failures
// stay inside their job; only store failures fail the run and are returned.
func (s *Service) RunOnce(ctx context.Context, source string, batchSize int) (*WorkerRun, error) {
	if batchSize <= 0 {
		batchSize = s.cfg.BatchSize
	}
	source = NormalizeSource(source, SourceManual)

	ctx, span := tracer.Start(ctx, "queue.RunOnce", trace.WithAttributes(
		attribute.String("source", source),
		attribute.Int("batch_size", batchSize),
	))
	defer span.End()

	// a caller hanging up must not leave leased jobs behind without an outcome
	ctx = context.WithoutCancel(ctx)

	run := &WorkerRun{
		ID:        s.ids.NewID(),
		Source:    source,
		Status:    RunStatusRunning,
		StartedAt: s.now(),
	}
	if err := s.repo.CreateRun(ctx, run); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "open worker run")
		workerRunsTotal.WithLabelValues(source, string(RunStatusFailed)).Inc()
		return nil, errutil.Internal("failed to open worker run", err)
	}

	log := zap.L().With(zap.String("run_id", run.ID), zap.String("source", source))

	enabled, reason, err := s.processingEnabled(ctx)
	if err != nil {
		return s.failRun(ctx, span, run, "failed to read processing settings", err)
	}
	if !enabled {
		msg := "processing paused"
		if reason != "" {
			msg = fmt.Sprintf("processing paused: %s", reason)
		}
		log.Info("dispatcher skipped", zap.String("reason", reason))
		return s.completeRun(ctx, run, msg)
	}

	jobs, leaseErr := s.repo.Lease(ctx, run.ID, s.now(), batchSize)
	jobsLeasedTotal.Add(float64(len(jobs)))
	span.SetAttributes(attribute.Int("leased", len(jobs)))
	if leaseErr != nil && len(jobs) == 0 {
		return s.failRun(ctx, span, run, "failed to lease jobs", leaseErr)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	if s.cfg.Concurrency > 0 {
		g.SetLimit(s.cfg.Concurrency)
	}
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			result, err := s.process(ctx, run.ID, job)

			mu.Lock()
			defer mu.Unlock()
			run.Processed++
			switch result {
			case outcomeSucceeded:
				run.Succeeded++
			case outcomeRetried, outcomeFailed:
				run.Failed++
			}
			return err
		})
	}
	infraErr := g.Wait()
	if infraErr == nil {
		infraErr = leaseErr
	}

	msg := fmt.Sprintf("processed %d jobs: %d succeeded, %d failed", run.Processed, run.Succeeded, run.Failed)
	if infraErr != nil {
		return s.failRun(ctx, span, run, msg, infraErr)
	}

	log.Info("dispatcher finished",
		zap.Int("processed", run.Processed),
		zap.Int("succeeded", run.Succeeded),
		zap.Int("failed", run.Failed),
	)
	return s.completeRun(ctx, run, msg)
}

// processingEnabled reads the settings row on every call and then consults
// the remote kill switch when one is configured.
func (s *Service) processingEnabled(ctx context.Context) (bool, string, error) {
	settings, err := s.repo.GetSettings(ctx)
	if err != nil {
		return false, "", err
	}
	if !settings.ProcessingEnabled {
		reason := ""
		if settings.PausedReason != nil {
			reason = *settings.PausedReason
		}
		return false, reason, nil
	}

	if s.flags == nil || s.flagName == "" {
		return true, "", nil
	}

	on, err := s.flags.IsEnabled(ctx, s.flagName)
	if err != nil {
		// flag outages never stop the queue
		zap.L().Warn("feature flag lookup failed", zap.String("flag", s.flagName), zap.Error(err))
		return true, "", nil
	}
	if !on {
		return false, fmt.Sprintf("feature flag %s is off", s.flagName), nil
	}
	return true, "", nil
}

func (s *Service) process(ctx context.Context, runID string, job *Job) (outcome, error) {
	ctx, span := tracer.Start(ctx, "queue.process", trace.WithAttributes(
		attribute.String("job_id", job.ID),
		attribute.String("task_type", job.TaskType),
		attribute.Int("attempt", job.Attempts),
	))
	defer span.End()

	log := zap.L().With(
		zap.String("run_id", runID),
		zap.String("job_id", job.ID),
		zap.String("task_type", job.TaskType),
		zap.Int("attempt", job.Attempts),
	)

	handler, ok := s.registry.Get(job.TaskType)
	if !ok {
		msg := fmt.Sprintf("no handler registered for task type %q", job.TaskType)
		log.Error("unknown task type")
		span.SetStatus(codes.Error, msg)
		return s.record(ctx, runID, job, outcomeFailed, s.failValues(msg))
	}

	start := time.Now()
	out, err := s.execute(ctx, handler, job)
	jobDuration.WithLabelValues(job.TaskType).Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		result, values := s.failureValues(job, err)
		log.Warn("job attempt failed", zap.String("outcome", string(result)), zap.Error(err))
		return s.record(ctx, runID, job, result, values)
	}

	log.Info("job attempt succeeded")
	return s.record(ctx, runID, job, outcomeSucceeded, s.successValues(job, out))
}

// record applies values only while the job is still running under this
// lease. A job cancelled or deleted in the meantime keeps its state.
func (s *Service) record(ctx context.Context, runID string, job *Job, result outcome, values map[string]any) (outcome, error) {
	ok, err := s.repo.UpdateJob(ctx, Guard{
		ID:       job.ID,
		From:     []JobStatus{JobStatusRunning},
		LockedBy: runID,
	}, values)
	if err != nil {
		return result, fmt.Errorf("record outcome of job %s: %w", job.ID, err)
	}
	if !ok {
		zap.L().Info("job outcome discarded, lease no longer held",
			zap.String("job_id", job.ID),
			zap.String("outcome", string(result)),
		)
		result = outcomeDiscarded
	}

	jobOutcomesTotal.WithLabelValues(job.TaskType, string(result)).Inc()
	return result, nil
}

// execute runs the handler in its own goroutine so a timeout can abandon it
// and a panic cannot take the run down.
func (s *Service) execute(ctx context.Context, h Handler, job *Job) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HandlerTimeout)
	defer cancel()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		out, err := h.Execute(ctx, []byte(job.Payload))
		done <- result{out: out, err: err}
	}()

	select {
	case res := <-done:
		return res.out, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("handler timed out after %s", s.cfg.HandlerTimeout)
		}
		return nil, ctx.Err()
	}
}

func (s *Service) successValues(job *Job, out []byte) map[string]any {
	now := s.now()
	values := map[string]any{
		"output":     encodeOutput(out),
		"last_error": nil,
		"locked_by":  nil,
		"updated_at": now,
	}

	if job.IsRecurring && job.Interval() > 0 && !job.Expired(now) {
		values["status"] = JobStatusPending
		values["attempts"] = 0
		values["run_at"] = now.Add(job.Interval())
		// completed_at keeps the finish time of the run that rewound the template
		values["completed_at"] = now
		return values
	}

	values["status"] = JobStatusSucceeded
	values["completed_at"] = now
	return values
}

func (s *Service) failureValues(job *Job, cause error) (outcome, map[string]any) {
	now := s.now()
	values := map[string]any{
		"last_error": cause.Error(),
		"locked_by":  nil,
		"updated_at": now,
	}

	switch {
	case job.Attempts < job.MaxAttempts:
		values["status"] = JobStatusPending
		values["run_at"] = now.Add(s.backoff.Delay(job.Attempts))
		return outcomeRetried, values
	case job.IsRecurring && job.Interval() > 0 && !job.Expired(now):
		// a recurring template keeps its schedule after exhausting a cycle
		values["status"] = JobStatusPending
		values["attempts"] = 0
		values["run_at"] = now.Add(job.Interval())
		return outcomeFailed, values
	default:
		values["status"] = JobStatusFailed
		values["completed_at"] = now
		return outcomeFailed, values
	}
}

func (s *Service) failValues(msg string) map[string]any {
	now := s.now()
	return map[string]any{
		"status":       JobStatusFailed,
		"last_error":   msg,
		"locked_by":    nil,
		"completed_at": now,
		"updated_at":   now,
	}
}

// encodeOutput keeps valid JSON as is and stores anything else as a JSON string.
func encodeOutput(out []byte) datatypes.JSON {
	if len(out) == 0 {
		return nil
	}
	if json.Valid(out) {
		return datatypes.JSON(out)
	}
	b, _ := json.Marshal(string(out))
	return datatypes.JSON(b)
}

func (s *Service) completeRun(ctx context.Context, run *WorkerRun, msg string) (*WorkerRun, error) {
	run.Status = RunStatusCompleted
	run.CompletedAt = timePtr(s.now())
	run.Message = strPtr(msg)

	workerRunsTotal.WithLabelValues(run.Source, string(run.Status)).Inc()
	if err := s.repo.SaveRun(ctx, run); err != nil {
		return run, errutil.Internal("failed to close worker run", err)
	}
	return run, nil
}

func (s *Service) failRun(ctx context.Context, span trace.Span, run *WorkerRun, msg string, cause error) (*WorkerRun, error) {
	run.Status = RunStatusFailed
	run.CompletedAt = timePtr(s.now())
	run.Message = strPtr(msg)
	run.ErrorMessage = strPtr(cause.Error())

	span.RecordError(cause)
	span.SetStatus(codes.Error, msg)
	workerRunsTotal.WithLabelValues(run.Source, string(run.Status)).Inc()

	zap.L().Error("dispatcher run failed",
		zap.String("run_id", run.ID),
		zap.String("message", msg),
		zap.Error(cause),
	)
	if err := s.repo.SaveRun(ctx, run); err != nil {
		zap.L().Error("failed to close worker run", zap.String("run_id", run.ID), zap.Error(err))
	}
	return run, errutil.Internal(msg, cause)
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"smallbiznis-jobqueue/pkg/config"
	"smallbiznis-jobqueue/pkg/errutil"
	"smallbiznis-jobqueue/pkg/featureflags"
	"smallbiznis-jobqueue/pkg/gen"

	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

var tracer = otel.Tracer("smallbiznis-jobqueue/services/queue")

// Clock returns the current time. Tests pin it.
type Clock func() time.Time

type Service struct {
	repo     Repository
	registry *Registry
	ids      *gen.SnowflakeNode
	cfg      config.QueueConfig
	backoff  Backoff
	flags    featureflags.FeatureFlag
	flagName string
	now      Clock
}

type Params struct {
	fx.In
	Repo     Repository
	Registry *Registry
	IDs      *gen.SnowflakeNode
	Config   *config.Config
	Flags    featureflags.FeatureFlag `optional:"true"`
	Clock    Clock                    `optional:"true"`
}

func NewService(p Params) *Service {
	cfg := config.DefaultQueueConfig()
	flagName := ""
	if p.Config != nil {
		cfg = p.Config.Queue
		flagName = p.Config.Flagsmith.ProcessingFlag
	}
	// every handler call runs under a deadline
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = config.DefaultQueueConfig().HandlerTimeout
	}

	now := p.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Service{
		repo:     p.Repo,
		registry: p.Registry,
		ids:      p.IDs,
		cfg:      cfg,
		backoff:  Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		flags:    p.Flags,
		flagName: flagName,
		now:      now,
	}
}

type EnqueueRequest struct {
	TaskType                  string          `json:"task_type"`
	Payload                   json.RawMessage `json:"payload"`
	RunAt                     *time.Time      `json:"run_at"`
	MaxAttempts               *int            `json:"max_attempts"`
	IsRecurring               bool            `json:"is_recurring"`
	RecurrenceIntervalMinutes *int            `json:"recurrence_interval_minutes"`
	ExpiresAt                 *time.Time      `json:"expires_at"`
}

func (req EnqueueRequest) validate(now time.Time) []errutil.Detail {
	var details []errutil.Detail
	if req.TaskType == "" {
		details = append(details, errutil.Detail{Field: "task_type", Message: "is required"})
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		details = append(details, errutil.Detail{Field: "payload", Message: "must be valid JSON"})
	}
	if req.MaxAttempts != nil && *req.MaxAttempts < 1 {
		details = append(details, errutil.Detail{Field: "max_attempts", Message: "must be at least 1"})
	}

	switch {
	case req.IsRecurring && req.RecurrenceIntervalMinutes == nil:
		details = append(details, errutil.Detail{Field: "recurrence_interval_minutes", Message: "is required for recurring jobs"})
	case req.IsRecurring && *req.RecurrenceIntervalMinutes <= 0:
		details = append(details, errutil.Detail{Field: "recurrence_interval_minutes", Message: "must be a positive number of minutes"})
	case !req.IsRecurring && req.RecurrenceIntervalMinutes != nil:
		details = append(details, errutil.Detail{Field: "recurrence_interval_minutes", Message: "only allowed for recurring jobs"})
	}

	if req.ExpiresAt != nil {
		runAt := now
		if req.RunAt != nil {
			runAt = *req.RunAt
		}
		switch {
		case !req.IsRecurring:
			details = append(details, errutil.Detail{Field: "expires_at", Message: "only allowed for recurring jobs"})
		case !req.ExpiresAt.After(runAt):
			details = append(details, errutil.Detail{Field: "expires_at", Message: "must be after run_at"})
		}
	}
	return details
}

// Enqueue validates req and inserts the job in a single write. Nothing is
// persisted when validation fails.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	now := s.now()
	if details := req.validate(now); len(details) > 0 {
		return nil, errutil.ValidationFailed("invalid enqueue request", nil, errutil.WithDetails(details...))
	}

	job := &Job{
		ID:          s.ids.NewID(),
		TaskType:    req.TaskType,
		Payload:     datatypes.JSON("{}"),
		Status:      JobStatusPending,
		RunAt:       now,
		MaxAttempts: s.cfg.DefaultMaxAttempts,
		IsRecurring: req.IsRecurring,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if len(req.Payload) > 0 {
		job.Payload = datatypes.JSON(req.Payload)
	}
	if req.RunAt != nil {
		job.RunAt = req.RunAt.UTC()
	}
	if req.MaxAttempts != nil {
		job.MaxAttempts = *req.MaxAttempts
	}
	if req.IsRecurring {
		interval := *req.RecurrenceIntervalMinutes
		job.RecurrenceIntervalMinutes = &interval
	}
	if req.ExpiresAt != nil {
		job.ExpiresAt = timePtr(req.ExpiresAt.UTC())
	}

	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, errutil.Internal("failed to enqueue job", err)
	}

	zap.L().Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("task_type", job.TaskType),
		zap.Time("run_at", job.RunAt),
		zap.Bool("is_recurring", job.IsRecurring),
	)
	return job, nil
}

// GetJob loads one job by id.
func (s *Service) GetJob(ctx context.Context, id string) (*Job, error) {
	job, err := s.repo.GetJob(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		return nil, errutil.NotFound("job not found", fmt.Errorf("id %s", id))
	}
	if err != nil {
		return nil, errutil.Internal("failed to load job", err)
	}
	return job, nil
}

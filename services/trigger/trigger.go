package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"smallbiznis-jobqueue/pkg/config"
	"smallbiznis-jobqueue/pkg/taskname"
	"smallbiznis-jobqueue/services/queue"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("trigger",
	fx.Invoke(Start),
)

// Dispatcher is the part of the queue service the trigger drives.
type Dispatcher interface {
	RunOnce(ctx context.Context, source string, batchSize int) (*queue.WorkerRun, error)
}

type DispatchPayload struct {
	BatchSize int `json:"batch_size,omitempty"`
}

// NewDispatchTask builds the periodic task. A zero batch size means the
// configured default.
func NewDispatchTask(queueName string, batchSize int) (*asynq.Task, error) {
	payload, err := json.Marshal(DispatchPayload{BatchSize: batchSize})
	if err != nil {
		return nil, err
	}
	// the next tick is the retry
	return asynq.NewTask(taskname.QueueDispatch, payload,
		asynq.Queue(queueName),
		asynq.MaxRetry(0),
	), nil
}

// HandleDispatch runs one dispatcher pass per task. Only store failures are
// returned; job failures are already recorded on the jobs themselves.
func HandleDispatch(d Dispatcher) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var p DispatchPayload
		if len(t.Payload()) > 0 {
			if err := json.Unmarshal(t.Payload(), &p); err != nil {
				return fmt.Errorf("decode %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
			}
		}

		run, err := d.RunOnce(ctx, queue.SourceAsynq, p.BatchSize)
		if err != nil {
			return err
		}

		zap.L().Debug("scheduled dispatch finished",
			zap.String("run_id", run.ID),
			zap.Int("processed", run.Processed),
		)
		return nil
	}
}

type Params struct {
	fx.In

	Lc      fx.Lifecycle
	Config  *config.Config
	Redis   *redis.Client `optional:"true"`
	Service *queue.Service
}

// Start wires an asynq scheduler that enqueues queue:dispatch on
// TRIGGER.CRONSPEC and a server that consumes it. It does nothing unless
// TRIGGER.ENABLE is set and Redis is configured.
func Start(p Params) error {
	cfg := p.Config
	if !cfg.Trigger.Enable {
		zap.L().Info("[Trigger] disabled, relying on an external trigger")
		return nil
	}
	if p.Redis == nil {
		zap.L().Warn("[Trigger] TRIGGER.ENABLE set but redis is not configured, trigger disabled")
		return nil
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	task, err := NewDispatchTask(cfg.Trigger.Queue, 0)
	if err != nil {
		return err
	}

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
		PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
			if err != nil {
				zap.L().Error("[Trigger] failed to enqueue dispatch", zap.Error(err))
			}
		},
	})
	entryID, err := scheduler.Register(cfg.Trigger.Cronspec, task)
	if err != nil {
		return fmt.Errorf("register dispatch schedule %q: %w", cfg.Trigger.Cronspec, err)
	}

	mux := asynq.NewServeMux()
	mux.HandleFunc(taskname.QueueDispatch, HandleDispatch(p.Service))

	server := asynq.NewServer(redisOpt, asynq.Config{
		// overlapping passes are safe, one at a time keeps the pool size honest
		Concurrency: 1,
		Queues: map[string]int{
			cfg.Trigger.Queue: 1,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			zap.L().Error("[Trigger] dispatch task failed", zap.String("task_type", task.Type()), zap.Error(err))
		}),
	})

	p.Lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := server.Start(mux); err != nil {
				return fmt.Errorf("start asynq server: %w", err)
			}
			if err := scheduler.Start(); err != nil {
				server.Shutdown()
				return fmt.Errorf("start asynq scheduler: %w", err)
			}
			zap.L().Info("[Trigger] scheduled dispatch started",
				zap.String("entry_id", entryID),
				zap.String("cronspec", cfg.Trigger.Cronspec),
				zap.String("queue", cfg.Trigger.Queue),
			)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			scheduler.Shutdown()
			server.Shutdown()
			return nil
		},
	})

	return nil
}

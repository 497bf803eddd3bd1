package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"smallbiznis-jobqueue/pkg/taskname"
	"smallbiznis-jobqueue/services/queue"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("tasks",
	fx.Invoke(Register),
)

// maxSleep keeps a bad payload from parking a worker slot for hours.
const maxSleep = 10 * time.Minute

type SleepPayload struct {
	DurationMS int64 `json:"duration_ms"`
}

type SleepResult struct {
	SleptMS int64 `json:"slept_ms"`
}

// Register adds the built-in system handlers to the registry.
func Register(r *queue.Registry) {
	r.HandleFunc(taskname.SystemNoop, Noop)
	r.HandleFunc(taskname.SystemEcho, Echo)
	queue.Register(r, taskname.SystemSleep, Sleep)

	zap.L().Info("registered task handlers", zap.Strings("task_types", r.Types()))
}

func Noop(ctx context.Context, payload []byte) ([]byte, error) {
	return []byte(`{}`), nil
}

// Echo returns its payload as the job output.
func Echo(ctx context.Context, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return []byte(`null`), nil
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("echo payload is not valid JSON")
	}
	return payload, nil
}

// Sleep waits for the requested duration or until ctx is done.
func Sleep(ctx context.Context, in SleepPayload) (SleepResult, error) {
	if in.DurationMS < 0 {
		return SleepResult{}, fmt.Errorf("duration_ms must not be negative")
	}

	d := time.Duration(in.DurationMS) * time.Millisecond
	if d > maxSleep {
		return SleepResult{}, fmt.Errorf("duration_ms exceeds %s", maxSleep)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return SleepResult{SleptMS: in.DurationMS}, nil
	case <-ctx.Done():
		return SleepResult{}, ctx.Err()
	}
}

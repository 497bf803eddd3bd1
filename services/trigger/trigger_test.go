package trigger

import (
	"context"
	"errors"
	"testing"

	"smallbiznis-jobqueue/pkg/config"
	"smallbiznis-jobqueue/pkg/taskname"
	"smallbiznis-jobqueue/services/queue"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeDispatcher struct {
	calls  int
	source string
	batch  int
	err    error
}

func (f *fakeDispatcher) RunOnce(ctx context.Context, source string, batchSize int) (*queue.WorkerRun, error) {
	f.calls++
	f.source = source
	f.batch = batchSize
	if f.err != nil {
		return nil, f.err
	}
	return &queue.WorkerRun{ID: "run-1", Source: source, Processed: 2}, nil
}

func TestDispatchTask(t *testing.T) {
	task, err := NewDispatchTask("critical", 10)
	require.NoError(t, err)
	require.Equal(t, taskname.QueueDispatch, task.Type())
	require.JSONEq(t, `{"batch_size":10}`, string(task.Payload()))

	task, err = NewDispatchTask("critical", 0)
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(task.Payload()))
}

func TestHandleDispatch(t *testing.T) {
	d := &fakeDispatcher{}
	h := HandleDispatch(d)

	err := h.ProcessTask(context.Background(), asynq.NewTask(taskname.QueueDispatch, []byte(`{"batch_size":7}`)))
	require.NoError(t, err)
	require.Equal(t, 1, d.calls)
	require.Equal(t, queue.SourceAsynq, d.source)
	require.Equal(t, 7, d.batch)

	err = h.ProcessTask(context.Background(), asynq.NewTask(taskname.QueueDispatch, nil))
	require.NoError(t, err)
	require.Equal(t, 0, d.batch)
}

func TestHandleDispatchErrors(t *testing.T) {
	d := &fakeDispatcher{err: errors.New("database is gone")}
	h := HandleDispatch(d)

	err := h.ProcessTask(context.Background(), asynq.NewTask(taskname.QueueDispatch, nil))
	require.EqualError(t, err, "database is gone")

	err = h.ProcessTask(context.Background(), asynq.NewTask(taskname.QueueDispatch, []byte(`{`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Equal(t, 1, d.calls)
}

func TestStartDisabled(t *testing.T) {
	lc := fxtest.NewLifecycle(t)
	cfg := &config.Config{}

	require.NoError(t, Start(Params{Lc: lc, Config: cfg}))

	cfg.Trigger.Enable = true
	require.NoError(t, Start(Params{Lc: lc, Config: cfg}))

	lc.RequireStart().RequireStop()
}

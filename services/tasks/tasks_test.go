package tasks

import (
	"context"
	"testing"
	"time"

	"smallbiznis-jobqueue/pkg/taskname"
	"smallbiznis-jobqueue/services/queue"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestRegister(t *testing.T) {
	r := queue.NewRegistry()
	Register(r)

	require.Equal(t, []string{taskname.SystemEcho, taskname.SystemNoop, taskname.SystemSleep}, r.Types())
}

func TestEcho(t *testing.T) {
	out, err := Echo(context.Background(), []byte(`{"a":1}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(out))

	_, err = Echo(context.Background(), []byte(`{`))
	require.Error(t, err)
}

func TestSleepThroughRegistry(t *testing.T) {
	r := queue.NewRegistry()
	Register(r)

	h, ok := r.Get(taskname.SystemSleep)
	require.True(t, ok)

	out, err := h.Execute(context.Background(), []byte(`{"duration_ms":5}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"slept_ms":5}`, string(out))
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Sleep(ctx, SleepPayload{DurationMS: 60_000})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 5*time.Second)

	_, err = Sleep(context.Background(), SleepPayload{DurationMS: -1})
	require.Error(t, err)
}

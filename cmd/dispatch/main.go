// Command dispatch runs a single dispatcher pass and exits. It is meant for
// plain cron or a Kubernetes CronJob when the asynq trigger is not used.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"smallbiznis-jobqueue/pkg/config"
	"smallbiznis-jobqueue/pkg/db"
	"smallbiznis-jobqueue/pkg/featureflags"
	"smallbiznis-jobqueue/pkg/gen"
	"smallbiznis-jobqueue/pkg/logger"
	"smallbiznis-jobqueue/pkg/otelcol"
	"smallbiznis-jobqueue/services/queue"
	"smallbiznis-jobqueue/services/tasks"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	batchSize := flag.Int("batch-size", 0, "jobs to lease in this pass (0 uses QUEUE.BATCH_SIZE)")
	source := flag.String("source", queue.SourceCron, "trigger source recorded on the worker run")
	flag.Parse()

	var svc *queue.Service
	app := fx.New(
		config.Module,
		logger.Module,
		otelcol.Module,
		db.Module,
		gen.Module,
		featureflags.Module,
		queue.Module,
		tasks.Module,
		fx.Invoke(func(trace.TracerProvider) {}),
		fx.Populate(&svc),
		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
	)

	startCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		zap.L().Error("[Dispatch] failed to start", zap.Error(err))
		os.Exit(1)
	}

	code := 0
	run, err := svc.RunOnce(context.Background(), queue.NormalizeSource(*source, queue.SourceCron), *batchSize)
	if err != nil {
		zap.L().Error("[Dispatch] run failed", zap.Error(err))
		code = 1
	} else {
		zap.L().Info("[Dispatch] run completed",
			zap.String("run_id", run.ID),
			zap.Int("processed", run.Processed),
			zap.Int("succeeded", run.Succeeded),
			zap.Int("failed", run.Failed),
		)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		zap.L().Warn("[Dispatch] shutdown", zap.Error(err))
	}

	os.Exit(code)
}

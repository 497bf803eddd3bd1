package main

import (
	"smallbiznis-jobqueue/pkg/config"
	"smallbiznis-jobqueue/pkg/db"
	"smallbiznis-jobqueue/pkg/featureflags"
	"smallbiznis-jobqueue/pkg/gen"
	"smallbiznis-jobqueue/pkg/health"
	"smallbiznis-jobqueue/pkg/logger"
	"smallbiznis-jobqueue/pkg/otelcol"
	"smallbiznis-jobqueue/pkg/profiling"
	"smallbiznis-jobqueue/pkg/redis"
	"smallbiznis-jobqueue/pkg/server"
	"smallbiznis-jobqueue/services/queue"
	"smallbiznis-jobqueue/services/tasks"
	"smallbiznis-jobqueue/services/trigger"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		gen.Module,
		featureflags.Module,
		server.ProvideHTTPServer,
		health.Module,
		queue.Module,
		queue.HTTP,
		tasks.Module,
		trigger.Module,
		// spans from the dispatcher need the provider installed before the first request
		fx.Invoke(func(trace.TracerProvider) {}),
		fxLogger,
	)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, log *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "production" {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: log.Named("fx")}
})

package queue

import (
	"context"

	"smallbiznis-jobqueue/pkg/config"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the job store, registry and service without any transport.
var Module = fx.Module("queue.service",
	fx.Provide(
		NewRepository,
		NewRegistry,
		NewService,
	),
	fx.Invoke(migrate),
)

// HTTP mounts the /v1 API on the shared gin engine.
var HTTP = fx.Module("queue.http",
	fx.Provide(NewHTTPHandler),
	fx.Invoke(func(r *gin.Engine, h *HTTPHandler) { h.Register(r) }),
)

// migrate runs before any server hook so the first request sees the tables.
func migrate(cfg *config.Config, repo Repository) error {
	if !cfg.Database.AutoMigrate {
		return nil
	}

	if err := repo.AutoMigrate(context.Background()); err != nil {
		zap.L().Error("failed to migrate queue tables", zap.Error(err))
		return err
	}
	zap.L().Info("queue tables migrated")
	return nil
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/api/handlers"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/api/middleware"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/config"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/database"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/event"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/server"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/service"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/telemetry"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Запуск HTTP API и планировщика фоновых задач",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	// 1. Конфигурация и логирование
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Info("Storage Orchestrator запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("store_driver", cfg.StoreDriver),
		slog.String("lock_driver", cfg.LockDriver),
	)

	// 2. Трассировка (stdout exporter)
	if cfg.TracingEnabled {
		shutdown, err := telemetry.InitTracer(config.Version, os.Stdout)
		if err != nil {
			return fmt.Errorf("ошибка инициализации трассировки: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Warn("Ошибка остановки трассировки", slog.String("error", err.Error()))
			}
		}()
	}

	// 3. Хранилище, NATS, блокировки, сервисный слой
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// 4. Readiness checkers
	checkers := map[string]handlers.ReadinessChecker{}
	if a.pool != nil {
		checkers["database"] = database.NewReadinessChecker(a.pool)
	}
	if a.nc != nil {
		checkers["nats"] = event.NewConnChecker(a.nc)
	}

	// 5. topologymetrics — мониторинг зависимостей
	dephealthCfg := service.DephealthConfig{
		ServiceID:     "storage-orchestrator",
		Group:         cfg.DephealthGroup,
		JWKSURL:       cfg.JWKSURL,
		S3URL:         cfg.DephealthS3URL,
		CheckInterval: cfg.DephealthCheckInterval,
		IsEntry:       cfg.DephealthIsEntry,
	}
	if a.pool != nil {
		// Проверка PostgreSQL через существующий пул соединений
		pgDB := stdlib.OpenDBFromPool(a.pool)
		defer pgDB.Close()
		dephealthCfg.DB = pgDB
		dephealthCfg.PGURL = cfg.DatabaseURL("postgres")
	}
	dephealthSvc, err := service.NewDephealthService(dephealthCfg, logger)
	switch {
	case err != nil:
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
	case dephealthSvc != nil:
		if err := dephealthSvc.Start(ctx); err != nil {
			logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
		} else {
			defer dephealthSvc.Stop()
			checkers["dependencies"] = handlers.NewDependencyChecker(dephealthSvc)
			logger.Info("topologymetrics запущен",
				slog.String("group", cfg.DephealthGroup),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 6. API handler
	apiHandler := handlers.NewAPIHandler(
		handlers.NewHealthHandler(checkers),
		a.lifecycle,
		a.cache,
		a.quota,
		a.runner,
		a.registry,
		logger,
	)

	// 7. Middleware: метрики и логирование для всех маршрутов,
	// JWT (если задан JWKS) для всех, кроме health и metrics
	middlewares := []func(http.Handler) http.Handler{
		middleware.MetricsMiddleware(),
		middleware.RequestLogger(logger),
	}
	if cfg.JWKSURL != "" {
		jwtAuth, err := middleware.NewJWTAuth(
			cfg.JWKSURL,
			cfg.JWKSCACert,
			cfg.JWTIssuer,
			cfg.JWKSClientTimeout,
			cfg.JWKSRefreshInterval,
			cfg.JWTLeeway,
			logger,
		)
		if err != nil {
			return fmt.Errorf("ошибка создания JWT middleware: %w", err)
		}
		middlewares = append(middlewares, middleware.WithExclusions(jwtAuth.Middleware(), "/health/", "/metrics"))
		logger.Info("JWT middleware инициализирован",
			slog.String("jwks_url", cfg.JWKSURL),
			slog.String("issuer", cfg.JWTIssuer),
		)
	} else {
		logger.Warn("SO_JWKS_URL не задан, API работает без аутентификации")
	}

	// 8. Планировщик фоновых задач
	scheduler := a.scheduler()
	scheduler.Start(ctx)
	defer scheduler.Stop()

	// 9. HTTP-сервер (блокирующий вызов с graceful shutdown)
	srv := server.New(cfg, logger, apiHandler, middlewares,
		middleware.Tenant(cfg.DefaultTenant, a.tenantAllowed()),
	)
	if err := srv.Run(ctx); err != nil {
		return err
	}

	logger.Info("Останавливаем фоновые задачи...")
	return nil
}

// dephealth.go — мониторинг зависимостей через topologymetrics SDK.
//
// Storage Orchestrator мониторит:
//   - PostgreSQL — SQL checker через существующий pgxpool (critical), если хранилище — postgres
//   - JWKS endpoint — HTTP checker (critical), если включена проверка JWT
//   - S3 endpoint — HTTP checker (не critical), если задан SO_DEPHEALTH_S3_URL
//
// При отсутствии зависимостей (memory-драйвер без JWT и S3) сервис не создаётся.
package service

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // регистрация HTTP checker factory
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// errNoDependencies — не задано ни одной зависимости.
var errNoDependencies = errors.New("нет зависимостей для мониторинга")

// DephealthConfig — параметры мониторинга зависимостей.
type DephealthConfig struct {
	// ServiceID — имя вершины графа приложения
	ServiceID string
	Group     string
	// DB — *sql.DB из pgxpool через stdlib.OpenDBFromPool (nil — без PostgreSQL)
	DB *sql.DB
	// PGURL — URL PostgreSQL для лейблов метрик
	PGURL   string
	JWKSURL string
	// S3URL — базовый URL S3-совместимого хранилища
	S3URL         string
	CheckInterval time.Duration
	IsEntry       bool
}

// DephealthService — сервис мониторинга зависимостей.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга. Метрики регистрируются
// в глобальном Prometheus registry. Без зависимостей возвращает (nil, nil).
func NewDephealthService(cfg DephealthConfig, logger *slog.Logger) (*DephealthService, error) {
	return newDephealthService(cfg, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(cfg DephealthConfig, logger *slog.Logger, registerer prometheus.Registerer) (*DephealthService, error) {
	return newDephealthService(cfg, logger, dephealth.WithRegisterer(registerer))
}

func newDephealthService(cfg DephealthConfig, logger *slog.Logger, extraOpts ...dephealth.Option) (*DephealthService, error) {
	depOpts := func(url string, critical bool, extra ...dephealth.DependencyOption) []dephealth.DependencyOption {
		opts := []dephealth.DependencyOption{
			dephealth.FromURL(url),
			dephealth.CheckInterval(cfg.CheckInterval),
			dephealth.Critical(critical),
		}
		if cfg.IsEntry {
			opts = append(opts, dephealth.WithLabel("isentry", "yes"))
		}
		return append(opts, extra...)
	}

	var deps []dephealth.Option
	if cfg.DB != nil {
		deps = append(deps, dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(cfg.DB)), depOpts(cfg.PGURL, true)...))
	}
	if cfg.JWKSURL != "" {
		deps = append(deps, dephealth.HTTP("jwks", depOpts(cfg.JWKSURL, true)...))
	}
	if cfg.S3URL != "" {
		deps = append(deps, dephealth.HTTP("s3",
			depOpts(cfg.S3URL, false, dephealth.WithHTTPHealthPath("/minio/health/live"))...))
	}
	if len(deps) == 0 {
		return nil, nil
	}

	opts := make([]dephealth.Option, 0, 1+len(deps)+len(extraOpts))
	opts = append(opts, dephealth.WithLogger(logger))
	opts = append(opts, deps...)
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(cfg.ServiceID, cfg.Group, opts...)
	if err != nil {
		return nil, err
	}
	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	if ds == nil {
		return errNoDependencies
	}
	ds.logger.Info("Мониторинг зависимостей запущен")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	if ds == nil {
		return
	}
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — имя зависимости, значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	if ds == nil {
		return map[string]bool{}
	}
	return ds.dh.Health()
}

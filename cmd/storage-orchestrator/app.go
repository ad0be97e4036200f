package main

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/backend"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/backend/localfs"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/backend/s3store"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/config"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/database"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/event"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/lock"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/repository"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/repository/memstore"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/service"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/tenant"
)

// app — собранный сервисный слой, общий для serve и purge-cache.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	// pool — nil для memory-драйвера
	pool    *pgxpool.Pool
	nc      *nats.Conn
	store   repository.Store
	tenants tenant.Provider
	locker  lock.Locker
	events  event.Publisher

	registry   *service.Registry
	lifecycle  *service.Lifecycle
	quota      *service.QuotaService
	cache      *service.CacheManager
	purger     *service.CachePurger
	runner     *service.JobRunner
	dispatcher *service.Dispatcher

	closers []func()
}

// Close освобождает ресурсы в порядке, обратном созданию.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// buildApp подключает хранилище, NATS, блокировки и создаёт сервисный слой.
// При ошибке уже открытые ресурсы закрываются.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	// 1. Хранилище метаданных
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		logger.Info("Применение миграций БД...")
		if err := database.Migrate(cfg, logger); err != nil {
			return nil, fmt.Errorf("ошибка миграций БД: %w", err)
		}
		pool, err := database.Connect(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("ошибка подключения к PostgreSQL: %w", err)
		}
		a.pool = pool
		a.closers = append(a.closers, pool.Close)
		a.store = repository.NewPostgresStore(pool)
	default:
		logger.Warn("Хранилище метаданных в памяти: состояние не переживает рестарт")
		a.store = memstore.New()
	}

	// 2. Tenants: статический список (регистрируется в хранилище) или таблица tenants
	if len(cfg.Tenants) > 0 {
		if err := a.store.Repos().Tenants.Ensure(ctx, cfg.Tenants); err != nil {
			return nil, fmt.Errorf("ошибка регистрации tenants: %w", err)
		}
		a.tenants = tenant.NewStaticProvider(cfg.Tenants)
	} else {
		a.tenants = tenant.NewListerProvider(a.store.Repos().Tenants)
	}

	// 3. NATS (события и, опционально, блокировки)
	if cfg.NATSURL != "" {
		nc, err := event.Connect(cfg.NATSURL, "storage-orchestrator", logger)
		if err != nil {
			return nil, err
		}
		a.nc = nc
		a.closers = append(a.closers, nc.Close)

		publisher, err := event.NewNATSPublisher(nc, cfg.NATSStream, cfg.NATSSubjectPrefix, logger)
		if err != nil {
			return nil, err
		}
		a.events = publisher
		logger.Info("События публикуются в NATS JetStream",
			slog.String("stream", cfg.NATSStream),
			slog.String("subject_prefix", cfg.NATSSubjectPrefix),
		)
	} else {
		a.events = event.NewLogPublisher(logger)
	}

	// 4. Распределённые блокировки
	switch cfg.LockDriver {
	case config.DriverPostgres:
		a.locker = lock.NewPostgres(a.pool)
	case config.DriverNATS:
		kv, err := lock.NewNATSKV(ctx, a.nc, cfg.NATSLockBucket, cfg.LockTTL)
		if err != nil {
			return nil, err
		}
		a.locker = kv
	default:
		a.locker = lock.NewMemory()
	}
	logger.Info("Блокировки планировщика", slog.String("driver", cfg.LockDriver))

	// 5. Места хранения
	catalog := backend.NewCatalog()
	for _, p := range []backend.Plugin{localfs.Plugin(logger), s3store.Plugin(logger)} {
		if err := catalog.Register(p); err != nil {
			return nil, err
		}
	}
	a.registry = service.NewRegistry(catalog, logger)
	if cfg.LocationsFile != "" {
		locations, err := service.LoadLocations(cfg.LocationsFile)
		if err != nil {
			return nil, err
		}
		for _, loc := range locations {
			if err := a.registry.Register(loc); err != nil {
				return nil, err
			}
		}
	} else {
		logger.Warn("SO_LOCATIONS_FILE не задан, места хранения не сконфигурированы")
	}

	// 6. Сервисный слой
	a.lifecycle = service.NewLifecycle(a.store, a.registry, a.events, service.LifecycleConfig{
		RetryDelay:        cfg.RetryDelay,
		MaxAttempts:       cfg.MaxAttempts,
		StaleRunningAfter: cfg.StaleRunningAfter,
		RestorationTTL:    cfg.CacheTTL,
	}, logger)
	a.quota = service.NewQuotaService(a.store, service.QuotaConfig{
		MaxRawDownloads: cfg.QuotaMaxRawDownloads,
		MaxConcurrent:   cfg.QuotaMaxConcurrent,
	}, logger)
	a.cache = service.NewCacheManager(a.store, a.registry, a.lifecycle, a.quota, service.CacheConfig{
		Dir:     cfg.CacheDir,
		TTL:     cfg.CacheTTL,
		MaxSize: cfg.CacheMaxSize,
		LRUSize: cfg.CacheLRUSize,
		LRUTTL:  cfg.CacheLRUTTL,
	}, logger)
	a.purger = service.NewCachePurger(a.store, a.cache, cfg.CachePurgeBatch, logger)
	a.runner = service.NewJobRunner(a.store, a.registry, a.lifecycle, a.cache, nil, cfg.JobConcurrency, logger)
	a.dispatcher = service.NewDispatcher(a.lifecycle, a.cache, a.runner, service.DispatchConfig{
		BatchSize:         cfg.BatchSize,
		MaxBatchesPerTick: cfg.MaxBatchesPerTick,
		Concurrency:       cfg.JobConcurrency,
	}, logger)
	a.closers = append(a.closers, func() {
		if err := a.events.Close(); err != nil {
			logger.Warn("Ошибка закрытия публикатора событий", slog.String("error", err.Error()))
		}
	})
	return a, nil
}

// scheduler создаёт планировщик стандартных задач.
func (a *app) scheduler() *service.Scheduler {
	tasks := service.StandardTasks(a.lifecycle, a.dispatcher, a.purger, a.cfg.BatchSize, a.cfg.CachePurgeInterval)
	return service.NewScheduler(a.tenants, a.locker, service.SchedulerConfig{
		InitialDelay: a.cfg.SchedulerInitialDelay,
		FixedDelay:   a.cfg.SchedulerFixedDelay,
		LockTTL:      a.cfg.LockTTL,
		Concurrency:  a.cfg.JobConcurrency,
	}, a.logger, tasks...)
}

// tenantAllowed ограничивает API статическим списком tenants (nil — без ограничения).
func (a *app) tenantAllowed() func(string) bool {
	if len(a.cfg.Tenants) == 0 {
		return nil
	}
	allowed := slices.Clone(a.cfg.Tenants)
	return func(id string) bool { return slices.Contains(allowed, id) }
}

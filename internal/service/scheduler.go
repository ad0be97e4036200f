// scheduler.go — периодический планировщик задач по tenants.
//
// Каждая реплика запускает планировщик независимо. На тике для каждой задачи
// и каждого активного tenant захватывается блокировка (задача, tenant) с TTL;
// занятая блокировка — пропуск tenant до следующего тика. TTL блокировки
// ограничивает и время работы единицы: брошенная работа будет
// перепланирована на последующем тике.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/domain/model"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/lock"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/tenant"
)

// releaseTimeout — время на освобождение блокировки после единицы работы.
const releaseTimeout = 5 * time.Second

var (
	schedulerUnitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "so_scheduler_units_total",
		Help: "Единицы работы планировщика по задаче и результату (ok, error, skipped, lock_error)",
	}, []string{"task", "result"})

	schedulerUnitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "so_scheduler_unit_duration_seconds",
		Help:    "Длительность единицы работы планировщика в секундах",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
	}, []string{"task"})

	schedulerTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "so_scheduler_ticks_total",
		Help: "Количество тиков планировщика",
	})
)

// Task — задача планировщика. Run выполняется для одного tenant
// (tenant в ctx) под блокировкой lease.
type Task struct {
	Name string
	// Interval — минимальный интервал между запусками (0 — каждый тик)
	Interval time.Duration
	Run      func(ctx context.Context, lease lock.Lease) error
}

// SchedulerConfig — параметры планировщика.
type SchedulerConfig struct {
	InitialDelay time.Duration
	FixedDelay   time.Duration
	// LockTTL — TTL блокировки и предельное время единицы работы
	LockTTL time.Duration
	// Concurrency — единиц работы одновременно в пределах тика
	Concurrency int
}

// UnitStatus — результат единицы работы.
type UnitStatus string

const (
	UnitOK        UnitStatus = "ok"
	UnitError     UnitStatus = "error"
	UnitSkipped   UnitStatus = "skipped"
	UnitLockError UnitStatus = "lock_error"
)

// UnitResult — результат единицы (задача, tenant).
type UnitResult struct {
	Task     string
	Tenant   string
	Status   UnitStatus
	Err      error
	Duration time.Duration
}

// TickResult — результат одного тика.
type TickResult struct {
	Units    []UnitResult
	Duration time.Duration
}

// Count возвращает число единиц с указанным статусом.
func (r *TickResult) Count(status UnitStatus) int {
	n := 0
	for _, u := range r.Units {
		if u.Status == status {
			n++
		}
	}
	return n
}

// Scheduler — планировщик задач по tenants.
type Scheduler struct {
	provider tenant.Provider
	locker   lock.Locker
	cfg      SchedulerConfig
	tasks    []Task
	logger   *slog.Logger

	// mu — защита от параллельного запуска RunOnce
	mu      sync.Mutex
	lastRun map[string]time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler создаёт планировщик.
func NewScheduler(provider tenant.Provider, locker lock.Locker, cfg SchedulerConfig, logger *slog.Logger, tasks ...Task) *Scheduler {
	if cfg.FixedDelay <= 0 {
		cfg.FixedDelay = 30 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Scheduler{
		provider: provider,
		locker:   locker,
		cfg:      cfg,
		tasks:    tasks,
		logger:   logger.With(slog.String("component", "scheduler")),
		lastRun:  make(map[string]time.Time),
	}
}

// Start запускает фоновую горутину планировщика.
// Вызывается один раз при старте приложения.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		s.logger.Info("Планировщик запущен",
			slog.String("initial_delay", s.cfg.InitialDelay.String()),
			slog.String("fixed_delay", s.cfg.FixedDelay.String()),
			slog.Int("tasks", len(s.tasks)),
		)

		timer := time.NewTimer(s.cfg.InitialDelay)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Планировщик остановлен")
				return
			case <-timer.C:
				s.RunOnce(ctx)
				// Задержка отсчитывается от конца тика
				timer.Reset(s.cfg.FixedDelay)
			}
		}
	}()
}

// Stop останавливает планировщик и ждёт завершения текущего тика.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

// RunOnce выполняет один тик: все задачи для всех активных tenants.
// Ошибка одного tenant не мешает обработке остальных.
func (s *Scheduler) RunOnce(ctx context.Context) *TickResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	result := &TickResult{}
	schedulerTicksTotal.Inc()

	tenants, err := s.provider.ActiveTenants(ctx)
	if err != nil {
		s.logger.Error("Ошибка получения списка tenants", slog.String("error", err.Error()))
		result.Duration = time.Since(start)
		return result
	}

	var mu sync.Mutex
	for _, task := range s.tasks {
		if !s.due(task, start) {
			continue
		}
		s.lastRun[task.Name] = start

		var g errgroup.Group
		g.SetLimit(s.cfg.Concurrency)
		for _, t := range tenants {
			g.Go(func() error {
				unit := s.runUnit(ctx, task, t)
				mu.Lock()
				result.Units = append(result.Units, unit)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	result.Duration = time.Since(start)
	s.logger.Debug("Тик планировщика завершён",
		slog.Int("tenants", len(tenants)),
		slog.Int("ok", result.Count(UnitOK)),
		slog.Int("errors", result.Count(UnitError)+result.Count(UnitLockError)),
		slog.Int("skipped", result.Count(UnitSkipped)),
		slog.Duration("duration", result.Duration),
	)
	return result
}

func (s *Scheduler) due(task Task, now time.Time) bool {
	if task.Interval <= 0 {
		return true
	}
	last, ok := s.lastRun[task.Name]
	return !ok || now.Sub(last) >= task.Interval
}

// runUnit выполняет задачу для одного tenant под блокировкой.
func (s *Scheduler) runUnit(ctx context.Context, task Task, tenantID string) (unit UnitResult) {
	start := time.Now()
	unit = UnitResult{Task: task.Name, Tenant: tenantID}
	logger := s.logger.With(
		slog.String("task", task.Name),
		slog.String("tenant", tenantID),
	)
	defer func() {
		unit.Duration = time.Since(start)
		schedulerUnitsTotal.WithLabelValues(task.Name, string(unit.Status)).Inc()
	}()

	lease, ok, err := s.acquire(ctx, lock.Name(task.Name, tenantID))
	if err != nil {
		unit.Status = UnitLockError
		unit.Err = err
		logger.Error("Ошибка захвата блокировки", slog.String("error", err.Error()))
		return unit
	}
	if !ok {
		unit.Status = UnitSkipped
		unit.Err = ErrLockNotAcquired
		logger.Debug("Блокировка занята другой репликой")
		return unit
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := lease.Release(rctx); err != nil {
			logger.Warn("Ошибка освобождения блокировки", slog.String("error", err.Error()))
		}
	}()

	uctx, cancel := context.WithTimeout(tenant.With(ctx, tenantID), s.cfg.LockTTL)
	defer cancel()

	if err := s.invoke(uctx, task, lease); err != nil {
		unit.Status = UnitError
		unit.Err = err
		logger.Error("Ошибка выполнения задачи",
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()),
		)
		return unit
	}

	unit.Status = UnitOK
	schedulerUnitDuration.WithLabelValues(task.Name).Observe(time.Since(start).Seconds())
	logger.Info("Задача выполнена", slog.Duration("duration", time.Since(start)))
	return unit
}

// acquire захватывает блокировку; паника источника блокировок — ошибка захвата.
func (s *Scheduler) acquire(ctx context.Context, name string) (lease lock.Lease, ok bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			lease, ok, err = nil, false, fmt.Errorf("паника при захвате блокировки %s: %v", name, rec)
		}
	}()
	return s.locker.Acquire(ctx, name, s.cfg.LockTTL)
}

func (s *Scheduler) invoke(ctx context.Context, task Task, lease lock.Lease) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("паника в задаче %s: %v", task.Name, rec)
		}
	}()
	return task.Run(ctx, lease)
}

// Имена стандартных задач.
const (
	TaskMaintenance = "maintenance"
	TaskCachePurge  = "cache-purge"
)

// KindTaskName возвращает имя задачи обработки запросов вида kind.
func KindTaskName(kind model.RequestKind) string {
	switch kind {
	case model.KindDeletion:
		return "deletion"
	case model.KindStorage:
		return "storage"
	case model.KindCopy:
		return "copy"
	case model.KindRestoration:
		return "restoration"
	}
	return string(kind)
}

// StandardTasks собирает задачи сервиса: обработку очереди каждого вида,
// обслуживание очереди (DELAYED, зависшие RUNNING) и очистку кэша.
func StandardTasks(lifecycle *Lifecycle, dispatcher *Dispatcher, purger *CachePurger, staleLimit int, purgeInterval time.Duration) []Task {
	tasks := make([]Task, 0, len(model.AllKinds)+2)
	tasks = append(tasks, Task{
		Name: TaskMaintenance,
		Run: func(ctx context.Context, _ lock.Lease) error {
			if _, err := lifecycle.ReleaseDelayed(ctx); err != nil {
				return err
			}
			_, err := lifecycle.RecoverStale(ctx, staleLimit)
			return err
		},
	})
	for _, kind := range model.AllKinds {
		tasks = append(tasks, Task{
			Name: KindTaskName(kind),
			Run: func(ctx context.Context, lease lock.Lease) error {
				_, err := dispatcher.Dispatch(ctx, lease, kind)
				return err
			},
		})
	}
	if purger != nil {
		tasks = append(tasks, Task{
			Name:     TaskCachePurge,
			Interval: purgeInterval,
			Run: func(ctx context.Context, _ lock.Lease) error {
				_, err := purger.RunOnce(ctx)
				return err
			},
		})
	}
	return tasks
}

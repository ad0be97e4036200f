// jobs.go — выполнение пакетов запросов backend-ами.
//
// JobRunner передаёт WorkingSubset плагину соответствующего вида, а после
// возврата (ошибки, паники или истечения срока) закрывает элементы без исхода.
// Dispatcher на каждом тике планировщика формирует пакеты и запускает их.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/backend"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/domain/model"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/lock"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/repository"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/telemetry"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "so_jobs_total",
		Help: "Количество выполненных пакетов по виду и результату (ok, error)",
	}, []string{"kind", "result"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "so_job_duration_seconds",
		Help:    "Длительность выполнения пакета в секундах",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"kind"})

	jobsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "so_jobs_running",
		Help: "Количество выполняемых пакетов",
	})
)

// JobInfo — снимок выполняемого пакета.
type JobInfo struct {
	SubsetID  string            `json:"subsetId"`
	Tenant    string            `json:"tenant"`
	Kind      model.RequestKind `json:"kind"`
	Storage   string            `json:"storage"`
	Total     int               `json:"total"`
	Completed int               `json:"completed"`
	StartedAt time.Time         `json:"startedAt"`
}

// JobOutcome — итог выполнения пакета.
type JobOutcome struct {
	SubsetID    string
	Tenant      string
	Kind        model.RequestKind
	Storage     string
	Total       int
	Succeeded   int
	Failed      int
	Synthesized int
	Unrecorded  int
	// Err — ошибка уровня задачи (backend, паника, отмена)
	Err      error
	Duration time.Duration
}

type runningJob struct {
	info      JobInfo
	completed func() int
}

// JobRunner — исполнитель пакетов с общим ограничением параллелизма.
type JobRunner struct {
	store     repository.Store
	registry  *Registry
	lifecycle *Lifecycle
	cache     *CacheManager
	origin    backend.Source
	copySrc   backend.Source
	sem       *semaphore.Weighted
	tracer    trace.Tracer
	logger    *slog.Logger

	mu      sync.Mutex
	running map[string]*runningJob
}

// NewJobRunner создаёт исполнитель. concurrency — предел одновременно
// выполняемых пакетов на реплику.
func NewJobRunner(
	store repository.Store,
	registry *Registry,
	lifecycle *Lifecycle,
	cache *CacheManager,
	client *http.Client,
	concurrency int,
	logger *slog.Logger,
) *JobRunner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &JobRunner{
		store:     store,
		registry:  registry,
		lifecycle: lifecycle,
		cache:     cache,
		origin:    NewOriginSource(client),
		copySrc:   NewCopySource(cache),
		sem:       semaphore.NewWeighted(int64(concurrency)),
		tracer:    telemetry.Tracer(),
		logger:    logger.With(slog.String("component", "jobs")),
		running:   make(map[string]*runningJob),
	}
}

// Running возвращает снимок выполняемых пакетов.
func (r *JobRunner) Running() []JobInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]JobInfo, 0, len(r.running))
	for _, j := range r.running {
		info := j.info
		info.Completed = j.completed()
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b JobInfo) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// Run выполняет пакет. Каждый элемент пакета получает ровно один исход,
// даже если backend вернул ошибку, запаниковал или истёк срок ctx.
func (r *JobRunner) Run(ctx context.Context, subset *model.WorkingSubset) JobOutcome {
	switch subset.Kind() {
	case model.KindStorage:
		return runJob(ctx, r, subset, storedOutcome, func(ctx context.Context, b *backend.Backend, p backend.Progress[backend.StoredDetails]) error {
			return b.Store(ctx, subset, r.origin, p)
		})
	case model.KindCopy:
		return runJob(ctx, r, subset, storedOutcome, func(ctx context.Context, b *backend.Backend, p backend.Progress[backend.StoredDetails]) error {
			return b.Store(ctx, subset, r.copySrc, p)
		})
	case model.KindRestoration:
		return runJob(ctx, r, subset, restoredOutcome, func(ctx context.Context, b *backend.Backend, p backend.Progress[backend.RestoredDetails]) error {
			return b.Restore(ctx, subset, r.cache, p)
		})
	case model.KindDeletion:
		return runJob(ctx, r, subset, deletedOutcome, func(ctx context.Context, b *backend.Backend, p backend.Progress[backend.DeletedDetails]) error {
			rest, err := r.skipKept(ctx, subset, p)
			if err != nil || rest.Empty() {
				return err
			}
			return b.Delete(ctx, rest, p)
		})
	}
	return runJob(ctx, r, subset, deletedOutcome, func(context.Context, *backend.Backend, backend.Progress[backend.DeletedDetails]) error {
		return fmt.Errorf("неизвестный вид запроса %q", subset.Kind())
	})
}

// skipKept завершает без обращения к backend-у удаления, после которых физическая
// копия не удаляется: файл без копии (referenced) или с владельцами вне запроса.
// Возвращает остаток пакета.
func (r *JobRunner) skipKept(ctx context.Context, subset *model.WorkingSubset, p backend.Progress[backend.DeletedDetails]) (*model.WorkingSubset, error) {
	var rest []*model.Request
	for _, req := range subset.Requests() {
		ref, err := r.store.Repos().Files.GetByStorageChecksum(ctx, req.Tenant, req.Storage, req.Checksum)
		switch {
		case errors.Is(err, repository.ErrNotFound):
		case err != nil:
			return nil, err
		case !ref.Referenced && !ownedBeyond(ref, req.Owners):
			rest = append(rest, req)
			continue
		}
		if err := p.Succeed(ctx, req, backend.DeletedDetails{}); err != nil {
			return nil, err
		}
	}
	return model.NewWorkingSubset(subset.ID(), subset.Tenant(), subset.Kind(), subset.Storage(), rest), nil
}

// ownedBeyond — есть ли у ссылки владельцы, не входящие в owners.
func ownedBeyond(ref *model.FileReference, owners []string) bool {
	for _, o := range ref.Owners {
		if !slices.Contains(owners, o) {
			return true
		}
	}
	return false
}

func runJob[D any](
	ctx context.Context,
	r *JobRunner,
	subset *model.WorkingSubset,
	toOutcome func(D) Outcome,
	exec func(ctx context.Context, b *backend.Backend, p backend.Progress[D]) error,
) JobOutcome {
	start := time.Now()
	pm := NewProgressManager(subset, r.lifecycle, toOutcome, r.logger)
	logger := r.logger.With(
		slog.String("tenant", subset.Tenant()),
		slog.String("subset_id", subset.ID()),
		slog.String("kind", string(subset.Kind())),
		slog.String("storage", subset.Storage()),
	)

	ctx, span := r.tracer.Start(ctx, "job."+strings.ToLower(string(subset.Kind())), trace.WithAttributes(
		attribute.String("tenant", subset.Tenant()),
		attribute.String("storage", subset.Storage()),
		attribute.Int("items", subset.Len()),
	))
	defer span.End()

	var jobErr error
	if err := r.sem.Acquire(ctx, 1); err != nil {
		jobErr = err
	} else {
		r.track(subset, pm.Completed, start)
		jobsRunning.Inc()
		logger.Info("Выполнение пакета начато", slog.Int("items", subset.Len()))

		jobErr = executeJob(ctx, r.registry, subset, pm, exec)

		jobsRunning.Dec()
		r.untrack(subset.ID())
		r.sem.Release(1)
	}

	synthesized := pm.Finalize(ctx, jobErr)
	report := pm.Report()
	out := JobOutcome{
		SubsetID:    subset.ID(),
		Tenant:      subset.Tenant(),
		Kind:        subset.Kind(),
		Storage:     subset.Storage(),
		Total:       subset.Len(),
		Succeeded:   len(report.Succeeded),
		Failed:      len(report.Failed),
		Synthesized: synthesized,
		Unrecorded:  len(report.Unrecorded),
		Err:         jobErr,
		Duration:    time.Since(start),
	}

	result := "ok"
	if jobErr != nil {
		result = "error"
		span.RecordError(jobErr)
		span.SetStatus(codes.Error, jobErr.Error())
		logger.Error("Пакет завершён с ошибкой",
			slog.Int("succeeded", out.Succeeded),
			slog.Int("failed", out.Failed),
			slog.Int("synthesized", out.Synthesized),
			slog.Duration("duration", out.Duration),
			slog.String("error", jobErr.Error()),
		)
	} else {
		logger.Info("Пакет выполнен",
			slog.Int("succeeded", out.Succeeded),
			slog.Int("failed", out.Failed),
			slog.Int("synthesized", out.Synthesized),
			slog.Duration("duration", out.Duration),
		)
	}
	jobsTotal.WithLabelValues(string(subset.Kind()), result).Inc()
	jobDuration.WithLabelValues(string(subset.Kind())).Observe(out.Duration.Seconds())
	return out
}

// executeJob вызывает backend с перехватом паники.
func executeJob[D any](
	ctx context.Context,
	registry *Registry,
	subset *model.WorkingSubset,
	p backend.Progress[D],
	exec func(ctx context.Context, b *backend.Backend, p backend.Progress[D]) error,
) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("паника в backend %s: %v", subset.Storage(), rec)
		}
	}()

	b, err := registry.Backend(ctx, subset.Storage())
	if err != nil {
		return err
	}
	return exec(ctx, b, p)
}

func (r *JobRunner) track(subset *model.WorkingSubset, completed func() int, start time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running[subset.ID()] = &runningJob{
		info: JobInfo{
			SubsetID:  subset.ID(),
			Tenant:    subset.Tenant(),
			Kind:      subset.Kind(),
			Storage:   subset.Storage(),
			Total:     subset.Len(),
			StartedAt: start,
		},
		completed: completed,
	}
}

func (r *JobRunner) untrack(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, id)
}

// DispatchConfig — параметры формирования пакетов.
type DispatchConfig struct {
	// BatchSize — предел элементов в пакете
	BatchSize int
	// MaxBatchesPerTick — предел пакетов одного вида за тик
	MaxBatchesPerTick int
	// Concurrency — пакетов одного вида одновременно
	Concurrency int
}

// DispatchResult — итог тика для одного вида запросов.
type DispatchResult struct {
	Batches int
	Items   int
	Errors  int
}

// Dispatcher формирует пакеты из очереди tenant и передаёт их JobRunner.
type Dispatcher struct {
	lifecycle *Lifecycle
	cache     *CacheManager
	runner    *JobRunner
	cfg       DispatchConfig
	logger    *slog.Logger
}

// NewDispatcher создаёт диспетчер пакетов.
func NewDispatcher(lifecycle *Lifecycle, cache *CacheManager, runner *JobRunner, cfg DispatchConfig, logger *slog.Logger) *Dispatcher {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	if cfg.MaxBatchesPerTick < 1 {
		cfg.MaxBatchesPerTick = 1
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Dispatcher{
		lifecycle: lifecycle,
		cache:     cache,
		runner:    runner,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "dispatcher")),
	}
}

// Dispatch формирует и выполняет пакеты вида kind для tenant из контекста.
// Перед каждым пакетом проверяется, что блокировка задачи ещё удерживается:
// после её утраты новые пакеты не формируются.
func (d *Dispatcher) Dispatch(ctx context.Context, lease lock.Lease, kind model.RequestKind) (*DispatchResult, error) {
	result := &DispatchResult{}

	if kind == model.KindRestoration {
		ok, err := d.cache.HasCapacity(ctx)
		if err != nil {
			return result, err
		}
		if !ok {
			d.logger.Warn("Кэш заполнен, восстановление отложено")
			return result, nil
		}
	}

	storages, err := d.lifecycle.PendingStorages(ctx, kind)
	if err != nil || len(storages) == 0 {
		return result, err
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)

	batches := 0
	for _, storage := range storages {
		for batches < d.cfg.MaxBatchesPerTick {
			if err := lease.AssertHeld(ctx); err != nil {
				_ = g.Wait()
				return result, err
			}
			if ctx.Err() != nil {
				break
			}
			subset, err := d.lifecycle.ScheduleBatch(ctx, kind, storage, d.cfg.BatchSize)
			if err != nil {
				_ = g.Wait()
				return result, err
			}
			if subset == nil {
				break
			}
			batches++

			g.Go(func() error {
				out := d.runner.Run(ctx, subset)
				mu.Lock()
				defer mu.Unlock()
				result.Batches++
				result.Items += out.Total
				if out.Err != nil {
					result.Errors++
				}
				return nil
			})
			if subset.Len() < d.cfg.BatchSize {
				break
			}
		}
	}
	_ = g.Wait()
	return result, nil
}

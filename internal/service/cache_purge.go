// cache_purge.go — очистка просроченных записей кэша восстановленных файлов.
//
// Для каждой просроченной записи удаляется файл внутреннего кэша (только внутри
// каталога кэша), затем запись. Внешние копии истекают сами.
package service

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/domain/model"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/repository"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/tenant"
)

// defaultPurgeBatch — записей за одну выборку по умолчанию.
const defaultPurgeBatch = 100

var (
	cachePurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "so_cache_purged_total",
		Help: "Количество удалённых просроченных записей кэша",
	})
	cachePurgeFreedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "so_cache_purge_freed_bytes_total",
		Help: "Объём освобождённого кэша в байтах",
	})
	cachePurgeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "so_cache_purge_duration_seconds",
		Help:    "Длительность очистки кэша в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// PurgeResult — результат одного запуска очистки.
type PurgeResult struct {
	Purged     int
	Errors     int
	FreedBytes int64
	Duration   time.Duration
}

// CachePurger — очистка просроченного кэша tenant из контекста.
type CachePurger struct {
	store repository.Store
	cache *CacheManager
	batch int
	now   func() time.Time

	// mu — защита от параллельного запуска RunOnce
	mu     sync.Mutex
	logger *slog.Logger
}

// NewCachePurger создаёт сервис очистки кэша.
func NewCachePurger(store repository.Store, cache *CacheManager, batch int, logger *slog.Logger) *CachePurger {
	if batch <= 0 {
		batch = defaultPurgeBatch
	}
	return &CachePurger{
		store:  store,
		cache:  cache,
		batch:  batch,
		now:    time.Now,
		logger: logger.With(slog.String("component", "cache_purge")),
	}
}

// SetClock подменяет источник времени (для тестов).
func (p *CachePurger) SetClock(now func() time.Time) {
	p.now = now
}

// RunOnce удаляет все просроченные записи кэша tenant из контекста.
func (p *CachePurger) RunOnce(ctx context.Context) (*PurgeResult, error) {
	tenantID, err := tenant.From(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	result := &PurgeResult{}
	// Записи с ошибкой удаления файла пропускаются до следующего запуска
	skipped := make(map[string]bool)

	for ctx.Err() == nil {
		expired, err := p.store.Repos().Caches.ListExpired(ctx, tenantID, p.now(), p.batch+len(skipped))
		if err != nil {
			return result, err
		}
		progressed := false
		for _, cf := range expired {
			if skipped[cf.Checksum] {
				continue
			}
			if err := p.purge(ctx, cf); err != nil {
				p.logger.Error("Ошибка очистки записи кэша",
					slog.String("tenant", tenantID),
					slog.String("checksum", cf.Checksum),
					slog.String("error", err.Error()),
				)
				skipped[cf.Checksum] = true
				result.Errors++
				continue
			}
			progressed = true
			result.Purged++
			result.FreedBytes += cf.FileSize
		}
		if !progressed || len(expired) < p.batch+len(skipped) {
			break
		}
	}

	result.Duration = time.Since(start)
	cachePurgedTotal.Add(float64(result.Purged))
	cachePurgeFreedBytes.Add(float64(result.FreedBytes))
	cachePurgeDuration.Observe(result.Duration.Seconds())

	if result.Purged > 0 || result.Errors > 0 {
		p.logger.Info("Очистка кэша завершена",
			slog.String("tenant", tenantID),
			slog.Int("purged", result.Purged),
			slog.Int("errors", result.Errors),
			slog.Int64("freed_bytes", result.FreedBytes),
			slog.Duration("duration", result.Duration),
		)
	}
	return result, ctx.Err()
}

func (p *CachePurger) purge(ctx context.Context, cf *model.CacheFile) error {
	if !cf.External && p.insideCache(cf.Location) {
		if err := os.Remove(cf.Location); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	p.cache.Invalidate(cf.Tenant, cf.Checksum)
	if err := p.store.Repos().Caches.Delete(ctx, cf.Tenant, cf.Checksum); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	return nil
}

// insideCache — путь лежит внутри каталога кэша.
func (p *CachePurger) insideCache(path string) bool {
	dir := p.cache.Dir()
	if dir == "" {
		return false
	}
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// PurgeAll выполняет очистку для каждого tenant (команда purge-cache).
func (p *CachePurger) PurgeAll(ctx context.Context, provider tenant.Provider) (*PurgeResult, error) {
	tenants, err := provider.ActiveTenants(ctx)
	if err != nil {
		return nil, err
	}
	total := &PurgeResult{}
	start := time.Now()
	for _, id := range tenants {
		res, err := p.RunOnce(tenant.With(ctx, id))
		if res != nil {
			total.Purged += res.Purged
			total.Errors += res.Errors
			total.FreedBytes += res.FreedBytes
		}
		if err != nil {
			return total, err
		}
	}
	total.Duration = time.Since(start)
	return total, nil
}

// cache_manager.go — кэш восстановленных nearline-файлов и разрешение скачивания.
//
// Порядок разрешения: действующая запись CacheFile → ONLINE с наибольшим
// приоритетом → NEARLINE (постановка восстановления, ErrNotAvailableYet).
// Разрешение быстрое; поток открывается только при вызове Resolution.Open.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/backend"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/domain/model"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/repository"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/telemetry"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/tenant"
)

// SourceCache — метка источника для файлов из кэша.
const SourceCache = "cache"

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "so_cache_hits_total",
		Help: "Попадания в кэш восстановленных файлов",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "so_cache_misses_total",
		Help: "Промахи кэша восстановленных файлов",
	})
	resolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "so_download_resolutions_total",
		Help: "Разрешения скачивания по результату (cache, online, not_available_yet, not_found, offline)",
	}, []string{"result"})
)

// CacheConfig — параметры кэша.
type CacheConfig struct {
	// Dir — каталог внутреннего кэша
	Dir string
	// TTL — срок жизни восстановленной копии
	TTL time.Duration
	// MaxSize — предельный объём кэша tenant в байтах (0 — без ограничения)
	MaxSize int64
	// LRUSize, LRUTTL — in-memory фронт записей CacheFile
	LRUSize int
	LRUTTL  time.Duration
}

// Resolution — результат разрешения скачивания.
type Resolution struct {
	Checksum string `json:"checksum"`
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
	Type     string `json:"type"`
	FileSize int64  `json:"fileSize"`
	// Source — "cache" или имя места хранения
	Source string     `json:"source"`
	Tier   model.Tier `json:"tier,omitempty"`

	open func(ctx context.Context) (io.ReadCloser, error)
}

// Open открывает поток файла. Передача данных начинается только здесь.
func (r *Resolution) Open(ctx context.Context) (io.ReadCloser, error) {
	return r.open(ctx)
}

// CacheManager — кэш восстановленных файлов и цепочка разрешения скачивания.
type CacheManager struct {
	store     repository.Store
	registry  *Registry
	lifecycle *Lifecycle
	quota     *QuotaService
	cfg       CacheConfig
	front     *expirable.LRU[string, *model.CacheFile]
	client    *http.Client
	tracer    trace.Tracer
	now       func() time.Time
	logger    *slog.Logger
}

// NewCacheManager создаёт менеджер кэша и подписывается на изменения записей кэша.
func NewCacheManager(
	store repository.Store,
	registry *Registry,
	lifecycle *Lifecycle,
	quota *QuotaService,
	cfg CacheConfig,
	logger *slog.Logger,
) *CacheManager {
	if cfg.LRUSize <= 0 {
		cfg.LRUSize = 1000
	}
	if cfg.LRUTTL <= 0 {
		cfg.LRUTTL = 30 * time.Second
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	m := &CacheManager{
		store:     store,
		registry:  registry,
		lifecycle: lifecycle,
		quota:     quota,
		cfg:       cfg,
		front:     expirable.NewLRU[string, *model.CacheFile](cfg.LRUSize, nil, cfg.LRUTTL),
		client:    http.DefaultClient,
		tracer:    telemetry.Tracer(),
		now:       time.Now,
		logger:    logger.With(slog.String("component", "cache")),
	}
	lifecycle.OnCacheChange(m.Invalidate)
	return m
}

// SetClock подменяет источник времени (для тестов).
func (m *CacheManager) SetClock(now func() time.Time) {
	m.now = now
}

func frontKey(tenantID, checksum string) string {
	return tenantID + "/" + checksum
}

// Invalidate удаляет запись из in-memory фронта.
func (m *CacheManager) Invalidate(tenantID, checksum string) {
	m.front.Remove(frontKey(tenantID, checksum))
}

// lookup возвращает действующую запись кэша или nil.
func (m *CacheManager) lookup(ctx context.Context, tenantID, checksum string) (*model.CacheFile, error) {
	now := m.now()
	key := frontKey(tenantID, checksum)
	if cf, ok := m.front.Get(key); ok {
		if !cf.Expired(now) {
			cacheHitsTotal.Inc()
			return cf, nil
		}
		m.front.Remove(key)
	}

	cf, err := m.store.Repos().Caches.GetValid(ctx, tenantID, checksum, now)
	if errors.Is(err, repository.ErrNotFound) {
		cacheMissesTotal.Inc()
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cacheHitsTotal.Inc()
	m.front.Add(key, cf)
	return cf, nil
}

// Resolve разрешает скачивание файла checksum текущего tenant.
//
// Ошибки: ErrNotFound (нет ссылок), ErrNotAvailableYet (поставлено или идёт
// восстановление), ErrOfflineOnly.
func (m *CacheManager) Resolve(ctx context.Context, checksum string) (*Resolution, error) {
	tenantID, err := tenant.From(ctx)
	if err != nil {
		return nil, err
	}
	return m.resolve(ctx, tenantID, checksum, "", "")
}

func (m *CacheManager) resolve(ctx context.Context, tenantID, checksum, exclude, groupID string) (res *Resolution, err error) {
	ctx, span := m.tracer.Start(ctx, "cache.resolve", trace.WithAttributes(
		attribute.String("tenant", tenantID),
		attribute.String("checksum", checksum),
	))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("source", res.Source))
		}
		span.End()
	}()

	refs, err := m.store.Repos().Files.ListByChecksum(ctx, tenantID, checksum)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		resolutionsTotal.WithLabelValues("not_found").Inc()
		return nil, fmt.Errorf("%w: файл %s", ErrNotFound, checksum)
	}

	// 1. Кэш
	cf, err := m.lookup(ctx, tenantID, checksum)
	if err != nil {
		return nil, err
	}
	if cf != nil {
		resolutionsTotal.WithLabelValues("cache").Inc()
		return m.fromCache(tenantID, cf, refs), nil
	}

	var physical []*model.FileReference
	for _, ref := range refs {
		if !ref.Referenced && ref.Storage() != exclude {
			physical = append(physical, ref)
		}
	}
	if len(physical) == 0 {
		resolutionsTotal.WithLabelValues("not_found").Inc()
		return nil, fmt.Errorf("%w: файл %s", ErrNotFound, checksum)
	}
	candidates := m.registry.ActiveFor(checksum, physical)

	// 2. ONLINE
	if cfg, ok := m.registry.SelectHighestPriority(candidates, model.TierOnline); ok {
		ref := refIn(physical, cfg.Name)
		b, err := m.registry.Backend(ctx, cfg.Name)
		if err != nil {
			return nil, err
		}
		resolutionsTotal.WithLabelValues("online").Inc()
		return &Resolution{
			Checksum: checksum,
			FileName: ref.MetaInfo.FileName,
			MimeType: ref.MetaInfo.MimeType,
			Type:     ref.MetaInfo.Type,
			FileSize: ref.MetaInfo.FileSize,
			Source:   cfg.Name,
			Tier:     model.TierOnline,
			open: func(ctx context.Context) (io.ReadCloser, error) {
				return b.Download(ctx, ref)
			},
		}, nil
	}

	// 3. NEARLINE
	if cfg, ok := m.registry.SelectHighestPriority(candidates, model.TierNearline); ok {
		ref := refIn(physical, cfg.Name)
		if _, err := m.lifecycle.RequestRestoration(ctx, ref, groupID); err != nil {
			return nil, err
		}
		resolutionsTotal.WithLabelValues("not_available_yet").Inc()
		return nil, fmt.Errorf("%w: файл %s восстанавливается из %s", ErrNotAvailableYet, checksum, cfg.Name)
	}

	if _, ok := m.registry.SelectHighestPriority(candidates, model.TierOffline); ok {
		resolutionsTotal.WithLabelValues("offline").Inc()
		return nil, fmt.Errorf("%w: %s", ErrOfflineOnly, checksum)
	}
	resolutionsTotal.WithLabelValues("not_found").Inc()
	return nil, fmt.Errorf("%w: нет активного места хранения с файлом %s", ErrNotFound, checksum)
}

func (m *CacheManager) fromCache(tenantID string, cf *model.CacheFile, refs []*model.FileReference) *Resolution {
	res := &Resolution{
		Checksum: cf.Checksum,
		MimeType: cf.MimeType,
		Type:     cf.Type,
		FileSize: cf.FileSize,
		Source:   SourceCache,
	}
	if len(refs) > 0 {
		res.FileName = refs[0].MetaInfo.FileName
	}
	res.open = func(ctx context.Context) (io.ReadCloser, error) {
		if cf.External {
			return openHTTP(ctx, m.client, cf.Location)
		}
		rc, err := openLocal(cf.Location)
		if errors.Is(err, backend.ErrFileNotFound) {
			// Файл кэша пропал: запись больше не действительна
			m.Invalidate(tenantID, cf.Checksum)
			if derr := m.store.Repos().Caches.Delete(ctx, tenantID, cf.Checksum); derr != nil && !errors.Is(derr, repository.ErrNotFound) {
				m.logger.Warn("Ошибка удаления записи кэша без файла",
					slog.String("checksum", cf.Checksum),
					slog.String("error", derr.Error()),
				)
			}
		}
		return rc, err
	}
	return res
}

func refIn(refs []*model.FileReference, storage string) *model.FileReference {
	for _, ref := range refs {
		if ref.Storage() == storage {
			return ref
		}
	}
	return nil
}

// Download разрешает скачивание для пользователя. Квота применяется при открытии
// потока (QuotaService.Open).
func (m *CacheManager) Download(ctx context.Context, checksum, user string) (*Resolution, error) {
	tenantID, err := tenant.From(ctx)
	if err != nil {
		return nil, err
	}
	res, err := m.resolve(ctx, tenantID, checksum, "", "")
	if err != nil {
		return nil, err
	}

	raw := res.open
	fileType := res.Type
	res.open = func(ctx context.Context) (io.ReadCloser, error) {
		return m.quota.Open(ctx, tenantID, user, fileType, raw)
	}
	return res, nil
}

// OpenForCopy открывает копию файла вне места хранения exclude.
// Отсутствие копии — постоянная ошибка ErrFileNotFound, восстановление — ErrNotAvailableYet.
func (m *CacheManager) OpenForCopy(ctx context.Context, tenantID, checksum, exclude, groupID string) (io.ReadCloser, error) {
	res, err := m.resolve(ctx, tenantID, checksum, exclude, groupID)
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrOfflineOnly):
		return nil, fmt.Errorf("%w: %v", backend.ErrFileNotFound, err)
	case err != nil:
		return nil, err
	}
	return res.Open(ctx)
}

// AvailabilityStatus — доступность файла для скачивания.
type AvailabilityStatus string

const (
	AvailabilityAvailable AvailabilityStatus = "AVAILABLE"
	AvailabilityRestoring AvailabilityStatus = "RESTORING"
	AvailabilityNotFound  AvailabilityStatus = "NOT_FOUND"
	AvailabilityOffline   AvailabilityStatus = "OFFLINE"
)

// Availability — доступность одного файла.
type Availability struct {
	Checksum string             `json:"checksum"`
	Status   AvailabilityStatus `json:"status"`
	Source   string             `json:"source,omitempty"`
}

// MakeAvailable заранее готовит файлы к скачиванию: файлы в кэше и ONLINE
// сразу получают событие AVAILABLE, nearline-файлы ставятся на восстановление
// (без дубликатов), отсутствующие получают AVAILABILITY_ERROR.
func (m *CacheManager) MakeAvailable(ctx context.Context, checksums []string, groupID string) ([]Availability, error) {
	tenantID, err := tenant.From(ctx)
	if err != nil {
		return nil, err
	}
	if len(checksums) == 0 {
		return nil, fmt.Errorf("%w: список контрольных сумм пуст", ErrValidation)
	}

	out := make([]Availability, 0, len(checksums))
	var events []model.FileEvent
	for _, checksum := range checksums {
		if err := validateChecksum(checksum); err != nil {
			return nil, err
		}
		evReq := &model.Request{Tenant: tenantID, Checksum: checksum, GroupID: groupID}
		res, err := m.resolve(ctx, tenantID, checksum, "", groupID)
		switch {
		case err == nil:
			evReq.Storage = res.Source
			out = append(out, Availability{Checksum: checksum, Status: AvailabilityAvailable, Source: res.Source})
			events = append(events, m.lifecycle.newEvent(model.EventAvailable, evReq, nil, "файл доступен для скачивания"))
		case errors.Is(err, ErrNotAvailableYet):
			out = append(out, Availability{Checksum: checksum, Status: AvailabilityRestoring})
		case errors.Is(err, ErrNotFound):
			out = append(out, Availability{Checksum: checksum, Status: AvailabilityNotFound})
			events = append(events, m.lifecycle.newEvent(model.EventAvailabilityError, evReq, nil, "файл не найден"))
		case errors.Is(err, ErrOfflineOnly):
			out = append(out, Availability{Checksum: checksum, Status: AvailabilityOffline})
			events = append(events, m.lifecycle.newEvent(model.EventAvailabilityError, evReq, nil, "файл доступен только в offline-хранилище"))
		default:
			return nil, err
		}
	}
	m.lifecycle.publish(ctx, events)
	return out, nil
}

// HasCapacity сообщает, есть ли место в кэше текущего tenant.
func (m *CacheManager) HasCapacity(ctx context.Context) (bool, error) {
	if m.cfg.MaxSize <= 0 {
		return true, nil
	}
	tenantID, err := tenant.From(ctx)
	if err != nil {
		return false, err
	}
	total, err := m.store.Repos().Caches.TotalSize(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return total < m.cfg.MaxSize, nil
}

// --- backend.CacheTarget ---

// Path возвращает путь восстановленного файла во внутреннем кэше.
func (m *CacheManager) Path(req *model.Request) string {
	if len(req.Checksum) >= 2 {
		return filepath.Join(m.cfg.Dir, req.Tenant, req.Checksum[:2], req.Checksum)
	}
	return filepath.Join(m.cfg.Dir, req.Tenant, req.Checksum)
}

// Expiration возвращает срок жизни восстановленной копии.
func (m *CacheManager) Expiration(req *model.Request) time.Time {
	if req.ExpirationDate != nil {
		return *req.ExpirationDate
	}
	return m.now().Add(m.cfg.TTL)
}

// Dir возвращает каталог внутреннего кэша.
func (m *CacheManager) Dir() string {
	return m.cfg.Dir
}

var _ backend.CacheTarget = (*CacheManager)(nil)

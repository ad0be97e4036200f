// quota.go — квоты скачивания: число скачиваний raw data на пользователя
// и число одновременных raw-потоков. Прочие типы файлов только измеряются.
package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/domain/model"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/repository"
)

// AnonymousUser — пользователь скачивания без аутентификации.
const AnonymousUser = "anonymous"

var (
	downloadBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "so_download_bytes_total",
		Help: "Отданные байты по типу файла",
	}, []string{"type"})

	quotaRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "so_quota_rejected_total",
		Help: "Отказы в скачивании по причине (total, concurrent)",
	}, []string{"reason"})

	activeRawStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "so_active_raw_streams",
		Help: "Текущее число открытых потоков raw data",
	})
)

// QuotaConfig — ограничения скачивания. Отрицательное значение — без ограничения.
type QuotaConfig struct {
	MaxRawDownloads int64
	MaxConcurrent   int
}

// QuotaUsage — использование квоты пользователем.
type QuotaUsage struct {
	User            string `json:"user"`
	RawDownloads    int64  `json:"rawDownloads"`
	MaxRawDownloads int64  `json:"maxRawDownloads"`
	Active          int    `json:"active"`
	MaxConcurrent   int    `json:"maxConcurrent"`
}

// QuotaService — учёт квот скачивания.
type QuotaService struct {
	store  repository.Store
	cfg    QuotaConfig
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]int
}

// NewQuotaService создаёт сервис квот.
func NewQuotaService(store repository.Store, cfg QuotaConfig, logger *slog.Logger) *QuotaService {
	return &QuotaService{
		store:  store,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "quota")),
		active: make(map[string]int),
	}
}

func quotaKey(tenantID, user string) string {
	return tenantID + "/" + user
}

func normalizeUser(user string) string {
	if user == "" {
		return AnonymousUser
	}
	return user
}

// Opener открывает поток файла.
type Opener func(ctx context.Context) (io.ReadCloser, error)

// Open открывает поток с учётом квоты. Для raw data лимит проверяется до открытия,
// а скачивание засчитывается только после успешного открытия. Слот одновременного
// потока освобождается при закрытии. Остальные типы только измеряются.
func (q *QuotaService) Open(ctx context.Context, tenantID, user, fileType string, open Opener) (io.ReadCloser, error) {
	if !isRawData(fileType) {
		rc, err := open(ctx)
		if err != nil {
			return nil, err
		}
		return q.Wrap(rc, fileType, nil), nil
	}

	user = normalizeUser(user)
	release, err := q.reserve(ctx, tenantID, user)
	if err != nil {
		return nil, err
	}
	rc, err := open(ctx)
	if err != nil {
		release()
		return nil, err
	}
	if err := q.charge(ctx, tenantID, user); err != nil {
		rc.Close()
		release()
		return nil, err
	}
	return q.Wrap(rc, fileType, release), nil
}

// reserve занимает слот одновременного потока и проверяет остаток квоты.
// release освобождает слот; повторный вызов release — no-op.
func (q *QuotaService) reserve(ctx context.Context, tenantID, user string) (func(), error) {
	key := quotaKey(tenantID, user)

	q.mu.Lock()
	if q.cfg.MaxConcurrent >= 0 && q.active[key] >= q.cfg.MaxConcurrent {
		q.mu.Unlock()
		quotaRejectedTotal.WithLabelValues("concurrent").Inc()
		return nil, fmt.Errorf("%w: одновременных скачиваний не больше %d", ErrQuotaExceeded, q.cfg.MaxConcurrent)
	}
	q.active[key]++
	q.mu.Unlock()
	activeRawStreams.Inc()

	var once sync.Once
	release := func() {
		once.Do(func() {
			q.mu.Lock()
			if q.active[key]--; q.active[key] <= 0 {
				delete(q.active, key)
			}
			q.mu.Unlock()
			activeRawStreams.Dec()
		})
	}

	if q.cfg.MaxRawDownloads < 0 {
		return release, nil
	}
	count, err := q.store.Repos().Quotas.GetRaw(ctx, tenantID, user)
	if err != nil {
		release()
		return nil, fmt.Errorf("ошибка чтения квоты: %w", err)
	}
	if count >= q.cfg.MaxRawDownloads {
		release()
		return nil, q.exhausted(tenantID, user, count)
	}
	return release, nil
}

// charge засчитывает скачивание. Лимит проверяется атомарно повторно:
// параллельные скачивания могли исчерпать квоту после reserve.
func (q *QuotaService) charge(ctx context.Context, tenantID, user string) error {
	limit := q.cfg.MaxRawDownloads
	if limit < 0 {
		limit = math.MaxInt64
	}
	count, ok, err := q.store.Repos().Quotas.IncrementRaw(ctx, tenantID, user, limit)
	if err != nil {
		return fmt.Errorf("ошибка учёта квоты: %w", err)
	}
	if !ok {
		return q.exhausted(tenantID, user, count)
	}
	return nil
}

func (q *QuotaService) exhausted(tenantID, user string, count int64) error {
	quotaRejectedTotal.WithLabelValues("total").Inc()
	q.logger.Info("Квота скачивания исчерпана",
		slog.String("tenant", tenantID),
		slog.String("user", user),
		slog.Int64("count", count),
	)
	return fmt.Errorf("%w: скачиваний raw data не больше %d", ErrQuotaExceeded, q.cfg.MaxRawDownloads)
}

// Usage возвращает использование квоты пользователем.
func (q *QuotaService) Usage(ctx context.Context, tenantID, user string) (*QuotaUsage, error) {
	user = normalizeUser(user)
	count, err := q.store.Repos().Quotas.GetRaw(ctx, tenantID, user)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	active := q.active[quotaKey(tenantID, user)]
	q.mu.Unlock()

	return &QuotaUsage{
		User:            user,
		RawDownloads:    count,
		MaxRawDownloads: q.cfg.MaxRawDownloads,
		Active:          active,
		MaxConcurrent:   q.cfg.MaxConcurrent,
	}, nil
}

// Wrap оборачивает поток подсчётом байт по типу файла.
// Закрытие потока вызывает release (может быть nil).
func (q *QuotaService) Wrap(rc io.ReadCloser, fileType string, release func()) io.ReadCloser {
	if fileType == "" {
		fileType = "UNKNOWN"
	}
	return &meteredReader{rc: rc, fileType: fileType, release: release}
}

// meteredReader считает отданные байты и освобождает слот квоты при закрытии.
type meteredReader struct {
	rc       io.ReadCloser
	fileType string
	release  func()
	n        atomic.Int64
	closed   atomic.Bool
}

func (m *meteredReader) Read(p []byte) (int, error) {
	n, err := m.rc.Read(p)
	m.n.Add(int64(n))
	return n, err
}

func (m *meteredReader) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	downloadBytesTotal.WithLabelValues(m.fileType).Add(float64(m.n.Load()))
	if m.release != nil {
		m.release()
	}
	return m.rc.Close()
}

// isRawData — учитывается ли скачивание квотой raw data.
func isRawData(fileType string) bool {
	return fileType == model.TypeRawData
}

// Пакет backend — контракт плагинов мест хранения.
//
// Backend несёт метку уровня хранения (ONLINE, NEARLINE, OFFLINE) и ровно одну
// реализацию соответствующего интерфейса. Операции диспетчеризуются по метке;
// операция, не поддерживаемая уровнем, возвращает ErrUnsupported.
//
// Плагин сам итерирует элементы WorkingSubset и сообщает исход каждого элемента
// через Progress. Элементы без исхода закрываются вызывающей стороной.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/domain/model"
)

// Классы отказов backend-а.
var (
	// ErrNotAvailable — место хранения не сконфигурировано или недоступно.
	ErrNotAvailable = errors.New("место хранения недоступно")
	// ErrFileNotFound — файла нет в месте хранения (постоянная ошибка).
	ErrFileNotFound = errors.New("файл не найден в месте хранения")
	// ErrTransient — временная ошибка, повтор возможен позже.
	ErrTransient = errors.New("временная ошибка места хранения")
	// ErrNotAvailableYet — файл ещё восстанавливается (nearline).
	ErrNotAvailableYet = errors.New("файл ещё не доступен")
	// ErrUnsupported — операция не поддерживается уровнем хранения.
	ErrUnsupported = errors.New("операция не поддерживается уровнем хранения")
	// ErrChecksumMismatch — контрольная сумма записанных данных не совпала.
	ErrChecksumMismatch = errors.New("контрольная сумма не совпадает")
)

// Retryable сообщает, допускает ли отказ автоматический повтор.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrNotAvailableYet)
}

// StoredDetails — результат успешной записи (и копирования).
type StoredDetails struct {
	URL                    string
	FileSize               int64
	PendingActionRemaining bool
}

// RestoredDetails — результат успешного восстановления в кэш.
type RestoredDetails struct {
	// Location — путь во внутреннем кэше или URL внешнего кэша
	Location       string
	External       bool
	FileSize       int64
	ExpirationDate time.Time
}

// DeletedDetails — результат успешного удаления.
type DeletedDetails struct{}

// Progress — приёмник исходов элементов WorkingSubset.
// Для каждого элемента Succeed или Fail вызывается не более одного раза.
type Progress[D any] interface {
	Succeed(ctx context.Context, req *model.Request, details D) error
	Fail(ctx context.Context, req *model.Request, cause error) error
}

// Source открывает данные для записи элемента (origin URL или кэш при копировании).
type Source interface {
	Open(ctx context.Context, req *model.Request) (io.ReadCloser, error)
}

// CacheTarget — куда nearline-backend кладёт восстановленный файл.
type CacheTarget interface {
	// Path возвращает путь во внутреннем кэше для элемента.
	Path(req *model.Request) string
	// Expiration возвращает срок жизни восстановленной копии.
	Expiration(req *model.Request) time.Time
}

// Storer записывает файлы пакета.
type Storer interface {
	Store(ctx context.Context, subset *model.WorkingSubset, src Source, progress Progress[StoredDetails]) error
}

// Deleter удаляет файлы пакета.
type Deleter interface {
	Delete(ctx context.Context, subset *model.WorkingSubset, progress Progress[DeletedDetails]) error
}

// Downloader открывает поток чтения файла.
type Downloader interface {
	Download(ctx context.Context, ref *model.FileReference) (io.ReadCloser, error)
}

// Restorer восстанавливает файлы пакета в кэш.
type Restorer interface {
	Restore(ctx context.Context, subset *model.WorkingSubset, target CacheTarget, progress Progress[RestoredDetails]) error
}

// OnlineBackend — файлы читаются немедленно.
type OnlineBackend interface {
	Storer
	Deleter
	Downloader
}

// NearlineBackend — чтение только через восстановление в кэш.
type NearlineBackend interface {
	Storer
	Deleter
	Restorer
}

// OfflineBackend — архив, чтение вне области системы.
type OfflineBackend interface {
	Storer
	Deleter
}

// Backend — экземпляр плагина для одного места хранения.
type Backend struct {
	name     string
	tier     model.Tier
	online   OnlineBackend
	nearline NearlineBackend
	offline  OfflineBackend
}

// NewOnline создаёт backend уровня ONLINE.
func NewOnline(name string, impl OnlineBackend) *Backend {
	return &Backend{name: name, tier: model.TierOnline, online: impl}
}

// NewNearline создаёт backend уровня NEARLINE.
func NewNearline(name string, impl NearlineBackend) *Backend {
	return &Backend{name: name, tier: model.TierNearline, nearline: impl}
}

// NewOffline создаёт backend уровня OFFLINE.
func NewOffline(name string, impl OfflineBackend) *Backend {
	return &Backend{name: name, tier: model.TierOffline, offline: impl}
}

// Name возвращает имя места хранения.
func (b *Backend) Name() string { return b.name }

// Tier возвращает уровень хранения.
func (b *Backend) Tier() model.Tier { return b.tier }

func (b *Backend) unsupported(op string) error {
	return fmt.Errorf("%w: %s для %s (%s)", ErrUnsupported, op, b.name, b.tier)
}

// Store записывает пакет.
func (b *Backend) Store(ctx context.Context, subset *model.WorkingSubset, src Source, progress Progress[StoredDetails]) error {
	switch b.tier {
	case model.TierOnline:
		return b.online.Store(ctx, subset, src, progress)
	case model.TierNearline:
		return b.nearline.Store(ctx, subset, src, progress)
	case model.TierOffline:
		return b.offline.Store(ctx, subset, src, progress)
	}
	return b.unsupported("store")
}

// Delete удаляет пакет.
func (b *Backend) Delete(ctx context.Context, subset *model.WorkingSubset, progress Progress[DeletedDetails]) error {
	switch b.tier {
	case model.TierOnline:
		return b.online.Delete(ctx, subset, progress)
	case model.TierNearline:
		return b.nearline.Delete(ctx, subset, progress)
	case model.TierOffline:
		return b.offline.Delete(ctx, subset, progress)
	}
	return b.unsupported("delete")
}

// Download открывает поток. Только ONLINE.
func (b *Backend) Download(ctx context.Context, ref *model.FileReference) (io.ReadCloser, error) {
	if b.tier != model.TierOnline {
		return nil, b.unsupported("download")
	}
	return b.online.Download(ctx, ref)
}

// Restore восстанавливает пакет в кэш. Только NEARLINE.
func (b *Backend) Restore(ctx context.Context, subset *model.WorkingSubset, target CacheTarget, progress Progress[RestoredDetails]) error {
	if b.tier != model.TierNearline {
		return b.unsupported("restore")
	}
	return b.nearline.Restore(ctx, subset, target, progress)
}

// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import (
	"context"
	"errors"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/backend"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/lock"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/tenant"
)

var (
	// ErrValidation — некорректный запрос, отклонён до сохранения.
	ErrValidation = errors.New("ошибка валидации")
	// ErrConflict — незавершённый запрос на (вид, checksum, место хранения, владелец) уже существует.
	ErrConflict = errors.New("конфликт — незавершённый запрос уже существует")
	// ErrNotFound — ресурс не найден.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrNotAvailableYet — файл восстанавливается из nearline, повторите позже.
	ErrNotAvailableYet = backend.ErrNotAvailableYet
	// ErrOfflineOnly — файл есть только в offline-хранилище.
	ErrOfflineOnly = errors.New("файл доступен только в offline-хранилище")
	// ErrLockNotAcquired — блокировка занята другой репликой.
	ErrLockNotAcquired = errors.New("блокировка не получена")
	// ErrUnhandledItem — элемент пакета остался без исхода после выполнения задачи.
	ErrUnhandledItem = errors.New("элемент пакета не получил исхода")
	// ErrQuotaExceeded — превышена квота скачивания raw data.
	ErrQuotaExceeded = errors.New("превышена квота скачивания")
	// ErrAbandoned — запрос завис в RUNNING дольше допустимого.
	ErrAbandoned = errors.New("выполнение запроса прервано")
	// ErrNoTenant — tenant не задан в контексте.
	ErrNoTenant = tenant.ErrNoTenant
)

// retryable сообщает, что отказ временный и запрос вернётся в очередь после задержки.
func retryable(err error) bool {
	return backend.Retryable(err) ||
		errors.Is(err, ErrAbandoned) ||
		errors.Is(err, lock.ErrLockLost) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

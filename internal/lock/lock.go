// Пакет lock — распределённые блокировки с TTL для планировщика.
// Истечение TTL — единственный механизм отмены: брошенная работа
// будет обнаружена и перепланирована на следующем тике.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrLockLost — блокировка больше не принадлежит держателю (истёк TTL или перехвачена).
var ErrLockLost = errors.New("блокировка утрачена")

// Lease — захваченная блокировка.
type Lease interface {
	// Name возвращает имя блокировки.
	Name() string
	// AssertHeld возвращает ErrLockLost, если блокировка больше не принадлежит держателю.
	AssertHeld(ctx context.Context) error
	// Release освобождает блокировку. Повторный вызов — no-op.
	Release(ctx context.Context) error
}

// Locker — источник распределённых блокировок.
type Locker interface {
	// Acquire пытается захватить блокировку name на ttl.
	// Возвращает false без ошибки, если блокировка занята.
	Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, bool, error)
}

// Name формирует имя блокировки задачи для tenant.
func Name(task, tenant string) string {
	return task + ":" + tenant
}

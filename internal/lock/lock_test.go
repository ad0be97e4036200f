package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/database/dbtest"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/natstest"
)

// testLockerContract — общие проверки для любой реализации Locker.
func testLockerContract(t *testing.T, l Locker) {
	t.Helper()
	ctx := context.Background()
	name := Name("storage", "tenant-a")

	lease, ok, err := l.Acquire(ctx, name, time.Minute)
	if err != nil || !ok {
		t.Fatalf("Acquire: ok=%v err=%v", ok, err)
	}
	if lease.Name() != name {
		t.Errorf("Name = %q, ожидалось %q", lease.Name(), name)
	}
	if err := lease.AssertHeld(ctx); err != nil {
		t.Errorf("AssertHeld: %v", err)
	}

	if _, ok, err := l.Acquire(ctx, name, time.Minute); err != nil || ok {
		t.Errorf("повторный Acquire: ok=%v err=%v, ожидался отказ", ok, err)
	}

	// Другой tenant — независимая блокировка
	other, ok, err := l.Acquire(ctx, Name("storage", "tenant-b"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("Acquire другого tenant: ok=%v err=%v", ok, err)
	}
	defer other.Release(ctx) //nolint:errcheck

	if err := lease.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := lease.AssertHeld(ctx); !errors.Is(err, ErrLockLost) {
		t.Errorf("AssertHeld после Release: ожидалась ErrLockLost, получено %v", err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Errorf("повторный Release: %v", err)
	}

	again, ok, err := l.Acquire(ctx, name, time.Minute)
	if err != nil || !ok {
		t.Fatalf("Acquire после Release: ok=%v err=%v", ok, err)
	}
	_ = again.Release(ctx)
}

// TestMemory_Contract проверяет in-memory реализацию.
func TestMemory_Contract(t *testing.T) {
	testLockerContract(t, NewMemory())
}

// TestMemory_Expiry проверяет перехват блокировки после истечения TTL.
func TestMemory_Expiry(t *testing.T) {
	m := NewMemory()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })
	ctx := context.Background()

	first, ok, _ := m.Acquire(ctx, "task:t", time.Minute)
	if !ok {
		t.Fatal("первый Acquire должен быть успешен")
	}

	now = now.Add(2 * time.Minute)
	if err := first.AssertHeld(ctx); !errors.Is(err, ErrLockLost) {
		t.Errorf("AssertHeld после TTL: ожидалась ErrLockLost, получено %v", err)
	}

	second, ok, _ := m.Acquire(ctx, "task:t", time.Minute)
	if !ok {
		t.Fatal("Acquire после TTL должен быть успешен")
	}

	// Release старого держателя не освобождает чужую блокировку
	_ = first.Release(ctx)
	if err := second.AssertHeld(ctx); err != nil {
		t.Errorf("блокировка нового держателя утрачена: %v", err)
	}
}

// TestPostgres_Contract проверяет реализацию на PostgreSQL.
func TestPostgres_Contract(t *testing.T) {
	pool := dbtest.Setup(t)
	testLockerContract(t, NewPostgres(pool))
}

// TestNATSKV_Contract проверяет реализацию на JetStream KV.
func TestNATSKV_Contract(t *testing.T) {
	nc := natstest.Setup(t)
	l, err := NewNATSKV(context.Background(), nc, "TEST_LOCKS", time.Minute)
	if err != nil {
		t.Fatalf("NewNATSKV: %v", err)
	}
	testLockerContract(t, l)

	if _, _, err := l.Acquire(context.Background(), "long", time.Hour); err == nil {
		t.Error("TTL больше TTL bucket должен отклоняться")
	}
}

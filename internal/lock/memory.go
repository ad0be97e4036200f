package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory — блокировки в памяти процесса (одна реплика, тесты).
type Memory struct {
	mu    sync.Mutex
	locks map[string]memoryEntry
	now   func() time.Time
}

type memoryEntry struct {
	holder  string
	expires time.Time
}

// NewMemory создаёт in-memory Locker.
func NewMemory() *Memory {
	return &Memory{locks: make(map[string]memoryEntry), now: time.Now}
}

// SetClock подменяет источник времени (для тестов).
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Acquire захватывает блокировку, если она свободна или её TTL истёк.
func (m *Memory) Acquire(_ context.Context, name string, ttl time.Duration) (Lease, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.locks[name]; ok && e.expires.After(now) {
		return nil, false, nil
	}

	holder := uuid.NewString()
	m.locks[name] = memoryEntry{holder: holder, expires: now.Add(ttl)}
	return &memoryLease{m: m, name: name, holder: holder}, true, nil
}

type memoryLease struct {
	m      *Memory
	name   string
	holder string
}

func (l *memoryLease) Name() string { return l.name }

func (l *memoryLease) AssertHeld(_ context.Context) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	e, ok := l.m.locks[l.name]
	if !ok || e.holder != l.holder || !e.expires.After(l.m.now()) {
		return ErrLockLost
	}
	return nil
}

func (l *memoryLease) Release(_ context.Context) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	if e, ok := l.m.locks[l.name]; ok && e.holder == l.holder {
		delete(l.m.locks, l.name)
	}
	return nil
}

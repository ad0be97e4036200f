// Пакет memstore — in-memory реализация репозиториев.
// Используется при SO_STORE_DRIVER=memory и в тестах сервисного слоя.
// Транзакция — эксклюзивная блокировка всего хранилища со снимком для отката.
package memstore

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/domain/model"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/repository"
)

type ownerKey struct {
	tenant   string
	kind     model.RequestKind
	checksum string
	storage  string
	owner    string
}

type cacheKey struct {
	tenant   string
	checksum string
}

type quotaKey struct {
	tenant string
	user   string
}

type state struct {
	refs      map[string]*model.FileReference
	requests  map[string]*model.Request
	reqOwners map[ownerKey]string
	caches    map[cacheKey]*model.CacheFile
	quotas    map[quotaKey]int64
	tenants   map[string]bool
}

func newState() *state {
	return &state{
		refs:      make(map[string]*model.FileReference),
		requests:  make(map[string]*model.Request),
		reqOwners: make(map[ownerKey]string),
		caches:    make(map[cacheKey]*model.CacheFile),
		quotas:    make(map[quotaKey]int64),
		tenants:   make(map[string]bool),
	}
}

// clone — глубокая копия для отката транзакции.
func (s *state) clone() *state {
	c := &state{
		refs:      make(map[string]*model.FileReference, len(s.refs)),
		requests:  make(map[string]*model.Request, len(s.requests)),
		reqOwners: maps.Clone(s.reqOwners),
		caches:    make(map[cacheKey]*model.CacheFile, len(s.caches)),
		quotas:    maps.Clone(s.quotas),
		tenants:   maps.Clone(s.tenants),
	}
	for id, ref := range s.refs {
		c.refs[id] = cloneRef(ref)
	}
	for id, req := range s.requests {
		c.requests[id] = req.Clone()
	}
	for k, cf := range s.caches {
		v := *cf
		c.caches[k] = &v
	}
	return c
}

// Store — in-memory хранилище, реализует repository.Store.
type Store struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time
}

// New создаёт пустое хранилище.
func New() *Store {
	return &Store{st: newState(), now: time.Now}
}

// SetClock подменяет источник времени (для тестов).
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Repos возвращает репозитории, каждый вызов которых атомарен.
func (s *Store) Repos() repository.Repositories {
	return s.repos(false)
}

// RunInTx выполняет fn под эксклюзивной блокировкой.
// При ошибке или панике состояние восстанавливается из снимка.
// Вложенные вызовы RunInTx не поддерживаются.
func (s *Store) RunInTx(_ context.Context, fn func(r repository.Repositories) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	defer func() {
		if p := recover(); p != nil {
			s.st = snapshot
			panic(p)
		}
	}()

	if err := fn(s.repos(true)); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (s *Store) repos(locked bool) repository.Repositories {
	b := base{s: s, locked: locked}
	return repository.Repositories{
		Files:    &fileRepo{b},
		Requests: &requestRepo{b},
		Caches:   &cacheRepo{b},
		Quotas:   &quotaRepo{b},
		Tenants:  &tenantRepo{b},
	}
}

// base — общий доступ к состоянию: захватывает мьютекс вне транзакции.
type base struct {
	s      *Store
	locked bool
}

func (b base) with(fn func(st *state, now time.Time) error) error {
	if !b.locked {
		b.s.mu.Lock()
		defer b.s.mu.Unlock()
	}
	return fn(b.s.st, b.s.now())
}

var _ repository.Store = (*Store)(nil)

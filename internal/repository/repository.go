// Пакет repository — слой доступа к данным PostgreSQL.
// Все запросы — чистый SQL через pgx, без ORM.
// Контракты репозиториев реализуются также in-memory хранилищем (memstore).
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — конфликт уникальности (дублирующийся ресурс).
	ErrConflict = errors.New("конфликт — запись уже существует")
)

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx, что позволяет
// использовать репозитории как внутри, так и вне транзакций.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Page — параметры постраничной выборки.
type Page struct {
	Limit  int
	Offset int
}

// Normalize ограничивает limit диапазоном [1, 1000] (по умолчанию 100).
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = 100
	}
	if p.Limit > 1000 {
		p.Limit = 1000
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Repositories — набор репозиториев, разделяющих одно подключение или транзакцию.
type Repositories struct {
	Files    FileReferenceRepository
	Requests RequestRepository
	Caches   CacheFileRepository
	Quotas   QuotaRepository
	Tenants  TenantRepository
}

// New создаёт набор репозиториев поверх db (пул или транзакция).
func New(db DBTX) Repositories {
	return Repositories{
		Files:    NewFileReferenceRepository(db),
		Requests: NewRequestRepository(db),
		Caches:   NewCacheFileRepository(db),
		Quotas:   NewQuotaRepository(db),
		Tenants:  NewTenantRepository(db),
	}
}

// Store — точка доступа к хранилищу: репозитории вне транзакции
// и выполнение функции в транзакции.
type Store interface {
	// Repos возвращает репозитории, работающие вне транзакции.
	Repos() Repositories
	// RunInTx выполняет fn внутри транзакции.
	// При ошибке fn транзакция откатывается, при успехе коммитится.
	RunInTx(ctx context.Context, fn func(r Repositories) error) error
}

// PostgresStore — Store поверх pgxpool.
type PostgresStore struct {
	pool  *pgxpool.Pool
	repos Repositories
}

// NewPostgresStore создаёт хранилище PostgreSQL.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, repos: New(pool)}
}

// Repos возвращает репозитории поверх пула.
func (s *PostgresStore) Repos() Repositories {
	return s.repos
}

// RunInTx выполняет fn внутри транзакции.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(r Repositories) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // откат после коммита — no-op

	if err := fn(New(tx)); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// isUniqueViolation проверяет, является ли ошибка нарушением уникальности PostgreSQL.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// TenantRepository — таблица tenants.
type TenantRepository interface {
	// ListActive возвращает идентификаторы активных tenants по алфавиту.
	ListActive(ctx context.Context) ([]string, error)
	// Ensure регистрирует tenants как активные (существующие не меняются).
	Ensure(ctx context.Context, ids []string) error
}

type tenantRepo struct {
	db DBTX
}

// NewTenantRepository создаёт репозиторий tenants.
func NewTenantRepository(db DBTX) TenantRepository {
	return &tenantRepo{db: db}
}

func (r *tenantRepo) ListActive(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM tenants WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения tenants: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("ошибка получения tenants: %w", err)
	}
	return ids, nil
}

func (r *tenantRepo) Ensure(ctx context.Context, ids []string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO tenants (id)
		SELECT t FROM unnest($1::text[]) AS t
		ON CONFLICT (id) DO NOTHING`, ids)
	if err != nil {
		return fmt.Errorf("ошибка регистрации tenants: %w", err)
	}
	return nil
}

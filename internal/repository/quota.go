package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// QuotaRepository — счётчики скачиваний raw data по (tenant, пользователь).
type QuotaRepository interface {
	// IncrementRaw увеличивает счётчик, если он меньше limit.
	// Возвращает новое значение и false, если лимит уже достигнут.
	IncrementRaw(ctx context.Context, tenant, user string, limit int64) (int64, bool, error)
	// GetRaw возвращает текущее значение счётчика (0, если записи нет).
	GetRaw(ctx context.Context, tenant, user string) (int64, error)
}

type quotaRepo struct {
	db DBTX
}

// NewQuotaRepository создаёт репозиторий квот.
func NewQuotaRepository(db DBTX) QuotaRepository {
	return &quotaRepo{db: db}
}

func (r *quotaRepo) IncrementRaw(ctx context.Context, tenant, user string, limit int64) (int64, bool, error) {
	if limit <= 0 {
		count, err := r.GetRaw(ctx, tenant, user)
		return count, false, err
	}

	var count int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO download_quotas (tenant, user_id, raw_count)
		VALUES ($1, $2, 1)
		ON CONFLICT (tenant, user_id) DO UPDATE
			SET raw_count = download_quotas.raw_count + 1, updated_at = NOW()
			WHERE download_quotas.raw_count < $3
		RETURNING raw_count`, tenant, user, limit).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			count, err := r.GetRaw(ctx, tenant, user)
			return count, false, err
		}
		return 0, false, fmt.Errorf("ошибка обновления квоты: %w", err)
	}
	return count, true, nil
}

func (r *quotaRepo) GetRaw(ctx context.Context, tenant, user string) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx,
		`SELECT raw_count FROM download_quotas WHERE tenant = $1 AND user_id = $2`,
		tenant, user).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("ошибка получения квоты: %w", err)
	}
	return count, nil
}

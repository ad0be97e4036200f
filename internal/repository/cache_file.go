package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/domain/model"
)

// CacheFileRepository — записи кэша восстановленных nearline-файлов.
type CacheFileRepository interface {
	// GetValid возвращает запись с expiration_date позже now.
	// Просроченная запись не возвращается (ErrNotFound).
	GetValid(ctx context.Context, tenant, checksum string, now time.Time) (*model.CacheFile, error)
	// Upsert создаёт или заменяет запись.
	Upsert(ctx context.Context, cf *model.CacheFile) error
	// ListExpired возвращает до limit просроченных записей.
	ListExpired(ctx context.Context, tenant string, now time.Time, limit int) ([]*model.CacheFile, error)
	// Delete удаляет запись.
	Delete(ctx context.Context, tenant, checksum string) error
	// TotalSize возвращает суммарный размер записей tenant.
	TotalSize(ctx context.Context, tenant string) (int64, error)
}

type cacheFileRepo struct {
	db DBTX
}

// NewCacheFileRepository создаёт репозиторий кэша.
func NewCacheFileRepository(db DBTX) CacheFileRepository {
	return &cacheFileRepo{db: db}
}

const cacheFileColumns = `tenant, checksum, location, external, file_size, mime_type,
	file_type, expiration_date, created_at`

func scanCacheFile(row pgx.Row) (*model.CacheFile, error) {
	cf := &model.CacheFile{}
	err := row.Scan(
		&cf.Tenant, &cf.Checksum, &cf.Location, &cf.External, &cf.FileSize,
		&cf.MimeType, &cf.Type, &cf.ExpirationDate, &cf.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return cf, nil
}

func (r *cacheFileRepo) GetValid(ctx context.Context, tenant, checksum string, now time.Time) (*model.CacheFile, error) {
	query := `SELECT ` + cacheFileColumns + `
		FROM cache_files
		WHERE tenant = $1 AND checksum = $2 AND expiration_date > $3`

	cf, err := scanCacheFile(r.db.QueryRow(ctx, query, tenant, checksum, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения записи кэша: %w", err)
	}
	return cf, nil
}

func (r *cacheFileRepo) Upsert(ctx context.Context, cf *model.CacheFile) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO cache_files (tenant, checksum, location, external, file_size,
			mime_type, file_type, expiration_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant, checksum) DO UPDATE SET
			location = EXCLUDED.location,
			external = EXCLUDED.external,
			file_size = EXCLUDED.file_size,
			mime_type = EXCLUDED.mime_type,
			file_type = EXCLUDED.file_type,
			expiration_date = EXCLUDED.expiration_date,
			created_at = NOW()
		RETURNING created_at`,
		cf.Tenant, cf.Checksum, cf.Location, cf.External, cf.FileSize,
		cf.MimeType, cf.Type, cf.ExpirationDate,
	).Scan(&cf.CreatedAt)
	if err != nil {
		return fmt.Errorf("ошибка сохранения записи кэша: %w", err)
	}
	return nil
}

func (r *cacheFileRepo) ListExpired(ctx context.Context, tenant string, now time.Time, limit int) ([]*model.CacheFile, error) {
	rows, err := r.db.Query(ctx, `SELECT `+cacheFileColumns+`
		FROM cache_files
		WHERE tenant = $1 AND expiration_date <= $2
		ORDER BY expiration_date
		LIMIT $3`, tenant, now, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения просроченных записей кэша: %w", err)
	}
	defer rows.Close()

	var result []*model.CacheFile
	for rows.Next() {
		cf, err := scanCacheFile(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи кэша: %w", err)
		}
		result = append(result, cf)
	}
	return result, rows.Err()
}

func (r *cacheFileRepo) Delete(ctx context.Context, tenant, checksum string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM cache_files WHERE tenant = $1 AND checksum = $2`, tenant, checksum)
	if err != nil {
		return fmt.Errorf("ошибка удаления записи кэша: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *cacheFileRepo) TotalSize(ctx context.Context, tenant string) (int64, error) {
	var total int64
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(file_size), 0)::BIGINT FROM cache_files WHERE tenant = $1`, tenant).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта размера кэша: %w", err)
	}
	return total, nil
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/domain/model"
)

// FileReferenceRepository — каталог ссылок на файлы и их владельцев.
// Все методы принимают tenant явно.
type FileReferenceRepository interface {
	// GetByStorageChecksum возвращает ссылку по (storage, checksum).
	GetByStorageChecksum(ctx context.Context, tenant, storage, checksum string) (*model.FileReference, error)
	// LockByStorageChecksum — то же с блокировкой строки до конца транзакции.
	LockByStorageChecksum(ctx context.Context, tenant, storage, checksum string) (*model.FileReference, error)
	// ListByChecksum возвращает ссылки на checksum во всех местах хранения.
	ListByChecksum(ctx context.Context, tenant, checksum string) ([]*model.FileReference, error)
	// Create создаёт ссылку с владельцами. ErrConflict при дубликате (storage, checksum).
	Create(ctx context.Context, ref *model.FileReference) error
	// UpdateLocation обновляет расположение и размер файла.
	UpdateLocation(ctx context.Context, tenant, id string, loc model.FileLocation, fileSize int64) error
	// AddOwners добавляет отсутствующих владельцев. Возвращает фактически добавленных.
	AddOwners(ctx context.Context, tenant, id string, owners []string) ([]string, error)
	// RemoveOwners удаляет владельцев. Возвращает число оставшихся.
	RemoveOwners(ctx context.Context, tenant, id string, owners []string) (int, error)
	// SetNearlineConfirmed выставляет флаг nearlineConfirmed.
	SetNearlineConfirmed(ctx context.Context, tenant, id string, confirmed bool) error
	// Delete удаляет ссылку вместе с владельцами.
	Delete(ctx context.Context, tenant, id string) error
	// Search возвращает страницу ссылок по фильтру и общее количество.
	Search(ctx context.Context, tenant string, filter FileFilter, page Page) ([]*model.FileReference, int, error)
}

// FileFilter — фильтры поиска ссылок. Пустые поля не учитываются.
type FileFilter struct {
	Checksum string
	Storage  string
	Owner    string
}

type fileReferenceRepo struct {
	db DBTX
}

// NewFileReferenceRepository создаёт репозиторий ссылок на файлы.
func NewFileReferenceRepository(db DBTX) FileReferenceRepository {
	return &fileReferenceRepo{db: db}
}

const fileReferenceColumns = `
	f.id, f.tenant, f.checksum, f.algorithm, f.file_name, f.file_size, f.mime_type,
	f.height, f.width, f.file_type, f.storage, f.url, f.pending_action_remaining,
	f.referenced, f.nearline_confirmed, f.stored_at, f.updated_at,
	COALESCE((SELECT array_agg(o.owner ORDER BY o.owner)
		FROM file_reference_owners o WHERE o.file_reference_id = f.id), '{}')`

func scanFileReference(row pgx.Row) (*model.FileReference, error) {
	ref := &model.FileReference{}
	err := row.Scan(
		&ref.ID, &ref.Tenant, &ref.MetaInfo.Checksum, &ref.MetaInfo.Algorithm,
		&ref.MetaInfo.FileName, &ref.MetaInfo.FileSize, &ref.MetaInfo.MimeType,
		&ref.MetaInfo.Height, &ref.MetaInfo.Width, &ref.MetaInfo.Type,
		&ref.Location.Storage, &ref.Location.URL, &ref.Location.PendingActionRemaining,
		&ref.Referenced, &ref.NearlineConfirmed, &ref.StoredAt, &ref.UpdatedAt,
		&ref.Owners,
	)
	if err != nil {
		return nil, err
	}
	return ref, nil
}

func (r *fileReferenceRepo) getOne(ctx context.Context, query string, args ...any) (*model.FileReference, error) {
	ref, err := scanFileReference(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения ссылки на файл: %w", err)
	}
	return ref, nil
}

func (r *fileReferenceRepo) GetByStorageChecksum(ctx context.Context, tenant, storage, checksum string) (*model.FileReference, error) {
	query := `SELECT` + fileReferenceColumns + `
		FROM file_references f
		WHERE f.tenant = $1 AND f.storage = $2 AND f.checksum = $3`
	return r.getOne(ctx, query, tenant, storage, checksum)
}

func (r *fileReferenceRepo) LockByStorageChecksum(ctx context.Context, tenant, storage, checksum string) (*model.FileReference, error) {
	query := `SELECT` + fileReferenceColumns + `
		FROM file_references f
		WHERE f.tenant = $1 AND f.storage = $2 AND f.checksum = $3
		FOR UPDATE OF f`
	return r.getOne(ctx, query, tenant, storage, checksum)
}

func (r *fileReferenceRepo) ListByChecksum(ctx context.Context, tenant, checksum string) ([]*model.FileReference, error) {
	query := `SELECT` + fileReferenceColumns + `
		FROM file_references f
		WHERE f.tenant = $1 AND f.checksum = $2
		ORDER BY f.stored_at`
	return r.list(ctx, query, tenant, checksum)
}

func (r *fileReferenceRepo) list(ctx context.Context, query string, args ...any) ([]*model.FileReference, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения ссылок на файлы: %w", err)
	}
	defer rows.Close()

	var result []*model.FileReference
	for rows.Next() {
		ref, err := scanFileReference(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования ссылки на файл: %w", err)
		}
		result = append(result, ref)
	}
	return result, rows.Err()
}

func (r *fileReferenceRepo) Create(ctx context.Context, ref *model.FileReference) error {
	query := `
		INSERT INTO file_references (id, tenant, checksum, algorithm, file_name, file_size,
			mime_type, height, width, file_type, storage, url, pending_action_remaining,
			referenced, nearline_confirmed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING stored_at, updated_at`

	m := ref.MetaInfo
	err := r.db.QueryRow(ctx, query,
		ref.ID, ref.Tenant, m.Checksum, m.Algorithm, m.FileName, m.FileSize,
		m.MimeType, m.Height, m.Width, m.Type, ref.Location.Storage, ref.Location.URL,
		ref.Location.PendingActionRemaining, ref.Referenced, ref.NearlineConfirmed,
	).Scan(&ref.StoredAt, &ref.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: ссылка на %s в %s уже существует", ErrConflict, m.Checksum, ref.Location.Storage)
		}
		return fmt.Errorf("ошибка создания ссылки на файл: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO file_reference_owners (file_reference_id, owner)
		SELECT $1, o FROM unnest($2::text[]) AS o
		ON CONFLICT DO NOTHING`, ref.ID, ref.Owners)
	if err != nil {
		return fmt.Errorf("ошибка добавления владельцев: %w", err)
	}
	return nil
}

func (r *fileReferenceRepo) UpdateLocation(ctx context.Context, tenant, id string, loc model.FileLocation, fileSize int64) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE file_references
		SET url = $3, pending_action_remaining = $4, file_size = $5, updated_at = NOW()
		WHERE tenant = $1 AND id = $2`,
		tenant, id, loc.URL, loc.PendingActionRemaining, fileSize)
	if err != nil {
		return fmt.Errorf("ошибка обновления расположения файла: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// touch обновляет updated_at и проверяет принадлежность ссылки tenant.
func (r *fileReferenceRepo) touch(ctx context.Context, tenant, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE file_references SET updated_at = NOW() WHERE tenant = $1 AND id = $2`, tenant, id)
	if err != nil {
		return fmt.Errorf("ошибка обновления ссылки на файл: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *fileReferenceRepo) AddOwners(ctx context.Context, tenant, id string, owners []string) ([]string, error) {
	if err := r.touch(ctx, tenant, id); err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, `
		INSERT INTO file_reference_owners (file_reference_id, owner)
		SELECT $1, o FROM unnest($2::text[]) AS o
		ON CONFLICT DO NOTHING
		RETURNING owner`, id, owners)
	if err != nil {
		return nil, fmt.Errorf("ошибка добавления владельцев: %w", err)
	}
	added, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("ошибка добавления владельцев: %w", err)
	}
	return added, nil
}

func (r *fileReferenceRepo) RemoveOwners(ctx context.Context, tenant, id string, owners []string) (int, error) {
	if err := r.touch(ctx, tenant, id); err != nil {
		return 0, err
	}

	if _, err := r.db.Exec(ctx,
		`DELETE FROM file_reference_owners WHERE file_reference_id = $1 AND owner = ANY($2)`,
		id, owners); err != nil {
		return 0, fmt.Errorf("ошибка удаления владельцев: %w", err)
	}

	var remaining int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM file_reference_owners WHERE file_reference_id = $1`, id).Scan(&remaining)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта владельцев: %w", err)
	}
	return remaining, nil
}

func (r *fileReferenceRepo) SetNearlineConfirmed(ctx context.Context, tenant, id string, confirmed bool) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE file_references SET nearline_confirmed = $3, updated_at = NOW()
		WHERE tenant = $1 AND id = $2`, tenant, id, confirmed)
	if err != nil {
		return fmt.Errorf("ошибка обновления nearline_confirmed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *fileReferenceRepo) Delete(ctx context.Context, tenant, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM file_references WHERE tenant = $1 AND id = $2`, tenant, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления ссылки на файл: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// buildFileWhere строит WHERE-условие и аргументы для поиска ссылок.
func buildFileWhere(tenant string, filter FileFilter) (string, []any) {
	conditions := []string{"f.tenant = $1"}
	args := []any{tenant}

	if filter.Checksum != "" {
		args = append(args, filter.Checksum)
		conditions = append(conditions, fmt.Sprintf("f.checksum = $%d", len(args)))
	}
	if filter.Storage != "" {
		args = append(args, filter.Storage)
		conditions = append(conditions, fmt.Sprintf("f.storage = $%d", len(args)))
	}
	if filter.Owner != "" {
		args = append(args, filter.Owner)
		conditions = append(conditions, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM file_reference_owners o WHERE o.file_reference_id = f.id AND o.owner = $%d)",
			len(args)))
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

func (r *fileReferenceRepo) Search(ctx context.Context, tenant string, filter FileFilter, page Page) ([]*model.FileReference, int, error) {
	page = page.Normalize()
	where, args := buildFileWhere(tenant, filter)

	var total int
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM file_references f "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ошибка подсчёта ссылок на файлы: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s
		FROM file_references f
		%s
		ORDER BY f.stored_at DESC, f.id
		LIMIT $%d OFFSET $%d`, fileReferenceColumns, where, len(args)+1, len(args)+2)
	args = append(args, page.Limit, page.Offset)

	items, err := r.list(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

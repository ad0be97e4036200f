package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/domain/model"
)

// RequestRepository — хранилище запросов жизненного цикла.
type RequestRepository interface {
	// Insert создаёт запрос с владельцами. Должен выполняться в транзакции.
	// ErrConflict, если для (kind, checksum, storage, owner) уже есть незавершённый запрос.
	Insert(ctx context.Context, req *model.Request) error
	// GetByID возвращает запрос по идентификатору.
	GetByID(ctx context.Context, tenant, id string) (*model.Request, error)
	// ExistsInFlight проверяет наличие выполняющегося запроса вида kind на (checksum, storage).
	// Запросы в DONE и ERROR не учитываются: ERROR ждёт повтора и ничего не блокирует.
	ExistsInFlight(ctx context.Context, tenant string, kind model.RequestKind, checksum, storage string) (bool, error)
	// ClaimBatch переводит до limit запросов TO_DO одного места хранения в RUNNING.
	// Порядок: самые старые по COALESCE(submitted_at, created_at).
	ClaimBatch(ctx context.Context, tenant string, kind model.RequestKind, storage string, limit int) ([]*model.Request, error)
	// StoragesWithStatus возвращает места хранения, для которых есть запросы в статусе.
	StoragesWithStatus(ctx context.Context, tenant string, kind model.RequestKind, status model.RequestStatus) ([]string, error)
	// UpdateStatus сохраняет status, error_cause и attempts.
	UpdateStatus(ctx context.Context, req *model.Request) error
	// Delete удаляет запрос вместе с владельцами.
	Delete(ctx context.Context, tenant, id string) error
	// ReleasePending переводит PENDING-запросы вида kind на (checksum, storage) в TO_DO.
	ReleasePending(ctx context.Context, tenant string, kind model.RequestKind, checksum, storage string) (int, error)
	// ReleaseDelayed переводит DELAYED-запросы, обновлённые до before, в TO_DO.
	ReleaseDelayed(ctx context.Context, tenant string, before time.Time) (int, error)
	// RetryErrors переводит ERROR-запросы, подходящие под фильтр, в TO_DO со сбросом попыток.
	RetryErrors(ctx context.Context, tenant string, filter RequestFilter) (int, error)
	// ListStaleRunning возвращает RUNNING-запросы, не обновлявшиеся с before.
	ListStaleRunning(ctx context.Context, tenant string, before time.Time, limit int) ([]*model.Request, error)
	// Search возвращает страницу запросов по фильтру и общее количество.
	Search(ctx context.Context, tenant string, filter RequestFilter, page Page) ([]*model.Request, int, error)
}

// RequestFilter — фильтры поиска запросов. Пустые поля не учитываются.
type RequestFilter struct {
	Kind     model.RequestKind
	Status   model.RequestStatus
	GroupID  string
	Checksum string
	Storage  string
}

type requestRepo struct {
	db DBTX
}

// NewRequestRepository создаёт репозиторий запросов.
func NewRequestRepository(db DBTX) RequestRepository {
	return &requestRepo{db: db}
}

const requestColumns = `id, tenant, kind, status, checksum, storage, meta_info, origin_url,
	sub_directory, group_id, session_owner, session, expiration_date, error_cause,
	attempts, submitted_at, created_at, updated_at`

func scanRequest(row pgx.Row) (*model.Request, error) {
	req := &model.Request{}
	err := row.Scan(
		&req.ID, &req.Tenant, &req.Kind, &req.Status, &req.Checksum, &req.Storage,
		&req.MetaInfo, &req.OriginURL, &req.SubDirectory, &req.GroupID,
		&req.SessionOwner, &req.Session, &req.ExpirationDate, &req.ErrorCause,
		&req.Attempts, &req.SubmittedAt, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return req, nil
}

// queryRequests выполняет выборку и подгружает владельцев.
func (r *requestRepo) queryRequests(ctx context.Context, query string, args ...any) ([]*model.Request, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения запросов: %w", err)
	}
	defer rows.Close()

	var result []*model.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования запроса: %w", err)
		}
		result = append(result, req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.loadOwners(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *requestRepo) loadOwners(ctx context.Context, reqs []*model.Request) error {
	if len(reqs) == 0 {
		return nil
	}
	byID := make(map[string]*model.Request, len(reqs))
	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		byID[req.ID] = req
		ids = append(ids, req.ID)
	}

	rows, err := r.db.Query(ctx, `
		SELECT request_id, owner FROM request_owners
		WHERE request_id = ANY($1)
		ORDER BY request_id, owner`, ids)
	if err != nil {
		return fmt.Errorf("ошибка получения владельцев запросов: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, owner string
		if err := rows.Scan(&id, &owner); err != nil {
			return fmt.Errorf("ошибка сканирования владельца запроса: %w", err)
		}
		if req, ok := byID[id]; ok {
			req.Owners = append(req.Owners, owner)
		}
	}
	return rows.Err()
}

func (r *requestRepo) Insert(ctx context.Context, req *model.Request) error {
	query := `
		INSERT INTO requests (id, tenant, kind, status, checksum, storage, meta_info,
			origin_url, sub_directory, group_id, session_owner, session, expiration_date,
			error_cause, attempts, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		req.ID, req.Tenant, req.Kind, req.Status, req.Checksum, req.Storage, req.MetaInfo,
		req.OriginURL, req.SubDirectory, req.GroupID, req.SessionOwner, req.Session,
		req.ExpirationDate, req.ErrorCause, req.Attempts, req.SubmittedAt,
	).Scan(&req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: запрос %s уже существует", ErrConflict, req.ID)
		}
		return fmt.Errorf("ошибка создания запроса: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO request_owners (request_id, tenant, kind, checksum, storage, owner)
		SELECT $1, $2, $3, $4, $5, o FROM unnest($6::text[]) AS o`,
		req.ID, req.Tenant, req.Kind, req.Checksum, req.Storage, req.Owners)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: незавершённый запрос %s на %s в %s для владельца уже существует",
				ErrConflict, req.Kind, req.Checksum, req.Storage)
		}
		return fmt.Errorf("ошибка добавления владельцев запроса: %w", err)
	}
	return nil
}

func (r *requestRepo) GetByID(ctx context.Context, tenant, id string) (*model.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE tenant = $1 AND id = $2`

	req, err := scanRequest(r.db.QueryRow(ctx, query, tenant, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения запроса: %w", err)
	}
	if err := r.loadOwners(ctx, []*model.Request{req}); err != nil {
		return nil, err
	}
	return req, nil
}

func (r *requestRepo) ExistsInFlight(ctx context.Context, tenant string, kind model.RequestKind, checksum, storage string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM requests
			WHERE tenant = $1 AND kind = $2 AND checksum = $3 AND storage = $4
				AND status NOT IN ('DONE', 'ERROR')
		)`, tenant, kind, checksum, storage).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки незавершённых запросов: %w", err)
	}
	return exists, nil
}

func (r *requestRepo) ClaimBatch(ctx context.Context, tenant string, kind model.RequestKind, storage string, limit int) ([]*model.Request, error) {
	query := `
		UPDATE requests SET status = 'RUNNING', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM requests
			WHERE tenant = $1 AND kind = $2 AND storage = $3 AND status = 'TO_DO'
			ORDER BY COALESCE(submitted_at, created_at), id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + requestColumns

	reqs, err := r.queryRequests(ctx, query, tenant, kind, storage, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки пакета запросов: %w", err)
	}
	// RETURNING не гарантирует порядок
	slices.SortStableFunc(reqs, func(a, b *model.Request) int {
		if c := a.OrderTime().Compare(b.OrderTime()); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return reqs, nil
}

func (r *requestRepo) StoragesWithStatus(ctx context.Context, tenant string, kind model.RequestKind, status model.RequestStatus) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT storage FROM requests
		WHERE tenant = $1 AND kind = $2 AND status = $3
		GROUP BY storage
		ORDER BY MIN(COALESCE(submitted_at, created_at))`, tenant, kind, status)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения мест хранения: %w", err)
	}
	storages, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("ошибка получения мест хранения: %w", err)
	}
	return storages, nil
}

func (r *requestRepo) UpdateStatus(ctx context.Context, req *model.Request) error {
	err := r.db.QueryRow(ctx, `
		UPDATE requests SET status = $3, error_cause = $4, attempts = $5, updated_at = NOW()
		WHERE tenant = $1 AND id = $2
		RETURNING updated_at`,
		req.Tenant, req.ID, req.Status, req.ErrorCause, req.Attempts,
	).Scan(&req.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("ошибка обновления статуса запроса: %w", err)
	}
	return nil
}

func (r *requestRepo) Delete(ctx context.Context, tenant, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM requests WHERE tenant = $1 AND id = $2`, tenant, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления запроса: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *requestRepo) ReleasePending(ctx context.Context, tenant string, kind model.RequestKind, checksum, storage string) (int, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE requests SET status = 'TO_DO', updated_at = NOW()
		WHERE tenant = $1 AND kind = $2 AND checksum = $3 AND storage = $4 AND status = 'PENDING'`,
		tenant, kind, checksum, storage)
	if err != nil {
		return 0, fmt.Errorf("ошибка освобождения ожидающих запросов: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *requestRepo) ReleaseDelayed(ctx context.Context, tenant string, before time.Time) (int, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE requests SET status = 'TO_DO', updated_at = NOW()
		WHERE tenant = $1 AND status = 'DELAYED' AND updated_at <= $2`, tenant, before)
	if err != nil {
		return 0, fmt.Errorf("ошибка освобождения отложенных запросов: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// buildRequestWhere строит WHERE-условие для фильтра запросов.
func buildRequestWhere(tenant string, filter RequestFilter) (string, []any) {
	conditions := []string{"tenant = $1"}
	args := []any{tenant}

	add := func(column string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if filter.Kind != "" {
		add("kind", filter.Kind)
	}
	if filter.Status != "" {
		add("status", filter.Status)
	}
	if filter.GroupID != "" {
		add("group_id", filter.GroupID)
	}
	if filter.Checksum != "" {
		add("checksum", filter.Checksum)
	}
	if filter.Storage != "" {
		add("storage", filter.Storage)
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

func (r *requestRepo) RetryErrors(ctx context.Context, tenant string, filter RequestFilter) (int, error) {
	filter.Status = model.StatusError
	where, args := buildRequestWhere(tenant, filter)

	tag, err := r.db.Exec(ctx,
		"UPDATE requests SET status = 'TO_DO', error_cause = '', attempts = 0, updated_at = NOW() "+where,
		args...)
	if err != nil {
		return 0, fmt.Errorf("ошибка повтора запросов: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *requestRepo) ListStaleRunning(ctx context.Context, tenant string, before time.Time, limit int) ([]*model.Request, error) {
	query := `SELECT ` + requestColumns + `
		FROM requests
		WHERE tenant = $1 AND status = 'RUNNING' AND updated_at <= $2
		ORDER BY updated_at
		LIMIT $3`
	return r.queryRequests(ctx, query, tenant, before, limit)
}

func (r *requestRepo) Search(ctx context.Context, tenant string, filter RequestFilter, page Page) ([]*model.Request, int, error) {
	page = page.Normalize()
	where, args := buildRequestWhere(tenant, filter)

	var total int
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM requests "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ошибка подсчёта запросов: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM requests %s
		ORDER BY COALESCE(submitted_at, created_at), id
		LIMIT $%d OFFSET $%d`, requestColumns, where, len(args)+1, len(args)+2)
	args = append(args, page.Limit, page.Offset)

	items, err := r.queryRequests(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

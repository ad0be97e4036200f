// lifecycle.go — жизненный цикл запросов: подача, формирование пакетов,
// применение исходов, удаление владельцев, повтор ошибок, поиск.
//
// ApplyOutcome — единственный путь вывода запроса из RUNNING. Ссылки на файлы
// меняются только здесь и в явных операциях добавления/удаления владельцев.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/backend"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/domain/model"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/domain/reqstate"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/event"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/repository"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/tenant"
)

// maxErrorCause — предел длины сохраняемой причины ошибки.
const maxErrorCause = 2048

var (
	requestsSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "so_requests_submitted_total",
		Help: "Количество поданных запросов по виду и результату подачи",
	}, []string{"kind", "result"})

	requestOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "so_request_outcomes_total",
		Help: "Количество применённых исходов запросов по виду и итоговому статусу",
	}, []string{"kind", "status"})
)

// LifecycleConfig — параметры жизненного цикла запросов.
type LifecycleConfig struct {
	// RetryDelay — задержка перед возвратом DELAYED в TO_DO
	RetryDelay time.Duration
	// MaxAttempts — после стольких неудач временная ошибка становится ERROR (0 — без предела)
	MaxAttempts int
	// StaleRunningAfter — RUNNING дольше этого считается брошенным
	StaleRunningAfter time.Duration
	// RestorationTTL — срок жизни восстановленной копии по умолчанию
	RestorationTTL time.Duration
}

// Outcome — исход выполнения одного запроса. Cause == nil — успех.
type Outcome struct {
	Cause    error
	Stored   backend.StoredDetails
	Restored backend.RestoredDetails
}

// OutcomeResult — итог применения исхода.
type OutcomeResult struct {
	Status model.RequestStatus
	// Event — опубликованное событие (пусто для DELAYED)
	Event model.EventKind
}

// PageResult — страница результатов поиска.
type PageResult[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Lifecycle — менеджер жизненного цикла запросов.
type Lifecycle struct {
	store    repository.Store
	registry *Registry
	events   event.Publisher
	cfg      LifecycleConfig
	now      func() time.Time
	logger   *slog.Logger

	// onCacheChange — уведомление об изменении записи кэша (сброс in-memory фронта)
	onCacheChange func(tenant, checksum string)
}

// NewLifecycle создаёт менеджер жизненного цикла.
func NewLifecycle(
	store repository.Store,
	registry *Registry,
	events event.Publisher,
	cfg LifecycleConfig,
	logger *slog.Logger,
) *Lifecycle {
	if events == nil {
		events = event.Noop{}
	}
	if cfg.RestorationTTL <= 0 {
		cfg.RestorationTTL = 24 * time.Hour
	}
	return &Lifecycle{
		store:    store,
		registry: registry,
		events:   events,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "lifecycle")),
	}
}

// SetClock подменяет источник времени (для тестов).
func (l *Lifecycle) SetClock(now func() time.Time) {
	l.now = now
}

// OnCacheChange регистрирует обработчик изменения записи кэша.
func (l *Lifecycle) OnCacheChange(fn func(tenant, checksum string)) {
	l.onCacheChange = fn
}

// --- Подача запросов ---

// Submit проверяет и сохраняет запрос на сохранение, копирование или восстановление.
//
// Если ссылка на (checksum, storage) уже есть, владельцы добавляются к ней сразу,
// а возвращённый запрос имеет статус DONE и не сохраняется. Если на тот же файл
// выполняется удаление, запрос создаётся в PENDING.
//
// Ошибки: ErrValidation, ErrConflict (незавершённый дубликат), ErrNotFound.
func (l *Lifecycle) Submit(ctx context.Context, req *model.Request) (*model.Request, error) {
	tenantID, err := tenant.From(ctx)
	if err != nil {
		return nil, err
	}

	req = req.Clone()
	req.Tenant = tenantID
	if err := l.validate(req); err != nil {
		requestsSubmittedTotal.WithLabelValues(string(req.Kind), "invalid").Inc()
		return nil, err
	}
	req.ID = ulid.Make().String()
	req.Status = model.StatusToDo
	req.ErrorCause = ""
	req.Attempts = 0

	var events []model.FileEvent
	err = l.store.RunInTx(ctx, func(r repository.Repositories) error {
		events = events[:0]
		if req.Kind == model.KindRestoration {
			return l.submitRestoration(ctx, r, req)
		}
		return l.submitStore(ctx, r, req, &events)
	})
	if err != nil {
		result := "error"
		if errors.Is(err, ErrConflict) {
			result = "conflict"
		}
		requestsSubmittedTotal.WithLabelValues(string(req.Kind), result).Inc()
		return nil, err
	}

	requestsSubmittedTotal.WithLabelValues(string(req.Kind), strings.ToLower(string(req.Status))).Inc()
	l.publish(ctx, events)

	l.logger.Debug("Запрос подан",
		slog.String("tenant", req.Tenant),
		slog.String("request_id", req.ID),
		slog.String("kind", string(req.Kind)),
		slog.String("status", string(req.Status)),
		slog.String("checksum", req.Checksum),
		slog.String("storage", req.Storage),
	)
	return req, nil
}

func (l *Lifecycle) validate(req *model.Request) error {
	if !req.Kind.Valid() {
		return fmt.Errorf("%w: неизвестный вид запроса %q", ErrValidation, req.Kind)
	}
	if req.Kind == model.KindDeletion {
		return fmt.Errorf("%w: запросы на удаление создаются операцией удаления владельца", ErrValidation)
	}
	if err := validateChecksum(req.Checksum); err != nil {
		return err
	}

	owners, err := normalizeOwners(req.Owners)
	if err != nil {
		if req.Kind != model.KindRestoration {
			return err
		}
		owners = []string{model.SystemOwner}
	}
	req.Owners = owners

	if req.Storage == "" {
		if err := l.selectStorage(req); err != nil {
			return err
		}
	}
	cfg, ok := l.registry.Config(req.Storage)
	if !ok {
		return fmt.Errorf("%w: неизвестное место хранения %s", ErrValidation, req.Storage)
	}
	if !cfg.Active {
		return fmt.Errorf("%w: место хранения %s неактивно", ErrValidation, req.Storage)
	}

	switch req.Kind {
	case model.KindRestoration:
		if cfg.Tier != model.TierNearline {
			return fmt.Errorf("%w: восстановление возможно только из NEARLINE, %s — %s",
				ErrValidation, req.Storage, cfg.Tier)
		}
	case model.KindStorage:
		if req.OriginURL == "" {
			return fmt.Errorf("%w: не задан источник данных", ErrValidation)
		}
		if err := validateMetaInfo(req); err != nil {
			return err
		}
	case model.KindCopy:
		if req.MetaInfo != nil {
			if err := validateMetaInfo(req); err != nil {
				return err
			}
		}
	}
	return nil
}

// selectStorage назначает запросу без места хранения активное место уровня req.Tier
// с наибольшим приоритетом.
func (l *Lifecycle) selectStorage(req *model.Request) error {
	if req.Tier == "" {
		return fmt.Errorf("%w: не задано место хранения или уровень", ErrValidation)
	}
	tier, err := model.ParseTier(string(req.Tier))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	cfg, ok := l.registry.SelectForTier(tier)
	if !ok {
		return fmt.Errorf("%w: нет активного места хранения уровня %s", ErrValidation, tier)
	}
	req.Storage, req.Tier = cfg.Name, tier
	return nil
}

func validateChecksum(checksum string) error {
	switch {
	case checksum == "":
		return fmt.Errorf("%w: контрольная сумма не задана", ErrValidation)
	case len(checksum) > 128:
		return fmt.Errorf("%w: контрольная сумма длиннее 128 символов", ErrValidation)
	case strings.ContainsAny(checksum, " \t\r\n/\\"):
		return fmt.Errorf("%w: недопустимые символы в контрольной сумме", ErrValidation)
	}
	return nil
}

func validateMetaInfo(req *model.Request) error {
	m := req.MetaInfo
	if m == nil {
		return fmt.Errorf("%w: метаданные файла не заданы", ErrValidation)
	}
	if m.Checksum == "" {
		m.Checksum = req.Checksum
	}
	if m.Checksum != req.Checksum {
		return fmt.Errorf("%w: контрольная сумма метаданных %s не совпадает с %s", ErrValidation, m.Checksum, req.Checksum)
	}
	switch strings.ToUpper(m.Algorithm) {
	case model.AlgorithmMD5, model.AlgorithmSHA256:
		m.Algorithm = strings.ToUpper(m.Algorithm)
	default:
		return fmt.Errorf("%w: неподдерживаемый алгоритм %q, допустимые: MD5, SHA-256", ErrValidation, m.Algorithm)
	}
	if m.FileName == "" {
		return fmt.Errorf("%w: имя файла не задано", ErrValidation)
	}
	if m.FileSize < 0 {
		return fmt.Errorf("%w: отрицательный размер файла", ErrValidation)
	}
	if m.MimeType == "" {
		m.MimeType = "application/octet-stream"
	}
	return nil
}

// normalizeOwners убирает пустые значения и дубликаты, сортирует.
func normalizeOwners(owners []string) ([]string, error) {
	out := make([]string, 0, len(owners))
	for _, o := range owners {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: не задан ни один владелец", ErrValidation)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func (l *Lifecycle) submitStore(ctx context.Context, r repository.Repositories, req *model.Request, events *[]model.FileEvent) error {
	if req.Kind == model.KindCopy {
		if err := l.resolveCopySource(ctx, r, req); err != nil {
			return err
		}
	}

	ref, err := r.Files.LockByStorageChecksum(ctx, req.Tenant, req.Storage, req.Checksum)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	blocked, err := r.Requests.ExistsInFlight(ctx, req.Tenant, model.KindDeletion, req.Checksum, req.Storage)
	if err != nil {
		return err
	}

	if ref != nil && !blocked {
		added, err := r.Files.AddOwners(ctx, req.Tenant, ref.ID, req.Owners)
		if err != nil {
			return err
		}
		req.Status = model.StatusDone
		kind := storedEvent(req.Kind)
		msg := "файл уже сохранён"
		if len(added) > 0 {
			kind = model.EventReferenceUpdated
			msg = "владельцы добавлены к существующей ссылке"
		}
		*events = append(*events, l.newEvent(kind, req, req.Owners, msg))
		return nil
	}

	if blocked {
		req.Status = model.StatusPending
	}
	if err := r.Requests.Insert(ctx, req); err != nil {
		return mapConflict(err)
	}
	return nil
}

// resolveCopySource дополняет запрос копирования метаданными исходной ссылки.
func (l *Lifecycle) resolveCopySource(ctx context.Context, r repository.Repositories, req *model.Request) error {
	refs, err := r.Files.ListByChecksum(ctx, req.Tenant, req.Checksum)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if ref.Storage() == req.Storage || ref.Referenced {
			continue
		}
		if req.MetaInfo == nil {
			m := ref.MetaInfo
			req.MetaInfo = &m
		}
		return nil
	}
	return fmt.Errorf("%w: нет исходной копии файла %s для копирования в %s", ErrNotFound, req.Checksum, req.Storage)
}

func (l *Lifecycle) submitRestoration(ctx context.Context, r repository.Repositories, req *model.Request) error {
	ref, err := r.Files.GetByStorageChecksum(ctx, req.Tenant, req.Storage, req.Checksum)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: файл %s отсутствует в %s", ErrNotFound, req.Checksum, req.Storage)
	}
	if err != nil {
		return err
	}
	l.prepareRestoration(req, ref)
	if err := r.Requests.Insert(ctx, req); err != nil {
		return mapConflict(err)
	}
	return nil
}

func (l *Lifecycle) prepareRestoration(req *model.Request, ref *model.FileReference) {
	req.OriginURL = ref.Location.URL
	if req.MetaInfo == nil {
		m := ref.MetaInfo
		req.MetaInfo = &m
	}
	if req.ExpirationDate == nil {
		exp := l.now().Add(l.cfg.RestorationTTL)
		req.ExpirationDate = &exp
	}
}

// RequestRestoration помечает ссылку как nearline и ставит служебный запрос
// восстановления. Если восстановление уже идёт, новый запрос не создаётся.
// Возвращает true, если запрос создан.
func (l *Lifecycle) RequestRestoration(ctx context.Context, ref *model.FileReference, groupID string) (bool, error) {
	created := false
	err := l.store.RunInTx(ctx, func(r repository.Repositories) error {
		created = false
		if !ref.NearlineConfirmed {
			if err := r.Files.SetNearlineConfirmed(ctx, ref.Tenant, ref.ID, true); err != nil {
				return err
			}
		}
		inFlight, err := r.Requests.ExistsInFlight(ctx, ref.Tenant, model.KindRestoration, ref.Checksum(), ref.Storage())
		if err != nil || inFlight {
			return err
		}

		req := &model.Request{
			ID:       ulid.Make().String(),
			Tenant:   ref.Tenant,
			Kind:     model.KindRestoration,
			Status:   model.StatusToDo,
			Checksum: ref.Checksum(),
			Storage:  ref.Storage(),
			Owners:   []string{model.SystemOwner},
			GroupID:  groupID,
		}
		l.prepareRestoration(req, ref)
		if err := r.Requests.Insert(ctx, req); err != nil {
			return mapConflict(err)
		}
		created = true
		return nil
	})
	if errors.Is(err, ErrConflict) {
		// Параллельная реплика поставила восстановление раньше
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if created {
		requestsSubmittedTotal.WithLabelValues(string(model.KindRestoration), "to_do").Inc()
		l.logger.Info("Поставлено восстановление nearline-файла",
			slog.String("tenant", ref.Tenant),
			slog.String("checksum", ref.Checksum()),
			slog.String("storage", ref.Storage()),
		)
	}
	return created, nil
}

// ReferenceCommand — каталогизация файла без физической копии.
type ReferenceCommand struct {
	MetaInfo     model.FileMetaInfo
	Storage      string
	URL          string
	Owners       []string
	GroupID      string
	SessionOwner string
	Session      string
}

// Reference создаёт ссылку с признаком referenced или добавляет владельцев к существующей.
func (l *Lifecycle) Reference(ctx context.Context, cmd ReferenceCommand) (*model.FileReference, error) {
	tenantID, err := tenant.From(ctx)
	if err != nil {
		return nil, err
	}
	if err := validateChecksum(cmd.MetaInfo.Checksum); err != nil {
		return nil, err
	}
	if cmd.Storage == "" {
		return nil, fmt.Errorf("%w: место хранения не задано", ErrValidation)
	}
	owners, err := normalizeOwners(cmd.Owners)
	if err != nil {
		return nil, err
	}

	evReq := &model.Request{
		Tenant: tenantID, Checksum: cmd.MetaInfo.Checksum, Storage: cmd.Storage, GroupID: cmd.GroupID,
	}
	var (
		out    *model.FileReference
		events []model.FileEvent
	)
	err = l.store.RunInTx(ctx, func(r repository.Repositories) error {
		events = events[:0]
		ref, err := r.Files.LockByStorageChecksum(ctx, tenantID, cmd.Storage, cmd.MetaInfo.Checksum)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if ref != nil {
			deleting, err := r.Requests.ExistsInFlight(ctx, tenantID, model.KindDeletion, cmd.MetaInfo.Checksum, cmd.Storage)
			if err != nil {
				return err
			}
			if deleting {
				return fmt.Errorf("%w: файл %s в %s удаляется", ErrConflict, cmd.MetaInfo.Checksum, cmd.Storage)
			}
			added, err := r.Files.AddOwners(ctx, tenantID, ref.ID, owners)
			if err != nil {
				return err
			}
			if len(added) > 0 {
				events = append(events, l.newEvent(model.EventReferenceUpdated, evReq, added, "владельцы добавлены к ссылке"))
			}
			out, err = r.Files.GetByStorageChecksum(ctx, tenantID, cmd.Storage, cmd.MetaInfo.Checksum)
			return err
		}

		out = &model.FileReference{
			ID:         uuid.NewString(),
			Tenant:     tenantID,
			MetaInfo:   cmd.MetaInfo,
			Location:   model.FileLocation{Storage: cmd.Storage, URL: cmd.URL},
			Owners:     owners,
			Referenced: true,
		}
		if err := r.Files.Create(ctx, out); err != nil {
			return mapConflict(err)
		}
		events = append(events, l.newEvent(model.EventStored, evReq, owners, "файл каталогизирован без физической копии"))
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.publish(ctx, events)
	return out, nil
}

// --- Удаление владельцев ---

// DeleteCommand — удаление владельца файла.
type DeleteCommand struct {
	Checksum string
	// Storage — место хранения (пусто — во всех)
	Storage      string
	Owner        string
	GroupID      string
	SessionOwner string
	Session      string
}

// DeleteResult — итог удаления владельца.
type DeleteResult struct {
	// OwnerRemoved — места хранения, где владелец удалён сразу (остались другие)
	OwnerRemoved []string `json:"ownerRemoved"`
	// Requests — запросы на удаление последнего владельца
	Requests []*model.Request `json:"requests"`
}

// Delete удаляет владельца. Если владелец не последний, он снимается сразу
// (событие DELETED_FOR_OWNER). Удаление последнего владельца ставит запрос на удаление:
// ссылка и её последний владелец существуют до успешного выполнения запроса.
func (l *Lifecycle) Delete(ctx context.Context, cmd DeleteCommand) (*DeleteResult, error) {
	tenantID, err := tenant.From(ctx)
	if err != nil {
		return nil, err
	}
	if err := validateChecksum(cmd.Checksum); err != nil {
		return nil, err
	}
	if cmd.Owner = strings.TrimSpace(cmd.Owner); cmd.Owner == "" {
		return nil, fmt.Errorf("%w: владелец не задан", ErrValidation)
	}

	var storages []string
	refs, err := l.store.Repos().Files.ListByChecksum(ctx, tenantID, cmd.Checksum)
	if err != nil {
		return nil, err
	}
	for _, ref := range refs {
		if (cmd.Storage == "" || ref.Storage() == cmd.Storage) && ref.HasOwner(cmd.Owner) {
			storages = append(storages, ref.Storage())
		}
	}
	if len(storages) == 0 {
		return nil, fmt.Errorf("%w: у владельца %s нет файла %s", ErrNotFound, cmd.Owner, cmd.Checksum)
	}

	result := &DeleteResult{}
	conflicts := 0
	for _, storage := range storages {
		var events []model.FileEvent
		var created *model.Request
		err := l.store.RunInTx(ctx, func(r repository.Repositories) error {
			events, created = events[:0], nil
			ref, err := r.Files.LockByStorageChecksum(ctx, tenantID, storage, cmd.Checksum)
			if errors.Is(err, repository.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if !ref.HasOwner(cmd.Owner) {
				return nil
			}

			evReq := &model.Request{Tenant: tenantID, Checksum: cmd.Checksum, Storage: storage, GroupID: cmd.GroupID}
			if len(ref.Owners) > 1 {
				if _, err := r.Files.RemoveOwners(ctx, tenantID, ref.ID, []string{cmd.Owner}); err != nil {
					return err
				}
				events = append(events, l.newEvent(model.EventDeletedForOwner, evReq, []string{cmd.Owner}, "владелец удалён"))
				return nil
			}

			req := &model.Request{
				ID:           ulid.Make().String(),
				Tenant:       tenantID,
				Kind:         model.KindDeletion,
				Status:       model.StatusToDo,
				Checksum:     cmd.Checksum,
				Storage:      storage,
				OriginURL:    ref.Location.URL,
				Owners:       []string{cmd.Owner},
				GroupID:      cmd.GroupID,
				SessionOwner: cmd.SessionOwner,
				Session:      cmd.Session,
			}
			if err := r.Requests.Insert(ctx, req); err != nil {
				return mapConflict(err)
			}
			created = req
			return nil
		})
		switch {
		case errors.Is(err, ErrConflict):
			conflicts++
			continue
		case err != nil:
			return nil, err
		}

		l.publish(ctx, events)
		if created != nil {
			requestsSubmittedTotal.WithLabelValues(string(model.KindDeletion), "to_do").Inc()
			result.Requests = append(result.Requests, created)
		} else if len(events) > 0 {
			result.OwnerRemoved = append(result.OwnerRemoved, storage)
		}
	}

	if conflicts > 0 && len(result.Requests) == 0 && len(result.OwnerRemoved) == 0 {
		return nil, fmt.Errorf("%w: удаление %s для %s уже выполняется", ErrConflict, cmd.Checksum, cmd.Owner)
	}
	return result, nil
}

// --- Пакеты ---

// PendingStorages возвращает места хранения с запросами TO_DO вида kind,
// начиная с места хранения самого старого запроса.
func (l *Lifecycle) PendingStorages(ctx context.Context, kind model.RequestKind) ([]string, error) {
	tenantID, err := tenant.From(ctx)
	if err != nil {
		return nil, err
	}
	return l.store.Repos().Requests.StoragesWithStatus(ctx, tenantID, kind, model.StatusToDo)
}

// ScheduleBatch переводит до limit самых старых запросов TO_DO одного места хранения
// в RUNNING и возвращает их пакетом. nil — запросов нет.
func (l *Lifecycle) ScheduleBatch(ctx context.Context, kind model.RequestKind, storage string, limit int) (*model.WorkingSubset, error) {
	tenantID, err := tenant.From(ctx)
	if err != nil {
		return nil, err
	}
	if limit < 1 {
		return nil, fmt.Errorf("%w: размер пакета должен быть больше нуля", ErrValidation)
	}

	var claimed []*model.Request
	err = l.store.RunInTx(ctx, func(r repository.Repositories) error {
		var err error
		claimed, err = r.Requests.ClaimBatch(ctx, tenantID, kind, storage, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка формирования пакета %s/%s: %w", kind, storage, err)
	}
	if len(claimed) == 0 {
		return nil, nil
	}
	return model.NewWorkingSubset(ulid.Make().String(), tenantID, kind, storage, claimed), nil
}

// --- Исходы ---

// ApplyOutcome применяет исход выполнения к запросу в статусе RUNNING.
//
// Успех: запрос удаляется; сохранение и копирование создают или обновляют ссылку,
// восстановление создаёт запись кэша, удаление снимает владельцев и удаляет ссылку
// без владельцев. Неудача: DELAYED для временной ошибки (пока не исчерпаны попытки),
// иначе ERROR с причиной.
//
// Запрос не в RUNNING — *reqstate.TransitionError; удалённый запрос — ErrNotFound.
func (l *Lifecycle) ApplyOutcome(ctx context.Context, req *model.Request, out Outcome) (OutcomeResult, error) {
	var (
		result OutcomeResult
		events []model.FileEvent
	)
	err := l.store.RunInTx(ctx, func(r repository.Repositories) error {
		result, events = OutcomeResult{}, events[:0]

		current, err := r.Requests.GetByID(ctx, req.Tenant, req.ID)
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: запрос %s", ErrNotFound, req.ID)
		}
		if err != nil {
			return err
		}

		if out.Cause == nil {
			return l.applySuccess(ctx, r, current, out, &result, &events)
		}
		return l.applyFailure(ctx, r, current, out.Cause, &result, &events)
	})
	if err != nil {
		return OutcomeResult{}, err
	}

	requestOutcomesTotal.WithLabelValues(string(req.Kind), string(result.Status)).Inc()
	cacheChanged := result.Event == model.EventAvailable || result.Event == model.EventFullyDeleted
	if cacheChanged && l.onCacheChange != nil {
		l.onCacheChange(req.Tenant, req.Checksum)
	}
	l.publish(ctx, events)
	return result, nil
}

func (l *Lifecycle) applySuccess(
	ctx context.Context, r repository.Repositories, current *model.Request, out Outcome,
	result *OutcomeResult, events *[]model.FileEvent,
) error {
	if err := reqstate.Transition(current, model.StatusDone, l.now()); err != nil {
		return err
	}

	var ev model.FileEvent
	var err error
	switch current.Kind {
	case model.KindStorage, model.KindCopy:
		ev, err = l.completeStore(ctx, r, current, out.Stored)
	case model.KindRestoration:
		ev, err = l.completeRestoration(ctx, r, current, out.Restored)
	case model.KindDeletion:
		ev, err = l.completeDeletion(ctx, r, current)
	default:
		err = fmt.Errorf("неизвестный вид запроса %q", current.Kind)
	}
	if err != nil {
		return err
	}

	if err := r.Requests.Delete(ctx, current.Tenant, current.ID); err != nil {
		return err
	}
	result.Status = model.StatusDone
	result.Event = ev.Kind
	*events = append(*events, ev)
	return nil
}

func (l *Lifecycle) completeStore(ctx context.Context, r repository.Repositories, req *model.Request, d backend.StoredDetails) (model.FileEvent, error) {
	if req.MetaInfo == nil {
		return model.FileEvent{}, fmt.Errorf("запрос %s без метаданных файла", req.ID)
	}
	meta := *req.MetaInfo
	if d.FileSize > 0 {
		meta.FileSize = d.FileSize
	}
	loc := model.FileLocation{Storage: req.Storage, URL: d.URL, PendingActionRemaining: d.PendingActionRemaining}

	ref, err := r.Files.LockByStorageChecksum(ctx, req.Tenant, req.Storage, req.Checksum)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		ref = &model.FileReference{
			ID:       uuid.NewString(),
			Tenant:   req.Tenant,
			MetaInfo: meta,
			Location: loc,
			Owners:   req.Owners,
		}
		if err := r.Files.Create(ctx, ref); err != nil {
			return model.FileEvent{}, err
		}
	case err != nil:
		return model.FileEvent{}, err
	default:
		if _, err := r.Files.AddOwners(ctx, req.Tenant, ref.ID, req.Owners); err != nil {
			return model.FileEvent{}, err
		}
		if err := r.Files.UpdateLocation(ctx, req.Tenant, ref.ID, loc, meta.FileSize); err != nil {
			return model.FileEvent{}, err
		}
	}

	msg := "файл сохранён"
	if req.Kind == model.KindCopy {
		msg = "файл скопирован"
	}
	return l.newEvent(storedEvent(req.Kind), req, req.Owners, msg), nil
}

func (l *Lifecycle) completeRestoration(ctx context.Context, r repository.Repositories, req *model.Request, d backend.RestoredDetails) (model.FileEvent, error) {
	cf := &model.CacheFile{
		Tenant:         req.Tenant,
		Checksum:       req.Checksum,
		Location:       d.Location,
		External:       d.External,
		FileSize:       d.FileSize,
		ExpirationDate: d.ExpirationDate,
	}
	if req.MetaInfo != nil {
		cf.MimeType = req.MetaInfo.MimeType
		cf.Type = req.MetaInfo.Type
		if cf.FileSize == 0 {
			cf.FileSize = req.MetaInfo.FileSize
		}
	}
	if cf.ExpirationDate.IsZero() {
		if req.ExpirationDate != nil {
			cf.ExpirationDate = *req.ExpirationDate
		} else {
			cf.ExpirationDate = l.now().Add(l.cfg.RestorationTTL)
		}
	}
	if cf.Location == "" {
		return model.FileEvent{}, fmt.Errorf("backend не сообщил расположение восстановленного файла %s", req.Checksum)
	}
	if err := r.Caches.Upsert(ctx, cf); err != nil {
		return model.FileEvent{}, err
	}
	return l.newEvent(model.EventAvailable, req, req.Owners, "файл доступен для скачивания"), nil
}

func (l *Lifecycle) completeDeletion(ctx context.Context, r repository.Repositories, req *model.Request) (model.FileEvent, error) {
	kind := model.EventFullyDeleted
	msg := "файл удалён"

	ref, err := r.Files.LockByStorageChecksum(ctx, req.Tenant, req.Storage, req.Checksum)
	switch {
	case errors.Is(err, repository.ErrNotFound):
	case err != nil:
		return model.FileEvent{}, err
	default:
		remaining, err := r.Files.RemoveOwners(ctx, req.Tenant, ref.ID, req.Owners)
		if err != nil {
			return model.FileEvent{}, err
		}
		if remaining == 0 {
			if err := r.Files.Delete(ctx, req.Tenant, ref.ID); err != nil {
				return model.FileEvent{}, err
			}
			if err := l.expireOrphanCache(ctx, r, req.Tenant, req.Checksum); err != nil {
				return model.FileEvent{}, err
			}
		} else {
			kind = model.EventDeletedForOwner
			msg = "владелец удалён, у файла остались другие владельцы"
		}
	}

	if err := l.releaseBlocked(ctx, r, req); err != nil {
		return model.FileEvent{}, err
	}
	return l.newEvent(kind, req, req.Owners, msg), nil
}

// expireOrphanCache закрывает запись кэша файла, у которого не осталось ссылок.
// Запись становится просроченной, байты удаляет очистка кэша.
func (l *Lifecycle) expireOrphanCache(ctx context.Context, r repository.Repositories, tenantID, checksum string) error {
	refs, err := r.Files.ListByChecksum(ctx, tenantID, checksum)
	if err != nil || len(refs) > 0 {
		return err
	}
	now := l.now()
	cf, err := r.Caches.GetValid(ctx, tenantID, checksum, now)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	cf.ExpirationDate = now
	return r.Caches.Upsert(ctx, cf)
}

// releaseBlocked возвращает в очередь запросы, ждавшие удаления того же файла.
func (l *Lifecycle) releaseBlocked(ctx context.Context, r repository.Repositories, req *model.Request) error {
	for _, kind := range []model.RequestKind{model.KindStorage, model.KindCopy} {
		n, err := r.Requests.ReleasePending(ctx, req.Tenant, kind, req.Checksum, req.Storage)
		if err != nil {
			return err
		}
		if n > 0 {
			l.logger.Debug("Запросы освобождены после удаления",
				slog.String("tenant", req.Tenant),
				slog.String("kind", string(kind)),
				slog.String("checksum", req.Checksum),
				slog.Int("count", n),
			)
		}
	}
	return nil
}

func (l *Lifecycle) applyFailure(
	ctx context.Context, r repository.Repositories, current *model.Request, cause error,
	result *OutcomeResult, events *[]model.FileEvent,
) error {
	current.Attempts++
	target := model.StatusError
	if retryable(cause) && (l.cfg.MaxAttempts <= 0 || current.Attempts < l.cfg.MaxAttempts) {
		target = model.StatusDelayed
	}
	if err := reqstate.Transition(current, target, l.now()); err != nil {
		return err
	}
	current.ErrorCause = truncate(cause.Error(), maxErrorCause)
	if err := r.Requests.UpdateStatus(ctx, current); err != nil {
		return err
	}

	result.Status = target
	if target != model.StatusError {
		return nil
	}
	if current.Kind == model.KindDeletion {
		if err := l.releaseBlocked(ctx, r, current); err != nil {
			return err
		}
	}
	ev := l.newEvent(errorEvent(current.Kind), current, current.Owners, current.ErrorCause)
	result.Event = ev.Kind
	*events = append(*events, ev)
	return nil
}

// --- Обслуживание очереди ---

// ReleaseDelayed возвращает в TO_DO запросы, отложенные дольше RetryDelay.
func (l *Lifecycle) ReleaseDelayed(ctx context.Context) (int, error) {
	tenantID, err := tenant.From(ctx)
	if err != nil {
		return 0, err
	}
	return l.store.Repos().Requests.ReleaseDelayed(ctx, tenantID, l.now().Add(-l.cfg.RetryDelay))
}

// RecoverStale применяет временную ошибку ErrAbandoned к запросам,
// зависшим в RUNNING дольше StaleRunningAfter.
func (l *Lifecycle) RecoverStale(ctx context.Context, limit int) (int, error) {
	tenantID, err := tenant.From(ctx)
	if err != nil {
		return 0, err
	}
	stale, err := l.store.Repos().Requests.ListStaleRunning(ctx, tenantID, l.now().Add(-l.cfg.StaleRunningAfter), limit)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, req := range stale {
		cause := fmt.Errorf("%w: нет исхода дольше %s", ErrAbandoned, l.cfg.StaleRunningAfter)
		if _, err := l.ApplyOutcome(ctx, req, Outcome{Cause: cause}); err != nil {
			if alreadyDecided(err) {
				continue
			}
			return recovered, err
		}
		recovered++
	}
	if recovered > 0 {
		l.logger.Warn("Восстановлены зависшие запросы",
			slog.String("tenant", tenantID),
			slog.Int("count", recovered),
		)
	}
	return recovered, nil
}

// RetryErrors возвращает запросы ERROR, подходящие под фильтр, в TO_DO.
func (l *Lifecycle) RetryErrors(ctx context.Context, filter repository.RequestFilter) (int, error) {
	tenantID, err := tenant.From(ctx)
	if err != nil {
		return 0, err
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		return 0, fmt.Errorf("%w: неизвестный вид запроса %q", ErrValidation, filter.Kind)
	}
	n, err := l.store.Repos().Requests.RetryErrors(ctx, tenantID, filter)
	if err != nil {
		return 0, err
	}
	l.logger.Info("Повтор запросов с ошибкой",
		slog.String("tenant", tenantID),
		slog.String("kind", string(filter.Kind)),
		slog.String("group_id", filter.GroupID),
		slog.Int("count", n),
	)
	return n, nil
}

// --- Поиск ---

// Search возвращает страницу ссылок на файлы.
func (l *Lifecycle) Search(ctx context.Context, filter repository.FileFilter, page repository.Page) (*PageResult[*model.FileReference], error) {
	tenantID, err := tenant.From(ctx)
	if err != nil {
		return nil, err
	}
	page = page.Normalize()
	items, total, err := l.store.Repos().Files.Search(ctx, tenantID, filter, page)
	if err != nil {
		return nil, err
	}
	return &PageResult[*model.FileReference]{Items: items, Total: total, Limit: page.Limit, Offset: page.Offset}, nil
}

// SearchRequests возвращает страницу запросов.
func (l *Lifecycle) SearchRequests(ctx context.Context, filter repository.RequestFilter, page repository.Page) (*PageResult[*model.Request], error) {
	tenantID, err := tenant.From(ctx)
	if err != nil {
		return nil, err
	}
	page = page.Normalize()
	items, total, err := l.store.Repos().Requests.Search(ctx, tenantID, filter, page)
	if err != nil {
		return nil, err
	}
	return &PageResult[*model.Request]{Items: items, Total: total, Limit: page.Limit, Offset: page.Offset}, nil
}

// GetRequest возвращает запрос по идентификатору.
func (l *Lifecycle) GetRequest(ctx context.Context, id string) (*model.Request, error) {
	tenantID, err := tenant.From(ctx)
	if err != nil {
		return nil, err
	}
	req, err := l.store.Repos().Requests.GetByID(ctx, tenantID, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: запрос %s", ErrNotFound, id)
	}
	return req, err
}

// --- События ---

func (l *Lifecycle) newEvent(kind model.EventKind, req *model.Request, owners []string, msg string) model.FileEvent {
	var groups []string
	if req.GroupID != "" {
		groups = []string{req.GroupID}
	}
	return model.FileEvent{
		ID:         uuid.NewString(),
		Kind:       kind,
		Tenant:     req.Tenant,
		Checksum:   req.Checksum,
		Storage:    req.Storage,
		Owners:     slices.Clone(owners),
		GroupIDs:   groups,
		Message:    msg,
		OccurredAt: l.now().UTC(),
	}
}

// publish отправляет события после фиксации транзакции. Ошибки только логируются.
func (l *Lifecycle) publish(ctx context.Context, events []model.FileEvent) {
	for _, ev := range events {
		if err := l.events.Publish(ctx, ev); err != nil {
			l.logger.Warn("Ошибка публикации события",
				slog.String("kind", string(ev.Kind)),
				slog.String("tenant", ev.Tenant),
				slog.String("checksum", ev.Checksum),
				slog.String("error", err.Error()),
			)
		}
	}
}

func storedEvent(kind model.RequestKind) model.EventKind {
	if kind == model.KindCopy {
		return model.EventCopied
	}
	return model.EventStored
}

func errorEvent(kind model.RequestKind) model.EventKind {
	switch kind {
	case model.KindCopy:
		return model.EventCopyError
	case model.KindDeletion:
		return model.EventDeletionError
	case model.KindRestoration:
		return model.EventAvailabilityError
	}
	return model.EventStoreError
}

// mapConflict переводит конфликт уникальности репозитория в ErrConflict сервиса.
func mapConflict(err error) error {
	if errors.Is(err, repository.ErrConflict) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// alreadyDecided — исход запроса уже применён другим путём.
func alreadyDecided(err error) bool {
	var te *reqstate.TransitionError
	return errors.Is(err, ErrNotFound) || errors.As(err, &te)
}

// truncate обрезает строку до n байт по границе символа.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

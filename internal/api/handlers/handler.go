// handler.go — основной обработчик API: маршруты и общие функции ответа.
// Обработчики не оркестрируют: каждый вызывает одну операцию сервисного слоя.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/storage-orchestrator/internal/api/errors"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/repository"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/service"
)

// retryAfter — рекомендуемая пауза клиенту при восстановлении из nearline.
const retryAfter = 60 * time.Second

// APIHandler — обработчик API Storage Orchestrator.
type APIHandler struct {
	health    *HealthHandler
	lifecycle *service.Lifecycle
	cache     *service.CacheManager
	quota     *service.QuotaService
	runner    *service.JobRunner
	registry  *service.Registry
	logger    *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(
	health *HealthHandler,
	lifecycle *service.Lifecycle,
	cache *service.CacheManager,
	quota *service.QuotaService,
	runner *service.JobRunner,
	registry *service.Registry,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		health:    health,
		lifecycle: lifecycle,
		cache:     cache,
		quota:     quota,
		runner:    runner,
		registry:  registry,
		logger:    logger.With(slog.String("component", "api_handler")),
	}
}

// Routes регистрирует маршруты API.
// apiMiddlewares применяются только к /api/v1 (tenant, JWT).
func (h *APIHandler) Routes(r chi.Router, apiMiddlewares ...func(http.Handler) http.Handler) {
	r.Get("/health/live", h.health.HealthLive)
	r.Get("/health/ready", h.health.HealthReady)
	r.Get("/metrics", h.health.GetMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(apiMiddlewares...)

		r.Post("/requests", h.SubmitRequest)
		r.Get("/requests", h.SearchRequests)
		r.Post("/requests/retry", h.RetryErrors)
		r.Get("/requests/{id}", h.GetRequest)

		r.Get("/files", h.SearchFiles)
		r.Post("/files/references", h.ReferenceFile)
		r.Post("/files/availability", h.MakeAvailable)
		r.Delete("/files/{checksum}", h.DeleteFile)
		r.Get("/files/{checksum}/download", h.DownloadFile)

		r.Get("/jobs", h.ListJobs)
		r.Get("/quota", h.GetQuota)
		r.Get("/storages", h.ListStorages)
	})
}

// writeServiceError переводит ошибку сервисного слоя в HTTP-ответ.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrNoTenant):
		apierrors.TenantRequired(w, err.Error())
	case errors.Is(err, service.ErrConflict):
		apierrors.Conflict(w, err.Error())
	case errors.Is(err, service.ErrNotFound), errors.Is(err, repository.ErrNotFound):
		apierrors.NotFound(w, err.Error())
	case errors.Is(err, service.ErrNotAvailableYet):
		apierrors.NotAvailableYet(w, err.Error(), retryAfter)
	case errors.Is(err, service.ErrOfflineOnly):
		apierrors.OfflineOnly(w, err.Error())
	case errors.Is(err, service.ErrQuotaExceeded):
		apierrors.QuotaExceeded(w, err.Error())
	default:
		h.logger.Error("Внутренняя ошибка",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
	}
}

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// parsePage читает limit и offset из query. Границы нормализуются в repository.Page.
func parsePage(r *http.Request) (repository.Page, error) {
	var page repository.Page
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return page, errors.New("limit: ожидается целое число")
		}
		page.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return page, errors.New("offset: ожидается неотрицательное целое число")
		}
		page.Offset = n
	}
	return page.Normalize(), nil
}

// system.go — служебные обработчики: выполняющиеся задачи, квота, места хранения.
package handlers

import (
	"net/http"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/api/middleware"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/service"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/tenant"
)

// ListJobs — GET /api/v1/jobs. Выполняющиеся в этой реплике пакеты текущего tenant.
func (h *APIHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.From(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	jobs := make([]service.JobInfo, 0)
	for _, j := range h.runner.Running() {
		if j.Tenant == tenantID {
			jobs = append(jobs, j)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

// GetQuota — GET /api/v1/quota. Использование квоты скачивания текущим пользователем.
func (h *APIHandler) GetQuota(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.From(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	usage, err := h.quota.Usage(r.Context(), tenantID, middleware.SubjectFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// ListStorages — GET /api/v1/storages. Конфигурации мест хранения без параметров плагинов.
func (h *APIHandler) ListStorages(w http.ResponseWriter, _ *http.Request) {
	type storageView struct {
		Name     string `json:"name"`
		Tier     string `json:"tier"`
		Plugin   string `json:"plugin"`
		Priority int    `json:"priority"`
		Active   bool   `json:"active"`
	}
	configs := h.registry.Configs()
	items := make([]storageView, 0, len(configs))
	for _, c := range configs {
		items = append(items, storageView{
			Name: c.Name, Tier: string(c.Tier), Plugin: c.Plugin, Priority: c.Priority, Active: c.Active,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

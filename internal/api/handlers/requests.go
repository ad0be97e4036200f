// requests.go — обработчики /api/v1/requests: подача, поиск, повтор запросов.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/storage-orchestrator/internal/api/errors"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/api/middleware"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/domain/model"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/repository"
)

// submitRequestBody — тело POST /api/v1/requests.
type submitRequestBody struct {
	Kind           model.RequestKind   `json:"kind"`
	Checksum       string              `json:"checksum"`
	Storage        string              `json:"storage"`
	Tier           model.Tier          `json:"tier"`
	OriginURL      string              `json:"originUrl"`
	SubDirectory   string              `json:"subDirectory"`
	Owners         []string            `json:"owners"`
	GroupID        string              `json:"groupId"`
	Session        string              `json:"session"`
	MetaInfo       *model.FileMetaInfo `json:"metaInfo"`
	ExpirationDate *time.Time          `json:"expirationDate"`
	SubmittedAt    *time.Time          `json:"submittedAt"`
}

// SubmitRequest — POST /api/v1/requests.
// 201 — запрос поставлен в очередь, 200 — файл уже есть (DONE, владельцы добавлены).
func (h *APIHandler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	var body submitRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}

	req, err := h.lifecycle.Submit(r.Context(), &model.Request{
		Kind:           body.Kind,
		Checksum:       body.Checksum,
		Storage:        body.Storage,
		Tier:           body.Tier,
		OriginURL:      body.OriginURL,
		SubDirectory:   body.SubDirectory,
		Owners:         body.Owners,
		GroupID:        body.GroupID,
		SessionOwner:   middleware.SubjectFromContext(r.Context()),
		Session:        body.Session,
		MetaInfo:       body.MetaInfo,
		ExpirationDate: body.ExpirationDate,
		SubmittedAt:    body.SubmittedAt,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if req.Status == model.StatusDone {
		status = http.StatusOK
	}
	writeJSON(w, status, req)
}

// SearchRequests — GET /api/v1/requests?kind=&status=&groupId=&checksum=&storage=&limit=&offset=
func (h *APIHandler) SearchRequests(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	q := r.URL.Query()
	filter := repository.RequestFilter{
		Kind:     model.RequestKind(q.Get("kind")),
		Status:   model.RequestStatus(q.Get("status")),
		GroupID:  q.Get("groupId"),
		Checksum: q.Get("checksum"),
		Storage:  q.Get("storage"),
	}

	result, err := h.lifecycle.SearchRequests(r.Context(), filter, page)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetRequest — GET /api/v1/requests/{id}.
func (h *APIHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.lifecycle.GetRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// retryBody — фильтр повтора запросов с ошибкой.
type retryBody struct {
	Kind     model.RequestKind `json:"kind"`
	GroupID  string            `json:"groupId"`
	Checksum string            `json:"checksum"`
	Storage  string            `json:"storage"`
}

// RetryErrors — POST /api/v1/requests/retry. Возвращает ERROR-запросы в очередь.
func (h *APIHandler) RetryErrors(w http.ResponseWriter, r *http.Request) {
	var body retryBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
			return
		}
	}

	n, err := h.lifecycle.RetryErrors(r.Context(), repository.RequestFilter{
		Kind:     body.Kind,
		GroupID:  body.GroupID,
		Checksum: body.Checksum,
		Storage:  body.Storage,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"retried": n})
}

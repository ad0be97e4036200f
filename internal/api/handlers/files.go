// files.go — обработчики /api/v1/files: поиск, каталогизация, удаление,
// скачивание и подготовка файлов к скачиванию.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/storage-orchestrator/internal/api/errors"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/api/middleware"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/domain/model"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/repository"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/service"
)

// SourceHeader — заголовок ответа скачивания с источником файла (cache или место хранения).
const SourceHeader = "X-Storage-Source"

// SearchFiles — GET /api/v1/files?checksum=&storage=&owner=&limit=&offset=
func (h *APIHandler) SearchFiles(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	q := r.URL.Query()
	result, err := h.lifecycle.Search(r.Context(), repository.FileFilter{
		Checksum: q.Get("checksum"),
		Storage:  q.Get("storage"),
		Owner:    q.Get("owner"),
	}, page)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// referenceBody — тело POST /api/v1/files/references.
type referenceBody struct {
	MetaInfo model.FileMetaInfo `json:"metaInfo"`
	Storage  string             `json:"storage"`
	URL      string             `json:"url"`
	Owners   []string           `json:"owners"`
	GroupID  string             `json:"groupId"`
	Session  string             `json:"session"`
}

// ReferenceFile — POST /api/v1/files/references. Каталогизация файла без физической копии.
func (h *APIHandler) ReferenceFile(w http.ResponseWriter, r *http.Request) {
	var body referenceBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}

	ref, err := h.lifecycle.Reference(r.Context(), service.ReferenceCommand{
		MetaInfo:     body.MetaInfo,
		Storage:      body.Storage,
		URL:          body.URL,
		Owners:       body.Owners,
		GroupID:      body.GroupID,
		SessionOwner: middleware.SubjectFromContext(r.Context()),
		Session:      body.Session,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

// DeleteFile — DELETE /api/v1/files/{checksum}?owner=&storage=&groupId=&session=
// 202 — удаление последнего владельца поставлено в очередь, 200 — владелец снят сразу.
func (h *APIHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	result, err := h.lifecycle.Delete(r.Context(), service.DeleteCommand{
		Checksum:     chi.URLParam(r, "checksum"),
		Storage:      q.Get("storage"),
		Owner:        q.Get("owner"),
		GroupID:      q.Get("groupId"),
		SessionOwner: middleware.SubjectFromContext(r.Context()),
		Session:      q.Get("session"),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if len(result.Requests) > 0 {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

// DownloadFile — GET /api/v1/files/{checksum}/download.
// Порядок: кэш → ONLINE → NEARLINE (503 + Retry-After, восстановление поставлено).
func (h *APIHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	checksum := chi.URLParam(r, "checksum")
	res, err := h.cache.Download(r.Context(), checksum, middleware.SubjectFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	rc, err := res.Open(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	defer rc.Close()

	contentType := res.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set(SourceHeader, res.Source)
	if res.FileName != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": res.FileName}))
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, rc); err != nil && !errors.Is(err, r.Context().Err()) {
		h.logger.Warn("Скачивание прервано",
			slog.String("checksum", checksum),
			slog.String("source", res.Source),
			slog.String("error", err.Error()),
		)
	}
}

// availabilityBody — тело POST /api/v1/files/availability.
type availabilityBody struct {
	Checksums []string `json:"checksums"`
	GroupID   string   `json:"groupId"`
}

// MakeAvailable — POST /api/v1/files/availability.
// Ставит восстановление nearline-файлов заранее; статус по каждому файлу.
func (h *APIHandler) MakeAvailable(w http.ResponseWriter, r *http.Request) {
	var body availabilityBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}

	out, err := h.cache.MakeAvailable(r.Context(), body.Checksums, body.GroupID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

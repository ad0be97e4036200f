package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/api/middleware"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/backend"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/backend/localfs"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/domain/model"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/repository/memstore"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/service"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/tenant"
)

const testTenant = "astro"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubChecker — ReadinessChecker с фиксированным ответом.
type stubChecker struct {
	status, message string
}

func (s stubChecker) CheckReady() (string, string) { return s.status, s.message }

// apiEnv — HTTP API поверх memstore и localfs-хранилищ D1 (ONLINE) и N1 (NEARLINE).
type apiEnv struct {
	t      *testing.T
	store  *memstore.Store
	roots  map[string]string
	router chi.Router
}

func newAPIEnv(t *testing.T, checkers map[string]ReadinessChecker) *apiEnv {
	t.Helper()
	logger := testLogger()
	dir := t.TempDir()

	catalog := backend.NewCatalog()
	require.NoError(t, catalog.Register(localfs.Plugin(logger)))
	registry := service.NewRegistry(catalog, logger)

	e := &apiEnv{t: t, store: memstore.New(), roots: make(map[string]string)}
	for _, loc := range []struct {
		name string
		tier model.Tier
	}{{"D1", model.TierOnline}, {"N1", model.TierNearline}} {
		root := filepath.Join(dir, loc.name)
		params, err := json.Marshal(localfs.Params{Root: root})
		require.NoError(t, err)
		require.NoError(t, registry.Register(model.StorageLocationConfig{
			Name: loc.name, Tier: loc.tier, Plugin: localfs.PluginName, Params: params, Active: true,
		}))
		e.roots[loc.name] = root
	}

	lifecycle := service.NewLifecycle(e.store, registry, nil, service.LifecycleConfig{
		RetryDelay: time.Minute, MaxAttempts: 3, StaleRunningAfter: 10 * time.Minute,
	}, logger)
	quota := service.NewQuotaService(e.store, service.QuotaConfig{MaxRawDownloads: 1, MaxConcurrent: -1}, logger)
	cache := service.NewCacheManager(e.store, registry, lifecycle, quota, service.CacheConfig{
		Dir: filepath.Join(dir, "cache"),
	}, logger)
	runner := service.NewJobRunner(e.store, registry, lifecycle, cache, nil, 1, logger)

	if checkers == nil {
		checkers = map[string]ReadinessChecker{"database": stubChecker{status: statusOK}}
	}
	h := NewAPIHandler(NewHealthHandler(checkers), lifecycle, cache, quota, runner, registry, logger)

	r := chi.NewRouter()
	h.Routes(r, middleware.Tenant("", nil), withSubject)
	e.router = r
	return e
}

// withSubject подставляет claims из заголовка X-Test-Sub вместо проверки JWT.
func withSubject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sub := r.Header.Get("X-Test-Sub"); sub != "" {
			ctx := context.WithValue(r.Context(), middleware.ContextKeyClaims, &middleware.AuthClaims{Subject: sub})
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

func (e *apiEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(e.t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(middleware.TenantHeader, testTenant)
	req.Header.Set("X-Test-Sub", "alice")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// placeFile кладёт файл в хранилище и создаёт ссылку на него.
func (e *apiEnv) placeFile(storage, checksum, content, fileType string, owners ...string) {
	e.t.Helper()
	rel, err := localfs.StoragePath("", checksum)
	require.NoError(e.t, err)
	full := filepath.Join(e.roots[storage], rel)
	require.NoError(e.t, os.MkdirAll(filepath.Dir(full), 0o750))
	require.NoError(e.t, os.WriteFile(full, []byte(content), 0o640))

	ctx := tenant.With(context.Background(), testTenant)
	require.NoError(e.t, e.store.Repos().Files.Create(ctx, &model.FileReference{
		ID:     storage + "-" + checksum,
		Tenant: testTenant,
		MetaInfo: model.FileMetaInfo{
			Checksum: checksum, Algorithm: model.AlgorithmMD5,
			FileName: checksum + ".fits", MimeType: "application/fits", Type: fileType,
			FileSize: int64(len(content)),
		},
		Location: model.FileLocation{Storage: storage, URL: rel},
		Owners:   owners,
	}))
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func storageBody(checksum string) map[string]any {
	return map[string]any{
		"kind":      "STORAGE",
		"checksum":  checksum,
		"storage":   "D1",
		"originUrl": "/data/incoming/" + checksum,
		"owners":    []string{"alice"},
		"groupId":   "g1",
		"metaInfo":  map[string]any{"algorithm": "md5", "fileName": checksum + ".fits", "type": model.TypeRawData},
	}
}

// TestHealth проверяет liveness и агрегирование readiness.
func TestHealth(t *testing.T) {
	e := newAPIEnv(t, map[string]ReadinessChecker{
		"database": stubChecker{status: statusOK},
		"nats":     stubChecker{status: statusFail, message: "нет соединения"},
	})

	rec := e.do(http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "нет соединения")
}

// TestSubmitRequest проверяет подачу, дубликат и получение запроса по идентификатору.
func TestSubmitRequest(t *testing.T) {
	e := newAPIEnv(t, nil)

	rec := e.do(http.MethodPost, "/api/v1/requests", storageBody("abc123"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	req := decode[model.Request](t, rec)
	assert.Equal(t, model.StatusToDo, req.Status)
	assert.Equal(t, testTenant, req.Tenant)
	assert.Equal(t, "alice", req.SessionOwner)
	assert.NotEmpty(t, req.ID)

	rec = e.do(http.MethodPost, "/api/v1/requests", storageBody("abc123"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CONFLICT", decode[errorBody](t, rec).Error.Code)

	rec = e.do(http.MethodGet, "/api/v1/requests/"+req.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, req.ID, decode[model.Request](t, rec).ID)

	rec = e.do(http.MethodGet, "/api/v1/requests/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(http.MethodGet, "/api/v1/requests?kind=STORAGE&status=TO_DO", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[service.PageResult[*model.Request]](t, rec)
	assert.Equal(t, 1, page.Total)
}

// TestSubmitRequest_ExistingFile проверяет ответ 200 DONE для уже сохранённого файла.
func TestSubmitRequest_ExistingFile(t *testing.T) {
	e := newAPIEnv(t, nil)
	e.placeFile("D1", "abc123", "data", model.TypeRawData, "bob")

	rec := e.do(http.MethodPost, "/api/v1/requests", storageBody("abc123"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, model.StatusDone, decode[model.Request](t, rec).Status)
}

// TestSubmitRequest_Invalid проверяет отказы валидации.
func TestSubmitRequest_Invalid(t *testing.T) {
	e := newAPIEnv(t, nil)

	tests := []struct {
		name string
		body any
	}{
		{"некорректный JSON", "{"},
		{"неизвестный вид", map[string]any{"kind": "MOVE", "checksum": "abc", "storage": "D1", "owners": []string{"a"}}},
		{"нет владельцев", map[string]any{"kind": "STORAGE", "checksum": "abc", "storage": "D1", "originUrl": "/x"}},
		{"неизвестное хранилище", map[string]any{"kind": "COPY", "checksum": "abc", "storage": "Z9", "owners": []string{"a"}}},
		{"удаление через подачу", map[string]any{"kind": "DELETION", "checksum": "abc", "storage": "D1", "owners": []string{"a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(http.MethodPost, "/api/v1/requests", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "VALIDATION_ERROR", decode[errorBody](t, rec).Error.Code)
		})
	}
}

// TestTenantRequired проверяет отказ без заголовка tenant.
func TestTenantRequired(t *testing.T) {
	e := newAPIEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/files", nil)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "TENANT_REQUIRED", decode[errorBody](t, rec).Error.Code)
}

// TestDownloadFile_Online проверяет отдачу файла из ONLINE-хранилища и квоту raw data.
func TestDownloadFile_Online(t *testing.T) {
	e := newAPIEnv(t, nil)
	e.placeFile("D1", "abc123", "spectrum", model.TypeRawData, "alice")

	rec := e.do(http.MethodGet, "/api/v1/files/abc123/download", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "spectrum", rec.Body.String())
	assert.Equal(t, "application/fits", rec.Header().Get("Content-Type"))
	assert.Equal(t, "D1", rec.Header().Get(SourceHeader))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "abc123.fits")

	// MaxRawDownloads = 1
	rec = e.do(http.MethodGet, "/api/v1/files/abc123/download", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = e.do(http.MethodGet, "/api/v1/quota", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	usage := decode[service.QuotaUsage](t, rec)
	assert.Equal(t, "alice", usage.User)
	assert.Equal(t, int64(1), usage.RawDownloads)
}

// TestDownloadFile_Nearline проверяет 503 с Retry-After и постановку восстановления.
func TestDownloadFile_Nearline(t *testing.T) {
	e := newAPIEnv(t, nil)
	e.placeFile("N1", "xyz789", "archived", model.TypeRawData, "alice")

	rec := e.do(http.MethodGet, "/api/v1/files/xyz789/download", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "NOT_AVAILABLE_YET", decode[errorBody](t, rec).Error.Code)

	rec = e.do(http.MethodGet, "/api/v1/requests?kind=RESTORATION", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[service.PageResult[*model.Request]](t, rec).Total)
}

// TestDownloadFile_NotFound проверяет 404 для неизвестного файла.
func TestDownloadFile_NotFound(t *testing.T) {
	e := newAPIEnv(t, nil)
	rec := e.do(http.MethodGet, "/api/v1/files/nope/download", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestDeleteFile проверяет снятие не последнего владельца и постановку удаления последнего.
func TestDeleteFile(t *testing.T) {
	e := newAPIEnv(t, nil)
	e.placeFile("D1", "abc123", "data", model.TypeRawData, "alice", "bob")

	rec := e.do(http.MethodDelete, "/api/v1/files/abc123?owner=alice&groupId=g2", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[service.DeleteResult](t, rec)
	assert.Equal(t, []string{"D1"}, res.OwnerRemoved)

	rec = e.do(http.MethodDelete, "/api/v1/files/abc123?owner=bob", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	res = decode[service.DeleteResult](t, rec)
	require.Len(t, res.Requests, 1)
	assert.Equal(t, model.KindDeletion, res.Requests[0].Kind)

	rec = e.do(http.MethodDelete, "/api/v1/files/abc123?owner=carol", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(http.MethodDelete, "/api/v1/files/abc123", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestReferenceAndSearchFiles проверяет каталогизацию ссылки и поиск файлов.
func TestReferenceAndSearchFiles(t *testing.T) {
	e := newAPIEnv(t, nil)

	rec := e.do(http.MethodPost, "/api/v1/files/references", map[string]any{
		"metaInfo": map[string]any{"checksum": "ref001", "algorithm": "MD5", "fileName": "obs.fits"},
		"storage":  "D1",
		"url":      "external/obs.fits",
		"owners":   []string{"alice"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ref := decode[model.FileReference](t, rec)
	assert.True(t, ref.Referenced)

	rec = e.do(http.MethodGet, "/api/v1/files?owner=alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[service.PageResult[*model.FileReference]](t, rec)
	assert.Equal(t, 1, page.Total)

	rec = e.do(http.MethodGet, "/api/v1/files?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestMakeAvailable проверяет статусы доступности файлов.
func TestMakeAvailable(t *testing.T) {
	e := newAPIEnv(t, nil)
	e.placeFile("D1", "abc123", "data", model.TypeRawData, "alice")
	e.placeFile("N1", "xyz789", "archived", model.TypeRawData, "alice")

	rec := e.do(http.MethodPost, "/api/v1/files/availability", map[string]any{
		"checksums": []string{"abc123", "xyz789", "nope"},
		"groupId":   "g7",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[struct {
		Items []service.Availability `json:"items"`
	}](t, rec)
	require.Len(t, body.Items, 3)
	assert.Equal(t, service.AvailabilityAvailable, body.Items[0].Status)
	assert.Equal(t, service.AvailabilityRestoring, body.Items[1].Status)
	assert.Equal(t, service.AvailabilityNotFound, body.Items[2].Status)

	rec = e.do(http.MethodPost, "/api/v1/files/availability", map[string]any{"checksums": []string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestRetryErrors проверяет ответ повтора запросов с ошибкой.
func TestRetryErrors(t *testing.T) {
	e := newAPIEnv(t, nil)

	rec := e.do(http.MethodPost, "/api/v1/requests/retry", map[string]any{"kind": "STORAGE"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]int{"retried": 0}, decode[map[string]int](t, rec))

	rec = e.do(http.MethodPost, "/api/v1/requests/retry", map[string]any{"kind": "MOVE"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestListStoragesAndJobs проверяет служебные списки.
func TestListStoragesAndJobs(t *testing.T) {
	e := newAPIEnv(t, nil)

	rec := e.do(http.MethodGet, "/api/v1/storages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"D1"`)
	assert.Contains(t, rec.Body.String(), `"tier":"NEARLINE"`)
	assert.NotContains(t, rec.Body.String(), "root")

	rec = e.do(http.MethodGet, "/api/v1/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"items":[]}`, rec.Body.String())
}

// TestDependencyChecker проверяет понижение статуса при недоступной зависимости.
func TestDependencyChecker(t *testing.T) {
	status, msg := NewDependencyChecker(depsStub{"postgres": true, "jwks": false, "s3": false}).CheckReady()
	assert.Equal(t, statusDegraded, status)
	assert.Equal(t, "недоступны: jwks, s3", msg)

	status, _ = NewDependencyChecker(depsStub{"postgres": true}).CheckReady()
	assert.Equal(t, statusOK, status)
}

type depsStub map[string]bool

func (d depsStub) Health() map[string]bool { return d }

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/tenant"
)

// TestTenant проверяет выбор tenant из заголовка, значение по умолчанию и отказы.
func TestTenant(t *testing.T) {
	allowed := func(id string) bool { return id == "astro" || id == "bio" }

	tests := []struct {
		name       string
		header     string
		def        string
		allowed    func(string) bool
		wantStatus int
		wantTenant string
	}{
		{"заголовок", "bio", "astro", allowed, http.StatusOK, "bio"},
		{"по умолчанию", "", "astro", allowed, http.StatusOK, "astro"},
		{"пробелы обрезаются", "  bio ", "", allowed, http.StatusOK, "bio"},
		{"нет tenant", "", "", nil, http.StatusBadRequest, ""},
		{"неизвестный tenant", "geo", "astro", allowed, http.StatusForbidden, ""},
		{"без ограничения", "geo", "", nil, http.StatusOK, "geo"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			handler := Tenant(tt.def, tt.allowed)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got, _ = tenant.From(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/v1/files", nil)
			if tt.header != "" {
				req.Header.Set(TenantHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantTenant, got)
			if tt.wantStatus == http.StatusBadRequest {
				assert.Contains(t, rec.Body.String(), `"TENANT_REQUIRED"`)
			}
		})
	}
}

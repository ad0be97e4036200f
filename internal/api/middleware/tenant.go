// tenant.go — определение tenant запроса: заголовок X-Tenant или tenant по умолчанию.
package middleware

import (
	"net/http"
	"strings"

	apierrors "github.com/bigkaa/goartstore/storage-orchestrator/internal/api/errors"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/tenant"
)

// TenantHeader — заголовок с идентификатором tenant.
const TenantHeader = "X-Tenant"

// Tenant возвращает middleware, помещающий tenant в контекст запроса.
// Без заголовка и tenant по умолчанию запрос отклоняется.
// allowed (может быть nil) ограничивает допустимые tenants.
func Tenant(defaultTenant string, allowed func(string) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(TenantHeader))
			if id == "" {
				id = defaultTenant
			}
			if id == "" {
				apierrors.TenantRequired(w, "Не указан tenant: заголовок "+TenantHeader)
				return
			}
			if allowed != nil && !allowed(id) {
				apierrors.Forbidden(w, "Неизвестный tenant "+id)
				return
			}
			noteTenant(r.Context(), id)
			next.ServeHTTP(w, r.WithContext(tenant.With(r.Context(), id)))
		})
	}
}

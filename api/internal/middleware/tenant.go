package middleware

import (
	"net/http"
	"regexp"
	"strings"

	"credit-card-platform/shared/httpx"
	"credit-card-platform/shared/tenantx"
)

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// TenantMiddleware scopes every request to the tenant named by X-Tenant-ID.
type TenantMiddleware struct {
	Skip func(*http.Request) bool
}

func (m TenantMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		tenantID := strings.TrimSpace(r.Header.Get(tenantx.HeaderTenantID))
		if tenantID == "" {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing tenant header", nil)
			return
		}
		if !tenantIDPattern.MatchString(tenantID) {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid tenant id", nil)
			return
		}

		ctx := tenantx.WithTenant(r.Context(), tenantx.TenantContext{ID: tenantID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

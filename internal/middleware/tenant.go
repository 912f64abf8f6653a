package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/dskow/llm-gateway/internal/apierror"
)

// TenantKey is the context key used to store the resolved tenant.
const TenantKey ctxKey = "tenant"

// Tenant returns middleware that resolves the request's tenant from the
// given header. When require is set, requests without a tenant are
// rejected with 400. The trimmed value is written back to the request
// header so outer middleware sees a consistent spelling.
func Tenant(header string, require bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant := strings.TrimSpace(r.Header.Get(header))
			if tenant == "" {
				if require {
					apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.TenantRequired, "missing tenant header: "+header)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			r.Header.Set(header, tenant)
			ctx := WithTenant(r.Context(), tenant)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetTenant extracts the tenant from a context. Returns empty string
// when the request carried none.
func GetTenant(ctx context.Context) string {
	if t, ok := ctx.Value(TenantKey).(string); ok {
		return t
	}
	return ""
}

// WithTenant returns a context carrying the given tenant. The auth
// middleware uses it when the tenant comes from a token claim instead
// of a header.
func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, TenantKey, tenant)
}

package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/pbi-labs/pbi/pkg/api"
	"github.com/pbi-labs/pbi/pkg/crypto"
)

// TenantSource resolves a key hash to a tenant record. Not-found is
// (nil, nil); errors are infrastructure failures.
type TenantSource interface {
	ByKeyHash(ctx context.Context, keyHash string) (*Tenant, error)
}

// Middleware authenticates Bearer API keys. The raw token is hashed with
// SHA-256 and looked up; the token itself never touches storage or logs.
// OPTIONS preflight requests bypass authentication.
func Middleware(source TenantSource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				api.WriteCode(w, http.StatusUnauthorized, api.CodeMissingAPIKey, "Authorization header required")
				return
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
				api.WriteCode(w, http.StatusUnauthorized, api.CodeMissingAPIKey, "expected 'Bearer <key>'")
				return
			}

			keyHash := crypto.SHA256Hex([]byte(parts[1]))
			tenant, err := source.ByKeyHash(r.Context(), keyHash)
			if err != nil {
				api.WriteInternal(w, err)
				return
			}
			if tenant == nil || !tenant.Active {
				api.WriteCode(w, http.StatusForbidden, api.CodeInvalidAPIKey, "unknown or inactive API key")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenant)))
		})
	}
}

// RequireScope guards a handler with a scope check. Tenants with a null
// scope set pass every check.
func RequireScope(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, err := GetTenant(r.Context())
		if err != nil {
			api.WriteCode(w, http.StatusUnauthorized, api.CodeMissingAPIKey, "authentication required")
			return
		}
		if !tenant.HasScope(scope) {
			api.WriteCode(w, http.StatusForbidden, api.CodeInsufficientScope, "API key lacks scope "+scope)
			return
		}
		next.ServeHTTP(w, r)
	})
}

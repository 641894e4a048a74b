package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbi-labs/pbi/pkg/crypto"
)

type fakeSource struct {
	tenants map[string]*Tenant
}

func (s *fakeSource) ByKeyHash(ctx context.Context, keyHash string) (*Tenant, error) {
	return s.tenants[keyHash], nil
}

func newFakeSource(rawKey string, tenant *Tenant) *fakeSource {
	tenant.KeyHash = crypto.SHA256Hex([]byte(rawKey))
	return &fakeSource{tenants: map[string]*Tenant{tenant.KeyHash: tenant}}
}

func okHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := MustGetTenant(r.Context())
		assert.NotEmpty(t, tenant.ID)
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_ValidKey(t *testing.T) {
	source := newFakeSource("sk_live_abc", &Tenant{ID: "t1", Active: true})
	h := Middleware(source)(okHandler(t))

	req := httptest.NewRequest(http.MethodPost, "/v1/pbi/challenge", nil)
	req.Header.Set("Authorization", "Bearer sk_live_abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddleware_MissingHeader(t *testing.T) {
	source := newFakeSource("sk_live_abc", &Tenant{ID: "t1", Active: true})
	h := Middleware(source)(okHandler(t))

	req := httptest.NewRequest(http.MethodPost, "/v1/pbi/challenge", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "missing_api_key", body["error"])
}

func TestMiddleware_UnknownKey(t *testing.T) {
	source := newFakeSource("sk_live_abc", &Tenant{ID: "t1", Active: true})
	h := Middleware(source)(okHandler(t))

	req := httptest.NewRequest(http.MethodPost, "/v1/pbi/challenge", nil)
	req.Header.Set("Authorization", "Bearer sk_live_WRONG")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "invalid_api_key", body["error"])
}

func TestMiddleware_InactiveTenant(t *testing.T) {
	source := newFakeSource("sk_live_abc", &Tenant{ID: "t1", Active: false})
	h := Middleware(source)(okHandler(t))

	req := httptest.NewRequest(http.MethodPost, "/v1/pbi/challenge", nil)
	req.Header.Set("Authorization", "Bearer sk_live_abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMiddleware_OptionsBypass(t *testing.T) {
	source := newFakeSource("sk_live_abc", &Tenant{ID: "t1", Active: true})
	called := false
	h := Middleware(source)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/v1/pbi/challenge", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.True(t, called)
}

func TestRequireScope(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Nil scope set: all scopes granted.
	req := httptest.NewRequest(http.MethodGet, "/v1/pbi/receipts/export", nil)
	req = req.WithContext(WithTenant(req.Context(), &Tenant{ID: "t1", Active: true}))
	rec := httptest.NewRecorder()
	RequireScope(ScopeExport, inner).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Explicit scope set missing the required scope.
	req = httptest.NewRequest(http.MethodGet, "/v1/pbi/receipts/export", nil)
	req = req.WithContext(WithTenant(req.Context(), &Tenant{ID: "t1", Active: true, Scopes: []string{ScopeVerify}}))
	rec = httptest.NewRecorder()
	RequireScope(ScopeExport, inner).ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "insufficient_scope", body["error"])
}

func TestTenantHasScope(t *testing.T) {
	all := &Tenant{}
	assert.True(t, all.HasScope(ScopeExport))

	limited := &Tenant{Scopes: []string{ScopeVerify, ScopeReadReceipts}}
	assert.True(t, limited.HasScope(ScopeVerify))
	assert.False(t, limited.HasScope(ScopeExport))
}

// Package auth implements API-key authentication, tenant scoping and the
// per-caller rate limit for the PBI HTTP surface.
package auth

// Scopes restrict which endpoints an API key may invoke. A tenant with a nil
// scope set is granted all scopes.
const (
	ScopeVerify       = "pbi.verify"
	ScopeReadReceipts = "pbi.read-receipts"
	ScopeExport       = "pbi.export"
)

// Tenant is the authenticated API-key record. The raw bearer token is never
// stored; only its SHA-256 hash is kept for lookup.
type Tenant struct {
	ID           string   `json:"id"`
	Label        string   `json:"label"`
	KeyHash      string   `json:"-"`
	Plan         string   `json:"plan"`
	MonthlyQuota int64    `json:"monthly_quota"`
	Active       bool     `json:"active"`
	Scopes       []string `json:"scopes,omitempty"`
}

// HasScope reports whether the tenant may use the given scope.
func (t *Tenant) HasScope(scope string) bool {
	if t.Scopes == nil {
		return true
	}
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

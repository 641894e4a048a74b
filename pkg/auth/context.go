package auth

import (
	"context"
	"errors"
)

type tenantKey struct{}

// WithTenant attaches the authenticated tenant to the context.
func WithTenant(ctx context.Context, t *Tenant) context.Context {
	return context.WithValue(ctx, tenantKey{}, t)
}

// GetTenant retrieves the authenticated tenant from the context.
func GetTenant(ctx context.Context) (*Tenant, error) {
	t, ok := ctx.Value(tenantKey{}).(*Tenant)
	if !ok {
		return nil, errors.New("no tenant in context")
	}
	return t, nil
}

// MustGetTenant panics if no tenant is present. Use only behind Middleware.
func MustGetTenant(ctx context.Context) *Tenant {
	t, err := GetTenant(ctx)
	if err != nil {
		panic(err)
	}
	return t
}

package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrOutOfScope is returned when a request touches another tenant's data.
var ErrOutOfScope = errors.New("tenant outside authenticated scope")

type contextKey string

const tenantIDKey contextKey = "tenantID"

// ContextWithTenantID returns a new context that carries the authenticated tenant scope.
func ContextWithTenantID(ctx context.Context, id uuid.UUID) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, tenantIDKey, id)
}

// TenantIDFromContext retrieves the authenticated tenant scope from the context, if any.
func TenantIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	if ctx == nil {
		return uuid.Nil, false
	}
	id, ok := ctx.Value(tenantIDKey).(uuid.UUID)
	if !ok || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

// EnforceTenantScope ensures the provided tenant matches the authenticated scope when present.
func EnforceTenantScope(ctx context.Context, tenantID uuid.UUID) error {
	if tenantID == uuid.Nil {
		return fmt.Errorf("tenantId is required")
	}
	scopedID, ok := TenantIDFromContext(ctx)
	if !ok {
		return nil
	}
	if scopedID != tenantID {
		return fmt.Errorf("%w: tenantId %s", ErrOutOfScope, tenantID)
	}
	return nil
}

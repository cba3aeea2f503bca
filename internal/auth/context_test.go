package auth

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnforceTenantScope(t *testing.T) {
	tenant := uuid.New()

	require.NoError(t, EnforceTenantScope(context.Background(), tenant), "unscoped contexts are trusted")
	assert.Error(t, EnforceTenantScope(context.Background(), uuid.Nil))

	scoped := ContextWithTenantID(context.Background(), tenant)
	require.NoError(t, EnforceTenantScope(scoped, tenant))
	assert.ErrorIs(t, EnforceTenantScope(scoped, uuid.New()), ErrOutOfScope)

	_, ok := TenantIDFromContext(ContextWithTenantID(context.Background(), uuid.Nil))
	assert.False(t, ok)
}

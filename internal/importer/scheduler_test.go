package importer

import (
	"context"
	"testing"
	"time"

	"github.com/rpattn/assetimport/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queued(tenant uuid.UUID) *queuedJob {
	return &queuedJob{job: domain.ImportJob{ID: uuid.New(), TenantID: tenant}}
}

func TestSchedulerSkipsBusyTenants(t *testing.T) {
	s := newScheduler(0)
	tenantA, tenantB := uuid.New(), uuid.New()
	a1, a2, b1 := queued(tenantA), queued(tenantA), queued(tenantB)
	for _, q := range []*queuedJob{a1, a2, b1} {
		require.NoError(t, s.enqueue(q))
	}
	ctx := context.Background()

	got, ok := s.next(ctx)
	require.True(t, ok)
	assert.Equal(t, a1, got)
	got, ok = s.next(ctx)
	require.True(t, ok)
	assert.Equal(t, b1, got, "a2 must wait for a1")

	waiting := make(chan *queuedJob)
	go func() {
		q, _ := s.next(ctx)
		waiting <- q
	}()
	select {
	case <-waiting:
		t.Fatal("second job of a busy tenant was handed out")
	case <-time.After(20 * time.Millisecond):
	}
	s.done(tenantA)
	assert.Equal(t, a2, <-waiting)
}

func TestSchedulerClaimWaitsForTenant(t *testing.T) {
	s := newScheduler(0)
	tenant := uuid.New()
	require.NoError(t, s.enqueue(queued(tenant)))
	_, ok := s.next(context.Background())
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.claim(ctx, tenant), context.DeadlineExceeded)

	s.done(tenant)
	require.NoError(t, s.claim(context.Background(), tenant))
	require.NoError(t, s.claim(context.Background(), uuid.New()))
}

func TestSchedulerCapacityAndClose(t *testing.T) {
	s := newScheduler(1)
	first := queued(uuid.New())
	require.NoError(t, s.enqueue(first))
	assert.ErrorIs(t, s.enqueue(queued(uuid.New())), ErrQueueFull)
	assert.Equal(t, 1, s.pending())

	pending := s.close()
	assert.Equal(t, []*queuedJob{first}, pending)
	assert.Nil(t, s.close())
	assert.ErrorIs(t, s.enqueue(queued(uuid.New())), ErrShuttingDown)
	_, ok := s.next(context.Background())
	assert.False(t, ok)
}

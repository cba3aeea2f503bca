package hierarchy

import (
	"context"
	"errors"
	"testing"

	"github.com/rpattn/assetimport/internal/domain"
	"github.com/rpattn/assetimport/internal/repository"
	"github.com/rpattn/assetimport/internal/repository/memory"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func commitStaged(t *testing.T, store *memory.Store, run *Run) {
	t.Helper()
	properties, buildings := run.Staged()
	err := store.WithinTx(context.Background(), func(ctx context.Context, repos repository.Repositories) error {
		if err := repos.Hierarchy.InsertProperties(ctx, properties); err != nil {
			return err
		}
		return repos.Hierarchy.InsertBuildings(ctx, buildings)
	})
	require.NoError(t, err)
	run.Confirm()
}

func rec(property, building string) domain.CandidateRecord {
	return domain.CandidateRecord{PropertyName: property, BuildingName: building}
}

func TestResolveStagesOnceAndReusesAcrossBatches(t *testing.T) {
	store := memory.NewStore()
	tenant := uuid.New()
	run := NewRun(store.Hierarchy(), tenant, uuid.New())
	ctx := context.Background()

	batch := []domain.CandidateRecord{rec("HQ", "Main"), rec(" hq ", "MAIN"), rec("HQ", "Annex")}
	require.NoError(t, run.Prefetch(ctx, batch))

	p1, b1, err := run.Resolve(ctx, tenant, "HQ", "Main")
	require.NoError(t, err)
	p2, b2, err := run.Resolve(ctx, tenant, " hq ", "MAIN")
	require.NoError(t, err)
	p3, b3, err := run.Resolve(ctx, tenant, "HQ", "Annex")
	require.NoError(t, err)

	assert.Equal(t, p1, p2)
	assert.Equal(t, p1, p3)
	assert.Equal(t, b1, b2)
	assert.NotEqual(t, b1, b3)

	properties, buildings := run.Staged()
	require.Len(t, properties, 1)
	require.Len(t, buildings, 2)
	assert.Equal(t, "HQ", properties[0].Name)
	commitStaged(t, store, run)

	lookups := store.Lookups()
	next := []domain.CandidateRecord{rec("HQ", "Main")}
	require.NoError(t, run.Prefetch(ctx, next))
	p4, b4, err := run.Resolve(ctx, tenant, "hq", "main")
	require.NoError(t, err)
	assert.Equal(t, p1, p4)
	assert.Equal(t, b1, b4)
	assert.Equal(t, lookups, store.Lookups(), "cached names are not queried again")

	properties, buildings = run.Staged()
	assert.Empty(t, properties)
	assert.Empty(t, buildings)
	assert.Len(t, store.Properties(), 1)
	assert.Len(t, store.Buildings(), 2)
}

func TestResolveFindsExistingEntities(t *testing.T) {
	store := memory.NewStore()
	tenant := uuid.New()
	ctx := context.Background()

	seed := NewRun(store.Hierarchy(), tenant, uuid.New())
	propertyID, buildingID, err := seed.Resolve(ctx, tenant, "Campus", "Lab")
	require.NoError(t, err)
	commitStaged(t, store, seed)

	run := NewRun(store.Hierarchy(), tenant, uuid.New())
	require.NoError(t, run.Prefetch(ctx, []domain.CandidateRecord{rec("CAMPUS", "lab"), rec("Campus", "Office")}))
	assert.Equal(t, 3, store.Lookups(), "one query for the seed plus one batched query per level")

	p, b, err := run.Resolve(ctx, tenant, "CAMPUS", "lab")
	require.NoError(t, err)
	assert.Equal(t, propertyID, p)
	assert.Equal(t, buildingID, b)

	before := store.Lookups()
	_, office, err := run.Resolve(ctx, tenant, "Campus", "Office")
	require.NoError(t, err)
	assert.Equal(t, before, store.Lookups(), "absent names from prefetch are staged without another query")

	properties, buildings := run.Staged()
	assert.Empty(t, properties)
	require.Len(t, buildings, 1)
	assert.Equal(t, office, buildings[0].ID)
	assert.Equal(t, propertyID, buildings[0].PropertyID)
}

func TestResolveIsolatesTenants(t *testing.T) {
	store := memory.NewStore()
	tenantA, tenantB := uuid.New(), uuid.New()
	ctx := context.Background()

	runA := NewRun(store.Hierarchy(), tenantA, uuid.New())
	pa, _, err := runA.Resolve(ctx, tenantA, "HQ", "Main")
	require.NoError(t, err)
	commitStaged(t, store, runA)

	runB := NewRun(store.Hierarchy(), tenantB, uuid.New())
	pb, _, err := runB.Resolve(ctx, tenantB, "HQ", "Main")
	require.NoError(t, err)
	assert.NotEqual(t, pa, pb)

	_, _, err = runB.Resolve(ctx, tenantA, "HQ", "Main")
	require.Error(t, err)
}

func TestResolveSameBuildingNameUnderNewProperties(t *testing.T) {
	store := memory.NewStore()
	tenant := uuid.New()
	run := NewRun(store.Hierarchy(), tenant, uuid.New())
	ctx := context.Background()

	north, northTower, err := run.Resolve(ctx, tenant, "North Site", "Tower")
	require.NoError(t, err)
	south, southTower, err := run.Resolve(ctx, tenant, "South Site", "tower")
	require.NoError(t, err)

	assert.NotEqual(t, north, south)
	assert.NotEqual(t, northTower, southTower)
	properties, buildings := run.Staged()
	assert.Len(t, properties, 2)
	assert.Len(t, buildings, 2)

	commitStaged(t, store, run)
	assert.Len(t, store.Buildings(), 2)
}

func TestStageRejectsSecondIDForOneName(t *testing.T) {
	store := memory.NewStore()
	tenant := uuid.New()
	run := NewRun(store.Hierarchy(), tenant, uuid.New())

	property := domain.NewProperty(tenant, "HQ")
	key := propertyKey{tenantID: tenant, name: property.NormalizedName}
	require.NoError(t, run.stageProperty(key, property))
	_, err := run.stageBuilding(property.ID, "Main")
	require.NoError(t, err)

	_, err = run.stageBuilding(property.ID, " main ")
	require.ErrorIs(t, err, ErrHierarchyConflict)
	err = run.stageProperty(key, domain.NewProperty(tenant, "hq"))
	require.ErrorIs(t, err, ErrHierarchyConflict)

	properties, buildings := run.Staged()
	assert.Len(t, properties, 1)
	assert.Len(t, buildings, 1)
}

func TestDiscardForgetsStagedIDs(t *testing.T) {
	store := memory.NewStore()
	tenant := uuid.New()
	run := NewRun(store.Hierarchy(), tenant, uuid.New())
	ctx := context.Background()

	p1, b1, err := run.Resolve(ctx, tenant, "HQ", "Main")
	require.NoError(t, err)
	run.Discard()

	p2, b2, err := run.Resolve(ctx, tenant, "HQ", "Main")
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2)
	assert.NotEqual(t, b1, b2)

	properties, buildings := run.Staged()
	assert.Len(t, properties, 1)
	assert.Len(t, buildings, 1)
}

type failingHierarchy struct {
	repository.HierarchyRepository
}

func (failingHierarchy) FindPropertiesByNames(context.Context, uuid.UUID, []string) ([]domain.Property, error) {
	return nil, errors.New("connection refused")
}

func TestPrefetchPropagatesStorageErrors(t *testing.T) {
	tenant := uuid.New()
	run := NewRun(failingHierarchy{}, tenant, uuid.New())

	err := run.Prefetch(context.Background(), []domain.CandidateRecord{rec("HQ", "Main")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	_, _, err = run.Resolve(context.Background(), tenant, "HQ", "Main")
	require.Error(t, err)
}

package hierarchy

import (
	"context"
	"fmt"
	"time"

	"github.com/rpattn/assetimport/internal/domain"
	"github.com/rpattn/assetimport/internal/repository"

	"github.com/google/uuid"
	"github.com/graph-gophers/dataloader"
)

const (
	loaderWait     = 2 * time.Millisecond
	loaderCapacity = 1000
)

// buildingLoaderKey identifies a building name under an existing property.
type buildingLoaderKey domain.BuildingKey

func (k buildingLoaderKey) String() string {
	return k.PropertyID.String() + "/" + k.NormalizedName
}

func (k buildingLoaderKey) Raw() interface{} {
	return domain.BuildingKey(k)
}

// newPropertyLoader batches property lookups by normalized name. Missing names resolve to nil.
func newPropertyLoader(repo repository.HierarchyRepository, tenantID uuid.UUID) *dataloader.Loader {
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		names := keys.Keys()

		properties, err := repo.FindPropertiesByNames(ctx, tenantID, names)
		if err != nil {
			return errorResults(len(keys), fmt.Errorf("find properties: %w", err))
		}

		byName := make(map[string]domain.Property, len(properties))
		for _, p := range properties {
			byName[p.NormalizedName] = p
		}

		results := make([]*dataloader.Result, len(keys))
		for i, name := range names {
			if p, ok := byName[name]; ok {
				results[i] = &dataloader.Result{Data: p}
			} else {
				results[i] = &dataloader.Result{Data: nil}
			}
		}
		return results
	}

	// The run keeps its own cache so staged entries can be dropped on a failed commit.
	return dataloader.NewBatchedLoader(batchFn,
		dataloader.WithWait(loaderWait),
		dataloader.WithBatchCapacity(loaderCapacity),
		dataloader.WithCache(&dataloader.NoCache{}),
	)
}

// newBuildingLoader batches building lookups keyed by parent property and normalized name.
func newBuildingLoader(repo repository.HierarchyRepository, tenantID uuid.UUID) *dataloader.Loader {
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		lookup := make([]domain.BuildingKey, len(keys))
		for i, k := range keys {
			key, ok := k.Raw().(domain.BuildingKey)
			if !ok {
				return errorResults(len(keys), fmt.Errorf("invalid building key %q", k.String()))
			}
			lookup[i] = key
		}

		buildings, err := repo.FindBuildingsByNames(ctx, tenantID, lookup)
		if err != nil {
			return errorResults(len(keys), fmt.Errorf("find buildings: %w", err))
		}

		byKey := make(map[domain.BuildingKey]domain.Building, len(buildings))
		for _, b := range buildings {
			byKey[domain.BuildingKey{PropertyID: b.PropertyID, NormalizedName: b.NormalizedName}] = b
		}

		results := make([]*dataloader.Result, len(keys))
		for i, key := range lookup {
			if b, ok := byKey[key]; ok {
				results[i] = &dataloader.Result{Data: b}
			} else {
				results[i] = &dataloader.Result{Data: nil}
			}
		}
		return results
	}

	return dataloader.NewBatchedLoader(batchFn,
		dataloader.WithWait(loaderWait),
		dataloader.WithBatchCapacity(loaderCapacity),
		dataloader.WithCache(&dataloader.NoCache{}),
	)
}

func errorResults(n int, err error) []*dataloader.Result {
	results := make([]*dataloader.Result, n)
	for i := range results {
		results[i] = &dataloader.Result{Error: err}
	}
	return results
}

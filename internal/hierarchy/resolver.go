// Package hierarchy resolves property and building names to ids during an import run.
package hierarchy

import (
	"context"
	"errors"
	"fmt"

	"github.com/rpattn/assetimport/internal/domain"
	"github.com/rpattn/assetimport/internal/repository"

	"github.com/google/uuid"
	"github.com/graph-gophers/dataloader"
)

// ErrHierarchyConflict is returned when one normalized name would be staged twice with
// different ids within the same batch.
var ErrHierarchyConflict = errors.New("hierarchy conflict")

type propertyKey struct {
	tenantID uuid.UUID
	name     string
}

type buildingKey struct {
	tenantID   uuid.UUID
	propertyID uuid.UUID
	name       string
}

// Run is the per-job resolution context. It is not safe for concurrent use; a job is
// processed by a single worker.
type Run struct {
	tenantID uuid.UUID
	jobID    uuid.UUID

	properties map[propertyKey]uuid.UUID
	buildings  map[buildingKey]uuid.UUID
	// absent* remember names confirmed missing from storage during the current batch.
	absentProperties map[propertyKey]struct{}
	absentBuildings  map[buildingKey]struct{}

	stagedProperties  []domain.Property
	stagedBuildings   []domain.Building
	stagedPropertyIDs map[uuid.UUID]struct{}

	propertyLoader *dataloader.Loader
	buildingLoader *dataloader.Loader
}

// NewRun creates a resolver bound to one job and tenant.
func NewRun(repo repository.HierarchyRepository, tenantID, jobID uuid.UUID) *Run {
	r := &Run{
		tenantID:       tenantID,
		jobID:          jobID,
		properties:     make(map[propertyKey]uuid.UUID),
		buildings:      make(map[buildingKey]uuid.UUID),
		propertyLoader: newPropertyLoader(repo, tenantID),
		buildingLoader: newBuildingLoader(repo, tenantID),
	}
	r.resetBatch()
	return r
}

func (r *Run) resetBatch() {
	r.absentProperties = make(map[propertyKey]struct{})
	r.absentBuildings = make(map[buildingKey]struct{})
	r.stagedProperties = nil
	r.stagedBuildings = nil
	r.stagedPropertyIDs = make(map[uuid.UUID]struct{})
}

// Prefetch loads every property and building referenced by records that is not cached
// yet, in as few storage round trips as possible.
func (r *Run) Prefetch(ctx context.Context, records []domain.CandidateRecord) error {
	var propertyKeys dataloader.Keys
	seen := make(map[propertyKey]struct{})
	for _, rec := range records {
		key := propertyKey{tenantID: r.tenantID, name: domain.NormalizeName(rec.PropertyName)}
		if key.name == "" || r.knownProperty(key) {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		propertyKeys = append(propertyKeys, dataloader.StringKey(key.name))
	}
	if len(propertyKeys) > 0 {
		values, errs := r.propertyLoader.LoadMany(ctx, propertyKeys)()
		if err := firstError(errs); err != nil {
			return err
		}
		for i, value := range values {
			key := propertyKey{tenantID: r.tenantID, name: propertyKeys[i].String()}
			if p, ok := value.(domain.Property); ok {
				r.properties[key] = p.ID
			} else {
				r.absentProperties[key] = struct{}{}
			}
		}
	}

	var buildingKeys dataloader.Keys
	seenBuildings := make(map[buildingKey]struct{})
	for _, rec := range records {
		propertyID, ok := r.properties[propertyKey{tenantID: r.tenantID, name: domain.NormalizeName(rec.PropertyName)}]
		if !ok || r.isStaged(propertyID) {
			continue
		}
		key := buildingKey{tenantID: r.tenantID, propertyID: propertyID, name: domain.NormalizeName(rec.BuildingName)}
		if key.name == "" || r.knownBuilding(key) {
			continue
		}
		if _, dup := seenBuildings[key]; dup {
			continue
		}
		seenBuildings[key] = struct{}{}
		buildingKeys = append(buildingKeys, buildingLoaderKey{PropertyID: propertyID, NormalizedName: key.name})
	}
	if len(buildingKeys) > 0 {
		values, errs := r.buildingLoader.LoadMany(ctx, buildingKeys)()
		if err := firstError(errs); err != nil {
			return err
		}
		for i, value := range values {
			raw := buildingKeys[i].Raw().(domain.BuildingKey)
			key := buildingKey{tenantID: r.tenantID, propertyID: raw.PropertyID, name: raw.NormalizedName}
			if b, ok := value.(domain.Building); ok {
				r.buildings[key] = b.ID
			} else {
				r.absentBuildings[key] = struct{}{}
			}
		}
	}
	return nil
}

// Resolve finds or stages the property and building a row belongs to. Staged entities
// are visible to later rows immediately but are only written by the batch commit.
func (r *Run) Resolve(ctx context.Context, tenantID uuid.UUID, propertyName, buildingName string) (uuid.UUID, uuid.UUID, error) {
	if tenantID != r.tenantID {
		return uuid.Nil, uuid.Nil, fmt.Errorf("hierarchy run for tenant %s cannot resolve tenant %s", r.tenantID, tenantID)
	}
	pKey := propertyKey{tenantID: tenantID, name: domain.NormalizeName(propertyName)}
	bName := domain.NormalizeName(buildingName)
	if pKey.name == "" || bName == "" {
		return uuid.Nil, uuid.Nil, errors.New("property and building names are required")
	}

	propertyID, found, err := r.findProperty(ctx, pKey)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}

	if !found {
		property := domain.NewProperty(tenantID, propertyName)
		property.ImportJobID = &r.jobID
		if err := r.stageProperty(pKey, property); err != nil {
			return uuid.Nil, uuid.Nil, err
		}
		building, err := r.stageBuilding(property.ID, buildingName)
		if err != nil {
			return uuid.Nil, uuid.Nil, err
		}
		return property.ID, building.ID, nil
	}

	bKey := buildingKey{tenantID: tenantID, propertyID: propertyID, name: bName}
	if buildingID, ok := r.buildings[bKey]; ok {
		return propertyID, buildingID, nil
	}

	if r.isStaged(propertyID) {
		building, err := r.stageBuilding(propertyID, buildingName)
		if err != nil {
			return uuid.Nil, uuid.Nil, err
		}
		return propertyID, building.ID, nil
	}

	buildingID, found, err := r.findBuilding(ctx, bKey)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	if !found {
		building, err := r.stageBuilding(propertyID, buildingName)
		if err != nil {
			return uuid.Nil, uuid.Nil, err
		}
		buildingID = building.ID
	}
	return propertyID, buildingID, nil
}

// Staged returns the creations pending for the current batch, parents before children.
func (r *Run) Staged() ([]domain.Property, []domain.Building) {
	return append([]domain.Property(nil), r.stagedProperties...), append([]domain.Building(nil), r.stagedBuildings...)
}

// Confirm keeps the staged ids after a successful commit.
func (r *Run) Confirm() {
	r.resetBatch()
}

// Discard forgets the staged ids after a failed commit so later batches stage them again.
func (r *Run) Discard() {
	for _, p := range r.stagedProperties {
		delete(r.properties, propertyKey{tenantID: p.TenantID, name: p.NormalizedName})
	}
	for _, b := range r.stagedBuildings {
		delete(r.buildings, buildingKey{tenantID: b.TenantID, propertyID: b.PropertyID, name: b.NormalizedName})
	}
	r.resetBatch()
}

func (r *Run) findProperty(ctx context.Context, key propertyKey) (uuid.UUID, bool, error) {
	if id, ok := r.properties[key]; ok {
		return id, true, nil
	}
	if _, ok := r.absentProperties[key]; ok {
		return uuid.Nil, false, nil
	}
	value, err := r.propertyLoader.Load(ctx, dataloader.StringKey(key.name))()
	if err != nil {
		return uuid.Nil, false, err
	}
	p, ok := value.(domain.Property)
	if !ok {
		r.absentProperties[key] = struct{}{}
		return uuid.Nil, false, nil
	}
	r.properties[key] = p.ID
	return p.ID, true, nil
}

func (r *Run) findBuilding(ctx context.Context, key buildingKey) (uuid.UUID, bool, error) {
	if _, ok := r.absentBuildings[key]; ok {
		return uuid.Nil, false, nil
	}
	value, err := r.buildingLoader.Load(ctx, buildingLoaderKey{PropertyID: key.propertyID, NormalizedName: key.name})()
	if err != nil {
		return uuid.Nil, false, err
	}
	b, ok := value.(domain.Building)
	if !ok {
		r.absentBuildings[key] = struct{}{}
		return uuid.Nil, false, nil
	}
	r.buildings[key] = b.ID
	return b.ID, true, nil
}

func (r *Run) stageProperty(key propertyKey, property domain.Property) error {
	if existing, ok := r.properties[key]; ok && existing != property.ID {
		return r.conflict("property", property.Name, existing)
	}
	delete(r.absentProperties, key)
	r.properties[key] = property.ID
	r.stagedPropertyIDs[property.ID] = struct{}{}
	r.stagedProperties = append(r.stagedProperties, property)
	return nil
}

func (r *Run) stageBuilding(propertyID uuid.UUID, name string) (domain.Building, error) {
	building := domain.NewBuilding(r.tenantID, propertyID, name)
	building.ImportJobID = &r.jobID
	key := buildingKey{tenantID: r.tenantID, propertyID: propertyID, name: building.NormalizedName}
	if existing, ok := r.buildings[key]; ok && existing != building.ID {
		return domain.Building{}, r.conflict("building", building.Name, existing)
	}
	delete(r.absentBuildings, key)
	r.buildings[key] = building.ID
	r.stagedBuildings = append(r.stagedBuildings, building)
	return building, nil
}

func (r *Run) isStaged(propertyID uuid.UUID) bool {
	_, ok := r.stagedPropertyIDs[propertyID]
	return ok
}

func (r *Run) knownProperty(key propertyKey) bool {
	if _, ok := r.properties[key]; ok {
		return true
	}
	_, ok := r.absentProperties[key]
	return ok
}

func (r *Run) knownBuilding(key buildingKey) bool {
	if _, ok := r.buildings[key]; ok {
		return true
	}
	_, ok := r.absentBuildings[key]
	return ok
}

func (r *Run) conflict(kind, name string, existing uuid.UUID) error {
	return fmt.Errorf("%w: %s %q is already staged as %s in this batch", ErrHierarchyConflict, kind, name, existing)
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

package repository

import (
	"context"
	"fmt"

	"github.com/rpattn/assetimport/internal/db"
	"github.com/rpattn/assetimport/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

type hierarchyRepository struct {
	conn db.DBTX
}

// NewHierarchyRepository wires a property/building repository backed by pgx.
func NewHierarchyRepository(conn db.DBTX) HierarchyRepository {
	return &hierarchyRepository{conn: conn}
}

func (r *hierarchyRepository) FindPropertiesByNames(ctx context.Context, tenantID uuid.UUID, normalizedNames []string) ([]domain.Property, error) {
	if len(normalizedNames) == 0 {
		return []domain.Property{}, nil
	}
	rows, err := r.conn.Query(
		ctx,
		`SELECT id, tenant_id, name, normalized_name, import_job_id, created_at
		 FROM properties
		 WHERE tenant_id = $1 AND normalized_name = ANY($2)`,
		tenantID,
		normalizedNames,
	)
	if err != nil {
		return nil, fmt.Errorf("find properties: %w", err)
	}
	defer rows.Close()

	properties := []domain.Property{}
	for rows.Next() {
		var (
			property domain.Property
			jobID    pgtype.UUID
		)
		if err := rows.Scan(&property.ID, &property.TenantID, &property.Name, &property.NormalizedName, &jobID, &property.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan property: %w", err)
		}
		property.ImportJobID = fromPGUUID(jobID)
		properties = append(properties, property)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate properties: %w", err)
	}
	return properties, nil
}

func (r *hierarchyRepository) FindBuildingsByNames(ctx context.Context, tenantID uuid.UUID, keys []domain.BuildingKey) ([]domain.Building, error) {
	if len(keys) == 0 {
		return []domain.Building{}, nil
	}
	propertyIDs := make([]uuid.UUID, len(keys))
	names := make([]string, len(keys))
	for i, key := range keys {
		propertyIDs[i] = key.PropertyID
		names[i] = key.NormalizedName
	}

	rows, err := r.conn.Query(
		ctx,
		`SELECT b.id, b.tenant_id, b.property_id, b.name, b.normalized_name, b.import_job_id, b.created_at
		 FROM buildings b
		 JOIN unnest($2::uuid[], $3::text[]) AS k(property_id, normalized_name)
		   ON b.property_id = k.property_id AND b.normalized_name = k.normalized_name
		 WHERE b.tenant_id = $1`,
		tenantID,
		propertyIDs,
		names,
	)
	if err != nil {
		return nil, fmt.Errorf("find buildings: %w", err)
	}
	defer rows.Close()

	buildings := []domain.Building{}
	for rows.Next() {
		var (
			building domain.Building
			jobID    pgtype.UUID
		)
		if err := rows.Scan(&building.ID, &building.TenantID, &building.PropertyID, &building.Name, &building.NormalizedName, &jobID, &building.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan building: %w", err)
		}
		building.ImportJobID = fromPGUUID(jobID)
		buildings = append(buildings, building)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate buildings: %w", err)
	}
	return buildings, nil
}

func (r *hierarchyRepository) InsertProperties(ctx context.Context, properties []domain.Property) error {
	if len(properties) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range properties {
		batch.Queue(
			`INSERT INTO properties (id, tenant_id, name, normalized_name, import_job_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			p.ID, p.TenantID, p.Name, p.NormalizedName, toPGUUID(p.ImportJobID), p.CreatedAt,
		)
	}
	if err := r.conn.SendBatch(ctx, batch).Close(); err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("insert properties: created concurrently by another import: %w", err)
		}
		return fmt.Errorf("insert properties: %w", err)
	}
	return nil
}

func (r *hierarchyRepository) InsertBuildings(ctx context.Context, buildings []domain.Building) error {
	if len(buildings) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, b := range buildings {
		batch.Queue(
			`INSERT INTO buildings (id, tenant_id, property_id, name, normalized_name, import_job_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			b.ID, b.TenantID, b.PropertyID, b.Name, b.NormalizedName, toPGUUID(b.ImportJobID), b.CreatedAt,
		)
	}
	if err := r.conn.SendBatch(ctx, batch).Close(); err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("insert buildings: created concurrently by another import: %w", err)
		}
		return fmt.Errorf("insert buildings: %w", err)
	}
	return nil
}

func (r *hierarchyRepository) DeleteProperties(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.conn.Exec(ctx, `DELETE FROM properties WHERE tenant_id = $1 AND id = ANY($2)`, tenantID, ids); err != nil {
		return fmt.Errorf("delete properties: %w", err)
	}
	return nil
}

func (r *hierarchyRepository) DeleteBuildings(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.conn.Exec(ctx, `DELETE FROM buildings WHERE tenant_id = $1 AND id = ANY($2)`, tenantID, ids); err != nil {
		return fmt.Errorf("delete buildings: %w", err)
	}
	return nil
}

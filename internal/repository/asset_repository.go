package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rpattn/assetimport/internal/db"
	"github.com/rpattn/assetimport/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

type assetRepository struct {
	conn db.DBTX
}

// NewAssetRepository wires an asset repository backed by pgx.
func NewAssetRepository(conn db.DBTX) AssetRepository {
	return &assetRepository{conn: conn}
}

func (r *assetRepository) LockByCodes(ctx context.Context, tenantID uuid.UUID, codes []string) (map[string]domain.Asset, error) {
	out := make(map[string]domain.Asset, len(codes))
	if len(codes) == 0 {
		return out, nil
	}
	rows, err := r.conn.Query(
		ctx,
		`SELECT id, tenant_id, building_id, code, name, classification_code, description,
		        manufacturer, model, serial_number, attributes, import_job_id, created_at, updated_at
		 FROM assets
		 WHERE tenant_id = $1 AND code = ANY($2)
		 ORDER BY code
		 FOR UPDATE`,
		tenantID,
		codes,
	)
	if err != nil {
		return nil, fmt.Errorf("lock assets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			asset      domain.Asset
			attributes []byte
			jobID      pgtype.UUID
		)
		if err := rows.Scan(
			&asset.ID,
			&asset.TenantID,
			&asset.BuildingID,
			&asset.Code,
			&asset.Name,
			&asset.ClassificationCode,
			&asset.Description,
			&asset.Manufacturer,
			&asset.Model,
			&asset.SerialNumber,
			&attributes,
			&jobID,
			&asset.CreatedAt,
			&asset.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		if len(attributes) > 0 {
			if err := json.Unmarshal(attributes, &asset.Attributes); err != nil {
				return nil, fmt.Errorf("decode asset %s attributes: %w", asset.Code, err)
			}
		}
		asset.ImportJobID = fromPGUUID(jobID)
		out[asset.Code] = asset
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assets: %w", err)
	}
	return out, nil
}

func (r *assetRepository) Apply(ctx context.Context, writes []AssetWrite) error {
	if len(writes) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, write := range writes {
		a := write.Asset
		attributes, err := marshalAttributes(a.Attributes)
		if err != nil {
			return fmt.Errorf("marshal asset %s attributes: %w", a.Code, err)
		}
		if write.Insert {
			batch.Queue(
				`INSERT INTO assets (id, tenant_id, building_id, code, name, classification_code, description,
				                     manufacturer, model, serial_number, attributes, import_job_id, created_at, updated_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
				a.ID, a.TenantID, a.BuildingID, a.Code, a.Name, a.ClassificationCode, a.Description,
				a.Manufacturer, a.Model, a.SerialNumber, attributes, toPGUUID(a.ImportJobID), a.CreatedAt, a.UpdatedAt,
			)
			continue
		}
		batch.Queue(
			`UPDATE assets
			 SET building_id = $3, name = $4, classification_code = $5, description = $6, manufacturer = $7,
			     model = $8, serial_number = $9, attributes = $10, import_job_id = $11, updated_at = $12
			 WHERE tenant_id = $1 AND id = $2`,
			a.TenantID, a.ID, a.BuildingID, a.Name, a.ClassificationCode, a.Description, a.Manufacturer,
			a.Model, a.SerialNumber, attributes, toPGUUID(a.ImportJobID), a.UpdatedAt,
		)
	}
	if err := r.conn.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("write assets: %w", err)
	}
	return nil
}

func (r *assetRepository) Restore(ctx context.Context, tenantID uuid.UUID, snapshots []domain.AssetSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, s := range snapshots {
		attributes, err := marshalAttributes(s.Attributes)
		if err != nil {
			return fmt.Errorf("marshal snapshot %s attributes: %w", s.ID, err)
		}
		updatedAt := s.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now()
		}
		batch.Queue(
			`UPDATE assets
			 SET building_id = $3, name = $4, classification_code = $5, description = $6, manufacturer = $7,
			     model = $8, serial_number = $9, attributes = $10, import_job_id = $11, updated_at = $12
			 WHERE tenant_id = $1 AND id = $2`,
			tenantID, s.ID, s.BuildingID, s.Name, s.ClassificationCode, s.Description, s.Manufacturer,
			s.Model, s.SerialNumber, attributes, toPGUUID(s.ImportJobID), updatedAt,
		)
	}
	if err := r.conn.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("restore assets: %w", err)
	}
	return nil
}

func (r *assetRepository) Delete(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.conn.Exec(ctx, `DELETE FROM assets WHERE tenant_id = $1 AND id = ANY($2)`, tenantID, ids); err != nil {
		return fmt.Errorf("delete assets: %w", err)
	}
	return nil
}

func marshalAttributes(attributes domain.Attributes) ([]byte, error) {
	if attributes == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(attributes)
}

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rpattn/assetimport/internal/db"
	"github.com/rpattn/assetimport/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

type classificationRepository struct {
	conn db.DBTX
}

// NewClassificationRepository wires a classification code repository backed by pgx.
func NewClassificationRepository(conn db.DBTX) ClassificationRepository {
	return &classificationRepository{conn: conn}
}

const classificationColumns = `code, version, display_name, category, active, parent_code, fields, created_at, updated_at`

func (r *classificationRepository) GetByCode(ctx context.Context, code string) (domain.ClassificationCode, error) {
	row := r.conn.QueryRow(ctx,
		`SELECT `+classificationColumns+` FROM classification_codes WHERE code = $1`,
		domain.NormalizeClassificationCode(code))
	out, err := scanClassification(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ClassificationCode{}, fmt.Errorf("classification code %s: %w", code, ErrNotFound)
		}
		return domain.ClassificationCode{}, fmt.Errorf("get classification code: %w", err)
	}
	return out, nil
}

func (r *classificationRepository) List(ctx context.Context) ([]domain.ClassificationCode, error) {
	rows, err := r.conn.Query(ctx, `SELECT `+classificationColumns+` FROM classification_codes ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("list classification codes: %w", err)
	}
	defer rows.Close()

	codes := []domain.ClassificationCode{}
	for rows.Next() {
		code, scanErr := scanClassification(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan classification code: %w", scanErr)
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate classification codes: %w", err)
	}
	return codes, nil
}

// Save upserts the code, bumping its version when it already exists.
func (r *classificationRepository) Save(ctx context.Context, code domain.ClassificationCode) (domain.ClassificationCode, error) {
	fields := code.Fields
	if fields == nil {
		fields = []domain.FieldDefinition{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return domain.ClassificationCode{}, fmt.Errorf("marshal field definitions: %w", err)
	}
	parent := pgtype.Text{}
	if code.ParentCode != nil && *code.ParentCode != "" {
		parent = pgtype.Text{String: domain.NormalizeClassificationCode(*code.ParentCode), Valid: true}
	}

	row := r.conn.QueryRow(
		ctx,
		`INSERT INTO classification_codes (code, version, display_name, category, active, parent_code, fields)
		 VALUES ($1, 1, $2, $3, $4, $5, $6)
		 ON CONFLICT (code) DO UPDATE
		 SET version = classification_codes.version + 1,
		     display_name = EXCLUDED.display_name,
		     category = EXCLUDED.category,
		     active = EXCLUDED.active,
		     parent_code = EXCLUDED.parent_code,
		     fields = EXCLUDED.fields,
		     updated_at = now()
		 RETURNING `+classificationColumns,
		domain.NormalizeClassificationCode(code.Code),
		code.DisplayName,
		code.Category,
		code.Active,
		parent,
		fieldsJSON,
	)
	saved, err := scanClassification(row)
	if err != nil {
		return domain.ClassificationCode{}, fmt.Errorf("save classification code: %w", err)
	}
	return saved, nil
}

func scanClassification(row pgx.Row) (domain.ClassificationCode, error) {
	var (
		code       domain.ClassificationCode
		parent     pgtype.Text
		fieldsJSON []byte
	)
	if err := row.Scan(
		&code.Code,
		&code.Version,
		&code.DisplayName,
		&code.Category,
		&code.Active,
		&parent,
		&fieldsJSON,
		&code.CreatedAt,
		&code.UpdatedAt,
	); err != nil {
		return domain.ClassificationCode{}, err
	}
	if parent.Valid {
		value := parent.String
		code.ParentCode = &value
	}
	if len(fieldsJSON) > 0 {
		if err := json.Unmarshal(fieldsJSON, &code.Fields); err != nil {
			return domain.ClassificationCode{}, fmt.Errorf("decode field definitions: %w", err)
		}
	}
	return code, nil
}

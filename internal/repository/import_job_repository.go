package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rpattn/assetimport/internal/db"
	"github.com/rpattn/assetimport/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

type importJobRepository struct {
	conn db.DBTX
}

// NewImportJobRepository wires a job store backed by pgx.
func NewImportJobRepository(conn db.DBTX) ImportJobRepository {
	return &importJobRepository{conn: conn}
}

const importJobColumns = `id, tenant_id, user_id, file_name, status, total_rows, processed_rows,
	successful_rows, failed_rows, batch_size, mapping, source_headers, errors, warnings,
	rollback_ledger, cancel_requested, failure_reason, created_at, started_at, completed_at,
	last_progress_at, updated_at`

func (r *importJobRepository) Create(ctx context.Context, job domain.ImportJob) (domain.ImportJob, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = domain.ImportJobStatusPending
	}
	mappingJSON, err := json.Marshal(job.Mapping)
	if err != nil {
		return domain.ImportJob{}, fmt.Errorf("marshal column mapping: %w", err)
	}
	ledgerJSON, err := job.Ledger.ToJSON()
	if err != nil {
		return domain.ImportJob{}, fmt.Errorf("marshal rollback ledger: %w", err)
	}

	if _, err := r.conn.Exec(
		ctx,
		`INSERT INTO import_jobs (id, tenant_id, user_id, file_name, status, batch_size, mapping, rollback_ledger)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID,
		job.TenantID,
		job.UserID,
		job.FileName,
		string(job.Status),
		job.BatchSize,
		mappingJSON,
		ledgerJSON,
	); err != nil {
		return domain.ImportJob{}, fmt.Errorf("insert import job: %w", err)
	}

	return r.GetByID(ctx, job.ID)
}

func (r *importJobRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.ImportJob, error) {
	row := r.conn.QueryRow(ctx, `SELECT `+importJobColumns+` FROM import_jobs WHERE id = $1`, id)
	job, err := scanImportJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ImportJob{}, fmt.Errorf("get import job %s: %w", id, ErrNotFound)
		}
		return domain.ImportJob{}, fmt.Errorf("get import job: %w", err)
	}
	return job, nil
}

func (r *importJobRepository) List(ctx context.Context, tenantID *uuid.UUID, statuses []domain.ImportJobStatus, limit int, offset int) ([]domain.ImportJob, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	statusValues := []string{}
	for _, status := range statuses {
		statusValues = append(statusValues, string(status))
	}

	rows, err := r.conn.Query(
		ctx,
		`SELECT `+importJobColumns+`
		 FROM import_jobs
		 WHERE ($1::uuid IS NULL OR tenant_id = $1)
		   AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		 ORDER BY created_at DESC
		 LIMIT $3 OFFSET $4`,
		toPGUUID(tenantID),
		statusValues,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list import jobs: %w", err)
	}
	defer rows.Close()

	jobs := []domain.ImportJob{}
	for rows.Next() {
		job, scanErr := scanImportJob(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan import job: %w", scanErr)
		}
		jobs = append(jobs, job)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterate import jobs: %w", rowsErr)
	}
	return jobs, nil
}

func (r *importJobRepository) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	return r.transition(ctx, "mark import job processing",
		`UPDATE import_jobs
		 SET status = 'PROCESSING', started_at = now(), last_progress_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'PENDING'`, id)
}

func (r *importJobRepository) SetSourceHeaders(ctx context.Context, id uuid.UUID, headers []string) error {
	if headers == nil {
		headers = []string{}
	}
	payload, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("marshal source headers: %w", err)
	}
	return r.transition(ctx, "set import job headers",
		`UPDATE import_jobs SET source_headers = $2, updated_at = now()
		 WHERE id = $1 AND status = 'PROCESSING'`, id, payload)
}

func (r *importJobRepository) RecordBatch(ctx context.Context, id uuid.UUID, record BatchRecord) error {
	if record.Processed != record.Succeeded+record.Failed {
		return fmt.Errorf("batch counters inconsistent: processed=%d succeeded=%d failed=%d",
			record.Processed, record.Succeeded, record.Failed)
	}
	errorsJSON, err := domain.RowErrorsToJSON(record.Errors)
	if err != nil {
		return fmt.Errorf("marshal row errors: %w", err)
	}
	warningsJSON, err := domain.RowErrorsToJSON(record.Warnings)
	if err != nil {
		return fmt.Errorf("marshal row warnings: %w", err)
	}
	diff := record.LedgerDiff
	createdProperties, _ := json.Marshal(nonNilUUIDs(diff.CreatedProperties))
	createdBuildings, _ := json.Marshal(nonNilUUIDs(diff.CreatedBuildings))
	createdAssets, _ := json.Marshal(nonNilUUIDs(diff.CreatedAssets))
	updated := diff.UpdatedAssets
	if updated == nil {
		updated = []domain.AssetSnapshot{}
	}
	updatedAssets, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("marshal asset snapshots: %w", err)
	}

	return r.transition(ctx, "record import batch",
		`UPDATE import_jobs
		 SET processed_rows = processed_rows + $2,
		     successful_rows = successful_rows + $3,
		     failed_rows = failed_rows + $4,
		     errors = errors || $5::jsonb,
		     warnings = warnings || $6::jsonb,
		     rollback_ledger = jsonb_build_object(
		         'createdProperties', COALESCE(rollback_ledger->'createdProperties', '[]'::jsonb) || $7::jsonb,
		         'createdBuildings', COALESCE(rollback_ledger->'createdBuildings', '[]'::jsonb) || $8::jsonb,
		         'createdAssets', COALESCE(rollback_ledger->'createdAssets', '[]'::jsonb) || $9::jsonb,
		         'updatedAssets', COALESCE(rollback_ledger->'updatedAssets', '[]'::jsonb) || $10::jsonb
		     ),
		     last_progress_at = now(),
		     updated_at = now()
		 WHERE id = $1 AND status = 'PROCESSING'`,
		id,
		record.Processed,
		record.Succeeded,
		record.Failed,
		errorsJSON,
		warningsJSON,
		createdProperties,
		createdBuildings,
		createdAssets,
		updatedAssets,
	)
}

func (r *importJobRepository) SetTotalRows(ctx context.Context, id uuid.UUID, total int) error {
	return r.transition(ctx, "set import job total",
		`UPDATE import_jobs SET total_rows = GREATEST($2, processed_rows), updated_at = now()
		 WHERE id = $1 AND status = 'PROCESSING'`, id, total)
}

func (r *importJobRepository) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	return r.transition(ctx, "mark import job completed",
		`UPDATE import_jobs SET status = 'COMPLETED', completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'PROCESSING'`, id)
}

func (r *importJobRepository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return r.transition(ctx, "mark import job failed",
		`UPDATE import_jobs
		 SET status = 'FAILED', failure_reason = $2, completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status IN ('PENDING', 'PROCESSING')`, id, nullableText(reason))
}

func (r *importJobRepository) MarkCancelled(ctx context.Context, id uuid.UUID) error {
	return r.transition(ctx, "mark import job cancelled",
		`UPDATE import_jobs SET status = 'CANCELLED', completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'PROCESSING'`, id)
}

func (r *importJobRepository) RequestCancel(ctx context.Context, id uuid.UUID) error {
	return r.transition(ctx, "request import job cancel",
		`UPDATE import_jobs SET cancel_requested = TRUE, updated_at = now()
		 WHERE id = $1 AND status = 'PROCESSING'`, id)
}

func (r *importJobRepository) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var requested bool
	err := r.conn.QueryRow(ctx, `SELECT cancel_requested FROM import_jobs WHERE id = $1`, id).Scan(&requested)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("import job %s: %w", id, ErrNotFound)
		}
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return requested, nil
}

func (r *importJobRepository) FailStalled(ctx context.Context, before time.Time, reason string) ([]uuid.UUID, error) {
	rows, err := r.conn.Query(
		ctx,
		`UPDATE import_jobs
		 SET status = CASE status WHEN 'ROLLING_BACK' THEN 'ROLLBACK_FAILED' ELSE 'FAILED' END,
		     failure_reason = $2,
		     completed_at = CASE status WHEN 'PROCESSING' THEN now() ELSE completed_at END,
		     updated_at = now()
		 WHERE status IN ('PROCESSING', 'ROLLING_BACK')
		   AND COALESCE(last_progress_at, started_at, created_at) < $1
		 RETURNING id`,
		before,
		reason,
	)
	if err != nil {
		return nil, fmt.Errorf("fail stalled import jobs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stalled import job: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *importJobRepository) MarkRollingBack(ctx context.Context, id uuid.UUID) error {
	return r.transition(ctx, "mark import job rolling back",
		`UPDATE import_jobs SET status = 'ROLLING_BACK', last_progress_at = now(), updated_at = now()
		 WHERE id = $1
		   AND (status = 'COMPLETED'
		        OR (status = 'FAILED' AND (
		            jsonb_array_length(COALESCE(rollback_ledger->'createdProperties', '[]'::jsonb)) > 0
		            OR jsonb_array_length(COALESCE(rollback_ledger->'createdBuildings', '[]'::jsonb)) > 0
		            OR jsonb_array_length(COALESCE(rollback_ledger->'createdAssets', '[]'::jsonb)) > 0
		            OR jsonb_array_length(COALESCE(rollback_ledger->'updatedAssets', '[]'::jsonb)) > 0)))`, id)
}

func (r *importJobRepository) RecordRollbackStep(ctx context.Context, id uuid.UUID, step string) error {
	return r.transition(ctx, "record rollback step",
		`UPDATE import_jobs
		 SET rollback_ledger = jsonb_set(
		         rollback_ledger,
		         '{completedSteps}',
		         COALESCE(rollback_ledger->'completedSteps', '[]'::jsonb) || to_jsonb($2::text)
		     ),
		     last_progress_at = now(),
		     updated_at = now()
		 WHERE id = $1 AND status = 'ROLLING_BACK'`, id, step)
}

func (r *importJobRepository) MarkRolledBack(ctx context.Context, id uuid.UUID) error {
	return r.transition(ctx, "mark import job rolled back",
		`UPDATE import_jobs
		 SET status = 'ROLLED_BACK',
		     rollback_ledger = '{"createdProperties":[],"createdBuildings":[],"createdAssets":[],"updatedAssets":[]}'::jsonb,
		     updated_at = now()
		 WHERE id = $1 AND status = 'ROLLING_BACK'`, id)
}

func (r *importJobRepository) MarkRollbackFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return r.transition(ctx, "mark import job rollback failed",
		`UPDATE import_jobs SET status = 'ROLLBACK_FAILED', failure_reason = $2, updated_at = now()
		 WHERE id = $1 AND status = 'ROLLING_BACK'`, id, nullableText(reason))
}

func (r *importJobRepository) transition(ctx context.Context, op string, sql string, args ...any) error {
	tag, err := r.conn.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobStatusConflict
	}
	return nil
}

func scanImportJob(row pgx.Row) (domain.ImportJob, error) {
	var (
		job            domain.ImportJob
		status         string
		totalRows      pgtype.Int4
		mappingJSON    []byte
		headersJSON    []byte
		errorsJSON     []byte
		warningsJSON   []byte
		ledgerJSON     []byte
		failureReason  pgtype.Text
		startedAt      pgtype.Timestamptz
		completedAt    pgtype.Timestamptz
		lastProgressAt pgtype.Timestamptz
	)
	if err := row.Scan(
		&job.ID,
		&job.TenantID,
		&job.UserID,
		&job.FileName,
		&status,
		&totalRows,
		&job.ProcessedRows,
		&job.SuccessfulRows,
		&job.FailedRows,
		&job.BatchSize,
		&mappingJSON,
		&headersJSON,
		&errorsJSON,
		&warningsJSON,
		&ledgerJSON,
		&job.CancelRequested,
		&failureReason,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
		&lastProgressAt,
		&job.UpdatedAt,
	); err != nil {
		return domain.ImportJob{}, err
	}

	job.Status = domain.ImportJobStatus(status)
	if totalRows.Valid {
		total := int(totalRows.Int32)
		job.TotalRows = &total
	}
	if len(mappingJSON) > 0 {
		if err := json.Unmarshal(mappingJSON, &job.Mapping); err != nil {
			return domain.ImportJob{}, fmt.Errorf("decode column mapping: %w", err)
		}
	}
	if len(headersJSON) > 0 {
		if err := json.Unmarshal(headersJSON, &job.SourceHeaders); err != nil {
			return domain.ImportJob{}, fmt.Errorf("decode source headers: %w", err)
		}
	}
	var err error
	if job.Errors, err = domain.RowErrorsFromJSON(errorsJSON); err != nil {
		return domain.ImportJob{}, fmt.Errorf("decode row errors: %w", err)
	}
	if job.Warnings, err = domain.RowErrorsFromJSON(warningsJSON); err != nil {
		return domain.ImportJob{}, fmt.Errorf("decode row warnings: %w", err)
	}
	if job.Ledger, err = domain.RollbackLedgerFromJSON(ledgerJSON); err != nil {
		return domain.ImportJob{}, fmt.Errorf("decode rollback ledger: %w", err)
	}
	if failureReason.Valid {
		reason := failureReason.String
		job.FailureReason = &reason
	}
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	job.LastProgressAt = timePtr(lastProgressAt)
	return job, nil
}

package importer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rpattn/assetimport/internal/domain"
	"github.com/rpattn/assetimport/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// retryableCommitMessage prefixes the row error recorded when a batch could not be saved.
	retryableCommitMessage = "batch could not be saved, re-run the import to retry this row"
	retryableSchemaMessage = "classification schema could not be loaded, re-run the import to retry this row"
)

// ResolvedRecord is a validated row with its building resolved.
type ResolvedRecord struct {
	Record     domain.CandidateRecord
	BuildingID uuid.UUID
	Values     domain.Attributes
}

// Batch is one contiguous chunk of rows ready for commit. Rejected rows were already
// decided by parsing, validation or hierarchy resolution.
type Batch struct {
	Properties []domain.Property
	Buildings  []domain.Building
	Records    []ResolvedRecord
	Rejected   int
	Errors     []domain.RowError
	Warnings   []domain.RowError
}

// CommitResult is the outcome recorded for a batch.
type CommitResult struct {
	Record    repository.BatchRecord
	Committed bool
	// Cause is the transaction error when Committed is false.
	Cause error
}

// Committer writes a batch and its job bookkeeping in one transaction.
type Committer struct {
	tx   repository.Transactor
	jobs repository.ImportJobRepository
	now  func() time.Time
	log  *logrus.Entry
}

// NewCommitter creates a committer. jobs is used outside the transaction to record
// a failed batch.
func NewCommitter(tx repository.Transactor, jobs repository.ImportJobRepository, log *logrus.Entry) *Committer {
	if log == nil {
		log = discardLogger()
	}
	return &Committer{tx: tx, jobs: jobs, now: time.Now, log: log.WithField("component", "batch_committer")}
}

// Commit persists staged hierarchy entities and assets, then appends the batch outcome
// to the job. If the transaction fails every row of the batch is recorded as failed.
// The returned error means the outcome could not be recorded at all.
func (c *Committer) Commit(ctx context.Context, job domain.ImportJob, batch Batch) (CommitResult, error) {
	ctx, span := tracer.Start(ctx, "importer.commit_batch", trace.WithAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.Int("batch.records", len(batch.Records)),
		attribute.Int("batch.rejected", batch.Rejected),
	))
	defer span.End()

	start := time.Now()
	var record repository.BatchRecord
	err := c.tx.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		diff, err := c.write(ctx, repos, job, batch)
		if err != nil {
			return err
		}
		record = batchRecord(batch, diff)
		return repos.Jobs.RecordBatch(ctx, job.ID, record)
	})
	metrics().commitSeconds.Observe(time.Since(start).Seconds())
	if err == nil {
		metrics().batches.WithLabelValues("committed").Inc()
		return CommitResult{Record: record, Committed: true}, nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "batch commit failed")
	metrics().batches.WithLabelValues("failed").Inc()
	if errors.Is(err, repository.ErrJobStatusConflict) || ctx.Err() != nil {
		return CommitResult{}, err
	}

	return c.Fail(ctx, job, batch, err)
}

// Fail records every row of the batch as failed because of cause, outside any
// transaction. Nothing of the batch is written.
func (c *Committer) Fail(ctx context.Context, job domain.ImportJob, batch Batch, cause error) (CommitResult, error) {
	c.log.WithError(cause).WithFields(logrus.Fields{
		"job_id": job.ID,
		"rows":   len(batch.Records) + batch.Rejected,
	}).Warn("batch could not be saved, marking rows failed")

	failed := failedBatchRecord(batch, cause)
	if err := c.jobs.RecordBatch(ctx, job.ID, failed); err != nil {
		return CommitResult{}, fmt.Errorf("record failed batch: %w (cause: %v)", err, cause)
	}
	return CommitResult{Record: failed, Cause: cause}, nil
}

func (c *Committer) write(ctx context.Context, repos repository.Repositories, job domain.ImportJob, batch Batch) (domain.RollbackLedger, error) {
	var diff domain.RollbackLedger
	if err := repos.Hierarchy.InsertProperties(ctx, batch.Properties); err != nil {
		return diff, fmt.Errorf("insert properties: %w", err)
	}
	if err := repos.Hierarchy.InsertBuildings(ctx, batch.Buildings); err != nil {
		return diff, fmt.Errorf("insert buildings: %w", err)
	}
	for _, p := range batch.Properties {
		diff.CreatedProperties = append(diff.CreatedProperties, p.ID)
	}
	for _, b := range batch.Buildings {
		diff.CreatedBuildings = append(diff.CreatedBuildings, b.ID)
	}
	if len(batch.Records) == 0 {
		return diff, nil
	}

	assetCodes := make([]string, 0, len(batch.Records))
	for _, r := range batch.Records {
		assetCodes = append(assetCodes, r.Record.AssetCode)
	}
	current, err := repos.Assets.LockByCodes(ctx, job.TenantID, assetCodes)
	if err != nil {
		return diff, fmt.Errorf("lock assets: %w", err)
	}

	now := c.now().UTC()
	jobID := job.ID
	writes := make([]repository.AssetWrite, 0, len(batch.Records))
	for _, r := range batch.Records {
		existing, found := current[r.Record.AssetCode]
		asset := buildAsset(job.TenantID, r, existing, found, now)
		asset.ImportJobID = &jobID

		if found {
			// The first pre-image wins; assets this job already touched are in the ledger.
			if existing.ImportJobID == nil || *existing.ImportJobID != jobID {
				diff.UpdatedAssets = append(diff.UpdatedAssets, existing.Snapshot())
			}
		} else {
			diff.CreatedAssets = append(diff.CreatedAssets, asset.ID)
		}
		writes = append(writes, repository.AssetWrite{Asset: asset, Insert: !found})
		current[asset.Code] = asset
	}
	if err := repos.Assets.Apply(ctx, writes); err != nil {
		return diff, fmt.Errorf("write assets: %w", err)
	}
	return diff, nil
}

// buildAsset applies a row onto the existing asset. Blank optional cells keep the
// stored value; dynamic values are merged while the classification is unchanged.
func buildAsset(tenantID uuid.UUID, r ResolvedRecord, existing domain.Asset, found bool, now time.Time) domain.Asset {
	rec := r.Record
	if !found {
		return domain.Asset{
			ID:                 uuid.New(),
			TenantID:           tenantID,
			BuildingID:         r.BuildingID,
			Code:               rec.AssetCode,
			Name:               rec.Name,
			ClassificationCode: rec.ClassificationCode,
			Description:        rec.Description,
			Manufacturer:       rec.Manufacturer,
			Model:              rec.Model,
			SerialNumber:       rec.SerialNumber,
			Attributes:         r.Values.Clone(),
			CreatedAt:          now,
			UpdatedAt:          now,
		}
	}

	asset := existing
	asset.BuildingID = r.BuildingID
	asset.Name = rec.Name
	asset.Description = keep(existing.Description, rec.Description)
	asset.Manufacturer = keep(existing.Manufacturer, rec.Manufacturer)
	asset.Model = keep(existing.Model, rec.Model)
	asset.SerialNumber = keep(existing.SerialNumber, rec.SerialNumber)
	if existing.ClassificationCode == rec.ClassificationCode {
		merged := existing.Attributes.Clone()
		if merged == nil {
			merged = domain.Attributes{}
		}
		for code, value := range r.Values {
			merged[code] = value
		}
		asset.Attributes = merged
	} else {
		asset.Attributes = r.Values.Clone()
	}
	asset.ClassificationCode = rec.ClassificationCode
	asset.UpdatedAt = now
	return asset
}

func keep(current, incoming string) string {
	if incoming == "" {
		return current
	}
	return incoming
}

func batchRecord(batch Batch, diff domain.RollbackLedger) repository.BatchRecord {
	return repository.BatchRecord{
		Processed:  batch.Rejected + len(batch.Records),
		Succeeded:  len(batch.Records),
		Failed:     batch.Rejected,
		Errors:     sortedByRow(batch.Errors),
		Warnings:   sortedByRow(batch.Warnings),
		LedgerDiff: diff,
	}
}

func failedBatchRecord(batch Batch, cause error) repository.BatchRecord {
	message := fmt.Sprintf("%s: %s", retryableCommitMessage, truncateError(cause))
	errs := append([]domain.RowError(nil), batch.Errors...)
	for _, r := range batch.Records {
		errs = append(errs, r.Record.RowError("", message))
	}
	return repository.BatchRecord{
		Processed: batch.Rejected + len(batch.Records),
		Failed:    batch.Rejected + len(batch.Records),
		Errors:    sortedByRow(errs),
		Warnings:  sortedByRow(batch.Warnings),
	}
}

func sortedByRow(errs []domain.RowError) []domain.RowError {
	out := append([]domain.RowError{}, errs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Row < out[j].Row })
	return out
}

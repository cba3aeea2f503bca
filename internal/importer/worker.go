package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rpattn/assetimport/internal/domain"
	"github.com/rpattn/assetimport/internal/hierarchy"
	"github.com/rpattn/assetimport/internal/ingestion"
	"github.com/rpattn/assetimport/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func (s *Service) runWorker(n int) {
	defer s.wg.Done()
	log := s.log.WithField("worker", n)
	for {
		q, ok := s.sched.next(context.Background())
		if !ok {
			log.Debug("import worker stopped")
			return
		}
		metrics().queuedJobs.Set(float64(s.sched.pending()))
		s.execute(q)
		s.sched.done(q.job.TenantID)
	}
}

// execute processes one job to a terminal state. Panics and unexpected errors fail the job.
func (s *Service) execute(q *queuedJob) {
	job := q.job
	ctx, cancel := context.WithCancel(context.Background())
	s.workerCancels.Store(job.ID, cancel)
	metrics().activeJobs.Inc()
	defer func() {
		cancel()
		s.workerCancels.Delete(job.ID)
		s.cancelFlags.Delete(job.ID)
		metrics().activeJobs.Dec()
		s.finishJob(job.ID)
	}()
	defer func() {
		if rec := recover(); rec != nil {
			s.log.WithField("job_id", job.ID).Errorf("panic while processing import job: %v", rec)
			s.failJob(context.Background(), job.ID, fmt.Errorf("panic: %v", rec))
		}
	}()

	log := s.log.WithFields(logrus.Fields{"job_id": job.ID, "tenant_id": job.TenantID})
	err := s.processJob(ctx, q, log)
	switch {
	case err == nil:
	case errors.Is(err, errJobNotRunnable):
		log.Info("import job no longer runnable, skipping")
	case errors.Is(err, context.Canceled) && s.interrupted.Load():
		log.Warn("import job interrupted by shutdown")
		s.failJob(ctx, job.ID, errInterrupted)
	case errors.Is(err, context.Canceled):
		log.Warn("import job interrupted")
		s.failJob(ctx, job.ID, err)
	default:
		log.WithError(err).Error("import job failed")
		s.failJob(ctx, job.ID, err)
	}
}

func (s *Service) processJob(ctx context.Context, q *queuedJob, log *logrus.Entry) (err error) {
	job := q.job
	ctx, span := tracer.Start(ctx, "importer.process_job", trace.WithAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.String("tenant.id", job.TenantID.String()),
		attribute.String("job.file", job.FileName),
	))
	defer func() {
		if err != nil && !errors.Is(err, errJobNotRunnable) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "import job failed")
		}
		span.End()
	}()

	release, err := s.locker.Acquire(ctx, job.TenantID)
	if err != nil {
		return fmt.Errorf("acquire tenant lock: %w", err)
	}
	defer func() {
		if releaseErr := release(context.Background()); releaseErr != nil {
			log.WithError(releaseErr).Warn("failed to release tenant lock")
		}
	}()

	if err := s.jobs.MarkProcessing(ctx, job.ID); err != nil {
		if errors.Is(err, repository.ErrJobStatusConflict) {
			return errJobNotRunnable
		}
		return fmt.Errorf("mark job processing: %w", err)
	}
	job.Status = domain.ImportJobStatusProcessing
	log.Info("import job started")

	reader, err := ingestion.Open(job.FileName, bytes.NewReader(q.data))
	if err != nil {
		return fmt.Errorf("open %s: %w", job.FileName, err)
	}
	defer reader.Close()

	headers := reader.Headers()
	if err := s.jobs.SetSourceHeaders(ctx, job.ID, headers); err != nil {
		return s.storeError("record source headers", err)
	}
	parser, err := ingestion.NewParser(headers, job.Mapping)
	if err != nil {
		return fmt.Errorf("map columns: %w", err)
	}

	run := hierarchy.NewRun(s.hierarchy, job.TenantID, job.ID)
	batchSize := job.BatchSize
	if batchSize <= 0 {
		batchSize = s.batchSize
	}
	progress := job.Progress()
	rows := make([]ingestion.Row, 0, batchSize)

	for {
		if err := s.checkpoint(ctx, job.ID); err != nil {
			if errors.Is(err, errCancelRequested) {
				return s.cancelJob(ctx, job.ID, progress, log)
			}
			return err
		}

		rows = rows[:0]
		eof := false
		for len(rows) < batchSize {
			row, err := reader.Next()
			if errors.Is(err, io.EOF) {
				eof = true
				break
			}
			if err != nil {
				return fmt.Errorf("read %s: %w", job.FileName, err)
			}
			rows = append(rows, row)
		}

		if len(rows) > 0 {
			record, err := s.processBatch(ctx, job, parser, run, rows, progress.ProcessedRows)
			if err != nil {
				return err
			}
			progress.ProcessedRows += record.Processed
			progress.SuccessfulRows += record.Succeeded
			progress.FailedRows += record.Failed
			s.hub.publish(progress)
			log.WithFields(logrus.Fields{
				"processed":  progress.ProcessedRows,
				"successful": progress.SuccessfulRows,
				"failed":     progress.FailedRows,
			}).Debug("import batch recorded")
		}
		if eof {
			break
		}
	}

	if err := s.jobs.SetTotalRows(ctx, job.ID, progress.ProcessedRows); err != nil {
		return s.storeError("record total rows", err)
	}
	if err := s.jobs.MarkCompleted(ctx, job.ID); err != nil {
		return s.storeError("mark job completed", err)
	}
	log.WithFields(logrus.Fields{
		"total":      progress.ProcessedRows,
		"successful": progress.SuccessfulRows,
		"failed":     progress.FailedRows,
	}).Info("import job completed")
	return nil
}

// checkpoint runs between batches and reports why the job must stop, if it must.
func (s *Service) checkpoint(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.interrupted.Load() {
		return errInterrupted
	}
	if _, ok := s.cancelFlags.Load(id); ok {
		return errCancelRequested
	}
	requested, err := s.jobs.CancelRequested(ctx, id)
	if err != nil {
		return fmt.Errorf("check cancellation: %w", err)
	}
	if requested {
		return errCancelRequested
	}
	return nil
}

func (s *Service) cancelJob(ctx context.Context, id uuid.UUID, progress domain.ImportProgress, log *logrus.Entry) error {
	if err := s.jobs.MarkCancelled(ctx, id); err != nil {
		return s.storeError("mark job cancelled", err)
	}
	log.WithField("processed", progress.ProcessedRows).Info("import job cancelled")
	return nil
}

// storeError maps a lost status race onto errJobNotRunnable, for example a job the
// stall supervisor failed while its worker was still running.
func (s *Service) storeError(action string, err error) error {
	if errors.Is(err, repository.ErrJobStatusConflict) {
		return errJobNotRunnable
	}
	return fmt.Errorf("%s: %w", action, err)
}

// processBatch parses, validates and resolves rows, then commits them. offset is the
// number of data rows before this batch.
func (s *Service) processBatch(
	ctx context.Context,
	job domain.ImportJob,
	parser *ingestion.Parser,
	run *hierarchy.Run,
	rows []ingestion.Row,
	offset int,
) (repository.BatchRecord, error) {
	var batch Batch
	accepted := make([]ResolvedRecord, 0, len(rows))

	for i, row := range rows {
		rec, rowErr := parser.Parse(row, offset+i+1)
		if rowErr != nil {
			batch.reject(*rowErr)
			continue
		}
		result, err := s.validator.Validate(ctx, rec)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return repository.BatchRecord{}, ctxErr
			}
			batch.reject(rec.RowError(string(domain.FieldClassificationCode),
				fmt.Sprintf("%s: %s", retryableSchemaMessage, truncateError(err))))
			continue
		}
		for _, w := range result.Warnings {
			batch.Warnings = append(batch.Warnings, rec.RowError(w.Field, w.Message))
		}
		if !result.IsValid {
			errs := make([]domain.RowError, 0, len(result.Errors))
			for _, e := range result.Errors {
				errs = append(errs, rec.RowError(e.Field, e.Message))
			}
			batch.reject(errs...)
			continue
		}
		accepted = append(accepted, ResolvedRecord{Record: rec, Values: result.Values})
	}

	candidates := make([]domain.CandidateRecord, 0, len(accepted))
	for _, r := range accepted {
		candidates = append(candidates, r.Record)
	}
	if err := run.Prefetch(ctx, candidates); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return repository.BatchRecord{}, ctxErr
		}
		run.Discard()
		batch.Records = accepted
		result, recordErr := s.committer.Fail(ctx, job, batch, fmt.Errorf("load hierarchy: %w", err))
		if recordErr != nil {
			return repository.BatchRecord{}, s.storeError("record batch", recordErr)
		}
		return result.Record, nil
	}

	for _, r := range accepted {
		rec := r.Record
		_, buildingID, err := run.Resolve(ctx, job.TenantID, rec.PropertyName, rec.BuildingName)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return repository.BatchRecord{}, ctxErr
			}
			if errors.Is(err, hierarchy.ErrHierarchyConflict) {
				batch.reject(rec.RowError(string(domain.FieldBuildingName), err.Error()))
			} else {
				batch.reject(rec.RowError(string(domain.FieldBuildingName),
					fmt.Sprintf("%s: %s", retryableCommitMessage, truncateError(err))))
			}
			continue
		}
		r.BuildingID = buildingID
		batch.Records = append(batch.Records, r)
	}
	batch.Properties, batch.Buildings = run.Staged()

	result, err := s.committer.Commit(ctx, job, batch)
	if err != nil {
		run.Discard()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return repository.BatchRecord{}, ctxErr
		}
		return repository.BatchRecord{}, s.storeError("commit batch", err)
	}
	if result.Committed {
		run.Confirm()
	} else {
		run.Discard()
	}
	metrics().rows.WithLabelValues("succeeded").Add(float64(result.Record.Succeeded))
	metrics().rows.WithLabelValues("failed").Add(float64(result.Record.Failed))
	return result.Record, nil
}

// reject accounts one failed row with its errors.
func (b *Batch) reject(errs ...domain.RowError) {
	b.Rejected++
	b.Errors = append(b.Errors, errs...)
}

package importer

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/rpattn/assetimport/internal/domain"
	"github.com/rpattn/assetimport/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Rollback steps, in the order they run.
const (
	StepDeleteAssets     = "delete_assets"
	StepRestoreAssets    = "restore_assets"
	StepDeleteBuildings  = "delete_buildings"
	StepDeleteProperties = "delete_properties"
)

type rollbackStep struct {
	name string
	run  func(ctx context.Context, repos repository.Repositories, tenantID uuid.UUID, ledger domain.RollbackLedger) error
}

var rollbackSteps = []rollbackStep{
	{StepDeleteAssets, func(ctx context.Context, repos repository.Repositories, tenantID uuid.UUID, ledger domain.RollbackLedger) error {
		return repos.Assets.Delete(ctx, tenantID, ledger.CreatedAssets)
	}},
	{StepRestoreAssets, func(ctx context.Context, repos repository.Repositories, tenantID uuid.UUID, ledger domain.RollbackLedger) error {
		return repos.Assets.Restore(ctx, tenantID, ledger.UpdatedAssets)
	}},
	{StepDeleteBuildings, func(ctx context.Context, repos repository.Repositories, tenantID uuid.UUID, ledger domain.RollbackLedger) error {
		return repos.Hierarchy.DeleteBuildings(ctx, tenantID, reversed(ledger.CreatedBuildings))
	}},
	{StepDeleteProperties, func(ctx context.Context, repos repository.Repositories, tenantID uuid.UUID, ledger domain.RollbackLedger) error {
		return repos.Hierarchy.DeleteProperties(ctx, tenantID, reversed(ledger.CreatedProperties))
	}},
}

// Rollback reverses the committed effects of a COMPLETED job, or a FAILED job that
// committed something. Each step runs in its own transaction; the first failing step
// leaves the job ROLLBACK_FAILED for an operator to resolve.
func (s *Service) Rollback(ctx context.Context, id uuid.UUID) (domain.ImportJob, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return domain.ImportJob{}, err
	}
	if err := rollbackAllowed(job); err != nil {
		return job, err
	}

	if err := s.sched.claim(ctx, job.TenantID); err != nil {
		return job, err
	}
	defer s.sched.done(job.TenantID)
	release, err := s.locker.Acquire(ctx, job.TenantID)
	if err != nil {
		return job, fmt.Errorf("acquire tenant lock: %w", err)
	}
	log := s.log.WithFields(logrus.Fields{"job_id": id, "tenant_id": job.TenantID})
	defer func() {
		if releaseErr := release(context.Background()); releaseErr != nil {
			log.WithError(releaseErr).Warn("failed to release tenant lock")
		}
	}()

	if err := s.jobs.MarkRollingBack(ctx, id); err != nil {
		if !errors.Is(err, repository.ErrJobStatusConflict) {
			return job, fmt.Errorf("mark job rolling back: %w", err)
		}
		current, getErr := s.jobs.GetByID(ctx, id)
		if getErr != nil {
			return domain.ImportJob{}, getErr
		}
		if allowedErr := rollbackAllowed(current); allowedErr != nil {
			return current, allowedErr
		}
		return current, fmt.Errorf("%w: %v", ErrNotRollbackable, err)
	}
	job, err = s.jobs.GetByID(ctx, id)
	if err != nil {
		return domain.ImportJob{}, err
	}

	ctx, span := tracer.Start(ctx, "importer.rollback", trace.WithAttributes(
		attribute.String("job.id", id.String()),
		attribute.Int("ledger.created_assets", len(job.Ledger.CreatedAssets)),
		attribute.Int("ledger.updated_assets", len(job.Ledger.UpdatedAssets)),
	))
	defer span.End()
	log.Info("import rollback started")

	// CompletedSteps is a record for operators. A ROLLBACK_FAILED job is never resumed.
	for _, step := range rollbackSteps {
		err := s.tx.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
			if err := step.run(ctx, repos, job.TenantID, job.Ledger); err != nil {
				return err
			}
			return repos.Jobs.RecordRollbackStep(ctx, id, step.name)
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "rollback step failed")
			metrics().rollbacks.WithLabelValues("failed").Inc()
			log.WithError(err).WithField("step", step.name).Error("import rollback failed")

			markCtx := ctx
			if markCtx.Err() != nil {
				markCtx = context.Background()
			}
			reason := fmt.Sprintf("rollback step %s failed: %s", step.name, truncateError(err))
			if markErr := s.jobs.MarkRollbackFailed(markCtx, id, reason); markErr != nil {
				log.WithError(markErr).Error("failed to mark rollback failed")
			}
			current, getErr := s.jobs.GetByID(markCtx, id)
			if getErr != nil {
				current = job
			}
			return current, fmt.Errorf("rollback step %s: %w", step.name, err)
		}
		log.WithField("step", step.name).Debug("rollback step completed")
	}

	if err := s.jobs.MarkRolledBack(ctx, id); err != nil {
		return job, fmt.Errorf("mark job rolled back: %w", err)
	}
	metrics().rollbacks.WithLabelValues("rolled_back").Inc()
	log.Info("import rollback completed")
	return s.jobs.GetByID(ctx, id)
}

func rollbackAllowed(job domain.ImportJob) error {
	switch {
	case job.Status == domain.ImportJobStatusRolledBack:
		return ErrAlreadyRolledBack
	case !job.Rollbackable():
		return fmt.Errorf("%w: job in status %s", ErrNotRollbackable, job.Status)
	}
	return nil
}

// reversed returns ids in reverse creation order.
func reversed(ids []uuid.UUID) []uuid.UUID {
	out := slices.Clone(ids)
	slices.Reverse(out)
	return out
}

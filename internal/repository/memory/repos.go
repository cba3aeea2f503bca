package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rpattn/assetimport/internal/domain"
	"github.com/rpattn/assetimport/internal/repository"

	"github.com/google/uuid"
)

type jobRepo struct {
	exec executor
}

func (r *jobRepo) Create(_ context.Context, job domain.ImportJob) (domain.ImportJob, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = domain.ImportJobStatusPending
	}
	now := r.exec.clock()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Errors == nil {
		job.Errors = []domain.RowError{}
	}
	if job.Warnings == nil {
		job.Warnings = []domain.RowError{}
	}
	err := r.exec.write(func(st *state) error {
		if _, exists := st.jobs[job.ID]; exists {
			return fmt.Errorf("insert import job: %w", ErrUniqueViolation)
		}
		st.jobs[job.ID] = cloneJob(job)
		return nil
	})
	if err != nil {
		return domain.ImportJob{}, err
	}
	return cloneJob(job), nil
}

func (r *jobRepo) GetByID(_ context.Context, id uuid.UUID) (domain.ImportJob, error) {
	var out domain.ImportJob
	err := r.exec.read(func(st *state) error {
		job, ok := st.jobs[id]
		if !ok {
			return fmt.Errorf("get import job %s: %w", id, repository.ErrNotFound)
		}
		out = cloneJob(job)
		return nil
	})
	return out, err
}

func (r *jobRepo) List(_ context.Context, tenantID *uuid.UUID, statuses []domain.ImportJobStatus, limit int, offset int) ([]domain.ImportJob, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	allowed := map[domain.ImportJobStatus]bool{}
	for _, status := range statuses {
		allowed[status] = true
	}
	var matched []domain.ImportJob
	_ = r.exec.read(func(st *state) error {
		for _, job := range st.jobs {
			if tenantID != nil && job.TenantID != *tenantID {
				continue
			}
			if len(allowed) > 0 && !allowed[job.Status] {
				continue
			}
			matched = append(matched, cloneJob(job))
		}
		return nil
	})
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if offset >= len(matched) {
		return []domain.ImportJob{}, nil
	}
	end := min(offset+limit, len(matched))
	return matched[offset:end], nil
}

func (r *jobRepo) transition(id uuid.UUID, from []domain.ImportJobStatus, mutate func(job *domain.ImportJob)) error {
	return r.exec.write(func(st *state) error {
		job, ok := st.jobs[id]
		if !ok {
			return repository.ErrJobStatusConflict
		}
		allowed := false
		for _, status := range from {
			if job.Status == status {
				allowed = true
				break
			}
		}
		if !allowed {
			return repository.ErrJobStatusConflict
		}
		job = cloneJob(job)
		mutate(&job)
		st.jobs[id] = job
		return nil
	})
}

var processingOnly = []domain.ImportJobStatus{domain.ImportJobStatusProcessing}

func (r *jobRepo) MarkProcessing(_ context.Context, id uuid.UUID) error {
	now := r.exec.clock()
	return r.transition(id, []domain.ImportJobStatus{domain.ImportJobStatusPending}, func(job *domain.ImportJob) {
		job.Status = domain.ImportJobStatusProcessing
		job.StartedAt = &now
		job.LastProgressAt = &now
		job.UpdatedAt = now
	})
}

func (r *jobRepo) SetSourceHeaders(_ context.Context, id uuid.UUID, headers []string) error {
	headers = append([]string(nil), headers...)
	return r.transition(id, processingOnly, func(job *domain.ImportJob) {
		job.SourceHeaders = headers
	})
}

func (r *jobRepo) RecordBatch(_ context.Context, id uuid.UUID, record repository.BatchRecord) error {
	if record.Processed != record.Succeeded+record.Failed {
		return fmt.Errorf("batch counters inconsistent: processed=%d succeeded=%d failed=%d",
			record.Processed, record.Succeeded, record.Failed)
	}
	now := r.exec.clock()
	return r.transition(id, processingOnly, func(job *domain.ImportJob) {
		job.ProcessedRows += record.Processed
		job.SuccessfulRows += record.Succeeded
		job.FailedRows += record.Failed
		job.Errors = append(job.Errors, record.Errors...)
		job.Warnings = append(job.Warnings, record.Warnings...)
		job.Ledger = job.Ledger.Merge(record.LedgerDiff)
		job.LastProgressAt = &now
		job.UpdatedAt = now
	})
}

func (r *jobRepo) SetTotalRows(_ context.Context, id uuid.UUID, total int) error {
	return r.transition(id, processingOnly, func(job *domain.ImportJob) {
		value := max(total, job.ProcessedRows)
		job.TotalRows = &value
	})
}

func (r *jobRepo) MarkCompleted(_ context.Context, id uuid.UUID) error {
	now := r.exec.clock()
	return r.transition(id, processingOnly, func(job *domain.ImportJob) {
		job.Status = domain.ImportJobStatusCompleted
		job.CompletedAt = &now
		job.UpdatedAt = now
	})
}

func (r *jobRepo) MarkFailed(_ context.Context, id uuid.UUID, reason string) error {
	now := r.exec.clock()
	from := []domain.ImportJobStatus{domain.ImportJobStatusPending, domain.ImportJobStatusProcessing}
	return r.transition(id, from, func(job *domain.ImportJob) {
		job.Status = domain.ImportJobStatusFailed
		job.FailureReason = &reason
		job.CompletedAt = &now
		job.UpdatedAt = now
	})
}

func (r *jobRepo) MarkCancelled(_ context.Context, id uuid.UUID) error {
	now := r.exec.clock()
	return r.transition(id, processingOnly, func(job *domain.ImportJob) {
		job.Status = domain.ImportJobStatusCancelled
		job.CompletedAt = &now
		job.UpdatedAt = now
	})
}

func (r *jobRepo) RequestCancel(_ context.Context, id uuid.UUID) error {
	return r.transition(id, processingOnly, func(job *domain.ImportJob) {
		job.CancelRequested = true
	})
}

func (r *jobRepo) CancelRequested(_ context.Context, id uuid.UUID) (bool, error) {
	var requested bool
	err := r.exec.read(func(st *state) error {
		job, ok := st.jobs[id]
		if !ok {
			return fmt.Errorf("import job %s: %w", id, repository.ErrNotFound)
		}
		requested = job.CancelRequested
		return nil
	})
	return requested, err
}

func (r *jobRepo) FailStalled(_ context.Context, before time.Time, reason string) ([]uuid.UUID, error) {
	now := r.exec.clock()
	var failed []uuid.UUID
	err := r.exec.write(func(st *state) error {
		failed = failed[:0]
		for id, job := range st.jobs {
			if job.Status != domain.ImportJobStatusProcessing && job.Status != domain.ImportJobStatusRollingBack {
				continue
			}
			last := job.CreatedAt
			if job.LastProgressAt != nil {
				last = *job.LastProgressAt
			}
			if !last.Before(before) {
				continue
			}
			job = cloneJob(job)
			job.FailureReason = &reason
			job.UpdatedAt = now
			if job.Status == domain.ImportJobStatusRollingBack {
				job.Status = domain.ImportJobStatusRollbackFailed
			} else {
				job.Status = domain.ImportJobStatusFailed
				job.CompletedAt = &now
			}
			st.jobs[id] = job
			failed = append(failed, id)
		}
		return nil
	})
	return failed, err
}

func (r *jobRepo) MarkRollingBack(_ context.Context, id uuid.UUID) error {
	now := r.exec.clock()
	return r.exec.write(func(st *state) error {
		job, ok := st.jobs[id]
		if !ok || !job.Rollbackable() {
			return repository.ErrJobStatusConflict
		}
		job = cloneJob(job)
		job.Status = domain.ImportJobStatusRollingBack
		job.LastProgressAt = &now
		job.UpdatedAt = now
		st.jobs[id] = job
		return nil
	})
}

func (r *jobRepo) RecordRollbackStep(_ context.Context, id uuid.UUID, step string) error {
	now := r.exec.clock()
	return r.transition(id, []domain.ImportJobStatus{domain.ImportJobStatusRollingBack}, func(job *domain.ImportJob) {
		job.Ledger.CompletedSteps = append(job.Ledger.CompletedSteps, step)
		job.LastProgressAt = &now
		job.UpdatedAt = now
	})
}

func (r *jobRepo) MarkRolledBack(_ context.Context, id uuid.UUID) error {
	now := r.exec.clock()
	return r.transition(id, []domain.ImportJobStatus{domain.ImportJobStatusRollingBack}, func(job *domain.ImportJob) {
		job.Status = domain.ImportJobStatusRolledBack
		job.Ledger = domain.RollbackLedger{}
		job.UpdatedAt = now
	})
}

func (r *jobRepo) MarkRollbackFailed(_ context.Context, id uuid.UUID, reason string) error {
	now := r.exec.clock()
	return r.transition(id, []domain.ImportJobStatus{domain.ImportJobStatusRollingBack}, func(job *domain.ImportJob) {
		job.Status = domain.ImportJobStatusRollbackFailed
		job.FailureReason = &reason
		job.UpdatedAt = now
	})
}

type hierarchyRepo struct {
	exec executor
}

func (r *hierarchyRepo) FindPropertiesByNames(_ context.Context, tenantID uuid.UUID, normalizedNames []string) ([]domain.Property, error) {
	r.exec.countLookup()
	wanted := map[string]bool{}
	for _, name := range normalizedNames {
		wanted[name] = true
	}
	out := []domain.Property{}
	err := r.exec.read(func(st *state) error {
		for _, p := range st.properties {
			if p.TenantID == tenantID && wanted[p.NormalizedName] {
				out = append(out, p)
			}
		}
		return nil
	})
	return out, err
}

func (r *hierarchyRepo) FindBuildingsByNames(_ context.Context, tenantID uuid.UUID, keys []domain.BuildingKey) ([]domain.Building, error) {
	r.exec.countLookup()
	wanted := map[domain.BuildingKey]bool{}
	for _, key := range keys {
		wanted[key] = true
	}
	out := []domain.Building{}
	err := r.exec.read(func(st *state) error {
		for _, b := range st.buildings {
			key := domain.BuildingKey{PropertyID: b.PropertyID, NormalizedName: b.NormalizedName}
			if b.TenantID == tenantID && wanted[key] {
				out = append(out, b)
			}
		}
		return nil
	})
	return out, err
}

func (r *hierarchyRepo) InsertProperties(_ context.Context, properties []domain.Property) error {
	if len(properties) == 0 {
		return nil
	}
	properties = append([]domain.Property(nil), properties...)
	return r.exec.write(func(st *state) error {
		for _, p := range properties {
			if _, exists := st.properties[p.ID]; exists {
				return fmt.Errorf("insert properties: %w", ErrUniqueViolation)
			}
			for _, existing := range st.properties {
				if existing.TenantID == p.TenantID && existing.NormalizedName == p.NormalizedName {
					return fmt.Errorf("insert properties: property %q: %w", p.Name, ErrUniqueViolation)
				}
			}
			st.properties[p.ID] = p
		}
		return nil
	})
}

func (r *hierarchyRepo) InsertBuildings(_ context.Context, buildings []domain.Building) error {
	if len(buildings) == 0 {
		return nil
	}
	buildings = append([]domain.Building(nil), buildings...)
	return r.exec.write(func(st *state) error {
		for _, b := range buildings {
			if _, ok := st.properties[b.PropertyID]; !ok {
				return fmt.Errorf("insert buildings: property %s: %w", b.PropertyID, ErrForeignKeyViolation)
			}
			for _, existing := range st.buildings {
				if existing.TenantID == b.TenantID && existing.PropertyID == b.PropertyID && existing.NormalizedName == b.NormalizedName {
					return fmt.Errorf("insert buildings: building %q: %w", b.Name, ErrUniqueViolation)
				}
			}
			st.buildings[b.ID] = b
		}
		return nil
	})
}

func (r *hierarchyRepo) DeleteProperties(_ context.Context, tenantID uuid.UUID, ids []uuid.UUID) error {
	ids = append([]uuid.UUID(nil), ids...)
	return r.exec.write(func(st *state) error {
		for _, id := range ids {
			for _, b := range st.buildings {
				if b.PropertyID == id {
					return fmt.Errorf("delete properties: building %s references %s: %w", b.ID, id, ErrForeignKeyViolation)
				}
			}
			if p, ok := st.properties[id]; ok && p.TenantID == tenantID {
				delete(st.properties, id)
			}
		}
		return nil
	})
}

func (r *hierarchyRepo) DeleteBuildings(_ context.Context, tenantID uuid.UUID, ids []uuid.UUID) error {
	ids = append([]uuid.UUID(nil), ids...)
	return r.exec.write(func(st *state) error {
		for _, id := range ids {
			for _, a := range st.assets {
				if a.BuildingID == id {
					return fmt.Errorf("delete buildings: asset %s references %s: %w", a.Code, id, ErrForeignKeyViolation)
				}
			}
			if b, ok := st.buildings[id]; ok && b.TenantID == tenantID {
				delete(st.buildings, id)
			}
		}
		return nil
	})
}

type assetRepo struct {
	exec executor
}

func (r *assetRepo) LockByCodes(_ context.Context, tenantID uuid.UUID, codes []string) (map[string]domain.Asset, error) {
	wanted := map[string]bool{}
	for _, code := range codes {
		wanted[code] = true
	}
	out := make(map[string]domain.Asset, len(codes))
	err := r.exec.read(func(st *state) error {
		for _, a := range st.assets {
			if a.TenantID == tenantID && wanted[a.Code] {
				a.Attributes = a.Attributes.Clone()
				out[a.Code] = a
			}
		}
		return nil
	})
	return out, err
}

func (r *assetRepo) Apply(_ context.Context, writes []repository.AssetWrite) error {
	writes = append([]repository.AssetWrite(nil), writes...)
	return r.exec.write(func(st *state) error {
		for _, w := range writes {
			a := w.Asset
			a.Attributes = a.Attributes.Clone()
			if _, ok := st.buildings[a.BuildingID]; !ok {
				return fmt.Errorf("write assets: building %s: %w", a.BuildingID, ErrForeignKeyViolation)
			}
			if w.Insert {
				for _, existing := range st.assets {
					if existing.TenantID == a.TenantID && existing.Code == a.Code {
						return fmt.Errorf("write assets: asset %q: %w", a.Code, ErrUniqueViolation)
					}
				}
				st.assets[a.ID] = a
				continue
			}
			existing, ok := st.assets[a.ID]
			if !ok || existing.TenantID != a.TenantID {
				continue
			}
			a.CreatedAt = existing.CreatedAt
			st.assets[a.ID] = a
		}
		return nil
	})
}

func (r *assetRepo) Restore(_ context.Context, tenantID uuid.UUID, snapshots []domain.AssetSnapshot) error {
	snapshots = append([]domain.AssetSnapshot(nil), snapshots...)
	return r.exec.write(func(st *state) error {
		for _, s := range snapshots {
			existing, ok := st.assets[s.ID]
			if !ok || existing.TenantID != tenantID {
				continue
			}
			if _, ok := st.buildings[s.BuildingID]; !ok {
				return fmt.Errorf("restore assets: building %s: %w", s.BuildingID, ErrForeignKeyViolation)
			}
			st.assets[s.ID] = s.Apply(existing)
		}
		return nil
	})
}

func (r *assetRepo) Delete(_ context.Context, tenantID uuid.UUID, ids []uuid.UUID) error {
	ids = append([]uuid.UUID(nil), ids...)
	return r.exec.write(func(st *state) error {
		for _, id := range ids {
			if a, ok := st.assets[id]; ok && a.TenantID == tenantID {
				delete(st.assets, id)
			}
		}
		return nil
	})
}

type classificationRepo struct {
	exec executor
}

func (r *classificationRepo) GetByCode(_ context.Context, code string) (domain.ClassificationCode, error) {
	var out domain.ClassificationCode
	err := r.exec.read(func(st *state) error {
		found, ok := st.classifications[domain.NormalizeClassificationCode(code)]
		if !ok {
			return fmt.Errorf("classification code %s: %w", code, repository.ErrNotFound)
		}
		out = found
		return nil
	})
	return out, err
}

func (r *classificationRepo) List(_ context.Context) ([]domain.ClassificationCode, error) {
	var out []domain.ClassificationCode
	_ = r.exec.read(func(st *state) error {
		for _, c := range st.classifications {
			out = append(out, c)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (r *classificationRepo) Save(_ context.Context, code domain.ClassificationCode) (domain.ClassificationCode, error) {
	now := r.exec.clock()
	code.Code = domain.NormalizeClassificationCode(code.Code)
	code.Fields = append([]domain.FieldDefinition(nil), code.Fields...)
	var saved domain.ClassificationCode
	err := r.exec.write(func(st *state) error {
		existing, ok := st.classifications[code.Code]
		next := code
		if ok {
			next.Version = existing.Version + 1
			next.CreatedAt = existing.CreatedAt
		} else {
			next.Version = 1
			next.CreatedAt = now
		}
		next.UpdatedAt = now
		st.classifications[code.Code] = next
		saved = next
		return nil
	})
	return saved, err
}

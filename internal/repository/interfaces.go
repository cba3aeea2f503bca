package repository

import (
	"context"
	"errors"
	"time"

	"github.com/rpattn/assetimport/internal/domain"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrJobStatusConflict indicates that a job cannot transition to the requested state.
	ErrJobStatusConflict = errors.New("import job status conflict")
)

// ClassificationRepository persists classification codes and their field sets.
type ClassificationRepository interface {
	GetByCode(ctx context.Context, code string) (domain.ClassificationCode, error)
	List(ctx context.Context) ([]domain.ClassificationCode, error)
	Save(ctx context.Context, code domain.ClassificationCode) (domain.ClassificationCode, error)
}

// HierarchyRepository reads and writes properties and buildings.
type HierarchyRepository interface {
	FindPropertiesByNames(ctx context.Context, tenantID uuid.UUID, normalizedNames []string) ([]domain.Property, error)
	FindBuildingsByNames(ctx context.Context, tenantID uuid.UUID, keys []domain.BuildingKey) ([]domain.Building, error)
	InsertProperties(ctx context.Context, properties []domain.Property) error
	InsertBuildings(ctx context.Context, buildings []domain.Building) error
	DeleteProperties(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) error
	DeleteBuildings(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) error
}

// AssetWrite is one ordered asset mutation inside a batch.
type AssetWrite struct {
	Asset  domain.Asset
	Insert bool
}

// AssetRepository reads and writes assets keyed by business code.
type AssetRepository interface {
	// LockByCodes returns existing assets for the codes, locking them for the
	// remainder of the transaction.
	LockByCodes(ctx context.Context, tenantID uuid.UUID, codes []string) (map[string]domain.Asset, error)
	Apply(ctx context.Context, writes []AssetWrite) error
	Restore(ctx context.Context, tenantID uuid.UUID, snapshots []domain.AssetSnapshot) error
	Delete(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) error
}

// BatchRecord is the job-level effect of one processed batch.
type BatchRecord struct {
	Processed  int
	Succeeded  int
	Failed     int
	Errors     []domain.RowError
	Warnings   []domain.RowError
	LedgerDiff domain.RollbackLedger
}

// ImportJobRepository is the durable job store.
type ImportJobRepository interface {
	Create(ctx context.Context, job domain.ImportJob) (domain.ImportJob, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.ImportJob, error)
	List(ctx context.Context, tenantID *uuid.UUID, statuses []domain.ImportJobStatus, limit int, offset int) ([]domain.ImportJob, error)

	MarkProcessing(ctx context.Context, id uuid.UUID) error
	SetSourceHeaders(ctx context.Context, id uuid.UUID, headers []string) error
	// RecordBatch appends a batch outcome. It only applies while the job is PROCESSING.
	RecordBatch(ctx context.Context, id uuid.UUID, record BatchRecord) error
	SetTotalRows(ctx context.Context, id uuid.UUID, total int) error
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	MarkCancelled(ctx context.Context, id uuid.UUID) error
	RequestCancel(ctx context.Context, id uuid.UUID) error
	CancelRequested(ctx context.Context, id uuid.UUID) (bool, error)
	// FailStalled fails PROCESSING jobs, and moves ROLLING_BACK jobs to ROLLBACK_FAILED,
	// when their last progress is older than before. It returns their ids.
	FailStalled(ctx context.Context, before time.Time, reason string) ([]uuid.UUID, error)

	MarkRollingBack(ctx context.Context, id uuid.UUID) error
	RecordRollbackStep(ctx context.Context, id uuid.UUID, step string) error
	MarkRolledBack(ctx context.Context, id uuid.UUID) error
	MarkRollbackFailed(ctx context.Context, id uuid.UUID, reason string) error
}

// Repositories groups repositories bound to one unit of work.
type Repositories struct {
	Hierarchy HierarchyRepository
	Assets    AssetRepository
	Jobs      ImportJobRepository
}

// Transactor runs a function inside a single transaction.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error
}

// Package importer runs bulk asset imports: it queues uploads, processes each job batch
// by batch on a bounded worker pool, and reverses committed jobs on request.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rpattn/assetimport/internal/auth"
	"github.com/rpattn/assetimport/internal/domain"
	"github.com/rpattn/assetimport/internal/repository"
	"github.com/rpattn/assetimport/pkg/validator"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrShuttingDown is returned for work refused or interrupted by Shutdown.
	ErrShuttingDown = errors.New("import service is shutting down")
	// ErrQueueFull is returned when the job queue has no room for another upload.
	ErrQueueFull = errors.New("import queue is full")
	// ErrInvalidTransition is returned when a control operation does not apply to the job's status.
	ErrInvalidTransition = errors.New("invalid import job transition")
	// ErrNotRollbackable is returned for jobs without committed effects to reverse.
	ErrNotRollbackable = errors.New("import job cannot be rolled back")
	// ErrAlreadyRolledBack is returned when rollback is requested a second time.
	ErrAlreadyRolledBack = errors.New("import job already rolled back")
	// ErrStalledJob is the failure reason of jobs that stopped making progress.
	ErrStalledJob = errors.New("import job stalled")
	// ErrNoFailedRows is returned when an error report is requested for a clean job.
	ErrNoFailedRows = errors.New("import job has no failed rows")

	errJobNotRunnable  = errors.New("import job is no longer runnable")
	errCancelRequested = errors.New("import job cancellation requested")
	errInterrupted     = fmt.Errorf("%w: import interrupted, re-run the import to process the remaining rows", ErrShuttingDown)
)

const maxErrorLength = 512

// RecordValidator checks a parsed row against its classification schema.
type RecordValidator interface {
	Validate(ctx context.Context, record domain.CandidateRecord) (validator.ValidationResult, error)
}

// Upload is an accepted file with the context it was submitted in.
type Upload struct {
	TenantID  uuid.UUID
	UserID    uuid.UUID
	FileName  string
	Data      []byte
	Mapping   domain.ExcelColumnMapping
	BatchSize int
}

// Service owns the job queue, the worker pool and the stall supervisor.
type Service struct {
	jobs      repository.ImportJobRepository
	hierarchy repository.HierarchyRepository
	tx        repository.Transactor
	validator RecordValidator
	committer *Committer

	sched  *scheduler
	hub    *progressHub
	locker TenantLocker
	log    *logrus.Entry
	now    func() time.Time

	workers       int
	batchSize     int
	queueSize     int
	stallTimeout  time.Duration
	sweepInterval time.Duration

	workerCancels sync.Map // map[uuid.UUID]context.CancelFunc
	cancelFlags   sync.Map // map[uuid.UUID]struct{}

	wg            sync.WaitGroup
	stopping      atomic.Bool
	interrupted   atomic.Bool
	stopSupervise context.CancelFunc
	supervisor    chan struct{}
	shutdownOnce  sync.Once
}

type Option func(*Service)

func WithWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.workers = n
		}
	}
}

func WithBatchSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithStallTimeout sets how long a job may go without progress before it is failed.
// Zero disables the supervisor.
func WithStallTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout >= 0 {
			s.stallTimeout = timeout
		}
	}
}

// WithLocker serializes tenants across processes in addition to the in-process scheduler.
func WithLocker(locker TenantLocker) Option {
	return func(s *Service) {
		if locker != nil {
			s.locker = locker
		}
	}
}

func WithLogger(log *logrus.Entry) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates the service and starts its workers. Call Shutdown to stop them.
func NewService(
	jobs repository.ImportJobRepository,
	hierarchy repository.HierarchyRepository,
	tx repository.Transactor,
	records RecordValidator,
	opts ...Option,
) *Service {
	service := &Service{
		jobs:         jobs,
		hierarchy:    hierarchy,
		tx:           tx,
		validator:    records,
		hub:          newProgressHub(),
		locker:       noopLocker{},
		log:          discardLogger(),
		now:          time.Now,
		workers:      4,
		batchSize:    500,
		queueSize:    64,
		stallTimeout: 10 * time.Minute,
	}
	for _, opt := range opts {
		opt(service)
	}
	service.log = service.log.WithField("component", "importer")
	service.committer = NewCommitter(tx, jobs, service.log)
	service.committer.now = service.now
	service.sched = newScheduler(service.queueSize)

	for i := 0; i < service.workers; i++ {
		service.wg.Add(1)
		go service.runWorker(i)
	}

	superviseCtx, stop := context.WithCancel(context.Background())
	service.stopSupervise = stop
	service.supervisor = make(chan struct{})
	if service.stallTimeout > 0 {
		service.sweepInterval = max(service.stallTimeout/4, time.Second)
		go service.superviseStalls(superviseCtx)
	} else {
		close(service.supervisor)
	}
	return service
}

// Submit records a PENDING job for the upload and queues it.
func (s *Service) Submit(ctx context.Context, up Upload) (domain.ImportJob, error) {
	if s.stopping.Load() {
		return domain.ImportJob{}, ErrShuttingDown
	}
	if err := auth.EnforceTenantScope(ctx, up.TenantID); err != nil {
		return domain.ImportJob{}, err
	}
	if up.UserID == uuid.Nil {
		return domain.ImportJob{}, errors.New("user ID is required")
	}
	fileName := strings.TrimSpace(up.FileName)
	if fileName == "" {
		return domain.ImportJob{}, errors.New("file name is required")
	}
	if len(up.Data) == 0 {
		return domain.ImportJob{}, errors.New("upload is empty")
	}
	batchSize := up.BatchSize
	if batchSize <= 0 {
		batchSize = s.batchSize
	}

	job := domain.NewImportJob(up.TenantID, up.UserID, fileName, up.Mapping, batchSize)
	persisted, err := s.jobs.Create(ctx, job)
	if err != nil {
		return domain.ImportJob{}, fmt.Errorf("create import job: %w", err)
	}
	if err := s.sched.enqueue(&queuedJob{job: persisted, data: up.Data}); err != nil {
		s.failJob(ctx, persisted.ID, err)
		return persisted, err
	}
	metrics().queuedJobs.Set(float64(s.sched.pending()))
	s.log.WithFields(logrus.Fields{
		"job_id":    persisted.ID,
		"tenant_id": persisted.TenantID,
		"file":      persisted.FileName,
	}).Info("import job queued")
	return persisted, nil
}

// GetJob returns a job with its counters and embedded errors.
func (s *Service) GetJob(ctx context.Context, id uuid.UUID) (domain.ImportJob, error) {
	if id == uuid.Nil {
		return domain.ImportJob{}, errors.New("job ID is required")
	}
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return domain.ImportJob{}, err
	}
	if err := auth.EnforceTenantScope(ctx, job.TenantID); err != nil {
		return domain.ImportJob{}, err
	}
	return job, nil
}

// ListJobs returns job history, newest first. A scoped context restricts the tenant.
func (s *Service) ListJobs(ctx context.Context, tenantID *uuid.UUID, statuses []domain.ImportJobStatus, limit, offset int) ([]domain.ImportJob, error) {
	if tenantID != nil {
		if err := auth.EnforceTenantScope(ctx, *tenantID); err != nil {
			return nil, err
		}
	} else if scoped, ok := auth.TenantIDFromContext(ctx); ok {
		tenantID = &scoped
	}
	return s.jobs.List(ctx, tenantID, statuses, limit, offset)
}

// Cancel asks a PROCESSING job to stop at its next batch boundary. The batch being
// committed when the request arrives is still accounted for.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (domain.ImportJob, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return domain.ImportJob{}, err
	}
	if job.Status != domain.ImportJobStatusProcessing {
		return job, fmt.Errorf("%w: job in status %s cannot be cancelled", ErrInvalidTransition, job.Status)
	}
	if err := s.jobs.RequestCancel(ctx, id); err != nil {
		if errors.Is(err, repository.ErrJobStatusConflict) {
			updated, getErr := s.jobs.GetByID(ctx, id)
			if getErr != nil {
				return domain.ImportJob{}, getErr
			}
			return updated, fmt.Errorf("%w: job in status %s cannot be cancelled", ErrInvalidTransition, updated.Status)
		}
		return domain.ImportJob{}, fmt.Errorf("request cancel: %w", err)
	}
	s.cancelFlags.Store(id, struct{}{})
	s.log.WithField("job_id", id).Info("import job cancellation requested")
	return s.jobs.GetByID(ctx, id)
}

// Subscribe streams progress snapshots for a job. The channel closes after the terminal
// snapshot, or when unsubscribe is called.
func (s *Service) Subscribe(ctx context.Context, id uuid.UUID) (<-chan domain.ImportProgress, func(), error) {
	if _, err := s.GetJob(ctx, id); err != nil {
		return nil, nil, err
	}
	ch, unsubscribe := s.hub.subscribe(id)
	// Re-read after registering so a job finishing in between is not missed.
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		unsubscribe()
		return nil, nil, err
	}
	if job.Status.Terminal() {
		s.hub.settle(id, ch, job.Progress())
	}
	return ch, unsubscribe, nil
}

// Shutdown stops accepting jobs and waits for running jobs. Jobs still queued are
// failed. When ctx expires, running jobs are interrupted: the batch being committed
// is rolled back and the job is failed so it can be re-run.
func (s *Service) Shutdown(ctx context.Context) error {
	var result error
	s.shutdownOnce.Do(func() {
		s.stopping.Store(true)
		for _, q := range s.sched.close() {
			s.failJob(context.Background(), q.job.ID, fmt.Errorf("%w before the job started", ErrShuttingDown))
			s.finishJob(q.job.ID)
		}
		metrics().queuedJobs.Set(0)

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.log.Warn("shutdown deadline reached, interrupting running imports")
			s.interrupted.Store(true)
			// Workers blocked before a batch boundary (tenant lock, slow store) only
			// notice the interruption through their context.
			s.workerCancels.Range(func(_, cancel any) bool {
				cancel.(context.CancelFunc)()
				return true
			})
			<-done
			result = ctx.Err()
		}

		s.stopSupervise()
		<-s.supervisor
		s.hub.closeAll()
	})
	return result
}

func (s *Service) failJob(ctx context.Context, id uuid.UUID, err error) {
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	if markErr := s.jobs.MarkFailed(ctx, id, truncateError(err)); markErr != nil {
		if errors.Is(markErr, repository.ErrJobStatusConflict) {
			return
		}
		s.log.WithError(markErr).WithField("job_id", id).Error("failed to mark import job failed")
	}
}

// finishJob publishes the stored terminal snapshot to subscribers.
func (s *Service) finishJob(id uuid.UUID) {
	job, err := s.jobs.GetByID(context.Background(), id)
	if err != nil {
		s.log.WithError(err).WithField("job_id", id).Warn("failed to load finished import job")
		return
	}
	metrics().jobs.WithLabelValues(string(job.Status)).Inc()
	s.hub.finish(job.Progress())
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	message := err.Error()
	if len(message) > maxErrorLength {
		return message[:maxErrorLength]
	}
	return message
}

func discardLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

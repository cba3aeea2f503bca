package importer

import (
	"context"
	"sync"

	"github.com/rpattn/assetimport/internal/domain"

	"github.com/google/uuid"
)

// queuedJob is an accepted upload waiting for a worker.
type queuedJob struct {
	job  domain.ImportJob
	data []byte
}

// scheduler hands out queued jobs in FIFO order while keeping at most one active
// job per tenant. A job whose tenant is busy is skipped, not reordered.
type scheduler struct {
	mu       sync.Mutex
	queue    []*queuedJob
	active   map[uuid.UUID]struct{}
	capacity int
	closed   bool
	changed  chan struct{}
}

func newScheduler(capacity int) *scheduler {
	return &scheduler{
		active:   make(map[uuid.UUID]struct{}),
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

// broadcast wakes every waiter. Callers hold mu.
func (s *scheduler) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *scheduler) enqueue(q *queuedJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShuttingDown
	}
	if s.capacity > 0 && len(s.queue) >= s.capacity {
		return ErrQueueFull
	}
	s.queue = append(s.queue, q)
	s.broadcast()
	return nil
}

// next blocks until a runnable job is available, the scheduler closes, or ctx ends.
func (s *scheduler) next(ctx context.Context) (*queuedJob, bool) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, false
		}
		for i, q := range s.queue {
			if _, busy := s.active[q.job.TenantID]; busy {
				continue
			}
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.active[q.job.TenantID] = struct{}{}
			s.mu.Unlock()
			return q, true
		}
		wait := s.changed
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// claim reserves the tenant slot for work outside the queue, such as a rollback.
func (s *scheduler) claim(ctx context.Context, tenantID uuid.UUID) error {
	for {
		s.mu.Lock()
		if _, busy := s.active[tenantID]; !busy {
			s.active[tenantID] = struct{}{}
			s.mu.Unlock()
			return nil
		}
		wait := s.changed
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *scheduler) done(tenantID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, tenantID)
	s.broadcast()
}

// close stops handing out jobs and returns the ones that never started.
func (s *scheduler) close() []*queuedJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	pending := s.queue
	s.queue = nil
	s.broadcast()
	return pending
}

func (s *scheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

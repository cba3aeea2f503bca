package importer

import (
	"context"
	"fmt"
	"time"
)

// superviseStalls periodically fails PROCESSING and ROLLING_BACK jobs without recent
// progress. It also covers jobs whose process died, since the sweep runs against the store.
func (s *Service) superviseStalls(ctx context.Context) {
	defer close(s.supervisor)
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepStalled(ctx)
		}
	}
}

func (s *Service) sweepStalled(ctx context.Context) {
	before := s.now().Add(-s.stallTimeout)
	reason := fmt.Sprintf("%s: no progress for %s", ErrStalledJob, s.stallTimeout)
	ids, err := s.jobs.FailStalled(ctx, before, reason)
	if err != nil {
		if ctx.Err() == nil {
			s.log.WithError(err).Warn("stall sweep failed")
		}
		return
	}
	for _, id := range ids {
		s.log.WithField("job_id", id).Warn("import job stalled, marked failed")
		if cancel, ok := s.workerCancels.Load(id); ok {
			if fn, okCast := cancel.(context.CancelFunc); okCast {
				fn()
			}
		}
	}
}

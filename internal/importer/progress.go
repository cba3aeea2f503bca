package importer

import (
	"sync"

	"github.com/rpattn/assetimport/internal/domain"

	"github.com/google/uuid"
)

// progressHub fans progress snapshots out to subscribers. Each subscriber holds only
// the latest snapshot, so a slow consumer skips intermediate values but never sees
// them out of order.
type progressHub struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[chan domain.ImportProgress]struct{}
}

func newProgressHub() *progressHub {
	return &progressHub{subs: make(map[uuid.UUID]map[chan domain.ImportProgress]struct{})}
}

func (h *progressHub) subscribe(jobID uuid.UUID) (<-chan domain.ImportProgress, func()) {
	ch := make(chan domain.ImportProgress, 1)
	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[chan domain.ImportProgress]struct{})
	}
	h.subs[jobID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.subs[jobID]; ok {
				if _, live := set[ch]; live {
					delete(set, ch)
					close(ch)
				}
				if len(set) == 0 {
					delete(h.subs, jobID)
				}
			}
		})
	}
}

func (h *progressHub) publish(p domain.ImportProgress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[p.JobID] {
		offer(ch, p)
	}
}

// finish delivers the terminal snapshot and closes every subscription for the job.
func (h *progressHub) finish(p domain.ImportProgress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[p.JobID] {
		offer(ch, p)
		close(ch)
	}
	delete(h.subs, p.JobID)
}

// settle closes a single subscription with p unless the job already finished it.
func (h *progressHub) settle(jobID uuid.UUID, ch <-chan domain.ImportProgress, p domain.ImportProgress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[jobID] {
		if sub != ch {
			continue
		}
		offer(sub, p)
		close(sub)
		delete(h.subs[jobID], sub)
		if len(h.subs[jobID]) == 0 {
			delete(h.subs, jobID)
		}
		return
	}
}

func (h *progressHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for jobID, set := range h.subs {
		for ch := range set {
			close(ch)
		}
		delete(h.subs, jobID)
	}
}

// offer replaces any unread snapshot with p. Only the hub sends, under its lock.
func offer(ch chan domain.ImportProgress, p domain.ImportProgress) {
	select {
	case <-ch:
	default:
	}
	ch <- p
}

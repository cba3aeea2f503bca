// Package memory implements the repository interfaces in process. Transactions
// run against a private copy of the state and are replayed atomically on commit.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rpattn/assetimport/internal/domain"
	"github.com/rpattn/assetimport/internal/repository"

	"github.com/google/uuid"
)

var (
	// ErrUniqueViolation mirrors a unique constraint failure.
	ErrUniqueViolation = errors.New("unique constraint violation")
	// ErrForeignKeyViolation mirrors a foreign key constraint failure.
	ErrForeignKeyViolation = errors.New("foreign key constraint violation")
)

type state struct {
	properties      map[uuid.UUID]domain.Property
	buildings       map[uuid.UUID]domain.Building
	assets          map[uuid.UUID]domain.Asset
	jobs            map[uuid.UUID]domain.ImportJob
	classifications map[string]domain.ClassificationCode
}

func newState() *state {
	return &state{
		properties:      map[uuid.UUID]domain.Property{},
		buildings:       map[uuid.UUID]domain.Building{},
		assets:          map[uuid.UUID]domain.Asset{},
		jobs:            map[uuid.UUID]domain.ImportJob{},
		classifications: map[string]domain.ClassificationCode{},
	}
}

func (s *state) clone() *state {
	out := newState()
	for k, v := range s.properties {
		out.properties[k] = v
	}
	for k, v := range s.buildings {
		out.buildings[k] = v
	}
	for k, v := range s.assets {
		v.Attributes = v.Attributes.Clone()
		out.assets[k] = v
	}
	for k, v := range s.jobs {
		out.jobs[k] = cloneJob(v)
	}
	for k, v := range s.classifications {
		out.classifications[k] = v
	}
	return out
}

var _ repository.Transactor = (*Store)(nil)

// Store is an in-memory implementation of every repository interface.
type Store struct {
	mu    sync.Mutex
	txMu  sync.Mutex
	state *state
	now   func() time.Time

	txCalls    int
	txFailures func(call int) error
	lookups    int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{state: newState(), now: time.Now}
}

// SetClock overrides the time source used for timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailTransactions makes transaction commits fail whenever fn returns an error.
// The call number starts at 1 and counts every WithinTx invocation.
func (s *Store) FailTransactions(fn func(call int) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txFailures = fn
}

// Lookups returns how many hierarchy lookup queries were issued.
func (s *Store) Lookups() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups
}

func (s *Store) clock() time.Time {
	return s.now().UTC()
}

// Jobs returns a non-transactional job repository.
func (s *Store) Jobs() repository.ImportJobRepository { return &jobRepo{exec: s.direct()} }

// Hierarchy returns a non-transactional hierarchy repository.
func (s *Store) Hierarchy() repository.HierarchyRepository { return &hierarchyRepo{exec: s.direct()} }

// Assets returns a non-transactional asset repository.
func (s *Store) Assets() repository.AssetRepository { return &assetRepo{exec: s.direct()} }

// Classifications returns a classification repository.
func (s *Store) Classifications() repository.ClassificationRepository {
	return &classificationRepo{exec: s.direct()}
}

// WithinTx runs fn against a private copy of the state and applies its writes atomically.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, repos repository.Repositories) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	s.txCalls++
	call := s.txCalls
	failures := s.txFailures
	working := s.state.clone()
	s.mu.Unlock()

	tx := &txExec{store: s, working: working}
	if err := fn(ctx, repository.Repositories{
		Hierarchy: &hierarchyRepo{exec: tx},
		Assets:    &assetRepo{exec: tx},
		Jobs:      &jobRepo{exec: tx},
	}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	if failures != nil {
		if err := failures(call); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.state.clone()
	for _, op := range tx.log {
		if err := op(next); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
	}
	s.state = next
	return nil
}

// Properties returns a snapshot of all properties.
func (s *Store) Properties() []domain.Property {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Property, 0, len(s.state.properties))
	for _, p := range s.state.properties {
		out = append(out, p)
	}
	return out
}

// Buildings returns a snapshot of all buildings.
func (s *Store) Buildings() []domain.Building {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Building, 0, len(s.state.buildings))
	for _, b := range s.state.buildings {
		out = append(out, b)
	}
	return out
}

// AssetByCode returns the asset with the given business code.
func (s *Store) AssetByCode(tenantID uuid.UUID, code string) (domain.Asset, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.state.assets {
		if a.TenantID == tenantID && a.Code == code {
			return a, true
		}
	}
	return domain.Asset{}, false
}

// AssetCount returns the number of stored assets.
func (s *Store) AssetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.assets)
}

// PutAsset stores an asset directly, bypassing constraints.
func (s *Store) PutAsset(asset domain.Asset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.assets[asset.ID] = asset
}

type executor interface {
	read(fn func(st *state) error) error
	write(fn func(st *state) error) error
	clock() time.Time
	countLookup()
}

type directExec struct {
	store *Store
}

func (s *Store) direct() executor { return &directExec{store: s} }

func (d *directExec) read(fn func(st *state) error) error {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	return fn(d.store.state)
}

func (d *directExec) write(fn func(st *state) error) error {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	next := d.store.state.clone()
	if err := fn(next); err != nil {
		return err
	}
	d.store.state = next
	return nil
}

func (d *directExec) clock() time.Time {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	return d.store.clock()
}

func (d *directExec) countLookup() {
	d.store.mu.Lock()
	d.store.lookups++
	d.store.mu.Unlock()
}

type txExec struct {
	store   *Store
	working *state
	log     []func(st *state) error
}

func (t *txExec) read(fn func(st *state) error) error {
	return fn(t.working)
}

func (t *txExec) write(fn func(st *state) error) error {
	if err := fn(t.working); err != nil {
		return err
	}
	t.log = append(t.log, fn)
	return nil
}

func (t *txExec) clock() time.Time {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.clock()
}

func (t *txExec) countLookup() {
	t.store.mu.Lock()
	t.store.lookups++
	t.store.mu.Unlock()
}

func cloneJob(job domain.ImportJob) domain.ImportJob {
	job.Errors = append([]domain.RowError(nil), job.Errors...)
	job.Warnings = append([]domain.RowError(nil), job.Warnings...)
	job.SourceHeaders = append([]string(nil), job.SourceHeaders...)
	job.Ledger = domain.RollbackLedger{
		CreatedProperties: append([]uuid.UUID(nil), job.Ledger.CreatedProperties...),
		CreatedBuildings:  append([]uuid.UUID(nil), job.Ledger.CreatedBuildings...),
		CreatedAssets:     append([]uuid.UUID(nil), job.Ledger.CreatedAssets...),
		UpdatedAssets:     append([]domain.AssetSnapshot(nil), job.Ledger.UpdatedAssets...),
		CompletedSteps:    append([]string(nil), job.Ledger.CompletedSteps...),
	}
	if job.TotalRows != nil {
		total := *job.TotalRows
		job.TotalRows = &total
	}
	return job
}

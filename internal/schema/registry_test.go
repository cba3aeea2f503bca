package schema

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rpattn/assetimport/internal/domain"
	"github.com/rpattn/assetimport/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRepo struct {
	mu    sync.Mutex
	codes map[string]domain.ClassificationCode
	gets  map[string]*atomic.Int32
	fail  error
}

func newCountingRepo(codes ...domain.ClassificationCode) *countingRepo {
	repo := &countingRepo{codes: map[string]domain.ClassificationCode{}, gets: map[string]*atomic.Int32{}}
	for _, code := range codes {
		repo.codes[code.Code] = code
	}
	return repo
}

func (r *countingRepo) counter(code string) *atomic.Int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.gets[code]
	if !ok {
		c = &atomic.Int32{}
		r.gets[code] = c
	}
	return c
}

func (r *countingRepo) GetByCode(_ context.Context, code string) (domain.ClassificationCode, error) {
	r.counter(code).Add(1)
	if r.fail != nil {
		return domain.ClassificationCode{}, r.fail
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	found, ok := r.codes[code]
	if !ok {
		return domain.ClassificationCode{}, fmt.Errorf("classification code %s: %w", code, repository.ErrNotFound)
	}
	return found, nil
}

func (r *countingRepo) List(context.Context) ([]domain.ClassificationCode, error) {
	return nil, nil
}

func (r *countingRepo) Save(_ context.Context, code domain.ClassificationCode) (domain.ClassificationCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	code.Version = r.codes[code.Code].Version + 1
	r.codes[code.Code] = code
	return code, nil
}

func pumpCode() domain.ClassificationCode {
	return domain.ClassificationCode{
		Code:        "PUMP",
		DisplayName: "Pump",
		Active:      true,
		Fields: []domain.FieldDefinition{
			{Code: "flow_rate", ValueKind: domain.ValueKindNumber, Required: true},
			{Code: "tag", ValueKind: domain.ValueKindText, Pattern: "P-[0-9]+"},
		},
	}
}

func TestRegistryCachesDefinitions(t *testing.T) {
	repo := newCountingRepo(pumpCode())
	registry, err := NewRegistry(repo)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		fields, err := registry.Definitions(context.Background(), "pump")
		require.NoError(t, err)
		require.Len(t, fields, 2)
	}
	assert.EqualValues(t, 1, repo.counter("PUMP").Load())
}

func TestRegistryCompilesAnchoredPatterns(t *testing.T) {
	registry, err := NewRegistry(newCountingRepo(pumpCode()))
	require.NoError(t, err)

	s, err := registry.Lookup(context.Background(), "PUMP")
	require.NoError(t, err)
	pattern := s.Pattern("tag")
	require.NotNil(t, pattern)
	assert.True(t, pattern.MatchString("P-12"))
	assert.False(t, pattern.MatchString("XP-12"))
	assert.Nil(t, s.Pattern("flow_rate"))
}

func TestRegistryUnknownAndInactiveCodes(t *testing.T) {
	inactive := pumpCode()
	inactive.Code = "OLD"
	inactive.Active = false
	repo := newCountingRepo(inactive)
	registry, err := NewRegistry(repo)
	require.NoError(t, err)

	_, err = registry.Definitions(context.Background(), "MISSING")
	assert.ErrorIs(t, err, ErrUnknownCode)

	_, err = registry.Definitions(context.Background(), "OLD")
	assert.ErrorIs(t, err, ErrUnknownCode)

	_, err = registry.Definitions(context.Background(), "MISSING")
	assert.ErrorIs(t, err, ErrUnknownCode)
	assert.EqualValues(t, 1, repo.counter("MISSING").Load(), "unknown codes are remembered")
}

func TestRegistryStorageErrorIsNotUnknownCode(t *testing.T) {
	repo := newCountingRepo()
	repo.fail = errors.New("connection refused")
	registry, err := NewRegistry(repo)
	require.NoError(t, err)

	_, err = registry.Definitions(context.Background(), "PUMP")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownCode)
}

func TestRegistrySaveInvalidatesOnlyThatCode(t *testing.T) {
	fan := pumpCode()
	fan.Code = "FAN"
	repo := newCountingRepo(pumpCode(), fan)
	registry, err := NewRegistry(repo)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = registry.Definitions(ctx, "PUMP")
	require.NoError(t, err)
	_, err = registry.Definitions(ctx, "FAN")
	require.NoError(t, err)

	updated := pumpCode()
	updated.Fields = append(updated.Fields, domain.FieldDefinition{Code: "voltage", ValueKind: domain.ValueKindInteger})
	_, err = registry.Save(ctx, updated)
	require.NoError(t, err)

	fields, err := registry.Definitions(ctx, "PUMP")
	require.NoError(t, err)
	assert.Len(t, fields, 3)
	_, err = registry.Definitions(ctx, "FAN")
	require.NoError(t, err)

	assert.EqualValues(t, 2, repo.counter("PUMP").Load())
	assert.EqualValues(t, 1, repo.counter("FAN").Load())
}

func TestRegistrySaveRejectsInvalidDefinitions(t *testing.T) {
	registry, err := NewRegistry(newCountingRepo())
	require.NoError(t, err)

	bad := pumpCode()
	bad.Fields = append(bad.Fields, domain.FieldDefinition{Code: "flow_rate", ValueKind: domain.ValueKindText})
	_, err = registry.Save(context.Background(), bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "more than once")
}

func TestRegistryCollapsesConcurrentMisses(t *testing.T) {
	repo := newCountingRepo(pumpCode())
	registry, err := NewRegistry(repo)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = registry.Lookup(context.Background(), "PUMP")
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, repo.counter("PUMP").Load(), int32(16))

	_, err = registry.Lookup(context.Background(), "PUMP")
	require.NoError(t, err)
	before := repo.counter("PUMP").Load()
	_, err = registry.Lookup(context.Background(), "PUMP")
	require.NoError(t, err)
	assert.Equal(t, before, repo.counter("PUMP").Load())
}

func TestLoadCatalogAndApply(t *testing.T) {
	catalog := `
codes:
  - code: hvac-ahu
    displayName: Air handling unit
    category: HVAC
    parent: hvac
    fields:
      - code: rated_power_kw
        valueKind: number
        unit: kW
        required: true
        min: "0"
        max: "500"
      - code: filter_class
        valueKind: single_select
        options: [G4, F7, F9]
        default: G4
  - code: hvac
    displayName: HVAC
    category: HVAC
`
	codes, err := LoadCatalog(strings.NewReader(catalog))
	require.NoError(t, err)
	require.Len(t, codes, 2)
	require.NotNil(t, codes[0].ParentCode)
	assert.Equal(t, "HVAC", *codes[0].ParentCode)
	require.NotNil(t, codes[0].Fields[0].Max)
	assert.Equal(t, "500", codes[0].Fields[0].Max.String())

	repo := newCountingRepo()
	registry, err := NewRegistry(repo)
	require.NoError(t, err)
	saved, err := registry.Apply(context.Background(), codes)
	require.NoError(t, err)
	require.Len(t, saved, 2)
	assert.Equal(t, "HVAC", saved[0].Code, "parents are saved first")
	assert.Equal(t, domain.StorageKindDecimal, saved[1].Fields[0].StorageKind)
}

func TestLoadCatalogRejectsUnknownKeys(t *testing.T) {
	_, err := LoadCatalog(strings.NewReader("codes:\n  - code: X\n    colour: red\n"))
	require.Error(t, err)
}

type blockingRepo struct {
	*countingRepo
	once    sync.Once
	reached chan struct{}
	release chan struct{}
}

func (r *blockingRepo) GetByCode(ctx context.Context, code string) (domain.ClassificationCode, error) {
	found, err := r.countingRepo.GetByCode(ctx, code)
	r.once.Do(func() {
		close(r.reached)
		<-r.release
	})
	return found, err
}

func TestRegistryDropsLoadsStartedBeforeInvalidate(t *testing.T) {
	repo := &blockingRepo{
		countingRepo: newCountingRepo(pumpCode()),
		reached:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	registry, err := NewRegistry(repo)
	require.NoError(t, err)
	ctx := context.Background()

	stale := make(chan *Schema, 1)
	go func() {
		s, lookupErr := registry.Lookup(ctx, "PUMP")
		assert.NoError(t, lookupErr)
		stale <- s
	}()
	<-repo.reached

	updated := pumpCode()
	updated.Fields = updated.Fields[:1]
	_, err = registry.Save(ctx, updated)
	require.NoError(t, err)
	close(repo.release)
	require.Len(t, (<-stale).Fields, 2)

	fields, err := registry.Definitions(ctx, "PUMP")
	require.NoError(t, err)
	assert.Len(t, fields, 1)
	assert.EqualValues(t, 2, repo.counter("PUMP").Load())
}

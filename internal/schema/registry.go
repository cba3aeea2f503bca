// Package schema resolves classification codes to their dynamic field definitions.
package schema

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sync"

	"github.com/rpattn/assetimport/internal/domain"
	"github.com/rpattn/assetimport/internal/repository"
	schemavalidator "github.com/rpattn/assetimport/internal/schema/validator"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ErrUnknownCode is returned when a classification code is absent or inactive.
var ErrUnknownCode = errors.New("unknown classification code")

const defaultCacheSize = 1024

// Schema is a classification code with its patterns compiled for validation.
type Schema struct {
	Code     domain.ClassificationCode
	Fields   []domain.FieldDefinition
	patterns map[string]*regexp.Regexp
}

// Pattern returns the compiled pattern for a field, if it declares one.
func (s *Schema) Pattern(fieldCode string) *regexp.Regexp {
	return s.patterns[fieldCode]
}

// Field returns the definition for a field code.
func (s *Schema) Field(code string) (domain.FieldDefinition, bool) {
	return s.Code.Field(code)
}

// Registry serves classification schemas from an LRU cache backed by the repository.
type Registry struct {
	repo  repository.ClassificationRepository
	cache *lru.Cache[string, *Schema]
	// unknown remembers codes that failed with ErrUnknownCode until invalidated.
	unknown *lru.Cache[string, error]
	group   singleflight.Group
	log     *logrus.Entry

	// generations counts invalidations per code. A load started before an
	// invalidation must not populate the cache.
	mu          sync.Mutex
	generations map[string]uint64
}

// Option customizes a Registry.
type Option func(*registryOptions)

type registryOptions struct {
	size int
	log  *logrus.Entry
}

// WithCacheSize bounds the number of cached codes.
func WithCacheSize(size int) Option {
	return func(o *registryOptions) {
		if size > 0 {
			o.size = size
		}
	}
}

// WithLogger sets the registry logger.
func WithLogger(log *logrus.Entry) Option {
	return func(o *registryOptions) {
		if log != nil {
			o.log = log
		}
	}
}

// NewRegistry creates a registry reading from repo.
func NewRegistry(repo repository.ClassificationRepository, opts ...Option) (*Registry, error) {
	options := registryOptions{size: defaultCacheSize}
	for _, opt := range opts {
		opt(&options)
	}
	if options.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		options.log = logrus.NewEntry(l)
	}
	cache, err := lru.New[string, *Schema](options.size)
	if err != nil {
		return nil, fmt.Errorf("create schema cache: %w", err)
	}
	unknown, err := lru.New[string, error](options.size)
	if err != nil {
		return nil, fmt.Errorf("create schema cache: %w", err)
	}
	return &Registry{
		repo:        repo,
		cache:       cache,
		unknown:     unknown,
		log:         options.log.WithField("component", "schema_registry"),
		generations: make(map[string]uint64),
	}, nil
}

// Definitions returns the ordered field definitions for a classification code.
func (r *Registry) Definitions(ctx context.Context, code string) ([]domain.FieldDefinition, error) {
	s, err := r.Lookup(ctx, code)
	if err != nil {
		return nil, err
	}
	return append([]domain.FieldDefinition(nil), s.Fields...), nil
}

// Lookup returns the compiled schema for a classification code.
func (r *Registry) Lookup(ctx context.Context, code string) (*Schema, error) {
	key := domain.NormalizeClassificationCode(code)
	if key == "" {
		return nil, fmt.Errorf("%w: empty code", ErrUnknownCode)
	}
	if cached, ok := r.cache.Get(key); ok {
		metrics().cacheRequests.WithLabelValues("hit").Inc()
		return cached, nil
	}
	if cachedErr, ok := r.unknown.Get(key); ok {
		metrics().cacheRequests.WithLabelValues("negative_hit").Inc()
		return nil, cachedErr
	}
	metrics().cacheRequests.WithLabelValues("miss").Inc()

	value, err, _ := r.group.Do(key, func() (any, error) {
		if cached, ok := r.cache.Get(key); ok {
			return cached, nil
		}
		gen := r.generation(key)
		loaded, loadErr := r.load(ctx, key)
		if loadErr != nil {
			if errors.Is(loadErr, ErrUnknownCode) {
				r.storeIfCurrent(key, gen, func() { r.unknown.Add(key, loadErr) })
			}
			return nil, loadErr
		}
		r.storeIfCurrent(key, gen, func() { r.cache.Add(key, loaded) })
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*Schema), nil
}

func (r *Registry) load(ctx context.Context, key string) (*Schema, error) {
	code, err := r.repo.GetByCode(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCode, key)
		}
		return nil, fmt.Errorf("load classification code %s: %w", key, err)
	}
	if !code.Active {
		return nil, fmt.Errorf("%w: %s is inactive", ErrUnknownCode, key)
	}
	return compile(code)
}

// Save validates and persists a classification code, invalidating only its cache entry.
func (r *Registry) Save(ctx context.Context, code domain.ClassificationCode) (domain.ClassificationCode, error) {
	code.Code = domain.NormalizeClassificationCode(code.Code)
	if code.Code == "" {
		return domain.ClassificationCode{}, errors.New("classification code is required")
	}
	fields, err := schemavalidator.ValidateFields(code.Fields)
	if err != nil {
		return domain.ClassificationCode{}, fmt.Errorf("classification code %s: %w", code.Code, err)
	}
	code.Fields = fields

	saved, err := r.repo.Save(ctx, code)
	if err != nil {
		return domain.ClassificationCode{}, err
	}
	r.Invalidate(saved.Code)
	r.log.WithFields(logrus.Fields{"code": saved.Code, "version": saved.Version}).Info("classification code saved")
	return saved, nil
}

func (r *Registry) generation(key string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generations[key]
}

func (r *Registry) storeIfCurrent(key string, gen uint64, add func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generations[key] != gen {
		r.log.WithField("code", key).Debug("discarding schema loaded before invalidation")
		return
	}
	add()
}

// Invalidate drops the cache entry for one code. Loads already in flight for the
// code are not cached.
func (r *Registry) Invalidate(code string) {
	key := domain.NormalizeClassificationCode(code)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generations[key]++
	r.group.Forget(key)
	r.unknown.Remove(key)
	if r.cache.Remove(key) {
		metrics().cacheInvalidations.Inc()
	}
}

func compile(code domain.ClassificationCode) (*Schema, error) {
	s := &Schema{
		Code:     code,
		Fields:   append([]domain.FieldDefinition(nil), code.Fields...),
		patterns: map[string]*regexp.Regexp{},
	}
	for _, field := range code.Fields {
		if field.Pattern == "" {
			continue
		}
		compiled, err := regexp.Compile(anchor(field.Pattern))
		if err != nil {
			return nil, fmt.Errorf("compile pattern for %s.%s: %w", code.Code, field.Code, err)
		}
		s.patterns[field.Code] = compiled
	}
	return s, nil
}

// anchor makes a pattern match the whole value.
func anchor(pattern string) string {
	return "^(?:" + pattern + ")$"
}

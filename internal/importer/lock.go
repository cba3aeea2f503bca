package importer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// TenantLocker serializes work for one tenant across processes.
type TenantLocker interface {
	// Acquire blocks until the tenant is free or ctx is done. The returned release
	// function must be called once the work finishes.
	Acquire(ctx context.Context, tenantID uuid.UUID) (release func(context.Context) error, err error)
}

type noopLocker struct{}

func (noopLocker) Acquire(context.Context, uuid.UUID) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

// RedisLocker holds a redis lock per tenant and refreshes it while work is running.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	retry  time.Duration
	log    *logrus.Entry
}

// NewRedisLocker creates a locker on top of an existing redis client.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration, log *logrus.Entry) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if log == nil {
		log = discardLogger()
	}
	return &RedisLocker{
		client: redislock.New(client),
		ttl:    ttl,
		retry:  250 * time.Millisecond,
		log:    log.WithField("component", "tenant_lock"),
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, tenantID uuid.UUID) (func(context.Context) error, error) {
	key := fmt.Sprintf("assetimport:tenant:%s", tenantID)
	lock, err := l.client.Obtain(ctx, key, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(l.retry),
	})
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, fmt.Errorf("tenant %s is locked by another process: %w", tenantID, err)
		}
		return nil, fmt.Errorf("obtain tenant lock: %w", err)
	}

	refreshCtx, stopRefresh := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-refreshCtx.Done():
				return
			case <-ticker.C:
				if err := lock.Refresh(refreshCtx, l.ttl, nil); err != nil && refreshCtx.Err() == nil {
					l.log.WithError(err).WithField("tenant_id", tenantID).Warn("failed to refresh tenant lock")
				}
			}
		}
	}()

	return func(ctx context.Context) error {
		stopRefresh()
		<-done
		if err := lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			return fmt.Errorf("release tenant lock: %w", err)
		}
		return nil
	}, nil
}

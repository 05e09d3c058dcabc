/*
Package lock provides a distributed ledger.Locker backed by Redis.

The in-process default in package ledger only protects one server. With
several replicas pointing at the same database, reconciliation must also be
exclusive across them; this package obtains a Redis lease (bsm/redislock)
that expires on its own if the holder dies.

USAGE:
  rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
  svc := ledger.NewService(store, ledger.WithLocker(lock.NewRedis(rdb, 15*time.Minute, log)))
*/
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nicktuk/HF-WEB/ledger"
)

type obtainFunc func(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)

// Redis implements ledger.Locker with a TTL lease per key.
type Redis struct {
	obtain obtainFunc
	ttl    time.Duration
	log    *zap.Logger
}

var _ ledger.Locker = (*Redis)(nil)

// NewRedis wraps client. ttl bounds how long a crashed holder blocks others.
func NewRedis(client redis.Scripter, ttl time.Duration, log *zap.Logger) *Redis {
	locker := redislock.New(client)
	return newRedis(func(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
		l, err := locker.Obtain(ctx, key, ttl, nil)
		if err != nil {
			return nil, err
		}
		return l.Release, nil
	}, ttl, log)
}

func newRedis(obtain obtainFunc, ttl time.Duration, log *zap.Logger) *Redis {
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{obtain: obtain, ttl: ttl, log: log}
}

// Acquire obtains key without retrying. A held key maps to
// ledger.ErrReconciliationRunning.
func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	release, err := r.obtain(ctx, key, r.ttl)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ledger.ErrReconciliationRunning
	}
	if err != nil {
		return nil, fmt.Errorf("failed to obtain lock %s: %w", key, err)
	}

	return func() {
		// The caller's ctx may already be done when the run finishes.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			r.log.Warn("failed to release lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

// Package leader gates the singleton periodic tasks (lock sweep, reminder
// scan) so only one process runs them at a time.
package leader

import (
	"context"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/slotpulse/errors"
)

// Lease reports whether this process currently owns the singleton tasks.
type Lease interface {
	// Held obtains or refreshes the lease and reports whether it is held.
	Held(ctx context.Context) bool
	// Resign gives the lease up so another process can take it at once.
	Resign(ctx context.Context) error
}

// Local always holds the lease. Used for single-process deployments.
type Local struct{}

func (Local) Held(context.Context) bool { return true }

func (Local) Resign(context.Context) error { return nil }

// RedisLease holds a redislock key and refreshes it on every Held call.
// Held must be called more often than ttl or the lease lapses.
type RedisLease struct {
	locker *redislock.Client
	key    string
	ttl    time.Duration
	log    *zap.SugaredLogger

	mu   sync.Mutex
	lock *redislock.Lock
}

// NewRedisLease creates a lease on key over an existing redis client.
func NewRedisLease(client redis.UniversalClient, key string, ttl time.Duration, log *zap.SugaredLogger) *RedisLease {
	return &RedisLease{
		locker: redislock.New(client),
		key:    key,
		ttl:    ttl,
		log:    log,
	}
}

// Dial connects to redis at addr and verifies it answers before returning.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "redis ping %s", addr)
	}
	return client, nil
}

func (l *RedisLease) Held(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lock != nil {
		err := l.lock.Refresh(ctx, l.ttl, nil)
		if err == nil {
			return true
		}
		l.log.Warnw("Leader lease lost", "key", l.key, "error", err)
		l.lock = nil
	}

	lock, err := l.locker.Obtain(ctx, l.key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return false
	}
	if err != nil {
		l.log.Warnw("Leader lease unavailable", "key", l.key, "error", err)
		return false
	}

	l.lock = lock
	l.log.Infow("Leader lease acquired", "key", l.key, "ttl", l.ttl)
	return true
}

func (l *RedisLease) Resign(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lock == nil {
		return nil
	}
	err := l.lock.Release(ctx)
	l.lock = nil
	if err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		return errors.Wrap(err, "release leader lease")
	}
	return nil
}

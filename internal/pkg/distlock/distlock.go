// Package distlock provides a distributed lock used to elect the single
// process that fires recurring schedules. Redis is the preferred backend;
// without Redis it falls back to a PostgreSQL advisory lock.
package distlock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lock is the distributed lock contract. A Lock instance is not safe for
// concurrent use; give each goroutine its own instance.
type Lock interface {
	// TryAcquire attempts to take the lock without blocking.
	TryAcquire(ctx context.Context) (bool, error)
	// Release drops the lock if this instance still owns it.
	Release(ctx context.Context) error
}

// New picks the best available backend: Redis when a client is configured,
// otherwise a session-scoped PG advisory lock (auto-released if the
// connection drops, matching Redis TTL expiry semantics).
func New(rdb *redis.Client, db *sql.DB, key string, ttl time.Duration) Lock {
	if rdb != nil {
		return NewRedisLock(rdb, key, ttl)
	}
	return NewAdvisoryLock(db, key)
}

// AdvisoryLock implements Lock over pg_try_advisory_lock.
type AdvisoryLock struct {
	db     *sql.DB
	lockID int64
}

// NewAdvisoryLock derives a deterministic 64-bit lock id from key.
func NewAdvisoryLock(db *sql.DB, key string) *AdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &AdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

// TryAcquire attempts the advisory lock, returning immediately.
func (l *AdvisoryLock) TryAcquire(ctx context.Context) (bool, error) {
	var ok bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&ok)
	return ok, err
}

// Release unlocks the advisory lock.
func (l *AdvisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}

// Package coord defines the coordination store contract shared by every
// process running the engine. All cross-process mutual exclusion goes through
// these primitives; in-memory locks are never enough on their own.
package coord

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key or field does not exist.
	ErrNotFound = errors.New("coord: not found")
	// ErrLeaseNotHeld is returned when releasing a lease owned by someone else
	// or one that already expired. Callers treat it as already released.
	ErrLeaseNotHeld = errors.New("coord: lease not held")
	// ErrLockNotAcquired is returned when a lock stays contended past its retries.
	ErrLockNotAcquired = errors.New("coord: lock not acquired")
)

// ScoredMember is one sorted-set entry.
type ScoredMember struct {
	Member string
	Score  float64
}

// Store is the coordination store client.
type Store interface {
	// AcquireLease sets key to holder only if it is absent, with a TTL.
	AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	// ReleaseLease deletes key only if it still holds holder.
	ReleaseLease(ctx context.Context, key, holder string) error
	// LeaseTTL reports the remaining lifetime of key, or ErrNotFound.
	LeaseTTL(ctx context.Context, key string) (time.Duration, error)

	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	Del(ctx context.Context, keys ...string) error

	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error
	// HDrain atomically reads and deletes the whole hash.
	HDrain(ctx context.Context, key string) (map[string]string, error)
	// HScan iterates a hash in batches; a returned cursor of 0 ends the scan.
	HScan(ctx context.Context, key string, cursor uint64, count int64) (map[string]string, uint64, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)

	ZIncrBy(ctx context.Context, key string, incr float64, member string) (float64, error)
	ZScore(ctx context.Context, key, member string) (float64, bool, error)
	ZAdd(ctx context.Context, key, member string, score float64) error
	ZRem(ctx context.Context, key string, members ...string) error
	// ZRangeWithScores returns every member in ascending score order.
	ZRangeWithScores(ctx context.Context, key string) ([]ScoredMember, error)

	LPush(ctx context.Context, key string, values ...string) (int64, error)
	RPop(ctx context.Context, key string) (string, error)
	LLen(ctx context.Context, key string) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Keys lists keys matching a glob pattern without blocking the store.
	Keys(ctx context.Context, pattern string) ([]string, error)
	// Exec applies ops atomically as one transaction.
	Exec(ctx context.Context, ops ...Op) error

	Close() error
}

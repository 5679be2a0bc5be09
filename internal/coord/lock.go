package coord

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultLockTTL bounds how long a crashed holder can block others.
	DefaultLockTTL = 10 * time.Second
	// DefaultRetryDelay is the pause between acquisition attempts.
	DefaultRetryDelay = 50 * time.Millisecond
	// DefaultMaxRetries caps acquisition attempts.
	DefaultMaxRetries = 100
)

// LockConfig tunes Lock.
type LockConfig struct {
	TTL        time.Duration
	RetryDelay time.Duration
	MaxRetries int
}

// Lock is a short-lived mutual exclusion lock built on store leases.
type Lock struct {
	store Store
	key   string
	cfg   LockConfig
}

// NewLock returns a lock on key.
func NewLock(store Store, key string, cfg LockConfig) *Lock {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultLockTTL
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &Lock{store: store, key: key, cfg: cfg}
}

// Acquire blocks until the lock is held under token, ctx ends, or retries run
// out. The returned func releases it; a lost lock is not reported as an error.
func (l *Lock) Acquire(ctx context.Context, token string) (func(context.Context) error, error) {
	for i := range l.cfg.MaxRetries {
		ok, err := l.store.AcquireLease(ctx, l.key, token, l.cfg.TTL)
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", l.key, err)
		}
		if ok {
			return func(ctx context.Context) error {
				if err := l.store.ReleaseLease(ctx, l.key, token); err != nil && !errors.Is(err, ErrLeaseNotHeld) {
					return fmt.Errorf("release lock %s: %w", l.key, err)
				}
				return nil
			}, nil
		}
		if i < l.cfg.MaxRetries-1 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("acquire lock %s: %w", l.key, ctx.Err())
			case <-time.After(l.cfg.RetryDelay):
			}
		}
	}
	return nil, ErrLockNotAcquired
}

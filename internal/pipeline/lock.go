package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"floortrader/internal/kvstore"
)

// ErrLockHeld is returned by Acquire when another holder owns the lock.
var ErrLockHeld = errors.New("pipeline: lock held by another instance")

// Lock is a TTL-based mutual exclusion primitive over a KV bucket whose
// TTL equals the lock TTL. Holders must refresh before roughly half the
// TTL elapses or a rival may legitimately take over; this trades strict
// mutual exclusion under partition for liveness.
type Lock struct {
	kv    kvstore.Store
	key   string
	token string
	rev   uint64
	held  bool
}

// NewLock builds a lock handle for a role key. Each handle carries its
// own holder token.
func NewLock(kv kvstore.Store, key string) *Lock {
	return &Lock{kv: kv, key: key, token: uuid.NewString()}
}

// Token returns the holder token, useful in logs.
func (l *Lock) Token() string { return l.token }

// Acquire takes the lock, failing with ErrLockHeld when a live holder
// exists.
func (l *Lock) Acquire(ctx context.Context) error {
	rev, err := l.kv.Create(ctx, l.key, []byte(l.token))
	if err != nil {
		if errors.Is(err, kvstore.ErrExists) {
			return ErrLockHeld
		}
		return fmt.Errorf("acquire %s: %w", l.key, err)
	}
	l.rev = rev
	l.held = true
	return nil
}

// Refresh restarts the TTL clock. Fails if the lock expired or was taken
// over since the last refresh.
func (l *Lock) Refresh(ctx context.Context) error {
	if !l.held {
		return fmt.Errorf("refresh %s: not held", l.key)
	}
	rev, err := l.kv.Update(ctx, l.key, []byte(l.token), l.rev)
	if err != nil {
		l.held = false
		return fmt.Errorf("refresh %s: %w", l.key, err)
	}
	l.rev = rev
	return nil
}

// Release drops the lock. The delete is revision-guarded: if the TTL
// lapsed and a rival took the key since the last refresh, the rival's
// lock is left alone. Safe to call when not held.
func (l *Lock) Release(ctx context.Context) error {
	if !l.held {
		return nil
	}
	l.held = false
	if err := l.kv.Delete(ctx, l.key, l.rev); err != nil {
		if errors.Is(err, kvstore.ErrRevisionMismatch) {
			return nil
		}
		return err
	}
	return nil
}

// LockExists reports whether any holder currently owns the role key.
// The supervisor uses it to detect dead roles.
func LockExists(ctx context.Context, kv kvstore.Store, key string) (bool, error) {
	_, _, err := kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RefreshInterval returns the cadence at which a holder should refresh a
// lock of the given TTL.
func RefreshInterval(ttl time.Duration) time.Duration {
	return ttl / 3
}

// Role lock key conventions. Publishers and subscribers lock per
// request; the supervisor holds a single cluster-wide key.
func PublisherLockKey(requestID string) string  { return "publisher." + requestID }
func SubscriberLockKey(requestID string) string { return "subscriber." + requestID }

// SupervisorLockKey is the supervisor's own singleton lock.
const SupervisorLockKey = "supervisor"

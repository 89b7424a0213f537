package kvstore

import (
	"context"
	"errors"
)

var (
	// ErrExists is returned by Create when the key is already present.
	ErrExists = errors.New("kvstore: key exists")
	// ErrNotFound is returned by Get/Update when the key is absent.
	ErrNotFound = errors.New("kvstore: key not found")
	// ErrRevisionMismatch is returned by Update when the caller's
	// revision is stale.
	ErrRevisionMismatch = errors.New("kvstore: revision mismatch")
)

// Store is a revisioned key-value bucket. Buckets may carry a TTL: an
// entry not refreshed within the TTL disappears, which is what makes the
// pipeline's role locks self-expiring.
type Store interface {
	// Create writes the key only if absent, returning its revision.
	Create(ctx context.Context, key string, value []byte) (uint64, error)

	// Update writes the key only if the revision matches, returning the
	// new revision. Refreshes the TTL clock.
	Update(ctx context.Context, key string, value []byte, rev uint64) (uint64, error)

	// Put writes the key unconditionally.
	Put(ctx context.Context, key string, value []byte) (uint64, error)

	// Get returns the value and revision.
	Get(ctx context.Context, key string) ([]byte, uint64, error)

	// Delete removes the key; absent keys are not an error. A non-zero
	// rev deletes only if the revision still matches, so a stale holder
	// cannot remove a rival's entry.
	Delete(ctx context.Context, key string, rev uint64) error
}

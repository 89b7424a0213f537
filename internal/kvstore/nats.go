package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// NATSBucket backs a Store with a JetStream Key-Value bucket. Bucket TTL
// applies per entry since its last write, so Update doubles as a lock
// refresh.
type NATSBucket struct {
	kv jetstream.KeyValue
}

// NewNATSBucket creates or binds the named bucket. ttl of zero means
// entries never expire.
func NewNATSBucket(ctx context.Context, js jetstream.JetStream, bucket string, ttl time.Duration) (*NATSBucket, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		TTL:     ttl,
		Storage: jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure kv bucket %s: %w", bucket, err)
	}
	return &NATSBucket{kv: kv}, nil
}

func (b *NATSBucket) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := b.kv.Create(ctx, key, value)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return 0, ErrExists
		}
		return 0, err
	}
	return rev, nil
}

func (b *NATSBucket) Update(ctx context.Context, key string, value []byte, rev uint64) (uint64, error) {
	newRev, err := b.kv.Update(ctx, key, value, rev)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return 0, ErrNotFound
		}
		var apiErr *jetstream.APIError
		if errors.As(err, &apiErr) {
			return 0, ErrRevisionMismatch
		}
		return 0, err
	}
	return newRev, nil
}

func (b *NATSBucket) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	return b.kv.Put(ctx, key, value)
}

func (b *NATSBucket) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	entry, err := b.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}
	return entry.Value(), entry.Revision(), nil
}

func (b *NATSBucket) Delete(ctx context.Context, key string, rev uint64) error {
	var opts []jetstream.KVDeleteOpt
	if rev != 0 {
		opts = append(opts, jetstream.LastRevision(rev))
	}
	err := b.kv.Delete(ctx, key, opts...)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		var apiErr *jetstream.APIError
		if rev != 0 && errors.As(err, &apiErr) {
			return ErrRevisionMismatch
		}
	}
	return err
}

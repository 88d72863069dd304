// Package cache provides the keyed TTL store shared by the research
// pipeline, the classifier memo and the page cache.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// Store is a keyed byte store with per-key expiry. A ttl of zero means the
// entry never expires.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Forget(ctx context.Context, key string) error
}

// GetJSON decodes the JSON value stored under key into dst.
func GetJSON(ctx context.Context, s Store, key string, dst any) (bool, error) {
	b, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return false, eris.Wrapf(err, "cache: decode %s", key)
	}
	return true, nil
}

// PutJSON encodes v as JSON and stores it under key.
func PutJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return eris.Wrapf(err, "cache: encode %s", key)
	}
	return s.Put(ctx, key, b, ttl)
}

// Remember returns the cached value for key, or computes it with fn and
// caches the result for ttl. Errors from fn are not cached.
func Remember[T any](ctx context.Context, s Store, key string, ttl time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var out T
	ok, err := GetJSON(ctx, s, key, &out)
	if err == nil && ok {
		return out, nil
	}
	out, err = fn(ctx)
	if err != nil {
		return out, err
	}
	if err := PutJSON(ctx, s, key, out, ttl); err != nil {
		return out, err
	}
	return out, nil
}

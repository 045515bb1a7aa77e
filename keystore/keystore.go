// Package keystore defines the storage abstraction used by nwloader: a
// thin capability interface over a Redis-compatible backend.
//
// Implementations perform no serialization of their own; they move opaque
// blobs and must be safe for concurrent use. All operations may fail with
// a transport error, which callers treat per spec.md §7 (a miss on the
// read path, a "needs refresh" signal on the TTL probe, a surfaced error
// everywhere else).
package keystore

import (
	"context"
	"errors"
	"time"
)

// ErrNotStored is returned by Set when CreateOnly is true and the key
// already exists.
var ErrNotStored = errors.New("keystore: not stored (key exists)")

// Store is the KeyStore adapter contract: Get, Set, Del, TTL, Eval.
type Store interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL. If CreateOnly is true, the
	// write is atomic set-if-absent (Redis SET NX); Set returns
	// ErrNotStored if the key already existed and does not overwrite it.
	// A ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, createOnly bool) error

	// Del removes a key. Returns the number of keys removed (0 or 1).
	Del(ctx context.Context, key string) (int64, error)

	// TTL returns the remaining seconds for key: -1 means no expiry is
	// set, -2 means the key is absent.
	TTL(ctx context.Context, key string) (int64, error)

	// Eval runs a server-side script atomically and returns its result.
	Eval(ctx context.Context, script string, keys []string, args []any) (any, error)
}

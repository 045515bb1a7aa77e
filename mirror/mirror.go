// Package mirror defines an optional process-local read cache that a
// Loader consults before its keystore.Store round trip. A Mirror is never
// a source of truth: it has no TTL-probing or scripting capability of its
// own, and nwloader treats a miss (or a decode failure) as "fall through
// to Store" rather than as an error.
package mirror

import (
	"context"
	"time"
)

// Mirror is a minimal byte store with TTL, implemented by a local cache
// library. Get must return exactly the []byte previously passed to Set
// for the same key: implementations must not prepend/append metadata,
// transcode, or otherwise mutate values (the same byte-for-byte
// transparency contract as a keystore.Store).
type Mirror interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

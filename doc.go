// Package nwloader implements a read-through cache with single-flight
// loading and stale-while-revalidate refresh, backed by a Redis-compatible
// key-value store.
//
// Components:
//   - keystore.Store: the byte-store capability interface (Get/Set/Del/TTL/Eval).
//   - racelock.Lock: the distributed single-flight/serialize primitive.
//   - Loader[V]: the cache-refresh orchestrator built on top of both.
//
// Keys:
//
//	<keyPrefix>:<name>:<derivedKey>   - cache entries, TTL = 2*userTTL
//	<lockPrefix>:<baseKey>:race       - single-flight lock
//	<lockPrefix>:<baseKey>:all        - serialize lock
//
// Typical wiring:
//
//	store, _ := redis.New(redis.Config{Client: rdb})
//	ld, _ := nwloader.New[User]("user", loadUserFromDB, nwloader.Options[User]{
//	    Store: store,
//	    TTL:   30 * time.Second,
//	})
//	u, err := ld.Load(ctx, userID)
package nwloader

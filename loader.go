package nwloader

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/longbill/nw-loader/keystore"
	"github.com/longbill/nw-loader/mirror"
	"github.com/longbill/nw-loader/racelock"
)

// LoaderFunc produces a fresh value for a cache key. It receives the
// original arguments passed to Load.
type LoaderFunc[V any] func(ctx context.Context, args ...any) (V, error)

// Options configures a Loader.
type Options[V any] struct {
	// Store is required: the KeyStore adapter this Loader reads and writes through.
	Store keystore.Store

	// TTL is the user freshness threshold. Default 30s, must be >= 2s.
	TTL time.Duration
	// KeyPrefix namespaces data keys. Default "nwloader".
	KeyPrefix string
	// LockKeyPrefix namespaces the RaceLock's keys. Default "nwlock".
	LockKeyPrefix string
	// LockTimeout is the PX expiry of the race lock. Default 10s.
	LockTimeout time.Duration

	Logger Logger // default NopLogger
	Hooks  Hooks  // default NopHooks

	// EntryCodec overrides the default JSON CacheEntry wire format.
	EntryCodec EntryCodec[V]

	// Mirror, if set, is consulted before Store on a fresh read.
	Mirror mirror.Mirror
	// TrustMirrorFreshness makes a mirror hit skip the Store.TTL probe
	// and trust the mirror entry's own expiry instead. Default false.
	TrustMirrorFreshness bool
}

// Loader is the cache-refresh orchestrator described in spec.md §4.3.
type Loader[V any] struct {
	name string
	fn   LoaderFunc[V]
	opts Options[V]

	ttl         time.Duration
	keyPrefix   string
	codec       EntryCodec[V]
	lock        *racelock.Lock
	log         Logger
	hooks       Hooks
	mirror      mirror.Mirror
	trustMirror bool
}

// New constructs a Loader. name must be non-empty and match
// [A-Za-z0-9:_\-\.\[\]]+. opts.Store is required; opts.TTL, if set, must
// be >= MinTTL (2s).
func New[V any](name string, fn LoaderFunc[V], opts Options[V]) (*Loader[V], error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, &ValidationError{Field: "loaderFn", Reason: "must not be nil"}
	}
	if opts.Store == nil {
		return nil, &ValidationError{Field: "Store", Reason: "must not be nil"}
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if ttl < MinTTL {
		return nil, &ValidationError{Field: "TTL", Reason: fmt.Sprintf("must be >= %s, got %s", MinTTL, ttl)}
	}

	keyPrefix := coalesce(opts.KeyPrefix, DefaultKeyPrefix)
	lockPrefix := coalesce(opts.LockKeyPrefix, racelock.DefaultKeyPrefix)
	lockTimeout := opts.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = racelock.DefaultTimeout
	}

	var codec EntryCodec[V] = jsonEntryCodec[V]{}
	if opts.EntryCodec != nil {
		codec = opts.EntryCodec
	}

	ld := &Loader[V]{
		name:        name,
		fn:          fn,
		opts:        opts,
		ttl:         ttl,
		keyPrefix:   keyPrefix,
		codec:       codec,
		lock:        racelock.New(opts.Store, racelock.Options{KeyPrefix: lockPrefix, DefaultTimeout: lockTimeout}),
		log:         coalesce[Logger](opts.Logger, NopLogger{}),
		hooks:       coalesce[Hooks](opts.Hooks, NopHooks{}),
		mirror:      opts.Mirror,
		trustMirror: opts.TrustMirrorFreshness,
	}
	return ld, nil
}

// dataKey returns the full store key for a derived base key.
func (l *Loader[V]) dataKey(baseKey string) string {
	return l.keyPrefix + ":" + l.name + ":" + baseKey
}

// result is a one-shot sink: the first of the read path or the refresh
// task to complete fulfills it; later completions are background-only.
type result[V any] struct {
	done chan struct{}
	v    V
	err  error
}

func newResult[V any]() *result[V] { return &result[V]{done: make(chan struct{})} }

// fulfill completes the sink exactly once. It reports whether this call
// was the one that fulfilled it.
func (r *result[V]) fulfill(v V, err error) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	// Guard against a racing second fulfill: only one goroutine (the
	// call's own read path vs its own refresh task) ever calls fulfill for
	// a given Load invocation, so no mutex is required here - the two call
	// sites are mutually exclusive by construction (see Load).
	r.v, r.err = v, err
	close(r.done)
	return true
}

func (r *result[V]) wait(ctx context.Context) (V, error) {
	select {
	case <-r.done:
		return r.v, r.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Load resolves to the loader's value for args, per the state machine in
// spec.md §4.3: a fresh cache hit resolves immediately; a stale hit
// resolves to the cached value and triggers a refresh whose failures are
// logged rather than returned; a miss loads before resolving. The refresh
// of a stale hit runs in the calling goroutine, so Load returns only after
// it has finished; it does not run in a separate goroutine.
func (l *Loader[V]) Load(ctx context.Context, args ...any) (V, error) {
	var zero V
	baseKey, err := derive(args)
	if err != nil {
		return zero, err
	}
	corr := uuid.NewString()
	return l.load(ctx, baseKey, args, corr, 0)
}

// maxRecursion bounds the post-lock fallback re-read to one hop, per
// spec.md §9 ("one refresh cycle produces at most one re-read").
const maxRecursion = 1

func (l *Loader[V]) load(ctx context.Context, baseKey string, args []any, corr string, depth int) (V, error) {
	var zero V
	dataKey := l.dataKey(baseKey)
	res := newResult[V]()
	did := false

	// 1. Read phase.
	if v, ok, fresh := l.readFresh(ctx, dataKey); ok {
		did = true
		res.fulfill(v, nil)
		if fresh {
			return res.wait(ctx)
		}
		// stale but valid: the caller's result is already fixed to the
		// cached value; fall through to the refresh below, which runs
		// before Load returns.
	}

	// 2. Freshness decision: readFresh already returned here only for a
	// miss or a stale-but-valid hit (a fresh hit returned above), so every
	// path that reaches this line needs a refresh.

	// 3. Refresh phase: RaceLock-guarded, ignore = did (we already have
	// something to serve).
	rr, lockErr := l.lock.Race(ctx, baseKey, 0, did, func() (any, error) {
		v, err := l.fn(ctx, args...)
		if err != nil {
			lerr := &LoaderError{Name: l.name, Key: baseKey, Err: err}
			if !res.fulfill(zero, lerr) {
				l.hooks.BackgroundFailure(l.name, baseKey, lerr)
				l.log.Error("background refresh failed", Fields{"name": l.name, "key": baseKey, "corr": corr, "err": err})
			}
			return nil, lerr
		}
		if err := l.primeInternal(ctx, dataKey, v); err != nil {
			serr := &StoreError{Op: "set", Key: dataKey, Err: err}
			if !did {
				// priming failed but we still have a fresh value for the
				// caller; surface the store error rather than silently
				// losing the write, unless we've already resolved.
				if !res.fulfill(zero, serr) {
					l.hooks.BackgroundFailure(l.name, baseKey, serr)
				}
				return nil, serr
			}
			l.hooks.BackgroundFailure(l.name, baseKey, serr)
			l.log.Error("prime after refresh failed", Fields{"name": l.name, "key": baseKey, "corr": corr, "err": err})
		}
		res.fulfill(v, nil)
		return v, nil
	})

	if lockErr != nil {
		if !did {
			return zero, lockErr
		}
		l.hooks.BackgroundFailure(l.name, baseKey, lockErr)
		l.log.Error("background refresh lock failed", Fields{"name": l.name, "key": baseKey, "corr": corr, "err": lockErr})
		return res.wait(ctx)
	}

	// RaceLock's optional in-process fast path may have folded this call
	// onto a concurrent caller's attempt: when that happens this call's own
	// task closure never ran, so its own res was never fulfilled even
	// though the fold's result says the loader did run. Fulfill from the
	// shared result in that case.
	if rr.Executed {
		if v, ok := rr.Result.(V); ok {
			res.fulfill(v, nil)
		}
	}

	// 4. Post-lock fallback: someone else ran the loader and we had
	// nothing to serve - re-read once.
	if !rr.Executed && !did {
		l.hooks.LockContended(l.lockKeyFor(baseKey), true)
		if depth >= maxRecursion {
			return zero, &StoreError{Op: "get", Key: dataKey, Err: fmt.Errorf("nwloader: refresh cycle exceeded recursion guard")}
		}
		return l.load(ctx, baseKey, args, corr, depth+1)
	}

	return res.wait(ctx)
}

func (l *Loader[V]) lockKeyFor(baseKey string) string {
	return coalesce(l.opts.LockKeyPrefix, racelock.DefaultKeyPrefix) + ":" + baseKey + ":race"
}

// readFresh attempts the mirror then the Store, decoding and validating
// the entry. ok is true on a usable hit (fresh or stale-but-valid); fresh
// additionally reports whether no refresh is needed.
func (l *Loader[V]) readFresh(ctx context.Context, dataKey string) (v V, ok bool, fresh bool) {
	if l.mirror != nil {
		if raw, hit, _ := l.mirror.Get(ctx, dataKey); hit {
			if e, err := l.codec.Decode(raw); err == nil {
				if l.trustMirror {
					return e.Value, true, true
				}
				// Mirror doesn't carry freshness on its own: probe the
				// Store's TTL (not a full Get) to decide. A fresh mirror
				// entry is served without touching Store.Get at all; a
				// stale or gone one falls through to the authoritative
				// Store read, which also re-primes the mirror.
				if !l.needsRefresh(ctx, dataKey) {
					return e.Value, true, true
				}
			}
		}
	}
	return l.readFreshFromStore(ctx, dataKey)
}

func (l *Loader[V]) readFreshFromStore(ctx context.Context, dataKey string) (v V, ok bool, fresh bool) {
	var zero V
	raw, hit, err := l.opts.Store.Get(ctx, dataKey)
	if err != nil {
		l.hooks.StoreFailure("get", dataKey, err)
		l.log.Warn("store get failed", Fields{"key": dataKey, "err": err})
		return zero, false, false
	}
	if !hit {
		return zero, false, false
	}
	e, err := l.codec.Decode(raw)
	if err != nil {
		parseErr := &ParseError{Key: dataKey, Err: err}
		_, _ = l.opts.Store.Del(ctx, dataKey)
		l.hooks.SelfHeal(dataKey, parseErr.Error())
		l.log.Warn("dropped corrupt entry", Fields{"key": dataKey, "err": parseErr})
		return zero, false, false
	}
	if l.mirror != nil {
		if raw2, encErr := l.codec.Encode(e); encErr == nil {
			_ = l.mirror.Set(ctx, dataKey, raw2, l.ttl*2)
		}
	}
	return e.Value, true, !l.needsRefresh(ctx, dataKey)
}

// needsRefresh implements the TTL-based freshness decision of spec.md §3:
// r > T is fresh; r <= T (including the absent (-2) and no-expiry (-1)
// cases) needs a refresh.
func (l *Loader[V]) needsRefresh(ctx context.Context, dataKey string) bool {
	ttlSecs, err := l.opts.Store.TTL(ctx, dataKey)
	if err != nil {
		l.hooks.StoreFailure("ttl", dataKey, err)
		l.log.Warn("store ttl failed", Fields{"key": dataKey, "err": err})
		return true
	}
	return int64(ttlSecs) <= int64(l.ttl/time.Second)
}

// Clear deletes the cache entry for key, returning 1 if something was
// removed, 0 otherwise.
func (l *Loader[V]) Clear(ctx context.Context, key any) (int, error) {
	baseKey, err := derive([]any{key})
	if err != nil {
		return 0, err
	}
	dataKey := l.dataKey(baseKey)
	if l.mirror != nil {
		_ = l.mirror.Del(ctx, dataKey)
	}
	n, err := l.opts.Store.Del(ctx, dataKey)
	if err != nil {
		return 0, &StoreError{Op: "del", Key: dataKey, Err: err}
	}
	return int(n), nil
}

// Prime overwrites the cache entry for key with value, bypassing the
// loader function. Returns true on success.
func (l *Loader[V]) Prime(ctx context.Context, key any, value V) (bool, error) {
	baseKey, err := derive([]any{key})
	if err != nil {
		return false, err
	}
	if err := l.primeInternal(ctx, l.dataKey(baseKey), value); err != nil {
		return false, &StoreError{Op: "set", Key: l.dataKey(baseKey), Err: err}
	}
	return true, nil
}

func (l *Loader[V]) primeInternal(ctx context.Context, dataKey string, value V) error {
	entry := CacheEntry[V]{CreateTime: time.Now().UnixMilli(), Value: value}
	raw, err := l.codec.Encode(entry)
	if err != nil {
		return err
	}
	if err := l.opts.Store.Set(ctx, dataKey, raw, 2*l.ttl, false); err != nil {
		return err
	}
	if l.mirror != nil {
		_ = l.mirror.Set(ctx, dataKey, raw, 2*l.ttl)
	}
	return nil
}

// Cacheable returns a function with fn's signature, routed through a
// freshly constructed Loader named name.
func Cacheable[V any](name string, opts Options[V]) func(fn LoaderFunc[V]) (LoaderFunc[V], error) {
	return func(fn LoaderFunc[V]) (LoaderFunc[V], error) {
		if opts.Store == nil {
			return nil, &ValidationError{Field: "Store", Reason: "must not be nil"}
		}
		ld, err := New(name, fn, opts)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, args ...any) (V, error) {
			return ld.Load(ctx, args...)
		}, nil
	}
}

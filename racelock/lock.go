// Package racelock implements the distributed single-flight primitive
// nwloader's Loader builds on: two modes (All: serialize, Race: single-
// flight) over a keystore.Store, with token-guarded safe release so a
// lock holder whose expiry elapsed can never delete a successor's lock.
package racelock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/longbill/nw-loader/keystore"
)

// DefaultKeyPrefix namespaces lock keys: "<lockPrefix>:<baseKey>:race"/":all".
const DefaultKeyPrefix = "nwlock"

// DefaultCheckLockDelay is the poll interval used while waiting on a
// contended lock.
const DefaultCheckLockDelay = 100 * time.Millisecond

// DefaultTimeout is the lock key's PX expiry when a caller doesn't specify
// one.
const DefaultTimeout = 10 * time.Second

// safeRelease is the exact script required by spec.md §4.2: delete the
// lock key iff its current value still matches the token we acquired it
// with. KEYS[1]=lockKey, ARGV[1]=token.
const safeRelease = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`

// Options configures a Lock.
type Options struct {
	// KeyPrefix namespaces lock keys. Default "nwlock".
	KeyPrefix string
	// CheckLockDelay is the poll interval for contended locks. Default 100ms.
	CheckLockDelay time.Duration
	// DefaultTimeout is used when a caller passes timeout<=0. Default 10s.
	DefaultTimeout time.Duration
	// LocalSingleflight folds concurrent in-process Race callers for the
	// same name and the same ignore value onto one distributed acquisition
	// attempt before it is even
	// tried. Default true. This is a strict refinement over the
	// distributed-only design: it changes nothing observable across
	// processes.
	LocalSingleflight *bool
}

// Lock is the distributed race/serialize primitive described in
// spec.md §4.2.
type Lock struct {
	store  keystore.Store
	prefix string
	delay  time.Duration
	dto    time.Duration
	sf     *singleflight.Group // nil when LocalSingleflight is disabled
}

// New constructs a Lock over store.
func New(store keystore.Store, opts Options) *Lock {
	l := &Lock{
		store:  store,
		prefix: opts.KeyPrefix,
		delay:  opts.CheckLockDelay,
		dto:    opts.DefaultTimeout,
	}
	if l.prefix == "" {
		l.prefix = DefaultKeyPrefix
	}
	if l.delay <= 0 {
		l.delay = DefaultCheckLockDelay
	}
	if l.dto <= 0 {
		l.dto = DefaultTimeout
	}
	if opts.LocalSingleflight == nil || *opts.LocalSingleflight {
		l.sf = &singleflight.Group{}
	}
	return l
}

// RaceResult is the outcome of a Race call.
type RaceResult struct {
	// Executed is true iff a task ran to completion: this caller's own, or,
	// when the in-process fast path folded this call onto a concurrent
	// one, that caller's task.
	Executed bool
	// Result is the task's return value when Executed is true.
	Result any
}

// All runs task under arrival-ordered mutual exclusion for name: it polls
// for acquisition with no upper bound on wait, invokes task(delayed) where
// delayed is true iff at least one retry occurred, then always
// safe-releases (success or panic-free error) before returning. If task
// returns an error, All returns that error after releasing.
func (l *Lock) All(ctx context.Context, name string, timeout time.Duration, task func(delayed bool) (any, error)) (any, error) {
	key := l.key(name, "all")
	to := l.resolveTimeout(timeout)

	token, delayed, err := l.acquirePolling(ctx, key, to)
	if err != nil {
		return nil, err
	}
	defer l.safeReleaseBestEffort(ctx, key, token)

	return task(delayed)
}

// Race attempts a single acquisition for name (no retry). If acquired, it
// runs task, safe-releases, and returns {Executed:true, Result}. If
// contended:
//   - ignore=true returns {Executed:false} immediately.
//   - ignore=false polls the lock key until it is absent (released or
//     expired), then returns {Executed:false} without running task and
//     without attempting release (no token is owned in this path).
func (l *Lock) Race(ctx context.Context, name string, timeout time.Duration, ignore bool, task func() (any, error)) (RaceResult, error) {
	key := l.key(name, "race")
	to := l.resolveTimeout(timeout)

	if l.sf != nil {
		// Fold concurrent in-process callers that agree on ignore onto one
		// attempt. Callers with differing ignore semantics (did they already
		// have cached data to fall back on?) are kept separate: folding them
		// would let one caller's ignore policy silently decide another's.
		sfKey := key
		if ignore {
			sfKey += ":ignore"
		}
		v, err, _ := l.sf.Do(sfKey, func() (any, error) {
			return l.raceOnce(ctx, key, to, ignore, task)
		})
		if err != nil {
			return RaceResult{}, err
		}
		return v.(RaceResult), nil
	}
	return l.raceOnce(ctx, key, to, ignore, task)
}

func (l *Lock) raceOnce(ctx context.Context, key string, to time.Duration, ignore bool, task func() (any, error)) (RaceResult, error) {
	token, err := randomToken()
	if err != nil {
		return RaceResult{}, err
	}

	err = l.store.Set(ctx, key, []byte(token), to, true)
	switch {
	case err == nil:
		// acquired
	case errors.Is(err, keystore.ErrNotStored):
		if ignore {
			return RaceResult{Executed: false}, nil
		}
		if err := l.waitForAbsence(ctx, key); err != nil {
			return RaceResult{}, err
		}
		return RaceResult{Executed: false}, nil
	default:
		return RaceResult{}, fmt.Errorf("racelock: acquire %q: %w", key, err)
	}

	defer l.safeReleaseBestEffort(ctx, key, token)

	res, terr := task()
	if terr != nil {
		return RaceResult{}, terr
	}
	return RaceResult{Executed: true, Result: res}, nil
}

// acquirePolling repeatedly attempts SET NX, sleeping CheckLockDelay
// between attempts, until it succeeds or ctx is done. Returns the token it
// now owns and whether at least one retry occurred.
func (l *Lock) acquirePolling(ctx context.Context, key string, to time.Duration) (token string, delayed bool, err error) {
	for {
		token, err = randomToken()
		if err != nil {
			return "", delayed, err
		}
		setErr := l.store.Set(ctx, key, []byte(token), to, true)
		if setErr == nil {
			return token, delayed, nil
		}
		if !errors.Is(setErr, keystore.ErrNotStored) {
			return "", delayed, fmt.Errorf("racelock: acquire %q: %w", key, setErr)
		}
		delayed = true
		if err := sleep(ctx, l.delay); err != nil {
			return "", delayed, err
		}
	}
}

// waitForAbsence polls key until Get reports a miss.
func (l *Lock) waitForAbsence(ctx context.Context, key string) error {
	for {
		_, ok, err := l.store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("racelock: wait %q: %w", key, err)
		}
		if !ok {
			return nil
		}
		if err := sleep(ctx, l.delay); err != nil {
			return err
		}
	}
}

func (l *Lock) safeReleaseBestEffort(ctx context.Context, key, token string) {
	_, _ = l.store.Eval(ctx, safeRelease, []string{key}, []any{token})
}

func (l *Lock) resolveTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return l.dto
	}
	return timeout
}

func (l *Lock) key(name, mode string) string {
	return l.prefix + ":" + name + ":" + mode
}

func randomToken() (string, error) {
	var b [20]byte // 160 bits
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("racelock: generate token: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

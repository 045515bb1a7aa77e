// Package memkv is an in-process fake keystore.Store for tests and local
// development. It is not a general Lua interpreter: Eval recognizes only
// the safe-release script racelock uses (a GET-compare-then-DEL), by its
// GET-compare line, and
// runs its equivalent logic directly, so RaceLock's production code path
// is exercised without a real Redis.
package memkv

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/longbill/nw-loader/keystore"
)

// ErrScriptUnsupported is returned by Eval for any script body that does
// not contain the GET-compare line of the safe-release script racelock
// issues.
var ErrScriptUnsupported = errors.New("memkv: unsupported script")

type entry struct {
	value []byte
	exp   time.Time // zero => no expiry
}

// Store is a mutex-guarded in-memory keystore.Store.
type Store struct {
	mu sync.Mutex
	m  map[string]entry
}

var _ keystore.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{m: make(map[string]entry)}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lockedLookup(key)
	if !ok {
		return nil, false, nil
	}
	return e.value, true, nil
}

// lockedLookup returns the entry for key, deleting and reporting a miss if
// it has expired. Caller must hold s.mu.
func (s *Store) lockedLookup(key string) (entry, bool) {
	e, ok := s.m[key]
	if !ok {
		return entry{}, false
	}
	if !e.exp.IsZero() && !time.Now().Before(e.exp) {
		delete(s.m, key)
		return entry{}, false
	}
	return e, true
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration, createOnly bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if createOnly {
		if _, ok := s.lockedLookup(key); ok {
			return keystore.ErrNotStored
		}
	}
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	s.m[key] = entry{value: append([]byte(nil), value...), exp: exp}
	return nil
}

func (s *Store) Del(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lockedLookup(key); !ok {
		return 0, nil
	}
	delete(s.m, key)
	return 1, nil
}

func (s *Store) TTL(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lockedLookup(key)
	if !ok {
		return -2, nil
	}
	if e.exp.IsZero() {
		return -1, nil
	}
	remaining := time.Until(e.exp)
	if remaining <= 0 {
		delete(s.m, key)
		return -2, nil
	}
	secs := int64(remaining / time.Second)
	if remaining%time.Second != 0 {
		secs++
	}
	return secs, nil
}

// Eval interprets racelock's safe-release script:
//
//	if redis.call("GET", KEYS[1]) == ARGV[1] then
//	  return redis.call("DEL", KEYS[1])
//	else
//	  return 0
//	end
//
// Any other script is rejected: memkv is a test fixture, not a general
// scripting engine.
func (s *Store) Eval(_ context.Context, script string, keys []string, args []any) (any, error) {
	if !strings.Contains(script, `redis.call("GET", KEYS[1]) == ARGV[1]`) {
		return nil, ErrScriptUnsupported
	}
	if len(keys) != 1 || len(args) != 1 {
		return int64(0), nil
	}
	token, _ := args[0].(string)

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lockedLookup(keys[0])
	if !ok || string(e.value) != token {
		return int64(0), nil
	}
	delete(s.m, keys[0])
	return int64(1), nil
}

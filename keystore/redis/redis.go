// Package redis implements keystore.Store over github.com/redis/go-redis/v9.
package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/longbill/nw-loader/keystore"
)

// ErrNilClient is returned by New when Config.Client is nil.
var ErrNilClient = errors.New("redis keystore: nil client")

// Store adapts a goredis.UniversalClient (single-node, ring or cluster) to
// keystore.Store.
type Store struct {
	rdb         goredis.UniversalClient
	closeClient bool

	scriptMu sync.Mutex
	scripts  map[string]*goredis.Script
}

var _ keystore.Store = (*Store)(nil)

// Config configures a Store.
type Config struct {
	Client goredis.UniversalClient
	// CloseClient, if true, closes the underlying client on Close. Set
	// this only when the Store exclusively owns the client.
	CloseClient bool
}

// New constructs a redis-backed keystore.Store.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Store{
		rdb:         cfg.Client,
		closeClient: cfg.CloseClient,
		scripts:     make(map[string]*goredis.Script),
	}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration, createOnly bool) error {
	if ttl < 0 {
		ttl = 0
	}
	if createOnly {
		ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
		if err != nil {
			return err
		}
		if !ok {
			return keystore.ErrNotStored
		}
		return nil
	}
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *Store) Del(ctx context.Context, key string) (int64, error) {
	return s.rdb.Del(ctx, key).Result()
}

func (s *Store) TTL(ctx context.Context, key string) (int64, error) {
	d, err := s.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	// go-redis reports the protocol's -2 (no such key) and -1 (no expiry)
	// as the literal Duration values -2 and -1, not scaled by time.Second.
	if d == -2 || d == -1 {
		return int64(d), nil
	}
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++ // round up so a key doesn't read as already-expired early
	}
	return secs, nil
}

// Eval runs script via EVALSHA, falling back to EVAL on NOSCRIPT. The
// compiled *redis.Script is cached per script body so repeated calls (the
// lock's safe-release script, in particular) avoid re-parsing.
func (s *Store) Eval(ctx context.Context, script string, keys []string, args []any) (any, error) {
	sc := s.script(script)
	return sc.Run(ctx, s.rdb, keys, args...).Result()
}

func (s *Store) script(body string) *goredis.Script {
	s.scriptMu.Lock()
	defer s.scriptMu.Unlock()
	if sc, ok := s.scripts[body]; ok {
		return sc
	}
	sc := goredis.NewScript(body)
	s.scripts[body] = sc
	return sc
}

// Close releases the underlying client only when this Store owns it. Safe
// to call multiple times.
func (s *Store) Close(context.Context) error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}

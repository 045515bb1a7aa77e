// Package bigcache adapts github.com/allegro/bigcache/v3 to mirror.Mirror.
package bigcache

import (
	"context"
	"time"

	bc "github.com/allegro/bigcache/v3"

	"github.com/longbill/nw-loader/mirror"
)

// Config mirrors bigcache's DefaultConfig knobs that matter for a read
// mirror. BigCache has no per-entry TTL: LifeWindow is a single global
// expiry applied to every entry, so mirror entries may outlive (or be
// evicted before) the Loader's own per-key TTL accounting; the Loader
// never trusts a mirror hit's freshness without a Store.TTL check unless
// TrustMirrorFreshness is explicitly set.
type Config struct {
	LifeWindow         time.Duration
	CleanWindow        time.Duration
	MaxEntriesInWindow int
	MaxEntrySize       int
	HardMaxCacheSizeMB int
}

// Store is a mirror.Mirror backed by an in-process bigcache.BigCache.
type Store struct {
	c *bc.BigCache
}

var _ mirror.Mirror = (*Store)(nil)

func New(cfg Config) (*Store, error) {
	conf := bc.DefaultConfig(cfg.LifeWindow)
	if cfg.CleanWindow > 0 {
		conf.CleanWindow = cfg.CleanWindow
	}
	if cfg.MaxEntriesInWindow > 0 {
		conf.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	}
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	c, err := bc.NewBigCache(conf)
	if err != nil {
		return nil, err
	}
	return &Store{c: c}, nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, err := s.c.Get(key)
	if err == bc.ErrEntryNotFound {
		return nil, false, nil
	}
	return b, err == nil, err
}

func (s *Store) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	return s.c.Set(key, value)
}

func (s *Store) Del(_ context.Context, key string) error {
	err := s.c.Delete(key)
	if err == bc.ErrEntryNotFound {
		return nil
	}
	return err
}

// Close releases the cache. Not part of mirror.Mirror; callers that own
// the Store should call it on shutdown.
func (s *Store) Close() error {
	return s.c.Close()
}

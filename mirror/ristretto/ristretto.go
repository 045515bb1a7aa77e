// Package ristretto adapts github.com/dgraph-io/ristretto to mirror.Mirror.
package ristretto

import (
	"context"
	"errors"
	"time"

	rc "github.com/dgraph-io/ristretto"

	"github.com/longbill/nw-loader/mirror"
)

// Config mirrors ristretto's own Config; cost is derived from len(value) on
// Set since nwloader has no separate cost signal per entry.
type Config struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	Metrics     bool
}

// Store is a mirror.Mirror backed by an in-process ristretto.Cache.
type Store struct {
	c *rc.Cache
}

var _ mirror.Mirror = (*Store)(nil)

func New(cfg Config) (*Store, error) {
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 || cfg.BufferItems <= 0 {
		return nil, errors.New("ristretto mirror: invalid config")
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return &Store{c: c}, nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := s.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, _ := v.([]byte)
	if b == nil {
		s.c.Del(key)
		return nil, false, nil
	}
	return b, true, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.c.SetWithTTL(key, value, int64(len(value)), ttl)
	return nil
}

func (s *Store) Del(_ context.Context, key string) error {
	s.c.Del(key)
	return nil
}

// Close waits for pending writes to settle and releases the cache. Not
// part of mirror.Mirror; callers that own the Store should call it on
// shutdown.
func (s *Store) Close() error {
	s.c.Wait()
	s.c.Close()
	return nil
}

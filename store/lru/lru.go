// Package lru implements a record store that acts as a least-recently-used cache for a nested record store.
package lru

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/bobg/kfr"
	"github.com/bobg/kfr/store"
)

var _ store.Store = &Store{}

// Store implements a memory-based least-recently-used cache for a record store.
// Writes pass through to the underlying store.
type Store struct {
	c *lru.Cache // path->kfr.Kfr
	s store.Store
}

// New produces a new Store backed by `s` and caching up to `size` records.
func New(s store.Store, size int) (*Store, error) {
	c, err := lru.New(size)
	return &Store{s: s, c: c}, err
}

// Get gets the record for path.
func (s *Store) Get(ctx context.Context, path string) (kfr.Kfr, error) {
	if got, ok := s.c.Get(path); ok {
		return got.(kfr.Kfr), nil
	}
	k, err := s.s.Get(ctx, path)
	if err != nil {
		return k, err
	}
	s.c.Add(path, k)
	return k, nil
}

// GetMulti gets multiple records,
// consulting the nested store only for those not cached.
func (s *Store) GetMulti(ctx context.Context, paths []string) (map[string]kfr.Kfr, error) {
	var (
		result = make(map[string]kfr.Kfr)
		missed []string
	)
	for _, path := range paths {
		if got, ok := s.c.Get(path); ok {
			result[path] = got.(kfr.Kfr)
		} else {
			missed = append(missed, path)
		}
	}
	if len(missed) == 0 {
		return result, nil
	}

	nested, err := s.s.GetMulti(ctx, missed)
	if err != nil {
		return nil, err
	}
	for path, k := range nested {
		s.c.Add(path, k)
		result[path] = k
	}
	return result, nil
}

// All produces all records from the nested store.
// It does not populate the cache.
func (s *Store) All(ctx context.Context, f func(kfr.Kfr) error) error {
	return s.s.All(ctx, f)
}

// Put stores recs in the nested store and then in the cache.
func (s *Store) Put(ctx context.Context, recs ...kfr.Kfr) error {
	if err := s.s.Put(ctx, recs...); err != nil {
		// The nested store may or may not have applied the batch.
		for _, k := range recs {
			s.c.Remove(k.Path)
		}
		return err
	}
	for _, k := range recs {
		s.c.Add(k.Path, k)
	}
	return nil
}

// Close closes the nested store.
func (s *Store) Close() error {
	s.c.Purge()
	return s.s.Close()
}

func init() {
	store.Register("lru", func(ctx context.Context, conf map[string]interface{}) (store.Store, error) {
		size, ok := conf["size"].(int)
		if !ok {
			return nil, errors.New(`missing "size" parameter`)
		}
		nestedStore, err := store.Nested(ctx, conf, "nested")
		if err != nil {
			return nil, errors.Wrap(err, "creating nested store")
		}
		return New(nestedStore, size)
	})
}

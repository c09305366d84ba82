// Package mem implements an in-memory record store.
package mem

import (
	"context"
	"sort"
	"sync"

	"github.com/bobg/kfr"
	"github.com/bobg/kfr/store"
)

var _ store.Store = &Store{}

// Store is a memory-based implementation of a record store.
type Store struct {
	mu   sync.Mutex
	recs map[string]kfr.Kfr
}

// New produces a new Store.
func New() *Store {
	return &Store{recs: make(map[string]kfr.Kfr)}
}

// Get gets the record for path.
func (s *Store) Get(_ context.Context, path string) (kfr.Kfr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k, ok := s.recs[path]; ok {
		return k, nil
	}
	return kfr.Kfr{}, kfr.ErrNotFound
}

// GetMulti gets multiple records in one call.
func (s *Store) GetMulti(_ context.Context, paths []string) (map[string]kfr.Kfr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[string]kfr.Kfr)
	for _, path := range paths {
		if k, ok := s.recs[path]; ok {
			result[path] = k
		}
	}
	return result, nil
}

// All calls f on each record in path order.
// It works on a copy,
// so f may call other methods of s.
func (s *Store) All(ctx context.Context, f func(kfr.Kfr) error) error {
	s.mu.Lock()
	recs := make([]kfr.Kfr, 0, len(s.recs))
	for _, k := range s.recs {
		recs = append(recs, k)
	}
	s.mu.Unlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].Path < recs[j].Path })

	for _, k := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f(k); err != nil {
			return err
		}
	}
	return nil
}

// Put stores recs.
func (s *Store) Put(_ context.Context, recs ...kfr.Kfr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range recs {
		s.recs[k.Path] = k
	}
	return nil
}

// Close does nothing.
func (s *Store) Close() error {
	return nil
}

func init() {
	store.Register("mem", func(context.Context, map[string]interface{}) (store.Store, error) {
		return New(), nil
	})
}

// Package logging implements a store that delegates everything to a nested store,
// logging operations as they happen.
package logging

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bobg/kfr"
	"github.com/bobg/kfr/store"
)

var _ store.Store = &Store{}

type Store struct {
	s   store.Store
	log *zap.SugaredLogger
}

func New(s store.Store, log *zap.SugaredLogger) *Store {
	return &Store{s: s, log: log}
}

func (s *Store) Get(ctx context.Context, path string) (kfr.Kfr, error) {
	k, err := s.s.Get(ctx, path)
	switch {
	case errors.Is(err, kfr.ErrNotFound):
		s.log.Debugw("Get", "path", path, "found", false)
	case err != nil:
		s.log.Errorw("Get", "path", path, "err", err)
	default:
		s.log.Debugw("Get", "rec", k)
	}
	return k, err
}

func (s *Store) GetMulti(ctx context.Context, paths []string) (map[string]kfr.Kfr, error) {
	m, err := s.s.GetMulti(ctx, paths)
	if err != nil {
		s.log.Errorw("GetMulti", "paths", len(paths), "err", err)
	} else {
		s.log.Debugw("GetMulti", "paths", len(paths), "found", len(m))
	}
	return m, err
}

func (s *Store) All(ctx context.Context, f func(kfr.Kfr) error) error {
	s.log.Debugw("All")
	var n int
	err := s.s.All(ctx, func(k kfr.Kfr) error {
		n++
		err := f(k)
		if err != nil {
			s.log.Debugw("  All stopped", "rec", k, "err", err)
		}
		return err
	})
	if err != nil {
		s.log.Errorw("All", "n", n, "err", err)
	} else {
		s.log.Debugw("All done", "n", n)
	}
	return err
}

func (s *Store) Put(ctx context.Context, recs ...kfr.Kfr) error {
	err := s.s.Put(ctx, recs...)
	if err != nil {
		s.log.Errorw("Put", "n", len(recs), "err", err)
		return err
	}
	for _, k := range recs {
		s.log.Debugw("Put", "rec", k)
	}
	return nil
}

func (s *Store) Close() error {
	err := s.s.Close()
	if err != nil {
		s.log.Errorw("Close", "err", err)
	}
	return err
}

func init() {
	store.Register("logging", func(ctx context.Context, conf map[string]interface{}) (store.Store, error) {
		nestedStore, err := store.Nested(ctx, conf, "nested")
		if err != nil {
			return nil, errors.Wrap(err, "creating nested store")
		}
		log := zap.S()
		if l, ok := conf["logger"].(*zap.SugaredLogger); ok {
			log = l
		}
		return New(nestedStore, log.Named("store")), nil
	})
}

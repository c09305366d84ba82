// Package leveldb implements a record store on a LevelDB datastore.
package leveldb

import (
	"context"
	"encoding/hex"
	"encoding/json"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dslvl "github.com/ipfs/go-ds-leveldb"
	"github.com/pkg/errors"

	"github.com/bobg/kfr"
	"github.com/bobg/kfr/store"
)

var _ store.Store = &Store{}

const prefix = "/kfr"

// Store is a LevelDB-based record store.
// Records are stored as JSON,
// under keys derived from their paths.
type Store struct {
	d *dslvl.Datastore
}

// New opens (creating if necessary) the LevelDB datastore in dir.
func New(dir string) (*Store, error) {
	d, err := dslvl.NewDatastore(dir, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "opening leveldb in %s", dir)
	}
	return &Store{d: d}, nil
}

// Paths are hex-encoded:
// datastore keys are cleaned like file paths,
// which would conflate distinct record paths,
// and hex preserves byte order.
func key(path string) ds.Key {
	return ds.NewKey(prefix + "/" + hex.EncodeToString([]byte(path)))
}

// Get gets the record for path.
func (s *Store) Get(ctx context.Context, path string) (kfr.Kfr, error) {
	b, err := s.d.Get(ctx, key(path))
	if errors.Is(err, ds.ErrNotFound) {
		return kfr.Kfr{}, kfr.ErrNotFound
	}
	if err != nil {
		return kfr.Kfr{}, errors.Wrapf(err, "getting %s", path)
	}
	var k kfr.Kfr
	err = json.Unmarshal(b, &k)
	return k, errors.Wrapf(err, "decoding %s", path)
}

// GetMulti gets multiple records.
func (s *Store) GetMulti(ctx context.Context, paths []string) (map[string]kfr.Kfr, error) {
	result := make(map[string]kfr.Kfr)
	for _, path := range paths {
		k, err := s.Get(ctx, path)
		if errors.Is(err, kfr.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result[path] = k
	}
	return result, nil
}

// All produces all records in the store, in path order.
func (s *Store) All(ctx context.Context, f func(kfr.Kfr) error) error {
	res, err := s.d.Query(ctx, dsq.Query{
		Prefix: prefix,
		Orders: []dsq.Order{dsq.OrderByKey{}},
	})
	if err != nil {
		return errors.Wrap(err, "querying")
	}
	defer res.Close()

	for {
		r, ok := res.NextSync()
		if !ok {
			return nil
		}
		if r.Error != nil {
			return errors.Wrap(r.Error, "iterating")
		}
		var k kfr.Kfr
		if err := json.Unmarshal(r.Value, &k); err != nil {
			return errors.Wrapf(err, "decoding %s", r.Key)
		}
		if err := f(k); err != nil {
			return err
		}
	}
}

// Put stores recs in a single batch.
func (s *Store) Put(ctx context.Context, recs ...kfr.Kfr) error {
	if len(recs) == 0 {
		return nil
	}

	b, err := s.d.Batch(ctx)
	if err != nil {
		return errors.Wrap(err, "starting batch")
	}
	for _, k := range recs {
		v, err := json.Marshal(k)
		if err != nil {
			return errors.Wrapf(err, "encoding %s", k)
		}
		if err := b.Put(ctx, key(k.Path), v); err != nil {
			return errors.Wrapf(err, "storing %s", k)
		}
	}
	return errors.Wrap(b.Commit(ctx), "committing")
}

// Close closes the underlying datastore.
func (s *Store) Close() error {
	return s.d.Close()
}

func init() {
	store.Register("leveldb", func(_ context.Context, conf map[string]interface{}) (store.Store, error) {
		dir, ok := conf["dir"].(string)
		if !ok {
			return nil, errors.New(`missing "dir" parameter`)
		}
		return New(dir)
	})
}

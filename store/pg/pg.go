// Package pg implements a record store on a Postgresql database.
package pg

import (
	"context"
	"database/sql"
	stderrs "errors"

	"github.com/bobg/sqlutil"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/bobg/kfr"
	"github.com/bobg/kfr/store"
)

var _ store.Store = &Store{}

// Store is a Postgresql-based record store.
type Store struct {
	db *sql.DB
}

// Schema is the SQL that New executes.
// It creates the `kfrs` table if it does not exist.
// (If it does exist, it must have the columns and constraints described here.)
const Schema = `
CREATE TABLE IF NOT EXISTS kfrs (
  path TEXT PRIMARY KEY NOT NULL,
  time_ms BIGINT NOT NULL,
  size BIGINT NOT NULL,
  hash BIGINT NOT NULL
);
`

// New produces a new Store using `db` for storage.
// It expects to create table `kfrs`,
// or for that table already to exist with the correct schema.
// (See constant Schema.)
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	_, err := db.ExecContext(ctx, Schema)
	return &Store{db: db}, errors.Wrap(err, "creating schema")
}

// Get gets the record for path.
func (s *Store) Get(ctx context.Context, path string) (kfr.Kfr, error) {
	const q = `SELECT time_ms, size, hash FROM kfrs WHERE path = $1`

	var (
		k    = kfr.Kfr{Path: path}
		hash int64
	)
	err := s.db.QueryRowContext(ctx, q, path).Scan(&k.Time, &k.Size, &hash)
	if stderrs.Is(err, sql.ErrNoRows) {
		return kfr.Kfr{}, kfr.ErrNotFound
	}
	if err != nil {
		return kfr.Kfr{}, errors.Wrapf(err, "getting %s", path)
	}
	k.Hash = uint64(hash)
	return k, nil
}

// GetMulti gets multiple records in one query.
func (s *Store) GetMulti(ctx context.Context, paths []string) (map[string]kfr.Kfr, error) {
	const q = `SELECT path, time_ms, size, hash FROM kfrs WHERE path = ANY($1)`

	result := make(map[string]kfr.Kfr)
	err := sqlutil.ForQueryRows(ctx, s.db, q, pq.Array(paths), func(path string, t, size, hash int64) {
		result[path] = kfr.Kfr{Path: path, Time: t, Size: size, Hash: uint64(hash)}
	})
	return result, errors.Wrap(err, "querying records")
}

// All produces all records in the store, in path order.
func (s *Store) All(ctx context.Context, f func(kfr.Kfr) error) error {
	const q = `SELECT path, time_ms, size, hash FROM kfrs ORDER BY path COLLATE "C"`
	return sqlutil.ForQueryRows(ctx, s.db, q, func(path string, t, size, hash int64) error {
		return f(kfr.Kfr{Path: path, Time: t, Size: size, Hash: uint64(hash)})
	})
}

// Put upserts recs in a single transaction.
func (s *Store) Put(ctx context.Context, recs ...kfr.Kfr) error {
	if len(recs) == 0 {
		return nil
	}

	const q = `INSERT INTO kfrs (path, time_ms, size, hash) VALUES ($1, $2, $3, $4)
		ON CONFLICT (path) DO UPDATE SET time_ms = EXCLUDED.time_ms, size = EXCLUDED.size, hash = EXCLUDED.hash`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	for _, k := range recs {
		if _, err := tx.ExecContext(ctx, q, k.Path, k.Time, k.Size, int64(k.Hash)); err != nil {
			return errors.Wrapf(err, "storing %s", k)
		}
	}
	return errors.Wrap(tx.Commit(), "committing")
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func init() {
	store.Register("pg", func(ctx context.Context, conf map[string]interface{}) (store.Store, error) {
		conn, ok := conf["conn"].(string)
		if !ok {
			return nil, errors.New(`missing "conn" parameter`)
		}
		db, err := sql.Open("postgres", conn)
		if err != nil {
			return nil, errors.Wrap(err, "opening db")
		}
		return New(ctx, db)
	})
}

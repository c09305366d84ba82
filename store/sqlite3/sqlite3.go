// Package sqlite3 implements a record store on a Sqlite database.
package sqlite3

import (
	"context"
	"database/sql"
	stderrs "errors"

	"github.com/bobg/sqlutil"
	_ "github.com/mattn/go-sqlite3" // register the sqlite3 type for sql.Open
	"github.com/pkg/errors"

	"github.com/bobg/kfr"
	"github.com/bobg/kfr/store"
)

var _ store.Store = &Store{}

// Store is a Sqlite-based record store.
type Store struct {
	db *sql.DB
}

// Schema is the SQL that New executes.
// It creates the `kfrs` table if it does not exist.
// (If it does exist, it must have the columns and constraints described here.)
//
// The hash column holds the record's uint64 hash
// reinterpreted as a signed integer.
const Schema = `
CREATE TABLE IF NOT EXISTS kfrs (
  path TEXT PRIMARY KEY NOT NULL,
  time_ms INTEGER NOT NULL,
  size INTEGER NOT NULL,
  hash INTEGER NOT NULL
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

type queryRower interface {
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

func get(ctx context.Context, db queryRower, path string) (kfr.Kfr, error) {
	const q = `SELECT time_ms, size, hash FROM kfrs WHERE path = $1`

	var (
		k    = kfr.Kfr{Path: path}
		hash int64
	)
	err := db.QueryRowContext(ctx, q, path).Scan(&k.Time, &k.Size, &hash)
	if stderrs.Is(err, sql.ErrNoRows) {
		return kfr.Kfr{}, kfr.ErrNotFound
	}
	if err != nil {
		return kfr.Kfr{}, errors.Wrapf(err, "getting %s", path)
	}
	k.Hash = uint64(hash)
	return k, nil
}

// Get gets the record for path.
func (s *Store) Get(ctx context.Context, path string) (kfr.Kfr, error) {
	return get(ctx, s.db, path)
}

// GetMulti gets multiple records in one read transaction.
func (s *Store) GetMulti(ctx context.Context, paths []string) (map[string]kfr.Kfr, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	result := make(map[string]kfr.Kfr)
	for _, path := range paths {
		k, err := get(ctx, tx, path)
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
	const q = `SELECT path, time_ms, size, hash FROM kfrs ORDER BY path`
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
		ON CONFLICT (path) DO UPDATE SET time_ms = excluded.time_ms, size = excluded.size, hash = excluded.hash`

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
	store.Register("sqlite3", func(ctx context.Context, conf map[string]interface{}) (store.Store, error) {
		conn, ok := conf["conn"].(string)
		if !ok {
			return nil, errors.New(`missing "conn" parameter`)
		}
		db, err := sql.Open("sqlite3", conn)
		if err != nil {
			return nil, errors.Wrap(err, "opening db")
		}
		// Sqlite permits one writer at a time.
		db.SetMaxOpenConns(1)
		return New(ctx, db)
	})
}
